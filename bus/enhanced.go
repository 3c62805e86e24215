package bus

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chreez/skelly-jelly-sub001/breaker"
	"github.com/chreez/skelly-jelly-sub001/deadletter"
	"github.com/chreez/skelly-jelly-sub001/errlog"
	"github.com/chreez/skelly-jelly-sub001/errors"
	"github.com/chreez/skelly-jelly-sub001/message"
	"github.com/chreez/skelly-jelly-sub001/pkg/retry"
	"github.com/chreez/skelly-jelly-sub001/recovery"
)

// EnhancedConfig assembles the resilience stack around the core bus.
type EnhancedConfig struct {
	Core    Config
	Retry   retry.Config
	Breaker breaker.Config
}

// EnhancedBus composes the core bus with circuit breakers, retries,
// dead-lettering, correlation-tracked logging, and the recovery
// system. Publish failures are retried, then dead-lettered and
// reported as incidents instead of surfacing raw transport errors.
type EnhancedBus struct {
	core     *CoreBus
	breakers *breaker.Registry
	retrier  *retry.Executor
	dlq         *deadletter.Queue
	errlog      *errlog.Logger
	recovery    *recovery.System
	logger      *slog.Logger
	maxAttempts int

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewEnhancedBus wires the resilience stack. dlq, errlogger, and
// recoverySystem may not be nil; the dead letter queue's replay
// callback should be this bus's Replay target (see ReplayFunc).
func NewEnhancedBus(
	cfg EnhancedConfig,
	dlq *deadletter.Queue,
	errlogger *errlog.Logger,
	recoverySystem *recovery.System,
	logger *slog.Logger,
	coreOpts ...CoreOption,
) (*EnhancedBus, error) {
	if dlq == nil || errlogger == nil || recoverySystem == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "EnhancedBus", "NewEnhancedBus",
			"dead letter queue, error logger, and recovery system are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	retrier, err := retry.NewExecutor(cfg.Retry, retry.WithPolicy(
		retry.PolicyFunc(func(err error, _ int) bool {
			return errors.IsTransient(err)
		})))
	if err != nil {
		return nil, err
	}

	b := &EnhancedBus{
		breakers:    breaker.NewRegistry(cfg.Breaker),
		retrier:     retrier,
		dlq:         dlq,
		errlog:      errlogger,
		recovery:    recoverySystem,
		logger:      logger.With("component", "enhanced_bus"),
		maxAttempts: cfg.Retry.MaxAttempts,
	}

	coreOpts = append(coreOpts, withDeliveryFailure(b.handleDeliveryFailure))
	b.core = NewCoreBus(cfg.Core, logger, coreOpts...)
	return b, nil
}

// ReplayFunc returns the callback the dead letter queue uses to
// re-publish entries through this bus.
func (b *EnhancedBus) ReplayFunc() deadletter.ReplayFunc {
	return func(ctx context.Context, env *message.Envelope) error {
		_, err := b.core.Publish(ctx, env)
		return err
	}
}

// Publish sends env through the breaker and retry stack. Exhausted
// retries dead-letter the message and open an incident; the caller
// still receives the terminal error.
func (b *EnhancedBus) Publish(ctx context.Context, env *message.Envelope) (string, error) {
	if env == nil {
		return "", errors.WrapInvalid(errors.ErrInvalidMessage, "EnhancedBus", "Publish", "nil envelope")
	}
	if err := env.Validate(); err != nil {
		return "", err
	}

	op := b.errlog.StartOperation("", "publish", env.Source())
	brk := b.breakers.Get("publish:" + string(env.Source()))

	err := brk.Execute(ctx, func(execCtx context.Context) error {
		return b.retrier.Execute(execCtx, func(attemptCtx context.Context, _ retry.Attempt) error {
			_, perr := b.core.Publish(attemptCtx, env)
			return perr
		})
	})
	if err == nil {
		op.Complete()
		return env.ID(), nil
	}

	op.CompleteWithError(errlog.SeverityError, categorize(err), err)

	// Invalid messages are the caller's bug; no dead-lettering or
	// incident for those.
	if errors.IsInvalid(err) {
		return "", err
	}
	b.deadLetterPublish(env, err, op.CorrelationID())

	if _, rerr := b.recovery.HandleIncident(ctx, op.CorrelationID(), env.Source(), err,
		fmt.Sprintf("publish failed for %s message", env.Kind())); rerr != nil {
		b.logger.Error("incident handling failed", "error", rerr)
	}
	return "", err
}

// Subscribe registers a subscription on the core bus.
func (b *EnhancedBus) Subscribe(module message.ModuleID, filter message.Filter, mode DeliveryMode) (string, <-chan *message.Envelope, error) {
	return b.core.Subscribe(module, filter, mode)
}

// Unsubscribe removes a subscription.
func (b *EnhancedBus) Unsubscribe(id string) error {
	return b.core.Unsubscribe(id)
}

// Metrics returns the core bus counters.
func (b *EnhancedBus) Metrics() Metrics {
	return b.core.Metrics()
}

// DeadLetters exposes the dead letter queue for inspection and replay.
func (b *EnhancedBus) DeadLetters() *deadletter.Queue {
	return b.dlq
}

// Breakers exposes the breaker registry for stats and overrides.
func (b *EnhancedBus) Breakers() *breaker.Registry {
	return b.breakers
}

// RetryStats returns aggregate retry executor counters.
func (b *EnhancedBus) RetryStats() retry.Stats {
	return b.retrier.Stats()
}

// Shutdown stops the core bus and the dead letter queue. Idempotent;
// individual stop failures are logged and the first error returned.
func (b *EnhancedBus) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		if err := b.core.Shutdown(ctx); err != nil {
			b.logger.Warn("core bus shutdown", "error", err)
			b.shutdownErr = err
		}
		if err := b.recovery.Stop(5 * time.Second); err != nil {
			b.logger.Warn("recovery system shutdown", "error", err)
			if b.shutdownErr == nil {
				b.shutdownErr = err
			}
		}
		if err := b.dlq.Stop(); err != nil {
			b.logger.Warn("dead letter queue shutdown", "error", err)
			if b.shutdownErr == nil {
				b.shutdownErr = err
			}
		}
	})
	return b.shutdownErr
}

// deadLetterPublish records a publish failure in the dead letter queue.
func (b *EnhancedBus) deadLetterPublish(env *message.Envelope, cause error, correlationID string) {
	reason := deadletter.SystemError(cause.Error())
	retryCount := 0
	if stderrors.Is(cause, retry.ErrMaxAttempts) {
		reason = deadletter.MaxRetriesExceeded(b.maxAttempts)
		retryCount = b.maxAttempts
	}
	if _, err := b.dlq.Add(env, reason, retryCount, nil, cause.Error(), correlationID); err != nil {
		b.logger.Error("dead-lettering failed", "message_id", env.ID(), "error", err)
	}
}

// handleDeliveryFailure is the router's drop hook. Reliable timeouts
// are dead-lettered; best-effort drops are only logged.
func (b *EnhancedBus) handleDeliveryFailure(env *message.Envelope, sub SubscriptionStats, mode DeliveryMode, reason dropReason) {
	if reason != dropDeliveryTimeout {
		return
	}
	ctx := errlog.NewContext(sub.Module, "deliver", errlog.SeverityWarning, errlog.CategoryIntegration,
		fmt.Sprintf("reliable delivery to %s timed out", sub.Module))
	b.errlog.Log(ctx)

	if _, err := b.dlq.Add(env, deadletter.DeliveryTimeout(mode.Timeout), 0,
		[]message.ModuleID{sub.Module}, "subscriber channel full past timeout", ctx.CorrelationID); err != nil {
		b.logger.Error("dead-lettering failed", "message_id", env.ID(), "error", err)
	}
}

// categorize maps a terminal error onto an error-log category.
func categorize(err error) errlog.Category {
	switch {
	case stderrors.Is(err, errors.ErrQueueFull), stderrors.Is(err, errors.ErrResourceExhausted):
		return errlog.CategoryResource
	case stderrors.Is(err, errors.ErrInvalidMessage), stderrors.Is(err, errors.ErrInvalidFilter):
		return errlog.CategoryValidation
	case stderrors.Is(err, errors.ErrCircuitOpen), stderrors.Is(err, errors.ErrDeliveryTimeout):
		return errlog.CategoryIntegration
	default:
		return errlog.CategoryUnknown
	}
}
