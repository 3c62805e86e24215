package module

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chreez/skelly-jelly-sub001/bus"
	"github.com/chreez/skelly-jelly-sub001/errors"
	"github.com/chreez/skelly-jelly-sub001/health"
	"github.com/chreez/skelly-jelly-sub001/message"
	"github.com/chreez/skelly-jelly-sub001/metric"
)

// runtime is the controller's per-module bookkeeping. Its mutex
// serializes transitions so exactly one is in flight per module.
type runtime struct {
	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	startedAt time.Time
	lastError error
}

// Controller starts, stops, and restarts registered modules. State
// changes and failures are published on the bus rather than kept
// internal.
type Controller struct {
	registry *Registry
	bus      bus.Bus
	logger   *slog.Logger
	metrics  *metric.Metrics
	now      func() time.Time

	mu       sync.Mutex
	runtimes map[message.ModuleID]*runtime
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithMetrics publishes module status gauges on transitions.
func WithMetrics(m *metric.Metrics) ControllerOption {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithClock overrides the controller's time source, for tests.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// NewController creates a lifecycle controller over the registry,
// publishing lifecycle events on b.
func NewController(registry *Registry, b bus.Bus, logger *slog.Logger, opts ...ControllerOption) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		registry: registry,
		bus:      b,
		logger:   logger.With("component", "lifecycle"),
		now:      time.Now,
		runtimes: make(map[message.ModuleID]*runtime),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the module's current state. Unknown modules report
// StateUnregistered.
func (c *Controller) State(id message.ModuleID) State {
	if _, ok := c.registry.Get(id); !ok {
		return StateUnregistered
	}
	rt := c.runtime(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// LastError returns the most recent lifecycle error for the module.
func (c *Controller) LastError(id message.ModuleID) error {
	rt := c.runtime(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.lastError
}

// Uptime returns how long the module has been running, zero if it is
// not running.
func (c *Controller) Uptime(id message.ModuleID) time.Duration {
	rt := c.runtime(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.state != StateRunning && rt.state != StateDegraded {
		return 0
	}
	return c.now().Sub(rt.startedAt)
}

// Start initializes and starts the module. A failure moves the module
// to Failed, publishes an error report for the recovery systems, and
// returns the error.
func (c *Controller) Start(ctx context.Context, id message.ModuleID) error {
	desc, ok := c.registry.Get(id)
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownModule, "Controller", "Start", string(id))
	}

	rt := c.runtime(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.state == StateRunning || rt.state == StateStarting {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Controller", "Start", string(id))
	}
	if !rt.state.canStart() {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Controller", "Start",
			fmt.Sprintf("module %s cannot start from state %s", id, rt.state))
	}

	c.transitionLocked(rt, id, StateStarting, "start requested")

	if err := desc.Runner.Initialize(); err != nil {
		return c.failLocked(rt, id, "initialize", err)
	}

	// The runtime context handed to the runner lives until Stop. It is
	// deliberately not derived from ctx: callers bound the start call
	// with short-lived contexts, and tying the module's background work
	// to those would cancel it the moment the call returns.
	modCtx, cancel := context.WithCancel(context.Background())
	if err := ctx.Err(); err != nil {
		cancel()
		return c.failLocked(rt, id, "start", errors.WrapTransient(err, "Controller", "Start",
			"start context done before module start"))
	}
	if err := desc.Runner.Start(modCtx); err != nil {
		cancel()
		return c.failLocked(rt, id, "start", err)
	}
	rt.cancel = cancel
	rt.startedAt = c.now()
	rt.lastError = nil
	c.transitionLocked(rt, id, StateRunning, "started")

	c.publish(message.NewEnvelope(id, &message.ModuleReadyPayload{
		Module:  id,
		Version: desc.Version,
	}))
	return nil
}

// Stop stops a running module, bounded by timeout. Stop failures are
// logged and the module still lands in Stopped.
func (c *Controller) Stop(id message.ModuleID, timeout time.Duration) error {
	desc, ok := c.registry.Get(id)
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownModule, "Controller", "Stop", string(id))
	}

	rt := c.runtime(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.state == StateStopped || rt.state == StateStopping {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Controller", "Stop", string(id))
	}
	if !rt.state.canStop() {
		return errors.WrapInvalid(errors.ErrNotStarted, "Controller", "Stop", string(id))
	}

	c.transitionLocked(rt, id, StateStopping, "stop requested")
	if rt.cancel != nil {
		rt.cancel()
		rt.cancel = nil
	}

	err := desc.Runner.Stop(timeout)
	if err != nil {
		rt.lastError = err
		c.logger.Warn("module stop failed, marking stopped anyway",
			"module", string(id), "error", err)
	}
	c.transitionLocked(rt, id, StateStopped, "stopped")
	return err
}

// Restart stops and starts the module.
func (c *Controller) Restart(ctx context.Context, id message.ModuleID, stopTimeout time.Duration) error {
	if err := c.Stop(id, stopTimeout); err != nil && !errors.IsInvalid(err) {
		c.logger.Warn("restart: stop phase failed", "module", string(id), "error", err)
	}
	return c.Start(ctx, id)
}

// MarkDegraded moves a running module to Degraded. Used by the
// recovery manager's degraded-mode strategy.
func (c *Controller) MarkDegraded(id message.ModuleID, reason string) error {
	rt := c.runtime(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.state != StateRunning {
		return errors.WrapInvalid(errors.ErrNotStarted, "Controller", "MarkDegraded", string(id))
	}
	c.transitionLocked(rt, id, StateDegraded, reason)
	return nil
}

// MarkRecovered returns a degraded module to Running.
func (c *Controller) MarkRecovered(id message.ModuleID) error {
	rt := c.runtime(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.state != StateDegraded {
		return errors.WrapInvalid(errors.ErrNotStarted, "Controller", "MarkRecovered", string(id))
	}
	c.transitionLocked(rt, id, StateRunning, "recovered")
	return nil
}

// Health returns the module's self-reported health, or an unhealthy
// status reflecting its lifecycle state when it is not running.
func (c *Controller) Health(id message.ModuleID) health.Status {
	desc, ok := c.registry.Get(id)
	if !ok {
		return health.NewUnhealthy(string(id), "module not registered")
	}
	state := c.State(id)
	switch state {
	case StateRunning, StateDegraded:
		return desc.Runner.Health()
	default:
		return health.NewUnhealthy(string(id), "module is "+state.String())
	}
}

// States returns a snapshot of every registered module's state.
func (c *Controller) States() map[message.ModuleID]State {
	out := make(map[message.ModuleID]State)
	for _, d := range c.registry.All() {
		out[d.ID] = c.State(d.ID)
	}
	return out
}

func (c *Controller) runtime(id message.ModuleID) *runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.runtimes[id]
	if !ok {
		rt = &runtime{state: StateRegistered}
		c.runtimes[id] = rt
	}
	return rt
}

// failLocked records a lifecycle failure and publishes the error
// report the recovery systems consume. Caller holds rt.mu.
func (c *Controller) failLocked(rt *runtime, id message.ModuleID, phase string, err error) error {
	rt.lastError = err
	c.transitionLocked(rt, id, StateFailed, phase+" failed")

	c.publish(message.NewEnvelope(id, &message.ErrorReportPayload{
		Module:   id,
		Severity: "error",
		Category: "lifecycle",
		Message:  fmt.Sprintf("%s failed: %v", phase, err),
	}, message.WithPriority(message.PriorityHigh)))

	return errors.Wrap(err, "Controller", "Start", fmt.Sprintf("module %s %s", id, phase))
}

// transitionLocked updates state and publishes the change. Caller
// holds rt.mu.
func (c *Controller) transitionLocked(rt *runtime, id message.ModuleID, to State, reason string) {
	from := rt.state
	rt.state = to
	if c.metrics != nil {
		c.metrics.RecordModuleStatus(string(id), int(to))
	}
	c.logger.Info("module state change",
		"module", string(id),
		"from", from.String(),
		"to", to.String(),
		"reason", reason)

	c.publish(message.NewEnvelope(message.ModuleOrchestrator, &message.StateChangePayload{
		Module: id,
		From:   from.String(),
		To:     to.String(),
		Reason: reason,
	}))
}

func (c *Controller) publish(env *message.Envelope) {
	if c.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.bus.Publish(ctx, env); err != nil {
		c.logger.Warn("lifecycle event publish failed",
			"kind", string(env.Kind()), "error", err)
	}
}
