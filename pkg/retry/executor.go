package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Terminal outcomes for executor-driven retries
var (
	// ErrMaxAttempts indicates the attempt budget was exhausted
	ErrMaxAttempts = errors.New("retry: max attempts exceeded")

	// ErrTotalTimeout indicates the overall retry budget elapsed
	ErrTotalTimeout = errors.New("retry: total timeout exceeded")

	// ErrPermanent indicates the policy refused to retry the error
	ErrPermanent = errors.New("retry: permanent failure")
)

// Policy decides whether a failed attempt should be retried and may
// override the computed backoff delay.
type Policy interface {
	// ShouldRetry reports whether the error on the given attempt
	// (1-based) is worth retrying.
	ShouldRetry(err error, attempt int) bool
}

// DelayPolicy is an optional extension of Policy that supplies a custom
// delay before the next attempt. Returning ok=false falls back to the
// executor's exponential backoff.
type DelayPolicy interface {
	NextDelay(err error, attempt int) (time.Duration, bool)
}

// PolicyFunc adapts a function to the Policy interface
type PolicyFunc func(err error, attempt int) bool

// ShouldRetry implements Policy
func (f PolicyFunc) ShouldRetry(err error, attempt int) bool { return f(err, attempt) }

// RetryAll retries every error until the attempt budget runs out
var RetryAll Policy = PolicyFunc(func(err error, _ int) bool {
	return err != nil && !IsNonRetryable(err)
})

// Attempt describes a single attempt made by the executor
type Attempt struct {
	Number  int           `json:"number"`  // 1-based attempt counter
	Delay   time.Duration `json:"delay"`   // backoff applied before this attempt
	Elapsed time.Duration `json:"elapsed"` // cumulative time since the first attempt
	Final   bool          `json:"final"`   // true when no further attempts will be made
}

// Stats holds aggregate counters across all operations run by an Executor
type Stats struct {
	TotalOperations      int64         `json:"total_operations"`
	SuccessfulOperations int64         `json:"successful_operations"`
	FailedOperations     int64         `json:"failed_operations"`
	TotalRetryAttempts   int64         `json:"total_retry_attempts"`
	MaxAttemptsExceeded  int64         `json:"max_attempts_exceeded"`
	TimeoutExceeded      int64         `json:"timeout_exceeded"`
	PermanentFailures    int64         `json:"permanent_failures"`
	AvgSuccessLatency    time.Duration `json:"avg_success_latency"`
}

// Executor wraps operations in a retry loop with exponential backoff,
// jitter, a pluggable retry policy and aggregate statistics. It is safe
// for concurrent use.
type Executor struct {
	cfg    Config
	policy Policy

	mu    sync.Mutex
	stats Stats

	// Injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithPolicy sets the retry policy. Defaults to RetryAll.
func WithPolicy(p Policy) ExecutorOption {
	return func(e *Executor) {
		if p != nil {
			e.policy = p
		}
	}
}

// WithClock overrides the executor's time source and sleeper, for tests
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// NewExecutor creates a retry executor with the given configuration
func NewExecutor(cfg Config, opts ...ExecutorOption) (*Executor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := &Executor{
		cfg:    cfg,
		policy: RetryAll,
		now:    time.Now,
		sleep:  defaultSleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute runs op until it succeeds, the policy refuses retry, the
// attempt budget runs out, or the total timeout elapses. The per-attempt
// record is passed to op so callers can log or adapt behavior.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context, attempt Attempt) error) error {
	start := e.now()
	delay := time.Duration(0)
	nextDelay := e.cfg.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		elapsed := e.now().Sub(start)
		if e.cfg.TotalTimeout > 0 && elapsed >= e.cfg.TotalTimeout {
			e.recordOutcome(false, 0, attempt-1, ErrTotalTimeout)
			return fmt.Errorf("%w after %v (last error: %v)", ErrTotalTimeout, elapsed, lastErr)
		}

		if delay > 0 {
			if err := e.sleep(ctx, delay); err != nil {
				e.recordOutcome(false, 0, attempt-1, err)
				return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt, err)
			}
		}

		rec := Attempt{
			Number:  attempt,
			Delay:   delay,
			Elapsed: e.now().Sub(start),
			Final:   attempt == e.cfg.MaxAttempts,
		}

		attemptStart := e.now()
		err := op(ctx, rec)
		if err == nil {
			e.recordOutcome(true, e.now().Sub(attemptStart), attempt-1, nil)
			return nil
		}
		lastErr = err

		if !e.policy.ShouldRetry(err, attempt) {
			e.recordOutcome(false, 0, attempt-1, ErrPermanent)
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		if ctx.Err() != nil {
			e.recordOutcome(false, 0, attempt-1, ctx.Err())
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		}

		// Compute delay for the next attempt
		delay = nextDelay
		if dp, ok := e.policy.(DelayPolicy); ok {
			if custom, has := dp.NextDelay(err, attempt); has {
				delay = custom
			}
		}
		if e.cfg.AddJitter {
			delay += jitter(delay, e.cfg.JitterFactor)
		}

		scaled := float64(nextDelay) * e.cfg.Multiplier
		if scaled > float64(e.cfg.MaxDelay) {
			nextDelay = e.cfg.MaxDelay
		} else {
			nextDelay = time.Duration(scaled)
		}
	}

	e.recordOutcome(false, 0, e.cfg.MaxAttempts-1, ErrMaxAttempts)
	return fmt.Errorf("%w (%d attempts): %v", ErrMaxAttempts, e.cfg.MaxAttempts, lastErr)
}

// recordOutcome updates aggregate statistics under the stats lock.
// retries is the number of attempts beyond the first.
func (e *Executor) recordOutcome(success bool, latency time.Duration, retries int, terminal error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.TotalOperations++
	if retries > 0 {
		e.stats.TotalRetryAttempts += int64(retries)
	}

	if success {
		e.stats.SuccessfulOperations++
		// Exponential moving average, alpha 0.1
		if e.stats.AvgSuccessLatency == 0 {
			e.stats.AvgSuccessLatency = latency
		} else {
			e.stats.AvgSuccessLatency = time.Duration(
				0.9*float64(e.stats.AvgSuccessLatency) + 0.1*float64(latency))
		}
		return
	}

	e.stats.FailedOperations++
	switch {
	case errors.Is(terminal, ErrMaxAttempts):
		e.stats.MaxAttemptsExceeded++
	case errors.Is(terminal, ErrTotalTimeout):
		e.stats.TimeoutExceeded++
	case errors.Is(terminal, ErrPermanent):
		e.stats.PermanentFailures++
	}
}

// Stats returns a snapshot of the executor's aggregate statistics
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
