// Package breaker implements the circuit breaker protecting bus
// delivery paths and module operations.
//
// A breaker is an explicit state machine: Closed admits all calls and
// opens when failures inside the counting window reach the threshold;
// Open rejects calls until the reset timeout elapses, then moves to
// HalfOpen; HalfOpen admits a bounded batch of probe calls and closes
// only if enough of them succeed. Any single probe failure reopens the
// breaker immediately.
//
// All timing flows through an injectable clock so transitions are
// unit-testable without real waits.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chreez/skelly-jelly-sub001/errors"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker thresholds. Zero values are replaced
// with defaults by New.
type Config struct {
	// FailureThreshold is the number of failures within the counting
	// window that opens the breaker.
	FailureThreshold int

	// CountingWindow bounds how long failures accumulate toward the
	// threshold while closed.
	CountingWindow time.Duration

	// ResetTimeout is how long the breaker stays open before admitting
	// half-open probes.
	ResetTimeout time.Duration

	// HalfOpenMaxCalls is the probe budget admitted while half-open.
	HalfOpenMaxCalls int

	// SuccessThreshold is the number of successful probes (out of the
	// budget) required to close.
	SuccessThreshold int

	// OperationTimeout bounds each wrapped call; a timeout counts as a
	// failure. Zero disables the per-call timeout.
	OperationTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.CountingWindow <= 0 {
		c.CountingWindow = time.Minute
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.SuccessThreshold > c.HalfOpenMaxCalls {
		c.SuccessThreshold = c.HalfOpenMaxCalls
	}
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name            string        `json:"name"`
	State           State         `json:"state"`
	Failures        int           `json:"failures"` // failures in the current counting window
	TotalCalls      int64         `json:"total_calls"`
	TotalSuccesses  int64         `json:"total_successes"`
	TotalFailures   int64         `json:"total_failures"`
	RejectedCalls   int64         `json:"rejected_calls"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	OpenedAt        time.Time     `json:"opened_at,omitempty"`
}

// Breaker is a single circuit breaker instance. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu    sync.Mutex
	state State

	// Closed-state failure counting
	windowStart time.Time
	failures    int

	// Open state
	openedAt time.Time
	forced   bool // forced open or closed; lazy transitions disabled

	// Half-open probe tracking
	probesAdmitted  int
	probesCompleted int
	probeSuccesses  int

	// Aggregate stats
	totalCalls     int64
	totalSuccesses int64
	totalFailures  int64
	rejectedCalls  int64
	avgResponse    time.Duration // EMA, alpha 0.1

	onStateChange func(name string, from, to State)
}

// Option configures a breaker.
type Option func(*Breaker)

// WithClock overrides the breaker's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChange installs a callback invoked (outside the lock) after
// every state transition.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// New creates a circuit breaker with the given name and configuration.
func New(name string, cfg Config, opts ...Option) *Breaker {
	cfg.applyDefaults()
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.windowStart = b.now()
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, applying any pending lazy
// open-to-half-open transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionLocked()
	return b.state
}

// Execute runs op through the breaker. It returns ErrCircuitOpen
// without invoking op when the breaker rejects the call. A per-call
// timeout (when configured) counts as a failure.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	opCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.OperationTimeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, b.cfg.OperationTimeout)
		defer cancel()
	}

	start := b.now()
	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-opCtx.Done():
		err = errors.WrapTransient(opCtx.Err(), "Breaker", "Execute",
			fmt.Sprintf("operation timed out on breaker %s", b.name))
	}
	elapsed := b.now().Sub(start)

	if err != nil {
		b.recordFailure(elapsed)
		return err
	}
	b.recordSuccess(elapsed)
	return nil
}

// ForceOpen forces the breaker open until ForceClose is called.
// Lazy reset transitions are suspended while forced.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	from := b.state
	b.state = StateOpen
	b.openedAt = b.now()
	b.forced = true
	b.mu.Unlock()
	b.notify(from, StateOpen)
}

// ForceClose closes the breaker and resets all counters.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	from := b.state
	b.resetLocked()
	b.forced = false
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionLocked()

	return Stats{
		Name:            b.name,
		State:           b.state,
		Failures:        b.failures,
		TotalCalls:      b.totalCalls,
		TotalSuccesses:  b.totalSuccesses,
		TotalFailures:   b.totalFailures,
		RejectedCalls:   b.rejectedCalls,
		AvgResponseTime: b.avgResponse,
		OpenedAt:        b.openedAt,
	}
}

// allow decides whether a call may proceed, performing lazy transitions.
func (b *Breaker) allow() error {
	b.mu.Lock()

	b.maybeTransitionLocked()

	switch b.state {
	case StateClosed:
		b.totalCalls++
		b.mu.Unlock()
		return nil
	case StateHalfOpen:
		if b.probesAdmitted >= b.cfg.HalfOpenMaxCalls {
			b.rejectedCalls++
			b.mu.Unlock()
			return errors.WrapTransient(errors.ErrCircuitOpen, "Breaker", "Execute",
				fmt.Sprintf("breaker %s half-open probe budget exhausted", b.name))
		}
		b.probesAdmitted++
		b.totalCalls++
		b.mu.Unlock()
		return nil
	default: // StateOpen
		b.rejectedCalls++
		b.mu.Unlock()
		return errors.WrapTransient(errors.ErrCircuitOpen, "Breaker", "Execute",
			fmt.Sprintf("breaker %s is open", b.name))
	}
}

// maybeTransitionLocked applies the Open → HalfOpen transition once the
// reset timeout has elapsed. Caller holds b.mu.
func (b *Breaker) maybeTransitionLocked() {
	if b.forced || b.state != StateOpen {
		return
	}
	if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = StateHalfOpen
		b.probesAdmitted = 0
		b.probesCompleted = 0
		b.probeSuccesses = 0
	}
}

func (b *Breaker) recordSuccess(elapsed time.Duration) {
	b.mu.Lock()
	b.totalSuccesses++
	b.observeLatencyLocked(elapsed)

	var from, to State
	transitioned := false

	if b.state == StateHalfOpen {
		b.probesCompleted++
		b.probeSuccesses++
		if b.probesCompleted >= b.cfg.HalfOpenMaxCalls {
			from = StateHalfOpen
			if b.probeSuccesses >= b.cfg.SuccessThreshold {
				b.resetLocked()
				to = StateClosed
			} else {
				b.openLocked()
				to = StateOpen
			}
			transitioned = true
		}
	}
	b.mu.Unlock()

	if transitioned {
		b.notify(from, to)
	}
}

func (b *Breaker) recordFailure(elapsed time.Duration) {
	b.mu.Lock()
	b.totalFailures++
	b.observeLatencyLocked(elapsed)

	var from, to State
	transitioned := false

	switch b.state {
	case StateHalfOpen:
		// Any half-open failure reopens immediately
		from = StateHalfOpen
		b.openLocked()
		to = StateOpen
		transitioned = true

	case StateClosed:
		now := b.now()
		if now.Sub(b.windowStart) > b.cfg.CountingWindow {
			// Window expired; start a fresh one with this failure
			b.windowStart = now
			b.failures = 0
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			from = StateClosed
			b.openLocked()
			to = StateOpen
			transitioned = true
		}
	}
	b.mu.Unlock()

	if transitioned {
		b.notify(from, to)
	}
}

// openLocked moves to Open and stamps the opening time. Caller holds b.mu.
func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.windowStart = b.openedAt
}

// resetLocked moves to Closed and clears counters. Caller holds b.mu.
func (b *Breaker) resetLocked() {
	b.state = StateClosed
	b.failures = 0
	b.windowStart = b.now()
	b.openedAt = time.Time{}
	b.probesAdmitted = 0
	b.probesCompleted = 0
	b.probeSuccesses = 0
}

// observeLatencyLocked folds a response time into the EMA. Caller holds b.mu.
func (b *Breaker) observeLatencyLocked(elapsed time.Duration) {
	if b.avgResponse == 0 {
		b.avgResponse = elapsed
		return
	}
	const alpha = 0.1
	b.avgResponse = time.Duration(float64(b.avgResponse)*(1-alpha) + float64(elapsed)*alpha)
}

func (b *Breaker) notify(from, to State) {
	if b.onStateChange != nil && from != to {
		b.onStateChange(b.name, from, to)
	}
}
