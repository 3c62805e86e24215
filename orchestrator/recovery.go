package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chreez/skelly-jelly-sub001/errors"
	"github.com/chreez/skelly-jelly-sub001/message"
	"github.com/chreez/skelly-jelly-sub001/module"
)

// Strategy names a module recovery approach, ordered mildest first.
// Escalation moves one step toward Manual.
type Strategy int

const (
	StrategyRestart Strategy = iota
	StrategyRestartWithReset
	StrategyDegradedMode
	StrategySystemRestart
	StrategyManual
)

func (s Strategy) String() string {
	switch s {
	case StrategyRestart:
		return "restart"
	case StrategyRestartWithReset:
		return "restart_with_reset"
	case StrategyDegradedMode:
		return "degraded_mode"
	case StrategySystemRestart:
		return "system_restart"
	case StrategyManual:
		return "manual"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// FailureKind classifies a reported module failure.
type FailureKind string

const (
	FailureCrash         FailureKind = "crash"
	FailureTimeout       FailureKind = "timeout"
	FailureHealthCheck   FailureKind = "health_check"
	FailureDependency    FailureKind = "dependency"
	FailureConfig        FailureKind = "configuration"
	FailureCommunication FailureKind = "communication"
	FailureUnknown       FailureKind = "unknown"
)

// ClassifyFailure maps an error-report type string to a failure kind.
func ClassifyFailure(errorType string) FailureKind {
	t := strings.ToLower(errorType)
	switch {
	case strings.Contains(t, "crash"), strings.Contains(t, "panic"):
		return FailureCrash
	case strings.Contains(t, "timeout"), strings.Contains(t, "deadline"):
		return FailureTimeout
	case strings.Contains(t, "health"):
		return FailureHealthCheck
	case strings.Contains(t, "depend"):
		return FailureDependency
	case strings.Contains(t, "config"):
		return FailureConfig
	case strings.Contains(t, "network"), strings.Contains(t, "communication"), strings.Contains(t, "connection"):
		return FailureCommunication
	default:
		return FailureUnknown
	}
}

// Resetter is optionally implemented by module runners whose state
// must be cleared before a RestartWithReset.
type Resetter interface {
	Reset() error
}

// RecoveryAttempt is one executed strategy and its outcome.
type RecoveryAttempt struct {
	Strategy  Strategy      `json:"strategy"`
	Failure   FailureKind   `json:"failure"`
	Escalated bool          `json:"escalated"`
	Succeeded bool          `json:"succeeded"`
	Detail    string        `json:"detail,omitempty"`
	Backoff   time.Duration `json:"backoff,omitempty"`
	At        time.Time     `json:"at"`
}

// RecoveryConfig tunes the per-module recovery manager.
type RecoveryConfig struct {
	// DefaultStrategy applies to modules without an explicit entry.
	DefaultStrategy Strategy

	// Strategies maps modules to their configured strategy.
	Strategies map[message.ModuleID]Strategy

	// MaxConsecutiveFailures escalates the strategy once a module
	// fails this many times in a row. Zero means 3.
	MaxConsecutiveFailures int

	// FailureRateWindow and FailureRateThreshold escalate when a
	// module accumulates that many failures within the window.
	// Zero means 5m and 5.
	FailureRateWindow    time.Duration
	FailureRateThreshold int

	// BaseBackoff and MaxBackoff shape the exponential delay before
	// a Restart. Zero means 1s and 30s.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// StopTimeout bounds the stop half of restarts. Zero means 5s.
	StopTimeout time.Duration

	// HistorySize bounds retained attempts per module. Zero means 64.
	HistorySize int
}

func (c *RecoveryConfig) applyDefaults() {
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.FailureRateWindow <= 0 {
		c.FailureRateWindow = 5 * time.Minute
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 64
	}
}

// RecoveryManager executes per-module recovery strategies with
// escalation on repeated failure. One recovery runs at a time per
// module; the whole manager serializes through its lock.
type RecoveryManager struct {
	cfg        RecoveryConfig
	registry   *module.Registry
	controller *module.Controller
	logger     *slog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	onSystemRestart func(reason string)
	notify          func(id message.ModuleID, reason string)

	mu          sync.Mutex
	history     map[message.ModuleID][]RecoveryAttempt
	consecutive map[message.ModuleID]int
	failedAt    map[message.ModuleID][]time.Time
	blocked     bool
	blockReason string
}

// RecoveryOption configures a RecoveryManager.
type RecoveryOption func(*RecoveryManager)

// WithRecoveryClock overrides the time source, for tests.
func WithRecoveryClock(now func() time.Time) RecoveryOption {
	return func(m *RecoveryManager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSleep overrides the backoff sleeper, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RecoveryOption {
	return func(m *RecoveryManager) {
		if fn != nil {
			m.sleep = fn
		}
	}
}

// WithSystemRestartFunc sets the callback run by SystemRestart.
func WithSystemRestartFunc(fn func(reason string)) RecoveryOption {
	return func(m *RecoveryManager) {
		m.onSystemRestart = fn
	}
}

// WithNotifyFunc sets the administrator notification for Manual.
func WithNotifyFunc(fn func(id message.ModuleID, reason string)) RecoveryOption {
	return func(m *RecoveryManager) {
		m.notify = fn
	}
}

// NewRecoveryManager creates a recovery manager.
func NewRecoveryManager(cfg RecoveryConfig, registry *module.Registry, controller *module.Controller, logger *slog.Logger, opts ...RecoveryOption) *RecoveryManager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	m := &RecoveryManager{
		cfg:         cfg,
		registry:    registry,
		controller:  controller,
		logger:      logger.With("component", "module-recovery"),
		now:         time.Now,
		history:     make(map[message.ModuleID][]RecoveryAttempt),
		consecutive: make(map[message.ModuleID]int),
		failedAt:    make(map[message.ModuleID][]time.Time),
	}
	m.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Blocked reports whether a Manual strategy has halted recovery
// pending operator acknowledgment.
func (m *RecoveryManager) Blocked() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked, m.blockReason
}

// Acknowledge clears the Manual block and the module's failure streak.
func (m *RecoveryManager) Acknowledge(id message.ModuleID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked = false
	m.blockReason = ""
	m.consecutive[id] = 0
}

// History returns the module's recorded attempts, oldest first.
func (m *RecoveryManager) History(id message.ModuleID) []RecoveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecoveryAttempt, len(m.history[id]))
	copy(out, m.history[id])
	return out
}

// HandleFailure records a module failure and executes the configured
// strategy, escalated when the failure streak or rate demands it.
func (m *RecoveryManager) HandleFailure(ctx context.Context, id message.ModuleID, kind FailureKind, detail string) error {
	now := m.now()

	m.mu.Lock()
	if m.blocked {
		reason := m.blockReason
		m.mu.Unlock()
		return errors.Wrap(errors.ErrShuttingDown, "RecoveryManager", "HandleFailure",
			"recovery blocked pending operator acknowledgment: "+reason)
	}
	m.consecutive[id]++
	streak := m.consecutive[id]
	m.failedAt[id] = appendPruned(m.failedAt[id], now, now.Add(-m.cfg.FailureRateWindow))
	rate := len(m.failedAt[id])
	m.mu.Unlock()

	strategy := m.strategyFor(id)
	escalated := false
	if streak >= m.cfg.MaxConsecutiveFailures || rate >= m.cfg.FailureRateThreshold {
		if strategy < StrategyManual {
			strategy++
			escalated = true
		}
	}

	m.logger.Warn("handling module failure",
		"module", string(id),
		"failure", string(kind),
		"strategy", strategy.String(),
		"escalated", escalated,
		"streak", streak)

	backoff := time.Duration(0)
	if strategy == StrategyRestart && streak > 1 {
		backoff = m.backoff(streak)
	}

	err := m.execute(ctx, id, strategy, detail, backoff)

	attempt := RecoveryAttempt{
		Strategy:  strategy,
		Failure:   kind,
		Escalated: escalated,
		Succeeded: err == nil,
		Backoff:   backoff,
		At:        now,
	}
	if err != nil {
		attempt.Detail = err.Error()
	} else {
		attempt.Detail = detail
	}

	m.mu.Lock()
	m.history[id] = append(m.history[id], attempt)
	if len(m.history[id]) > m.cfg.HistorySize {
		m.history[id] = m.history[id][len(m.history[id])-m.cfg.HistorySize:]
	}
	if err == nil && (strategy == StrategyRestart || strategy == StrategyRestartWithReset) {
		m.consecutive[id] = 0
	}
	m.mu.Unlock()

	return err
}

func (m *RecoveryManager) strategyFor(id message.ModuleID) Strategy {
	if s, ok := m.cfg.Strategies[id]; ok {
		return s
	}
	return m.cfg.DefaultStrategy
}

func (m *RecoveryManager) backoff(streak int) time.Duration {
	d := m.cfg.BaseBackoff
	for i := 1; i < streak-1; i++ {
		d *= 2
		if d >= m.cfg.MaxBackoff {
			return m.cfg.MaxBackoff
		}
	}
	return min(d, m.cfg.MaxBackoff)
}

func (m *RecoveryManager) execute(ctx context.Context, id message.ModuleID, strategy Strategy, detail string, backoff time.Duration) error {
	switch strategy {
	case StrategyRestart:
		if backoff > 0 {
			if err := m.sleep(ctx, backoff); err != nil {
				return errors.WrapTransient(err, "RecoveryManager", "execute", "backoff interrupted")
			}
		}
		return m.controller.Restart(ctx, id, m.cfg.StopTimeout)

	case StrategyRestartWithReset:
		if err := m.controller.Stop(id, m.cfg.StopTimeout); err != nil {
			m.logger.Warn("stop before reset failed", "module", string(id), "error", err)
		}
		if d, ok := m.registry.Get(id); ok {
			if r, ok := d.Runner.(Resetter); ok {
				if err := r.Reset(); err != nil {
					return errors.Wrap(err, "RecoveryManager", "execute", "module state reset failed")
				}
			}
		}
		return m.controller.Start(ctx, id)

	case StrategyDegradedMode:
		return m.controller.MarkDegraded(id, detail)

	case StrategySystemRestart:
		m.logger.Error("system restart requested by recovery strategy",
			"module", string(id),
			"detail", detail)
		if m.onSystemRestart != nil {
			m.onSystemRestart("module " + string(id) + ": " + detail)
		}
		return nil

	case StrategyManual:
		m.mu.Lock()
		m.blocked = true
		m.blockReason = "module " + string(id) + " requires manual intervention: " + detail
		m.mu.Unlock()
		m.logger.Error("manual intervention required, blocking automatic recovery",
			"module", string(id),
			"detail", detail)
		if m.notify != nil {
			m.notify(id, detail)
		}
		if err := m.controller.Stop(id, m.cfg.StopTimeout); err != nil {
			m.logger.Warn("stop for manual intervention failed", "module", string(id), "error", err)
		}
		return nil

	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RecoveryManager", "execute",
			"unknown recovery strategy "+strategy.String())
	}
}

// appendPruned appends now and drops entries before the cutoff.
func appendPruned(times []time.Time, now, cutoff time.Time) []time.Time {
	times = append(times, now)
	drop := 0
	for drop < len(times) && times[drop].Before(cutoff) {
		drop++
	}
	return times[drop:]
}
