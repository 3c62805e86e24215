package recovery

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chreez/skelly-jelly-sub001/errors"
	"github.com/chreez/skelly-jelly-sub001/message"
	"github.com/chreez/skelly-jelly-sub001/metric"
	"github.com/chreez/skelly-jelly-sub001/pkg/worker"
)

// SystemConfig tunes the recovery system.
type SystemConfig struct {
	// MaxConcurrentActions caps actions executing at once. Zero means 2.
	MaxConcurrentActions int

	// MaxAutoLevel is the highest escalation level the system executes
	// on its own; eligible actions above it escalate the incident.
	MaxAutoLevel EscalationLevel

	// ActionTimeout bounds each action execution. Zero means 30s.
	ActionTimeout time.Duration

	// IncidentHistory bounds how many closed incidents are retained.
	// Zero means 128.
	IncidentHistory int
}

func (c *SystemConfig) applyDefaults() {
	if c.MaxConcurrentActions <= 0 {
		c.MaxConcurrentActions = 2
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 30 * time.Second
	}
	if c.IncidentHistory <= 0 {
		c.IncidentHistory = 128
	}
}

// actionTask is one queued action execution.
type actionTask struct {
	state    *actionState
	incident *Incident
	timeout  time.Duration
	result   chan ActionOutcome
	now      func() time.Time
}

// System selects and executes recovery actions for reported
// incidents. One instance is owned by the bus facade.
type System struct {
	cfg     SystemConfig
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time

	pool       *worker.Pool[*actionTask]
	rates      *ErrorRateTracker
	rateWindow time.Duration

	mu        sync.Mutex
	actions   []*actionState
	incidents []*Incident
}

// SystemOption configures a System.
type SystemOption func(*System)

// WithSystemClock overrides the system's time source, for tests.
func WithSystemClock(now func() time.Time) SystemOption {
	return func(s *System) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSystemMetrics records action outcome counters.
func WithSystemMetrics(m *metric.Metrics) SystemOption {
	return func(s *System) {
		s.metrics = m
	}
}

// WithErrorRateWindow sets the sliding window used by error-rate
// conditions. Defaults to one minute.
func WithErrorRateWindow(window time.Duration) SystemOption {
	return func(s *System) {
		if window > 0 {
			s.rateWindow = window
		}
	}
}

// NewSystem creates a recovery system. Call Start before reporting
// incidents and Stop at shutdown.
func NewSystem(cfg SystemConfig, logger *slog.Logger, opts ...SystemOption) *System {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &System{
		cfg:    cfg,
		logger: logger.With("component", "recovery"),
		now:    time.Now,
	}
	s.rateWindow = time.Minute
	for _, opt := range opts {
		opt(s)
	}
	s.rates = NewErrorRateTracker(s.rateWindow, s.now)
	s.pool = worker.NewPool(cfg.MaxConcurrentActions, cfg.MaxConcurrentActions*4, s.runTask)
	return s
}

// Rates exposes the error-rate tracker for building conditions.
func (s *System) Rates() *ErrorRateTracker {
	return s.rates
}

// Start launches the action execution pool.
func (s *System) Start(ctx context.Context) error {
	return s.pool.Start(ctx)
}

// Stop drains the pool.
func (s *System) Stop(timeout time.Duration) error {
	return s.pool.Stop(timeout)
}

// RegisterAction adds a recovery action. Actions are evaluated in
// escalation-level order at incident time.
func (s *System) RegisterAction(a Action) error {
	if a.Name == "" || a.Execute == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RecoverySystem", "RegisterAction",
			"action needs a name and an execute function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, &actionState{action: a})
	sort.SliceStable(s.actions, func(i, j int) bool {
		return s.actions[i].action.Level < s.actions[j].action.Level
	})
	return nil
}

// HandleIncident creates an incident for the reported error, runs
// eligible actions, and returns the incident in its final status.
func (s *System) HandleIncident(ctx context.Context, correlationID string, module message.ModuleID, cause error, description string) (*Incident, error) {
	if cause == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "RecoverySystem", "HandleIncident",
			"nil error in incident report")
	}

	s.rates.Record(module)

	inc := &Incident{
		ID:            uuid.New().String(),
		CorrelationID: correlationID,
		Module:        module,
		Error:         cause.Error(),
		Description:   description,
		Status:        IncidentDetected,
		DetectedAt:    s.now(),
		cause:         cause,
	}

	runnable, escalatable := s.selectActions(inc)
	if len(runnable) == 0 {
		if len(escalatable) > 0 {
			inc.Status = IncidentEscalated
			s.logger.Warn("incident escalated",
				"incident_id", inc.ID,
				"module", string(module),
				"correlation_id", correlationID,
				"pending_actions", actionNames(escalatable))
		} else {
			inc.Status = IncidentFailed
			s.logger.Error("incident has no applicable recovery action",
				"incident_id", inc.ID,
				"module", string(module),
				"correlation_id", correlationID,
				"error", cause)
		}
		s.record(inc)
		return inc, nil
	}

	inc.Status = IncidentRecovering
	s.logger.Info("incident recovery started",
		"incident_id", inc.ID,
		"module", string(module),
		"correlation_id", correlationID,
		"actions", actionNames(runnable))

	resolved := false
	for _, state := range runnable {
		outcome, err := s.execute(ctx, state, inc)
		if err != nil {
			// Pool unavailable; stop trying further actions.
			inc.Status = IncidentFailed
			s.record(inc)
			return inc, err
		}
		inc.Actions = append(inc.Actions, outcome)
		if s.metrics != nil {
			result := "failure"
			if outcome.Succeeded {
				result = "success"
			}
			s.metrics.RecordRecoveryAction(outcome.Action, result)
		}
		if outcome.Succeeded {
			resolved = true
			break
		}
	}

	switch {
	case resolved:
		inc.Status = IncidentResolved
		inc.ResolvedAt = s.now()
	case len(escalatable) > 0:
		inc.Status = IncidentEscalated
	default:
		inc.Status = IncidentFailed
	}

	s.logger.Info("incident closed",
		"incident_id", inc.ID,
		"status", string(inc.Status),
		"actions_attempted", len(inc.Actions))
	s.record(inc)
	return inc, nil
}

// Incidents returns retained incidents, most recent last.
func (s *System) Incidents() []*Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Incident, len(s.incidents))
	copy(out, s.incidents)
	return out
}

// selectActions splits registered actions into those the system may
// run now and eligible ones above the auto-execution level.
func (s *System) selectActions(inc *Incident) (runnable, escalatable []*actionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, state := range s.actions {
		if !state.eligible(inc, now) {
			continue
		}
		if state.action.Level <= s.cfg.MaxAutoLevel {
			runnable = append(runnable, state)
		} else {
			escalatable = append(escalatable, state)
		}
	}
	return runnable, escalatable
}

// execute submits one action to the pool and waits for its outcome.
func (s *System) execute(ctx context.Context, state *actionState, inc *Incident) (ActionOutcome, error) {
	s.mu.Lock()
	state.executions++
	state.lastRun = s.now()
	s.mu.Unlock()

	task := &actionTask{
		state:    state,
		incident: inc,
		timeout:  s.cfg.ActionTimeout,
		result:   make(chan ActionOutcome, 1),
		now:      s.now,
	}
	if err := s.pool.Submit(task); err != nil {
		return ActionOutcome{}, errors.WrapTransient(err, "RecoverySystem", "execute",
			"submitting recovery action")
	}

	select {
	case outcome := <-task.result:
		return outcome, nil
	case <-ctx.Done():
		return ActionOutcome{}, errors.WrapTransient(ctx.Err(), "RecoverySystem", "execute",
			"waiting for recovery action")
	}
}

// runTask is the pool processor.
func (s *System) runTask(ctx context.Context, task *actionTask) error {
	runCtx, cancel := context.WithTimeout(ctx, task.timeout)
	defer cancel()

	start := task.now()
	err := task.state.action.Execute(runCtx, task.incident)
	outcome := ActionOutcome{
		Action:     task.state.action.Name,
		Succeeded:  err == nil,
		Duration:   task.now().Sub(start),
		ExecutedAt: start,
	}
	if err != nil {
		outcome.Error = err.Error()
	}
	task.result <- outcome
	return err
}

func (s *System) record(inc *Incident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = append(s.incidents, inc)
	if len(s.incidents) > s.cfg.IncidentHistory {
		s.incidents = s.incidents[len(s.incidents)-s.cfg.IncidentHistory:]
	}
}

func actionNames(states []*actionState) []string {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = st.action.Name
	}
	return names
}
