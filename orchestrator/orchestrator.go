// Package orchestrator sequences module startup, watches module health
// through bus error reports, and recovers failed modules according to
// per-module strategies.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chreez/skelly-jelly-sub001/bus"
	"github.com/chreez/skelly-jelly-sub001/errors"
	"github.com/chreez/skelly-jelly-sub001/health"
	"github.com/chreez/skelly-jelly-sub001/message"
	"github.com/chreez/skelly-jelly-sub001/module"
	"github.com/chreez/skelly-jelly-sub001/resource"
)

// Issue is one observed problem retained for system health reporting.
type Issue struct {
	Module   message.ModuleID `json:"module"`
	Severity string           `json:"severity"`
	Message  string           `json:"message"`
	At       time.Time        `json:"at"`
}

// SystemHealth is the aggregate view returned by the facade.
type SystemHealth struct {
	Status       string                             `json:"status"` // healthy, degraded, unhealthy, stopped
	Uptime       time.Duration                      `json:"uptime"`
	Modules      map[message.ModuleID]health.Status `json:"modules"`
	States       map[message.ModuleID]module.State  `json:"states"`
	Resources    resource.SystemUsage               `json:"resources"`
	ActiveIssues []Issue                            `json:"active_issues,omitempty"`
}

// Config tunes the orchestrator facade.
type Config struct {
	Sequencer SequencerConfig
	Recovery  RecoveryConfig

	// StopTimeout bounds each module stop during shutdown.
	// Zero means 10s.
	StopTimeout time.Duration

	// IssueRetention drops issues older than this from the active
	// list. Zero means 1h.
	IssueRetention time.Duration

	// IssueHistory bounds the retained issue list. Zero means 64.
	IssueHistory int
}

func (c *Config) applyDefaults() {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.IssueRetention <= 0 {
		c.IssueRetention = time.Hour
	}
	if c.IssueHistory <= 0 {
		c.IssueHistory = 64
	}
}

// Orchestrator is the application facade: registration, startup,
// shutdown, health, config pushes, and failure recovery.
type Orchestrator struct {
	cfg        Config
	b          bus.Bus
	registry   *module.Registry
	controller *module.Controller
	sequencer  *Sequencer
	recovery   *RecoveryManager
	resources  *resource.Manager
	logger     *slog.Logger
	now        func() time.Time

	recoveryOpts []RecoveryOption

	mu         sync.Mutex
	started    bool
	startedAt  time.Time
	lastReport *StartupReport
	issues     []Issue
	errSubID   string
	watchDone  chan struct{}
	cancel     context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithResourceManager attaches the resource manager so system health
// includes a usage snapshot.
func WithResourceManager(m *resource.Manager) Option {
	return func(o *Orchestrator) {
		o.resources = m
	}
}

// WithRecoveryOptions forwards options to the recovery manager, for
// wiring the system-restart and notification callbacks.
func WithRecoveryOptions(opts ...RecoveryOption) Option {
	return func(o *Orchestrator) {
		o.recoveryOpts = append(o.recoveryOpts, opts...)
	}
}

// WithOrchestratorClock overrides the time source, for tests.
func WithOrchestratorClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates the orchestrator facade around an existing bus.
func New(cfg Config, b bus.Bus, logger *slog.Logger, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	registry := module.NewRegistry()
	controller := module.NewController(registry, b, logger)
	o := &Orchestrator{
		cfg:        cfg,
		b:          b,
		registry:   registry,
		controller: controller,
		logger:     logger.With("component", "orchestrator"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.sequencer = NewSequencer(cfg.Sequencer, registry, controller, logger,
		WithSequencerClock(o.now))
	recoveryOpts := append([]RecoveryOption{WithRecoveryClock(o.now)}, o.recoveryOpts...)
	o.recovery = NewRecoveryManager(cfg.Recovery, registry, controller, logger, recoveryOpts...)
	return o
}

// Registry exposes module registration state.
func (o *Orchestrator) Registry() *module.Registry {
	return o.registry
}

// Controller exposes the lifecycle controller.
func (o *Orchestrator) Controller() *module.Controller {
	return o.controller
}

// Recovery exposes the recovery manager.
func (o *Orchestrator) Recovery() *RecoveryManager {
	return o.recovery
}

// RegisterModule validates and registers a module descriptor. Modules
// may be registered before or after system start; late registrations
// are started explicitly via RestartModule.
func (o *Orchestrator) RegisterModule(d module.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return o.registry.Register(d)
}

// StartSystem runs the startup sequence and begins consuming error
// reports from the bus.
func (o *Orchestrator) StartSystem(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.Wrap(errors.ErrAlreadyStarted, "Orchestrator", "StartSystem", "system already running")
	}
	o.mu.Unlock()

	report, err := o.sequencer.Run(ctx)
	o.mu.Lock()
	o.lastReport = report
	o.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "Orchestrator", "StartSystem", "startup sequence failed")
	}

	filter := message.NewFilter(message.WithKinds(message.KindErrorReport))
	subID, ch, err := o.b.Subscribe(message.ModuleOrchestrator, filter, bus.Reliable(5*time.Second))
	if err != nil {
		return errors.Wrap(err, "Orchestrator", "StartSystem", "error report subscription failed")
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	o.mu.Lock()
	o.started = true
	o.startedAt = o.now()
	o.errSubID = subID
	o.cancel = cancel
	o.watchDone = done
	o.mu.Unlock()

	go o.watchErrors(watchCtx, ch, done)
	return nil
}

// StopSystem stops all modules in reverse phase order, then the
// monitoring loop. Idempotent; stop failures are logged and tolerated.
func (o *Orchestrator) StopSystem(timeout time.Duration) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	subID := o.errSubID
	cancel := o.cancel
	done := o.watchDone
	o.mu.Unlock()

	if timeout <= 0 {
		timeout = o.cfg.StopTimeout
	}

	if subID != "" {
		if err := o.b.Unsubscribe(subID); err != nil {
			o.logger.Warn("error report unsubscribe failed", "error", err)
		}
	}
	if cancel != nil {
		cancel()
		<-done
	}

	for _, phase := range []module.StartupPhase{module.PhaseUI, module.PhaseServices, module.PhaseCore} {
		for _, d := range o.phaseModules(phase) {
			state := o.controller.State(d.ID)
			if state != module.StateRunning && state != module.StateDegraded {
				continue
			}
			if err := o.controller.Stop(d.ID, timeout); err != nil {
				o.logger.Warn("module stop failed during shutdown",
					"module", string(d.ID),
					"error", err)
			}
		}
	}

	o.logger.Info("system stopped")
	return nil
}

// SystemHealth aggregates module health, lifecycle states, resource
// usage, and recent issues.
func (o *Orchestrator) SystemHealth() SystemHealth {
	o.mu.Lock()
	started := o.started
	startedAt := o.startedAt
	issues := o.activeIssuesLocked()
	o.mu.Unlock()

	sh := SystemHealth{
		Modules:      make(map[message.ModuleID]health.Status),
		States:       o.controller.States(),
		ActiveIssues: issues,
	}

	if !started {
		sh.Status = "stopped"
		return sh
	}
	sh.Uptime = o.now().Sub(startedAt)

	var statuses []health.Status
	for id, state := range sh.States {
		st := o.controller.Health(id)
		if state == module.StateDegraded && st.IsHealthy() {
			st = health.NewDegraded(string(id), "module marked degraded")
		}
		sh.Modules[id] = st
		statuses = append(statuses, st)
	}
	agg := health.Aggregate("system", statuses)
	sh.Status = agg.Status

	if o.resources != nil {
		sh.Resources = o.resources.System()
	}
	return sh
}

// StartupReport returns the report from the last startup sequence.
func (o *Orchestrator) StartupReport() *StartupReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastReport
}

// UpdateConfig pushes a JSON settings document to one module over the
// bus as a config-update message.
func (o *Orchestrator) UpdateConfig(ctx context.Context, id message.ModuleID, raw json.RawMessage) error {
	if _, ok := o.registry.Get(id); !ok {
		return errors.Wrap(errors.ErrUnknownModule, "Orchestrator", "UpdateConfig",
			"module "+string(id)+" is not registered")
	}
	var settings map[string]any
	if err := json.Unmarshal(raw, &settings); err != nil {
		return errors.WrapInvalid(err, "Orchestrator", "UpdateConfig", "settings must be a JSON object")
	}
	env := message.NewEnvelope(message.ModuleOrchestrator, &message.ConfigUpdatePayload{
		Target:   id,
		Settings: settings,
	}, message.WithPriority(message.PriorityHigh))
	if _, err := o.b.Publish(ctx, env); err != nil {
		return errors.Wrap(err, "Orchestrator", "UpdateConfig", "config update publish failed")
	}
	o.logger.Info("config update pushed", "module", string(id), "keys", len(settings))
	return nil
}

// RestartModule restarts one module through the lifecycle controller.
func (o *Orchestrator) RestartModule(ctx context.Context, id message.ModuleID) error {
	return o.controller.Restart(ctx, id, o.cfg.StopTimeout)
}

// ModuleState returns the lifecycle state of a registered module.
func (o *Orchestrator) ModuleState(id message.ModuleID) (module.State, bool) {
	if _, ok := o.registry.Get(id); !ok {
		return module.StateUnregistered, false
	}
	return o.controller.State(id), true
}

// watchErrors consumes error-report messages and feeds the recovery
// manager.
func (o *Orchestrator) watchErrors(ctx context.Context, ch <-chan *message.Envelope, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			o.handleErrorReport(ctx, env)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) handleErrorReport(ctx context.Context, env *message.Envelope) {
	report, ok := env.Payload().(*message.ErrorReportPayload)
	if !ok {
		return
	}

	o.recordIssue(Issue{
		Module:   report.Module,
		Severity: report.Severity,
		Message:  report.Message,
		At:       o.now(),
	})

	// Informational reports do not trigger recovery.
	switch report.Severity {
	case "debug", "info", "warning":
		return
	}

	kind := ClassifyFailure(report.Category)
	if kind == FailureUnknown {
		kind = ClassifyFailure(report.Message)
	}
	if _, ok := o.registry.Get(report.Module); !ok {
		o.logger.Warn("error report for unregistered module",
			"module", string(report.Module))
		return
	}

	if err := o.recovery.HandleFailure(ctx, report.Module, kind, report.Message); err != nil {
		o.logger.Error("module recovery failed",
			"module", string(report.Module),
			"failure", string(kind),
			"error", err)
	}
}

func (o *Orchestrator) recordIssue(issue Issue) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.issues = append(o.issues, issue)
	if len(o.issues) > o.cfg.IssueHistory {
		o.issues = o.issues[len(o.issues)-o.cfg.IssueHistory:]
	}
}

// activeIssuesLocked returns issues within the retention window.
func (o *Orchestrator) activeIssuesLocked() []Issue {
	cutoff := o.now().Add(-o.cfg.IssueRetention)
	var out []Issue
	for _, issue := range o.issues {
		if !issue.At.Before(cutoff) {
			out = append(out, issue)
		}
	}
	return out
}

func (o *Orchestrator) phaseModules(phase module.StartupPhase) []module.Descriptor {
	var out []module.Descriptor
	for _, d := range o.registry.All() {
		if d.Phase == phase {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
