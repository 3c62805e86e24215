package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chreez/skelly-jelly-sub001/errors"
	"github.com/chreez/skelly-jelly-sub001/message"
	"github.com/chreez/skelly-jelly-sub001/module"
)

// SequencerConfig tunes the startup sequence.
type SequencerConfig struct {
	// PhaseTimeout bounds each startup group. Zero means 60s.
	PhaseTimeout time.Duration

	// ModuleTimeout bounds each individual module start. Zero means 30s.
	ModuleTimeout time.Duration

	// MaxParallel bounds concurrent starts in the services phase.
	// Zero means 4.
	MaxParallel int

	// HealthTimeout bounds the post-startup validation pass.
	// Zero means 10s.
	HealthTimeout time.Duration

	// ForceStart enables the deadlock breaker: when no remaining
	// services module has satisfied dependencies, one is started
	// anyway. At most one force start per sequence.
	ForceStart bool

	// Target is the end-to-end duration the sequence aims for; the
	// report's TargetMet flag compares against it. Zero means 10s.
	Target time.Duration

	// ExpectedModuleStart is the per-module duration above which a
	// module lands on the bottleneck list. Zero means 2s.
	ExpectedModuleStart time.Duration
}

func (c *SequencerConfig) applyDefaults() {
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = 60 * time.Second
	}
	if c.ModuleTimeout <= 0 {
		c.ModuleTimeout = 30 * time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 10 * time.Second
	}
	if c.Target <= 0 {
		c.Target = 10 * time.Second
	}
	if c.ExpectedModuleStart <= 0 {
		c.ExpectedModuleStart = 2 * time.Second
	}
}

// StartupReport captures what the sequence did and how long it took.
type StartupReport struct {
	TotalDuration        time.Duration                    `json:"total_duration"`
	PhaseDurations       map[string]time.Duration         `json:"phase_durations"`
	ModuleDurations      map[message.ModuleID]time.Duration `json:"module_durations"`
	DependencyResolution time.Duration                    `json:"dependency_resolution"`
	HealthValidation     time.Duration                    `json:"health_validation"`
	TargetMet            bool                             `json:"target_met"`
	Bottlenecks          []message.ModuleID               `json:"bottlenecks,omitempty"`
	ForcedStarts         []message.ModuleID               `json:"forced_starts,omitempty"`
	Started              []message.ModuleID               `json:"started"`
}

// Sequencer drives the three-phase startup: core modules strictly in
// order, services with bounded parallelism gated on their
// dependencies, UI modules all at once.
type Sequencer struct {
	cfg        SequencerConfig
	registry   *module.Registry
	controller *module.Controller
	logger     *slog.Logger
	now        func() time.Time

	reportMu sync.Mutex // guards report mutation during parallel phases
}

// SequencerOption configures a Sequencer.
type SequencerOption func(*Sequencer)

// WithSequencerClock overrides the time source, for tests.
func WithSequencerClock(now func() time.Time) SequencerOption {
	return func(s *Sequencer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSequencer creates a startup sequencer.
func NewSequencer(cfg SequencerConfig, registry *module.Registry, controller *module.Controller, logger *slog.Logger, opts ...SequencerOption) *Sequencer {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sequencer{
		cfg:        cfg,
		registry:   registry,
		controller: controller,
		logger:     logger.With("component", "sequencer"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the full startup sequence. The report is returned even
// on failure, describing whatever progress was made.
func (s *Sequencer) Run(ctx context.Context) (*StartupReport, error) {
	begin := s.now()
	report := &StartupReport{
		PhaseDurations:  make(map[string]time.Duration),
		ModuleDurations: make(map[message.ModuleID]time.Duration),
	}

	core, services, ui := s.groups()

	if err := s.runPhase(ctx, report, module.PhaseCore, func(ctx context.Context) error {
		return s.startSequential(ctx, report, core)
	}); err != nil {
		return s.finish(report, begin), err
	}

	if err := s.runPhase(ctx, report, module.PhaseServices, func(ctx context.Context) error {
		return s.startGated(ctx, report, services)
	}); err != nil {
		return s.finish(report, begin), err
	}

	if err := s.runPhase(ctx, report, module.PhaseUI, func(ctx context.Context) error {
		return s.startParallel(ctx, report, ui)
	}); err != nil {
		return s.finish(report, begin), err
	}

	if err := s.validateHealth(ctx, report); err != nil {
		return s.finish(report, begin), err
	}

	rep := s.finish(report, begin)
	s.logger.Info("startup sequence complete",
		"modules", len(rep.Started),
		"duration", rep.TotalDuration.String(),
		"target_met", rep.TargetMet)
	return rep, nil
}

// groups partitions registered modules by phase, each group sorted by
// id for deterministic ordering.
func (s *Sequencer) groups() (core, services, ui []module.Descriptor) {
	for _, d := range s.registry.All() {
		switch d.Phase {
		case module.PhaseCore:
			core = append(core, d)
		case module.PhaseServices:
			services = append(services, d)
		case module.PhaseUI:
			ui = append(ui, d)
		}
	}
	byID := func(ds []module.Descriptor) {
		sort.Slice(ds, func(i, j int) bool { return ds[i].ID < ds[j].ID })
	}
	byID(core)
	byID(services)
	byID(ui)
	return core, services, ui
}

func (s *Sequencer) runPhase(ctx context.Context, report *StartupReport, phase module.StartupPhase, run func(context.Context) error) error {
	phaseCtx, cancel := context.WithTimeout(ctx, s.cfg.PhaseTimeout)
	defer cancel()

	start := s.now()
	err := run(phaseCtx)
	report.PhaseDurations[phase.String()] = s.now().Sub(start)
	if err != nil {
		return errors.Wrap(err, "Sequencer", "Run", "phase "+phase.String()+" failed")
	}
	return nil
}

func (s *Sequencer) startSequential(ctx context.Context, report *StartupReport, group []module.Descriptor) error {
	for _, d := range group {
		if err := s.startModule(ctx, report, d.ID); err != nil {
			return err
		}
	}
	return nil
}

// startGated starts the services group in dependency order. Each round
// starts every module whose dependencies all report Running, bounded
// by MaxParallel. When a round finds nothing startable, the deadlock
// breaker picks the first remaining module once per sequence.
func (s *Sequencer) startGated(ctx context.Context, report *StartupReport, group []module.Descriptor) error {
	depStart := s.now()
	remaining := make(map[message.ModuleID]module.Descriptor, len(group))
	for _, d := range group {
		remaining[d.ID] = d
	}
	forced := false

	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			return errors.WrapTransient(err, "Sequencer", "startGated", "phase timed out")
		}

		ready := s.readySet(remaining)
		if len(ready) == 0 {
			if !s.cfg.ForceStart || forced {
				return errors.Wrap(errors.ErrInvalidConfig, "Sequencer", "startGated",
					"dependency deadlock among remaining services modules")
			}
			forced = true
			pick := firstID(remaining)
			s.logger.Warn("no services module has satisfied dependencies, force starting one",
				"module", string(pick),
				"remaining", len(remaining))
			report.ForcedStarts = append(report.ForcedStarts, pick)
			ready = []message.ModuleID{pick}
		}

		g, groupCtx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.MaxParallel)
		for _, id := range ready {
			id := id
			g.Go(func() error {
				return s.startModule(groupCtx, report, id)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, id := range ready {
			delete(remaining, id)
		}
	}

	report.DependencyResolution = s.now().Sub(depStart)
	return nil
}

func (s *Sequencer) startParallel(ctx context.Context, report *StartupReport, group []module.Descriptor) error {
	g, groupCtx := errgroup.WithContext(ctx)
	for _, d := range group {
		d := d
		g.Go(func() error {
			return s.startModule(groupCtx, report, d.ID)
		})
	}
	return g.Wait()
}

// readySet returns remaining modules whose dependencies all report
// Running, sorted by id.
func (s *Sequencer) readySet(remaining map[message.ModuleID]module.Descriptor) []message.ModuleID {
	var ready []message.ModuleID
	for id, d := range remaining {
		ok := true
		for _, dep := range d.Dependencies {
			if _, registered := s.registry.Get(dep); !registered {
				continue // external dependency, not sequenced here
			}
			if s.controller.State(dep) != module.StateRunning {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	return ready
}

// startModule runs one controller start bounded by the module timeout.
func (s *Sequencer) startModule(ctx context.Context, report *StartupReport, id message.ModuleID) error {
	startCtx, cancel := context.WithTimeout(ctx, s.cfg.ModuleTimeout)
	defer cancel()

	begin := s.now()
	done := make(chan error, 1)
	go func() {
		done <- s.controller.Start(startCtx, id)
	}()

	var err error
	select {
	case err = <-done:
	case <-startCtx.Done():
		err = errors.WrapTransient(startCtx.Err(), "Sequencer", "startModule",
			"module "+string(id)+" did not start in time")
	}

	elapsed := s.now().Sub(begin)
	s.recordModule(report, id, elapsed, err)
	if err != nil {
		s.logger.Error("module start failed",
			"module", string(id),
			"duration", elapsed.String(),
			"error", err)
		return err
	}
	s.logger.Info("module started", "module", string(id), "duration", elapsed.String())
	return nil
}

// validateHealth checks every started module once, bounded by the
// health timeout. Any unhealthy module fails the sequence.
func (s *Sequencer) validateHealth(ctx context.Context, report *StartupReport) error {
	healthCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
	defer cancel()

	begin := s.now()
	defer func() { report.HealthValidation = s.now().Sub(begin) }()

	for _, id := range s.started(report) {
		if err := healthCtx.Err(); err != nil {
			return errors.WrapTransient(err, "Sequencer", "validateHealth", "health validation timed out")
		}
		status := s.controller.Health(id)
		if status.IsUnhealthy() {
			return errors.Wrap(errors.ErrInvalidConfig, "Sequencer", "validateHealth",
				"module "+string(id)+" reported unhealthy after startup: "+status.Message)
		}
	}
	return nil
}

func (s *Sequencer) recordModule(report *StartupReport, id message.ModuleID, elapsed time.Duration, err error) {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	report.ModuleDurations[id] = elapsed
	if err != nil {
		// Failed or timed-out modules keep their duration for the
		// report but never count as started.
		return
	}
	report.Started = append(report.Started, id)
	if elapsed > s.cfg.ExpectedModuleStart {
		report.Bottlenecks = append(report.Bottlenecks, id)
	}
}

func (s *Sequencer) started(report *StartupReport) []message.ModuleID {
	out := make([]message.ModuleID, len(report.Started))
	copy(out, report.Started)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Sequencer) finish(report *StartupReport, begin time.Time) *StartupReport {
	report.TotalDuration = s.now().Sub(begin)
	report.TargetMet = report.TotalDuration <= s.cfg.Target
	return report
}

func firstID(remaining map[message.ModuleID]module.Descriptor) message.ModuleID {
	ids := make([]message.ModuleID, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids[0]
}
