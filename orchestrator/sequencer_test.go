package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chreez/skelly-jelly-sub001/bus"
	"github.com/chreez/skelly-jelly-sub001/health"
	"github.com/chreez/skelly-jelly-sub001/message"
	"github.com/chreez/skelly-jelly-sub001/module"
)

// fakeRunner is a scriptable module implementation.
type fakeRunner struct {
	id message.ModuleID

	initErr  error
	startErr error
	stopErr  error
	resetErr error
	healthFn func() health.Status

	startDelay time.Duration
	blockStart bool

	initCalls  atomic.Int32
	startCalls atomic.Int32
	stopCalls  atomic.Int32
	resetCalls atomic.Int32
}

func (r *fakeRunner) Initialize() error {
	r.initCalls.Add(1)
	return r.initErr
}

func (r *fakeRunner) Start(ctx context.Context) error {
	r.startCalls.Add(1)
	if r.blockStart {
		<-ctx.Done()
		return ctx.Err()
	}
	if r.startDelay > 0 {
		select {
		case <-time.After(r.startDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.startErr
}

func (r *fakeRunner) Stop(time.Duration) error {
	r.stopCalls.Add(1)
	return r.stopErr
}

func (r *fakeRunner) Reset() error {
	r.resetCalls.Add(1)
	return r.resetErr
}

func (r *fakeRunner) Health() health.Status {
	if r.healthFn != nil {
		return r.healthFn()
	}
	return health.NewHealthy(string(r.id), "ok")
}

func newRunner(id message.ModuleID) *fakeRunner {
	return &fakeRunner{id: id}
}

type seqFixture struct {
	registry   *module.Registry
	controller *module.Controller
}

func newSeqFixture(t *testing.T) *seqFixture {
	t.Helper()
	registry := module.NewRegistry()
	controller := module.NewController(registry, bus.NewNopBus(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &seqFixture{registry: registry, controller: controller}
}

func (f *seqFixture) register(t *testing.T, id message.ModuleID, phase module.StartupPhase, runner *fakeRunner, deps ...message.ModuleID) {
	t.Helper()
	require.NoError(t, f.registry.Register(module.Descriptor{
		ID:           id,
		Phase:        phase,
		Dependencies: deps,
		Runner:       runner,
	}))
}

func (f *seqFixture) sequencer(cfg SequencerConfig) *Sequencer {
	return NewSequencer(cfg, f.registry, f.controller, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunStartsAllPhases(t *testing.T) {
	f := newSeqFixture(t)
	core := newRunner(message.ModuleEventBus)
	svc := newRunner(message.ModuleAnalysisEngine)
	ui := newRunner(message.ModuleFigurine)
	f.register(t, message.ModuleEventBus, module.PhaseCore, core)
	f.register(t, message.ModuleAnalysisEngine, module.PhaseServices, svc)
	f.register(t, message.ModuleFigurine, module.PhaseUI, ui)

	report, err := f.sequencer(SequencerConfig{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), core.startCalls.Load())
	assert.Equal(t, int32(1), svc.startCalls.Load())
	assert.Equal(t, int32(1), ui.startCalls.Load())
	assert.Len(t, report.Started, 3)
	assert.Contains(t, report.PhaseDurations, "core")
	assert.Contains(t, report.PhaseDurations, "services")
	assert.Contains(t, report.PhaseDurations, "ui")
	assert.True(t, report.TargetMet)
	assert.Equal(t, module.StateRunning, f.controller.State(message.ModuleFigurine))
}

func TestRunGatesServicesOnDependencies(t *testing.T) {
	f := newSeqFixture(t)
	storage := newRunner(message.ModuleStorage)
	storage.startDelay = 20 * time.Millisecond
	analysis := newRunner(message.ModuleAnalysisEngine)

	f.register(t, message.ModuleStorage, module.PhaseServices, storage)
	f.register(t, message.ModuleAnalysisEngine, module.PhaseServices, analysis, message.ModuleStorage)

	report, err := f.sequencer(SequencerConfig{MaxParallel: 2}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Started, 2)
	assert.Empty(t, report.ForcedStarts)

	// Dependency gating means storage landed in the first round and
	// analysis in the second.
	assert.Equal(t, message.ModuleStorage, report.Started[0])
	assert.Equal(t, message.ModuleAnalysisEngine, report.Started[1])
}

func TestRunBreaksDependencyDeadlockWithForceStart(t *testing.T) {
	f := newSeqFixture(t)
	a := newRunner(message.ModuleGamification)
	b := newRunner(message.ModuleAIIntegration)
	// Mutual dependency: neither can ever be ready.
	f.register(t, message.ModuleGamification, module.PhaseServices, a, message.ModuleAIIntegration)
	f.register(t, message.ModuleAIIntegration, module.PhaseServices, b, message.ModuleGamification)

	report, err := f.sequencer(SequencerConfig{ForceStart: true}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.ForcedStarts, 1)
	assert.Equal(t, message.ModuleAIIntegration, report.ForcedStarts[0]) // first id in sort order
	assert.Len(t, report.Started, 2)
}

func TestRunFailsOnDeadlockWithoutForceStart(t *testing.T) {
	f := newSeqFixture(t)
	a := newRunner(message.ModuleGamification)
	b := newRunner(message.ModuleAIIntegration)
	f.register(t, message.ModuleGamification, module.PhaseServices, a, message.ModuleAIIntegration)
	f.register(t, message.ModuleAIIntegration, module.PhaseServices, b, message.ModuleGamification)

	_, err := f.sequencer(SequencerConfig{}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock")
	assert.Equal(t, int32(0), a.startCalls.Load())
	assert.Equal(t, int32(0), b.startCalls.Load())
}

func TestRunAbortsWhenCoreModuleNeverReady(t *testing.T) {
	f := newSeqFixture(t)
	stuck := newRunner(message.ModuleEventBus)
	stuck.blockStart = true
	svc := newRunner(message.ModuleAnalysisEngine)
	ui := newRunner(message.ModuleFigurine)
	f.register(t, message.ModuleEventBus, module.PhaseCore, stuck)
	f.register(t, message.ModuleAnalysisEngine, module.PhaseServices, svc)
	f.register(t, message.ModuleFigurine, module.PhaseUI, ui)

	_, err := f.sequencer(SequencerConfig{
		ModuleTimeout: 50 * time.Millisecond,
		PhaseTimeout:  time.Second,
	}).Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, int32(0), svc.startCalls.Load())
	assert.Equal(t, int32(0), ui.startCalls.Load())
}

func TestRunAbortsWhenCoreModuleFails(t *testing.T) {
	f := newSeqFixture(t)
	broken := newRunner(message.ModuleEventBus)
	broken.startErr = assert.AnError
	svc := newRunner(message.ModuleAnalysisEngine)
	f.register(t, message.ModuleEventBus, module.PhaseCore, broken)
	f.register(t, message.ModuleAnalysisEngine, module.PhaseServices, svc)

	_, err := f.sequencer(SequencerConfig{}).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(0), svc.startCalls.Load())
	assert.Equal(t, module.StateFailed, f.controller.State(message.ModuleEventBus))
}

func TestRunFailedStartNotCountedAsStarted(t *testing.T) {
	f := newSeqFixture(t)
	broken := newRunner(message.ModuleEventBus)
	broken.startErr = assert.AnError
	f.register(t, message.ModuleEventBus, module.PhaseCore, broken)

	report, err := f.sequencer(SequencerConfig{}).Run(context.Background())
	require.Error(t, err)

	assert.NotContains(t, report.Started, message.ModuleEventBus)
	assert.NotContains(t, report.Bottlenecks, message.ModuleEventBus)
	// The attempt still shows up in the timings.
	assert.Contains(t, report.ModuleDurations, message.ModuleEventBus)
}

func TestRunFailsWhenModuleUnhealthyAfterStartup(t *testing.T) {
	f := newSeqFixture(t)
	sick := newRunner(message.ModuleStorage)
	sick.healthFn = func() health.Status {
		return health.NewUnhealthy(string(message.ModuleStorage), "disk unavailable")
	}
	f.register(t, message.ModuleStorage, module.PhaseServices, sick)

	report, err := f.sequencer(SequencerConfig{}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unhealthy")
	assert.GreaterOrEqual(t, report.HealthValidation, time.Duration(0))
}

func TestRunFlagsSlowModulesAsBottlenecks(t *testing.T) {
	f := newSeqFixture(t)
	slow := newRunner(message.ModuleAIIntegration)
	slow.startDelay = 30 * time.Millisecond
	fast := newRunner(message.ModuleGamification)
	f.register(t, message.ModuleAIIntegration, module.PhaseServices, slow)
	f.register(t, message.ModuleGamification, module.PhaseServices, fast)

	report, err := f.sequencer(SequencerConfig{
		ExpectedModuleStart: 10 * time.Millisecond,
	}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Bottlenecks, 1)
	assert.Equal(t, message.ModuleAIIntegration, report.Bottlenecks[0])
}

func TestRunReportsModuleDurations(t *testing.T) {
	f := newSeqFixture(t)
	f.register(t, message.ModuleEventBus, module.PhaseCore, newRunner(message.ModuleEventBus))

	report, err := f.sequencer(SequencerConfig{Target: time.Minute}).Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, report.ModuleDurations, message.ModuleEventBus)
	assert.True(t, report.TargetMet)
	assert.GreaterOrEqual(t, report.TotalDuration, time.Duration(0))
}
