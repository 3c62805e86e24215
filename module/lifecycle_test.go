package module

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chreez/skelly-jelly-sub001/bus"
	"github.com/chreez/skelly-jelly-sub001/errors"
	"github.com/chreez/skelly-jelly-sub001/health"
	"github.com/chreez/skelly-jelly-sub001/message"
)

// fakeRunner is a scriptable module implementation.
type fakeRunner struct {
	id       message.ModuleID
	initErr  error
	startErr error
	stopErr  error
	started  atomic.Int32
	stopped  atomic.Int32
	healthFn func() health.Status
}

func (r *fakeRunner) Initialize() error {
	return r.initErr
}

func (r *fakeRunner) Start(context.Context) error {
	if r.startErr != nil {
		return r.startErr
	}
	r.started.Add(1)
	return nil
}

func (r *fakeRunner) Stop(time.Duration) error {
	r.stopped.Add(1)
	return r.stopErr
}

func (r *fakeRunner) Health() health.Status {
	if r.healthFn != nil {
		return r.healthFn()
	}
	return health.NewHealthy(string(r.id), "ok")
}

func newTestController(t *testing.T) (*Controller, *Registry, *bus.CoreBus) {
	t.Helper()
	b := bus.NewCoreBus(bus.Config{QueueCapacity: 64}, nil)
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	reg := NewRegistry()
	return NewController(reg, b, nil), reg, b
}

func register(t *testing.T, reg *Registry, id message.ModuleID, runner Runner, deps ...message.ModuleID) {
	t.Helper()
	require.NoError(t, reg.Register(Descriptor{
		ID:           id,
		Version:      "1.0.0",
		Dependencies: deps,
		Runner:       runner,
	}))
}

func TestControllerStartStop(t *testing.T) {
	c, reg, _ := newTestController(t)
	runner := &fakeRunner{id: message.ModuleStorage}
	register(t, reg, message.ModuleStorage, runner)

	require.Equal(t, StateRegistered, c.State(message.ModuleStorage))

	require.NoError(t, c.Start(context.Background(), message.ModuleStorage))
	assert.Equal(t, StateRunning, c.State(message.ModuleStorage))
	assert.Equal(t, int32(1), runner.started.Load())

	require.NoError(t, c.Stop(message.ModuleStorage, time.Second))
	assert.Equal(t, StateStopped, c.State(message.ModuleStorage))
	assert.Equal(t, int32(1), runner.stopped.Load())
}

// ctxRunner records the context its Start receives so tests can watch
// the runtime context lifetime.
type ctxRunner struct {
	fakeRunner
	runCtx context.Context
}

func (r *ctxRunner) Start(ctx context.Context) error {
	r.runCtx = ctx
	return r.fakeRunner.Start(ctx)
}

func TestControllerRuntimeContextOutlivesStartCall(t *testing.T) {
	c, reg, _ := newTestController(t)
	runner := &ctxRunner{fakeRunner: fakeRunner{id: message.ModuleStorage}}
	register(t, reg, message.ModuleStorage, runner)

	startCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(startCtx, message.ModuleStorage))
	cancel()

	// The start-call context is done, but the module's runtime context
	// must stay live while it is running.
	require.Equal(t, StateRunning, c.State(message.ModuleStorage))
	select {
	case <-runner.runCtx.Done():
		t.Fatal("runtime context cancelled while module is running")
	case <-time.After(50 * time.Millisecond):
	}

	// Stop is what ends the runtime context.
	require.NoError(t, c.Stop(message.ModuleStorage, time.Second))
	select {
	case <-runner.runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("runtime context not cancelled by stop")
	}
}

func TestControllerStartRejectsDoneContext(t *testing.T) {
	c, reg, _ := newTestController(t)
	runner := &fakeRunner{id: message.ModuleStorage}
	register(t, reg, message.ModuleStorage, runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Start(ctx, message.ModuleStorage)
	require.Error(t, err)
	assert.Equal(t, StateFailed, c.State(message.ModuleStorage))
	assert.Equal(t, int32(0), runner.started.Load())
}

func TestControllerStartPublishesModuleReady(t *testing.T) {
	c, reg, b := newTestController(t)
	register(t, reg, message.ModuleDataCapture, &fakeRunner{id: message.ModuleDataCapture})

	_, ch, err := b.Subscribe(message.ModuleOrchestrator,
		message.NewFilter(message.WithKinds(message.KindModuleReady)), bus.BestEffort())
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background(), message.ModuleDataCapture))

	select {
	case env := <-ch:
		ready, ok := env.Payload().(*message.ModuleReadyPayload)
		require.True(t, ok)
		assert.Equal(t, message.ModuleDataCapture, ready.Module)
		assert.Equal(t, "1.0.0", ready.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("no module_ready message")
	}
}

func TestControllerStartFailurePublishesErrorReport(t *testing.T) {
	c, reg, b := newTestController(t)
	register(t, reg, message.ModuleAnalysisEngine, &fakeRunner{
		id:       message.ModuleAnalysisEngine,
		startErr: stderrors.New("model load failed"),
	})

	_, ch, err := b.Subscribe(message.ModuleOrchestrator,
		message.NewFilter(message.WithKinds(message.KindErrorReport)), bus.BestEffort())
	require.NoError(t, err)

	err = c.Start(context.Background(), message.ModuleAnalysisEngine)
	require.Error(t, err)
	assert.Equal(t, StateFailed, c.State(message.ModuleAnalysisEngine))
	assert.Error(t, c.LastError(message.ModuleAnalysisEngine))

	select {
	case env := <-ch:
		report, ok := env.Payload().(*message.ErrorReportPayload)
		require.True(t, ok)
		assert.Equal(t, message.ModuleAnalysisEngine, report.Module)
		assert.Contains(t, report.Message, "model load failed")
		assert.Equal(t, message.PriorityHigh, env.Priority())
	case <-time.After(2 * time.Second):
		t.Fatal("no error_report message")
	}
}

func TestControllerDoubleStartRejected(t *testing.T) {
	c, reg, _ := newTestController(t)
	register(t, reg, message.ModuleStorage, &fakeRunner{id: message.ModuleStorage})

	require.NoError(t, c.Start(context.Background(), message.ModuleStorage))
	err := c.Start(context.Background(), message.ModuleStorage)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestControllerRestartAfterFailure(t *testing.T) {
	c, reg, _ := newTestController(t)
	runner := &fakeRunner{id: message.ModuleStorage, startErr: stderrors.New("disk missing")}
	register(t, reg, message.ModuleStorage, runner)

	require.Error(t, c.Start(context.Background(), message.ModuleStorage))
	require.Equal(t, StateFailed, c.State(message.ModuleStorage))

	// Failure cleared; a failed module may start again.
	runner.startErr = nil
	require.NoError(t, c.Start(context.Background(), message.ModuleStorage))
	assert.Equal(t, StateRunning, c.State(message.ModuleStorage))
}

func TestControllerRestart(t *testing.T) {
	c, reg, _ := newTestController(t)
	runner := &fakeRunner{id: message.ModuleGamification}
	register(t, reg, message.ModuleGamification, runner)

	require.NoError(t, c.Start(context.Background(), message.ModuleGamification))
	require.NoError(t, c.Restart(context.Background(), message.ModuleGamification, time.Second))

	assert.Equal(t, StateRunning, c.State(message.ModuleGamification))
	assert.Equal(t, int32(2), runner.started.Load())
	assert.Equal(t, int32(1), runner.stopped.Load())
}

func TestControllerDegradedAndRecovered(t *testing.T) {
	c, reg, _ := newTestController(t)
	register(t, reg, message.ModuleFigurine, &fakeRunner{id: message.ModuleFigurine})

	require.NoError(t, c.Start(context.Background(), message.ModuleFigurine))
	require.NoError(t, c.MarkDegraded(message.ModuleFigurine, "animations disabled"))
	assert.Equal(t, StateDegraded, c.State(message.ModuleFigurine))

	// Degraded modules still report their own health and can stop.
	require.NoError(t, c.MarkRecovered(message.ModuleFigurine))
	assert.Equal(t, StateRunning, c.State(message.ModuleFigurine))

	require.Error(t, c.MarkRecovered(message.ModuleFigurine))
}

func TestControllerHealth(t *testing.T) {
	c, reg, _ := newTestController(t)
	runner := &fakeRunner{
		id: message.ModuleStorage,
		healthFn: func() health.Status {
			return health.NewDegraded("storage", "compaction backlog")
		},
	}
	register(t, reg, message.ModuleStorage, runner)

	st := c.Health(message.ModuleStorage)
	assert.False(t, st.Healthy)

	require.NoError(t, c.Start(context.Background(), message.ModuleStorage))
	st = c.Health(message.ModuleStorage)
	assert.True(t, st.IsDegraded())

	st = c.Health(message.ModuleID("ghost"))
	assert.False(t, st.Healthy)
}

func TestControllerUnknownModule(t *testing.T) {
	c, _, _ := newTestController(t)
	err := c.Start(context.Background(), message.ModuleID("ghost"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownModule)
	assert.Equal(t, StateUnregistered, c.State(message.ModuleID("ghost")))
}

func TestRegistryDependencies(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{
		ID: message.ModuleStorage, Runner: &fakeRunner{},
	}))
	require.NoError(t, reg.Register(Descriptor{
		ID:           message.ModuleAnalysisEngine,
		Dependencies: []message.ModuleID{message.ModuleStorage},
		Runner:       &fakeRunner{},
	}))

	assert.Equal(t, []message.ModuleID{message.ModuleStorage},
		reg.Dependencies(message.ModuleAnalysisEngine))
	assert.Equal(t, []message.ModuleID{message.ModuleAnalysisEngine},
		reg.Dependents(message.ModuleStorage))
	assert.Equal(t, 2, reg.Count())

	err := reg.Register(Descriptor{ID: message.ModuleStorage, Runner: &fakeRunner{}})
	require.Error(t, err)

	require.NoError(t, reg.Unregister(message.ModuleAnalysisEngine))
	assert.Equal(t, 1, reg.Count())
	require.Error(t, reg.Unregister(message.ModuleAnalysisEngine))
}

func TestDescriptorValidate(t *testing.T) {
	assert.Error(t, Descriptor{}.Validate())
	assert.Error(t, Descriptor{ID: "x"}.Validate())
	assert.Error(t, Descriptor{
		ID:           "x",
		Runner:       &fakeRunner{},
		Dependencies: []message.ModuleID{"x"},
	}.Validate())
	assert.NoError(t, Descriptor{ID: "x", Runner: &fakeRunner{}}.Validate())
}
