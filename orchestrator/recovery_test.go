package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chreez/skelly-jelly-sub001/bus"
	"github.com/chreez/skelly-jelly-sub001/message"
	"github.com/chreez/skelly-jelly-sub001/module"
)

type recoveryFixture struct {
	registry   *module.Registry
	controller *module.Controller
	slept      []time.Duration
}

func newRecoveryFixture(t *testing.T) *recoveryFixture {
	t.Helper()
	registry := module.NewRegistry()
	controller := module.NewController(registry, bus.NewNopBus(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &recoveryFixture{registry: registry, controller: controller}
}

func (f *recoveryFixture) manager(cfg RecoveryConfig, opts ...RecoveryOption) *RecoveryManager {
	opts = append(opts, WithSleep(func(_ context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}))
	return NewRecoveryManager(cfg, f.registry, f.controller, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func (f *recoveryFixture) registerRunning(t *testing.T, id message.ModuleID) *fakeRunner {
	t.Helper()
	runner := newRunner(id)
	require.NoError(t, f.registry.Register(module.Descriptor{ID: id, Runner: runner}))
	require.NoError(t, f.controller.Start(context.Background(), id))
	return runner
}

func TestHandleFailureRestartsModule(t *testing.T) {
	f := newRecoveryFixture(t)
	runner := f.registerRunning(t, message.ModuleAnalysisEngine)

	m := f.manager(RecoveryConfig{DefaultStrategy: StrategyRestart})
	err := m.HandleFailure(context.Background(), message.ModuleAnalysisEngine, FailureCrash, "panic in scorer")
	require.NoError(t, err)

	assert.Equal(t, int32(1), runner.stopCalls.Load())
	assert.Equal(t, int32(2), runner.startCalls.Load())
	assert.Equal(t, module.StateRunning, f.controller.State(message.ModuleAnalysisEngine))

	history := m.History(message.ModuleAnalysisEngine)
	require.Len(t, history, 1)
	assert.Equal(t, StrategyRestart, history[0].Strategy)
	assert.True(t, history[0].Succeeded)
	assert.False(t, history[0].Escalated)
}

func TestHandleFailureBacksOffExponentially(t *testing.T) {
	f := newRecoveryFixture(t)
	runner := f.registerRunning(t, message.ModuleAnalysisEngine)
	runner.startErr = assert.AnError // every restart fails again

	m := f.manager(RecoveryConfig{
		DefaultStrategy:        StrategyRestart,
		BaseBackoff:            time.Second,
		MaxBackoff:             4 * time.Second,
		MaxConsecutiveFailures: 100,
		FailureRateThreshold:   100,
	})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = m.HandleFailure(ctx, message.ModuleAnalysisEngine, FailureCrash, "still broken")
	}

	// First failure restarts immediately; the streak then grows the
	// delay 1s, 2s, 4s.
	require.Len(t, f.slept, 3)
	assert.Equal(t, time.Second, f.slept[0])
	assert.Equal(t, 2*time.Second, f.slept[1])
	assert.Equal(t, 4*time.Second, f.slept[2])
}

func TestHandleFailureEscalatesAfterConsecutiveFailures(t *testing.T) {
	f := newRecoveryFixture(t)
	runner := f.registerRunning(t, message.ModuleGamification)
	runner.startErr = assert.AnError

	m := f.manager(RecoveryConfig{
		DefaultStrategy:        StrategyRestart,
		MaxConsecutiveFailures: 2,
		FailureRateThreshold:   100,
	})

	ctx := context.Background()
	_ = m.HandleFailure(ctx, message.ModuleGamification, FailureCrash, "boom")
	_ = m.HandleFailure(ctx, message.ModuleGamification, FailureCrash, "boom")

	history := m.History(message.ModuleGamification)
	require.Len(t, history, 2)
	assert.Equal(t, StrategyRestart, history[0].Strategy)
	assert.Equal(t, StrategyRestartWithReset, history[1].Strategy)
	assert.True(t, history[1].Escalated)
}

func TestRestartWithResetClearsModuleState(t *testing.T) {
	f := newRecoveryFixture(t)
	runner := f.registerRunning(t, message.ModuleStorage)

	m := f.manager(RecoveryConfig{DefaultStrategy: StrategyRestartWithReset})
	err := m.HandleFailure(context.Background(), message.ModuleStorage, FailureHealthCheck, "corrupt index")
	require.NoError(t, err)

	assert.Equal(t, int32(1), runner.resetCalls.Load())
	assert.Equal(t, module.StateRunning, f.controller.State(message.ModuleStorage))
}

func TestDegradedModeMarksModule(t *testing.T) {
	f := newRecoveryFixture(t)
	f.registerRunning(t, message.ModuleFigurine)

	m := f.manager(RecoveryConfig{
		Strategies: map[message.ModuleID]Strategy{
			message.ModuleFigurine: StrategyDegradedMode,
		},
	})
	err := m.HandleFailure(context.Background(), message.ModuleFigurine, FailureCommunication, "renderer unreachable")
	require.NoError(t, err)

	assert.Equal(t, module.StateDegraded, f.controller.State(message.ModuleFigurine))
}

func TestSystemRestartInvokesCallback(t *testing.T) {
	f := newRecoveryFixture(t)
	f.registerRunning(t, message.ModuleEventBus)

	var reason string
	m := f.manager(RecoveryConfig{
		Strategies: map[message.ModuleID]Strategy{
			message.ModuleEventBus: StrategySystemRestart,
		},
	}, WithSystemRestartFunc(func(r string) { reason = r }))

	err := m.HandleFailure(context.Background(), message.ModuleEventBus, FailureCrash, "bus wedged")
	require.NoError(t, err)
	assert.Contains(t, reason, "event-bus")
}

func TestManualStrategyBlocksFurtherRecovery(t *testing.T) {
	f := newRecoveryFixture(t)
	f.registerRunning(t, message.ModuleStorage)
	f.registerRunning(t, message.ModuleGamification)

	var notified message.ModuleID
	m := f.manager(RecoveryConfig{
		DefaultStrategy: StrategyRestart,
		Strategies: map[message.ModuleID]Strategy{
			message.ModuleStorage: StrategyManual,
		},
	}, WithNotifyFunc(func(id message.ModuleID, _ string) { notified = id }))

	ctx := context.Background()
	require.NoError(t, m.HandleFailure(ctx, message.ModuleStorage, FailureCrash, "database corrupted"))
	assert.Equal(t, message.ModuleStorage, notified)

	blocked, reason := m.Blocked()
	assert.True(t, blocked)
	assert.Contains(t, reason, "storage")

	err := m.HandleFailure(ctx, message.ModuleGamification, FailureCrash, "unrelated")
	require.Error(t, err)

	m.Acknowledge(message.ModuleStorage)
	blocked, _ = m.Blocked()
	assert.False(t, blocked)
	require.NoError(t, m.HandleFailure(ctx, message.ModuleGamification, FailureCrash, "unrelated"))
}

func TestSuccessfulRestartResetsStreak(t *testing.T) {
	f := newRecoveryFixture(t)
	f.registerRunning(t, message.ModuleAnalysisEngine)

	m := f.manager(RecoveryConfig{
		DefaultStrategy:        StrategyRestart,
		MaxConsecutiveFailures: 2,
		FailureRateThreshold:   100,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.HandleFailure(ctx, message.ModuleAnalysisEngine, FailureCrash, "blip"))
	}

	// Each restart succeeded, so the streak never reaches the
	// escalation threshold.
	for _, attempt := range m.History(message.ModuleAnalysisEngine) {
		assert.Equal(t, StrategyRestart, attempt.Strategy)
		assert.False(t, attempt.Escalated)
	}
}

func TestHandleFailureEscalatesOnFailureRate(t *testing.T) {
	f := newRecoveryFixture(t)
	f.registerRunning(t, message.ModuleDataCapture)

	m := f.manager(RecoveryConfig{
		DefaultStrategy:        StrategyRestart,
		MaxConsecutiveFailures: 100,
		FailureRateThreshold:   3,
		FailureRateWindow:      time.Hour,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.HandleFailure(ctx, message.ModuleDataCapture, FailureTimeout, "slow"))
	}

	history := m.History(message.ModuleDataCapture)
	require.Len(t, history, 3)
	assert.False(t, history[0].Escalated)
	assert.False(t, history[1].Escalated)
	assert.True(t, history[2].Escalated)
	assert.Equal(t, StrategyRestartWithReset, history[2].Strategy)
}

func TestClassifyFailure(t *testing.T) {
	cases := map[string]FailureKind{
		"panic: index out of range": FailureCrash,
		"deadline exceeded":         FailureTimeout,
		"health check failed":       FailureHealthCheck,
		"dependency storage down":   FailureDependency,
		"invalid configuration":     FailureConfig,
		"connection refused":        FailureCommunication,
		"something else":            FailureUnknown,
	}
	for input, want := range cases {
		assert.Equal(t, want, ClassifyFailure(input), input)
	}
}

func TestHistoryBounded(t *testing.T) {
	f := newRecoveryFixture(t)
	f.registerRunning(t, message.ModuleAnalysisEngine)

	m := f.manager(RecoveryConfig{
		DefaultStrategy:        StrategyRestart,
		HistorySize:            2,
		MaxConsecutiveFailures: 100,
		FailureRateThreshold:   100,
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.HandleFailure(ctx, message.ModuleAnalysisEngine, FailureCrash, "blip"))
	}
	assert.Len(t, m.History(message.ModuleAnalysisEngine), 2)
}
