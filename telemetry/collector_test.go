package telemetry

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chreez/skelly-jelly-sub001/message"
	"github.com/chreez/skelly-jelly-sub001/resource"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCollector(cfg Config, clock *fakeClock, opts ...Option) *Collector {
	opts = append(opts, WithClock(clock.Now))
	return NewCollector(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestBaselineEstablishedAfterWarmup(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(Config{BaselineWarmup: 3}, clock)

	c.RecordPerf(PerfStats{CPUPercent: 10, MemoryBytes: 100})
	c.RecordPerf(PerfStats{CPUPercent: 20, MemoryBytes: 200})
	assert.Nil(t, c.Baseline())

	c.RecordPerf(PerfStats{CPUPercent: 30, MemoryBytes: 300})
	b := c.Baseline()
	require.NotNil(t, b)
	assert.InDelta(t, 20.0, b.CPUPercent, 0.001)
	assert.Equal(t, uint64(200), b.MemoryBytes)
}

func TestCPURegressionRaisesWarning(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(Config{BaselineWarmup: 2, RegressionPercent: 20}, clock)

	c.RecordPerf(PerfStats{CPUPercent: 10})
	c.RecordPerf(PerfStats{CPUPercent: 10})
	require.NotNil(t, c.Baseline())

	// 10% over baseline: within tolerance.
	c.RecordPerf(PerfStats{CPUPercent: 11})
	c.CheckRegressions()
	assert.Empty(t, c.Alerts())

	// 50% over baseline: regression.
	c.RecordPerf(PerfStats{CPUPercent: 15})
	c.CheckRegressions()
	alerts := c.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCPURegression, alerts[0].Kind)
	assert.Equal(t, AlertWarning, alerts[0].Level)
}

func TestEfficiencyDropRaisesWarning(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(Config{BaselineWarmup: 1, RegressionPercent: 25}, clock)

	c.RecordPerf(PerfStats{Efficiency: 1.0})
	c.RecordPerf(PerfStats{Efficiency: 0.5})
	c.CheckRegressions()

	alerts := c.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertEfficiencyDrop, alerts[0].Kind)
}

func TestThresholdAlertsFireImmediately(t *testing.T) {
	clock := newFakeClock()
	var seen []Alert
	c := newTestCollector(Config{
		BaselineWarmup: 100,
		Thresholds: Thresholds{
			MaxCPUPercent:  50,
			MaxMemoryBytes: 1 << 30,
			MinHealthScore: 0.5,
		},
	}, clock, WithAlertFunc(func(a Alert) { seen = append(seen, a) }))

	c.RecordPerf(PerfStats{CPUPercent: 80, MemoryBytes: 2 << 30, HealthScore: 0.2})

	require.Len(t, seen, 3)
	kinds := map[AlertKind]bool{}
	for _, a := range seen {
		kinds[a.Kind] = true
		assert.Equal(t, AlertCritical, a.Level)
	}
	assert.True(t, kinds[AlertHighCPU])
	assert.True(t, kinds[AlertHighMemory])
	assert.True(t, kinds[AlertLowHealth])
}

func TestBatteryDrainAlertIsWarningLevel(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(Config{
		BaselineWarmup: 100,
		Thresholds:     Thresholds{MaxBatteryDrain: 0.1},
	}, clock)

	c.RecordPerf(PerfStats{BatteryDrain: 0.3})

	alerts := c.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBatteryDrain, alerts[0].Kind)
	assert.Equal(t, AlertWarning, alerts[0].Level)
}

func TestSeriesBoundedBySize(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(Config{HistorySize: 5}, clock)

	for i := 0; i < 10; i++ {
		c.RecordSystemUsage(resource.SystemUsage{Goroutines: i})
		clock.Advance(time.Second)
	}

	points := c.SystemTrend(time.Hour)
	require.Len(t, points, 5)
	assert.Equal(t, 5, points[0].Value.Goroutines)
	assert.Equal(t, 9, points[4].Value.Goroutines)
}

func TestSeriesTrimmedByAge(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(Config{MaxAge: time.Minute}, clock)

	c.RecordSystemUsage(resource.SystemUsage{Goroutines: 1})
	clock.Advance(2 * time.Minute)
	c.RecordSystemUsage(resource.SystemUsage{Goroutines: 2})

	points := c.SystemTrend(time.Hour)
	require.Len(t, points, 1)
	assert.Equal(t, 2, points[0].Value.Goroutines)
}

func TestModuleTrendWindow(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(Config{}, clock)

	c.RecordModuleUsage(message.ModuleAnalysisEngine, resource.Usage{CPUPercent: 1})
	clock.Advance(10 * time.Minute)
	c.RecordModuleUsage(message.ModuleAnalysisEngine, resource.Usage{CPUPercent: 2})
	clock.Advance(time.Minute)

	recent := c.ModuleTrend(message.ModuleAnalysisEngine, 5*time.Minute)
	require.Len(t, recent, 1)
	assert.InDelta(t, 2.0, recent[0].Value.CPUPercent, 0.001)

	all := c.ModuleTrend(message.ModuleAnalysisEngine, time.Hour)
	assert.Len(t, all, 2)

	assert.Nil(t, c.ModuleTrend(message.ModuleFigurine, time.Hour))
}

func TestDashboardSnapshot(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(Config{BaselineWarmup: 1, Thresholds: Thresholds{MaxCPUPercent: 50}}, clock)

	c.RecordModuleUsage(message.ModuleGamification, resource.Usage{CPUPercent: 4})
	c.RecordSystemUsage(resource.SystemUsage{CPUPercent: 12, Goroutines: 33})
	c.RecordPerf(PerfStats{CPUPercent: 60})

	d := c.Dashboard()
	assert.Equal(t, clock.Now(), d.GeneratedAt)
	assert.Equal(t, 33, d.System.Goroutines)
	assert.InDelta(t, 4.0, d.Modules[message.ModuleGamification].CPUPercent, 0.001)
	assert.InDelta(t, 60.0, d.Perf.CPUPercent, 0.001)
	require.NotNil(t, d.Baseline)
	assert.Equal(t, 1, d.SampleCounts["system"])
	assert.Equal(t, 1, d.SampleCounts["module:gamification"])
	require.Len(t, d.RecentAlerts, 1)
	assert.Equal(t, AlertHighCPU, d.RecentAlerts[0].Kind)
}

func TestAlertHistoryBounded(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(Config{
		BaselineWarmup: 100,
		AlertHistory:   3,
		Thresholds:     Thresholds{MaxCPUPercent: 10},
	}, clock)

	for i := 0; i < 5; i++ {
		c.RecordPerf(PerfStats{CPUPercent: 20})
	}
	assert.Len(t, c.Alerts(), 3)
}
