package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chreez/skelly-jelly-sub001/message"
	"github.com/chreez/skelly-jelly-sub001/resource"
)

// Config tunes telemetry collection and regression detection.
type Config struct {
	// AggregationInterval is the regression-check loop period.
	// Zero means 30s.
	AggregationInterval time.Duration

	// HistorySize bounds every time series. Zero means 720.
	HistorySize int

	// MaxAge trims samples older than this. Zero disables age trimming.
	MaxAge time.Duration

	// RegressionPercent is the degradation fraction (in percent)
	// against the baseline that raises a regression alert.
	// Zero means 20.
	RegressionPercent float64

	// BaselineWarmup is the number of perf samples averaged into the
	// baseline. Zero means 12.
	BaselineWarmup int

	// Thresholds configures immediate alerts.
	Thresholds Thresholds

	// AlertHistory bounds retained alerts. Zero means 128.
	AlertHistory int
}

// AlertFunc receives every raised alert.
type AlertFunc func(Alert)

// Collector ingests samples, maintains the baseline, and raises
// alerts. All series live behind a single lock.
type Collector struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	modules     map[message.ModuleID]*series[resource.Usage]
	system      *series[resource.SystemUsage]
	perf        *series[PerfStats]
	baseline    *PerfStats
	warmup      []PerfStats
	alerts      []Alert
	onAlert     []AlertFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock overrides the collector's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// WithAlertFunc registers an alert callback.
func WithAlertFunc(fn AlertFunc) Option {
	return func(c *Collector) {
		if fn != nil {
			c.onAlert = append(c.onAlert, fn)
		}
	}
}

// NewCollector creates a telemetry collector.
func NewCollector(cfg Config, logger *slog.Logger, opts ...Option) *Collector {
	if cfg.AggregationInterval <= 0 {
		cfg.AggregationInterval = 30 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 720
	}
	if cfg.RegressionPercent <= 0 {
		cfg.RegressionPercent = 20
	}
	if cfg.BaselineWarmup <= 0 {
		cfg.BaselineWarmup = 12
	}
	if cfg.AlertHistory <= 0 {
		cfg.AlertHistory = 128
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		cfg:     cfg,
		logger:  logger.With("component", "telemetry"),
		now:     time.Now,
		modules: make(map[message.ModuleID]*series[resource.Usage]),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.system = newSeries[resource.SystemUsage](cfg.HistorySize, cfg.MaxAge)
	c.perf = newSeries[PerfStats](cfg.HistorySize, cfg.MaxAge)
	return c
}

// RecordModuleUsage ingests one per-module resource sample.
func (c *Collector) RecordModuleUsage(id message.ModuleID, usage resource.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.modules[id]
	if !ok {
		s = newSeries[resource.Usage](c.cfg.HistorySize, c.cfg.MaxAge)
		c.modules[id] = s
	}
	s.add(c.now(), usage)
}

// RecordSystemUsage ingests one system-wide snapshot.
func (c *Collector) RecordSystemUsage(usage resource.SystemUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.system.add(c.now(), usage)
}

// RecordPerf ingests one aggregate performance sample, establishes
// the baseline once the warmup window fills, and fires immediate
// threshold alerts.
func (c *Collector) RecordPerf(stats PerfStats) {
	now := c.now()

	c.mu.Lock()
	c.perf.add(now, stats)
	established := false
	if c.baseline == nil {
		c.warmup = append(c.warmup, stats)
		if len(c.warmup) >= c.cfg.BaselineWarmup {
			b := meanPerf(c.warmup)
			c.baseline = &b
			c.warmup = nil
			established = true
		}
	}
	c.mu.Unlock()

	if established {
		c.logger.Info("performance baseline established",
			"samples", c.cfg.BaselineWarmup)
	}
	c.checkThresholds(stats, now)
}

// Baseline returns the established baseline, or nil during warmup.
func (c *Collector) Baseline() *PerfStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseline == nil {
		return nil
	}
	b := *c.baseline
	return &b
}

// Alerts returns retained alerts, oldest first.
func (c *Collector) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// ModuleTrend returns a module's samples within the given window.
func (c *Collector) ModuleTrend(id message.ModuleID, window time.Duration) []Point[resource.Usage] {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.modules[id]
	if !ok {
		return nil
	}
	return s.since(c.now().Add(-window))
}

// SystemTrend returns system snapshots within the given window.
func (c *Collector) SystemTrend(window time.Duration) []Point[resource.SystemUsage] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.system.since(c.now().Add(-window))
}

// PerfTrend returns aggregate performance samples within the window.
func (c *Collector) PerfTrend(window time.Duration) []Point[PerfStats] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perf.since(c.now().Add(-window))
}

// Dashboard builds a point-in-time view of the telemetry state.
func (c *Collector) Dashboard() Dashboard {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := Dashboard{
		GeneratedAt:  c.now(),
		Modules:      make(map[message.ModuleID]resource.Usage, len(c.modules)),
		SampleCounts: make(map[string]int, len(c.modules)+2),
	}
	for id, s := range c.modules {
		if p, ok := s.latest(); ok {
			d.Modules[id] = p.Value
		}
		d.SampleCounts["module:"+string(id)] = s.len()
	}
	if p, ok := c.system.latest(); ok {
		d.System = p.Value
	}
	if p, ok := c.perf.latest(); ok {
		d.Perf = p.Value
	}
	d.SampleCounts["system"] = c.system.len()
	d.SampleCounts["perf"] = c.perf.len()
	if c.baseline != nil {
		b := *c.baseline
		d.Baseline = &b
	}

	n := len(c.alerts)
	recent := n
	if recent > 10 {
		recent = 10
	}
	d.RecentAlerts = make([]Alert, recent)
	copy(d.RecentAlerts, c.alerts[n-recent:])
	return d
}

// Start launches the regression-check loop.
func (c *Collector) Start(ctx context.Context) {
	go c.loop(ctx)
}

// Stop terminates the regression-check loop. Idempotent.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
	})
}

func (c *Collector) loop(ctx context.Context) {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.cfg.AggregationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.CheckRegressions()
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		}
	}
}

// CheckRegressions compares the latest perf sample against the
// baseline and raises warning alerts for degradations beyond the
// configured fraction. Called periodically by the loop and directly
// by tests.
func (c *Collector) CheckRegressions() {
	c.mu.Lock()
	baseline := c.baseline
	latest, ok := c.perf.latest()
	c.mu.Unlock()
	if baseline == nil || !ok {
		return
	}

	now := c.now()
	frac := c.cfg.RegressionPercent / 100

	if baseline.CPUPercent > 0 {
		growth := (latest.Value.CPUPercent - baseline.CPUPercent) / baseline.CPUPercent
		if growth > frac {
			c.raise(Alert{
				Level:     AlertWarning,
				Kind:      AlertCPURegression,
				Message:   fmt.Sprintf("cpu usage %.1f%% exceeds baseline %.1f%% by %.0f%%", latest.Value.CPUPercent, baseline.CPUPercent, growth*100),
				Value:     latest.Value.CPUPercent,
				Threshold: baseline.CPUPercent * (1 + frac),
				At:        now,
			})
		}
	}
	if baseline.MemoryBytes > 0 {
		growth := (float64(latest.Value.MemoryBytes) - float64(baseline.MemoryBytes)) / float64(baseline.MemoryBytes)
		if growth > frac {
			c.raise(Alert{
				Level:     AlertWarning,
				Kind:      AlertMemoryRegression,
				Message:   fmt.Sprintf("memory %d bytes exceeds baseline %d by %.0f%%", latest.Value.MemoryBytes, baseline.MemoryBytes, growth*100),
				Value:     float64(latest.Value.MemoryBytes),
				Threshold: float64(baseline.MemoryBytes) * (1 + frac),
				At:        now,
			})
		}
	}
	if baseline.Efficiency > 0 {
		drop := (baseline.Efficiency - latest.Value.Efficiency) / baseline.Efficiency
		if drop > frac {
			c.raise(Alert{
				Level:     AlertWarning,
				Kind:      AlertEfficiencyDrop,
				Message:   fmt.Sprintf("efficiency %.2f fell below baseline %.2f by %.0f%%", latest.Value.Efficiency, baseline.Efficiency, drop*100),
				Value:     latest.Value.Efficiency,
				Threshold: baseline.Efficiency * (1 - frac),
				At:        now,
			})
		}
	}
}

func (c *Collector) checkThresholds(stats PerfStats, now time.Time) {
	t := c.cfg.Thresholds
	if t.MaxCPUPercent > 0 && stats.CPUPercent > t.MaxCPUPercent {
		c.raise(Alert{
			Level:     AlertCritical,
			Kind:      AlertHighCPU,
			Message:   fmt.Sprintf("cpu usage %.1f%% above limit %.1f%%", stats.CPUPercent, t.MaxCPUPercent),
			Value:     stats.CPUPercent,
			Threshold: t.MaxCPUPercent,
			At:        now,
		})
	}
	if t.MaxMemoryBytes > 0 && stats.MemoryBytes > t.MaxMemoryBytes {
		c.raise(Alert{
			Level:     AlertCritical,
			Kind:      AlertHighMemory,
			Message:   fmt.Sprintf("memory %d bytes above limit %d", stats.MemoryBytes, t.MaxMemoryBytes),
			Value:     float64(stats.MemoryBytes),
			Threshold: float64(t.MaxMemoryBytes),
			At:        now,
		})
	}
	if t.MaxBatteryDrain > 0 && stats.BatteryDrain > t.MaxBatteryDrain {
		c.raise(Alert{
			Level:     AlertWarning,
			Kind:      AlertBatteryDrain,
			Message:   fmt.Sprintf("battery drain %.2f/h above limit %.2f/h", stats.BatteryDrain, t.MaxBatteryDrain),
			Value:     stats.BatteryDrain,
			Threshold: t.MaxBatteryDrain,
			At:        now,
		})
	}
	if t.MinHealthScore > 0 && stats.HealthScore > 0 && stats.HealthScore < t.MinHealthScore {
		c.raise(Alert{
			Level:     AlertCritical,
			Kind:      AlertLowHealth,
			Message:   fmt.Sprintf("system health score %.2f below minimum %.2f", stats.HealthScore, t.MinHealthScore),
			Value:     stats.HealthScore,
			Threshold: t.MinHealthScore,
			At:        now,
		})
	}
}

func (c *Collector) raise(a Alert) {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	if len(c.alerts) > c.cfg.AlertHistory {
		c.alerts = c.alerts[len(c.alerts)-c.cfg.AlertHistory:]
	}
	callbacks := make([]AlertFunc, len(c.onAlert))
	copy(callbacks, c.onAlert)
	c.mu.Unlock()

	c.logger.Warn("telemetry alert",
		"level", a.Level.String(),
		"kind", string(a.Kind),
		"message", a.Message)
	for _, fn := range callbacks {
		fn(a)
	}
}

func meanPerf(samples []PerfStats) PerfStats {
	var out PerfStats
	if len(samples) == 0 {
		return out
	}
	var mem float64
	for _, s := range samples {
		out.CPUPercent += s.CPUPercent
		mem += float64(s.MemoryBytes)
		out.BatteryDrain += s.BatteryDrain
		out.HealthScore += s.HealthScore
		out.Efficiency += s.Efficiency
	}
	n := float64(len(samples))
	out.CPUPercent /= n
	out.MemoryBytes = uint64(mem / n)
	out.BatteryDrain /= n
	out.HealthScore /= n
	out.Efficiency /= n
	return out
}
