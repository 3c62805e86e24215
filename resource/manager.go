package resource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chreez/skelly-jelly-sub001/config"
	"github.com/chreez/skelly-jelly-sub001/message"
)

// Violation records one limit breach with the usage that triggered it.
type Violation struct {
	Module    message.ModuleID `json:"module"`
	Dimension string           `json:"dimension"`
	Ratio     float64          `json:"ratio"`
	Usage     Usage            `json:"usage"`
	Action    ThrottleAction   `json:"action"`
	Reason    string           `json:"reason"`
	At        time.Time        `json:"at"`
}

// Recommendation is an optimization hint derived from observed usage.
type Recommendation struct {
	Module  message.ModuleID `json:"module"`
	Message string           `json:"message"`
}

// SampleFunc receives every periodic snapshot; the telemetry pipeline
// registers one.
type SampleFunc func(system SystemUsage, modules map[message.ModuleID]Usage)

// ManagerConfig tunes the resource manager.
type ManagerConfig struct {
	// SampleInterval is the monitoring loop period. Zero means 10s.
	SampleInterval time.Duration

	// Limits maps module ids to their declared budgets.
	Limits map[message.ModuleID]config.ResourceLimits

	// ViolationHistory bounds retained violations. Zero means 256.
	ViolationHistory int
}

// Manager runs the sampling loop, detects violations, and drives the
// throttler. Registries and history live behind its lock only.
type Manager struct {
	cfg       ManagerConfig
	reader    UsageReader
	throttler *Throttler
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	violations  []Violation
	lastSystem  SystemUsage
	lastModules map[message.ModuleID]Usage
	onSample    []SampleFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithReader injects the usage reader.
func WithReader(r UsageReader) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.reader = r
		}
	}
}

// WithClock overrides the manager's time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithThrottler injects a shared throttler.
func WithThrottler(t *Throttler) ManagerOption {
	return func(m *Manager) {
		if t != nil {
			m.throttler = t
		}
	}
}

// NewManager creates a resource manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 10 * time.Second
	}
	if cfg.ViolationHistory <= 0 {
		cfg.ViolationHistory = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:         cfg,
		reader:      NewRuntimeReader(),
		logger:      logger.With("component", "resource"),
		now:         time.Now,
		lastModules: make(map[message.ModuleID]Usage),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.throttler == nil {
		m.throttler = NewThrottler(0, 0, m.now)
	}
	return m
}

// Throttler returns the throttler modules consult.
func (m *Manager) Throttler() *Throttler {
	return m.throttler
}

// OnSample registers a callback invoked after every sampling pass.
func (m *Manager) OnSample(fn SampleFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSample = append(m.onSample, fn)
}

// Start launches the sampling loop.
func (m *Manager) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop terminates the sampling loop. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.doneCh
	})
}

// Sample performs one sampling pass immediately. Used by the loop and
// directly by tests.
func (m *Manager) Sample() {
	system, err := m.reader.System()
	if err != nil {
		m.logger.Warn("system usage sample failed", "error", err)
		return
	}

	modules := make(map[message.ModuleID]Usage, len(m.cfg.Limits))
	for id, limits := range m.cfg.Limits {
		usage, err := m.reader.Module(id)
		if err != nil {
			m.logger.Warn("module usage sample failed", "module", string(id), "error", err)
			continue
		}
		modules[id] = usage
		m.enforce(id, usage, limits)
	}

	m.mu.Lock()
	m.lastSystem = system
	m.lastModules = modules
	callbacks := make([]SampleFunc, len(m.onSample))
	copy(callbacks, m.onSample)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(system, modules)
	}
}

// System returns the most recent system snapshot.
func (m *Manager) System() SystemUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSystem
}

// Allocations returns the most recent per-module usage.
func (m *Manager) Allocations() map[message.ModuleID]Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[message.ModuleID]Usage, len(m.lastModules))
	for id, u := range m.lastModules {
		out[id] = u
	}
	return out
}

// Violations returns recorded limit breaches, oldest first.
func (m *Manager) Violations() []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Violation, len(m.violations))
	copy(out, m.violations)
	return out
}

// Recommendations derives optimization hints from retained violations.
func (m *Manager) Recommendations() []Recommendation {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[message.ModuleID]map[string]int)
	for _, v := range m.violations {
		if counts[v.Module] == nil {
			counts[v.Module] = make(map[string]int)
		}
		counts[v.Module][v.Dimension]++
	}

	var out []Recommendation
	for id, dims := range counts {
		for dim, n := range dims {
			if n < 3 {
				continue
			}
			out = append(out, Recommendation{
				Module: id,
				Message: fmt.Sprintf("repeated %s limit violations (%d); consider raising the budget or reducing %s load",
					dim, n, dim),
			})
		}
	}
	return out
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sample()
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

// enforce checks one module against its limits and applies the
// selected throttle action.
func (m *Manager) enforce(id message.ModuleID, usage Usage, limits config.ResourceLimits) {
	dimension, ratio := worstDimension(usage, limits)
	action := selectAction(ratio)
	if action.Kind == ActionNone {
		m.throttler.Apply(id, action) // restores full rate
		return
	}

	m.throttler.Apply(id, action)
	v := Violation{
		Module:    id,
		Dimension: dimension,
		Ratio:     ratio,
		Usage:     usage,
		Action:    action,
		Reason:    fmt.Sprintf("%s at %.0f%% of limit", dimension, ratio*100),
		At:        m.now(),
	}

	m.mu.Lock()
	m.violations = append(m.violations, v)
	if len(m.violations) > m.cfg.ViolationHistory {
		m.violations = m.violations[len(m.violations)-m.cfg.ViolationHistory:]
	}
	m.mu.Unlock()

	m.logger.Warn("resource limit violated",
		"module", string(id),
		"dimension", dimension,
		"ratio", fmt.Sprintf("%.2f", ratio),
		"action", action.String())
}

// worstDimension returns the dimension with the highest usage/limit
// ratio. Unset limits are skipped.
func worstDimension(usage Usage, limits config.ResourceLimits) (string, float64) {
	dimension := ""
	worst := 0.0
	check := func(name string, ratio float64) {
		if ratio > worst {
			dimension = name
			worst = ratio
		}
	}
	if limits.MaxCPUPercent > 0 {
		check("cpu", usage.CPUPercent/limits.MaxCPUPercent)
	}
	if limits.MaxMemoryBytes > 0 {
		check("memory", float64(usage.MemoryBytes)/float64(limits.MaxMemoryBytes))
	}
	if limits.MaxThreads > 0 {
		check("threads", float64(usage.Threads)/float64(limits.MaxThreads))
	}
	if limits.MaxFileHandles > 0 {
		check("file_handles", float64(usage.FileHandles)/float64(limits.MaxFileHandles))
	}
	return dimension, worst
}
