// Package telemetry collects per-module and system performance samples
// into bounded time series, tracks a baseline, and raises alerts on
// threshold breaches and regressions against that baseline.
package telemetry

import (
	"fmt"
	"time"

	"github.com/chreez/skelly-jelly-sub001/message"
	"github.com/chreez/skelly-jelly-sub001/resource"
)

// PerfStats is an aggregate performance sample for the whole process.
type PerfStats struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemoryBytes  uint64  `json:"memory_bytes"`
	BatteryDrain float64 `json:"battery_drain"` // fraction per hour, 0 when unknown
	HealthScore  float64 `json:"health_score"`  // 0..1
	Efficiency   float64 `json:"efficiency"`    // useful work per cpu unit, caller-defined
}

// AlertLevel orders alert severities.
type AlertLevel int

const (
	AlertWarning AlertLevel = iota
	AlertCritical
)

func (l AlertLevel) String() string {
	switch l {
	case AlertWarning:
		return "warning"
	case AlertCritical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// AlertKind names the condition that raised an alert.
type AlertKind string

const (
	AlertHighCPU          AlertKind = "high_cpu"
	AlertHighMemory       AlertKind = "high_memory"
	AlertBatteryDrain     AlertKind = "battery_drain"
	AlertLowHealth        AlertKind = "low_health"
	AlertCPURegression    AlertKind = "cpu_regression"
	AlertMemoryRegression AlertKind = "memory_regression"
	AlertEfficiencyDrop   AlertKind = "efficiency_drop"
)

// Alert describes one raised condition.
type Alert struct {
	Level     AlertLevel       `json:"level"`
	Kind      AlertKind        `json:"kind"`
	Module    message.ModuleID `json:"module,omitempty"`
	Message   string           `json:"message"`
	Value     float64          `json:"value"`
	Threshold float64          `json:"threshold"`
	At        time.Time        `json:"at"`
}

// Thresholds configures immediate alerting. Zero values disable the
// corresponding check, except MinHealthScore which is only checked
// when a nonzero health score has been sampled.
type Thresholds struct {
	MaxCPUPercent   float64 `json:"max_cpu_percent"`
	MaxMemoryBytes  uint64  `json:"max_memory_bytes"`
	MaxBatteryDrain float64 `json:"max_battery_drain"`
	MinHealthScore  float64 `json:"min_health_score"`
}

// Dashboard is a point-in-time view of the telemetry state.
type Dashboard struct {
	GeneratedAt  time.Time                            `json:"generated_at"`
	System       resource.SystemUsage                 `json:"system"`
	Modules      map[message.ModuleID]resource.Usage  `json:"modules"`
	Perf         PerfStats                            `json:"perf"`
	Baseline     *PerfStats                           `json:"baseline,omitempty"`
	RecentAlerts []Alert                              `json:"recent_alerts"`
	SampleCounts map[string]int                       `json:"sample_counts"`
}
