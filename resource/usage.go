// Package resource samples per-module and system resource usage on a
// fixed interval, compares it against declared limits, and applies
// throttle actions whose severity grows monotonically with the
// violation ratio.
package resource

import (
	"runtime"
	"time"

	"github.com/chreez/skelly-jelly-sub001/message"
)

// Usage is one module's resource consumption at a sample instant.
type Usage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Threads     int     `json:"threads"`
	FileHandles int     `json:"file_handles"`
}

// SystemUsage is the process-wide view.
type SystemUsage struct {
	CPUPercent   float64   `json:"cpu_percent"`
	MemoryBytes  uint64    `json:"memory_bytes"`
	Goroutines   int       `json:"goroutines"`
	HeapObjects  uint64    `json:"heap_objects"`
	GCPauseTotal uint64    `json:"gc_pause_total_ns"`
	SampledAt    time.Time `json:"sampled_at"`
}

// UsageReader supplies samples to the manager. The production reader
// measures the process; tests inject scripted values.
type UsageReader interface {
	System() (SystemUsage, error)
	Module(id message.ModuleID) (Usage, error)
}

// runtimeReader reads process-wide usage from the Go runtime. It has
// no per-module attribution; callers wanting that inject their own
// reader.
type runtimeReader struct{}

// NewRuntimeReader returns the default process-level usage reader.
func NewRuntimeReader() UsageReader {
	return runtimeReader{}
}

func (runtimeReader) System() (SystemUsage, error) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return SystemUsage{
		MemoryBytes:  stats.Alloc,
		Goroutines:   runtime.NumGoroutine(),
		HeapObjects:  stats.HeapObjects,
		GCPauseTotal: stats.PauseTotalNs,
		SampledAt:    time.Now(),
	}, nil
}

func (runtimeReader) Module(message.ModuleID) (Usage, error) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return Usage{
		MemoryBytes: stats.Alloc,
		Threads:     runtime.NumGoroutine(),
	}, nil
}
