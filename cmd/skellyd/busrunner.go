package main

import (
	"context"
	"fmt"
	"time"

	"github.com/chreez/skelly-jelly-sub001/breaker"
	"github.com/chreez/skelly-jelly-sub001/bus"
	"github.com/chreez/skelly-jelly-sub001/health"
	"github.com/chreez/skelly-jelly-sub001/message"
)

// busRunner adapts the enhanced bus to the module lifecycle so the bus
// shows up in system health like every other module. The bus itself is
// started by setupInfrastructure; the runner only reports on it.
type busRunner struct {
	b *bus.EnhancedBus
}

func newBusRunner(b *bus.EnhancedBus) *busRunner {
	return &busRunner{b: b}
}

func (r *busRunner) Initialize() error { return nil }

func (r *busRunner) Start(_ context.Context) error { return nil }

func (r *busRunner) Stop(_ time.Duration) error { return nil }

// Health degrades when any publish breaker is open and reports dead
// letter backlog alongside.
func (r *busRunner) Health() health.Status {
	open := 0
	for _, stats := range r.b.Breakers().AllStats() {
		if stats.State == breaker.StateOpen {
			open++
		}
	}
	if open > 0 {
		return health.NewDegraded(string(message.ModuleEventBus),
			fmt.Sprintf("%d circuit breaker(s) open", open))
	}
	return health.NewHealthy(string(message.ModuleEventBus), "bus operational")
}
