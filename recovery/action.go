package recovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chreez/skelly-jelly-sub001/breaker"
	"github.com/chreez/skelly-jelly-sub001/errors"
	"github.com/chreez/skelly-jelly-sub001/message"
)

// EscalationLevel orders actions from fully automatic to
// service-level interventions.
type EscalationLevel int

const (
	LevelAutomatic EscalationLevel = iota
	LevelComponent
	LevelService
)

// String returns the lowercase level name.
func (l EscalationLevel) String() string {
	switch l {
	case LevelAutomatic:
		return "automatic"
	case LevelComponent:
		return "component"
	case LevelService:
		return "service"
	default:
		return "unknown"
	}
}

// Condition decides whether an action applies to an incident.
type Condition interface {
	Matches(inc *Incident) bool
}

// ConditionFunc adapts a function to the Condition interface.
type ConditionFunc func(inc *Incident) bool

func (f ConditionFunc) Matches(inc *Incident) bool {
	return f(inc)
}

// ErrorContains matches incidents whose error text contains substr,
// case-insensitively.
func ErrorContains(substr string) Condition {
	substr = strings.ToLower(substr)
	return ConditionFunc(func(inc *Incident) bool {
		return strings.Contains(strings.ToLower(inc.Error), substr)
	})
}

// ForModule matches incidents reported by the given module.
func ForModule(id message.ModuleID) Condition {
	return ConditionFunc(func(inc *Incident) bool {
		return inc.Module == id
	})
}

// TransientError matches incidents whose triggering error is
// classified transient.
func TransientError() Condition {
	return ConditionFunc(func(inc *Incident) bool {
		return errors.IsTransient(inc.Cause())
	})
}

// CircuitOpen matches when the named breaker is currently open.
func CircuitOpen(reg *breaker.Registry, name string) Condition {
	return ConditionFunc(func(*Incident) bool {
		return reg.Get(name).State() == breaker.StateOpen
	})
}

// ErrorRateTracker counts error reports per module inside a sliding
// window. The recovery system feeds it; ErrorRateAbove reads it.
type ErrorRateTracker struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	events map[message.ModuleID][]time.Time
}

// NewErrorRateTracker creates a tracker with the given window. A nil
// clock uses time.Now.
func NewErrorRateTracker(window time.Duration, now func() time.Time) *ErrorRateTracker {
	if now == nil {
		now = time.Now
	}
	return &ErrorRateTracker{
		window: window,
		now:    now,
		events: make(map[message.ModuleID][]time.Time),
	}
}

// Record notes one error for the module.
func (t *ErrorRateTracker) Record(id message.ModuleID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[id] = append(t.pruneLocked(id), t.now())
}

// Count returns how many errors the module reported inside the window.
func (t *ErrorRateTracker) Count(id message.ModuleID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	pruned := t.pruneLocked(id)
	t.events[id] = pruned
	return len(pruned)
}

func (t *ErrorRateTracker) pruneLocked(id message.ModuleID) []time.Time {
	cutoff := t.now().Add(-t.window)
	events := t.events[id]
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	return events[i:]
}

// ErrorRateAbove matches when the incident's module accumulated more
// than threshold errors inside the tracker's window.
func ErrorRateAbove(tracker *ErrorRateTracker, threshold int) Condition {
	return ConditionFunc(func(inc *Incident) bool {
		return tracker.Count(inc.Module) > threshold
	})
}

// ExecuteFunc performs the actual recovery work for an action.
type ExecuteFunc func(ctx context.Context, inc *Incident) error

// Action is a registered recovery action. All conditions must hold
// for the action to be selected.
type Action struct {
	Name          string
	Level         EscalationLevel
	Conditions    []Condition
	MaxExecutions int // 0 means unlimited
	Cooldown      time.Duration
	Execute       ExecuteFunc
}

// actionState is the runtime bookkeeping the system keeps per action.
type actionState struct {
	action     Action
	executions int
	lastRun    time.Time
}

// eligible reports whether the action may run against inc right now.
func (s *actionState) eligible(inc *Incident, now time.Time) bool {
	if s.action.MaxExecutions > 0 && s.executions >= s.action.MaxExecutions {
		return false
	}
	if s.action.Cooldown > 0 && !s.lastRun.IsZero() && now.Sub(s.lastRun) < s.action.Cooldown {
		return false
	}
	for _, cond := range s.action.Conditions {
		if !cond.Matches(inc) {
			return false
		}
	}
	return true
}
