package resource

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chreez/skelly-jelly-sub001/message"
)

// ActionKind discriminates throttle actions, ordered by severity.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionReduceFrequency
	ActionLimitConcurrency
	ActionPauseProcessing
)

// String returns the action name.
func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionReduceFrequency:
		return "reduce_frequency"
	case ActionLimitConcurrency:
		return "limit_concurrency"
	case ActionPauseProcessing:
		return "pause_processing"
	default:
		return "unknown"
	}
}

// ThrottleAction is the corrective measure selected for a limit
// violation. Only the fields matching Kind carry data.
type ThrottleAction struct {
	Kind     ActionKind    `json:"kind"`
	Factor   float64       `json:"factor,omitempty"`    // reduce_frequency
	MaxTasks int           `json:"max_tasks,omitempty"` // limit_concurrency
	Duration time.Duration `json:"duration,omitempty"`  // pause_processing
}

// String renders the action with its parameters.
func (a ThrottleAction) String() string {
	switch a.Kind {
	case ActionReduceFrequency:
		return fmt.Sprintf("reduce_frequency(factor=%.2f)", a.Factor)
	case ActionLimitConcurrency:
		return fmt.Sprintf("limit_concurrency(max_tasks=%d)", a.MaxTasks)
	case ActionPauseProcessing:
		return fmt.Sprintf("pause_processing(%s)", a.Duration)
	default:
		return a.Kind.String()
	}
}

// Severity-ratio bands. The selection is monotonic: a larger ratio
// never yields a milder action.
const (
	mildRatio     = 1.0
	moderateRatio = 1.5
	severeRatio   = 2.0
)

// selectAction maps a violation ratio to a throttle action.
func selectAction(ratio float64) ThrottleAction {
	switch {
	case ratio >= severeRatio:
		return ThrottleAction{Kind: ActionPauseProcessing, Duration: 30 * time.Second}
	case ratio >= moderateRatio:
		return ThrottleAction{Kind: ActionLimitConcurrency, MaxTasks: 2}
	case ratio >= mildRatio:
		// Scale the slowdown with the overshoot.
		return ThrottleAction{Kind: ActionReduceFrequency, Factor: ratio}
	default:
		return ThrottleAction{Kind: ActionNone}
	}
}

// Throttler enforces reduce-frequency actions through per-module rate
// limiters that producing modules consult before doing work.
type Throttler struct {
	mu       sync.Mutex
	baseRate rate.Limit
	burst    int
	limiters map[message.ModuleID]*rate.Limiter
	paused   map[message.ModuleID]time.Time
	now      func() time.Time
}

// NewThrottler creates a throttler whose unthrottled modules operate
// at baseRate events/sec.
func NewThrottler(baseRate float64, burst int, now func() time.Time) *Throttler {
	if baseRate <= 0 {
		baseRate = 100
	}
	if burst <= 0 {
		burst = int(baseRate)
	}
	if now == nil {
		now = time.Now
	}
	return &Throttler{
		baseRate: rate.Limit(baseRate),
		burst:    burst,
		limiters: make(map[message.ModuleID]*rate.Limiter),
		paused:   make(map[message.ModuleID]time.Time),
		now:      now,
	}
}

// Allow reports whether the module may perform one unit of work now.
func (t *Throttler) Allow(id message.ModuleID) bool {
	t.mu.Lock()
	until, isPaused := t.paused[id]
	if isPaused {
		if t.now().Before(until) {
			t.mu.Unlock()
			return false
		}
		delete(t.paused, id)
	}
	lim := t.limiterLocked(id)
	t.mu.Unlock()
	return lim.Allow()
}

// Apply puts a throttle action into effect for the module.
func (t *Throttler) Apply(id message.ModuleID, action ThrottleAction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch action.Kind {
	case ActionReduceFrequency:
		reduced := t.baseRate / rate.Limit(action.Factor)
		t.limiterLocked(id).SetLimit(reduced)
	case ActionLimitConcurrency:
		lim := t.limiterLocked(id)
		lim.SetLimit(t.baseRate / 2)
		lim.SetBurst(action.MaxTasks)
	case ActionPauseProcessing:
		t.paused[id] = t.now().Add(action.Duration)
	case ActionNone:
		lim := t.limiterLocked(id)
		lim.SetLimit(t.baseRate)
		lim.SetBurst(t.burst)
		delete(t.paused, id)
	}
}

func (t *Throttler) limiterLocked(id message.ModuleID) *rate.Limiter {
	lim, ok := t.limiters[id]
	if !ok {
		lim = rate.NewLimiter(t.baseRate, t.burst)
		t.limiters[id] = lim
	}
	return lim
}
