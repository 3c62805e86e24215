// Package recovery matches registered recovery actions to reported
// incidents and executes them under cooldown and execution limits.
// Actions carry an escalation level; the system runs levels it is
// allowed to automate and escalates incidents whose only viable
// actions sit above that bar.
package recovery

import (
	"time"

	"github.com/chreez/skelly-jelly-sub001/message"
)

// IncidentStatus tracks an incident through its lifecycle.
type IncidentStatus string

const (
	IncidentDetected   IncidentStatus = "detected"
	IncidentRecovering IncidentStatus = "recovering"
	IncidentResolved   IncidentStatus = "resolved"
	IncidentEscalated  IncidentStatus = "escalated"
	IncidentFailed     IncidentStatus = "failed"
)

// ActionOutcome records one attempted action against an incident.
type ActionOutcome struct {
	Action     string        `json:"action"`
	Succeeded  bool          `json:"succeeded"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	ExecutedAt time.Time     `json:"executed_at"`
}

// Incident is one tracked failure report and the recovery attempts
// made against it.
type Incident struct {
	ID            string           `json:"id"`
	CorrelationID string           `json:"correlation_id"`
	Module        message.ModuleID `json:"module"`
	Error         string           `json:"error"`
	Description   string           `json:"description"`
	Status        IncidentStatus   `json:"status"`
	Actions       []ActionOutcome  `json:"actions"`
	DetectedAt    time.Time        `json:"detected_at"`
	ResolvedAt    time.Time        `json:"resolved_at,omitempty"`

	cause error
}

// Cause returns the original triggering error with its classification
// intact; Error holds only its text.
func (i *Incident) Cause() error {
	return i.cause
}
