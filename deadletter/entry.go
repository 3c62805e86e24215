// Package deadletter stores messages that exhausted their delivery
// retries. Entries are kept in an embedded BadgerDB so they survive a
// process restart; an in-memory mode backs tests and ephemeral runs.
// Entries stay queued until a replay succeeds, they are explicitly
// removed, or they age out.
package deadletter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chreez/skelly-jelly-sub001/message"
)

// ReasonKind discriminates why a message was dead-lettered.
type ReasonKind string

const (
	ReasonMaxRetriesExceeded ReasonKind = "max_retries_exceeded"
	ReasonDeliveryTimeout    ReasonKind = "delivery_timeout"
	ReasonSystemError        ReasonKind = "system_error"
)

// Reason records why a message landed in the queue. Only the field
// matching Kind carries data.
type Reason struct {
	Kind     ReasonKind    `json:"kind"`
	Attempts int           `json:"attempts,omitempty"` // max_retries_exceeded
	Timeout  time.Duration `json:"timeout,omitempty"`  // delivery_timeout
	Detail   string        `json:"detail,omitempty"`   // system_error
}

// MaxRetriesExceeded builds the reason for a message that ran out of
// delivery attempts.
func MaxRetriesExceeded(attempts int) Reason {
	return Reason{Kind: ReasonMaxRetriesExceeded, Attempts: attempts}
}

// DeliveryTimeout builds the reason for a reliable delivery that timed out.
func DeliveryTimeout(timeout time.Duration) Reason {
	return Reason{Kind: ReasonDeliveryTimeout, Timeout: timeout}
}

// SystemError builds the reason for an internal failure on the
// delivery path.
func SystemError(detail string) Reason {
	return Reason{Kind: ReasonSystemError, Detail: detail}
}

// String renders the reason with its variant data.
func (r Reason) String() string {
	switch r.Kind {
	case ReasonMaxRetriesExceeded:
		return fmt.Sprintf("max retries exceeded after %d attempts", r.Attempts)
	case ReasonDeliveryTimeout:
		return fmt.Sprintf("delivery timed out after %s", r.Timeout)
	case ReasonSystemError:
		return fmt.Sprintf("system error: %s", r.Detail)
	default:
		return string(r.Kind)
	}
}

// Entry is one dead-lettered message with its failure context.
// RetryCount never decreases; replay failures only add detail.
type Entry struct {
	ID              string             `json:"id"`
	Message         *message.Envelope  `json:"message"`
	Reason          Reason             `json:"reason"`
	RetryCount      int                `json:"retry_count"`
	Recipients      []message.ModuleID `json:"recipients,omitempty"`
	ErrorDetail     string             `json:"error_detail,omitempty"`
	CorrelationID   string             `json:"correlation_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	MarkedForReplay bool               `json:"marked_for_replay"`
	ReplayAttempts  int                `json:"replay_attempts,omitempty"`
	LastReplayError string             `json:"last_replay_error,omitempty"`
	LastReplayAt    time.Time          `json:"last_replay_at,omitempty"`
}

func (e *Entry) encode() ([]byte, error) {
	return json.Marshal(e)
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Filter selects entries for listing, marking, and replay. Zero-value
// fields match everything.
type Filter struct {
	CorrelationID string
	ReasonKind    ReasonKind
	Source        message.ModuleID
	Since         time.Time
	Until         time.Time
	MarkedOnly    bool
}

// Matches reports whether the entry passes every set criterion.
func (f Filter) Matches(e *Entry) bool {
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if f.ReasonKind != "" && e.Reason.Kind != f.ReasonKind {
		return false
	}
	if f.Source != "" && (e.Message == nil || e.Message.Source() != f.Source) {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
		return false
	}
	if f.MarkedOnly && !e.MarkedForReplay {
		return false
	}
	return true
}
