package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chreez/skelly-jelly-sub001/errors"
)

// Envelope is the immutable unit of delivery on the bus. All fields are
// set during construction; the bus logically clones references per
// delivery but never mutates the envelope itself.
//
// Construction uses functional options:
//
//	// Normal-priority message (most common)
//	env := NewEnvelope(message.ModuleDataCapture, payload)
//
//	// Critical message with explicit timestamp (testing/replay)
//	env := NewEnvelope(source, payload,
//	    WithPriority(message.PriorityCritical),
//	    WithCreatedAt(pastTime))
type Envelope struct {
	id        string
	source    ModuleID
	payload   Payload
	priority  Priority
	createdAt time.Time
}

// EnvelopeOption configures envelope construction.
type EnvelopeOption func(*Envelope)

// WithPriority sets the delivery priority. The default is PriorityNormal.
func WithPriority(p Priority) EnvelopeOption {
	return func(e *Envelope) {
		e.priority = p
	}
}

// WithCreatedAt sets a specific creation timestamp instead of time.Now().
// Useful for dead letter replay and tests.
func WithCreatedAt(t time.Time) EnvelopeOption {
	return func(e *Envelope) {
		e.createdAt = t
	}
}

// WithID sets an explicit envelope id. Used when reconstructing an
// envelope from the dead letter store; new messages get a fresh uuid.
func WithID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.id = id
	}
}

// NewEnvelope creates an envelope from a source module and payload.
func NewEnvelope(source ModuleID, payload Payload, opts ...EnvelopeOption) *Envelope {
	e := &Envelope{
		id:        uuid.New().String(),
		source:    source,
		payload:   payload,
		priority:  PriorityNormal,
		createdAt: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ID returns the unique envelope identifier.
func (e *Envelope) ID() string {
	return e.id
}

// Source returns the publishing module's identity.
func (e *Envelope) Source() ModuleID {
	return e.source
}

// Payload returns the typed payload.
func (e *Envelope) Payload() Payload {
	return e.payload
}

// Kind returns the payload kind, or the empty kind for a nil payload.
func (e *Envelope) Kind() Kind {
	if e.payload == nil {
		return ""
	}
	return e.payload.Kind()
}

// Priority returns the delivery priority class.
func (e *Envelope) Priority() Priority {
	return e.priority
}

// CreatedAt returns the envelope creation time.
func (e *Envelope) CreatedAt() time.Time {
	return e.createdAt
}

// Validate checks the envelope and its payload for correctness.
func (e *Envelope) Validate() error {
	if e.id == "" {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "Envelope", "Validate", "id cannot be empty")
	}
	if !e.source.IsValid() {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "Envelope", "Validate", "source module is required")
	}
	if !e.priority.IsValid() {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "Envelope", "Validate",
			fmt.Sprintf("invalid priority: %d", e.priority))
	}
	if e.payload == nil {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "Envelope", "Validate", "payload cannot be nil")
	}
	if err := e.payload.Validate(); err != nil {
		return errors.WrapInvalid(err, "Envelope", "Validate", "invalid payload")
	}
	return nil
}

// envelopeWire is the JSON wire format. Public fields allow marshalling
// even though Envelope keeps its fields private for immutability.
type envelopeWire struct {
	ID        string          `json:"id"`
	Source    ModuleID        `json:"source"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Priority  Priority        `json:"priority"`
	CreatedAt int64           `json:"created_at"`
}

// MarshalJSON implements json.Marshaler.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	if e.payload == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidMessage, "Envelope", "MarshalJSON", "payload cannot be nil")
	}
	payloadData, err := e.payload.MarshalJSON()
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "MarshalJSON", "failed to marshal payload")
	}
	return json.Marshal(envelopeWire{
		ID:        e.id,
		Source:    e.source,
		Kind:      e.payload.Kind(),
		Payload:   json.RawMessage(payloadData),
		Priority:  e.priority,
		CreatedAt: e.createdAt.UnixMilli(),
	})
}

// UnmarshalJSON implements json.Unmarshaler. The payload kind must be
// registered through RegisterPayload.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.WrapInvalid(err, "Envelope", "UnmarshalJSON", "failed to unmarshal wire format")
	}

	payload, err := NewPayload(wire.Kind)
	if err != nil {
		return errors.WrapInvalid(err, "Envelope", "UnmarshalJSON", "payload kind lookup")
	}
	if err := payload.UnmarshalJSON(wire.Payload); err != nil {
		return errors.WrapInvalid(err, "Envelope", "UnmarshalJSON", "failed to unmarshal payload")
	}

	e.id = wire.ID
	e.source = wire.Source
	e.payload = payload
	e.priority = wire.Priority
	e.createdAt = time.UnixMilli(wire.CreatedAt)
	return nil
}
