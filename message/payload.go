package message

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chreez/skelly-jelly-sub001/errors"
)

// Payload is the data carried by an envelope. Every payload variant
// declares its Kind, validates its own fields, and serializes through
// the standard JSON interfaces so envelopes round-trip deterministically
// through the dead letter store.
//
// Example implementation:
//
//	type ModuleReadyPayload struct {
//	    Module message.ModuleID `json:"module"`
//	}
//
//	func (p *ModuleReadyPayload) Kind() message.Kind { return message.KindModuleReady }
//
//	func (p *ModuleReadyPayload) Validate() error {
//	    if !p.Module.IsValid() {
//	        return errors.New("module is required")
//	    }
//	    return nil
//	}
type Payload interface {
	// Kind returns the tagged-union discriminator for this variant.
	Kind() Kind

	// Validate checks the payload fields for correctness.
	Validate() error

	// JSON serialization using standard Go interfaces. The same payload
	// must always produce the same JSON output.
	json.Marshaler
	json.Unmarshaler
}

// payloadRegistry maps kinds to factories producing empty payloads for
// unmarshalling. Registration happens in init() below; the mutex only
// guards against late registrations from tests.
var (
	registryMu      sync.RWMutex
	payloadRegistry = map[Kind]func() Payload{}
)

// RegisterPayload registers a factory for a payload kind. Registering
// the same kind twice replaces the previous factory.
func RegisterPayload(kind Kind, factory func() Payload) {
	registryMu.Lock()
	defer registryMu.Unlock()
	payloadRegistry[kind] = factory
}

// NewPayload creates an empty payload of the given kind, or an error if
// the kind is not registered.
func NewPayload(kind Kind) (Payload, error) {
	registryMu.RLock()
	factory, ok := payloadRegistry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidMessage, "Payload", "NewPayload",
			fmt.Sprintf("unregistered payload kind: %s", kind))
	}
	return factory(), nil
}

func init() {
	RegisterPayload(KindRawEvent, func() Payload { return &RawEventPayload{} })
	RegisterPayload(KindErrorReport, func() Payload { return &ErrorReportPayload{} })
	RegisterPayload(KindConfigUpdate, func() Payload { return &ConfigUpdatePayload{} })
	RegisterPayload(KindModuleReady, func() Payload { return &ModuleReadyPayload{} })
	RegisterPayload(KindInterventionRequest, func() Payload { return &InterventionRequestPayload{} })
	RegisterPayload(KindInterventionResponse, func() Payload { return &InterventionResponsePayload{} })
	RegisterPayload(KindAnimationCommand, func() Payload { return &AnimationCommandPayload{} })
	RegisterPayload(KindShutdown, func() Payload { return &ShutdownPayload{} })
	RegisterPayload(KindHealthCheck, func() Payload { return &HealthCheckPayload{} })
	RegisterPayload(KindStateChange, func() Payload { return &StateChangePayload{} })
}
