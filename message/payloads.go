package message

import (
	"encoding/json"
	"time"

	"github.com/chreez/skelly-jelly-sub001/errors"
)

// RawEventPayload carries a captured input event from the data capture
// module. Data is opaque to the bus; only the analysis engine interprets it.
type RawEventPayload struct {
	EventType string          `json:"event_type"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (p *RawEventPayload) Kind() Kind { return KindRawEvent }

func (p *RawEventPayload) Validate() error {
	if p.EventType == "" {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "RawEventPayload", "Validate", "event_type is required")
	}
	return nil
}

func (p *RawEventPayload) MarshalJSON() ([]byte, error) {
	type alias RawEventPayload
	return json.Marshal((*alias)(p))
}

func (p *RawEventPayload) UnmarshalJSON(data []byte) error {
	type alias RawEventPayload
	return json.Unmarshal(data, (*alias)(p))
}

// ErrorReportPayload publishes a module failure onto the bus so the
// recovery manager and error logger observe it.
type ErrorReportPayload struct {
	Module        ModuleID `json:"module"`
	Severity      string   `json:"severity"`
	Category      string   `json:"category,omitempty"`
	Message       string   `json:"message"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

func (p *ErrorReportPayload) Kind() Kind { return KindErrorReport }

func (p *ErrorReportPayload) Validate() error {
	if !p.Module.IsValid() {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "ErrorReportPayload", "Validate", "module is required")
	}
	if p.Message == "" {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "ErrorReportPayload", "Validate", "message is required")
	}
	return nil
}

func (p *ErrorReportPayload) MarshalJSON() ([]byte, error) {
	type alias ErrorReportPayload
	return json.Marshal((*alias)(p))
}

func (p *ErrorReportPayload) UnmarshalJSON(data []byte) error {
	type alias ErrorReportPayload
	return json.Unmarshal(data, (*alias)(p))
}

// ConfigUpdatePayload pushes new settings to a target module. An empty
// target means the update is addressed to every subscriber.
type ConfigUpdatePayload struct {
	Target   ModuleID       `json:"target,omitempty"`
	Settings map[string]any `json:"settings"`
}

func (p *ConfigUpdatePayload) Kind() Kind { return KindConfigUpdate }

func (p *ConfigUpdatePayload) Validate() error {
	if len(p.Settings) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "ConfigUpdatePayload", "Validate", "settings cannot be empty")
	}
	return nil
}

func (p *ConfigUpdatePayload) MarshalJSON() ([]byte, error) {
	type alias ConfigUpdatePayload
	return json.Marshal((*alias)(p))
}

func (p *ConfigUpdatePayload) UnmarshalJSON(data []byte) error {
	type alias ConfigUpdatePayload
	return json.Unmarshal(data, (*alias)(p))
}

// ModuleReadyPayload announces that a module finished initialization and
// is accepting traffic. The startup sequencer gates dependents on it.
type ModuleReadyPayload struct {
	Module  ModuleID `json:"module"`
	Version string   `json:"version,omitempty"`
}

func (p *ModuleReadyPayload) Kind() Kind { return KindModuleReady }

func (p *ModuleReadyPayload) Validate() error {
	if !p.Module.IsValid() {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "ModuleReadyPayload", "Validate", "module is required")
	}
	return nil
}

func (p *ModuleReadyPayload) MarshalJSON() ([]byte, error) {
	type alias ModuleReadyPayload
	return json.Marshal((*alias)(p))
}

func (p *ModuleReadyPayload) UnmarshalJSON(data []byte) error {
	type alias ModuleReadyPayload
	return json.Unmarshal(data, (*alias)(p))
}

// InterventionRequestPayload asks the AI integration module to produce
// an intervention for the user. RequestID correlates the response.
type InterventionRequestPayload struct {
	RequestID string         `json:"request_id"`
	Trigger   string         `json:"trigger"`
	Context   map[string]any `json:"context,omitempty"`
}

func (p *InterventionRequestPayload) Kind() Kind { return KindInterventionRequest }

func (p *InterventionRequestPayload) Validate() error {
	if p.RequestID == "" {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "InterventionRequestPayload", "Validate", "request_id is required")
	}
	if p.Trigger == "" {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "InterventionRequestPayload", "Validate", "trigger is required")
	}
	return nil
}

func (p *InterventionRequestPayload) MarshalJSON() ([]byte, error) {
	type alias InterventionRequestPayload
	return json.Marshal((*alias)(p))
}

func (p *InterventionRequestPayload) UnmarshalJSON(data []byte) error {
	type alias InterventionRequestPayload
	return json.Unmarshal(data, (*alias)(p))
}

// InterventionResponsePayload carries the produced intervention back to
// whichever module requested it.
type InterventionResponsePayload struct {
	RequestID string `json:"request_id"`
	Accepted  bool   `json:"accepted"`
	Text      string `json:"text,omitempty"`
}

func (p *InterventionResponsePayload) Kind() Kind { return KindInterventionResponse }

func (p *InterventionResponsePayload) Validate() error {
	if p.RequestID == "" {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "InterventionResponsePayload", "Validate", "request_id is required")
	}
	return nil
}

func (p *InterventionResponsePayload) MarshalJSON() ([]byte, error) {
	type alias InterventionResponsePayload
	return json.Marshal((*alias)(p))
}

func (p *InterventionResponsePayload) UnmarshalJSON(data []byte) error {
	type alias InterventionResponsePayload
	return json.Unmarshal(data, (*alias)(p))
}

// AnimationCommandPayload drives the companion figurine's animation state.
type AnimationCommandPayload struct {
	Command  string         `json:"command"`
	Params   map[string]any `json:"params,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
}

func (p *AnimationCommandPayload) Kind() Kind { return KindAnimationCommand }

func (p *AnimationCommandPayload) Validate() error {
	if p.Command == "" {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "AnimationCommandPayload", "Validate", "command is required")
	}
	if p.Duration < 0 {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "AnimationCommandPayload", "Validate", "duration cannot be negative")
	}
	return nil
}

func (p *AnimationCommandPayload) MarshalJSON() ([]byte, error) {
	type alias AnimationCommandPayload
	return json.Marshal((*alias)(p))
}

func (p *AnimationCommandPayload) UnmarshalJSON(data []byte) error {
	type alias AnimationCommandPayload
	return json.Unmarshal(data, (*alias)(p))
}

// ShutdownPayload requests orderly shutdown of a module or the whole
// application when Target is empty.
type ShutdownPayload struct {
	Target ModuleID      `json:"target,omitempty"`
	Reason string        `json:"reason,omitempty"`
	Grace  time.Duration `json:"grace,omitempty"`
}

func (p *ShutdownPayload) Kind() Kind { return KindShutdown }

func (p *ShutdownPayload) Validate() error {
	if p.Grace < 0 {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "ShutdownPayload", "Validate", "grace cannot be negative")
	}
	return nil
}

func (p *ShutdownPayload) MarshalJSON() ([]byte, error) {
	type alias ShutdownPayload
	return json.Marshal((*alias)(p))
}

func (p *ShutdownPayload) UnmarshalJSON(data []byte) error {
	type alias ShutdownPayload
	return json.Unmarshal(data, (*alias)(p))
}

// HealthCheckPayload probes a module (or all modules when Target is
// empty) for liveness. Responders publish a StateChange in reply.
type HealthCheckPayload struct {
	Target ModuleID `json:"target,omitempty"`
}

func (p *HealthCheckPayload) Kind() Kind { return KindHealthCheck }

func (p *HealthCheckPayload) Validate() error { return nil }

func (p *HealthCheckPayload) MarshalJSON() ([]byte, error) {
	type alias HealthCheckPayload
	return json.Marshal((*alias)(p))
}

func (p *HealthCheckPayload) UnmarshalJSON(data []byte) error {
	type alias HealthCheckPayload
	return json.Unmarshal(data, (*alias)(p))
}

// StateChangePayload reports a module lifecycle transition.
type StateChangePayload struct {
	Module ModuleID `json:"module"`
	From   string   `json:"from"`
	To     string   `json:"to"`
	Reason string   `json:"reason,omitempty"`
}

func (p *StateChangePayload) Kind() Kind { return KindStateChange }

func (p *StateChangePayload) Validate() error {
	if !p.Module.IsValid() {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "StateChangePayload", "Validate", "module is required")
	}
	if p.To == "" {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "StateChangePayload", "Validate", "to state is required")
	}
	return nil
}

func (p *StateChangePayload) MarshalJSON() ([]byte, error) {
	type alias StateChangePayload
	return json.Marshal((*alias)(p))
}

func (p *StateChangePayload) UnmarshalJSON(data []byte) error {
	type alias StateChangePayload
	return json.Unmarshal(data, (*alias)(p))
}
