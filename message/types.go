package message

// ModuleID identifies a registered application module. Module identities
// are stable strings so they can appear in filters, metrics labels, and
// persisted dead letter entries without translation.
type ModuleID string

// Known module identities. Modules outside this set may still publish
// and subscribe; these constants exist so the common participants are
// spelled consistently across packages.
const (
	ModuleOrchestrator   ModuleID = "orchestrator"
	ModuleEventBus       ModuleID = "event-bus"
	ModuleDataCapture    ModuleID = "data-capture"
	ModuleStorage        ModuleID = "storage"
	ModuleAnalysisEngine ModuleID = "analysis-engine"
	ModuleGamification   ModuleID = "gamification"
	ModuleAIIntegration  ModuleID = "ai-integration"
	ModuleFigurine       ModuleID = "cute-figurine"
)

// String returns the module identity as a plain string.
func (m ModuleID) String() string {
	return string(m)
}

// IsValid reports whether the module identity is non-empty.
func (m ModuleID) IsValid() bool {
	return m != ""
}

// Priority classifies how urgently an envelope should be delivered.
// Higher priorities are never reordered ahead of earlier messages on
// the same subscription; priority influences drop decisions and
// resource throttling, not per-subscription ordering.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// IsValid reports whether the priority is one of the defined classes.
func (p Priority) IsValid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Kind names a payload variant in the tagged union. Kinds are stable
// wire identifiers; renaming one breaks persisted dead letter entries.
type Kind string

const (
	KindRawEvent             Kind = "raw_event"
	KindErrorReport          Kind = "error_report"
	KindConfigUpdate         Kind = "config_update"
	KindModuleReady          Kind = "module_ready"
	KindInterventionRequest  Kind = "intervention_request"
	KindInterventionResponse Kind = "intervention_response"
	KindAnimationCommand     Kind = "animation_command"
	KindShutdown             Kind = "shutdown"
	KindHealthCheck          Kind = "health_check"
	KindStateChange          Kind = "state_change"
)

// String returns the kind as a plain string.
func (k Kind) String() string {
	return string(k)
}
