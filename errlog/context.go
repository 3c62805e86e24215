// Package errlog provides correlation-tracked error logging. Every
// bus operation funnels through StartOperation/Complete so one
// correlation id threads a logical operation across components.
// Messages are sanitized and length-capped before emission, and the
// logger keeps rolling statistics by severity, category, and module.
package errlog

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chreez/skelly-jelly-sub001/message"
)

// Severity orders log entries from Debug to Fatal.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
	SeverityFatal
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a config string to a Severity. Unknown strings
// map to SeverityInfo.
func ParseSeverity(s string) Severity {
	switch s {
	case "debug":
		return SeverityDebug
	case "info":
		return SeverityInfo
	case "warning", "warn":
		return SeverityWarning
	case "error":
		return SeverityError
	case "critical":
		return SeverityCritical
	case "fatal":
		return SeverityFatal
	default:
		return SeverityInfo
	}
}

// Category classifies the failure domain of an entry.
type Category string

const (
	CategoryNetwork       Category = "network"
	CategorySerialization Category = "serialization"
	CategoryConfiguration Category = "configuration"
	CategoryResource      Category = "resource"
	CategorySecurity      Category = "security"
	CategoryValidation    Category = "validation"
	CategoryIntegration   Category = "integration"
	CategoryPerformance   Category = "performance"
	CategoryUnknown       Category = "unknown"
)

// Context is one error log entry. Build it with NewContext and the
// With* methods, then pass it to Logger.Log.
type Context struct {
	CorrelationID string
	TraceID       string
	Module        message.ModuleID
	Operation     string
	Severity      Severity
	Category      Category
	Message       string
	Code          string
	Stack         string
	Duration      time.Duration
	Metadata      map[string]any
	Timestamp     time.Time
}

// NewContext creates an entry with a fresh correlation id.
func NewContext(module message.ModuleID, operation string, severity Severity, category Category, msg string) Context {
	return Context{
		CorrelationID: NewCorrelationID(),
		Module:        module,
		Operation:     operation,
		Severity:      severity,
		Category:      category,
		Message:       msg,
	}
}

// WithCorrelationID overrides the generated correlation id, linking
// this entry to an existing operation.
func (c Context) WithCorrelationID(id string) Context {
	c.CorrelationID = id
	return c
}

// WithTraceID attaches an external trace id.
func (c Context) WithTraceID(id string) Context {
	c.TraceID = id
	return c
}

// WithCode attaches a machine-readable error code.
func (c Context) WithCode(code string) Context {
	c.Code = code
	return c
}

// WithStack attaches a captured stack trace.
func (c Context) WithStack(stack string) Context {
	c.Stack = stack
	return c
}

// WithDuration records how long the failing operation ran.
func (c Context) WithDuration(d time.Duration) Context {
	c.Duration = d
	return c
}

// WithMetadata merges extra key/value pairs into the entry.
func (c Context) WithMetadata(kv map[string]any) Context {
	if c.Metadata == nil {
		c.Metadata = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		c.Metadata[k] = v
	}
	return c
}

// NewCorrelationID returns a sortable unique id for one logical
// operation.
func NewCorrelationID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return fmt.Sprintf("corr-%d", time.Now().UnixNano())
	}
	return id.String()
}
