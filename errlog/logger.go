package errlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chreez/skelly-jelly-sub001/health"
	"github.com/chreez/skelly-jelly-sub001/message"
	"github.com/chreez/skelly-jelly-sub001/metric"
)

// Format selects the output rendering.
type Format string

const (
	FormatStructured Format = "structured" // one JSON object per entry
	FormatHuman      Format = "human"      // single readable line
	FormatKeyValue   Format = "keyvalue"   // logfmt-style key=value pairs
)

const truncationMarker = "..."

// Config tunes the logger.
type Config struct {
	// MinSeverity drops entries below this level.
	MinSeverity Severity

	// Format selects structured, human, or keyvalue output.
	Format Format

	// MaxMessageLength caps messages after sanitization; longer ones
	// are cut with a trailing marker. Zero means 1024.
	MaxMessageLength int

	// TopMessages bounds the top-N message list in statistics. Zero
	// means 10.
	TopMessages int

	// Output receives rendered entries. Nil means stderr.
	Output io.Writer
}

// Logger renders sanitized error contexts and keeps rolling
// statistics. Safe for concurrent use.
type Logger struct {
	cfg     Config
	slogger *slog.Logger
	out     io.Writer
	outMu   sync.Mutex
	stats   *statsTracker
	metrics *metric.Metrics
	now     func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithMetrics counts logged errors per module and category.
func WithMetrics(m *metric.Metrics) Option {
	return func(l *Logger) {
		l.metrics = m
	}
}

// WithClock overrides the logger's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Logger with the given configuration.
func New(cfg Config, opts ...Option) *Logger {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 1024
	}
	if cfg.Format == "" {
		cfg.Format = FormatStructured
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	l := &Logger{
		cfg:   cfg,
		out:   out,
		stats: newStatsTracker(cfg.TopMessages),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	handlerOpts := &slog.HandlerOptions{Level: slog.LevelDebug}
	switch cfg.Format {
	case FormatKeyValue:
		l.slogger = slog.New(slog.NewTextHandler(out, handlerOpts))
	case FormatStructured:
		l.slogger = slog.New(slog.NewJSONHandler(out, handlerOpts))
	default:
		l.slogger = nil // human format renders directly
	}
	return l
}

// Log records one entry. Entries below the configured minimum
// severity are dropped (counted, not rendered).
func (l *Logger) Log(c Context) {
	if c.Severity < l.cfg.MinSeverity {
		l.stats.recordDropped()
		return
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = l.now()
	}
	c.Message = l.sanitize(c.Message)

	l.stats.recordLogged(c)
	if l.metrics != nil {
		l.metrics.RecordError(string(c.Module), string(c.Category))
	}
	l.emit(c)
}

// Statistics returns a snapshot of the rolling counters.
func (l *Logger) Statistics() Statistics {
	return l.stats.snapshot()
}

// sanitize redacts sensitive substrings and caps the length.
func (l *Logger) sanitize(msg string) string {
	msg = health.SanitizeMessage(msg)
	if len(msg) > l.cfg.MaxMessageLength {
		cut := l.cfg.MaxMessageLength - len(truncationMarker)
		if cut < 0 {
			cut = 0
		}
		// Back off to a rune boundary so the cut never splits a
		// multi-byte character.
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + truncationMarker
	}
	return msg
}

func (l *Logger) emit(c Context) {
	if l.cfg.Format == FormatHuman {
		l.emitHuman(c)
		return
	}

	attrs := []any{
		"severity", c.Severity.String(),
		"category", string(c.Category),
		"correlation_id", c.CorrelationID,
	}
	if c.Module != "" {
		attrs = append(attrs, "module", string(c.Module))
	}
	if c.Operation != "" {
		attrs = append(attrs, "operation", c.Operation)
	}
	if c.TraceID != "" {
		attrs = append(attrs, "trace_id", c.TraceID)
	}
	if c.Code != "" {
		attrs = append(attrs, "code", c.Code)
	}
	if c.Duration > 0 {
		attrs = append(attrs, "duration", c.Duration.String())
	}
	for k, v := range c.Metadata {
		attrs = append(attrs, "meta_"+k, v)
	}
	if c.Stack != "" {
		attrs = append(attrs, "stack", c.Stack)
	}

	l.slogger.Log(context.Background(), slogLevel(c.Severity), c.Message, attrs...)
}

func (l *Logger) emitHuman(c Context) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s",
		c.Timestamp.Format("2006-01-02 15:04:05.000"),
		strings.ToUpper(c.Severity.String()),
		c.Message)
	if c.Module != "" || c.Operation != "" {
		fmt.Fprintf(&b, " (%s/%s)", c.Module, c.Operation)
	}
	fmt.Fprintf(&b, " corr=%s cat=%s", c.CorrelationID, c.Category)
	if c.Duration > 0 {
		fmt.Fprintf(&b, " took=%s", c.Duration)
	}
	b.WriteByte('\n')

	l.outMu.Lock()
	_, _ = io.WriteString(l.out, b.String())
	l.outMu.Unlock()
}

// slogLevel maps severities onto slog levels; Critical and Fatal land
// above slog.LevelError.
func slogLevel(s Severity) slog.Level {
	switch s {
	case SeverityDebug:
		return slog.LevelDebug
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError:
		return slog.LevelError
	case SeverityCritical:
		return slog.LevelError + 4
	default:
		return slog.LevelError + 8
	}
}

// Operation is a scoped handle around one logical operation, created
// by StartOperation. Exactly one of Complete or CompleteWithError
// should be called.
type Operation struct {
	logger        *Logger
	correlationID string
	name          string
	module        message.ModuleID
	start         time.Time
}

// StartOperation opens a scoped operation handle. An empty
// correlationID generates a fresh one.
func (l *Logger) StartOperation(correlationID, name string, module message.ModuleID) *Operation {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return &Operation{
		logger:        l,
		correlationID: correlationID,
		name:          name,
		module:        module,
		start:         l.now(),
	}
}

// CorrelationID returns the id threading this operation.
func (o *Operation) CorrelationID() string {
	return o.correlationID
}

// Complete records the operation's duration at debug severity.
func (o *Operation) Complete() time.Duration {
	elapsed := o.logger.now().Sub(o.start)
	o.logger.Log(Context{
		CorrelationID: o.correlationID,
		Module:        o.module,
		Operation:     o.name,
		Severity:      SeverityDebug,
		Category:      CategoryUnknown,
		Message:       fmt.Sprintf("operation %s completed", o.name),
		Duration:      elapsed,
	})
	return elapsed
}

// CompleteWithError emits a full error context carrying the
// operation's duration and correlation id.
func (o *Operation) CompleteWithError(severity Severity, category Category, err error) time.Duration {
	elapsed := o.logger.now().Sub(o.start)
	o.logger.Log(Context{
		CorrelationID: o.correlationID,
		Module:        o.module,
		Operation:     o.name,
		Severity:      severity,
		Category:      category,
		Message:       err.Error(),
		Duration:      elapsed,
	})
	return elapsed
}
