package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core bus and orchestrator metrics. Component or
// module specific collectors register separately through the registry.
type Metrics struct {
	// Bus metrics
	MessagesPublished *prometheus.CounterVec
	MessagesDelivered *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	DeliveryDuration  *prometheus.HistogramVec
	QueueDepth        *prometheus.GaugeVec
	DeadLetters       prometheus.Counter

	// Resilience metrics
	CircuitBreakerState *prometheus.GaugeVec
	RetryAttempts       *prometheus.CounterVec
	RecoveryActions     *prometheus.CounterVec

	// Module metrics
	ModuleStatus      *prometheus.GaugeVec
	HealthCheckStatus *prometheus.GaugeVec
	ErrorsTotal       *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all core collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skellyjelly",
				Subsystem: "bus",
				Name:      "messages_published_total",
				Help:      "Total number of messages published to the bus",
			},
			[]string{"source", "kind"},
		),

		MessagesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skellyjelly",
				Subsystem: "bus",
				Name:      "messages_delivered_total",
				Help:      "Total number of messages delivered to subscribers",
			},
			[]string{"subscriber", "mode"},
		),

		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skellyjelly",
				Subsystem: "bus",
				Name:      "messages_dropped_total",
				Help:      "Total number of messages dropped before delivery",
			},
			[]string{"subscriber", "reason"},
		),

		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "skellyjelly",
				Subsystem: "bus",
				Name:      "delivery_duration_seconds",
				Help:      "Message delivery latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"subscriber", "mode"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "skellyjelly",
				Subsystem: "bus",
				Name:      "queue_depth",
				Help:      "Current number of messages queued per subscription",
			},
			[]string{"subscriber"},
		),

		DeadLetters: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "skellyjelly",
				Subsystem: "bus",
				Name:      "dead_letters_total",
				Help:      "Total number of messages moved to the dead letter queue",
			},
		),

		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "skellyjelly",
				Subsystem: "resilience",
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"breaker"},
		),

		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skellyjelly",
				Subsystem: "resilience",
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),

		RecoveryActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skellyjelly",
				Subsystem: "resilience",
				Name:      "recovery_actions_total",
				Help:      "Total number of recovery actions executed",
			},
			[]string{"action", "outcome"},
		),

		ModuleStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "skellyjelly",
				Subsystem: "module",
				Name:      "status",
				Help:      "Module status (0=stopped, 1=starting, 2=running, 3=degraded, 4=stopping, 5=failed)",
			},
			[]string{"module"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "skellyjelly",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"module"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skellyjelly",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"module", "type"},
		),
	}
}

// RecordPublish increments the published message counter.
func (m *Metrics) RecordPublish(source, kind string) {
	m.MessagesPublished.WithLabelValues(source, kind).Inc()
}

// RecordDelivery increments the delivered counter and observes latency.
func (m *Metrics) RecordDelivery(subscriber, mode string, latency time.Duration) {
	m.MessagesDelivered.WithLabelValues(subscriber, mode).Inc()
	m.DeliveryDuration.WithLabelValues(subscriber, mode).Observe(latency.Seconds())
}

// RecordDrop increments the dropped counter.
func (m *Metrics) RecordDrop(subscriber, reason string) {
	m.MessagesDropped.WithLabelValues(subscriber, reason).Inc()
}

// RecordQueueDepth updates the queue depth gauge for a subscription.
func (m *Metrics) RecordQueueDepth(subscriber string, depth int) {
	m.QueueDepth.WithLabelValues(subscriber).Set(float64(depth))
}

// RecordDeadLetter increments the dead letter counter.
func (m *Metrics) RecordDeadLetter() {
	m.DeadLetters.Inc()
}

// RecordBreakerState updates a circuit breaker state gauge.
func (m *Metrics) RecordBreakerState(breaker string, state int) {
	m.CircuitBreakerState.WithLabelValues(breaker).Set(float64(state))
}

// RecordRetry increments the retry attempt counter for an operation.
func (m *Metrics) RecordRetry(operation string) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

// RecordRecoveryAction increments the recovery action counter.
func (m *Metrics) RecordRecoveryAction(action, outcome string) {
	m.RecoveryActions.WithLabelValues(action, outcome).Inc()
}

// RecordModuleStatus updates a module status gauge.
func (m *Metrics) RecordModuleStatus(module string, status int) {
	m.ModuleStatus.WithLabelValues(module).Set(float64(status))
}

// RecordHealthStatus updates a module health gauge.
func (m *Metrics) RecordHealthStatus(module string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.HealthCheckStatus.WithLabelValues(module).Set(value)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errorType string) {
	m.ErrorsTotal.WithLabelValues(module, errorType).Inc()
}
