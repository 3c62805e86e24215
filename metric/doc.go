// Package metric provides Prometheus-based observability for the bus
// and orchestrator.
//
// A MetricsRegistry wraps a private prometheus.Registry so tests never
// collide on the global default registry. Core bus and module metrics
// are created and registered up front; individual components register
// their own collectors through the MetricsRegistrar interface using a
// "component.metric" key for duplicate detection.
//
// The Server exposes the registry over HTTP for scraping.
package metric
