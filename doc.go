// Package skellyjelly provides the runtime backbone for the skelly-jelly
// desktop application: a resilient in-process message bus plus a module
// orchestrator that starts, supervises, and recovers the application's
// modules.
//
// # Architecture
//
// The runtime is layered. Modules never talk to each other directly;
// everything flows through the bus, and the orchestrator supervises the
// modules from the side.
//
//	┌─────────────────────────────────────┐
//	│          Orchestrator               │  Startup sequencing,
//	│  (register, start, health, recover) │  failure recovery
//	└─────────────────────────────────────┘
//	           ↓ supervises
//	┌─────────────────────────────────────┐
//	│           Modules                   │  data-capture, storage,
//	│   (lifecycle via module.Runner)     │  analysis-engine, ...
//	└─────────────────────────────────────┘
//	           ↓ communicate via
//	┌─────────────────────────────────────┐
//	│         Enhanced Bus                │  Typed envelopes, retries,
//	│  (breakers, retry, dead letters)    │  circuit breakers, DLQ
//	└─────────────────────────────────────┘
//
// # Packages
//
// Messaging:
//   - message: typed envelopes, module identities, payload registry
//   - bus: the core pub/sub bus and the resilience-enhanced wrapper
//   - breaker: per-source circuit breakers
//   - pkg/retry: bounded exponential backoff with jitter
//   - deadletter: persistent dead letter queue (Badger-backed)
//
// Supervision:
//   - module: module registry, descriptors, lifecycle controller
//   - orchestrator: startup sequencer, recovery strategies, system health
//   - health: health status types and aggregation
//   - recovery: incident tracking and automated recovery actions
//
// Observability and configuration:
//   - errlog: correlation-tracked error logging
//   - metric: Prometheus metrics registry and scrape endpoint
//   - resource: per-module resource budgets, violation throttling
//   - telemetry: performance baselines, regression alerts
//   - config: JSON configuration with validation and hot reload
//
// The skellyd command under cmd/skellyd wires all of this together into
// a runnable daemon.
//
// # Delivery Modes
//
// Subscriptions choose a delivery mode per subscriber rather than per
// message. Reliable delivery blocks the router up to a bounded timeout,
// best-effort drops when the subscriber is full, and latest-only keeps
// a single most-recent message.
//
// Failed publishes are retried with backoff, then dead-lettered and
// reported to the recovery system instead of being silently lost.
package skellyjelly
