// Package config provides layered configuration loading, thread-safe
// access, and hot reload for the bus and orchestrator.
//
// Configuration is JSON with three layers: built-in defaults, one or
// more config files merged in order, and environment overrides with the
// SKELLY_ prefix. Durations accept human-readable strings ("250ms").
//
// SafeConfig wraps a Config behind a read-write mutex and hands out
// deep copies, so a caller can never observe a half-applied update.
// Manager watches the config file with fsnotify and pushes validated
// updates to subscribers; a file that fails validation is ignored and
// the previous configuration stays active.
package config
