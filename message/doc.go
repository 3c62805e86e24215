// Package message defines the envelope, payload variants, priorities,
// and subscription filters carried by the event bus.
//
// Messages are the fundamental unit of data flow between modules.
// An Envelope is immutable after creation: it combines a typed payload
// with a source module identity, a priority class, and a creation
// timestamp. Every delivery observes the same envelope; per-delivery
// state (retries, acknowledgements) lives in the bus, never here.
//
// Payloads are a tagged union expressed through the Payload interface.
// Each concrete variant reports its Kind, validates its own fields, and
// serializes through the standard json.Marshaler/json.Unmarshaler
// interfaces so envelopes can round-trip through the dead letter store.
package message
