// Package api defines wire-format types, converters, and the HTTP client for
// the daemon API. It translates pipeline read models into transport-friendly
// DTOs that the CLI and other consumers can render without coupling to
// internal types.
//
// # Key Types
//
// DocumentState: the status snapshot of one document with a human label.
//
// DocumentResult: the final record of a run with outputs in pipeline order.
//
// Event/EventsResponse: progress events for polling and long-poll tailing.
//
// StatusResponse: daemon running state, engine load, stage health, and
// preflight checks.
//
// # Converters
//
// FromState, FromResult, FromEvent, FromEngineStatus, FromPreflight.
//
// # Design Notes
//
// DTOs use snake_case JSON tags matching the progress event payload.
// Statuses are exposed as their upper-case state names. Timestamps use RFC3339
// with milliseconds. Stage payloads are opaque bytes and travel base64-encoded.
//
// Client maps HTTP failures back onto sentinel errors (ErrNotFound,
// ErrNotReady, ErrConflict, ErrUnauthorized) so callers use errors.Is.
package api
