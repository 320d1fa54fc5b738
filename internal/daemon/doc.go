// Package daemon coordinates the long-running lectern process.
//
// It ties configuration, the output store, and the pipeline engine into a
// single lifecycle with flock-based locking to prevent multiple instances, and
// serves the HTTP API the CLI and upload front ends talk to: document
// submission, state and result lookup, cancellation, deletion, progress
// event polling, and daemon status.
//
// Keep orchestration logic here: pipeline semantics live in internal/pipeline
// while the daemon focuses on startup, shutdown, and request translation.
package daemon
