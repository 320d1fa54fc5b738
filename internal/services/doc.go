// Package services defines shared utilities consumed by the pipeline engine,
// the stage supervisor, and the stage collaborator adapters.
//
// Key responsibilities:
//   - Context helpers that stamp document IDs, run IDs, stage names, attempt
//     numbers, and correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper that let the supervisor
//     classify failures as transient (retried once) or permanent.
//
// Use these helpers when wiring new stage adapters so failure classification
// and observability stay uniform across the pipeline.
package services
