// Package main hosts the lectern CLI entrypoint and command graph.
//
// The Cobra command tree runs the daemon in the foreground or detached, and
// translates the remaining invocations into HTTP calls against the daemon API:
// document submission, state and result lookups, cancellation, the progress
// event feed, and configuration scaffolding.
//
// Keep this package thin. New behavior belongs in the internal packages and is
// surfaced here through dedicated commands or flags.
package main
