// Package notifications delivers pipeline milestones via ntfy.
//
// The default implementation publishes to the ntfy topic configured in
// config.toml and degrades to a no-op when no topic is set, so callers never
// need to guard their notification calls.
package notifications
