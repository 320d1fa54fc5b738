// Package preflight provides readiness checks for the filesystem paths and
// stage collaborators lectern depends on.
//
// The daemon runs RunAll at startup and logs every failed check; the CLI
// "lectern status" command renders the same results. Stage probes only
// cover collaborators that expose a health endpoint.
package preflight
