// Package pipeline drives documents through the five processing stages.
//
// Every submitted document gets one run goroutine that owns its state
// machine and result aggregator. Stages execute strictly in order through the
// supervisor, each transition is published to the progress hub, and the
// aggregated result is handed to the result store exactly once when the run
// reaches PROCESSING_COMPLETE or FAILED. The only state shared between runs
// is the set of active document ids.
package pipeline
