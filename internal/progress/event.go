// Package progress publishes pipeline state-transition events.
//
// The Hub keeps a bounded replay buffer for status polling and long-poll
// readers, and fans every event out to named subscribers. Each subscriber owns
// an ordered mailbox drained by its own goroutine: Publish never blocks on a
// subscriber, and a failing subscriber is retried a bounded number of times
// before the event is logged and dropped. Observation never feeds back into
// the pipeline.
package progress

import (
	"time"

	"lectern/internal/results"
)

// Event describes one state transition of a document's run.
type Event struct {
	Sequence   uint64         `json:"seq"`
	DocumentID string         `json:"document_id"`
	RunID      string         `json:"run_id"`
	State      results.Status `json:"new_state"`
	Progress   int            `json:"progress_percentage"`
	// Message carries the user-visible failure reason or fallback notice.
	Message   string    `json:"message,omitempty"`
	Degraded  bool      `json:"degraded,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event ends its run.
func (e Event) Terminal() bool {
	return e.State.IsTerminal()
}

// Snapshot converts the event into the state read model.
func (e Event) Snapshot() results.State {
	s := results.State{
		DocumentID: e.DocumentID,
		RunID:      e.RunID,
		Status:     e.State,
		Progress:   e.Progress,
		StartedAt:  e.StartedAt,
		UpdatedAt:  e.Timestamp,
	}
	if e.State == results.StatusFailed {
		s.ErrorMessage = e.Message
	}
	return s
}

// Filter narrows Fetch results.
type Filter struct {
	DocumentID string
}

// Match reports whether evt passes the filter.
func (f Filter) Match(evt Event) bool {
	return f.DocumentID == "" || f.DocumentID == evt.DocumentID
}
