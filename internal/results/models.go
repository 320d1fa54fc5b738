package results

import (
	"time"

	"lectern/internal/stage"
)

// State is the status snapshot of one document's pipeline run.
type State struct {
	DocumentID   string    `json:"document_id" firestore:"document_id"`
	RunID        string    `json:"run_id" firestore:"run_id"`
	Status       Status    `json:"current_stage" firestore:"status"`
	Progress     int       `json:"progress_percentage" firestore:"progress"`
	StartedAt    time.Time `json:"started_at" firestore:"started_at"`
	UpdatedAt    time.Time `json:"updated_at" firestore:"updated_at"`
	ErrorMessage string    `json:"error_message,omitempty" firestore:"error_message"`
}

// Result is the immutable record assembled once a run reaches a terminal state.
type Result struct {
	DocumentID string                      `json:"document_id"`
	RunID      string                      `json:"run_id"`
	Status     Status                      `json:"status"`
	Outputs    map[stage.Name]stage.Output `json:"outputs"`
	State      State                       `json:"state"`
	Errors     []string                    `json:"errors"`
	CreatedAt  time.Time                   `json:"created_at"`
}

// Clone returns a deep copy of the result.
func (r Result) Clone() Result {
	clone := r
	if r.Outputs != nil {
		clone.Outputs = make(map[stage.Name]stage.Output, len(r.Outputs))
		for name, out := range r.Outputs {
			clone.Outputs[name] = out.Clone()
		}
	}
	if r.Errors != nil {
		clone.Errors = append([]string(nil), r.Errors...)
	}
	return clone
}

// OrderedOutputs returns the recorded outputs in pipeline order.
func (r Result) OrderedOutputs() []stage.Output {
	out := make([]stage.Output, 0, len(r.Outputs))
	for _, name := range stage.Order {
		if output, ok := r.Outputs[name]; ok {
			out = append(out, output)
		}
	}
	return out
}

// Succeeded reports whether the run reached PROCESSING_COMPLETE.
func (r Result) Succeeded() bool {
	return r.Status == StatusProcessingComplete
}

// Degraded reports whether any recorded output is a fallback.
func (r Result) Degraded() bool {
	for _, out := range r.Outputs {
		if out.Fallback {
			return true
		}
	}
	return false
}
