package api

import (
	"time"

	"lectern/internal/pipeline"
	"lectern/internal/preflight"
	"lectern/internal/progress"
	"lectern/internal/results"
	"lectern/internal/stage"
)

// FromState converts a state snapshot to its API representation.
func FromState(s results.State) DocumentState {
	return DocumentState{
		DocumentID:   s.DocumentID,
		RunID:        s.RunID,
		State:        string(s.Status),
		Label:        s.Status.Label(),
		Progress:     s.Progress,
		Terminal:     s.Status.IsTerminal(),
		ErrorMessage: s.ErrorMessage,
		StartedAt:    formatTime(s.StartedAt),
		UpdatedAt:    formatTime(s.UpdatedAt),
	}
}

// FromStates converts a slice of snapshots.
func FromStates(states []results.State) []DocumentState {
	out := make([]DocumentState, 0, len(states))
	for _, s := range states {
		out = append(out, FromState(s))
	}
	return out
}

// FromResult converts a processing result; outputs are listed in pipeline order.
func FromResult(r results.Result) DocumentResult {
	dto := DocumentResult{
		DocumentID: r.DocumentID,
		RunID:      r.RunID,
		Status:     string(r.Status),
		Degraded:   r.Degraded(),
		Outputs:    make([]StageOutput, 0, len(r.Outputs)),
		State:      FromState(r.State),
		Errors:     append([]string{}, r.Errors...),
		CreatedAt:  formatTime(r.CreatedAt),
	}
	for _, out := range r.OrderedOutputs() {
		dto.Outputs = append(dto.Outputs, fromOutput(out))
	}
	return dto
}

func fromOutput(o stage.Output) StageOutput {
	return StageOutput{
		Stage:       string(o.Stage),
		ContentType: o.ContentType,
		Payload:     o.Payload,
		Attributes:  o.Attributes,
		Fallback:    o.Fallback,
	}
}

// FromEvent converts a progress event.
func FromEvent(evt progress.Event) Event {
	return Event{
		Sequence:   evt.Sequence,
		DocumentID: evt.DocumentID,
		RunID:      evt.RunID,
		State:      string(evt.State),
		Label:      evt.State.Label(),
		Progress:   evt.Progress,
		Message:    evt.Message,
		Degraded:   evt.Degraded,
		Timestamp:  formatTime(evt.Timestamp),
	}
}

// FromEvents converts a slice of progress events.
func FromEvents(events []progress.Event) []Event {
	out := make([]Event, 0, len(events))
	for _, evt := range events {
		out = append(out, FromEvent(evt))
	}
	return out
}

// FromEngineStatus converts the engine load summary.
func FromEngineStatus(st pipeline.Status) EngineStatus {
	dto := EngineStatus{
		Active:        st.Active,
		Waiting:       st.Waiting,
		MaxConcurrent: st.MaxConcurrent,
		Unpersisted:   st.Unpersisted,
		Closed:        st.Closed,
		Stages:        make([]StageHealth, 0, len(st.Stages)),
	}
	for _, h := range st.Stages {
		dto.Stages = append(dto.Stages, StageHealth{Name: string(h.Name), Ready: h.Ready, Detail: h.Detail})
	}
	return dto
}

// FromPreflight converts preflight check results.
func FromPreflight(checks []preflight.Result) []CheckResult {
	if len(checks) == 0 {
		return nil
	}
	out := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		out = append(out, CheckResult{Name: c.Name, Passed: c.Passed, Detail: c.Detail})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
