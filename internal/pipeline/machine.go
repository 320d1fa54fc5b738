package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"lectern/internal/progress"
	"lectern/internal/results"
	"lectern/internal/stage"
)

// ErrInvalidTransition is returned when a move would break forward-only ordering.
var ErrInvalidTransition = errors.New("invalid state transition")

// machine holds the state of one run. Only the run goroutine transitions it;
// readers take snapshots.
type machine struct {
	hub *progress.Hub
	now func() time.Time

	mu       sync.RWMutex
	state    results.State
	degraded bool
}

func newMachine(documentID, runID string, hub *progress.Hub, now func() time.Time) *machine {
	ts := now().UTC()
	return &machine{
		hub: hub,
		now: now,
		state: results.State{
			DocumentID: documentID,
			RunID:      runID,
			Status:     results.StatusUploadComplete,
			StartedAt:  ts,
			UpdatedAt:  ts,
		},
	}
}

func (m *machine) snapshot() results.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *machine) isDegraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degraded
}

// announce publishes the initial UPLOAD_COMPLETE event.
func (m *machine) announce() {
	m.mu.RLock()
	evt := m.eventLocked("")
	m.mu.RUnlock()
	m.hub.Publish(evt)
}

func (m *machine) begin(name stage.Name) error {
	inProgress, _ := results.StageStatuses(name)
	return m.step(inProgress, "")
}

// complete records a finished stage. A non-empty notice marks the run degraded.
func (m *machine) complete(name stage.Name, notice string) error {
	_, done := results.StageStatuses(name)
	return m.step(done, notice)
}

func (m *machine) step(to results.Status, message string) error {
	evt, err := m.settle(to, message)
	if err != nil {
		return err
	}
	m.hub.Publish(evt)
	return nil
}

// settle applies a transition and returns its event without publishing it,
// so terminal events can follow result persistence.
func (m *machine) settle(to results.Status, message string) (progress.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state.Status
	if !results.CanTransition(from, to) {
		return progress.Event{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state.Status = to
	m.state.UpdatedAt = m.now().UTC()
	if to == results.StatusFailed {
		m.state.ErrorMessage = message
	} else if pct := results.ProgressAt(to); pct > m.state.Progress {
		m.state.Progress = pct
	}
	if message != "" && to != results.StatusFailed {
		m.degraded = true
	}
	return m.eventLocked(message), nil
}

func (m *machine) eventLocked(message string) progress.Event {
	return progress.Event{
		DocumentID: m.state.DocumentID,
		RunID:      m.state.RunID,
		State:      m.state.Status,
		Progress:   m.state.Progress,
		Message:    message,
		Degraded:   m.degraded,
		StartedAt:  m.state.StartedAt,
		Timestamp:  m.state.UpdatedAt,
	}
}
