package pipeline

import (
	"errors"
	"testing"
	"time"

	"lectern/internal/progress"
	"lectern/internal/results"
	"lectern/internal/stage"
)

func fixedClock() func() time.Time {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		ts = ts.Add(time.Second)
		return ts
	}
}

func TestMachineRejectsBackwardAndSkippedMoves(t *testing.T) {
	m := newMachine("doc", "run", nil, fixedClock())
	if err := m.complete(stage.Extraction, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected skip to be rejected, got %v", err)
	}
	if err := m.begin(stage.Extraction); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := m.begin(stage.Extraction); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected repeated begin to be rejected, got %v", err)
	}
	if err := m.begin(stage.Retrieval); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected out-of-order stage to be rejected, got %v", err)
	}
}

func TestMachineFailedIsAbsorbing(t *testing.T) {
	m := newMachine("doc", "run", nil, fixedClock())
	if err := m.begin(stage.Extraction); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := m.settle(results.StatusFailed, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := m.complete(stage.Extraction, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected FAILED to be absorbing, got %v", err)
	}
	if _, err := m.settle(results.StatusFailed, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected second failure to be rejected, got %v", err)
	}
	if st := m.snapshot(); st.ErrorMessage != "boom" {
		t.Fatalf("error message overwritten: %q", st.ErrorMessage)
	}
}

func TestMachineProgressIsMonotonic(t *testing.T) {
	hub := progress.NewHub(progress.HubOptions{})
	m := newMachine("doc", "run", hub, fixedClock())
	m.announce()
	for _, name := range stage.Order {
		if err := m.begin(name); err != nil {
			t.Fatalf("begin %s: %v", name, err)
		}
		notice := ""
		if name == stage.Audio {
			notice = "fallback"
		}
		if err := m.complete(name, notice); err != nil {
			t.Fatalf("complete %s: %v", name, err)
		}
	}
	if err := m.step(results.StatusProcessingComplete, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}

	events, _ := hub.Tail(0)
	if len(events) != 12 {
		t.Fatalf("expected 12 events, got %d", len(events))
	}
	prev := -1
	for _, evt := range events {
		if evt.Progress < prev {
			t.Fatalf("progress decreased at %s: %d < %d", evt.State, evt.Progress, prev)
		}
		switch evt.Progress {
		case 0, 20, 40, 60, 80, 100:
		default:
			t.Fatalf("unexpected progress value %d", evt.Progress)
		}
		if !evt.Timestamp.After(events[0].StartedAt) && evt.State != results.StatusUploadComplete {
			t.Fatalf("timestamp not advanced for %s", evt.State)
		}
		prev = evt.Progress
	}
	if !events[len(events)-1].Degraded || events[8].Degraded {
		t.Fatal("degraded flag should appear once the fallback is applied")
	}
}
