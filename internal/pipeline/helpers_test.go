package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"lectern/internal/pipeline"
	"lectern/internal/progress"
	"lectern/internal/results"
	"lectern/internal/stage"
	"lectern/internal/supervisor"
)

// fakeStages records every invocation and, unless overridden, echoes its
// input wrapped with the stage name.
type fakeStages struct {
	mu        sync.Mutex
	calls     map[stage.Name]int
	inputs    map[stage.Name][]stage.Input
	returned  map[string]map[stage.Name]stage.Output
	overrides map[stage.Name]stage.Func
}

func newFakeStages() *fakeStages {
	return &fakeStages{
		calls:     make(map[stage.Name]int),
		inputs:    make(map[stage.Name][]stage.Input),
		returned:  make(map[string]map[stage.Name]stage.Output),
		overrides: make(map[stage.Name]stage.Func),
	}
}

func (f *fakeStages) override(name stage.Name, fn stage.Func) {
	f.overrides[name] = fn
}

func (f *fakeStages) callCount(name stage.Name) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeStages) lastInput(name stage.Name) stage.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := f.inputs[name]
	if len(in) == 0 {
		return stage.Input{}
	}
	return in[len(in)-1]
}

func (f *fakeStages) returnedFor(docID string) map[stage.Name]stage.Output {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.returned[docID]
}

func (f *fakeStages) stage(name stage.Name) stage.Stage {
	return stage.Func(func(ctx context.Context, in stage.Input) (stage.Output, error) {
		f.mu.Lock()
		f.calls[name]++
		f.inputs[name] = append(f.inputs[name], in)
		fn := f.overrides[name]
		f.mu.Unlock()
		if fn != nil {
			return fn(ctx, in)
		}
		docID, body := "", ""
		switch {
		case in.Document != nil:
			docID, body = in.Document.ID, in.Document.URI
		case in.Previous != nil:
			docID, body = in.Previous.Attributes["document_id"], string(in.Previous.Payload)
		}
		out := stage.Output{
			Stage:       name,
			ContentType: "text/plain",
			Payload:     []byte(fmt.Sprintf("%s(%s)", name, body)),
			Attributes:  map[string]string{"document_id": docID},
		}
		f.mu.Lock()
		if f.returned[docID] == nil {
			f.returned[docID] = make(map[stage.Name]stage.Output)
		}
		f.returned[docID][name] = out.Clone()
		f.mu.Unlock()
		return out, nil
	})
}

func (f *fakeStages) set() stage.Set {
	return stage.Set{
		Extraction:    f.stage(stage.Extraction),
		Retrieval:     f.stage(stage.Retrieval),
		Summarization: f.stage(stage.Summarization),
		Translation:   f.stage(stage.Translation),
		Audio:         f.stage(stage.Audio),
	}
}

type harness struct {
	engine   *pipeline.Engine
	store    *results.MemoryStore
	hub      *progress.Hub
	recorder *supervisor.MemoryRecorder
}

type harnessOptions struct {
	timeout       time.Duration
	grace         time.Duration
	maxConcurrent int
	cacheSize     int
	results       results.ResultStore
	states        results.StateStore
	logger        *slog.Logger
}

func newHarness(t *testing.T, stages *fakeStages, opts harnessOptions) *harness {
	t.Helper()
	if opts.timeout == 0 {
		opts.timeout = 2 * time.Second
	}
	store := results.NewMemoryStore()
	var resultStore results.ResultStore = store
	if opts.results != nil {
		resultStore = opts.results
	}
	var stateStore results.StateStore = store
	if opts.states != nil {
		stateStore = opts.states
	}
	hub := progress.NewHub(progress.HubOptions{Capacity: 100000})
	rec := &supervisor.MemoryRecorder{}
	engine, err := pipeline.NewEngine(pipeline.Options{
		Stages:        stages.set(),
		Results:         resultStore,
		States:          stateStore,
		Hub:             hub,
		Supervisor:      supervisor.New(supervisor.Options{Timeout: opts.timeout, Grace: opts.grace, Recorder: rec}),
		Logger:          opts.logger,
		MaxConcurrent:   opts.maxConcurrent,
		ResultCacheSize: opts.cacheSize,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
		_ = hub.Close(ctx)
	})
	return &harness{engine: engine, store: store, hub: hub, recorder: rec}
}

func (h *harness) submit(t *testing.T, id string) {
	t.Helper()
	if err := h.engine.Submit(context.Background(), stage.DocumentRef{ID: id, URI: "gs://uploads/" + id + ".pdf"}); err != nil {
		t.Fatalf("Submit(%s): %v", id, err)
	}
}

func (h *harness) waitResult(t *testing.T, id string, within time.Duration) results.Result {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		res, err := h.engine.Result(context.Background(), id)
		if err == nil {
			return res
		}
		if !errors.Is(err, pipeline.ErrNotReady) {
			t.Fatalf("Result(%s): %v", id, err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("document %s not finished within %s", id, within)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) events(t *testing.T, id string) []progress.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.hub.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	events, _, err := h.hub.Fetch(ctx, 0, 0, false, progress.Filter{DocumentID: id})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	return events
}

func statesOf(events []progress.Event) []results.Status {
	out := make([]results.Status, len(events))
	for i, evt := range events {
		out[i] = evt.State
	}
	return out
}

func blockUntilCanceled(ctx context.Context, _ stage.Input) (stage.Output, error) {
	<-ctx.Done()
	return stage.Output{}, ctx.Err()
}
