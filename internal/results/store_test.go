package results_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lectern/internal/results"
	"lectern/internal/stage"
)

func openStores(t *testing.T) map[string]results.Store {
	t.Helper()
	sqlite, err := results.OpenSQLite(filepath.Join(t.TempDir(), "lectern.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]results.Store{
		"memory": results.NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func sampleResult(id string) results.Result {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return results.Result{
		DocumentID: id,
		RunID:      "run-" + id,
		Status:     results.StatusFailed,
		Outputs: map[stage.Name]stage.Output{
			stage.Extraction: {
				Stage:       stage.Extraction,
				ContentType: "text/plain",
				Payload:     []byte{0x00, 0xff, 'h', 'i'},
				Attributes:  map[string]string{"pages": "2"},
			},
		},
		State: results.State{
			DocumentID:   id,
			RunID:        "run-" + id,
			Status:       results.StatusFailed,
			Progress:     20,
			StartedAt:    started,
			UpdatedAt:    started.Add(time.Minute),
			ErrorMessage: "We could not find related context for this document.",
		},
		Errors:    []string{"We could not find related context for this document."},
		CreatedAt: started.Add(time.Minute),
	}
}

func TestPersistFetchRoundTripAndImmutability(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleResult("doc-1")
			if err := store.Persist(ctx, want); err != nil {
				t.Fatalf("Persist: %v", err)
			}
			second := sampleResult("doc-1")
			second.Errors = nil
			if err := store.Persist(ctx, second); !errors.Is(err, results.ErrAlreadyPersisted) {
				t.Fatalf("expected ErrAlreadyPersisted, got %v", err)
			}

			got, err := store.Fetch(ctx, "doc-1")
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if got.Status != want.Status || got.RunID != want.RunID || len(got.Errors) != 1 {
				t.Fatalf("unexpected result: %+v", got)
			}
			out, ok := got.Outputs[stage.Extraction]
			if !ok || !out.Equal(want.Outputs[stage.Extraction]) {
				t.Fatalf("output not preserved field-for-field: %+v", out)
			}
			if !got.State.StartedAt.Equal(want.State.StartedAt) || got.State.Progress != 20 {
				t.Fatalf("state not preserved: %+v", got.State)
			}

			if _, err := store.Fetch(ctx, "missing"); !errors.Is(err, results.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestSaveStateNeverRegressesWithinRun(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := results.State{DocumentID: "doc-2", RunID: "run-a", StartedAt: time.Now().UTC()}
			for _, status := range []results.Status{results.StatusSummarizationComplete, results.StatusRetrievalInProgress} {
				st := base
				st.Status = status
				st.Progress = results.ProgressAt(status)
				if err := store.SaveState(ctx, st); err != nil {
					t.Fatalf("SaveState(%s): %v", status, err)
				}
			}
			got, err := store.FetchState(ctx, "doc-2")
			if err != nil {
				t.Fatalf("FetchState: %v", err)
			}
			if got.Status != results.StatusSummarizationComplete {
				t.Fatalf("expected stale snapshot ignored, got %s", got.Status)
			}

			failed := base
			failed.Status = results.StatusFailed
			if err := store.SaveState(ctx, failed); err != nil {
				t.Fatalf("SaveState(FAILED): %v", err)
			}
			late := base
			late.Status = results.StatusProcessingComplete
			if err := store.SaveState(ctx, late); err != nil {
				t.Fatalf("SaveState(late): %v", err)
			}
			if got, _ := store.FetchState(ctx, "doc-2"); got.Status != results.StatusFailed {
				t.Fatalf("expected FAILED to be absorbing, got %s", got.Status)
			}

			newRun := base
			newRun.RunID = "run-b"
			newRun.Status = results.StatusUploadComplete
			if err := store.SaveState(ctx, newRun); err != nil {
				t.Fatalf("SaveState(new run): %v", err)
			}
			if got, _ := store.FetchState(ctx, "doc-2"); got.RunID != "run-b" {
				t.Fatalf("expected new run to replace snapshot, got %+v", got)
			}
		})
	}
}

func TestListStatesFiltersAndOrders(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			for i, status := range []results.Status{results.StatusFailed, results.StatusTranslationInProgress, results.StatusProcessingComplete} {
				st := results.State{
					DocumentID: string(rune('a' + i)),
					RunID:      "run",
					Status:     status,
					StartedAt:  start.Add(time.Duration(i) * time.Second),
					UpdatedAt:  start,
				}
				if err := store.SaveState(ctx, st); err != nil {
					t.Fatalf("SaveState: %v", err)
				}
			}
			all, err := store.ListStates(ctx)
			if err != nil {
				t.Fatalf("ListStates: %v", err)
			}
			if len(all) != 3 || all[0].DocumentID != "a" || all[2].DocumentID != "c" {
				t.Fatalf("unexpected ordering: %+v", all)
			}
			terminal, err := store.ListStates(ctx, results.StatusFailed, results.StatusProcessingComplete)
			if err != nil {
				t.Fatalf("ListStates(filter): %v", err)
			}
			if len(terminal) != 2 {
				t.Fatalf("expected 2 terminal states, got %d", len(terminal))
			}
		})
	}
}

func TestFailInterruptedMarksActiveRuns(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 5, 5, 5, 5, 5, 0, time.UTC)
			active := results.State{DocumentID: "active", RunID: "r1", Status: results.StatusSummarizationInProgress, Progress: 40, StartedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Minute)}
			done := results.State{DocumentID: "done", RunID: "r2", Status: results.StatusProcessingComplete, Progress: 100, StartedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Minute)}
			for _, st := range []results.State{active, done} {
				if err := store.SaveState(ctx, st); err != nil {
					t.Fatalf("SaveState: %v", err)
				}
			}

			changed, err := store.FailInterrupted(ctx, now)
			if err != nil {
				t.Fatalf("FailInterrupted: %v", err)
			}
			if len(changed) != 1 || changed[0].DocumentID != "active" {
				t.Fatalf("unexpected changed states: %+v", changed)
			}
			st, err := store.FetchState(ctx, "active")
			if err != nil {
				t.Fatalf("FetchState: %v", err)
			}
			if st.Status != results.StatusFailed || st.Progress != 40 || st.ErrorMessage != results.InterruptedReason {
				t.Fatalf("unexpected interrupted state: %+v", st)
			}
			res, err := store.Fetch(ctx, "active")
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if res.Status != results.StatusFailed || len(res.Outputs) != 0 {
				t.Fatalf("unexpected interrupted result: %+v", res)
			}
			if _, err := store.Fetch(ctx, "done"); !errors.Is(err, results.ErrNotFound) {
				t.Fatalf("expected no result for finished state, got %v", err)
			}

			if err := store.Delete(ctx, "active"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.FetchState(ctx, "active"); !errors.Is(err, results.ErrNotFound) {
				t.Fatalf("expected state removed, got %v", err)
			}
			if _, err := store.Fetch(ctx, "active"); !errors.Is(err, results.ErrNotFound) {
				t.Fatalf("expected result removed, got %v", err)
			}
		})
	}
}

func TestSQLiteStoreReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lectern.db")
	store, err := results.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := store.Persist(context.Background(), sampleResult("doc-9")); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened, err := results.OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Fetch(context.Background(), "doc-9"); err != nil {
		t.Fatalf("Fetch after reopen: %v", err)
	}
}

func TestFirestoreStoreAgainstEmulator(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	store, err := results.OpenFirestore(ctx, "lectern-test", "test"+time.Now().Format("150405"))
	if err != nil {
		t.Fatalf("OpenFirestore: %v", err)
	}
	defer store.Close()
	if err := store.Persist(ctx, sampleResult("doc-f")); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := store.Persist(ctx, sampleResult("doc-f")); !errors.Is(err, results.ErrAlreadyPersisted) {
		t.Fatalf("expected ErrAlreadyPersisted, got %v", err)
	}
	got, err := store.Fetch(ctx, "doc-f")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !got.Outputs[stage.Extraction].Equal(sampleResult("doc-f").Outputs[stage.Extraction]) {
		t.Fatalf("output mismatch: %+v", got.Outputs)
	}
}
