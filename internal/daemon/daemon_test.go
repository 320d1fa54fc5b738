package daemon_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"lectern/internal/api"
	"lectern/internal/config"
	"lectern/internal/daemon"
	"lectern/internal/logging"
	"lectern/internal/pipeline"
	"lectern/internal/progress"
	"lectern/internal/results"
	"lectern/internal/stage"
	"lectern/internal/supervisor"
	"lectern/internal/testsupport"
)

func echoStages(block stage.Name) stage.Set {
	newStage := func(name stage.Name) stage.Stage {
		return stage.Func(func(ctx context.Context, in stage.Input) (stage.Output, error) {
			if name == block {
				<-ctx.Done()
				return stage.Output{}, ctx.Err()
			}
			body := ""
			if in.Document != nil {
				body = in.Document.URI
			} else if in.Previous != nil {
				body = string(in.Previous.Payload)
			}
			return stage.Output{Stage: name, Payload: []byte(string(name) + "(" + body + ")")}, nil
		})
	}
	return stage.Set{
		Extraction:    newStage(stage.Extraction),
		Retrieval:     newStage(stage.Retrieval),
		Summarization: newStage(stage.Summarization),
		Translation:   newStage(stage.Translation),
		Audio:         newStage(stage.Audio),
	}
}

type testEnv struct {
	cfg    *config.Config
	daemon *daemon.Daemon
	client *api.Client
}

func startDaemon(t *testing.T, stages stage.Set, opts ...testsupport.ConfigOption) *testEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	engine, err := pipeline.NewEngine(pipeline.Options{
		Stages:     stages,
		Results:    store,
		States:     store,
		Logger:     logging.NewNop(),
		Supervisor: supervisor.New(supervisor.Options{Timeout: 2 * time.Second, Grace: 100 * time.Millisecond}),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	d, err := daemon.New(cfg, store, engine, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = engine.Shutdown(shutdownCtx)
		d.Stop()
		cancel()
	})
	return &testEnv{
		cfg:    cfg,
		daemon: d,
		client: api.NewClient(api.BaseURL(d.Address()), cfg.Paths.APIToken, nil),
	}
}

func waitResult(t *testing.T, client *api.Client, id string) *api.DocumentResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := client.Result(context.Background(), id)
		if err == nil {
			return res
		}
		if !errors.Is(err, api.ErrNotReady) {
			t.Fatalf("Result(%s): %v", id, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("result for %s not ready in time", id)
	return nil
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	engine, err := pipeline.NewEngine(pipeline.Options{Stages: echoStages(""), Results: store, States: store, Logger: logging.NewNop()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	d, err := daemon.New(cfg, store, engine, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.LockPath != cfg.LockPath() {
		t.Fatalf("lock path = %q", status.LockPath)
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	other, err := daemon.New(cfg, store, engine, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := other.Start(ctx); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected lock contention error, got %v", err)
	}

	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
	if err := other.Start(ctx); err != nil {
		t.Fatalf("start after release: %v", err)
	}
	other.Stop()
}

func TestAPISubmitResultAndDelete(t *testing.T) {
	env := startDaemon(t, echoStages(""))
	ctx := context.Background()

	state, err := env.client.Submit(ctx, api.SubmitRequest{DocumentID: "doc-1", URI: "gs://uploads/doc-1.pdf"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if state.DocumentID != "doc-1" || state.Terminal {
		t.Fatalf("unexpected initial state %+v", state)
	}

	res := waitResult(t, env.client, "doc-1")
	if res.Status != string(results.StatusProcessingComplete) || len(res.Outputs) != 5 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := string(res.Outputs[4].Payload); got != "audio(translation(summarization(retrieval(extraction(gs://uploads/doc-1.pdf)))))" {
		t.Fatalf("audio payload = %q", got)
	}

	if _, err := env.client.Submit(ctx, api.SubmitRequest{DocumentID: "doc-1", URI: "gs://uploads/doc-1.pdf"}); !errors.Is(err, api.ErrConflict) {
		t.Fatalf("expected conflict on resubmit, got %v", err)
	}

	got, err := env.client.State(ctx, "doc-1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got.State != string(results.StatusProcessingComplete) || got.Progress != 100 {
		t.Fatalf("unexpected state %+v", got)
	}

	if err := env.client.Delete(ctx, "doc-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := env.client.State(ctx, "doc-1"); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestAPICancelActiveRun(t *testing.T) {
	env := startDaemon(t, echoStages(stage.Summarization))
	ctx := context.Background()

	if _, err := env.client.Submit(ctx, api.SubmitRequest{DocumentID: "doc-2", URI: "gs://uploads/doc-2.pdf"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := env.client.State(ctx, "doc-2")
		if err == nil && st.State == string(results.StatusSummarizationInProgress) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("summarization never started: %+v %v", st, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := env.client.Cancel(ctx, "doc-2"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	res := waitResult(t, env.client, "doc-2")
	if res.Status != string(results.StatusFailed) {
		t.Fatalf("status = %q", res.Status)
	}
	if res.State.ErrorMessage != pipeline.CancelMessage(pipeline.ReasonRequested) {
		t.Fatalf("error message = %q", res.State.ErrorMessage)
	}
	if len(res.Outputs) != 2 {
		t.Fatalf("expected extraction and retrieval outputs, got %d", len(res.Outputs))
	}

	if err := env.client.Cancel(ctx, "doc-2"); !errors.Is(err, api.ErrConflict) {
		t.Fatalf("expected conflict cancelling finished run, got %v", err)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	env := startDaemon(t, echoStages(""), testsupport.WithAPIToken("s3cret"))
	ctx := context.Background()

	anonymous := api.NewClient(api.BaseURL(env.daemon.Address()), "", nil)
	if _, err := anonymous.Status(ctx); !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	wrong := api.NewClient(api.BaseURL(env.daemon.Address()), "nope", nil)
	if _, err := wrong.Status(ctx); !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("expected unauthorized with wrong token, got %v", err)
	}
	status, err := env.client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running || len(status.Engine.Stages) != 5 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestAPIRejectsInvalidRequests(t *testing.T) {
	env := startDaemon(t, echoStages(""))
	ctx := context.Background()

	_, err := env.client.Submit(ctx, api.SubmitRequest{DocumentID: "doc-3"})
	var statusErr *api.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != api.CodeInvalid {
		t.Fatalf("expected invalid request for missing uri, got %v", err)
	}
	_, err = env.client.Submit(ctx, api.SubmitRequest{DocumentID: "  ", URI: "gs://x"})
	if !errors.As(err, &statusErr) || statusErr.Code != api.CodeInvalid {
		t.Fatalf("expected invalid request for blank id, got %v", err)
	}
	_, err = env.client.List(ctx, "NOT_A_STATE")
	if !errors.As(err, &statusErr) || statusErr.Code != api.CodeInvalid {
		t.Fatalf("expected invalid request for unknown state, got %v", err)
	}
	if _, err := env.client.Result(ctx, "missing"); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAPIEventsFollowDocument(t *testing.T) {
	env := startDaemon(t, echoStages(""))
	ctx := context.Background()

	for _, id := range []string{"doc-a", "doc-b"} {
		if _, err := env.client.Submit(ctx, api.SubmitRequest{DocumentID: id, URI: "gs://uploads/" + id}); err != nil {
			t.Fatalf("Submit %s: %v", id, err)
		}
	}

	var (
		seen   []api.Event
		cursor uint64
	)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := env.client.Events(ctx, api.EventsQuery{Since: cursor, Follow: true, DocumentID: "doc-b"})
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		seen = append(seen, resp.Events...)
		cursor = resp.Next
		if n := len(seen); n > 0 && seen[n-1].State == string(results.StatusProcessingComplete) {
			break
		}
	}
	if len(seen) != 12 {
		t.Fatalf("expected 12 events for doc-b, got %d", len(seen))
	}
	for i, evt := range seen {
		if evt.DocumentID != "doc-b" {
			t.Fatalf("event %d belongs to %q", i, evt.DocumentID)
		}
		if i > 0 && (evt.Sequence <= seen[i-1].Sequence || evt.Progress < seen[i-1].Progress) {
			t.Fatalf("events out of order at %d: %+v after %+v", i, evt, seen[i-1])
		}
	}

	waitResult(t, env.client, "doc-a")
	for {
		list, err := env.client.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(list) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 documents, got %d", len(list))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAPIEventsReportsEvictedCursor(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	hub := progress.NewHub(progress.HubOptions{Capacity: 5})
	engine, err := pipeline.NewEngine(pipeline.Options{Stages: echoStages(""), Results: store, States: store, Hub: hub, Logger: logging.NewNop()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	d, err := daemon.New(cfg, store, engine, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = engine.Shutdown(shutdownCtx)
		d.Stop()
		_ = hub.Close(shutdownCtx)
	})
	client := api.NewClient(api.BaseURL(d.Address()), "", nil)

	if _, err := client.Submit(ctx, api.SubmitRequest{DocumentID: "doc-e", URI: "gs://uploads/doc-e"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitResult(t, client, "doc-e")

	// Twelve transitions into a five-event buffer leave sequences 8..12.
	deadline := time.Now().Add(2 * time.Second)
	var resp *api.EventsResponse
	for {
		resp, err = client.Events(ctx, api.EventsQuery{})
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		if resp.Oldest == 8 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if resp.Oldest != 8 || !resp.Truncated || len(resp.Events) != 5 {
		t.Fatalf("expected truncated page starting at 8, got oldest=%d truncated=%v events=%d", resp.Oldest, resp.Truncated, len(resp.Events))
	}

	resp, err = client.Events(ctx, api.EventsQuery{Since: 7})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if resp.Truncated || len(resp.Events) != 5 {
		t.Fatalf("cursor 7 should be intact, got truncated=%v events=%d", resp.Truncated, len(resp.Events))
	}
}
