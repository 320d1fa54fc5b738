package daemonrun_test

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"lectern/internal/api"
	"lectern/internal/config"
	"lectern/internal/daemon"
	"lectern/internal/daemonrun"
	"lectern/internal/results"
	"lectern/internal/testsupport"
)

type runningDaemon struct {
	client *api.Client
	stop   func() error
}

func launch(t *testing.T, cfg *config.Config) *runningDaemon {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- daemonrun.Run(ctx, cfg, daemonrun.Options{Ready: func(addr string) { ready <- addr }})
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-errCh:
		cancel()
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("daemon did not become ready")
	}

	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(30 * time.Second):
			return errors.New("daemon did not stop")
		}
	}
	t.Cleanup(func() { _ = stop() })
	return &runningDaemon{
		client: api.NewClient(api.BaseURL(addr), cfg.Paths.APIToken, nil),
		stop:   stop,
	}
}

func waitTerminal(t *testing.T, client *api.Client, id string) *api.DocumentResult {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		res, err := client.Result(context.Background(), id)
		if err == nil {
			return res
		}
		if !errors.Is(err, api.ErrNotReady) {
			t.Fatalf("Result: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no result for %s", id)
	return nil
}

func TestRunProcessesDocumentThroughHTTPStages(t *testing.T) {
	stages := testsupport.NewStageServer(t)
	cfg := testsupport.NewConfig(t, testsupport.WithStageServer(stages.URL))
	d := launch(t, cfg)
	ctx := context.Background()

	if _, err := os.Stat(cfg.PIDPath()); err != nil {
		t.Fatalf("expected pid file: %v", err)
	}

	if _, err := d.client.Submit(ctx, api.SubmitRequest{DocumentID: "lecture-1", URI: "gs://uploads/lecture-1.pdf"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := waitTerminal(t, d.client, "lecture-1")
	if res.Status != string(results.StatusProcessingComplete) {
		t.Fatalf("status = %s (%v)", res.Status, res.Errors)
	}
	if got := string(res.Outputs[0].Payload); got != "extraction(gs://uploads/lecture-1.pdf)" {
		t.Fatalf("extraction payload = %q", got)
	}

	status, err := d.client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.StorePath != cfg.StoreDBPath() {
		t.Fatalf("store path = %q", status.StorePath)
	}
	if len(status.Checks) == 0 {
		t.Fatal("expected preflight results in status")
	}

	if err := d.stop(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if _, err := os.Stat(cfg.PIDPath()); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, got %v", err)
	}
}

func TestRunDegradesTranslationAgainstFailingCollaborator(t *testing.T) {
	stages := testsupport.NewStageServer(t)
	stages.Fail("translation", http.StatusServiceUnavailable)
	cfg := testsupport.NewConfig(t, testsupport.WithStageServer(stages.URL))
	d := launch(t, cfg)

	if _, err := d.client.Submit(context.Background(), api.SubmitRequest{DocumentID: "lecture-2", URI: "gs://uploads/lecture-2.pdf"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := waitTerminal(t, d.client, "lecture-2")
	if res.Status != string(results.StatusProcessingComplete) || !res.Degraded {
		t.Fatalf("expected degraded completion, got %+v", res)
	}
	if calls := stages.Calls("translation"); calls != 2 {
		t.Fatalf("translation calls = %d, want 2", calls)
	}
	translation := res.Outputs[3]
	if !translation.Fallback || string(translation.Payload) != string(res.Outputs[2].Payload) {
		t.Fatalf("translation fallback = %+v", translation)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestRunFailsRunsInterruptedByRestart(t *testing.T) {
	stages := testsupport.NewStageServer(t)
	cfg := testsupport.NewConfig(t, testsupport.WithStageServer(stages.URL))

	store := testsupport.MustOpenStore(t, cfg)
	started := time.Now().Add(-time.Minute).UTC()
	if err := store.SaveState(context.Background(), results.State{
		DocumentID: "lecture-3",
		RunID:      "run-old",
		Status:     results.StatusSummarizationInProgress,
		Progress:   40,
		StartedAt:  started,
		UpdatedAt:  started,
	}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	d := launch(t, cfg)
	state, err := d.client.State(context.Background(), "lecture-3")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.State != string(results.StatusFailed) || state.ErrorMessage != results.InterruptedReason {
		t.Fatalf("unexpected state %+v", state)
	}
	res, err := d.client.Result(context.Background(), "lecture-3")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Status != string(results.StatusFailed) {
		t.Fatalf("result status = %s", res.Status)
	}
}

func TestSecondInstanceLeavesRunningDaemonUntouched(t *testing.T) {
	stages := testsupport.NewStageServer(t)
	stages.Delay("summarization", 1500*time.Millisecond)
	cfg := testsupport.NewConfig(t, testsupport.WithStageServer(stages.URL))
	d := launch(t, cfg)
	ctx := context.Background()

	if _, err := d.client.Submit(ctx, api.SubmitRequest{DocumentID: "lecture-4", URI: "gs://uploads/lecture-4.pdf"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := d.client.State(ctx, "lecture-4")
		if err == nil && st.State == string(results.StatusSummarizationInProgress) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("summarization never started: %+v %v", st, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	err := daemonrun.Run(ctx, cfg, daemonrun.Options{Ready: func(string) { t.Error("second instance became ready") }})
	if !errors.Is(err, daemon.ErrInstanceRunning) {
		t.Fatalf("second instance error = %v", err)
	}
	if _, err := os.Stat(cfg.PIDPath()); err != nil {
		t.Fatalf("pid file of running daemon: %v", err)
	}

	res := waitTerminal(t, d.client, "lecture-4")
	if res.Status != string(results.StatusProcessingComplete) {
		t.Fatalf("status = %s (%v)", res.Status, res.Errors)
	}
	if err := d.stop(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	store := testsupport.MustOpenStore(t, cfg)
	stored, err := store.Fetch(ctx, "lecture-4")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if stored.State.Status != results.StatusProcessingComplete || len(stored.Outputs) != 5 {
		t.Fatalf("persisted result = %s %v", stored.State.Status, stored.Errors)
	}
}
