package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lectern/internal/api"
	"lectern/internal/results"
	"lectern/internal/testsupport"
)

func TestCLISubmitResultAndDelete(t *testing.T) {
	env := setupCLITestEnv(t)

	out := env.run(t, "submit", "lecture-1", "gs://uploads/lecture-1.pdf", "--meta", "course=cs101", "--wait")
	if !strings.Contains(out, "Submitted lecture-1") || !strings.Contains(out, "Processing Complete") {
		t.Fatalf("unexpected submit output:\n%s", out)
	}
	if !strings.Contains(out, "extraction(gs://uploads/lecture-1.pdf)") {
		t.Fatalf("expected extraction preview in output:\n%s", out)
	}

	var res api.DocumentResult
	if err := json.Unmarshal([]byte(env.run(t, "result", "lecture-1", "--format", "json")), &res); err != nil {
		t.Fatalf("decode result json: %v", err)
	}
	if res.Status != string(results.StatusProcessingComplete) || len(res.Outputs) != 5 {
		t.Fatalf("unexpected result %+v", res)
	}

	yamlOut := env.run(t, "result", "lecture-1", "-f", "yaml")
	if !strings.Contains(yamlOut, "status: PROCESSING_COMPLETE") || !strings.Contains(yamlOut, "document_id: lecture-1") {
		t.Fatalf("unexpected yaml output:\n%s", yamlOut)
	}

	if out := env.run(t, "state", "lecture-1"); !strings.Contains(out, "100%") {
		t.Fatalf("expected full progress in state output:\n%s", out)
	}
	if out := env.run(t, "list", "--status", "processing_complete"); !strings.Contains(out, "lecture-1") {
		t.Fatalf("expected lecture-1 in list:\n%s", out)
	}
	if out := env.run(t, "list", "--status", "FAILED"); !strings.Contains(out, "No documents") {
		t.Fatalf("expected empty filtered list:\n%s", out)
	}

	if _, _, err := runCLI(t, []string{"submit", "lecture-1", "gs://uploads/lecture-1.pdf"}, env.address, env.configPath); err == nil {
		t.Fatal("expected resubmit of processed document to fail")
	}

	if out := env.run(t, "delete", "lecture-1"); !strings.Contains(out, "Deleted lecture-1") {
		t.Fatalf("unexpected delete output: %s", out)
	}
	_, _, err := runCLI(t, []string{"state", "lecture-1"}, env.address, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestCLISubmitLocalDocument(t *testing.T) {
	env := setupCLITestEnv(t)
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("week one notes\n"), 0o644); err != nil {
		t.Fatalf("write document: %v", err)
	}

	env.run(t, "submit", "notes-1", path, "--wait")
	var res api.DocumentResult
	if err := json.Unmarshal([]byte(env.run(t, "result", "notes-1", "-f", "json")), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if got, want := string(res.Outputs[0].Payload), "extraction(file://"+filepath.ToSlash(path)+")"; got != want {
		t.Fatalf("extraction payload = %q, want %q", got, want)
	}

	if _, _, err := runCLI(t, []string{"submit", "notes-2", filepath.Join(t.TempDir(), "missing.pdf")}, env.address, env.configPath); err == nil {
		t.Fatal("expected missing local document to be rejected")
	}
}

func TestCLIEventsFollowDocument(t *testing.T) {
	env := setupCLITestEnv(t)
	env.run(t, "submit", "lecture-2", "gs://uploads/lecture-2.pdf")

	out := env.run(t, "events", "--follow", "--document", "lecture-2")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 12 {
		t.Fatalf("expected 12 event lines, got %d:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[len(lines)-1], "Processing Complete 100%") {
		t.Fatalf("unexpected final event line %q", lines[len(lines)-1])
	}

	var resp api.EventsResponse
	if err := json.Unmarshal([]byte(env.run(t, "events", "--document", "lecture-2", "-f", "json")), &resp); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(resp.Events) != 12 || resp.Next < resp.Events[11].Sequence {
		t.Fatalf("unexpected events page %+v", resp)
	}
}

func TestCLICancelUnknownDocument(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"cancel", "missing"}, env.address, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "no active run") {
		t.Fatalf("expected no active run error, got %v", err)
	}
}

func TestCLIStatus(t *testing.T) {
	env := setupCLITestEnv(t)

	out := env.run(t, "status")
	for _, want := range []string{"== Daemon ==", "running (pid", "== Stages ==", "summarization", "Active runs"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}

	var status api.StatusResponse
	if err := json.Unmarshal([]byte(env.run(t, "status", "--format", "json")), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running || status.PID != os.Getpid() || len(status.Engine.Stages) != 5 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestCLIReportsUnavailableDaemon(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	srv := httptest.NewServer(http.NotFoundHandler())
	address := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()
	configPath := writeTestConfig(t, testsupport.NewConfig(t))

	_, _, err := runCLI(t, []string{"state", "lecture-1"}, address, configPath)
	if err == nil || !strings.Contains(err.Error(), "lectern daemon --detach") {
		t.Fatalf("expected start hint, got %v", err)
	}

	out, _, err := runCLI(t, []string{"status"}, address, configPath)
	if err != nil || !strings.Contains(out, "not running") {
		t.Fatalf("status = %q, %v", out, err)
	}

	out, _, err = runCLI(t, []string{"stop"}, address, configPath)
	if err != nil || !strings.Contains(out, "Daemon is not running") {
		t.Fatalf("stop = %q, %v", out, err)
	}
}

func TestConfigCommands(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	target := filepath.Join(home, "lectern", "config.toml")

	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, "", "")
	if err != nil || !strings.Contains(out, "Wrote sample configuration") {
		t.Fatalf("config init = %q, %v", out, err)
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, "", ""); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target, "--overwrite"}, "", ""); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}

	out, _, err = runCLI(t, []string{"config", "validate"}, "", target)
	if err != nil || !strings.Contains(out, "Configuration valid") || !strings.Contains(out, "http://127.0.0.1:8101/invoke") {
		t.Fatalf("config validate = %q, %v", out, err)
	}

	out, _, err = runCLI(t, []string{"config", "show"}, "", target)
	if err != nil || !strings.Contains(out, "[paths]") || !strings.Contains(out, target) {
		t.Fatalf("config show = %q, %v", out, err)
	}

	if err := os.WriteFile(target, []byte("[pipeline]\nmax_concurrent_runs = -1\n"), 0o644); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}
	if _, _, err := runCLI(t, []string{"config", "validate"}, "", target); err == nil {
		t.Fatal("expected invalid config to fail validation")
	}
}

func TestTruncateCollapsesWhitespace(t *testing.T) {
	if got := truncate("a  b\n c", 10); got != "a b c" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate(strings.Repeat("x", 60), 10); len([]rune(got)) != 10 || !strings.HasSuffix(got, "…") {
		t.Fatalf("truncate long = %q", got)
	}
}
