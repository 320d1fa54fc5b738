package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"lectern/internal/pipeline"
	"lectern/internal/results"
	"lectern/internal/services"
	"lectern/internal/stage"
)

func TestRetryAdviceMentionsDeletion(t *testing.T) {
	var messages []string
	for _, name := range stage.Order {
		for _, kind := range []services.Kind{services.KindTransient, services.KindPermanent, services.KindTimeout} {
			messages = append(messages, pipeline.FailureMessage(name, kind))
		}
	}
	for _, reason := range []pipeline.CancelReason{pipeline.ReasonRequested, pipeline.ReasonDeleted, pipeline.ReasonShutdown} {
		messages = append(messages, pipeline.CancelMessage(reason))
	}
	messages = append(messages, pipeline.FailureMessage("unknown", services.KindPermanent), results.InterruptedReason)

	for _, msg := range messages {
		if strings.Contains(msg, "again") && !strings.Contains(msg, "elete the document") {
			t.Errorf("message invites a retry without mentioning deletion: %q", msg)
		}
	}
}

func TestFailedDocumentResubmitsAfterDelete(t *testing.T) {
	stages := newFakeStages()
	stages.override(stage.Extraction, func(context.Context, stage.Input) (stage.Output, error) {
		return stage.Output{}, stage.Permanent("encrypted pdf", nil)
	})
	h := newHarness(t, stages, harnessOptions{})
	h.submit(t, "doc-retry")

	res := h.waitResult(t, "doc-retry", 5*time.Second)
	want := pipeline.FailureMessage(stage.Extraction, services.KindPermanent)
	if res.Status != results.StatusFailed || res.State.ErrorMessage != want {
		t.Fatalf("unexpected failure %s %q", res.Status, res.State.ErrorMessage)
	}
	if err := h.engine.Submit(context.Background(), stage.DocumentRef{ID: "doc-retry"}); !errors.Is(err, pipeline.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed before delete, got %v", err)
	}

	stages.mu.Lock()
	delete(stages.overrides, stage.Extraction)
	stages.mu.Unlock()
	if err := h.engine.Delete(context.Background(), "doc-retry"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	h.submit(t, "doc-retry")
	if res := h.waitResult(t, "doc-retry", 5*time.Second); res.Status != results.StatusProcessingComplete {
		t.Fatalf("resubmitted run ended %s", res.Status)
	}
}
