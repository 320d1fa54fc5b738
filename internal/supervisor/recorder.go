package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lectern/internal/logging"
	"lectern/internal/services"
	"lectern/internal/stage"
)

// FailureRecord is the structured technical detail of one failed attempt.
type FailureRecord struct {
	DocumentID string        `json:"document_id"`
	Stage      stage.Name    `json:"stage"`
	Attempt    int           `json:"attempt"`
	Kind       services.Kind `json:"error_kind"`
	Terminal   bool          `json:"terminal"`
	Abandoned  bool          `json:"abandoned,omitempty"`
	Detail     string        `json:"detail"`
	Timestamp  time.Time     `json:"timestamp"`
}

// FailureRecorder receives one record per failed attempt.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, rec FailureRecord)
}

// NopRecorder discards failure records.
type NopRecorder struct{}

func (NopRecorder) RecordFailure(context.Context, FailureRecord) {}

// LogRecorder writes failure records to a structured logger.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder returns a recorder logging through logger.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logging.NewComponentLogger(logger, "supervisor")}
}

func (r *LogRecorder) RecordFailure(ctx context.Context, rec FailureRecord) {
	logger := r.logger
	if runID, ok := services.RunIDFromContext(ctx); ok {
		logger = logger.With(logging.String(logging.FieldRunID, runID))
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldDocumentID, rec.DocumentID),
		logging.String(logging.FieldStage, string(rec.Stage)),
		logging.Int(logging.FieldAttempt, rec.Attempt),
		logging.String(logging.FieldErrorKind, string(rec.Kind)),
		logging.String("detail", rec.Detail),
		logging.Bool("terminal", rec.Terminal),
		logging.Any("timestamp", rec.Timestamp),
	}
	if rec.Abandoned {
		attrs = append(attrs, logging.Bool("abandoned", true))
	}
	if !rec.Terminal {
		attrs = append(attrs,
			logging.String(logging.FieldEventType, "stage_retry"),
			logging.String(logging.FieldErrorHint, "retrying once with a fresh deadline"),
			logging.String(logging.FieldImpact, "stage latency increased"),
		)
		logging.WarnWithContext(logger, "stage attempt failed", "stage_retry", attrs...)
		return
	}
	logging.ErrorWithContext(logger, "stage failed", "stage_failure",
		append(attrs, logging.String(logging.FieldErrorHint, hintFor(rec.Kind)))...)
}

func hintFor(kind services.Kind) string {
	switch kind {
	case services.KindPermanent:
		return "stage rejected the input; inspect the document"
	case services.KindTimeout:
		return "stage exceeded its deadline twice; check collaborator latency"
	case services.KindCanceled:
		return "run was cancelled"
	default:
		return "stage collaborator unavailable; check its health"
	}
}

// MemoryRecorder keeps failure records in memory.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []FailureRecord
}

func (r *MemoryRecorder) RecordFailure(_ context.Context, rec FailureRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

// Records returns a copy of the recorded failures.
func (r *MemoryRecorder) Records() []FailureRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FailureRecord(nil), r.records...)
}

// Recorders fans a record out to several recorders in order.
type Recorders []FailureRecorder

func (rs Recorders) RecordFailure(ctx context.Context, rec FailureRecord) {
	for _, r := range rs {
		if r != nil {
			r.RecordFailure(ctx, rec)
		}
	}
}
