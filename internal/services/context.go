package services

import "context"

// contextKey namespaces the run identity values carried through a context.
type contextKey struct{ name string }

var (
	documentIDKey = &contextKey{"document_id"}
	runIDKey      = &contextKey{"run_id"}
	stageKey      = &contextKey{"stage"}
	attemptKey    = &contextKey{"attempt"}
	requestIDKey  = &contextKey{"request_id"}
)

// withValue stores v under key unless v is the zero value.
func withValue[T comparable](ctx context.Context, key *contextKey, v T) context.Context {
	var zero T
	if v == zero {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

func valueOf[T comparable](ctx context.Context, key *contextKey) (T, bool) {
	v, ok := ctx.Value(key).(T)
	var zero T
	return v, ok && v != zero
}

// WithDocumentID tags ctx with the document a run is processing.
func WithDocumentID(ctx context.Context, id string) context.Context {
	return withValue(ctx, documentIDKey, id)
}

func DocumentIDFromContext(ctx context.Context) (string, bool) {
	return valueOf[string](ctx, documentIDKey)
}

// WithRunID tags ctx with the run identifier assigned at submit.
func WithRunID(ctx context.Context, id string) context.Context {
	return withValue(ctx, runIDKey, id)
}

func RunIDFromContext(ctx context.Context) (string, bool) {
	return valueOf[string](ctx, runIDKey)
}

// WithStage tags ctx with the stage currently executing.
func WithStage(ctx context.Context, stage string) context.Context {
	return withValue(ctx, stageKey, stage)
}

func StageFromContext(ctx context.Context) (string, bool) {
	return valueOf[string](ctx, stageKey)
}

// WithAttempt tags ctx with the 1-based invocation number within a stage.
// Non-positive values are ignored.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	if attempt < 0 {
		return ctx
	}
	return withValue(ctx, attemptKey, attempt)
}

func AttemptFromContext(ctx context.Context) (int, bool) {
	n, ok := valueOf[int](ctx, attemptKey)
	return n, ok && n > 0
}

// WithRequestID tags ctx with the API request correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	return valueOf[string](ctx, requestIDKey)
}
