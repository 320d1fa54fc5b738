package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lectern/internal/logging"
	"lectern/internal/progress"
	"lectern/internal/results"
	"lectern/internal/services"
	"lectern/internal/stage"
	"lectern/internal/supervisor"
)

var (
	// ErrAlreadyRunning is returned by Submit for a document with an active run.
	ErrAlreadyRunning = errors.New("document is already being processed")
	// ErrAlreadyProcessed is returned by Submit when a result is already stored.
	ErrAlreadyProcessed = errors.New("document already has a result")
	// ErrNotReady is returned by Result while the run has not finished.
	ErrNotReady = errors.New("result not ready")
	// ErrNotRunning is returned by Cancel when no run is active.
	ErrNotRunning = errors.New("document is not being processed")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("pipeline engine closed")
)

const (
	defaultMaxConcurrent   = 256
	defaultResultCacheSize = 1024
	persistTimeout         = 30 * time.Second

	// stateSubscriber is the hub subscriber that keeps the state read model.
	stateSubscriber = "state-store"
)

// Options wires the engine's collaborators.
type Options struct {
	Stages  stage.Set
	Results results.ResultStore
	// States receives snapshots through a hub subscriber and serves State for
	// runs that are no longer active.
	States     results.StateStore
	Hub        *progress.Hub
	Supervisor *supervisor.Supervisor
	Logger     *slog.Logger
	// MaxConcurrent bounds runs executing stages; further runs wait in UPLOAD_COMPLETE.
	MaxConcurrent   int
	ResultCacheSize int
	Now             func() time.Time
}

// Engine owns the set of active runs.
type Engine struct {
	stages  stage.Set
	results results.ResultStore
	states  results.StateStore
	hub     *progress.Hub
	sup     *supervisor.Supervisor
	logger  *slog.Logger
	now     func() time.Time
	slots   chan struct{}
	cache   *resultCache

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// NewEngine validates the stage registration and constructs an engine.
func NewEngine(opts Options) (*Engine, error) {
	if err := opts.Stages.Validate(); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "register stages", "stage set incomplete", err)
	}
	if opts.Results == nil || opts.States == nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "new engine", "result and state stores are required", nil)
	}
	e := &Engine{
		stages:  opts.Stages,
		results: opts.Results,
		states:  opts.States,
		hub:     opts.Hub,
		sup:     opts.Supervisor,
		logger:  logging.NewComponentLogger(opts.Logger, "pipeline"),
		now:     opts.Now,
		runs:    make(map[string]*run),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sup == nil {
		e.sup = supervisor.New(supervisor.Options{Recorder: supervisor.NewLogRecorder(opts.Logger), Now: e.now})
	}
	if e.hub == nil {
		e.hub = progress.NewHub(progress.HubOptions{Logger: opts.Logger, Now: e.now})
	}
	if err := e.hub.Subscribe(stateSubscriber, progress.NewStateRecorder(e.states), progress.Durable()); err != nil {
		return nil, fmt.Errorf("subscribe state recorder: %w", err)
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	e.slots = make(chan struct{}, maxConcurrent)
	cacheSize := opts.ResultCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultResultCacheSize
	}
	e.cache = newResultCache(cacheSize)
	return e, nil
}

// Hub returns the progress hub the engine publishes to.
func (e *Engine) Hub() *progress.Hub {
	return e.hub
}

// Submit starts a run for doc. It returns once the run is registered and its
// UPLOAD_COMPLETE event published; stages execute in the background.
func (e *Engine) Submit(ctx context.Context, doc stage.DocumentRef) error {
	doc.ID = strings.TrimSpace(doc.ID)
	if doc.ID == "" {
		return services.Wrap(services.ErrValidation, "", "submit", "document id is required", nil)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if _, ok := e.runs[doc.ID]; ok {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	if _, ok := e.cache.get(doc.ID); ok {
		e.mu.Unlock()
		return ErrAlreadyProcessed
	}
	// Reserve the id while the store is consulted.
	e.runs[doc.ID] = nil
	e.mu.Unlock()

	if _, err := e.results.Fetch(ctx, doc.ID); err == nil {
		e.unreserve(doc.ID)
		return ErrAlreadyProcessed
	} else if !errors.Is(err, results.ErrNotFound) {
		e.unreserve(doc.ID)
		return fmt.Errorf("check stored result: %w", err)
	}

	r := e.newRun(ctx, doc)
	e.mu.Lock()
	if e.closed {
		delete(e.runs, doc.ID)
		e.mu.Unlock()
		r.cancel(&CancelError{Reason: ReasonShutdown})
		return ErrClosed
	}
	e.runs[doc.ID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	r.machine.announce()
	r.logger.Info("document submitted",
		logging.String(logging.FieldEventType, "run_submitted"),
		logging.String("uri", doc.URI),
	)
	go e.execute(r)
	return nil
}

func (e *Engine) unreserve(documentID string) {
	e.mu.Lock()
	if r, ok := e.runs[documentID]; ok && r == nil {
		delete(e.runs, documentID)
	}
	e.mu.Unlock()
}

func (e *Engine) lookup(documentID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[documentID]
}

// State returns the current state of a document.
func (e *Engine) State(ctx context.Context, documentID string) (results.State, error) {
	if r := e.lookup(documentID); r != nil {
		return r.machine.snapshot(), nil
	}
	if res, ok := e.cache.get(documentID); ok {
		return res.State, nil
	}
	// A sealed result outranks the read model, which may lag behind it.
	res, err := e.results.Fetch(ctx, documentID)
	if err == nil {
		return res.State, nil
	}
	if !errors.Is(err, results.ErrNotFound) {
		return results.State{}, fmt.Errorf("fetch result: %w", err)
	}
	return e.states.FetchState(ctx, documentID)
}

// Result returns the sealed result of a finished run.
func (e *Engine) Result(ctx context.Context, documentID string) (results.Result, error) {
	if res, ok := e.cache.get(documentID); ok {
		return res, nil
	}
	if r := e.lookup(documentID); r != nil {
		return results.Result{}, ErrNotReady
	}
	res, err := e.results.Fetch(ctx, documentID)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, results.ErrNotFound) {
		return results.Result{}, fmt.Errorf("fetch result: %w", err)
	}
	if st, stErr := e.states.FetchState(ctx, documentID); stErr == nil && !st.Status.IsTerminal() {
		return results.Result{}, ErrNotReady
	}
	return results.Result{}, results.ErrNotFound
}

// Cancel signals the active run of documentID. The run moves to FAILED with
// the message for reason once its in-flight stage returns or the grace period
// elapses.
func (e *Engine) Cancel(documentID string, reason CancelReason) error {
	r := e.lookup(documentID)
	if r == nil {
		return ErrNotRunning
	}
	r.cancel(&CancelError{Reason: reason})
	return nil
}

// Delete cancels any active run for documentID, waits for it to settle, and
// removes the stored result and state.
func (e *Engine) Delete(ctx context.Context, documentID string) error {
	if r := e.lookup(documentID); r != nil {
		r.cancel(&CancelError{Reason: ReasonDeleted})
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// The state recorder must not resurrect the snapshot after removal.
	if err := e.hub.FlushSubscriber(ctx, stateSubscriber); err != nil {
		return fmt.Errorf("flush state recorder: %w", err)
	}
	e.cache.remove(documentID)
	if err := e.results.Delete(ctx, documentID); err != nil && !errors.Is(err, results.ErrNotFound) {
		return fmt.Errorf("delete result: %w", err)
	}
	e.logger.Info("document deleted",
		logging.String(logging.FieldDocumentID, documentID),
		logging.String(logging.FieldEventType, "document_deleted"),
	)
	return nil
}

// Active returns the ids of documents with a run in flight, sorted.
func (e *Engine) Active() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.runs))
	for id, r := range e.runs {
		if r != nil {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Shutdown stops accepting submissions, cancels active runs, and waits for
// them to reach FAILED. Results the store rejected earlier are retried once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	active := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		if r != nil {
			active = append(active, r)
		}
	}
	e.mu.Unlock()

	for _, r := range active {
		r.cancel(&CancelError{Reason: ReasonShutdown})
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, res := range e.cache.unpersisted() {
		e.persist(e.logger.With(logging.String(logging.FieldDocumentID, res.DocumentID)), res)
	}
	if err := e.hub.Flush(ctx); err != nil {
		return fmt.Errorf("flush progress: %w", err)
	}
	return nil
}

// newRun detaches the run from the submitting request but keeps its
// correlation id.
func (e *Engine) newRun(parent context.Context, doc stage.DocumentRef) *run {
	runID := uuid.NewString()
	ctx := services.WithRunID(services.WithDocumentID(context.Background(), doc.ID), runID)
	if requestID, ok := services.RequestIDFromContext(parent); ok {
		ctx = services.WithRequestID(ctx, requestID)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &run{
		doc:     doc,
		id:      runID,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		machine: newMachine(doc.ID, runID, e.hub, e.now),
		agg:     newAggregator(doc.ID, runID),
		logger:  logging.WithContext(ctx, e.logger),
	}
}
