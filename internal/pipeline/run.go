package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"lectern/internal/logging"
	"lectern/internal/results"
	"lectern/internal/services"
	"lectern/internal/stage"
)

// run is the single writer of one document's state.
type run struct {
	doc     stage.DocumentRef
	id      string
	ctx     context.Context
	cancel  context.CancelCauseFunc
	done    chan struct{}
	machine *machine
	agg     *aggregator
	logger  *slog.Logger
	waiting atomic.Bool
}

func (e *Engine) execute(r *run) {
	defer e.wg.Done()
	defer close(r.done)
	defer e.forget(r)
	defer r.cancel(nil)

	if !e.acquire(r) {
		e.fail(r, CancelMessage(reasonOf(context.Cause(r.ctx))))
		return
	}
	defer e.release()

	doc := r.doc
	input := stage.Input{Document: &doc}
	for _, name := range stage.Order {
		out, ok := e.runStage(r, name, input)
		if !ok {
			return
		}
		input = stage.Input{Previous: &out}
	}
	e.finish(r, results.StatusProcessingComplete, "")
}

func (e *Engine) acquire(r *run) bool {
	select {
	case e.slots <- struct{}{}:
		return true
	default:
	}
	r.waiting.Store(true)
	defer r.waiting.Store(false)
	r.logger.Debug("run waiting for a free slot", logging.Int("max_concurrent", cap(e.slots)))
	select {
	case e.slots <- struct{}{}:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (e *Engine) release() {
	<-e.slots
}

func (e *Engine) forget(r *run) {
	e.mu.Lock()
	if e.runs[r.doc.ID] == r {
		delete(e.runs, r.doc.ID)
	}
	e.mu.Unlock()
}

// runStage executes one stage and applies its outcome. It returns the output
// the next stage consumes, or false once the run has ended.
func (e *Engine) runStage(r *run, name stage.Name, in stage.Input) (stage.Output, bool) {
	logger := r.logger.With(logging.String(logging.FieldStage, string(name)))
	if err := r.machine.begin(name); err != nil {
		e.abort(r, logger, err)
		return stage.Output{}, false
	}
	started := e.now()
	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Duration("timeout", e.sup.TimeoutFor(name)),
	)

	outcome := e.sup.Run(r.ctx, r.doc.ID, name, e.stages.Lookup(name), in)
	switch {
	case outcome.Succeeded():
		r.agg.record(outcome.Output)
		if err := r.machine.complete(name, ""); err != nil {
			e.abort(r, logger, err)
			return stage.Output{}, false
		}
		logger.Info("stage completed",
			logging.String(logging.FieldEventType, "stage_complete"),
			logging.Int("attempts", outcome.Attempts()),
			logging.Int("payload_bytes", len(outcome.Output.Payload)),
			logging.Duration("stage_duration", e.now().Sub(started)),
		)
		return outcome.Output.Clone(), true

	case outcome.Canceled:
		reason := reasonOf(outcome.Err)
		logger.Info("stage cancelled",
			logging.String(logging.FieldEventType, "stage_cancelled"),
			logging.String("reason", string(reason)),
			logging.Bool("abandoned", outcome.Abandoned),
		)
		e.fail(r, CancelMessage(reason))
		return stage.Output{}, false

	case stage.Degradable(name):
		fallback := r.agg.fallback(name)
		notice := FallbackNotice(name)
		r.agg.record(fallback)
		r.agg.note(notice)
		if err := r.machine.complete(name, notice); err != nil {
			e.abort(r, logger, err)
			return stage.Output{}, false
		}
		logger.Info("stage replaced by summary",
			logging.String(logging.FieldEventType, "stage_fallback"),
			logging.String(logging.FieldErrorKind, string(outcome.Kind)),
			logging.Int("attempts", outcome.Attempts()),
			logging.String(logging.FieldImpact, "result carries the English summary for this stage"),
		)
		return fallback.Clone(), true

	default:
		e.fail(r, FailureMessage(name, outcome.Kind))
		return stage.Output{}, false
	}
}

func (e *Engine) fail(r *run, message string) {
	e.finish(r, results.StatusFailed, message)
}

// abort ends a run whose state machine rejected a transition.
func (e *Engine) abort(r *run, logger *slog.Logger, err error) {
	logging.ErrorWithContext(logger, "state transition rejected", "state_transition_invalid",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "report this run id"),
	)
	if r.machine.snapshot().Status.IsTerminal() {
		return
	}
	e.fail(r, internalErrorMessage)
}

// finish moves the run to a terminal status, seals and persists the result,
// records the terminal state, and only then publishes the terminal event.
func (e *Engine) finish(r *run, status results.Status, message string) {
	r.agg.note(message)
	evt, err := r.machine.settle(status, message)
	if err != nil {
		logging.ErrorWithContext(r.logger, "terminal transition rejected", "state_transition_invalid", logging.Error(err))
		return
	}
	res, first := r.agg.seal(r.machine.snapshot(), e.now())
	if first {
		e.cache.put(res, false)
		e.persist(r.logger, res)
		e.saveTerminalState(r.logger, res.State)
	}
	e.hub.Publish(evt)

	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "run_finished"),
		logging.String(logging.FieldState, string(status)),
		logging.Int("outputs", len(res.Outputs)),
		logging.Bool("degraded", r.machine.isDegraded()),
		logging.Duration("run_duration", e.now().Sub(res.State.StartedAt)),
	}
	if status == results.StatusFailed {
		attrs = append(attrs, logging.String("reason", message))
	}
	r.logger.Info("pipeline finished", logging.Args(attrs...)...)
}

func (e *Engine) persist(logger *slog.Logger, res results.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := e.results.Persist(ctx, res)
	if errors.Is(err, results.ErrAlreadyPersisted) {
		err = e.checkStoredRun(ctx, res)
	}
	if err == nil {
		e.cache.markPersisted(res.DocumentID)
		return
	}
	logging.ErrorWithContext(logger, "result persistence failed; keeping result in memory", "result_persist_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorKind, string(services.KindOf(err))),
		logging.String(logging.FieldErrorHint, "check the result store"),
		logging.String(logging.FieldImpact, "result is served from memory until persisted"),
	)
}

// checkStoredRun accepts an existing stored result only when this run wrote it.
func (e *Engine) checkStoredRun(ctx context.Context, res results.Result) error {
	stored, err := e.results.Fetch(ctx, res.DocumentID)
	if err != nil {
		return fmt.Errorf("read back stored result: %w", err)
	}
	if stored.RunID != res.RunID {
		return fmt.Errorf("%w by run %s", results.ErrAlreadyPersisted, stored.RunID)
	}
	return nil
}

// saveTerminalState writes the final snapshot directly instead of waiting for
// the state recorder.
func (e *Engine) saveTerminalState(logger *slog.Logger, st results.State) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.states.SaveState(ctx, st); err != nil {
		logging.WarnWithContext(logger, "terminal state not saved; the state recorder will retry", "state_save_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the state store"),
		)
	}
}
