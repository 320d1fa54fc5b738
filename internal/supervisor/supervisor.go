// Package supervisor wraps a single stage invocation with a deadline and a
// bounded retry policy.
//
// Each attempt runs under its own deadline. A transient failure or a timeout
// is retried once with the same input and a fresh deadline; permanent
// failures are never retried. Cancellation of the parent context is terminal:
// the in-flight call is signalled and awaited for at most the grace period
// before its result is abandoned. Every failure is handed to the
// FailureRecorder before Run returns, so callers can rely on the failure
// record existing before they apply any state transition.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lectern/internal/services"
	"lectern/internal/stage"
)

const (
	// MaxAttempts caps invocations per stage: one initial call plus one retry.
	MaxAttempts = 2

	DefaultTimeout = 60 * time.Second
	DefaultGrace   = 5 * time.Second
)

// Result is the outcome of a single invocation attempt.
type Result string

const (
	ResultPending          Result = "pending"
	ResultSuccess          Result = "success"
	ResultRetryableFailure Result = "retryable_failure"
	ResultTerminalFailure  Result = "terminal_failure"
)

// Invocation records one attempt at running a stage.
type Invocation struct {
	Stage     stage.Name    `json:"stage"`
	Attempt   int           `json:"attempt"`
	StartedAt time.Time     `json:"started_at"`
	Deadline  time.Time     `json:"deadline"`
	Result    Result        `json:"result"`
	Kind      services.Kind `json:"kind,omitempty"`
}

// Outcome summarizes a supervised stage run.
type Outcome struct {
	Output      stage.Output
	Invocations []Invocation
	Kind        services.Kind
	Err         error
	Canceled    bool
	// Abandoned is set when a cancelled call did not return within the grace period.
	Abandoned bool
}

// Succeeded reports whether the stage produced an output.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Attempts returns the number of invocations made.
func (o Outcome) Attempts() int {
	return len(o.Invocations)
}

// Options configures a Supervisor.
type Options struct {
	Timeout time.Duration
	// StageTimeouts overrides Timeout for individual stages.
	StageTimeouts map[stage.Name]time.Duration
	Grace         time.Duration
	Recorder      FailureRecorder
	Now           func() time.Time
}

// Supervisor runs stages under deadlines. It holds no per-run state and is
// safe for concurrent use.
type Supervisor struct {
	timeout  time.Duration
	timeouts map[stage.Name]time.Duration
	grace    time.Duration
	recorder FailureRecorder
	now      func() time.Time
}

// New constructs a Supervisor, filling unset options with defaults.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		timeout:  opts.Timeout,
		timeouts: make(map[stage.Name]time.Duration, len(opts.StageTimeouts)),
		grace:    opts.Grace,
		recorder: opts.Recorder,
		now:      opts.Now,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.grace < 0 {
		s.grace = 0
	}
	for name, timeout := range opts.StageTimeouts {
		if timeout > 0 {
			s.timeouts[name] = timeout
		}
	}
	if s.recorder == nil {
		s.recorder = NopRecorder{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Grace returns the cancellation grace period.
func (s *Supervisor) Grace() time.Duration {
	return s.grace
}

// TimeoutFor returns the per-attempt deadline applied to name.
func (s *Supervisor) TimeoutFor(name stage.Name) time.Duration {
	if timeout, ok := s.timeouts[name]; ok {
		return timeout
	}
	return s.timeout
}

// Run invokes impl for document docID, retrying once on transient failure.
func (s *Supervisor) Run(ctx context.Context, docID string, name stage.Name, impl stage.Stage, in stage.Input) Outcome {
	ctx = services.WithStage(services.WithDocumentID(ctx, docID), string(name))
	var outcome Outcome

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return s.canceled(ctx, docID, name, attempt, outcome, false)
		}

		inv := Invocation{Stage: name, Attempt: attempt, Result: ResultPending}
		res := s.attempt(services.WithAttempt(ctx, attempt), impl, in, s.TimeoutFor(name), &inv)
		if res.err == nil {
			inv.Result = ResultSuccess
			outcome.Invocations = append(outcome.Invocations, inv)
			outcome.Output = res.output
			// An unmarked output belongs to the stage that produced it.
			outcome.Output.Stage = name
			outcome.Kind = ""
			outcome.Err = nil
			return outcome
		}

		if res.canceled {
			inv.Result = ResultTerminalFailure
			inv.Kind = services.KindCanceled
			outcome.Invocations = append(outcome.Invocations, inv)
			return s.canceled(ctx, docID, name, attempt, outcome, res.abandoned)
		}

		retry := res.kind.Retryable() && attempt < MaxAttempts
		inv.Kind = res.kind
		inv.Result = ResultTerminalFailure
		if retry {
			inv.Result = ResultRetryableFailure
		}
		outcome.Invocations = append(outcome.Invocations, inv)
		outcome.Kind = res.kind
		outcome.Err = res.err

		s.recorder.RecordFailure(ctx, FailureRecord{
			DocumentID: docID,
			Stage:      name,
			Attempt:    attempt,
			Kind:       res.kind,
			Terminal:   !retry,
			Detail:     res.err.Error(),
			Timestamp:  s.now().UTC(),
		})
		if !retry {
			return outcome
		}
	}
	return outcome
}

type attemptResult struct {
	output    stage.Output
	err       error
	kind      services.Kind
	canceled  bool
	abandoned bool
}

type callResult struct {
	output stage.Output
	err    error
}

func (s *Supervisor) attempt(ctx context.Context, impl stage.Stage, in stage.Input, timeout time.Duration, inv *Invocation) attemptResult {
	inv.StartedAt = s.now().UTC()
	inv.Deadline = inv.StartedAt.Add(timeout)

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so an abandoned call can still deliver and exit.
	done := make(chan callResult, 1)
	want := inv.Stage
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: stage.Permanent("stage panicked", fmt.Errorf("%v", r))}
			}
		}()
		out, err := impl.Invoke(attemptCtx, cloneInput(in))
		if err == nil && out.Stage != "" && out.Stage != want {
			err = stage.Permanent("output marked for another stage", fmt.Errorf("%s returned output marked %s", want, out.Stage))
		}
		done <- callResult{output: out, err: err}
	}()

	select {
	case res := <-done:
		return s.classify(ctx, attemptCtx, res)
	case <-attemptCtx.Done():
	}

	// Prefer a result that raced the deadline.
	select {
	case res := <-done:
		return s.classify(ctx, attemptCtx, res)
	default:
	}

	if ctx.Err() != nil {
		cancel()
		return s.awaitGrace(done)
	}
	return attemptResult{
		err:  services.Wrap(services.ErrTimeout, string(inv.Stage), "invoke", fmt.Sprintf("deadline of %s exceeded", timeout), context.DeadlineExceeded),
		kind: services.KindTimeout,
	}
}

func (s *Supervisor) classify(parent, attemptCtx context.Context, res callResult) attemptResult {
	if parent.Err() != nil {
		return attemptResult{err: context.Cause(parent), canceled: true}
	}
	if res.err == nil {
		return attemptResult{output: res.output}
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return attemptResult{err: res.err, kind: services.KindTimeout}
	}
	kind := stage.KindOf(res.err)
	if kind == services.KindCanceled {
		// The stage gave up on its own; nothing cancelled it from here.
		kind = services.KindTransient
	}
	return attemptResult{err: res.err, kind: kind}
}

func (s *Supervisor) awaitGrace(done <-chan callResult) attemptResult {
	if s.grace <= 0 {
		return attemptResult{canceled: true, abandoned: true}
	}
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-done:
		return attemptResult{canceled: true}
	case <-timer.C:
		return attemptResult{canceled: true, abandoned: true}
	}
}

func (s *Supervisor) canceled(ctx context.Context, docID string, name stage.Name, attempt int, outcome Outcome, abandoned bool) Outcome {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	outcome.Output = stage.Output{}
	outcome.Kind = services.KindCanceled
	outcome.Err = cause
	outcome.Canceled = true
	outcome.Abandoned = abandoned
	s.recorder.RecordFailure(ctx, FailureRecord{
		DocumentID: docID,
		Stage:      name,
		Attempt:    attempt,
		Kind:       services.KindCanceled,
		Terminal:   true,
		Detail:     cause.Error(),
		Abandoned:  abandoned,
		Timestamp:  s.now().UTC(),
	})
	return outcome
}

func cloneInput(in stage.Input) stage.Input {
	out := stage.Input{}
	if in.Document != nil {
		doc := *in.Document
		if in.Document.Metadata != nil {
			doc.Metadata = make(map[string]string, len(in.Document.Metadata))
			for k, v := range in.Document.Metadata {
				doc.Metadata[k] = v
			}
		}
		out.Document = &doc
	}
	if in.Previous != nil {
		prev := in.Previous.Clone()
		out.Previous = &prev
	}
	return out
}
