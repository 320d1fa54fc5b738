package pipeline

import (
	"sync"
	"time"

	"lectern/internal/results"
	"lectern/internal/stage"
)

// aggregator collects the outputs and user-visible errors of one run and
// seals them into a result exactly once.
type aggregator struct {
	documentID string
	runID      string

	mu      sync.Mutex
	outputs map[stage.Name]stage.Output
	errors  []string

	once   sync.Once
	sealed results.Result
}

func newAggregator(documentID, runID string) *aggregator {
	return &aggregator{
		documentID: documentID,
		runID:      runID,
		outputs:    make(map[stage.Name]stage.Output, len(stage.Order)),
	}
}

// record stores a copy of out under its producing stage.
func (a *aggregator) record(out stage.Output) {
	a.mu.Lock()
	a.outputs[out.Stage] = out.Clone()
	a.mu.Unlock()
}

func (a *aggregator) note(message string) {
	if message == "" {
		return
	}
	a.mu.Lock()
	a.errors = append(a.errors, message)
	a.mu.Unlock()
}

// fallback builds the substitute output of a degradable stage from the
// English summary.
func (a *aggregator) fallback(name stage.Name) stage.Output {
	a.mu.Lock()
	summary := a.outputs[stage.Summarization]
	a.mu.Unlock()
	out := summary.Clone()
	out.Stage = name
	out.Fallback = true
	return out
}

// seal builds the immutable result. Only the first call builds; the boolean
// reports whether this call did.
func (a *aggregator) seal(state results.State, createdAt time.Time) (results.Result, bool) {
	first := false
	a.once.Do(func() {
		first = true
		a.mu.Lock()
		defer a.mu.Unlock()
		res := results.Result{
			DocumentID: a.documentID,
			RunID:      a.runID,
			Status:     state.Status,
			Outputs:    make(map[stage.Name]stage.Output, len(a.outputs)),
			State:      state,
			Errors:     append([]string{}, a.errors...),
			CreatedAt:  createdAt.UTC(),
		}
		for name, out := range a.outputs {
			res.Outputs[name] = out.Clone()
		}
		a.sealed = res
	})
	return a.sealed.Clone(), first
}
