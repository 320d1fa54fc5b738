package pipeline

import (
	"context"

	"lectern/internal/stage"
)

// Status summarizes engine load and stage readiness.
type Status struct {
	Active        int            `json:"active"`
	Waiting       int            `json:"waiting"`
	MaxConcurrent int            `json:"max_concurrent"`
	Unpersisted   int            `json:"unpersisted_results"`
	Closed        bool           `json:"closed"`
	Stages        []stage.Health `json:"stages"`
}

// Status reports current engine load and probes stage health.
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.Lock()
	st := Status{MaxConcurrent: cap(e.slots), Closed: e.closed}
	for _, r := range e.runs {
		if r == nil {
			continue
		}
		st.Active++
		if r.waiting.Load() {
			st.Waiting++
		}
	}
	e.mu.Unlock()
	st.Unpersisted = len(e.cache.unpersisted())
	st.Stages = e.stages.Health(ctx)
	return st
}
