package results

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps results and states in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]Result
	states  map[string]State
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results: make(map[string]Result),
		states:  make(map[string]State),
	}
}

func (m *MemoryStore) Persist(_ context.Context, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[r.DocumentID]; ok {
		return ErrAlreadyPersisted
	}
	m.results[r.DocumentID] = r.Clone()
	return nil
}

func (m *MemoryStore) Fetch(_ context.Context, documentID string) (Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[documentID]
	if !ok {
		return Result{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.results, documentID)
	delete(m.states, documentID)
	return nil
}

func (m *MemoryStore) SaveState(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.states[s.DocumentID]; ok && !shouldReplace(existing, s) {
		return nil
	}
	m.states[s.DocumentID] = s
	return nil
}

func (m *MemoryStore) FetchState(_ context.Context, documentID string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[documentID]
	if !ok {
		return State{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ListStates(_ context.Context, statuses ...Status) ([]State, error) {
	filter := make(map[Status]struct{}, len(statuses))
	for _, status := range statuses {
		filter[status] = struct{}{}
	}
	m.mu.RLock()
	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		if len(filter) > 0 {
			if _, ok := filter[s.Status]; !ok {
				continue
			}
		}
		out = append(out, s)
	}
	m.mu.RUnlock()
	sortStates(out)
	return out, nil
}

func (m *MemoryStore) FailInterrupted(_ context.Context, now time.Time) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []State
	for id, s := range m.states {
		if s.Status.IsTerminal() {
			continue
		}
		failed := markInterrupted(s, now)
		m.states[id] = failed
		if _, ok := m.results[id]; !ok {
			m.results[id] = interruptedResult(failed)
		}
		changed = append(changed, failed)
	}
	sortStates(changed)
	return changed, nil
}

func (m *MemoryStore) Close() error { return nil }

func sortStates(states []State) {
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].StartedAt.Equal(states[j].StartedAt) {
			return states[i].DocumentID < states[j].DocumentID
		}
		return states[i].StartedAt.Before(states[j].StartedAt)
	})
}
