package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lectern/internal/config"
)

var (
	// ErrNotFound is returned when no record exists for a document id.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyPersisted is returned when a result for the document already exists.
	ErrAlreadyPersisted = errors.New("result already persisted")
)

// InterruptedReason is recorded on runs a restart left unfinished.
const InterruptedReason = "Processing was interrupted. Please delete the document and upload it again."

// ResultStore keeps final processing results.
type ResultStore interface {
	// Persist stores r. It never overwrites; a second call for the same
	// document returns ErrAlreadyPersisted.
	Persist(ctx context.Context, r Result) error
	Fetch(ctx context.Context, documentID string) (Result, error)
	// Delete removes the result and state recorded for the document.
	Delete(ctx context.Context, documentID string) error
}

// StateStore keeps the latest state snapshot of every document.
type StateStore interface {
	SaveState(ctx context.Context, s State) error
	FetchState(ctx context.Context, documentID string) (State, error)
	// ListStates returns snapshots ordered by start time; an empty filter returns all.
	ListStates(ctx context.Context, statuses ...Status) ([]State, error)
}

// Store combines both stores with lifecycle maintenance.
type Store interface {
	ResultStore
	StateStore
	// FailInterrupted marks every non-terminal snapshot FAILED and stores a
	// failed result for it. It returns the states it changed.
	FailInterrupted(ctx context.Context, now time.Time) ([]State, error)
	Close() error
}

// Open constructs the store selected by cfg.Store.Driver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "firestore":
		return OpenFirestore(ctx, cfg.Store.FirestoreProject, cfg.Store.FirestoreCollection)
	case "sqlite", "":
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, fmt.Errorf("ensure directories: %w", err)
		}
		return OpenSQLite(cfg.StoreDBPath())
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// shouldReplace reports whether incoming may overwrite existing. Snapshots
// from the same run never move backwards.
func shouldReplace(existing, incoming State) bool {
	if existing.RunID != incoming.RunID {
		return true
	}
	if existing.Status.IsTerminal() && existing.Status != incoming.Status {
		return false
	}
	return incoming.Status.Rank() >= existing.Status.Rank()
}

func interruptedResult(s State) Result {
	return Result{
		DocumentID: s.DocumentID,
		RunID:      s.RunID,
		Status:     StatusFailed,
		Outputs:    nil,
		State:      s,
		Errors:     []string{InterruptedReason},
		CreatedAt:  s.UpdatedAt,
	}
}

func markInterrupted(s State, now time.Time) State {
	s.Status = StatusFailed
	s.ErrorMessage = InterruptedReason
	s.UpdatedAt = now.UTC()
	return s
}
