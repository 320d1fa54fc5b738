package results

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"lectern/internal/stage"
)

// FirestoreStore keeps states and results in two Firestore collections,
// <collection>_states and <collection>_results, keyed by document id.
type FirestoreStore struct {
	client  *firestore.Client
	states  *firestore.CollectionRef
	results *firestore.CollectionRef
}

type firestoreOutput struct {
	Stage       string            `firestore:"stage"`
	ContentType string            `firestore:"content_type"`
	Payload     []byte            `firestore:"payload"`
	Attributes  map[string]string `firestore:"attributes"`
	Fallback    bool              `firestore:"fallback"`
}

type firestoreResult struct {
	DocumentID string                     `firestore:"document_id"`
	RunID      string                     `firestore:"run_id"`
	Status     string                     `firestore:"status"`
	Outputs    map[string]firestoreOutput `firestore:"outputs"`
	State      State                      `firestore:"state"`
	Errors     []string                   `firestore:"errors"`
	CreatedAt  time.Time                  `firestore:"created_at"`
}

// OpenFirestore creates a client for projectID and returns a store over collection.
func OpenFirestore(ctx context.Context, projectID, collection string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return NewFirestoreStore(client, collection), nil
}

// NewFirestoreStore wraps an existing client.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	return &FirestoreStore{
		client:  client,
		states:  client.Collection(collection + "_states"),
		results: client.Collection(collection + "_results"),
	}
}

func docID(documentID string) string {
	return url.PathEscape(documentID)
}

func (f *FirestoreStore) Persist(ctx context.Context, r Result) error {
	rec := firestoreResult{
		DocumentID: r.DocumentID,
		RunID:      r.RunID,
		Status:     string(r.Status),
		Outputs:    make(map[string]firestoreOutput, len(r.Outputs)),
		State:      r.State,
		Errors:     r.Errors,
		CreatedAt:  r.CreatedAt,
	}
	for name, out := range r.Outputs {
		rec.Outputs[string(name)] = firestoreOutput{
			Stage:       string(out.Stage),
			ContentType: out.ContentType,
			Payload:     out.Payload,
			Attributes:  out.Attributes,
			Fallback:    out.Fallback,
		}
	}
	if _, err := f.results.Doc(docID(r.DocumentID)).Create(ctx, rec); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return ErrAlreadyPersisted
		}
		return fmt.Errorf("create result document: %w", err)
	}
	return nil
}

func (f *FirestoreStore) Fetch(ctx context.Context, documentID string) (Result, error) {
	snap, err := f.results.Doc(docID(documentID)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Result{}, ErrNotFound
		}
		return Result{}, fmt.Errorf("get result document: %w", err)
	}
	var rec firestoreResult
	if err := snap.DataTo(&rec); err != nil {
		return Result{}, fmt.Errorf("decode result document: %w", err)
	}
	r := Result{
		DocumentID: rec.DocumentID,
		RunID:      rec.RunID,
		Status:     Status(rec.Status),
		Outputs:    make(map[stage.Name]stage.Output, len(rec.Outputs)),
		State:      rec.State,
		Errors:     rec.Errors,
		CreatedAt:  rec.CreatedAt,
	}
	for name, out := range rec.Outputs {
		r.Outputs[stage.Name(name)] = stage.Output{
			Stage:       stage.Name(out.Stage),
			ContentType: out.ContentType,
			Payload:     out.Payload,
			Attributes:  out.Attributes,
			Fallback:    out.Fallback,
		}
	}
	return r, nil
}

func (f *FirestoreStore) Delete(ctx context.Context, documentID string) error {
	return f.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if err := tx.Delete(f.results.Doc(docID(documentID))); err != nil {
			return fmt.Errorf("delete result document: %w", err)
		}
		if err := tx.Delete(f.states.Doc(docID(documentID))); err != nil {
			return fmt.Errorf("delete state document: %w", err)
		}
		return nil
	})
}

func (f *FirestoreStore) SaveState(ctx context.Context, s State) error {
	ref := f.states.Doc(docID(s.DocumentID))
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var existing State
			if err := snap.DataTo(&existing); err != nil {
				return fmt.Errorf("decode state document: %w", err)
			}
			if !shouldReplace(existing, s) {
				return nil
			}
		case status.Code(err) != codes.NotFound:
			return fmt.Errorf("get state document: %w", err)
		}
		return tx.Set(ref, s)
	})
}

func (f *FirestoreStore) FetchState(ctx context.Context, documentID string) (State, error) {
	snap, err := f.states.Doc(docID(documentID)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return State{}, ErrNotFound
		}
		return State{}, fmt.Errorf("get state document: %w", err)
	}
	var s State
	if err := snap.DataTo(&s); err != nil {
		return State{}, fmt.Errorf("decode state document: %w", err)
	}
	return s, nil
}

func (f *FirestoreStore) ListStates(ctx context.Context, statuses ...Status) ([]State, error) {
	query := f.states.Query
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, s := range statuses {
			values[i] = string(s)
		}
		query = query.Where("status", "in", values)
	}
	return f.collectStates(ctx, query)
}

func (f *FirestoreStore) FailInterrupted(ctx context.Context, now time.Time) ([]State, error) {
	pending, err := f.collectStates(ctx, f.states.Where("status", "not-in", []string{string(StatusProcessingComplete), string(StatusFailed)}))
	if err != nil {
		return nil, err
	}
	changed := make([]State, 0, len(pending))
	for _, s := range pending {
		failed := markInterrupted(s, now)
		if err := f.SaveState(ctx, failed); err != nil {
			return changed, err
		}
		if err := f.Persist(ctx, interruptedResult(failed)); err != nil && !errors.Is(err, ErrAlreadyPersisted) {
			return changed, err
		}
		changed = append(changed, failed)
	}
	return changed, nil
}

func (f *FirestoreStore) Close() error {
	return f.client.Close()
}

func (f *FirestoreStore) collectStates(ctx context.Context, query firestore.Query) ([]State, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()
	var out []State
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate states: %w", err)
		}
		var s State
		if err := snap.DataTo(&s); err != nil {
			return nil, fmt.Errorf("decode state document: %w", err)
		}
		out = append(out, s)
	}
	sortStates(out)
	return out, nil
}
