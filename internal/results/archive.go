package results

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"lectern/internal/config"
	"lectern/internal/logging"
)

// Archiver keeps a long-term copy of finished results outside the store.
type Archiver interface {
	Archive(ctx context.Context, r Result) error
	Remove(ctx context.Context, documentID string) error
}

// ArchivedStore copies every result persisted through it to an Archiver.
// Archive failures are logged and never fail the store operation.
type ArchivedStore struct {
	Store
	archiver Archiver
	logger   *slog.Logger
}

// NewArchivedStore wraps store. A nil logger discards archive warnings.
func NewArchivedStore(store Store, archiver Archiver, logger *slog.Logger) *ArchivedStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ArchivedStore{
		Store:    store,
		archiver: archiver,
		logger:   logging.NewComponentLogger(logger, "result-archive"),
	}
}

// WithArchive wraps store with a Cloud Storage archiver when
// cfg.Store.ArchiveBucket is set, and returns store unchanged otherwise.
func WithArchive(ctx context.Context, cfg *config.Config, store Store, logger *slog.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Store.ArchiveBucket) == "" {
		return store, nil
	}
	archiver, err := OpenGCSArchiver(ctx, cfg.Store.ArchiveBucket, cfg.Store.ArchivePrefix)
	if err != nil {
		return nil, err
	}
	return NewArchivedStore(store, archiver, logger), nil
}

func (s *ArchivedStore) Persist(ctx context.Context, r Result) error {
	if err := s.Store.Persist(ctx, r); err != nil {
		return err
	}
	s.archive(ctx, r)
	return nil
}

func (s *ArchivedStore) Delete(ctx context.Context, documentID string) error {
	if err := s.Store.Delete(ctx, documentID); err != nil {
		return err
	}
	if err := s.archiver.Remove(ctx, documentID); err != nil {
		logging.WarnWithContext(s.logger, "archived result not removed", "archive_remove_failed",
			logging.String(logging.FieldDocumentID, documentID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "a copy of the deleted result remains in the archive"),
		)
	}
	return nil
}

// FailInterrupted archives the failed results it stores for interrupted runs.
func (s *ArchivedStore) FailInterrupted(ctx context.Context, now time.Time) ([]State, error) {
	changed, err := s.Store.FailInterrupted(ctx, now)
	for _, st := range changed {
		s.archive(ctx, interruptedResult(st))
	}
	return changed, err
}

// Path forwards to the wrapped store when it lives on disk.
func (s *ArchivedStore) Path() string {
	if p, ok := s.Store.(interface{ Path() string }); ok {
		return p.Path()
	}
	return ""
}

func (s *ArchivedStore) Close() error {
	err := s.Store.Close()
	if closer, ok := s.archiver.(io.Closer); ok {
		err = errors.Join(err, closer.Close())
	}
	return err
}

func (s *ArchivedStore) archive(ctx context.Context, r Result) {
	if err := s.archiver.Archive(ctx, r); err != nil {
		logging.WarnWithContext(s.logger, "result not archived", "archive_failed",
			logging.String(logging.FieldDocumentID, r.DocumentID),
			logging.String("run_id", r.RunID),
			logging.Error(fmt.Errorf("archive %s: %w", r.DocumentID, err)),
			logging.String(logging.FieldImpact, "the result is stored but has no archive copy"),
		)
	}
}
