package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"lectern/internal/stage"
)

// SQLiteStore persists states and results in a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	// Fixed-width so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

var (
	psql         = sq.StatementBuilder.PlaceholderFormat(sq.Question)
	stateColumns = []string{"document_id", "run_id", "status", "progress", "started_at", "updated_at", "error_message"}
	terminalSQL  = fmt.Sprintf("('%s','%s')", StatusProcessingComplete, StatusFailed)
)

// OpenSQLite opens or creates the database at path and applies migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Persist(ctx context.Context, r Result) error {
	outputs, err := json.Marshal(r.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	state, err := json.Marshal(r.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}

	query, args, err := psql.Insert("results").
		Columns("document_id", "run_id", "status", "outputs_json", "state_json", "errors_json", "created_at").
		Values(r.DocumentID, r.RunID, string(r.Status), string(outputs), string(state), string(errorsJSON), formatTime(r.CreatedAt)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if err := s.exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyPersisted
		}
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Fetch(ctx context.Context, documentID string) (Result, error) {
	query, args, err := psql.Select("document_id", "run_id", "status", "outputs_json", "state_json", "errors_json", "created_at").
		From("results").
		Where(sq.Eq{"document_id": documentID}).
		ToSql()
	if err != nil {
		return Result{}, fmt.Errorf("build select: %w", err)
	}

	var (
		r                                 Result
		status, outputs, state, errs, raw string
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&r.DocumentID, &r.RunID, &status, &outputs, &state, &errs, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, ErrNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("fetch result: %w", err)
	}
	r.Status = Status(status)
	r.Outputs = map[stage.Name]stage.Output{}
	if err := json.Unmarshal([]byte(outputs), &r.Outputs); err != nil {
		return Result{}, fmt.Errorf("decode outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &r.State); err != nil {
		return Result{}, fmt.Errorf("decode state: %w", err)
	}
	if err := json.Unmarshal([]byte(errs), &r.Errors); err != nil {
		return Result{}, fmt.Errorf("decode errors: %w", err)
	}
	r.CreatedAt, _ = parseTime(raw)
	return r, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, documentID string) error {
	for _, table := range []string{"results", "states"} {
		query, args, err := psql.Delete(table).Where(sq.Eq{"document_id": documentID}).ToSql()
		if err != nil {
			return fmt.Errorf("build delete: %w", err)
		}
		if err := s.exec(ctx, query, args...); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	return nil
}

// SaveState upserts the snapshot. A snapshot from the same run never
// replaces a later one.
func (s *SQLiteStore) SaveState(ctx context.Context, st State) error {
	query, args, err := psql.Insert("states").
		Columns(append(stateColumns, "status_rank")...).
		Values(st.DocumentID, st.RunID, string(st.Status), st.Progress, formatTime(st.StartedAt), formatTime(st.UpdatedAt), nullableString(st.ErrorMessage), st.Status.Rank()).
		Suffix(`ON CONFLICT(document_id) DO UPDATE SET
			run_id = excluded.run_id,
			status = excluded.status,
			status_rank = excluded.status_rank,
			progress = excluded.progress,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at,
			error_message = excluded.error_message
		WHERE states.run_id <> excluded.run_id
			OR states.status = excluded.status
			OR (states.status NOT IN ` + terminalSQL + ` AND excluded.status_rank >= states.status_rank)`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if err := s.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FetchState(ctx context.Context, documentID string) (State, error) {
	query, args, err := psql.Select(stateColumns...).From("states").Where(sq.Eq{"document_id": documentID}).ToSql()
	if err != nil {
		return State{}, fmt.Errorf("build select: %w", err)
	}
	st, err := scanState(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("fetch state: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) ListStates(ctx context.Context, statuses ...Status) ([]State, error) {
	builder := psql.Select(stateColumns...).From("states").OrderBy("started_at", "document_id")
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, status := range statuses {
			values[i] = string(status)
		}
		builder = builder.Where(sq.Eq{"status": values})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var out []State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FailInterrupted(ctx context.Context, now time.Time) ([]State, error) {
	query, args, err := psql.Select(stateColumns...).
		From("states").
		Where("status NOT IN " + terminalSQL).
		OrderBy("started_at", "document_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list interrupted states: %w", err)
	}
	var pending []State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan state: %w", err)
		}
		pending = append(pending, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	changed := make([]State, 0, len(pending))
	for _, st := range pending {
		failed := markInterrupted(st, now)
		if err := s.SaveState(ctx, failed); err != nil {
			return changed, err
		}
		if err := s.Persist(ctx, interruptedResult(failed)); err != nil && !errors.Is(err, ErrAlreadyPersisted) {
			return changed, err
		}
		changed = append(changed, failed)
	}
	return changed, nil
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func scanState(scanner interface{ Scan(dest ...any) error }) (State, error) {
	var (
		st               State
		status           string
		started, updated string
		errorMessage     sql.NullString
	)
	if err := scanner.Scan(&st.DocumentID, &st.RunID, &status, &st.Progress, &started, &updated, &errorMessage); err != nil {
		return State{}, err
	}
	st.Status = Status(status)
	st.ErrorMessage = errorMessage.String
	st.StartedAt, _ = parseTime(started)
	st.UpdatedAt, _ = parseTime(updated)
	return st, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}
