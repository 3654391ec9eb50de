package deploy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps records in a SQLite database so idempotency survives
// restarts.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at path. ":memory:" gives a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection: an in-memory database exists per connection, and
	// writes are serialized anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deployments (
		token TEXT PRIMARY KEY,
		revision INTEGER NOT NULL,
		status TEXT NOT NULL,
		record TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the record for token.
func (s *SQLiteStore) Get(ctx context.Context, token string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data string
	err := s.db.QueryRowContext(ctx, "SELECT record FROM deployments WHERE token = ?", token).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query deployment: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode deployment: %w", err)
	}
	return &rec, nil
}

// Create stores rec, superseding a failed record for the same token.
func (s *SQLiteStore) Create(ctx context.Context, rec *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	next := rec.Clone()
	next.Revision = 1
	prev, revision, err := currentStatus(ctx, tx, rec.Token)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	case prev != StatusFailed:
		return nil, ErrExists
	default:
		next.Revision = revision + 1
	}

	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode deployment: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO deployments (token, revision, status, record, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			revision = excluded.revision,
			status = excluded.status,
			record = excluded.record,
			updated_at = excluded.updated_at`,
		next.Token, next.Revision, string(next.Status), string(data), next.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert deployment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return next, nil
}

// Update replaces the stored record if the status change is allowed.
func (s *SQLiteStore) Update(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, revision, err := currentStatus(ctx, tx, rec.Token)
	if err != nil {
		return err
	}
	if !CanTransition(prev, rec.Status) {
		return invalidTransition(prev, rec.Status)
	}

	next := rec.Clone()
	next.Revision = revision
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode deployment: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE deployments SET status = ?, record = ?, updated_at = ? WHERE token = ?",
		string(next.Status), string(data), next.UpdatedAt.UnixNano(), next.Token,
	)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func currentStatus(ctx context.Context, tx *sql.Tx, token string) (Status, int, error) {
	var status string
	var revision int
	err := tx.QueryRowContext(ctx, "SELECT status, revision FROM deployments WHERE token = ?", token).Scan(&status, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("query deployment: %w", err)
	}
	return Status(status), revision, nil
}
