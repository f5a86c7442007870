package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/convoflow-ai/convoflow/flow/state"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file Store for development and single-process
// deployments. WAL mode keeps reads concurrent with the writer; a busy
// timeout absorbs short lock contention.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) the database at path. Use
// ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite supports one writer; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS conversation_snapshots (
			conversation_id TEXT PRIMARY KEY,
			workflow_id     TEXT NOT NULL,
			node_id         TEXT NOT NULL,
			status          TEXT NOT NULL,
			state           BLOB NOT NULL,
			updated_at      TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TIMESTAMP NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot implements Store.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_snapshots (conversation_id, workflow_id, node_id, status, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			node_id     = excluded.node_id,
			status      = excluded.status,
			state       = excluded.state,
			updated_at  = excluded.updated_at`,
		snap.ConversationID, snap.WorkflowID, snap.NodeID, snap.Status, snap.State, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot implements Store.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, conversationID string) (Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{ConversationID: conversationID}
	err := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, node_id, status, state, updated_at
		FROM conversation_snapshots WHERE conversation_id = ?`,
		conversationID).Scan(&snap.WorkflowID, &snap.NodeID, &snap.Status, &snap.State, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return snap, nil
}

// AppendTurns implements Store. The turns are written in one transaction so
// a crash cannot leave a half-appended exchange.
func (s *SQLiteStore) AppendTurns(ctx context.Context, conversationID string, turns []state.Turn) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM conversation_turns WHERE conversation_id = ?`,
		conversationID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to read turn sequence: %w", err)
	}

	now := time.Now()
	for _, t := range turns {
		seq++
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_turns (conversation_id, seq, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			conversationID, seq, t.Role, t.Content, now); err != nil {
			return fmt.Errorf("failed to append turn: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turns: %w", err)
	}
	return nil
}

// RecentTurns implements Store.
func (s *SQLiteStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT seq, role, content, created_at FROM conversation_turns
		WHERE conversation_id = ? ORDER BY seq DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TurnRecord
	for rows.Next() {
		rec := TurnRecord{ConversationID: conversationID}
		if err := rows.Scan(&rec.Seq, &rec.Role, &rec.Content, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}
	// Rows arrive newest-first; reverse into temporal order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close releases the database handle. Further calls fail.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
