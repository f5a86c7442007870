package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/convoflow-ai/convoflow/flow/state"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL-backed Store for shared deployments where multiple
// transports serve the same conversations.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects using a go-sql-driver DSN, e.g.
// "user:pass@tcp(host:3306)/convoflow?parseTime=true". parseTime must be
// enabled so timestamps scan into time.Time.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS conversation_snapshots (
			conversation_id VARCHAR(191) PRIMARY KEY,
			workflow_id     VARCHAR(191) NOT NULL,
			node_id         VARCHAR(191) NOT NULL,
			status          VARCHAR(32)  NOT NULL,
			state           LONGBLOB     NOT NULL,
			updated_at      TIMESTAMP(6) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			conversation_id VARCHAR(191) NOT NULL,
			seq             INT          NOT NULL,
			role            VARCHAR(32)  NOT NULL,
			content         MEDIUMTEXT   NOT NULL,
			created_at      TIMESTAMP(6) NOT NULL,
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
func (s *MySQLStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_snapshots (conversation_id, workflow_id, node_id, status, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			workflow_id = VALUES(workflow_id),
			node_id     = VALUES(node_id),
			status      = VALUES(status),
			state       = VALUES(state),
			updated_at  = VALUES(updated_at)`,
		snap.ConversationID, snap.WorkflowID, snap.NodeID, snap.Status, snap.State, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot implements Store.
func (s *MySQLStore) LoadSnapshot(ctx context.Context, conversationID string) (Snapshot, error) {
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

// AppendTurns implements Store.
func (s *MySQLStore) AppendTurns(ctx context.Context, conversationID string, turns []state.Turn) error {
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

	// FOR UPDATE serializes concurrent appenders on the same conversation.
	var seq int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM conversation_turns WHERE conversation_id = ? FOR UPDATE`,
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
func (s *MySQLStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error) {
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
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close releases the connection pool.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *MySQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

var _ Store = (*MySQLStore)(nil)
