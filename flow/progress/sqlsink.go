package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLSink persists progress rows through database/sql. The DDL below works
// on SQLite and MySQL; the executor-facing write path is a single INSERT so
// any driver with ? placeholders will do.
type SQLSink struct {
	db *sql.DB
}

// NewSQLSink wraps an open database handle and creates the progress table if
// missing.
func NewSQLSink(db *sql.DB) (*SQLSink, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS progress_events (
		owner           VARCHAR(191) NOT NULL,
		conversation_id VARCHAR(191) NOT NULL,
		invocation_id   VARCHAR(191) NOT NULL,
		seq             INT          NOT NULL,
		node_id         VARCHAR(191) NOT NULL,
		kind            VARCHAR(32)  NOT NULL,
		payload         TEXT,
		created_at      TIMESTAMP    NOT NULL,
		PRIMARY KEY (owner, conversation_id, invocation_id, seq)
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create progress table: %w", err)
	}
	return &SQLSink{db: db}, nil
}

// Write implements Sink.
func (s *SQLSink) Write(ctx context.Context, event Event) error {
	var payload []byte
	if event.Payload != nil {
		var err error
		payload, err = json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress_events (owner, conversation_id, invocation_id, seq, node_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Owner, event.ConversationID, event.InvocationID, event.Seq,
		event.NodeID, string(event.Kind), payload, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to write progress row: %w", err)
	}
	return nil
}

// ForInvocation reads one owner's rows for an invocation in seq order.
func (s *SQLSink) ForInvocation(ctx context.Context, owner, conversationID, invocationID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, node_id, kind, payload, created_at FROM progress_events
		WHERE owner = ? AND conversation_id = ? AND invocation_id = ?
		ORDER BY seq`,
		owner, conversationID, invocationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		e := Event{Owner: owner, ConversationID: conversationID, InvocationID: invocationID}
		var kind string
		var payload []byte
		if err := rows.Scan(&e.Seq, &e.NodeID, &kind, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		e.Kind = Kind(kind)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate progress rows: %w", err)
	}
	return out, nil
}

var _ Sink = (*SQLSink)(nil)
