package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/convoflow-ai/convoflow/flow/state"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type pgSnapshot struct {
	bun.BaseModel `bun:"table:conversation_snapshots"`

	ConversationID string    `bun:"conversation_id,pk"`
	WorkflowID     string    `bun:"workflow_id,notnull"`
	NodeID         string    `bun:"node_id,notnull"`
	Status         string    `bun:"status,notnull"`
	State          []byte    `bun:"state,notnull,type:bytea"`
	UpdatedAt      time.Time `bun:"updated_at,notnull"`
}

type pgTurn struct {
	bun.BaseModel `bun:"table:conversation_turns"`

	ConversationID string    `bun:"conversation_id,pk"`
	Seq            int       `bun:"seq,pk"`
	Role           string    `bun:"role,notnull"`
	Content        string    `bun:"content,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
}

// PostgresStore is a Postgres-backed Store built on bun.
type PostgresStore struct {
	db *bun.DB
}

// NewPostgresStore connects with a postgres:// DSN and creates the tables if
// missing.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().Model((*pgSnapshot)(nil)).IfNotExists().Exec(ctx); err != nil {
		return err
	}
	if _, err := s.db.NewCreateTable().Model((*pgTurn)(nil)).IfNotExists().Exec(ctx); err != nil {
		return err
	}
	return nil
}

// SaveSnapshot implements Store.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	row := &pgSnapshot{
		ConversationID: snap.ConversationID,
		WorkflowID:     snap.WorkflowID,
		NodeID:         snap.NodeID,
		Status:         snap.Status,
		State:          snap.State,
		UpdatedAt:      snap.UpdatedAt,
	}
	_, err := s.db.NewInsert().Model(row).
		On("CONFLICT (conversation_id) DO UPDATE").
		Set("workflow_id = EXCLUDED.workflow_id").
		Set("node_id = EXCLUDED.node_id").
		Set("status = EXCLUDED.status").
		Set("state = EXCLUDED.state").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot implements Store.
func (s *PostgresStore) LoadSnapshot(ctx context.Context, conversationID string) (Snapshot, error) {
	row := new(pgSnapshot)
	err := s.db.NewSelect().Model(row).
		Where("conversation_id = ?", conversationID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return Snapshot{
		ConversationID: row.ConversationID,
		WorkflowID:     row.WorkflowID,
		NodeID:         row.NodeID,
		Status:         row.Status,
		State:          row.State,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

// AppendTurns implements Store.
func (s *PostgresStore) AppendTurns(ctx context.Context, conversationID string, turns []state.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var seq int
		err := tx.NewSelect().Model((*pgTurn)(nil)).
			ColumnExpr("COALESCE(MAX(seq), 0)").
			Where("conversation_id = ?", conversationID).
			For("UPDATE").
			Scan(ctx, &seq)
		if err != nil {
			return fmt.Errorf("failed to read turn sequence: %w", err)
		}
		now := time.Now()
		rows := make([]pgTurn, 0, len(turns))
		for _, t := range turns {
			seq++
			rows = append(rows, pgTurn{
				ConversationID: conversationID,
				Seq:            seq,
				Role:           t.Role,
				Content:        t.Content,
				CreatedAt:      now,
			})
		}
		if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
			return fmt.Errorf("failed to append turns: %w", err)
		}
		return nil
	})
}

// RecentTurns implements Store.
func (s *PostgresStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error) {
	var rows []pgTurn
	q := s.db.NewSelect().Model(&rows).
		Where("conversation_id = ?", conversationID).
		Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	out := make([]TurnRecord, len(rows))
	for i, row := range rows {
		// Reverse newest-first rows into temporal order.
		out[len(rows)-1-i] = TurnRecord{
			ConversationID: row.ConversationID,
			Seq:            row.Seq,
			Role:           row.Role,
			Content:        row.Content,
			CreatedAt:      row.CreatedAt,
		}
	}
	return out, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
