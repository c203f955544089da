package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flow-studio/backend/pkg/models"
)

// PostgresFlowStore is a PostgreSQL implementation of the FlowStore interface.
type PostgresFlowStore struct {
	db *pgxpool.Pool
}

var _ FlowStore = (*PostgresFlowStore)(nil)

// NewPostgresFlowStore creates a new PostgresFlowStore.
func NewPostgresFlowStore(db *pgxpool.Pool) *PostgresFlowStore {
	return &PostgresFlowStore{db: db}
}

// Migrate creates the flows table if it does not exist.
func (s *PostgresFlowStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS flows (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		version INT NOT NULL,
		doc JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to migrate flows table: %w", err)
	}
	return nil
}

// Get retrieves a flow by its ID.
func (s *PostgresFlowStore) Get(ctx context.Context, id string) (*StoredFlow, error) {
	var (
		doc     string
		version int
	)
	err := s.db.QueryRow(ctx, "SELECT doc::text, version FROM flows WHERE id = $1", id).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	return decodeStored(doc, version)
}

// List returns every flow ordered by ID.
func (s *PostgresFlowStore) List(ctx context.Context) ([]models.FlowSummary, error) {
	rows, err := s.db.Query(ctx, "SELECT id, title, version, updated_at FROM flows ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	out := []models.FlowSummary{}
	for rows.Next() {
		var (
			sum     models.FlowSummary
			version int
		)
		if err := rows.Scan(&sum.ID, &sum.Title, &version, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		sum.ETag = ETag(sum.ID, version)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Put stores graph unconditionally.
func (s *PostgresFlowStore) Put(ctx context.Context, graph models.FlowGraph) (*StoredFlow, error) {
	graph = normalize(graph)
	doc, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flow %s: %w", graph.ID, err)
	}
	var version int
	err = s.db.QueryRow(ctx, `INSERT INTO flows (id, title, version, doc, updated_at)
		VALUES ($1, $2, 1, $3::jsonb, $4)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			version = flows.version + 1,
			doc = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at
		RETURNING version`,
		graph.ID, graph.Title, string(doc), graph.UpdatedAt,
	).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("failed to put flow %s: %w", graph.ID, err)
	}
	return &StoredFlow{Graph: graph, Version: version}, nil
}

// Swap replaces the flow if its version is still expected.
func (s *PostgresFlowStore) Swap(ctx context.Context, expected int, graph models.FlowGraph) (*StoredFlow, error) {
	graph = normalize(graph)
	doc, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flow %s: %w", graph.ID, err)
	}
	tag, err := s.db.Exec(ctx, `UPDATE flows SET title = $1, version = version + 1, doc = $2::jsonb, updated_at = $3
		WHERE id = $4 AND version = $5`,
		graph.Title, string(doc), graph.UpdatedAt, graph.ID, expected,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update flow %s: %w", graph.ID, err)
	}
	if tag.RowsAffected() == 0 {
		current, err := s.Get(ctx, graph.ID)
		if err != nil {
			return nil, err
		}
		return nil, &VersionMismatchError{Expected: expected, Current: current}
	}
	return &StoredFlow{Graph: graph, Version: expected + 1}, nil
}

// Close closes the pool.
func (s *PostgresFlowStore) Close() error {
	s.db.Close()
	return nil
}
