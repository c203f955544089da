package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"

	"flow-studio/backend/pkg/models"
)

// SQLiteFlowStore is a FlowStore backed by SQLite.
type SQLiteFlowStore struct {
	db *sql.DB
}

var _ FlowStore = (*SQLiteFlowStore)(nil)

// OpenSQLiteFlowStore opens the database at path (":memory:" works) and
// initializes the schema.
func OpenSQLiteFlowStore(ctx context.Context, path string) (*SQLiteFlowStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection: an in-memory database is private to its connection, and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteFlowStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteFlowStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			version INTEGER NOT NULL,
			doc TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	)
	if err != nil {
		return fmt.Errorf("failed to create flows table: %w", err)
	}
	return nil
}

// Get retrieves a flow by its ID.
func (s *SQLiteFlowStore) Get(ctx context.Context, id string) (*StoredFlow, error) {
	var (
		doc     string
		version int
	)
	err := s.db.QueryRowContext(ctx, `SELECT doc, version FROM flows WHERE id = ?`, id).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	return decodeStored(doc, version)
}

// List returns every flow ordered by ID.
func (s *SQLiteFlowStore) List(ctx context.Context) ([]models.FlowSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, version, updated_at FROM flows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	out := []models.FlowSummary{}
	for rows.Next() {
		var (
			id, title, updated string
			version            int
		)
		if err := rows.Scan(&id, &title, &version, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		ts, _ := time.Parse(time.RFC3339Nano, updated)
		out = append(out, models.FlowSummary{ID: id, Title: title, ETag: ETag(id, version), UpdatedAt: ts})
	}
	return out, rows.Err()
}

// Put stores graph unconditionally.
func (s *SQLiteFlowStore) Put(ctx context.Context, graph models.FlowGraph) (*StoredFlow, error) {
	graph = normalize(graph)
	doc, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flow %s: %w", graph.ID, err)
	}
	var version int
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO flows (id, title, version, doc, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			version = flows.version + 1,
			doc = excluded.doc,
			updated_at = excluded.updated_at
		RETURNING version`,
		graph.ID, graph.Title, string(doc), graph.UpdatedAt.Format(time.RFC3339Nano),
	).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("failed to put flow %s: %w", graph.ID, err)
	}
	return &StoredFlow{Graph: graph, Version: version}, nil
}

// Swap replaces the flow if its version is still expected.
func (s *SQLiteFlowStore) Swap(ctx context.Context, expected int, graph models.FlowGraph) (*StoredFlow, error) {
	graph = normalize(graph)
	doc, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flow %s: %w", graph.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE flows SET title = ?, version = version + 1, doc = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		graph.Title, string(doc), graph.UpdatedAt.Format(time.RFC3339Nano), graph.ID, expected,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update flow %s: %w", graph.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update flow %s: %w", graph.ID, err)
	}
	if n == 0 {
		return nil, s.mismatch(ctx, graph.ID, expected)
	}
	return &StoredFlow{Graph: graph, Version: expected + 1}, nil
}

// Close closes the database.
func (s *SQLiteFlowStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteFlowStore) mismatch(ctx context.Context, id string, expected int) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &VersionMismatchError{Expected: expected, Current: current}
}

func decodeStored(doc string, version int) (*StoredFlow, error) {
	var graph models.FlowGraph
	if err := json.Unmarshal([]byte(doc), &graph); err != nil {
		return nil, fmt.Errorf("failed to decode stored flow: %w", err)
	}
	return &StoredFlow{Graph: graph, Version: version}, nil
}
