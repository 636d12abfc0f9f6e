package store

import (
	"context"
	"database/sql"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) AppendUpdate(ctx context.Context, documentID string, update []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO yjs_updates (workspace_id, update_data)
		VALUES ($1, $2)
	`, documentID, update)
	if err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

// ListUpdates returns the update log of documentID in insertion order.
func (s *PostgresStore) ListUpdates(ctx context.Context, documentID string) ([]UpdateLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, update_data, created_at
		FROM yjs_updates
		WHERE workspace_id = $1
		ORDER BY id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	items := make([]UpdateLogEntry, 0)
	for rows.Next() {
		var item UpdateLogEntry
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Data, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListFiles(ctx context.Context, documentID string) ([]FileSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, file_type, storage_path, content, updated_at
		FROM files
		WHERE workspace_id = $1
		ORDER BY storage_path ASC, id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	items := make([]FileSnapshot, 0)
	for rows.Next() {
		var item FileSnapshot
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Name, &item.Kind, &item.Path, &item.Content, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return items, nil
}

// UpsertFiles writes every snapshot in one transaction. Each row is a single
// insert-or-update keyed by (workspace_id, id).
func (s *PostgresStore) UpsertFiles(ctx context.Context, documentID string, files []FileSnapshot) error {
	if len(files) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert files: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (id, workspace_id, name, file_type, storage_path, content, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (workspace_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			file_type = EXCLUDED.file_type,
			storage_path = EXCLUDED.storage_path,
			content = EXCLUDED.content,
			updated_at = NOW()
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert files: %w", err)
	}
	defer stmt.Close()

	for _, file := range files {
		kind := file.Kind
		if kind == "" {
			kind = "file"
		}
		if _, err := stmt.ExecContext(ctx, file.ID, documentID, file.Name, kind, file.Path, file.Content); err != nil {
			return fmt.Errorf("upsert file %s: %w", file.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert files: %w", err)
	}
	return nil
}
