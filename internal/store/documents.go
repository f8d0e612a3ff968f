package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/docuflow/backend/internal/models"
)

// CreateDocument inserts a new document record. The content hash carries a
// unique constraint; inserting a hash that is already present returns
// ErrDuplicate and leaves the existing record untouched.
func (s *Store) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, content_hash, original_name, size, media_type, working_path, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (content_hash) DO NOTHING`,
		doc.ID, doc.ContentHash, doc.OriginalName, doc.Size, doc.MediaType, doc.WorkingPath, doc.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrDuplicate
	}

	return nil
}

// FindDocumentByHash looks up a document by content hash. It returns
// (zero, false, nil) when no document with that hash exists.
func (s *Store) FindDocumentByHash(ctx context.Context, contentHash string) (models.Document, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content_hash, original_name, size, media_type, working_path, created_at_ms
		 FROM documents WHERE content_hash = ?`, contentHash)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, false, nil
	}
	if err != nil {
		return models.Document{}, false, fmt.Errorf("failed to query document by hash: %w", err)
	}

	return doc, true, nil
}

// GetDocument fetches a document by id, returning ErrNotFound when absent.
func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content_hash, original_name, size, media_type, working_path, created_at_ms
		 FROM documents WHERE id = ?`, id)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, ErrNotFound
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("failed to query document: %w", err)
	}

	return doc, nil
}

// UpdateWorkingPath records the current on-disk location of the document's
// working copy. The path changes when the embed stage moves the file into
// the processed directory.
func (s *Store) UpdateWorkingPath(ctx context.Context, id, workingPath string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET working_path = ? WHERE id = ?`, workingPath, id)
	if err != nil {
		return fmt.Errorf("failed to update working path: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// RecentDocuments returns the newest documents first, capped at limit.
func (s *Store) RecentDocuments(ctx context.Context, limit int) ([]models.Document, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content_hash, original_name, size, media_type, working_path, created_at_ms
		 FROM documents ORDER BY created_at_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent documents: %w", err)
	}
	defer rows.Close()

	docs := make([]models.Document, 0, limit)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}

	return docs, rows.Err()
}

// CountDocuments reports the number of stored documents.
func (s *Store) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (models.Document, error) {
	var (
		doc       models.Document
		createdMs int64
	)
	err := row.Scan(&doc.ID, &doc.ContentHash, &doc.OriginalName, &doc.Size, &doc.MediaType, &doc.WorkingPath, &createdMs)
	if err != nil {
		return models.Document{}, err
	}
	doc.CreatedAt = time.UnixMilli(createdMs)
	return doc, nil
}
