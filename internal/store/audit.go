package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/docuflow/backend/internal/models"
)

// AppendAudit writes one audit entry. The id and timestamp are assigned here
// when unset, so callers normally fill in only task, stage, status, and
// message. Entries are never updated afterwards.
func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	var documentID sql.NullString
	if entry.DocumentID != "" {
		documentID = sql.NullString{String: entry.DocumentID, Valid: true}
	}
	var message sql.NullString
	if entry.Message != "" {
		message = sql.NullString{String: entry.Message, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, task_id, document_id, stage, status, message, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TaskID, documentID, entry.Stage, string(entry.Status), message, entry.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	return nil
}

// AuditByTask returns the audit trail of a single task in write order.
func (s *Store) AuditByTask(ctx context.Context, taskID string) ([]models.AuditEntry, error) {
	return s.QueryAudit(ctx, AuditFilter{TaskID: taskID})
}

// AuditByDocument returns every entry recorded for a document, across all of
// its tasks, in write order.
func (s *Store) AuditByDocument(ctx context.Context, documentID string) ([]models.AuditEntry, error) {
	return s.QueryAudit(ctx, AuditFilter{DocumentID: documentID})
}

// AuditFilter narrows a QueryAudit call. Zero-value fields are ignored.
type AuditFilter struct {
	TaskID     string
	DocumentID string
	Limit      int
}

// QueryAudit returns audit entries matching the filter, ordered oldest first.
// The ULID ids break ties between entries written in the same millisecond.
func (s *Store) QueryAudit(ctx context.Context, filter AuditFilter) ([]models.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	if filter.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.DocumentID != "" {
		conds = append(conds, "document_id = ?")
		args = append(args, filter.DocumentID)
	}

	query := `SELECT id, task_id, document_id, stage, status, message, created_at_ms FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			entry      models.AuditEntry
			documentID sql.NullString
			message    sql.NullString
			status     string
			createdMs  int64
		)
		if err := rows.Scan(&entry.ID, &entry.TaskID, &documentID, &entry.Stage, &status, &message, &createdMs); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.DocumentID = documentID.String
		entry.Status = models.AuditStatus(status)
		entry.Message = message.String
		entry.CreatedAt = time.UnixMilli(createdMs)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
