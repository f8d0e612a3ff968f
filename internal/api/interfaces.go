// interfaces.go - collaborator contracts the handlers depend on
package api

import (
	"context"
	"io"

	"github.com/docuflow/backend/internal/models"
	"github.com/docuflow/backend/internal/pipeline"
	"github.com/docuflow/backend/internal/store"
)

// Engine is the pipeline surface the ingress endpoints drive. Enqueueing is
// fire-and-forget; execution is observed through the audit trail only.
type Engine interface {
	Enqueue(ctx context.Context, task pipeline.Task) (string, error)
}

// Store is the persistence query surface.
type Store interface {
	GetDocument(ctx context.Context, id string) (models.Document, error)
	RecentDocuments(ctx context.Context, limit int) ([]models.Document, error)
	CountDocuments(ctx context.Context) (int64, error)
	QueryAudit(ctx context.Context, filter store.AuditFilter) ([]models.AuditEntry, error)
	AuditByTask(ctx context.Context, taskID string) ([]models.AuditEntry, error)
	AuditByDocument(ctx context.Context, documentID string) ([]models.AuditEntry, error)
}

// Files is the working-tree surface for the ingress endpoints.
type Files interface {
	WorkDir() string
	ResolveWorkPath(rel string) (string, error)
	ResolveProcessedPath(rel string) (string, error)
	SaveUpload(name string, r io.Reader) (string, error)
	ListInbox() ([]string, error)
}

// MailPoller triggers mailbox poll cycles outside the schedule.
type MailPoller interface {
	Tick(ctx context.Context) (bool, error)
}
