package models

import "time"

// AuditStatus is the lifecycle status of one pipeline stage attempt.
type AuditStatus string

const (
	StatusQueued     AuditStatus = "queued"
	StatusInProgress AuditStatus = "in_progress"
	StatusSuccess    AuditStatus = "success"
	StatusFailure    AuditStatus = "failure"
)

// Terminal reports whether the status settles a stage invocation.
func (s AuditStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// AuditEntry is one append-only record of a stage attempt's lifecycle.
// Entries for a (task, stage) pair end in exactly one terminal status.
type AuditEntry struct {
	ID         string      `json:"id"`
	TaskID     string      `json:"taskId"`
	DocumentID string      `json:"documentId,omitempty"` // empty until resolvable
	Stage      string      `json:"stage"`
	Status     AuditStatus `json:"status"`
	Message    string      `json:"message,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}
