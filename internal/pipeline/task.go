// Package pipeline orchestrates the document flow: ingest, text extraction,
// classification, metadata embedding, and delivery to the configured
// destinations. Stages are described by explicit task descriptors and run on
// a shared worker pool; each stage enqueues its successors only after its own
// side effects are committed.
package pipeline

import (
	"github.com/docuflow/backend/internal/models"
)

// Stage tags a task descriptor with the pipeline stage it belongs to.
type Stage string

const (
	StageIngest   Stage = "ingest"
	StageExtract  Stage = "extract"
	StageClassify Stage = "classify"
	StageEmbed    Stage = "embed"
	StageFinalize Stage = "finalize"
	StageFanOut   Stage = "fan_out"
	StageUpload   Stage = "upload"
)

// Destination names, used as Task.Destination and as uploader registry keys.
const (
	DestDropbox   = "dropbox"
	DestNextcloud = "nextcloud"
	DestPaperless = "paperless"
)

// Task describes one unit of pipeline work. Which fields are meaningful
// depends on Stage; the zero values of the rest are ignored.
type Task struct {
	// ID is assigned at enqueue time and keys the audit trail.
	ID string

	Stage Stage

	// Destination selects the uploader for upload tasks.
	Destination string

	// DocumentID links the task to its document record once ingest has
	// created (or found) it.
	DocumentID string

	// Path is the stage input: source file for ingest, working copy for
	// extract/classify/embed, final document for finalize/fan-out/upload.
	Path string

	// OriginalPath carries the pre-embed working copy through finalize.
	OriginalPath string

	// Text is the extracted document text handed to classification.
	Text string

	// Metadata is the classification result embed and later stages carry.
	Metadata *models.DocumentMetadata
}

// StageLabel is the audit-trail name of the task's stage. Upload tasks are
// labelled per destination so the trail reads upload_dropbox, upload_paperless
// and so on.
func (t Task) StageLabel() string {
	if t.Stage == StageUpload && t.Destination != "" {
		return string(StageUpload) + "_" + t.Destination
	}
	return string(t.Stage)
}

// NewIngestTask describes ingestion of the file at path.
func NewIngestTask(path string) Task {
	return Task{Stage: StageIngest, Path: path}
}

// NewFanOutTask describes delivery of a finished document to all
// destinations.
func NewFanOutTask(path string) Task {
	return Task{Stage: StageFanOut, Path: path}
}

// NewUploadTask describes delivery of a finished document to a single
// destination.
func NewUploadTask(destination, path string) Task {
	return Task{Stage: StageUpload, Destination: destination, Path: path}
}
