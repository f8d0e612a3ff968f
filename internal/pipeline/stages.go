package pipeline

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/docuflow/backend/internal/destinations"
	"github.com/docuflow/backend/internal/llm"
	"github.com/docuflow/backend/internal/models"
	"github.com/docuflow/backend/internal/ocr"
	"github.com/docuflow/backend/internal/store"
)

// ingest is the sole dedup checkpoint. It hashes the input, either reports a
// duplicate or creates the document record plus its working copy, probes for
// an embedded text layer, and routes to local extraction or OCR. Exactly one
// successor on the non-duplicate path.
func (e *Engine) ingest(ctx context.Context, task *Task) ([]Task, string, error) {
	info, err := os.Stat(task.Path)
	if err != nil {
		return nil, "", Terminal(fmt.Errorf("input file not found: %s", task.Path))
	}

	hash, err := e.files.HashFile(task.Path)
	if err != nil {
		return nil, "", fmt.Errorf("hashing input: %w", err)
	}

	if existing, found, err := e.store.FindDocumentByHash(ctx, hash); err != nil {
		return nil, "", fmt.Errorf("checking for duplicates: %w", err)
	} else if found {
		task.DocumentID = existing.ID
		return nil, duplicateMessage(existing.ID), nil
	}

	working, err := e.files.StageWorkingCopy(task.Path)
	if err != nil {
		return nil, "", fmt.Errorf("staging working copy: %w", err)
	}

	doc := models.Document{
		ID:           uuid.New().String(),
		ContentHash:  hash,
		OriginalName: filepath.Base(task.Path),
		Size:         info.Size(),
		MediaType:    mediaType(task.Path),
		WorkingPath:  working,
	}
	if err := e.store.CreateDocument(ctx, &doc); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race against a concurrent ingest of the same bytes.
			if _, rmErr := e.files.RemoveStaged(working); rmErr != nil {
				e.log.Warn("removing redundant working copy", "path", working, "error", rmErr)
			}
			if existing, found, lookErr := e.store.FindDocumentByHash(ctx, hash); lookErr == nil && found {
				task.DocumentID = existing.ID
				return nil, duplicateMessage(existing.ID), nil
			}
			return nil, duplicateMessage(""), nil
		}
		return nil, "", fmt.Errorf("creating document record: %w", err)
	}
	task.DocumentID = doc.ID

	hasText, err := e.pdf.HasEmbeddedText(working)
	if err != nil {
		// An unparseable text layer is indistinguishable from none; let
		// OCR handle the document.
		e.log.Warn("text layer probe failed, routing to ocr",
			"document", doc.ID, "path", working, "error", err)
		hasText = false
	}

	if hasText {
		text, err := e.pdf.ExtractText(working)
		if err != nil {
			return nil, "", fmt.Errorf("extracting embedded text: %w", err)
		}
		successor := Task{Stage: StageClassify, DocumentID: doc.ID, Path: working, Text: text}
		return []Task{successor}, fmt.Sprintf("embedded text extracted locally (%d chars)", len(text)), nil
	}

	successor := Task{Stage: StageExtract, DocumentID: doc.ID, Path: working}
	return []Task{successor}, "no embedded text, queued for ocr", nil
}

func duplicateMessage(existingID string) string {
	if existingID == "" {
		return "duplicate_file: content already processed"
	}
	return fmt.Sprintf("duplicate_file: content already stored as document %s", existingID)
}

func mediaType(path string) string {
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

// extract sends the working copy through OCR, overwrites it with the
// searchable result, and hands the recognized text to classification.
func (e *Engine) extract(ctx context.Context, task *Task) ([]Task, string, error) {
	if _, err := os.Stat(task.Path); err != nil {
		return nil, "", Terminal(fmt.Errorf("working copy not found: %s", task.Path))
	}

	result, err := e.ocr.Analyze(ctx, task.Path)
	if err != nil {
		if errors.Is(err, ocr.ErrPollTimeout) {
			return nil, "", Terminal(err)
		}
		return nil, "", fmt.Errorf("running ocr: %w", err)
	}

	if err := os.WriteFile(task.Path, result.PDF, 0644); err != nil {
		return nil, "", fmt.Errorf("writing searchable pdf: %w", err)
	}

	text := result.Text
	if e.refineOCR && text != "" {
		refined, err := e.classifier.Refine(ctx, text)
		if err != nil {
			// Classification still works on raw OCR output; degrade
			// rather than fail the stage.
			e.log.Warn("ocr text refinement failed, using raw text",
				"document", task.DocumentID, "error", err)
		} else {
			text = refined
		}
	}

	msg := fmt.Sprintf("ocr complete (%d chars)", len(text))
	if pages, err := e.pdf.PageCount(task.Path); err == nil {
		msg = fmt.Sprintf("ocr complete (%d pages, %d chars)", pages, len(text))
	}

	successor := Task{Stage: StageClassify, DocumentID: task.DocumentID, Path: task.Path, Text: text}
	return []Task{successor}, msg, nil
}

// classify extracts structured metadata from the document text. A reply
// without a parseable JSON object fails the branch for good; there is
// nothing a retry could change about the document.
func (e *Engine) classify(ctx context.Context, task *Task) ([]Task, string, error) {
	meta, err := e.classifier.Classify(ctx, task.Text)
	if err != nil {
		if errors.Is(err, llm.ErrNoStructuredData) {
			return nil, "", Terminal(err)
		}
		return nil, "", fmt.Errorf("classifying document: %w", err)
	}

	msg := "metadata extracted"
	if meta.DocumentType != "" {
		msg = fmt.Sprintf("classified as %s", meta.DocumentType)
	}

	successor := Task{Stage: StageEmbed, DocumentID: task.DocumentID, Path: task.Path, Text: task.Text, Metadata: meta}
	return []Task{successor}, msg, nil
}

// embed writes the classification result into the PDF's document properties,
// moves the result under its suggested name into the processed directory,
// persists the metadata sidecar, and retires the working copy.
func (e *Engine) embed(ctx context.Context, task *Task) ([]Task, string, error) {
	workingPath := task.Path
	if _, err := os.Stat(workingPath); err != nil {
		alt := filepath.Join(e.files.TmpDir(), filepath.Base(workingPath))
		if _, altErr := os.Stat(alt); altErr != nil {
			return nil, "", Terminal(fmt.Errorf("working copy not found: %s", workingPath))
		}
		e.log.Info("working copy moved, using tmp fallback", "document", task.DocumentID, "path", alt)
		workingPath = alt
	}

	meta := task.Metadata
	if meta == nil {
		return nil, "", Terminal(fmt.Errorf("embed task without metadata"))
	}

	scratchDir, err := os.MkdirTemp("", "docuflow-embed-")
	if err != nil {
		return nil, "", fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchDir)
	scratch := filepath.Join(scratchDir, "processed_"+filepath.Base(workingPath))

	title := meta.Filename
	if title == "" {
		title = "Unknown Document"
	}
	props := map[string]string{
		"Title":    title,
		"Author":   meta.AuthorOrUnknown(),
		"Subject":  meta.SubjectOrUnknown(),
		"Keywords": meta.Keywords(),
	}
	if err := e.pdf.EmbedProperties(workingPath, scratch, props); err != nil {
		return nil, "", fmt.Errorf("embedding metadata: %w", err)
	}

	finalName := meta.Filename
	if finalName == "" {
		finalName = filepath.Base(workingPath)
	}
	finalName = strings.TrimSuffix(finalName, filepath.Ext(finalName)) + ".pdf"

	final, err := e.files.MoveIntoProcessed(scratch, finalName)
	if err != nil {
		return nil, "", fmt.Errorf("moving into processed: %w", err)
	}

	// Past this point the final file exists; retrying the stage would
	// store the document twice under a collision suffix.
	if _, err := e.files.WriteSidecar(final, meta); err != nil {
		return nil, "", Terminal(fmt.Errorf("persisting metadata sidecar: %w", err))
	}
	if task.DocumentID != "" {
		if err := e.store.UpdateWorkingPath(ctx, task.DocumentID, final); err != nil {
			return nil, "", Terminal(fmt.Errorf("recording final path: %w", err))
		}
	}

	if removed, err := e.files.RemoveStaged(workingPath); err != nil {
		e.log.Warn("removing working copy", "document", task.DocumentID, "path", workingPath, "error", err)
	} else if removed {
		e.log.Debug("working copy removed", "document", task.DocumentID, "path", workingPath)
	}

	successor := Task{
		Stage:        StageFinalize,
		DocumentID:   task.DocumentID,
		Path:         final,
		OriginalPath: workingPath,
		Metadata:     meta,
	}
	return []Task{successor}, fmt.Sprintf("metadata embedded, stored as %s", filepath.Base(final)), nil
}

// finalize is a pure milestone between embedding and delivery; it records
// that the document reached its final form and triggers the fan-out.
func (e *Engine) finalize(ctx context.Context, task *Task) ([]Task, string, error) {
	successor := Task{Stage: StageFanOut, DocumentID: task.DocumentID, Path: task.Path, Metadata: task.Metadata}
	return []Task{successor}, fmt.Sprintf("document finalized at %s", filepath.Base(task.Path)), nil
}

// fanOut enqueues one upload task per destination, always all three, always
// in the same order. Their execution is independent and unordered.
func (e *Engine) fanOut(ctx context.Context, task *Task) ([]Task, string, error) {
	dests := []string{DestDropbox, DestNextcloud, DestPaperless}

	successors := make([]Task, 0, len(dests))
	for _, dest := range dests {
		successors = append(successors, Task{
			Stage:       StageUpload,
			Destination: dest,
			DocumentID:  task.DocumentID,
			Path:        task.Path,
		})
	}

	return successors, "queued uploads: " + strings.Join(dests, ", "), nil
}

// upload delivers the final document to one destination.
func (e *Engine) upload(ctx context.Context, task *Task) ([]Task, string, error) {
	if _, err := os.Stat(task.Path); err != nil {
		return nil, "", Terminal(fmt.Errorf("file not found: %s", task.Path))
	}

	uploader, ok := e.uploaders[task.Destination]
	if !ok {
		return nil, "", Terminal(fmt.Errorf("destination %q not configured", task.Destination))
	}

	ref, err := uploader.Upload(ctx, task.Path)
	if err != nil {
		if errors.Is(err, destinations.ErrPollTimeout) {
			return nil, "", Terminal(err)
		}
		return nil, "", fmt.Errorf("uploading to %s: %w", task.Destination, err)
	}

	return nil, fmt.Sprintf("delivered to %s (%s)", task.Destination, ref), nil
}
