package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/docuflow/backend/internal/models"
	"github.com/docuflow/backend/internal/pipeline"
	"github.com/docuflow/backend/internal/store"
)

const (
	defaultRecentLimit = 20

	// An audit stream ends after this long even when the task never
	// settles, so abandoned dashboards do not pin connections.
	auditStreamTimeout = 2 * time.Minute
	auditStreamPoll    = 500 * time.Millisecond
)

// Handler serves the document pipeline API.
type Handler struct {
	engine  Engine
	store   Store
	files   Files
	poller  MailPoller
	version string
	started time.Time
}

// NewHandler creates the API handler.
func NewHandler(engine Engine, store Store, files Files, poller MailPoller, version string) *Handler {
	return &Handler{
		engine:  engine,
		store:   store,
		files:   files,
		poller:  poller,
		version: version,
		started: time.Now(),
	}
}

type queuedResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// HandleHealth returns server health status.
func (h *Handler) HandleHealth(c echo.Context) error {
	health := map[string]interface{}{
		"status":  "ok",
		"version": h.version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	}
	if count, err := h.store.CountDocuments(c.Request().Context()); err == nil {
		health["documents"] = count
	}
	return c.JSON(http.StatusOK, health)
}

// HandleProcessFile enqueues ingestion of a file already on disk. The path
// may be absolute or relative to the working directory.
func (h *Handler) HandleProcessFile(c echo.Context) error {
	var req struct {
		FilePath string `json:"filePath"`
	}
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if req.FilePath == "" {
		return NewBadRequestError("filePath is required", nil)
	}

	path, err := h.resolveInput(req.FilePath)
	if err != nil {
		return NewBadRequestError(fmt.Sprintf("file not found: %s", req.FilePath), err)
	}

	taskID, err := h.engine.Enqueue(c.Request().Context(), pipeline.NewIngestTask(path))
	if err != nil {
		return newEnqueueError(err)
	}
	return c.JSON(http.StatusAccepted, queuedResponse{TaskID: taskID, Status: "queued"})
}

func (h *Handler) resolveInput(filePath string) (string, error) {
	if filepath.IsAbs(filePath) {
		if _, err := os.Stat(filePath); err != nil {
			return "", err
		}
		return filePath, nil
	}
	return h.files.ResolveWorkPath(filePath)
}

// HandleProcessAll enqueues every PDF sitting in the working directory.
func (h *Handler) HandleProcessAll(c echo.Context) error {
	paths, err := h.files.ListInbox()
	if err != nil {
		return NewInternalError("failed to scan the working directory", err)
	}

	taskIDs := make([]string, 0, len(paths))
	failed := 0
	for _, path := range paths {
		taskID, err := h.engine.Enqueue(c.Request().Context(), pipeline.NewIngestTask(path))
		if err != nil {
			failed++
			continue
		}
		taskIDs = append(taskIDs, taskID)
	}

	resp := map[string]interface{}{
		"queued":  len(taskIDs),
		"taskIds": taskIDs,
	}
	if failed > 0 {
		resp["failed"] = failed
	}
	return c.JSON(http.StatusAccepted, resp)
}

// HandleProcessUpload accepts a multipart document, stores it in the working
// directory, and enqueues it through the same entry point as on-disk files.
func (h *Handler) HandleProcessUpload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return NewBadRequestError("multipart field file is required", err)
	}
	src, err := file.Open()
	if err != nil {
		return NewBadRequestError("failed to open uploaded file", err)
	}
	defer src.Close()

	path, err := h.files.SaveUpload(file.Filename, src)
	if err != nil {
		return NewInternalError("failed to store uploaded file", err)
	}

	taskID, err := h.engine.Enqueue(c.Request().Context(), pipeline.NewIngestTask(path))
	if err != nil {
		return newEnqueueError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"taskId":   taskID,
		"status":   "queued",
		"storedAs": filepath.Base(path),
	})
}

// HandleSendAll enqueues delivery of a finished document to all destinations.
// The path is relative to the processed directory.
func (h *Handler) HandleSendAll(c echo.Context) error {
	path, apiErr := h.bindProcessedPath(c)
	if apiErr != nil {
		return apiErr
	}

	taskID, err := h.engine.Enqueue(c.Request().Context(), pipeline.NewFanOutTask(path))
	if err != nil {
		return newEnqueueError(err)
	}
	return c.JSON(http.StatusAccepted, queuedResponse{TaskID: taskID, Status: "queued"})
}

// HandleSendDestination enqueues delivery of a finished document to a single
// destination.
func (h *Handler) HandleSendDestination(c echo.Context) error {
	dest := c.Param("destination")
	switch dest {
	case pipeline.DestDropbox, pipeline.DestNextcloud, pipeline.DestPaperless:
	default:
		return NewBadRequestError(fmt.Sprintf("unknown destination: %s", dest), nil)
	}

	path, apiErr := h.bindProcessedPath(c)
	if apiErr != nil {
		return apiErr
	}

	taskID, err := h.engine.Enqueue(c.Request().Context(), pipeline.NewUploadTask(dest, path))
	if err != nil {
		return newEnqueueError(err)
	}
	return c.JSON(http.StatusAccepted, queuedResponse{TaskID: taskID, Status: "queued"})
}

func (h *Handler) bindProcessedPath(c echo.Context) (string, *APIError) {
	var req struct {
		FilePath string `json:"filePath"`
	}
	if err := c.Bind(&req); err != nil {
		return "", NewBadRequestError("invalid JSON body", err)
	}
	if req.FilePath == "" {
		return "", NewBadRequestError("filePath is required", nil)
	}

	path, err := h.files.ResolveProcessedPath(req.FilePath)
	if err != nil {
		return "", NewBadRequestError(fmt.Sprintf("file not found in processed area: %s", req.FilePath), err)
	}
	return path, nil
}

// HandleMailboxPoll triggers one mailbox poll cycle outside the schedule.
func (h *Handler) HandleMailboxPoll(c echo.Context) error {
	ran, err := h.poller.Tick(c.Request().Context())
	if err != nil {
		return NewInternalError("mailbox poll cycle failed", err)
	}
	if !ran {
		return NewConflictError("a poll cycle is already running")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "ok"})
}

// HandleQueryAudit returns audit entries filtered by task and/or document.
func (h *Handler) HandleQueryAudit(c echo.Context) error {
	filter := store.AuditFilter{
		TaskID:     c.QueryParam("taskId"),
		DocumentID: c.QueryParam("documentId"),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return NewBadRequestError("limit must be a non-negative integer", err)
		}
		filter.Limit = limit
	}

	entries, err := h.store.QueryAudit(c.Request().Context(), filter)
	if err != nil {
		return NewInternalError("failed to query the audit trail", err)
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// HandleTaskAudit returns the audit trail of one task in write order.
func (h *Handler) HandleTaskAudit(c echo.Context) error {
	entries, err := h.store.AuditByTask(c.Request().Context(), c.Param("taskId"))
	if err != nil {
		return NewInternalError("failed to load the audit trail", err)
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// HandleTaskAuditMsgpack returns the audit trail of one task as MessagePack,
// which cuts payloads by a third or more for polling dashboards.
func (h *Handler) HandleTaskAuditMsgpack(c echo.Context) error {
	taskID := c.Param("taskId")
	entries, err := h.store.AuditByTask(c.Request().Context(), taskID)
	if err != nil {
		return NewInternalError("failed to load the audit trail", err)
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}

	data, err := msgpack.Marshal(map[string]interface{}{
		"taskId":  taskID,
		"entries": entries,
	})
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleTaskAuditStream streams a task's audit entries via SSE until the
// task settles or the stream times out.
func (h *Handler) HandleTaskAuditStream(c echo.Context) error {
	taskID := c.Param("taskId")

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	ticker := time.NewTicker(auditStreamPoll)
	defer ticker.Stop()
	deadline := time.After(auditStreamTimeout)

	sent := 0
	for {
		entries, err := h.store.AuditByTask(c.Request().Context(), taskID)
		if err != nil {
			data, _ := json.Marshal(map[string]string{"error": "failed to load audit trail"})
			fmt.Fprintf(c.Response(), "data: %s\n\n", data)
			c.Response().Flush()
			return nil
		}

		settled := false
		if len(entries) > sent {
			for _, entry := range entries[sent:] {
				data, err := json.Marshal(entry)
				if err != nil {
					continue
				}
				fmt.Fprintf(c.Response(), "data: %s\n\n", data)
				if entry.Status.Terminal() {
					settled = true
				}
			}
			sent = len(entries)
			c.Response().Flush()
		}
		if settled {
			return nil
		}

		select {
		case <-c.Request().Context().Done():
			return nil
		case <-deadline:
			return nil
		case <-ticker.C:
		}
	}
}

// HandleRecentDocuments lists the newest document records.
func (h *Handler) HandleRecentDocuments(c echo.Context) error {
	limit := defaultRecentLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return NewBadRequestError("limit must be a positive integer", err)
		}
		limit = parsed
	}

	docs, err := h.store.RecentDocuments(c.Request().Context(), limit)
	if err != nil {
		return NewInternalError("failed to list documents", err)
	}
	if docs == nil {
		docs = []models.Document{}
	}
	return c.JSON(http.StatusOK, docs)
}

// HandleGetDocument returns one document record.
func (h *Handler) HandleGetDocument(c echo.Context) error {
	id := c.Param("id")
	doc, err := h.store.GetDocument(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NewNotFoundError("document", id)
		}
		return NewInternalError("failed to load document", err)
	}
	return c.JSON(http.StatusOK, doc)
}

// HandleDocumentAudit returns every audit entry recorded for a document,
// across all of its tasks.
func (h *Handler) HandleDocumentAudit(c echo.Context) error {
	id := c.Param("id")
	if _, err := h.store.GetDocument(c.Request().Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NewNotFoundError("document", id)
		}
		return NewInternalError("failed to load document", err)
	}

	entries, err := h.store.AuditByDocument(c.Request().Context(), id)
	if err != nil {
		return NewInternalError("failed to load the audit trail", err)
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}
