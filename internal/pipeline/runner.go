package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/docuflow/backend/internal/models"
)

var (
	// ErrQueueClosed is returned by Enqueue after Shutdown.
	ErrQueueClosed = errors.New("pipeline: queue closed")

	// ErrQueueFull is returned when the task buffer has no room; enqueueing
	// never blocks the caller.
	ErrQueueFull = errors.New("pipeline: queue full")
)

// Start launches the worker pool. Tasks run until ctx is cancelled or
// Shutdown is called.
func (e *Engine) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	e.wait = g.Wait

	go func() {
		defer close(e.done)
		for {
			select {
			case <-gctx.Done():
				return
			case task, ok := <-e.queue:
				if !ok {
					return
				}
				g.Go(func() error {
					e.process(gctx, task)
					return nil
				})
			}
		}
	}()
}

// Shutdown closes the queue and waits for in-flight and already-queued tasks
// to drain.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	<-e.done
	if e.wait != nil {
		return e.wait()
	}
	return nil
}

// Enqueue registers the task (assigning an id when absent), writes its
// queued audit entry, and hands it to the worker pool. It is fire-and-forget:
// the caller never observes execution, only the returned task id.
func (e *Engine) Enqueue(ctx context.Context, task Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	if err := e.store.AppendAudit(ctx, &models.AuditEntry{
		TaskID:     task.ID,
		DocumentID: task.DocumentID,
		Stage:      task.StageLabel(),
		Status:     models.StatusQueued,
	}); err != nil {
		return "", fmt.Errorf("recording queued task: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrQueueClosed
	}

	select {
	case e.queue <- task:
		return task.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// process runs one task under the stage span: an in_progress entry per
// attempt, bounded exponential-backoff retries for transient errors, and
// exactly one terminal entry on every exit path. Successors returned by the
// stage body are enqueued only after the body succeeded.
func (e *Engine) process(ctx context.Context, task Task) {
	stage := task.StageLabel()
	start := time.Now()

	var (
		successors []Task
		result     string
		err        error
	)

	for attempt := 0; ; attempt++ {
		e.audit(ctx, &task, models.StatusInProgress, fmt.Sprintf("attempt %d", attempt+1))

		successors, result, err = e.runStage(ctx, &task)
		if err == nil || IsTerminal(err) || ctx.Err() != nil || attempt >= e.maxRetries {
			break
		}

		backoff := e.retryBackoff << attempt
		e.log.Warn("stage failed, retrying",
			"task", task.ID, "stage", stage, "attempt", attempt+1, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
	}

	if err != nil {
		e.audit(ctx, &task, models.StatusFailure, err.Error())
		e.log.Error("stage failed",
			"task", task.ID, "stage", stage, "document", task.DocumentID,
			"duration", time.Since(start), "error", err)
		return
	}

	e.audit(ctx, &task, models.StatusSuccess, result)
	e.log.Info("stage complete",
		"task", task.ID, "stage", stage, "document", task.DocumentID,
		"duration", time.Since(start), "successors", len(successors))

	for _, successor := range successors {
		if _, err := e.Enqueue(ctx, successor); err != nil {
			e.log.Error("enqueueing successor",
				"task", task.ID, "stage", stage, "successor", string(successor.Stage), "error", err)
		}
	}
}

func (e *Engine) runStage(ctx context.Context, task *Task) ([]Task, string, error) {
	switch task.Stage {
	case StageIngest:
		return e.ingest(ctx, task)
	case StageExtract:
		return e.extract(ctx, task)
	case StageClassify:
		return e.classify(ctx, task)
	case StageEmbed:
		return e.embed(ctx, task)
	case StageFinalize:
		return e.finalize(ctx, task)
	case StageFanOut:
		return e.fanOut(ctx, task)
	case StageUpload:
		return e.upload(ctx, task)
	default:
		return nil, "", Terminal(fmt.Errorf("unknown stage %q", task.Stage))
	}
}

// audit writes one trail entry. The write survives context cancellation so
// a terminal entry still lands when the pipeline is shutting down.
func (e *Engine) audit(ctx context.Context, task *Task, status models.AuditStatus, message string) {
	entry := &models.AuditEntry{
		TaskID:     task.ID,
		DocumentID: task.DocumentID,
		Stage:      task.StageLabel(),
		Status:     status,
		Message:    message,
	}
	if err := e.store.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		e.log.Error("writing audit entry",
			"task", task.ID, "stage", entry.Stage, "status", string(status), "error", err)
	}
}
