package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/docuflow/backend/internal/destinations"
	"github.com/docuflow/backend/internal/models"
	"github.com/docuflow/backend/internal/ocr"
)

// Store is the persistence surface the engine depends on.
type Store interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	FindDocumentByHash(ctx context.Context, contentHash string) (models.Document, bool, error)
	UpdateWorkingPath(ctx context.Context, id, workingPath string) error
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
}

// Workspace is the filesystem surface the engine depends on.
type Workspace interface {
	TmpDir() string
	HashFile(path string) (string, error)
	StageWorkingCopy(src string) (string, error)
	MoveIntoProcessed(src, finalName string) (string, error)
	WriteSidecar(docPath string, v any) (string, error)
	RemoveStaged(path string) (bool, error)
}

// PDFTools probes and mutates PDF files.
type PDFTools interface {
	HasEmbeddedText(path string) (bool, error)
	ExtractText(path string) (string, error)
	PageCount(path string) (int, error)
	EmbedProperties(in, out string, props map[string]string) error
}

// OCRClient turns a scanned document into text plus a searchable PDF.
type OCRClient interface {
	Analyze(ctx context.Context, filePath string) (*ocr.Result, error)
}

// Classifier extracts metadata from document text and optionally cleans raw
// OCR output.
type Classifier interface {
	Classify(ctx context.Context, text string) (*models.DocumentMetadata, error)
	Refine(ctx context.Context, rawText string) (string, error)
}

// Options wires an Engine's collaborators and tuning knobs.
type Options struct {
	Store      Store
	Files      Workspace
	PDF        PDFTools
	OCR        OCRClient
	Classifier Classifier

	// Uploaders maps destination names to their uploader.
	Uploaders map[string]destinations.Uploader

	Logger *slog.Logger

	// Workers is the size of the shared worker pool.
	Workers int
	// QueueSize bounds the task channel.
	QueueSize int
	// MaxRetries is the number of repeat attempts after a failed one.
	MaxRetries int
	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration
	// RefineOCRText routes raw OCR text through the LLM cleanup prompt
	// before classification.
	RefineOCRText bool
}

// Engine runs the pipeline: it owns the task queue, the worker pool, and the
// stage implementations.
type Engine struct {
	store      Store
	files      Workspace
	pdf        PDFTools
	ocr        OCRClient
	classifier Classifier
	uploaders  map[string]destinations.Uploader
	log        *slog.Logger

	workers      int
	maxRetries   int
	retryBackoff time.Duration
	refineOCR    bool

	queue chan Task

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wait   func() error
}

// NewEngine builds an Engine from opts, applying defaults for unset tuning
// fields. Start must be called before tasks are enqueued.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	return &Engine{
		store:        opts.Store,
		files:        opts.Files,
		pdf:          opts.PDF,
		ocr:          opts.OCR,
		classifier:   opts.Classifier,
		uploaders:    opts.Uploaders,
		log:          logger.With("component", "pipeline"),
		workers:      workers,
		maxRetries:   maxRetries,
		retryBackoff: backoff,
		refineOCR:    opts.RefineOCRText,
		queue:        make(chan Task, queueSize),
		done:         make(chan struct{}),
	}
}
