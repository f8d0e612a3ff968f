package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/docuflow/backend/internal/api"
	"github.com/docuflow/backend/internal/config"
	"github.com/docuflow/backend/internal/destinations"
	"github.com/docuflow/backend/internal/llm"
	"github.com/docuflow/backend/internal/mailbox"
	"github.com/docuflow/backend/internal/ocr"
	"github.com/docuflow/backend/internal/pdfops"
	"github.com/docuflow/backend/internal/pipeline"
	"github.com/docuflow/backend/internal/store"
	"github.com/docuflow/backend/internal/workspace"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Resolve the config file next to the executable
	exePath, err := os.Executable()
	if err != nil {
		fmt.Printf("Failed to get executable path: %v\n", err)
		os.Exit(1)
	}
	exeDir := filepath.Dir(exePath)

	configPath := filepath.Join(exeDir, "docuflow.yaml")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Printf("Failed to create directories: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Open the document store
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	// Initialize the working tree
	files, err := workspace.NewManager(cfg.WorkDir())
	if err != nil {
		fmt.Printf("Failed to initialize working directory: %v\n", err)
		os.Exit(1)
	}

	ocrClient := &ocr.Client{
		Endpoint:        cfg.OCR.Endpoint,
		APIKey:          cfg.OCR.APIKey,
		PollInterval:    time.Duration(cfg.OCR.PollIntervalSeconds) * time.Second,
		PollMaxAttempts: cfg.OCR.PollMaxAttempts,
	}

	llmClient := &llm.Client{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
	}

	uploaders := buildUploaders(cfg, logger)

	engine := pipeline.NewEngine(pipeline.Options{
		Store:         st,
		Files:         files,
		PDF:           pdfops.New(),
		OCR:           ocrClient,
		Classifier:    llmClient,
		Uploaders:     uploaders,
		Logger:        logger,
		Workers:       cfg.Pipeline.Workers,
		QueueSize:     cfg.Pipeline.QueueSize,
		MaxRetries:    cfg.Pipeline.MaxRetries,
		RetryBackoff:  time.Duration(cfg.Pipeline.RetryBackoffSeconds) * time.Second,
		RefineOCRText: cfg.Pipeline.RefineOCRText,
	})

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(rootCtx)

	poller := mailbox.NewPoller(mailbox.Options{
		Store:     st,
		Source:    &mailbox.IMAPSource{},
		Engine:    engine,
		Mailboxes: cfg.Mail.Mailboxes,
		WorkDir:   files.WorkDir(),
		Logger:    logger,
	})

	// Start scheduled mailbox polling when at least one account is usable
	if interval := time.Duration(cfg.Mail.PollIntervalMinutes) * time.Minute; interval > 0 {
		enabled := 0
		for _, mb := range cfg.Mail.Mailboxes {
			if mb.Enabled() {
				enabled++
			}
		}
		if enabled > 0 {
			logger.Info("mailbox polling scheduled", "mailboxes", enabled, "interval", interval)
			go poller.Run(rootCtx, interval)
		}
	}

	h := api.NewHandler(engine, st, files, poller, Version)

	e := echo.New()
	e.HTTPErrorHandler = api.ErrorHandler

	// Configure middleware
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return path == "/api/health" ||
				strings.HasSuffix(path, "/stream")
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize:         1024 * 4,
		DisablePrintStack: false,
		LogLevel:          0,
	}))

	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			// Streams outlive any sensible timeout and a manual poll
			// cycle waits on IMAP round trips.
			return strings.HasSuffix(path, "/stream") ||
				path == "/api/mailbox/poll" ||
				c.Request().Header.Get("Accept") == "text/event-stream"
		},
		ErrorMessage: "Request timeout - operation took too long",
	}))

	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().Header.Get("Accept") == "text/event-stream"
		},
	}))

	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	if cfg.Server.EnableCORS {
		origins := strings.Split(cfg.Server.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}

	// API Routes
	apiGroup := e.Group("/api")

	apiGroup.GET("/health", h.HandleHealth)

	// Ingestion
	apiGroup.POST("/process", h.HandleProcessFile)
	apiGroup.POST("/process/all", h.HandleProcessAll)
	apiGroup.POST("/process/upload", h.HandleProcessUpload)

	// Re-delivery of processed documents
	apiGroup.POST("/send/all", h.HandleSendAll)
	apiGroup.POST("/send/:destination", h.HandleSendDestination)

	// Manual mailbox poll
	apiGroup.POST("/mailbox/poll", h.HandleMailboxPoll)

	// Audit trail
	apiGroup.GET("/audit", h.HandleQueryAudit)
	apiGroup.GET("/tasks/:taskId/audit", h.HandleTaskAudit)
	apiGroup.GET("/tasks/:taskId/audit/msgpack", h.HandleTaskAuditMsgpack)
	apiGroup.GET("/tasks/:taskId/audit/stream", h.HandleTaskAuditStream)

	// Documents
	apiGroup.GET("/documents/recent", h.HandleRecentDocuments)
	apiGroup.GET("/documents/:id", h.HandleGetDocument)
	apiGroup.GET("/documents/:id/audit", h.HandleDocumentAudit)

	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Docuflow Document Pipeline                      ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:     %-45s║\n", configPath)
	fmt.Printf("║  Listen:     http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Work Dir:   %-45s║\n", files.WorkDir())
	fmt.Printf("║  Database:   %-45s║\n", cfg.DatabasePath())
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- e.StartServer(s)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}

	// Stop accepting requests first, then drain the queued pipeline work.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := engine.Shutdown(); err != nil {
		logger.Error("pipeline drain failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// buildUploaders assembles one Uploader per destination that has enough
// configuration to reach its service. Unconfigured destinations stay out of
// the map; their upload stages fail with a permanent audit entry.
func buildUploaders(cfg *config.AppConfig, logger *slog.Logger) map[string]destinations.Uploader {
	uploaders := make(map[string]destinations.Uploader)

	if d := cfg.Destinations.Dropbox; d.AppKey != "" && d.AppSecret != "" && d.RefreshToken != "" {
		uploaders[pipeline.DestDropbox] = &destinations.Dropbox{
			AppKey:       d.AppKey,
			AppSecret:    d.AppSecret,
			RefreshToken: d.RefreshToken,
			Folder:       d.Folder,
		}
	}

	if n := cfg.Destinations.Nextcloud; n.UploadURL != "" && n.Username != "" && n.Password != "" {
		uploaders[pipeline.DestNextcloud] = &destinations.Nextcloud{
			UploadURL: n.UploadURL,
			Folder:    n.Folder,
			Username:  n.Username,
			Password:  n.Password,
		}
	}

	if p := cfg.Destinations.Paperless; p.Host != "" && p.APIToken != "" {
		uploaders[pipeline.DestPaperless] = &destinations.Paperless{
			Host:     p.Host,
			APIToken: p.APIToken,
		}
	}

	names := make([]string, 0, len(uploaders))
	for name := range uploaders {
		names = append(names, name)
	}
	logger.Info("upload destinations configured", "destinations", names)

	return uploaders
}
