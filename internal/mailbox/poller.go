package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docuflow/backend/internal/config"
	"github.com/docuflow/backend/internal/pipeline"
)

const (
	lockName       = "mailbox-poll"
	lockTTL        = 5 * time.Minute
	searchWindow   = 3 * 24 * time.Hour
	processedLabel = "Ingested"
	seenCacheFile  = "processed_mails.json"
)

// LockStore is the mutual-exclusion surface the poller needs.
type LockStore interface {
	AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, holder string) error
}

// Enqueuer hands saved attachments to the processing pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, task pipeline.Task) (string, error)
}

// Options wires a Poller's collaborators.
type Options struct {
	Store     LockStore
	Source    Source
	Engine    Enqueuer
	Mailboxes []config.MailboxConfig

	// WorkDir receives saved attachments and holds the seen-mail cache.
	WorkDir string

	Logger *slog.Logger
}

// Poller pulls the configured mailboxes on a schedule and enqueues every new
// PDF attachment for ingestion. At most one cycle runs at a time across all
// instances sharing the database.
type Poller struct {
	store     LockStore
	source    Source
	engine    Enqueuer
	mailboxes []config.MailboxConfig
	workDir   string
	holder    string
	log       *slog.Logger
}

func NewPoller(opts Options) *Poller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:     opts.Store,
		source:    opts.Source,
		engine:    opts.Engine,
		mailboxes: opts.Mailboxes,
		workDir:   opts.WorkDir,
		holder:    uuid.New().String(),
		log:       logger.With("component", "mailbox"),
	}
}

// Run ticks at the given interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil {
				p.log.Error("mailbox poll cycle failed", "error", err)
			}
		}
	}
}

// Tick runs one poll cycle. It reports false without touching any mailbox
// when another poller holds the lock; the skipped cycle is not deferred.
func (p *Poller) Tick(ctx context.Context) (bool, error) {
	acquired, err := p.store.AcquireLock(ctx, lockName, p.holder, lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquiring poll lock: %w", err)
	}
	if !acquired {
		p.log.Info("poll lock held elsewhere, skipping cycle")
		return false, nil
	}
	defer func() {
		if err := p.store.ReleaseLock(context.WithoutCancel(ctx), lockName, p.holder); err != nil {
			p.log.Error("releasing poll lock", "error", err)
		}
	}()

	p.log.Info("starting mailbox poll cycle", "mailboxes", len(p.mailboxes))

	cache, err := LoadSeenCache(filepath.Join(p.workDir, seenCacheFile))
	if err != nil {
		return true, fmt.Errorf("loading seen cache: %w", err)
	}

	for _, mb := range p.mailboxes {
		if err := p.pullMailbox(ctx, mb, cache); err != nil {
			p.log.Error("pulling mailbox failed", "mailbox", mb.Name, "error", err)
		}
	}

	p.log.Info("finished mailbox poll cycle")
	return true, nil
}

func (p *Poller) pullMailbox(ctx context.Context, mb config.MailboxConfig, cache *SeenCache) error {
	if !mb.Enabled() {
		p.log.Warn("mailbox missing settings, skipping", "mailbox", mb.Name)
		return nil
	}

	log := p.log.With("mailbox", mb.Name)
	log.Info("checking mailbox", "host", mb.Host, "port", mb.Port, "tls", mb.TLS)

	session, err := p.source.Connect(ctx, mb)
	if err != nil {
		return err
	}
	defer session.Close()

	nums, err := session.UnreadSince(time.Now().UTC().Add(-searchWindow))
	if err != nil {
		return err
	}
	log.Info("unread messages found", "count", len(nums))

	labelCapable := supportsLabels(mb.Host)
	flaggedDeleted := false

	for _, num := range nums {
		msg, err := session.Fetch(num)
		if err != nil {
			log.Warn("fetching message failed", "seq", num, "error", err)
			continue
		}
		if msg.ID == "" {
			log.Warn("skipping message without Message-ID", "seq", num)
			continue
		}
		if cache.Has(msg.ID) {
			log.Info("skipping already processed message", "id", msg.ID)
			continue
		}
		if labelCapable {
			labeled, err := session.HasLabel(num, processedLabel)
			if err != nil {
				log.Warn("checking label failed", "seq", num, "error", err)
			} else if labeled {
				log.Info("skipping already labeled message", "id", msg.ID)
				continue
			}
		}

		p.enqueueAttachments(ctx, msg, log)

		if labelCapable {
			if err := session.Star(num); err != nil {
				log.Warn("starring message failed", "seq", num, "error", err)
			}
			if err := session.AddLabel(num, processedLabel); err != nil {
				log.Warn("labeling message failed", "seq", num, "error", err)
			}
		}

		if err := cache.Record(msg.ID); err != nil {
			log.Warn("recording processed message", "id", msg.ID, "error", err)
		}

		if mb.DeleteAfterProcess {
			if err := session.Delete(num); err != nil {
				log.Warn("flagging message for deletion failed", "seq", num, "error", err)
			} else {
				flaggedDeleted = true
			}
		} else {
			if err := session.RestoreUnread(num); err != nil {
				log.Warn("restoring unread state failed", "seq", num, "error", err)
			}
		}
	}

	if flaggedDeleted {
		if err := session.Expunge(); err != nil {
			log.Warn("expunging deleted messages failed", "error", err)
		}
	}
	return nil
}

func (p *Poller) enqueueAttachments(ctx context.Context, msg *Message, log *slog.Logger) {
	for _, att := range msg.Attachments {
		if att.Filename == "" {
			continue
		}
		name := filepath.Base(att.Filename)
		if name == "." || name == ".." || name == string(filepath.Separator) {
			continue
		}

		path := filepath.Join(p.workDir, name)
		if err := os.WriteFile(path, att.Data, 0644); err != nil {
			log.Warn("saving attachment failed", "file", name, "error", err)
			continue
		}
		if _, err := p.engine.Enqueue(ctx, pipeline.NewIngestTask(path)); err != nil {
			log.Warn("enqueueing attachment failed", "file", name, "error", err)
			continue
		}
		log.Info("attachment queued for ingestion", "file", name, "message", msg.ID)
	}
}

// supportsLabels reports whether the host speaks the Gmail label extensions.
func supportsLabels(host string) bool {
	return strings.Contains(strings.ToLower(host), "gmail")
}
