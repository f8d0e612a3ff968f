package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docuflow/backend/internal/config"
	"github.com/docuflow/backend/internal/pipeline"
)

type fakeLockStore struct {
	mu   sync.Mutex
	held map[string]string
}

func newFakeLockStore() *fakeLockStore {
	return &fakeLockStore{held: make(map[string]string)}
}

func (s *fakeLockStore) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[name]; ok {
		return false, nil
	}
	s.held[name] = holder
	return true, nil
}

func (s *fakeLockStore) ReleaseLock(ctx context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[name] == holder {
		delete(s.held, name)
	}
	return nil
}

func (s *fakeLockStore) holderOf(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[name]
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []pipeline.Task
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, task pipeline.Task) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
	return fmt.Sprintf("task-%d", len(e.tasks)), nil
}

func (e *fakeEnqueuer) queued() []pipeline.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]pipeline.Task, len(e.tasks))
	copy(out, e.tasks)
	return out
}

type fakeMail struct {
	msg     *Message
	labeled bool
}

type fakeSession struct {
	mu         sync.Mutex
	mail       map[uint32]*fakeMail
	order      []uint32
	starred    []uint32
	labeled    []uint32
	deleted    []uint32
	restored   []uint32
	expunges   int
	closed     bool
	unreadGate chan struct{} // when set, UnreadSince blocks until closed
}

func (s *fakeSession) UnreadSince(since time.Time) ([]uint32, error) {
	if s.unreadGate != nil {
		<-s.unreadGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order, nil
}

func (s *fakeSession) Fetch(seqNum uint32) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mail[seqNum]
	if !ok {
		return nil, errors.New("no such message")
	}
	return m.msg, nil
}

func (s *fakeSession) HasLabel(seqNum uint32, label string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mail[seqNum]
	if !ok {
		return false, errors.New("no such message")
	}
	return m.labeled, nil
}

func (s *fakeSession) AddLabel(seqNum uint32, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labeled = append(s.labeled, seqNum)
	return nil
}

func (s *fakeSession) Star(seqNum uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starred = append(s.starred, seqNum)
	return nil
}

func (s *fakeSession) Delete(seqNum uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, seqNum)
	return nil
}

func (s *fakeSession) RestoreUnread(seqNum uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restored = append(s.restored, seqNum)
	return nil
}

func (s *fakeSession) Expunge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expunges++
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeSource struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	errs     map[string]error
	connects int
}

func (s *fakeSource) Connect(ctx context.Context, cfg config.MailboxConfig) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if err := s.errs[cfg.Name]; err != nil {
		return nil, err
	}
	sess, ok := s.sessions[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("no session for mailbox %s", cfg.Name)
	}
	return sess, nil
}

func (s *fakeSource) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func testMailbox(name, host string) config.MailboxConfig {
	return config.MailboxConfig{
		Name:     name,
		Host:     host,
		Port:     993,
		Username: "ingest@example.org",
		Password: "secret",
		TLS:      true,
	}
}

func newTestPoller(t *testing.T, source *fakeSource, boxes ...config.MailboxConfig) (*Poller, *fakeLockStore, *fakeEnqueuer, string) {
	t.Helper()
	workDir := t.TempDir()
	locks := newFakeLockStore()
	engine := &fakeEnqueuer{}
	poller := NewPoller(Options{
		Store:     locks,
		Source:    source,
		Engine:    engine,
		Mailboxes: boxes,
		WorkDir:   workDir,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return poller, locks, engine, workDir
}

func TestTickEnqueuesPDFAttachments(t *testing.T) {
	session := &fakeSession{
		order: []uint32{1, 2, 3},
		mail: map[uint32]*fakeMail{
			1: {msg: &Message{ID: "<invoice@example.org>", Attachments: []Attachment{
				{Filename: "invoice.pdf", Data: []byte("%PDF invoice")},
				{Filename: "terms.pdf", Data: []byte("%PDF terms")},
			}}},
			2: {msg: &Message{ID: "<newsletter@example.org>"}},
			3: {msg: &Message{ID: "", Attachments: []Attachment{
				{Filename: "anonymous.pdf", Data: []byte("%PDF anon")},
			}}},
		},
	}
	source := &fakeSource{sessions: map[string]*fakeSession{"main": session}}
	poller, locks, engine, workDir := newTestPoller(t, source, testMailbox("main", "mail.example.org"))

	ran, err := poller.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if !ran {
		t.Fatal("Expected the cycle to run")
	}

	tasks := engine.queued()
	if len(tasks) != 2 {
		t.Fatalf("Expected 2 enqueued tasks, got %d", len(tasks))
	}
	for i, name := range []string{"invoice.pdf", "terms.pdf"} {
		if tasks[i].Stage != pipeline.StageIngest {
			t.Errorf("Expected an ingest task, got %s", tasks[i].Stage)
		}
		want := filepath.Join(workDir, name)
		if tasks[i].Path != want {
			t.Errorf("Expected task path %s, got %s", want, tasks[i].Path)
		}
		data, err := os.ReadFile(want)
		if err != nil {
			t.Fatalf("Failed to read saved attachment: %v", err)
		}
		if len(data) == 0 {
			t.Errorf("Expected attachment %s to have content", name)
		}
	}

	// Message without a Message-ID is skipped entirely.
	for _, task := range tasks {
		if filepath.Base(task.Path) == "anonymous.pdf" {
			t.Error("Expected the message without Message-ID to be skipped")
		}
	}

	// Unread state restored for both handled messages, none starred on a
	// plain IMAP host, nothing expunged.
	if len(session.restored) != 2 {
		t.Errorf("Expected 2 unread restores, got %v", session.restored)
	}
	if len(session.starred) != 0 || len(session.labeled) != 0 {
		t.Errorf("Expected no Gmail marks on a plain host, got stars %v labels %v", session.starred, session.labeled)
	}
	if session.expunges != 0 {
		t.Errorf("Expected no expunge, got %d", session.expunges)
	}
	if !session.closed {
		t.Error("Expected the session to be closed")
	}

	// Both handled messages are cached and the lock is released.
	cache, err := LoadSeenCache(filepath.Join(workDir, seenCacheFile))
	if err != nil {
		t.Fatalf("Failed to load seen cache: %v", err)
	}
	if !cache.Has("<invoice@example.org>") || !cache.Has("<newsletter@example.org>") {
		t.Error("Expected handled messages to be recorded in the seen cache")
	}
	if holder := locks.holderOf(lockName); holder != "" {
		t.Errorf("Expected the poll lock to be released, still held by %s", holder)
	}
}

func TestTickSecondPollerSkipsWhileLockHeld(t *testing.T) {
	gate := make(chan struct{})
	session := &fakeSession{
		order:      []uint32{1},
		unreadGate: gate,
		mail: map[uint32]*fakeMail{
			1: {msg: &Message{ID: "<a@example.org>"}},
		},
	}
	firstSource := &fakeSource{sessions: map[string]*fakeSession{"main": session}}
	first, locks, _, _ := newTestPoller(t, firstSource, testMailbox("main", "mail.example.org"))

	secondSource := &fakeSource{sessions: map[string]*fakeSession{}}
	second := NewPoller(Options{
		Store:     locks,
		Source:    secondSource,
		Engine:    &fakeEnqueuer{},
		Mailboxes: []config.MailboxConfig{testMailbox("main", "mail.example.org")},
		WorkDir:   t.TempDir(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	done := make(chan error, 1)
	go func() {
		_, err := first.Tick(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for locks.holderOf(lockName) == "" {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the first poller to take the lock")
		}
		time.Sleep(time.Millisecond)
	}

	ran, err := second.Tick(context.Background())
	if err != nil {
		t.Fatalf("Second tick failed: %v", err)
	}
	if ran {
		t.Error("Expected the second poller to skip while the lock is held")
	}
	if got := secondSource.connectCount(); got != 0 {
		t.Errorf("Expected no mailbox connections from the skipped poller, got %d", got)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("First tick failed: %v", err)
	}
	if holder := locks.holderOf(lockName); holder != "" {
		t.Errorf("Expected the lock to be released after the cycle, still held by %s", holder)
	}
}

func TestTickSkipsCachedMessages(t *testing.T) {
	session := &fakeSession{
		order: []uint32{1, 2},
		mail: map[uint32]*fakeMail{
			1: {msg: &Message{ID: "<seen@example.org>", Attachments: []Attachment{
				{Filename: "seen.pdf", Data: []byte("%PDF seen")},
			}}},
			2: {msg: &Message{ID: "<new@example.org>", Attachments: []Attachment{
				{Filename: "new.pdf", Data: []byte("%PDF new")},
			}}},
		},
	}
	source := &fakeSource{sessions: map[string]*fakeSession{"main": session}}
	poller, _, engine, workDir := newTestPoller(t, source, testMailbox("main", "mail.example.org"))

	cache, err := LoadSeenCache(filepath.Join(workDir, seenCacheFile))
	if err != nil {
		t.Fatalf("Failed to load cache: %v", err)
	}
	if err := cache.Record("<seen@example.org>"); err != nil {
		t.Fatalf("Failed to seed cache: %v", err)
	}

	if _, err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	tasks := engine.queued()
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 enqueued task, got %d", len(tasks))
	}
	if filepath.Base(tasks[0].Path) != "new.pdf" {
		t.Errorf("Expected only the new message's attachment, got %s", tasks[0].Path)
	}
}

func TestTickSecondCycleEnqueuesNothing(t *testing.T) {
	session := &fakeSession{
		order: []uint32{1},
		mail: map[uint32]*fakeMail{
			1: {msg: &Message{ID: "<a@example.org>", Attachments: []Attachment{
				{Filename: "a.pdf", Data: []byte("%PDF a")},
			}}},
		},
	}
	source := &fakeSource{sessions: map[string]*fakeSession{"main": session}}
	poller, _, engine, _ := newTestPoller(t, source, testMailbox("main", "mail.example.org"))

	if _, err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("First tick failed: %v", err)
	}
	if got := len(engine.queued()); got != 1 {
		t.Fatalf("Expected 1 task after the first tick, got %d", got)
	}

	// The message is still unread on the server; the cache must keep the
	// second cycle from ingesting it again.
	if _, err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("Second tick failed: %v", err)
	}
	if got := len(engine.queued()); got != 1 {
		t.Errorf("Expected no new tasks after the second tick, got %d", got)
	}
}

func TestTickGmailLabelHandling(t *testing.T) {
	session := &fakeSession{
		order: []uint32{1, 2},
		mail: map[uint32]*fakeMail{
			1: {labeled: true, msg: &Message{ID: "<labeled@example.org>", Attachments: []Attachment{
				{Filename: "labeled.pdf", Data: []byte("%PDF labeled")},
			}}},
			2: {msg: &Message{ID: "<fresh@example.org>", Attachments: []Attachment{
				{Filename: "fresh.pdf", Data: []byte("%PDF fresh")},
			}}},
		},
	}
	source := &fakeSource{sessions: map[string]*fakeSession{"gmail": session}}
	poller, _, engine, _ := newTestPoller(t, source, testMailbox("gmail", "imap.gmail.com"))

	if _, err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	tasks := engine.queued()
	if len(tasks) != 1 || filepath.Base(tasks[0].Path) != "fresh.pdf" {
		t.Fatalf("Expected only the unlabeled message to be ingested, got %v", tasks)
	}

	if len(session.starred) != 1 || session.starred[0] != 2 {
		t.Errorf("Expected message 2 to be starred, got %v", session.starred)
	}
	if len(session.labeled) != 1 || session.labeled[0] != 2 {
		t.Errorf("Expected message 2 to be labeled, got %v", session.labeled)
	}
}

func TestTickDeleteAfterProcess(t *testing.T) {
	session := &fakeSession{
		order: []uint32{1},
		mail: map[uint32]*fakeMail{
			1: {msg: &Message{ID: "<a@example.org>", Attachments: []Attachment{
				{Filename: "a.pdf", Data: []byte("%PDF a")},
			}}},
		},
	}
	source := &fakeSource{sessions: map[string]*fakeSession{"main": session}}
	box := testMailbox("main", "mail.example.org")
	box.DeleteAfterProcess = true
	poller, _, _, _ := newTestPoller(t, source, box)

	if _, err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	if len(session.deleted) != 1 || session.deleted[0] != 1 {
		t.Errorf("Expected message 1 to be flagged deleted, got %v", session.deleted)
	}
	if session.expunges != 1 {
		t.Errorf("Expected one expunge, got %d", session.expunges)
	}
	if len(session.restored) != 0 {
		t.Errorf("Expected no unread restore when deleting, got %v", session.restored)
	}
}

func TestTickMailboxFailureDoesNotAbortCycle(t *testing.T) {
	session := &fakeSession{
		order: []uint32{1},
		mail: map[uint32]*fakeMail{
			1: {msg: &Message{ID: "<b@example.org>", Attachments: []Attachment{
				{Filename: "b.pdf", Data: []byte("%PDF b")},
			}}},
		},
	}
	source := &fakeSource{
		sessions: map[string]*fakeSession{"second": session},
		errs:     map[string]error{"first": errors.New("connection refused")},
	}
	poller, locks, engine, _ := newTestPoller(t, source,
		testMailbox("first", "broken.example.org"),
		testMailbox("second", "mail.example.org"))

	ran, err := poller.Tick(context.Background())
	if err != nil {
		t.Fatalf("Expected per-mailbox failures to be swallowed, got %v", err)
	}
	if !ran {
		t.Fatal("Expected the cycle to run")
	}

	if got := len(engine.queued()); got != 1 {
		t.Errorf("Expected the healthy mailbox to be processed, got %d tasks", got)
	}
	if holder := locks.holderOf(lockName); holder != "" {
		t.Errorf("Expected the lock to be released, still held by %s", holder)
	}
}

func TestTickSkipsUnconfiguredMailbox(t *testing.T) {
	source := &fakeSource{sessions: map[string]*fakeSession{}}
	incomplete := config.MailboxConfig{Name: "half", Host: "mail.example.org"}
	poller, _, engine, _ := newTestPoller(t, source, incomplete)

	if _, err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if got := source.connectCount(); got != 0 {
		t.Errorf("Expected no connection attempts for an incomplete mailbox, got %d", got)
	}
	if got := len(engine.queued()); got != 0 {
		t.Errorf("Expected no tasks, got %d", got)
	}
}
