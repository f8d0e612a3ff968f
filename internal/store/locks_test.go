package store

import (
	"context"
	"testing"
	"time"
)

func TestAcquireLockFresh(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "mailbox-poll", "holder-1", 5*time.Minute)
	if err != nil {
		t.Fatalf("acquiring lock: %v", err)
	}
	if !ok {
		t.Fatal("expected to acquire a fresh lock")
	}
}

func TestAcquireLockHeld(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if ok, err := s.AcquireLock(ctx, "mailbox-poll", "holder-1", 5*time.Minute); err != nil || !ok {
		t.Fatalf("acquiring lock: ok=%v err=%v", ok, err)
	}

	ok, err := s.AcquireLock(ctx, "mailbox-poll", "holder-2", 5*time.Minute)
	if err != nil {
		t.Fatalf("acquiring held lock: %v", err)
	}
	if ok {
		t.Fatal("expected acquisition to fail while lock is held")
	}
}

func TestAcquireLockExpiredTakeover(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// A negative TTL produces an already-expired lease.
	if ok, err := s.AcquireLock(ctx, "mailbox-poll", "holder-1", -time.Second); err != nil || !ok {
		t.Fatalf("acquiring lock: ok=%v err=%v", ok, err)
	}

	ok, err := s.AcquireLock(ctx, "mailbox-poll", "holder-2", 5*time.Minute)
	if err != nil {
		t.Fatalf("taking over expired lock: %v", err)
	}
	if !ok {
		t.Fatal("expected to take over an expired lock")
	}

	// The original holder must not be able to release it anymore.
	if err := s.ReleaseLock(ctx, "mailbox-poll", "holder-1"); err != nil {
		t.Fatalf("releasing as stale holder: %v", err)
	}
	ok, err = s.AcquireLock(ctx, "mailbox-poll", "holder-3", 5*time.Minute)
	if err != nil {
		t.Fatalf("acquiring after stale release: %v", err)
	}
	if ok {
		t.Fatal("stale release must not free the lock")
	}
}

func TestReleaseLock(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if ok, err := s.AcquireLock(ctx, "mailbox-poll", "holder-1", 5*time.Minute); err != nil || !ok {
		t.Fatalf("acquiring lock: ok=%v err=%v", ok, err)
	}
	if err := s.ReleaseLock(ctx, "mailbox-poll", "holder-1"); err != nil {
		t.Fatalf("releasing lock: %v", err)
	}

	ok, err := s.AcquireLock(ctx, "mailbox-poll", "holder-2", 5*time.Minute)
	if err != nil {
		t.Fatalf("reacquiring lock: %v", err)
	}
	if !ok {
		t.Fatal("expected to acquire after release")
	}
}

func TestLocksAreIndependent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if ok, err := s.AcquireLock(ctx, "mailbox-poll", "holder-1", 5*time.Minute); err != nil || !ok {
		t.Fatalf("acquiring first lock: ok=%v err=%v", ok, err)
	}
	ok, err := s.AcquireLock(ctx, "cleanup", "holder-1", 5*time.Minute)
	if err != nil {
		t.Fatalf("acquiring second lock: %v", err)
	}
	if !ok {
		t.Fatal("expected unrelated lock names not to contend")
	}
}
