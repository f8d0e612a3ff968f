package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLock attempts to take the named lock for holder. It succeeds when
// the lock is absent or its previous lease has expired, and reports false
// without error when another holder still owns it. The lease is never
// renewed while held; a crashed holder frees the lock by letting the TTL
// lapse.
func (s *Store) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO poll_locks (name, holder, acquired_at_ms, expires_at_ms)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (name) DO NOTHING`,
		name, holder, now.UnixMilli(), expires.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to insert lock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 1 {
		return true, nil
	}

	// A row exists. Take it over only if its lease has run out.
	res, err = s.db.ExecContext(ctx,
		`UPDATE poll_locks SET holder = ?, acquired_at_ms = ?, expires_at_ms = ?
		 WHERE name = ? AND expires_at_ms <= ?`,
		holder, now.UnixMilli(), expires.UnixMilli(), name, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to take over expired lock: %w", err)
	}

	affected, err = res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected == 1, nil
}

// ReleaseLock frees the named lock if holder still owns it. Releasing a lock
// that expired and was taken over by someone else is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM poll_locks WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
