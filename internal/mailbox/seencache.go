// Package mailbox polls IMAP accounts for unread mail and feeds PDF
// attachments into the document pipeline. Cycles are serialized through a
// database lock so overlapping schedules and multiple instances never pull
// the same mailbox twice at once.
package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	seenTimeLayout     = "2006-01-02T15:04:05"
	seenCacheRetention = 7 * 24 * time.Hour
)

// SeenCache tracks Message-IDs that were already ingested, so restarts and
// the overlapping three-day search windows never enqueue a message twice.
// Entries expire after seven days, which outlives the search window.
type SeenCache struct {
	path    string
	entries map[string]string
}

// LoadSeenCache reads the cache file, dropping entries older than the
// retention window. A missing or corrupt file yields an empty cache; a
// corrupt cache only costs re-checking recent mail.
func LoadSeenCache(path string) (*SeenCache, error) {
	c := &SeenCache{path: path, entries: make(map[string]string)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox: reading seen cache: %w", err)
	}

	if err := json.Unmarshal(data, &c.entries); err != nil {
		c.entries = make(map[string]string)
		return c, nil
	}
	c.purge(time.Now().UTC())
	return c, nil
}

func (c *SeenCache) purge(now time.Time) {
	cutoff := now.Add(-seenCacheRetention)
	for id, stamp := range c.entries {
		seen, err := time.Parse(seenTimeLayout, stamp)
		if err != nil || !seen.After(cutoff) {
			delete(c.entries, id)
		}
	}
}

// Has reports whether the message id was already processed.
func (c *SeenCache) Has(id string) bool {
	_, ok := c.entries[id]
	return ok
}

// Record marks the message id as processed and persists the cache
// immediately, so a crash mid-cycle cannot replay handled messages.
func (c *SeenCache) Record(id string) error {
	c.entries[id] = time.Now().UTC().Format(seenTimeLayout)
	return c.save()
}

// Len returns the number of tracked message ids.
func (c *SeenCache) Len() int {
	return len(c.entries)
}

func (c *SeenCache) save() error {
	data, err := json.MarshalIndent(c.entries, "", "    ")
	if err != nil {
		return fmt.Errorf("mailbox: encoding seen cache: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("mailbox: writing seen cache: %w", err)
	}
	return nil
}
