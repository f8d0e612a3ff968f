package mailbox

import (
	"context"
	"time"

	"github.com/docuflow/backend/internal/config"
)

// Message is one fetched mail message, reduced to what the poller needs.
type Message struct {
	// ID is the Message-ID header; empty when the message carries none.
	ID string

	// Attachments holds the PDF attachments of the message.
	Attachments []Attachment
}

// Attachment is one PDF file carried by a message.
type Attachment struct {
	Filename string
	Data     []byte
}

// Session is one authenticated connection to a mailbox with INBOX selected.
// Sequence numbers are only valid within the session.
type Session interface {
	// UnreadSince lists sequence numbers of unseen messages received at or
	// after since.
	UnreadSince(since time.Time) ([]uint32, error)

	// Fetch retrieves one message and parses out its PDF attachments.
	// Fetching marks the message seen; RestoreUnread undoes that.
	Fetch(seqNum uint32) (*Message, error)

	// HasLabel reports whether the message carries the label. Only
	// meaningful on label-capable hosts.
	HasLabel(seqNum uint32, label string) (bool, error)

	// AddLabel attaches the label to the message.
	AddLabel(seqNum uint32, label string) error

	// Star flags the message.
	Star(seqNum uint32) error

	// Delete flags the message for removal; Expunge makes it permanent.
	Delete(seqNum uint32) error

	// RestoreUnread clears the seen flag set by Fetch.
	RestoreUnread(seqNum uint32) error

	// Expunge permanently removes all messages flagged for deletion.
	Expunge() error

	Close() error
}

// Source opens mailbox sessions. The IMAP implementation is the production
// source; tests substitute their own.
type Source interface {
	Connect(ctx context.Context, cfg config.MailboxConfig) (Session, error)
}
