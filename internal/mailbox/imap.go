package mailbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	_ "github.com/emersion/go-message/charset" // decode non-UTF-8 mail

	"github.com/docuflow/backend/internal/config"
)

const gmailLabelsItem = imap.FetchItem("X-GM-LABELS")

// IMAPSource opens IMAP sessions for configured mailboxes.
type IMAPSource struct{}

func (IMAPSource) Connect(ctx context.Context, cfg config.MailboxConfig) (Session, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var (
		c   *client.Client
		err error
	)
	if cfg.TLS {
		c, err = client.DialTLS(addr, nil)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox: dialing %s: %w", addr, err)
	}

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("mailbox: logging in as %s: %w", cfg.Username, err)
	}
	if _, err := c.Select("INBOX", false); err != nil {
		c.Logout()
		return nil, fmt.Errorf("mailbox: selecting inbox: %w", err)
	}

	return &imapSession{c: c}, nil
}

type imapSession struct {
	c *client.Client
}

func (s *imapSession) UnreadSince(since time.Time) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	criteria.WithoutFlags = []string{imap.SeenFlag}

	nums, err := s.c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("mailbox: searching unread: %w", err)
	}
	return nums, nil
}

func (s *imapSession) Fetch(seqNum uint32) (*Message, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNum)

	section := &imap.BodySectionName{}
	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- s.c.Fetch(seqset, []imap.FetchItem{section.FetchItem()}, ch) }()

	var raw *imap.Message
	for m := range ch {
		raw = m
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("mailbox: fetching message %d: %w", seqNum, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("mailbox: message %d not returned", seqNum)
	}
	body := raw.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("mailbox: message %d has no body", seqNum)
	}

	return parseMessage(body)
}

// parseMessage extracts the Message-ID and all PDF attachments.
func parseMessage(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("mailbox: parsing message: %w", err)
	}

	msg := &Message{}
	if id, err := mr.Header.MessageID(); err == nil && id != "" {
		msg.ID = id
	} else {
		msg.ID = strings.TrimSpace(mr.Header.Get("Message-Id"))
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("mailbox: reading message part: %w", err)
		}

		header, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		filename, _ := header.Filename()
		contentType, _, _ := header.ContentType()
		if filename == "" || contentType != "application/pdf" {
			continue
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("mailbox: reading attachment %s: %w", filename, err)
		}
		msg.Attachments = append(msg.Attachments, Attachment{Filename: filename, Data: data})
	}

	return msg, nil
}

func (s *imapSession) HasLabel(seqNum uint32, label string) (bool, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNum)

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- s.c.Fetch(seqset, []imap.FetchItem{gmailLabelsItem}, ch) }()

	found := false
	for m := range ch {
		fields, ok := m.Items[gmailLabelsItem].([]interface{})
		if !ok {
			continue
		}
		for _, field := range fields {
			if fmt.Sprint(field) == label {
				found = true
			}
		}
	}
	if err := <-done; err != nil {
		return false, fmt.Errorf("mailbox: fetching labels for message %d: %w", seqNum, err)
	}
	return found, nil
}

func (s *imapSession) AddLabel(seqNum uint32, label string) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNum)

	item := imap.StoreItem("+X-GM-LABELS")
	if err := s.c.Store(seqset, item, []interface{}{label}, nil); err != nil {
		return fmt.Errorf("mailbox: labeling message %d: %w", seqNum, err)
	}
	return nil
}

func (s *imapSession) Star(seqNum uint32) error {
	return s.storeFlags(seqNum, imap.AddFlags, imap.FlaggedFlag)
}

func (s *imapSession) Delete(seqNum uint32) error {
	return s.storeFlags(seqNum, imap.AddFlags, imap.DeletedFlag)
}

func (s *imapSession) RestoreUnread(seqNum uint32) error {
	return s.storeFlags(seqNum, imap.RemoveFlags, imap.SeenFlag)
}

func (s *imapSession) storeFlags(seqNum uint32, op imap.FlagsOp, flag string) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNum)

	item := imap.FormatFlagsOp(op, true)
	if err := s.c.Store(seqset, item, []interface{}{flag}, nil); err != nil {
		return fmt.Errorf("mailbox: updating flags of message %d: %w", seqNum, err)
	}
	return nil
}

func (s *imapSession) Expunge() error {
	if err := s.c.Expunge(nil); err != nil {
		return fmt.Errorf("mailbox: expunging: %w", err)
	}
	return nil
}

func (s *imapSession) Close() error {
	if err := s.c.Close(); err != nil {
		s.c.Logout()
		return fmt.Errorf("mailbox: closing inbox: %w", err)
	}
	if err := s.c.Logout(); err != nil {
		return fmt.Errorf("mailbox: logging out: %w", err)
	}
	return nil
}
