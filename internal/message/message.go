package message

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/couriermsg/courier/internal/user"
)

type ID string

// Message is an end-to-end-encrypted payload addressed to a fixed set of
// recipients. Ciphertext, IV, and the wrapped keys are opaque to the server.
// Recipients are resolved once at send time and never change afterwards.
type Message struct {
	ID         ID
	SenderID   user.ID
	Ciphertext []byte
	IV         []byte
	Recipients []user.ID
	Keys       map[user.ID][]byte
	CreatedAt  time.Time
	Unread     bool
	ReadBy     map[user.ID]time.Time
	ExpiresAt  time.Time

	recipientSet map[user.ID]struct{}
}

func New(sender user.ID, ciphertext, iv []byte, recipients []user.ID, keys map[user.ID][]byte, retention time.Duration) *Message {
	now := time.Now().UTC()
	m := &Message{
		ID:         ID(uuid.NewString()),
		SenderID:   sender,
		Ciphertext: ciphertext,
		IV:         iv,
		Recipients: recipients,
		Keys:       keys,
		CreatedAt:  now,
		Unread:     true,
		ExpiresAt:  now.Add(retention),
	}
	m.recipientSet = make(map[user.ID]struct{}, len(recipients))
	for _, r := range recipients {
		m.recipientSet[r] = struct{}{}
	}
	return m
}

func (m *Message) HasRecipient(id user.ID) bool {
	if m.recipientSet != nil {
		_, ok := m.recipientSet[id]
		return ok
	}
	for _, r := range m.Recipients {
		if r == id {
			return true
		}
	}
	return false
}

// Envelope is the per-recipient view handed out on delivery: bookkeeping
// fields are stripped and only the recipient's own wrapped key is included.
type Envelope struct {
	ID         ID
	SenderID   user.ID
	Ciphertext []byte
	IV         []byte
	Key        []byte
	CreatedAt  time.Time
}

func (m *Message) EnvelopeFor(id user.ID) *Envelope {
	return &Envelope{
		ID:         m.ID,
		SenderID:   m.SenderID,
		Ciphertext: m.Ciphertext,
		IV:         m.IV,
		Key:        m.Keys[id],
		CreatedAt:  m.CreatedAt,
	}
}

// HistoryEntry is a durable-store row for one recipient: the envelope plus
// the read-receipt state.
type HistoryEntry struct {
	Envelope
	Unread bool
	ReadAt *time.Time
}

// Store is the durable collaborator. Writes are bulk and idempotency-light;
// the history read path is the true durability boundary.
type Store interface {
	InsertMessages(ctx context.Context, msgs []*Message) error
	ListForRecipient(ctx context.Context, recipient user.ID, before time.Time, limit int) ([]HistoryEntry, error)
	MarkRead(ctx context.Context, id ID, recipient user.ID, at time.Time) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
