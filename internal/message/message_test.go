package message

import (
	"bytes"
	"testing"
	"time"

	"github.com/couriermsg/courier/internal/user"
)

func TestEnvelopeFor(t *testing.T) {
	keys := map[user.ID][]byte{
		"alice": []byte("key-alice"),
		"bob":   []byte("key-bob"),
	}
	m := New("bob", []byte("ct"), []byte("iv"), []user.ID{"alice", "bob"}, keys, time.Hour)

	env := m.EnvelopeFor("alice")
	if env.ID != m.ID || env.SenderID != "bob" {
		t.Fatalf("envelope identity mismatch: %+v", env)
	}
	if !bytes.Equal(env.Key, []byte("key-alice")) {
		t.Fatalf("envelope key = %q, want alice's wrapped key", env.Key)
	}
	if !bytes.Equal(env.Ciphertext, []byte("ct")) || !bytes.Equal(env.IV, []byte("iv")) {
		t.Fatal("ciphertext/iv must pass through unchanged")
	}
}

func TestHasRecipient(t *testing.T) {
	m := New("bob", nil, nil, []user.ID{"alice"}, nil, time.Hour)
	if !m.HasRecipient("alice") {
		t.Fatal("expected alice to be a recipient")
	}
	if m.HasRecipient("mallory") {
		t.Fatal("mallory must not be a recipient")
	}

	// A message rehydrated from the store has no precomputed set.
	loaded := &Message{Recipients: []user.ID{"alice"}}
	if !loaded.HasRecipient("alice") {
		t.Fatal("expected linear fallback to find alice")
	}
}

func TestNewSetsRetentionAndUnread(t *testing.T) {
	m := New("bob", nil, nil, nil, nil, 24*time.Hour)
	if !m.Unread {
		t.Fatal("new messages start unread")
	}
	if got := m.ExpiresAt.Sub(m.CreatedAt); got != 24*time.Hour {
		t.Fatalf("retention = %v, want 24h", got)
	}
	if m.ID == "" {
		t.Fatal("expected generated id")
	}
}
