package delivery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/couriermsg/courier/internal/message"
	"github.com/couriermsg/courier/internal/metrics"
	"github.com/couriermsg/courier/internal/queue"
	"github.com/couriermsg/courier/internal/registry"
	"github.com/couriermsg/courier/internal/user"
)

func newDispatcher(sliceSize int) (*Dispatcher, *registry.Registry, *Tracker, *queue.Queue) {
	reg := registry.New(zerolog.Nop())
	tr := NewTracker(10 * time.Minute)
	q := queue.New(5000, zerolog.Nop(), metrics.NewNop())
	d := NewDispatcher(reg, tr, q, sliceSize, zerolog.Nop(), metrics.NewNop())
	return d, reg, tr, q
}

func TestDispatchResolvesMatchingSession(t *testing.T) {
	d, reg, tr, q := newDispatcher(1000)

	alice := registry.NewSession("alice", time.Now())
	reg.Register(alice)

	msg := message.New("bob", []byte("ct"), []byte("iv"), []user.ID{"alice"},
		map[user.ID][]byte{"alice": []byte("k")}, time.Hour)

	if delivered := d.Dispatch(context.Background(), msg); delivered != 1 {
		t.Fatalf("Dispatch delivered %d, want 1", delivered)
	}

	select {
	case env := <-alice.Done():
		if env == nil || env.ID != msg.ID || string(env.Key) != "k" {
			t.Fatalf("resolved envelope = %+v", env)
		}
	default:
		t.Fatal("alice's session was not resolved")
	}
	if reg.Len() != 0 {
		t.Fatal("resolved session must be removed from the registry")
	}
	if !tr.Delivered(msg.ID, "alice") {
		t.Fatal("delivery record must include alice")
	}
	if q.Len() != 1 {
		t.Fatal("message must be enqueued for catch-up after broadcast")
	}
}

func TestDispatchSkipsNonRecipients(t *testing.T) {
	d, reg, _, _ := newDispatcher(1000)

	mallory := registry.NewSession("mallory", time.Now())
	reg.Register(mallory)

	msg := message.New("bob", nil, nil, []user.ID{"alice"}, nil, time.Hour)
	if delivered := d.Dispatch(context.Background(), msg); delivered != 0 {
		t.Fatalf("delivered %d, want 0", delivered)
	}
	if reg.Len() != 1 {
		t.Fatal("non-matching session must stay registered")
	}
}

func TestDispatchAtMostOncePerRecipient(t *testing.T) {
	d, reg, _, _ := newDispatcher(1000)

	// Two held sessions for the same identity: only one may be resolved
	// with this message.
	first := registry.NewSession("alice", time.Now())
	second := registry.NewSession("alice", time.Now())
	reg.Register(first)
	reg.Register(second)

	msg := message.New("bob", nil, nil, []user.ID{"alice"}, nil, time.Hour)
	if delivered := d.Dispatch(context.Background(), msg); delivered != 1 {
		t.Fatalf("delivered %d, want exactly 1", delivered)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry len = %d, want 1 remaining session", reg.Len())
	}
}

func TestDispatchSkipsClaimedSessions(t *testing.T) {
	d, reg, _, _ := newDispatcher(1000)

	s := registry.NewSession("alice", time.Now())
	reg.Register(s)
	s.Claim() // a timeout or disconnect already won

	msg := message.New("bob", nil, nil, []user.ID{"alice"}, nil, time.Hour)
	if delivered := d.Dispatch(context.Background(), msg); delivered != 0 {
		t.Fatalf("delivered %d, want 0 (race lost is a no-op)", delivered)
	}
}

func TestDispatchManySlices(t *testing.T) {
	d, reg, _, _ := newDispatcher(10)

	recipients := make([]user.ID, 0, 95)
	for i := 0; i < 95; i++ {
		id := user.ID(fmt.Sprintf("u%02d", i))
		recipients = append(recipients, id)
		reg.Register(registry.NewSession(id, time.Now()))
	}

	msg := message.New("bob", nil, nil, recipients, nil, time.Hour)
	if delivered := d.Dispatch(context.Background(), msg); delivered != 95 {
		t.Fatalf("delivered %d, want 95 across slices", delivered)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry len = %d, want 0", reg.Len())
	}
}

func TestDispatchEnqueueIdempotent(t *testing.T) {
	d, _, _, q := newDispatcher(1000)

	msg := message.New("bob", nil, nil, []user.ID{"alice"}, nil, time.Hour)
	d.Dispatch(context.Background(), msg)
	d.Dispatch(context.Background(), msg)
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want 1 (enqueue must dedup)", q.Len())
	}
}
