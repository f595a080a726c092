package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/couriermsg/courier/internal/message"
	"github.com/couriermsg/courier/internal/metrics"
	"github.com/couriermsg/courier/internal/user"
)

type fakeWriter struct {
	batches [][]*message.Message
	fail    int // number of flushes to fail before succeeding
}

func (w *fakeWriter) InsertMessages(_ context.Context, msgs []*message.Message) error {
	if w.fail > 0 {
		w.fail--
		return errors.New("storage unavailable")
	}
	w.batches = append(w.batches, msgs)
	return nil
}

func newMsg() *message.Message {
	return message.New("bob", []byte("ct"), []byte("iv"), []user.ID{"alice"}, nil, time.Hour)
}

func TestFlushWritesPendingBatch(t *testing.T) {
	w := &fakeWriter{}
	b := New(w, time.Second, 20, zerolog.Nop(), metrics.NewNop())

	first := newMsg()
	second := newMsg()
	b.Add(first)
	b.Add(second)

	if err := b.flush(context.Background()); err != nil {
		t.Fatalf("flush error = %v", err)
	}
	if len(w.batches) != 1 || len(w.batches[0]) != 2 {
		t.Fatalf("batches = %v, want one batch of two", w.batches)
	}
	if w.batches[0][0].ID != first.ID || w.batches[0][1].ID != second.ID {
		t.Fatal("batch must preserve append order")
	}
	if b.PendingLen() != 0 {
		t.Fatal("pending must be empty after a successful flush")
	}
}

func TestFlushEmptyIsNoop(t *testing.T) {
	w := &fakeWriter{}
	b := New(w, time.Second, 20, zerolog.Nop(), metrics.NewNop())
	if err := b.flush(context.Background()); err != nil {
		t.Fatalf("flush error = %v", err)
	}
	if len(w.batches) != 0 {
		t.Fatal("no write expected for an empty batch")
	}
}

func TestSmallFailedBatchIsRetried(t *testing.T) {
	w := &fakeWriter{fail: 1}
	b := New(w, time.Second, 20, zerolog.Nop(), metrics.NewNop())

	for i := 0; i < 20; i++ {
		b.Add(newMsg())
	}
	if err := b.flush(context.Background()); err == nil {
		t.Fatal("expected flush failure")
	}
	if b.PendingLen() != 20 {
		t.Fatalf("pending = %d, want full re-merge of 20", b.PendingLen())
	}

	// Next tick fully retries the batch.
	if err := b.flush(context.Background()); err != nil {
		t.Fatalf("retry flush error = %v", err)
	}
	if len(w.batches) != 1 || len(w.batches[0]) != 20 {
		t.Fatalf("retry wrote %v, want one batch of 20", len(w.batches))
	}
}

func TestRetriedBatchMergesInFront(t *testing.T) {
	w := &fakeWriter{fail: 1}
	b := New(w, time.Second, 20, zerolog.Nop(), metrics.NewNop())

	failed := newMsg()
	b.Add(failed)
	_ = b.flush(context.Background())

	later := newMsg()
	b.Add(later)

	if err := b.flush(context.Background()); err != nil {
		t.Fatalf("flush error = %v", err)
	}
	got := w.batches[0]
	if len(got) != 2 || got[0].ID != failed.ID || got[1].ID != later.ID {
		t.Fatal("re-merged messages must precede newer ones")
	}
}

func TestLargeFailedBatchIsDropped(t *testing.T) {
	w := &fakeWriter{fail: 1}
	b := New(w, time.Second, 20, zerolog.Nop(), metrics.NewNop())

	for i := 0; i < 21; i++ {
		b.Add(newMsg())
	}
	if err := b.flush(context.Background()); err == nil {
		t.Fatal("expected flush failure")
	}
	if b.PendingLen() != 0 {
		t.Fatalf("pending = %d, want 0 (batch over the threshold is dropped)", b.PendingLen())
	}

	// Nothing left to write on the next tick.
	if err := b.flush(context.Background()); err != nil {
		t.Fatalf("flush error = %v", err)
	}
	if len(w.batches) != 0 {
		t.Fatal("dropped batch must not reappear")
	}
}
