package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/couriermsg/courier/internal/message"
	"github.com/couriermsg/courier/internal/user"
)

const trackerSweepInterval = 10 * time.Minute

// Tracker records which recipients already received a live or queue copy of
// each message. It is a lossy transport-dedup signal, distinct from read
// receipts: after TTL eviction a repeat delivery is possible again and is
// accepted as a harmless duplicate.
type Tracker struct {
	mu      sync.Mutex
	records map[message.ID]*deliveryRecord
	ttl     time.Duration
}

type deliveryRecord struct {
	delivered map[user.ID]struct{}
	touched   time.Time
}

func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		records: make(map[message.ID]*deliveryRecord),
		ttl:     ttl,
	}
}

// Mark records a delivery and reports whether it was new. False means the
// recipient already got this message inside the current dedup window.
func (t *Tracker) Mark(id message.ID, recipient user.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		rec = &deliveryRecord{delivered: make(map[user.ID]struct{})}
		t.records[id] = rec
	}
	rec.touched = time.Now()
	if _, done := rec.delivered[recipient]; done {
		return false
	}
	rec.delivered[recipient] = struct{}{}
	return true
}

func (t *Tracker) Delivered(id message.ID, recipient user.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return false
	}
	_, done := rec.delivered[recipient]
	return done
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	n := len(t.records)
	t.mu.Unlock()
	return n
}

// Run evicts stale records until the context ends.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(trackerSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

func (t *Tracker) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for id, rec := range t.records {
		if now.Sub(rec.touched) > t.ttl {
			delete(t.records, id)
			evicted++
		}
	}
	return evicted
}
