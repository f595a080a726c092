package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/couriermsg/courier/internal/message"
	"github.com/couriermsg/courier/internal/metrics"
	"github.com/couriermsg/courier/internal/user"
)

const sweepInterval = time.Second

// DeliveryMarker dedups deliveries per (message, recipient). Satisfied by
// delivery.Tracker.
type DeliveryMarker interface {
	Mark(id message.ID, recipient user.ID) bool
}

// Queue is the bounded, time-ordered catch-up buffer for recipients who have
// not yet polled. Inserts are never rejected; a periodic sweep trims the
// oldest entries back to the low watermark once the high watermark is
// crossed, so bounding happens in one batch instead of per insert.
type Queue struct {
	mu      sync.Mutex
	entries []*message.Message
	ids     map[message.ID]struct{}
	high    int
	low     int
	log     zerolog.Logger
	metrics *metrics.Set
}

func New(capacity int, log zerolog.Logger, m *metrics.Set) *Queue {
	return &Queue{
		ids:     make(map[message.ID]struct{}),
		high:    capacity * 9 / 10,
		low:     capacity * 7 / 10,
		log:     log,
		metrics: m,
	}
}

// Enqueue appends the message once; repeats are no-ops. The dispatcher calls
// this unconditionally after every broadcast, so idempotence is what keeps
// the intentional redundancy harmless.
func (q *Queue) Enqueue(m *message.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.ids[m.ID]; ok {
		return false
	}
	q.ids[m.ID] = struct{}{}
	q.entries = append(q.entries, m)
	return true
}

// TakeMatch scans the most recent limit entries, oldest first within that
// window, for a message addressed to the recipient and not yet delivered.
// Marking happens under the queue lock so the match and the dedup record are
// atomic with respect to concurrent polls.
func (q *Queue) TakeMatch(recipient user.ID, limit int, marks DeliveryMarker) *message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	start := len(q.entries) - limit
	if start < 0 {
		start = 0
	}
	for _, m := range q.entries[start:] {
		if !m.HasRecipient(recipient) {
			continue
		}
		if !marks.Mark(m.ID, recipient) {
			continue
		}
		return m
	}
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	n := len(q.entries)
	q.mu.Unlock()
	return n
}

// Run trims the queue on a fixed cadence until the context ends.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := q.sweep(); dropped > 0 {
				q.log.Warn().Int("dropped", dropped).Int("len", q.Len()).
					Msg("catch-up queue trimmed to low watermark")
			}
		}
	}
}

// sweep trims to the low watermark when length exceeds the high watermark,
// dropping the oldest entries. Trimmed messages lose queue delivery; history
// durability is the store's job.
func (q *Queue) sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) <= q.high {
		return 0
	}
	drop := len(q.entries) - q.low
	for _, m := range q.entries[:drop] {
		delete(q.ids, m.ID)
	}
	kept := make([]*message.Message, len(q.entries)-drop)
	copy(kept, q.entries[drop:])
	q.entries = kept
	q.metrics.QueueTrimmed.Add(float64(drop))
	return drop
}
