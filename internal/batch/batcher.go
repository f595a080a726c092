package batch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/couriermsg/courier/internal/message"
	"github.com/couriermsg/courier/internal/metrics"
)

// Writer is the bulk-insert slice of the durable store.
type Writer interface {
	InsertMessages(ctx context.Context, msgs []*message.Message) error
}

// Batcher accumulates accepted messages and flushes them in one bulk write
// per tick. Send handlers return before the flush happens: availability on
// the live path is traded for eventual durability, and the loss mode is
// explicit (logged and counted) rather than silent.
type Batcher struct {
	mu      sync.Mutex
	pending []*message.Message

	store      Writer
	interval   time.Duration
	retryLimit int
	log        zerolog.Logger
	metrics    *metrics.Set
}

func New(store Writer, interval time.Duration, retryLimit int, log zerolog.Logger, m *metrics.Set) *Batcher {
	return &Batcher{
		store:      store,
		interval:   interval,
		retryLimit: retryLimit,
		log:        log,
		metrics:    m,
	}
}

func (b *Batcher) Add(m *message.Message) {
	b.mu.Lock()
	b.pending = append(b.pending, m)
	b.mu.Unlock()
}

func (b *Batcher) PendingLen() int {
	b.mu.Lock()
	n := len(b.pending)
	b.mu.Unlock()
	return n
}

// Run flushes on every tick and makes one final best-effort flush when the
// context ends.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = b.flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			_ = b.flush(ctx)
		}
	}
}

// flush swaps the pending batch for an empty one and issues a single bulk
// write. On failure a small batch (<= retryLimit) is re-merged in front of
// the next pending batch so ordering survives one retry; a large batch is
// dropped outright so a storage outage cannot amplify into an unbounded
// backlog.
func (b *Batcher) flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := b.store.InsertMessages(ctx, batch)
	if err == nil {
		return nil
	}

	if len(batch) <= b.retryLimit {
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		b.metrics.BatchRetried.Add(float64(len(batch)))
		b.log.Warn().Err(err).Int("size", len(batch)).Msg("batch flush failed, retrying next tick")
		return err
	}

	b.metrics.BatchDropped.Add(float64(len(batch)))
	b.log.Error().Err(err).Int("size", len(batch)).Msg("batch flush failed, dropping batch: durability loss")
	return err
}
