package delivery

import (
	"context"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/couriermsg/courier/internal/message"
	"github.com/couriermsg/courier/internal/metrics"
	"github.com/couriermsg/courier/internal/queue"
	"github.com/couriermsg/courier/internal/registry"
)

// Dispatcher resolves held poll sessions against a new message. The registry
// snapshot is processed in fixed-size slices with a yield in between, so one
// large fan-out never starves other work for longer than a slice.
type Dispatcher struct {
	registry  *registry.Registry
	tracker   *Tracker
	queue     *queue.Queue
	sliceSize int
	log       zerolog.Logger
	metrics   *metrics.Set
}

func NewDispatcher(reg *registry.Registry, tracker *Tracker, q *queue.Queue, sliceSize int, log zerolog.Logger, m *metrics.Set) *Dispatcher {
	if sliceSize < 1 {
		sliceSize = 1
	}
	return &Dispatcher{
		registry:  reg,
		tracker:   tracker,
		queue:     q,
		sliceSize: sliceSize,
		log:       log,
		metrics:   m,
	}
}

// Dispatch delivers msg to every matching held session and then enqueues it
// into the catch-up queue exactly once. The enqueue is unconditional and
// idempotent: a poll racing between two slices picks the message up from the
// queue instead, at the cost of a little redundancy.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *message.Message) int {
	snapshot := d.registry.Snapshot()
	delivered := 0

	for start := 0; start < len(snapshot); start += d.sliceSize {
		end := start + d.sliceSize
		if end > len(snapshot) {
			end = len(snapshot)
		}
		for _, s := range snapshot[start:end] {
			if !msg.HasRecipient(s.UserID) {
				continue
			}
			if d.tracker.Delivered(msg.ID, s.UserID) {
				continue
			}
			if !s.Claim() {
				// Lost the race to a timeout or disconnect; not an error.
				continue
			}
			if !d.tracker.Mark(msg.ID, s.UserID) {
				// A concurrent queue pickup won between our check and the
				// mark. Release the held request with the sentinel.
				s.Resolve(nil)
				d.registry.Remove(s.ID)
				continue
			}
			s.Resolve(msg.EnvelopeFor(s.UserID))
			d.registry.Remove(s.ID)
			d.metrics.LiveDeliveries.Inc()
			delivered++
		}
		if ctx.Err() != nil {
			break
		}
		runtime.Gosched()
	}

	d.queue.Enqueue(msg)
	d.log.Debug().Str("message", string(msg.ID)).Int("delivered", delivered).
		Int("held", len(snapshot)).Msg("broadcast complete")
	return delivered
}
