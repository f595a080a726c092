package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set holds the delivery-engine counters. Construct with a registerer in the
// worker and with NewNop in tests.
type Set struct {
	LiveDeliveries     prometheus.Counter
	QueueDeliveries    prometheus.Counter
	CapacityRejections prometheus.Counter
	QueueTrimmed       prometheus.Counter
	BatchRetried       prometheus.Counter
	BatchDropped       prometheus.Counter
}

func New(reg prometheus.Registerer) *Set {
	s := &Set{
		LiveDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_live_deliveries_total",
			Help: "Messages handed to an actively held poll request.",
		}),
		QueueDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_queue_deliveries_total",
			Help: "Messages picked up from the catch-up queue at poll time.",
		}),
		CapacityRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_capacity_rejections_total",
			Help: "Poll requests rejected by the admission governor.",
		}),
		QueueTrimmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_queue_trimmed_total",
			Help: "Messages dropped from the catch-up queue by watermark trims.",
		}),
		BatchRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_batch_retried_total",
			Help: "Messages re-merged into the next batch after a failed flush.",
		}),
		BatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_batch_dropped_total",
			Help: "Messages dropped after a failed flush (durability loss).",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			s.LiveDeliveries,
			s.QueueDeliveries,
			s.CapacityRejections,
			s.QueueTrimmed,
			s.BatchRetried,
			s.BatchDropped,
		)
	}
	return s
}

// NewNop returns an unregistered set; counters still work, nothing exports.
func NewNop() *Set { return New(nil) }
