package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const countInterval = 5 * time.Second

// Coordinator aggregates live connection counts across worker processes and
// relays shutdown to all of them. It never parses worker state beyond the
// control frames; workers own their registries.
type Coordinator struct {
	mu     sync.Mutex
	conns  map[string]*websocket.Conn
	counts map[string]int

	log zerolog.Logger
}

func NewCoordinator(log zerolog.Logger) *Coordinator {
	return &Coordinator{
		conns:  make(map[string]*websocket.Conn),
		counts: make(map[string]int),
		log:    log,
	}
}

// HandleControl upgrades a worker's control connection and runs its read
// loop until the worker disconnects. A reconnecting worker replaces its
// previous connection.
func (c *Coordinator) HandleControl(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker")
	if workerID == "" {
		http.Error(w, "worker query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		c.log.Error().Err(err).Str("worker", workerID).Msg("control accept failed")
		return
	}

	c.mu.Lock()
	if prev, ok := c.conns[workerID]; ok {
		_ = prev.Close(websocket.StatusPolicyViolation, "superseded")
	}
	c.conns[workerID] = conn
	c.mu.Unlock()

	c.log.Info().Str("worker", workerID).Msg("worker connected")
	c.readLoop(r.Context(), workerID, conn)

	c.mu.Lock()
	if c.conns[workerID] == conn {
		delete(c.conns, workerID)
		delete(c.counts, workerID)
	}
	c.mu.Unlock()
	c.log.Info().Str("worker", workerID).Msg("worker disconnected")
}

func (c *Coordinator) readLoop(ctx context.Context, workerID string, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn().Err(err).Str("worker", workerID).Msg("bad control frame")
			continue
		}
		if frame.Type == FrameCount {
			c.applyCount(workerID, frame.Active)
		}
	}
}

func (c *Coordinator) applyCount(workerID string, active int) {
	c.mu.Lock()
	c.counts[workerID] = active
	c.mu.Unlock()
}

func (c *Coordinator) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.counts {
		total += n
	}
	return total
}

func (c *Coordinator) Counts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for id, n := range c.counts {
		out[id] = n
	}
	return out
}

// RequestCounts asks every connected worker for its current active count.
// Replies arrive asynchronously on the read loops.
func (c *Coordinator) RequestCounts(ctx context.Context) {
	c.broadcast(ctx, Frame{Type: FrameCountRequest})
}

// BroadcastShutdown tells every worker to drain and stop.
func (c *Coordinator) BroadcastShutdown(ctx context.Context) {
	c.broadcast(ctx, Frame{Type: FrameShutdown})
}

func (c *Coordinator) broadcast(ctx context.Context, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	c.mu.Lock()
	conns := make(map[string]*websocket.Conn, len(c.conns))
	for id, conn := range c.conns {
		conns[id] = conn
	}
	c.mu.Unlock()

	for id, conn := range conns {
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil &&
			!errors.Is(err, context.Canceled) {
			c.log.Warn().Err(err).Str("worker", id).Str("frame", frame.Type).
				Msg("control write failed")
		}
	}
}

// Run polls counts on a fixed cadence and logs the cluster-wide total.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(countInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RequestCounts(ctx)
			c.log.Info().Int("total", c.Total()).Interface("workers", c.Counts()).
				Msg("cluster connection count")
		}
	}
}
