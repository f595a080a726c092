package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/couriermsg/courier/internal/message"
	"github.com/couriermsg/courier/internal/user"
)

const (
	sweepInterval = 5 * time.Second
	// Sessions older than this are force-resolved by the sweep. A leak
	// safety net independent of the handler's own poll timer, which is
	// expected to fire first.
	maxSessionAge = 10 * time.Second
)

// Session is one held long-poll request. It is resolved exactly once by
// whichever of dispatch, timeout, disconnect, or sweep claims it first;
// every later claimant is a no-op. A nil envelope on the channel is the
// timeout sentinel.
type Session struct {
	ID           string
	UserID       user.ID
	RegisteredAt time.Time

	claimed atomic.Bool
	resolve chan *message.Envelope
}

func NewSession(id user.ID, now time.Time) *Session {
	return &Session{
		ID:           uuid.NewString(),
		UserID:       id,
		RegisteredAt: now,
		resolve:      make(chan *message.Envelope, 1),
	}
}

// Claim returns true for exactly one caller. The winner must either respond
// itself or call Resolve so a waiting handler can.
func (s *Session) Claim() bool {
	return s.claimed.CompareAndSwap(false, true)
}

// Resolve hands the envelope (or the nil sentinel) to the waiting handler.
// Only valid after winning Claim; the channel is buffered so the resolver
// never blocks.
func (s *Session) Resolve(env *message.Envelope) {
	s.resolve <- env
}

func (s *Session) Done() <-chan *message.Envelope { return s.resolve }

// Registry is the per-process map of held poll requests. It exclusively owns
// its sessions; all mutation happens under a short-held mutex.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	maxAge   time.Duration
	log      zerolog.Logger
}

func New(log zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		maxAge:   maxSessionAge,
		log:      log,
	}
}

func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Remove is idempotent and reports whether the session was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	n := len(r.sessions)
	r.mu.Unlock()
	return n
}

// Snapshot returns the current sessions for sliced broadcast processing.
// The dispatcher works on the copy so it never holds the registry lock
// across a slice.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	return out
}

// Run sweeps expired sessions until the context ends.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.sweep(time.Now()); n > 0 {
				r.log.Warn().Int("swept", n).Msg("removed stale poll sessions")
			}
		}
	}
}

// sweep force-resolves sessions older than maxAge with the timeout sentinel.
// Handlers normally resolve first; anything caught here leaked its timer.
func (r *Registry) sweep(now time.Time) int {
	r.mu.Lock()
	var stale []*Session
	for id, s := range r.sessions {
		if now.Sub(s.RegisteredAt) > r.maxAge {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	swept := 0
	for _, s := range stale {
		if s.Claim() {
			s.Resolve(nil)
			swept++
		}
	}
	return swept
}
