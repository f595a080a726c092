package cluster

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	breakerWindow = 30 * time.Second
	breakerLimit  = 5
	respawnDelay  = time.Second
)

// Supervisor spawns and respawns worker processes. A worker that exits is
// restarted after a short delay unless its slot is crash-looping: more than
// breakerLimit exits inside breakerWindow stops the slot instead of burning
// CPU on a worker that cannot start.
type Supervisor struct {
	Command string
	Args    []string
	Env     func(slot int) []string

	log zerolog.Logger
}

func NewSupervisor(command string, args []string, env func(slot int) []string, log zerolog.Logger) *Supervisor {
	return &Supervisor{Command: command, Args: args, Env: env, log: log}
}

// Run keeps n worker slots alive until the context ends.
func (s *Supervisor) Run(ctx context.Context, n int) {
	var wg sync.WaitGroup
	for slot := 0; slot < n; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			s.runSlot(ctx, slot)
		}(slot)
	}
	wg.Wait()
}

func (s *Supervisor) runSlot(ctx context.Context, slot int) {
	breaker := newCrashBreaker(breakerLimit, breakerWindow)
	for ctx.Err() == nil {
		start := time.Now()
		err := s.spawn(ctx, slot)
		if ctx.Err() != nil {
			return
		}

		s.log.Warn().Int("slot", slot).Err(err).
			Dur("uptime", time.Since(start)).Msg("worker exited")

		if !breaker.allow(time.Now()) {
			s.log.Error().Int("slot", slot).Msg("worker crash-looping, slot stopped")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(respawnDelay):
		}
	}
}

func (s *Supervisor) spawn(ctx context.Context, slot int) error {
	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), s.Env(slot)...)

	s.log.Info().Int("slot", slot).Str("command", s.Command).Msg("starting worker")
	return cmd.Run()
}

// crashBreaker counts exits inside a sliding window.
type crashBreaker struct {
	limit  int
	window time.Duration
	times  []time.Time
}

func newCrashBreaker(limit int, window time.Duration) *crashBreaker {
	return &crashBreaker{limit: limit, window: window}
}

// allow records an exit and reports whether another respawn is permitted.
// Up to limit exits inside the window are tolerated; one more trips it.
func (b *crashBreaker) allow(now time.Time) bool {
	kept := b.times[:0]
	for _, t := range b.times {
		if now.Sub(t) < b.window {
			kept = append(kept, t)
		}
	}
	b.times = append(kept, now)
	return len(b.times) <= b.limit
}
