package supervise

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/session"
)

// Stall trips when no session event arrives for the idle timeout. A
// stalled agent holds a slot without making progress; cancelling and
// re-queuing is cheaper than waiting it out.
type Stall struct {
	idle   time.Duration
	logger *slog.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	timer       *time.Timer
	lastEventAt time.Time
	trip        *session.StallTrip
}

// NewStall creates a stall monitor. Returns nil when disabled.
func NewStall(cfg config.StallConfig, logger *slog.Logger) *Stall {
	if cfg.IdleTimeout <= 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stall{idle: cfg.IdleTimeout, logger: logger}
}

var _ session.Monitor = (*Stall)(nil)

func (s *Stall) Begin(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
	s.lastEventAt = time.Now()
	s.timer = time.AfterFunc(s.idle, s.fire)
}

func (s *Stall) Observe(session.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEventAt = time.Now()
	if s.timer != nil && s.trip == nil {
		s.timer.Reset(s.idle)
	}
}

// Trip returns the recorded trip, or nil.
func (s *Stall) Trip() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trip == nil {
		return nil
	}
	return s.trip
}

func (s *Stall) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trip != nil {
		return
	}
	idle := time.Since(s.lastEventAt)
	s.trip = &session.StallTrip{
		IdleMs:      idle.Milliseconds(),
		LastEventAt: s.lastEventAt,
	}
	s.logger.Warn("session stalled, cancelling",
		slog.Duration("idle", idle))
	if s.cancel != nil {
		s.cancel()
	}
}
