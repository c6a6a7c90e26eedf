package supervise

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/session"
)

// GuardrailMode selects which budget pair applies.
type GuardrailMode string

const (
	// ModeNormal is the full budget for a build step.
	ModeNormal GuardrailMode = "normal"

	// ModeCheckpoint is the tighter budget for wrap-up and nudge calls.
	ModeCheckpoint GuardrailMode = "checkpoint"
)

// Guardrail bounds a single session call by wall clock and tool-call
// count, whichever trips first.
type Guardrail struct {
	wallClock time.Duration
	toolCalls int
	mode      GuardrailMode
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	timer   *time.Timer
	startAt time.Time
	calls   int
	trip    *session.GuardrailTrip
}

// NewGuardrail creates a guardrail monitor for the given mode. Returns
// nil when both budgets are unset.
func NewGuardrail(cfg config.GuardrailConfig, mode GuardrailMode, logger *slog.Logger) *Guardrail {
	wallClock, toolCalls := cfg.WallClock, cfg.ToolCalls
	if mode == ModeCheckpoint {
		wallClock, toolCalls = cfg.CheckpointWallClock, cfg.CheckpointToolCalls
	}
	if wallClock <= 0 && toolCalls <= 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guardrail{
		wallClock: wallClock,
		toolCalls: toolCalls,
		mode:      mode,
		logger:    logger,
	}
}

var _ session.Monitor = (*Guardrail)(nil)

func (g *Guardrail) Begin(cancel context.CancelFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancel = cancel
	g.startAt = time.Now()
	if g.wallClock > 0 {
		g.timer = time.AfterFunc(g.wallClock, g.fire)
	}
}

func (g *Guardrail) Observe(ev session.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ev.Type != session.EventToolStart || g.trip != nil {
		return
	}
	g.calls++
	if g.toolCalls > 0 && g.calls > g.toolCalls {
		g.record()
	}
}

// Trip returns the recorded trip, or nil.
func (g *Guardrail) Trip() any {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.trip == nil {
		return nil
	}
	return g.trip
}

func (g *Guardrail) fire() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.trip != nil {
		return
	}
	g.record()
}

func (g *Guardrail) record() {
	g.trip = &session.GuardrailTrip{
		WallClockMs:       time.Since(g.startAt).Milliseconds(),
		ToolCalls:         g.calls,
		Mode:              string(g.mode),
		WallClockBudgetMs: g.wallClock.Milliseconds(),
		ToolCallBudget:    g.toolCalls,
	}
	g.logger.Warn("guardrail budget exhausted, cancelling session",
		slog.String("mode", string(g.mode)),
		slog.Int("tool_calls", g.calls),
		slog.Duration("elapsed", time.Since(g.startAt)))
	if g.timer != nil {
		g.timer.Stop()
	}
	if g.cancel != nil {
		g.cancel()
	}
}
