// Package supervise implements the session supervisors: a per-tool-call
// watchdog, an idle stall detector, a wall-clock/tool-call guardrail, and
// a gate-command loop detector. The first three observe the live session
// stream and cancel the agent process on a hard trip; trips surface as
// typed values on the SessionResult, never as errors.
package supervise

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/session"
)

const recentEventWindow = 10

// Watchdog trips when a single tool call exceeds its hard timeout. Tool
// classes can carry their own thresholds (a bash call gets longer than a
// web fetch).
type Watchdog struct {
	cfg    config.WatchdogConfig
	logger *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	timer    *time.Timer
	softDone bool
	tool     string
	startAt  time.Time
	recent   []string
	trip     *session.WatchdogTrip
}

// NewWatchdog creates a watchdog monitor. Returns nil when the hard
// timeout is unset, so callers can append it conditionally.
func NewWatchdog(cfg config.WatchdogConfig, logger *slog.Logger) *Watchdog {
	if cfg.HardTimeout <= 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{cfg: cfg, logger: logger}
}

var _ session.Monitor = (*Watchdog)(nil)

func (w *Watchdog) Begin(cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancel = cancel
}

func (w *Watchdog) Observe(ev session.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.remember(ev)

	switch ev.Type {
	case session.EventToolStart:
		w.arm(ev.Tool)
	case session.EventToolEnd, session.EventDone, session.EventError:
		w.disarm()
	}
}

// Trip returns the recorded trip, or nil.
func (w *Watchdog) Trip() any {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.trip == nil {
		return nil
	}
	return w.trip
}

func (w *Watchdog) threshold(tool string) time.Duration {
	if override, ok := w.cfg.ToolOverrides[tool]; ok && override > 0 {
		return override
	}
	return w.cfg.HardTimeout
}

func (w *Watchdog) arm(tool string) {
	w.disarm()
	w.tool = tool
	w.startAt = time.Now()
	w.softDone = false
	threshold := w.threshold(tool)
	w.timer = time.AfterFunc(threshold, func() { w.fire(tool, threshold) })

	if w.cfg.SoftTimeout > 0 && w.cfg.SoftTimeout < threshold {
		soft := w.cfg.SoftTimeout
		time.AfterFunc(soft, func() { w.softWarn(tool, soft) })
	}
}

func (w *Watchdog) disarm() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.tool = ""
}

func (w *Watchdog) fire(tool string, threshold time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.trip != nil || w.tool != tool {
		return
	}
	elapsed := time.Since(w.startAt)
	recent := append([]string(nil), w.recent...)
	w.trip = &session.WatchdogTrip{
		Tool:         tool,
		ElapsedMs:    elapsed.Milliseconds(),
		ThresholdMs:  threshold.Milliseconds(),
		RecentEvents: recent,
		Signature:    EventSignature(recent),
	}
	w.logger.Warn("watchdog hard timeout, cancelling session",
		slog.String("tool", tool),
		slog.Duration("elapsed", elapsed),
		slog.Duration("threshold", threshold))
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Watchdog) softWarn(tool string, soft time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.softDone || w.tool != tool || w.trip != nil {
		return
	}
	w.softDone = true
	w.logger.Warn("tool call exceeded soft timeout",
		slog.String("tool", tool),
		slog.Duration("soft_timeout", soft))
}

func (w *Watchdog) remember(ev session.Event) {
	desc := string(ev.Type)
	if ev.Tool != "" {
		desc += ":" + ev.Tool
	}
	w.recent = append(w.recent, desc)
	if len(w.recent) > recentEventWindow {
		w.recent = w.recent[len(w.recent)-recentEventWindow:]
	}
}

// EventSignature hashes a recent-event window into a short stable
// signature. Identical signatures on consecutive runs indicate the agent
// is dying the same way twice.
func EventSignature(events []string) string {
	h := sha256.Sum256([]byte(strings.Join(events, "\n")))
	return hex.EncodeToString(h[:])[:12]
}

// Signature of arbitrary labelled content, shared by the loop detector
// and CI triage.
func ContentSignature(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%s\x00", p)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
