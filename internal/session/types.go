// Package session defines the agent session surface: the Runner port the
// worker drives, the structured result it dispatches on, and the typed
// supervisor trips a run can end with.
package session

import "time"

// Event is one entry of the live session stream. Supervisors and the
// dashboard consume these as they arrive.
type Event struct {
	Type EventType `json:"type"`
	Tool string    `json:"tool,omitempty"`
	Text string    `json:"text,omitempty"`
	Time time.Time `json:"time"`
}

// EventType classifies session stream entries.
type EventType string

const (
	EventToolStart EventType = "tool_start"
	EventToolEnd   EventType = "tool_end"
	EventText      EventType = "text"
	EventError     EventType = "error"
	EventDone      EventType = "done"
)

// Error codes a session can end with. The worker dispatches on these
// instead of on error values.
const (
	ErrorContextLengthExceeded = "context_length_exceeded"
	ErrorSessionNotFound       = "session_not_found"
)

// WatchdogTrip records a tool call that exceeded its hard timeout.
type WatchdogTrip struct {
	Tool         string   `json:"tool"`
	ElapsedMs    int64    `json:"elapsed_ms"`
	ThresholdMs  int64    `json:"threshold_ms"`
	RecentEvents []string `json:"recent_events,omitempty"`
	Signature    string   `json:"signature"`
}

// StallTrip records a session that produced no events for too long.
type StallTrip struct {
	IdleMs      int64     `json:"idle_ms"`
	LastEventAt time.Time `json:"last_event_at"`
}

// GuardrailTrip records a session that blew its wall-clock or tool-call
// budget. Mode is "normal" or "checkpoint".
type GuardrailTrip struct {
	WallClockMs       int64  `json:"wall_clock_ms"`
	ToolCalls         int    `json:"tool_calls"`
	Mode              string `json:"mode"`
	WallClockBudgetMs int64  `json:"wall_clock_budget_ms"`
	ToolCallBudget    int    `json:"tool_call_budget"`
}

// LoopTrip records a repeated gate-command failure signature.
type LoopTrip struct {
	Signature   string   `json:"signature"`
	Count       int      `json:"count"`
	TopFiles    []string `json:"top_files,omitempty"`
	GateCommand string   `json:"gate_command"`
}

// SessionResult is the outcome of one agent session step. Supervisor
// trips and recoverable error codes travel here as values; the error
// return of the Runner is reserved for infrastructure failures.
type SessionResult struct {
	Success   bool
	Output    string
	SessionID string
	PRURL     string
	ErrorCode string

	Watchdog  *WatchdogTrip
	Stall     *StallTrip
	Guardrail *GuardrailTrip
	Loop      *LoopTrip

	TokensIn  int64
	TokensOut int64
}

// Tripped reports whether any supervisor fired during the session.
func (r *SessionResult) Tripped() bool {
	return r.Watchdog != nil || r.Stall != nil || r.Guardrail != nil || r.Loop != nil
}
