// Package events provides the dashboard event bus: event types, an
// in-memory publisher, and a persisting publisher with replay dedup.
//
// Publication is one-way and lossy by design; the state store is the
// source of truth and dashboards consume events best-effort.
package events

import (
	"fmt"
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// EventWorkerBusy indicates a worker picked up a task.
	EventWorkerBusy EventType = "worker.became_busy"
	// EventWorkerIdle indicates a worker finished or yielded a task.
	EventWorkerIdle EventType = "worker.became_idle"
	// EventCheckpointReached indicates a checkpoint emission. Keyed by
	// (taskID, seq, checkpoint) for exactly-once delivery across restarts.
	EventCheckpointReached EventType = "worker.checkpoint.reached"
	// EventPauseRequested indicates the worker is about to rest.
	EventPauseRequested EventType = "worker.pause.requested"
	// EventPauseReached indicates the worker has suspended.
	EventPauseReached EventType = "worker.pause.reached"
	// EventLogWorker carries a structured worker log line.
	EventLogWorker EventType = "log.worker"
	// EventSessionEvent carries a structured agent-session event.
	EventSessionEvent EventType = "log.opencode.event"
	// EventSessionText carries raw agent-session output text.
	EventSessionText EventType = "log.opencode.text"
)

// Event represents a published event.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id"`
	// DedupKey suppresses replayed duplicates in the persistent log.
	// Empty means every emission is distinct.
	DedupKey string    `json:"dedup_key,omitempty"`
	Data     any       `json:"data"`
	Time     time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, taskID string, data any) Event {
	return Event{
		Type:   eventType,
		TaskID: taskID,
		Data:   data,
		Time:   time.Now(),
	}
}

// CheckpointData is the payload of EventCheckpointReached.
type CheckpointData struct {
	Checkpoint string `json:"checkpoint"`
	Seq        int    `json:"seq"`
}

// NewCheckpointEvent creates a checkpoint event with its dedup key set.
func NewCheckpointEvent(taskID string, seq int, checkpoint string) Event {
	e := NewEvent(EventCheckpointReached, taskID, CheckpointData{
		Checkpoint: checkpoint,
		Seq:        seq,
	})
	e.DedupKey = fmt.Sprintf("%d:%s", seq, checkpoint)
	return e
}

// PauseData is the payload of the pause events.
type PauseData struct {
	Reason   string    `json:"reason"` // throttle, checkpoint, rate-limit
	ResumeAt time.Time `json:"resume_at,omitempty"`
}

// WorkerLogData is the payload of EventLogWorker.
type WorkerLogData struct {
	Repo    string `json:"repo"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// SessionEventData is the payload of EventSessionEvent.
type SessionEventData struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"` // tool_start, tool_end, message, error
	Tool      string `json:"tool,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// SessionTextData is the payload of EventSessionText.
type SessionTextData struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// BusyData is the payload of EventWorkerBusy and EventWorkerIdle.
type BusyData struct {
	WorkerID string `json:"worker_id"`
	Repo     string `json:"repo"`
	Issue    string `json:"issue"`
	Outcome  string `json:"outcome,omitempty"` // idle only
}
