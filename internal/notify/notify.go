// Package notify is the alerting surface. The daemon wires a structured
// log notifier by default; desktop or chat sinks implement the same Port.
package notify

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/ralph/internal/task"
)

// EscalationContext describes why a task left automation.
type EscalationContext struct {
	Task    *task.Task
	Source  string // supervisor, routing, ci-triage, merge-conflict, setup, runtime
	Reason  string
	Details string
	PRURL   string
}

// Port is the notification surface the worker calls.
type Port interface {
	NotifyEscalation(ctx context.Context, esc EscalationContext)
	NotifyError(ctx context.Context, title, body string, meta map[string]string)
	NotifyTaskComplete(ctx context.Context, t *task.Task, repo, prURL string)
}

// Slog logs every notification as a structured line.
type Slog struct {
	logger *slog.Logger
}

// NewSlog creates a log-backed notifier.
func NewSlog(logger *slog.Logger) *Slog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slog{logger: logger}
}

var _ Port = (*Slog)(nil)

func (n *Slog) NotifyEscalation(_ context.Context, esc EscalationContext) {
	attrs := []any{
		slog.String("source", esc.Source),
		slog.String("reason", esc.Reason),
	}
	if esc.Task != nil {
		attrs = append(attrs,
			slog.String("repo", esc.Task.Repo),
			slog.String("issue", esc.Task.Issue),
			slog.String("task_id", esc.Task.ID))
	}
	if esc.PRURL != "" {
		attrs = append(attrs, slog.String("pr_url", esc.PRURL))
	}
	n.logger.Warn("task escalated", attrs...)
}

func (n *Slog) NotifyError(_ context.Context, title, body string, meta map[string]string) {
	attrs := []any{slog.String("body", body)}
	for k, v := range meta {
		attrs = append(attrs, slog.String(k, v))
	}
	n.logger.Error(title, attrs...)
}

func (n *Slog) NotifyTaskComplete(_ context.Context, t *task.Task, repo, prURL string) {
	attrs := []any{slog.String("repo", repo)}
	if t != nil {
		attrs = append(attrs,
			slog.String("issue", t.Issue),
			slog.String("task_id", t.ID))
	}
	if prURL != "" {
		attrs = append(attrs, slog.String("pr_url", prURL))
	}
	n.logger.Info("task complete", attrs...)
}

// Nop drops every notification. Tests and quiet deployments use it.
type Nop struct{}

var _ Port = Nop{}

func (Nop) NotifyEscalation(context.Context, EscalationContext)            {}
func (Nop) NotifyError(context.Context, string, string, map[string]string) {}
func (Nop) NotifyTaskComplete(context.Context, *task.Task, string, string) {}
