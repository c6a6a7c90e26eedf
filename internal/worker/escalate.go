package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/randalmurphal/ralph/internal/marker"
	"github.com/randalmurphal/ralph/internal/notify"
	"github.com/randalmurphal/ralph/internal/redact"
	"github.com/randalmurphal/ralph/internal/store"
	"github.com/randalmurphal/ralph/internal/task"
)

const escalationScope = "escalation"

// escalate takes the task out of automation: escalated status, one
// sanitized comment on the issue, one notification, one run-note. The
// side effects are idempotent per (task, issue, source) so a crashed
// worker re-entering the same failure never doubles them.
func (w *Worker) escalate(ctx context.Context, t *task.Task, issueNum int, source, reason, details string, rl *runLog) *Outcome {
	w.patch(ctx, t, task.StatusEscalated, &task.Patch{
		CompletedAt: task.Ptr(w.now()),
	})

	key := fmt.Sprintf("%s|%d|%s", t.ID, issueNum, source)
	claimed, _, err := w.store.RecordIdempotencyKey(ctx, escalationScope, key, reason)
	if err != nil {
		w.logger.Warn("escalation idempotency check failed", "task", t.ID, "error", err)
	}
	if claimed {
		w.postEscalationComment(ctx, t, issueNum, source, reason, details)
		w.notifier.NotifyEscalation(ctx, notify.EscalationContext{
			Task:    t,
			Source:  source,
			Reason:  reason,
			Details: details,
		})
		rl.Printf("Escalated: %s (source=%s session=%s)", reason, source, t.SessionID)
	}

	return &Outcome{Kind: store.OutcomeEscalated, Reason: fmt.Sprintf("%s: %s", source, reason)}
}

// postEscalationComment writes the machine-readable escalation comment,
// sanitized for secrets, with a consultant packet when details exist.
func (w *Worker) postEscalationComment(ctx context.Context, t *task.Task, issueNum int, source, reason, details string) {
	header, err := marker.Print(marker.KindEscalation, marker.EscalationHeader{
		Source: source,
		At:     w.now(),
	})
	if err != nil {
		w.logger.Warn("escalation header render failed", "error", err)
		return
	}

	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n## Escalated by ralph\n\n")
	fmt.Fprintf(&sb, "**Source:** %s\n**Reason:** %s\n", source, redact.String(reason))
	if t.SessionID != "" {
		fmt.Fprintf(&sb, "**Session:** %s\n", t.SessionID)
	}
	if t.RunLogPath != "" {
		fmt.Fprintf(&sb, "**Run log:** %s\n", t.RunLogPath)
	}
	if details != "" {
		sb.WriteString("\n<details><summary>Consultant packet</summary>\n\n```\n")
		sb.WriteString(redact.Excerpt(details, 60, 4000))
		sb.WriteString("\n```\n\n</details>\n")
	}

	if _, err := w.gh.CreateComment(ctx, issueNum, sb.String()); err != nil {
		w.logger.Warn("escalation comment failed", "issue", issueNum, "error", err)
	}
}
