package worker

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/ralph/internal/supervise"
	"github.com/randalmurphal/ralph/internal/task"
)

const surveyLabel = "from-survey"

// survey runs the post-merge survey command in the session and writes
// each finding back as a GitHub issue. Entirely best-effort: a merged PR
// is never un-done by a failed survey.
func (w *Worker) survey(ctx context.Context, t *task.Task, pf *preflightResult, rl *runLog, log *slog.Logger) {
	if t.SessionID == "" {
		return
	}
	res, err := w.agent.ContinueCommand(ctx, pf.worktree, t.SessionID, "survey", nil,
		w.sessionOptions(t, supervise.ModeCheckpoint))
	if err != nil {
		log.Warn("survey command failed", "error", err)
		return
	}
	w.recordTokens(ctx, t.SessionID, res)

	created := 0
	for _, finding := range surveyFindings(res.Output) {
		issue, err := w.gh.CreateIssue(ctx, finding.title, finding.body, []string{surveyLabel})
		if err != nil {
			log.Warn("survey issue create failed", "title", finding.title, "error", err)
			continue
		}
		rl.Printf("survey finding filed as #%d: %s", issue.Number, finding.title)
		created++
	}
	rl.Printf("survey complete: %d finding(s) filed", created)
}

type surveyFinding struct {
	title string
	body  string
}

// surveyFindings extracts JSON-line findings from survey output. A
// finding is any object line with a non-empty "title".
func surveyFindings(output string) []surveyFinding {
	var findings []surveyFinding
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") || !gjson.Valid(line) {
			continue
		}
		parsed := gjson.Parse(line)
		title := strings.TrimSpace(parsed.Get("title").String())
		if title == "" {
			continue
		}
		findings = append(findings, surveyFinding{
			title: title,
			body:  parsed.Get("body").String(),
		})
	}
	return findings
}
