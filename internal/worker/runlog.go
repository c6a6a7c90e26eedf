package worker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/randalmurphal/ralph/internal/store"
	"github.com/randalmurphal/ralph/internal/task"
)

// runLog is the per-pass append-only log file under the state home. All
// writes are best-effort; a broken log never fails the pass.
type runLog struct {
	path string
	f    *os.File
}

func (w *Worker) openRunLog(t *task.Task, kind store.AttemptKind, log *slog.Logger) *runLog {
	dir := w.cfg.RunLogsDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Warn("run-log dir create failed", "error", err)
		return &runLog{}
	}
	name := fmt.Sprintf("%s-%s-%s.log",
		t.TaskKey(), kind, w.now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Warn("run-log open failed", "path", path, "error", err)
		return &runLog{}
	}
	rl := &runLog{path: path, f: f}
	rl.Printf("run started: task=%s repo=%s issue=%s worker=%s kind=%s",
		t.ID, t.Repo, t.Issue, w.id, kind)
	return rl
}

// Path returns the log file path, or "" when the log could not be opened.
func (rl *runLog) Path() string { return rl.path }

// Printf appends one timestamped line.
func (rl *runLog) Printf(format string, args ...any) {
	if rl.f == nil {
		return
	}
	fmt.Fprintf(rl.f, "%s %s\n",
		time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

// Footer appends the token-usage summary that marks a complete log.
func (rl *runLog) Footer(outcome store.Outcome, tokensIn, tokensOut int64, elapsed time.Duration) {
	if rl.f == nil {
		return
	}
	rl.Printf("run finished: outcome=%s tokens_in=%d tokens_out=%d elapsed=%s",
		outcome, tokensIn, tokensOut, elapsed.Round(time.Second))
}

func (rl *runLog) Close() {
	if rl.f != nil {
		rl.f.Close()
	}
}
