package supervise

import (
	"regexp"
	"sort"
	"strings"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/session"
)

// LoopDetector watches gate-command failures across build-loop
// iterations. When the same failure signature repeats often enough inside
// the window, the agent is spinning and the task escalates with the
// diagnostic instead of burning more sessions.
type LoopDetector struct {
	gateCommand   string
	window        int
	tripThreshold int

	signatures []string
	lastOutput string
}

// NewLoopDetector creates a detector from per-repo config. Returns nil
// when loop detection is disabled for the repo.
func NewLoopDetector(cfg config.LoopConfig) *LoopDetector {
	if !cfg.Enabled {
		return nil
	}
	window := cfg.Window
	if window <= 0 {
		window = 5
	}
	threshold := cfg.TripThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return &LoopDetector{
		gateCommand:   cfg.GateCommand,
		window:        window,
		tripThreshold: threshold,
	}
}

// RecordFailure folds one gate-command failure into the window and
// returns a trip when the same signature has repeated past the
// threshold. A nil return means keep going.
func (d *LoopDetector) RecordFailure(output string) *session.LoopTrip {
	sig := failureSignature(output)
	d.lastOutput = output
	d.signatures = append(d.signatures, sig)
	if len(d.signatures) > d.window {
		d.signatures = d.signatures[len(d.signatures)-d.window:]
	}

	count := 0
	for _, s := range d.signatures {
		if s == sig {
			count++
		}
	}
	if count < d.tripThreshold {
		return nil
	}
	return &session.LoopTrip{
		Signature:   sig,
		Count:       count,
		TopFiles:    topFiles(output, 3),
		GateCommand: d.gateCommand,
	}
}

// RecordSuccess clears the window; progress breaks the loop.
func (d *LoopDetector) RecordSuccess() {
	d.signatures = d.signatures[:0]
}

// failureSignature normalizes a failure transcript into a stable
// signature: line numbers and hex addresses churn between runs, the
// shape of the failure does not.
var volatilePattern = regexp.MustCompile(`\b(0x[0-9a-f]+|\d+)\b`)

func failureSignature(output string) string {
	var kept []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		kept = append(kept, volatilePattern.ReplaceAllString(line, "#"))
		if len(kept) >= 40 {
			break
		}
	}
	return ContentSignature(kept...)
}

var filePattern = regexp.MustCompile(`[\w./-]+\.[a-zA-Z]{1,4}\b`)

// topFiles extracts the most-mentioned file paths from a failure
// transcript, for the escalation diagnostic.
func topFiles(output string, n int) []string {
	counts := make(map[string]int)
	for _, m := range filePattern.FindAllString(output, -1) {
		counts[m]++
	}
	files := make([]string, 0, len(counts))
	for f := range counts {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		if counts[files[i]] != counts[files[j]] {
			return counts[files[i]] > counts[files[j]]
		}
		return files[i] < files[j]
	})
	if len(files) > n {
		files = files[:n]
	}
	return files
}
