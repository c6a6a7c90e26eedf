package gate

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/randalmurphal/ralph/internal/config"
)

// Action is what the triage engine tells the worker to do next.
type Action string

const (
	// ActionResume continues the existing agent session with a CI-fix
	// prompt built from the remediation context.
	ActionResume Action = "resume"

	// ActionSpawn runs a fresh CI-debug agent in a dedicated worktree at
	// the PR head.
	ActionSpawn Action = "spawn"

	// ActionQuarantine rests the task on a suspected flake or infra
	// failure and re-polls later.
	ActionQuarantine Action = "quarantine"

	// ActionEscalate stops remediation and hands the PR to a human.
	ActionEscalate Action = "escalate"
)

// TriageCheck is one failing required check with its remediation context.
type TriageCheck struct {
	RequiredCheck
	LogExcerpt string `json:"log_excerpt,omitempty"`
}

// TriageInput is everything the triage engine is allowed to look at.
type TriageInput struct {
	TimedOut         bool
	Failing          []TriageCheck
	DetectedCommands []string
	Attempt          int
	MaxAttempts      int
	HasSession       bool
	Signature        string
	PriorSignature   string
}

// TriageDecision is the engine's verdict.
type TriageDecision struct {
	Classification string
	Action         Action
	Reason         string
}

// infraStates are check conclusions that point at the CI system rather
// than the change under test.
var infraStates = map[string]bool{
	"cancelled": true,
	"timed_out": true,
	"stale":     true,
}

var flakeHints = []string{
	"connection reset",
	"connection refused",
	"i/o timeout",
	"temporary failure",
	"rate limit",
	"no space left on device",
	"runner received shutdown",
	"lost communication with the server",
}

// Decide maps one failure observation to a remediation action. It is
// pure: same input, same decision.
func Decide(in TriageInput) TriageDecision {
	if in.MaxAttempts > 0 && in.Attempt >= in.MaxAttempts {
		return TriageDecision{
			Classification: "attempts-exhausted",
			Action:         ActionEscalate,
			Reason:         fmt.Sprintf("remediation attempt %d reached the cap of %d", in.Attempt, in.MaxAttempts),
		}
	}

	if in.TimedOut {
		return TriageDecision{
			Classification: "ci-timeout",
			Action:         ActionQuarantine,
			Reason:         "required checks never settled; treating as a CI capacity problem",
		}
	}

	if len(in.Failing) > 0 && allInfra(in.Failing) {
		return TriageDecision{
			Classification: "infra",
			Action:         ActionQuarantine,
			Reason:         "every failing check ended in an infrastructure state",
		}
	}

	if hasFlakeHint(in.Failing) {
		return TriageDecision{
			Classification: "suspected-flake",
			Action:         ActionQuarantine,
			Reason:         "failure logs match known transient-failure patterns",
		}
	}

	// A repeat of the same signature means the last fix attempt changed
	// nothing the checks can see. Switch lanes rather than repeat it.
	if in.Attempt > 1 && in.Signature != "" && in.Signature == in.PriorSignature {
		if in.HasSession {
			return TriageDecision{
				Classification: "no-progress",
				Action:         ActionSpawn,
				Reason:         "resuming the session reproduced the same failure signature; trying a fresh CI-debug agent",
			}
		}
		return TriageDecision{
			Classification: "no-progress",
			Action:         ActionEscalate,
			Reason:         "CI-debug reproduced the same failure signature",
		}
	}

	if in.HasSession {
		return TriageDecision{
			Classification: "check-failure",
			Action:         ActionResume,
			Reason:         "continuing the build session with the failing-check context",
		}
	}
	return TriageDecision{
		Classification: "check-failure",
		Action:         ActionSpawn,
		Reason:         "no live session; spawning a CI-debug agent at the PR head",
	}
}

func allInfra(checks []TriageCheck) bool {
	for _, c := range checks {
		if !infraStates[c.RawState] {
			return false
		}
	}
	return true
}

func hasFlakeHint(checks []TriageCheck) bool {
	for _, c := range checks {
		excerpt := strings.ToLower(c.LogExcerpt)
		for _, hint := range flakeHints {
			if strings.Contains(excerpt, hint) {
				return true
			}
		}
	}
	return false
}

// QuarantineBackoff computes the rest before re-polling after a
// quarantine decision: capped exponential per attempt, bumped one step
// further when the signature repeated, with bounded jitter.
func QuarantineBackoff(cfg config.GateConfig, attempt int, sameSignature bool) time.Duration {
	base := cfg.QuarantineBackoff
	if base <= 0 {
		base = time.Minute
	}
	limit := cfg.QuarantineBackoffCap
	if limit <= 0 {
		limit = 30 * time.Minute
	}

	steps := attempt - 1
	if steps < 0 {
		steps = 0
	}
	if sameSignature {
		steps++
	}
	d := base
	for i := 0; i < steps && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d + time.Duration(rand.Int63n(int64(base/4)+1))
}
