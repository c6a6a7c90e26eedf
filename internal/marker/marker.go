// Package marker implements the comment-embedded state protocol: recovery
// state for the CI-debug and merge-conflict lanes lives inside GitHub
// comments behind HTML-comment markers, so any worker on any host can
// pick a lane back up after a crash.
package marker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Marker kinds. The version suffix is part of the wire contract; bumping
// it orphans older state on purpose.
const (
	KindCIDebug       = "ralph:ci-debug:v1"
	KindMergeConflict = "ralph:merge-conflict:v1"
	KindEscalation    = "ralph:escalation:v1"
)

// Lease guards a lane against concurrent workers. A holder past
// ExpiresAt is stale and may be replaced.
type Lease struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Stale reports whether the lease has expired at now.
func (l *Lease) Stale(now time.Time) bool {
	return l == nil || now.After(l.ExpiresAt)
}

// Attempt is one recorded lane attempt.
type Attempt struct {
	At        time.Time `json:"at"`
	Signature string    `json:"signature"`
	Outcome   string    `json:"outcome,omitempty"` // resolved, no-progress, failed
}

// TriageState is the CI triage sub-state nested inside the CI-debug
// comment.
type TriageState struct {
	AttemptCount       int       `json:"attempt_count"`
	LastSignature      string    `json:"last_signature,omitempty"`
	LastClassification string    `json:"last_classification,omitempty"`
	LastAction         string    `json:"last_action,omitempty"`
	LastUpdatedAt      time.Time `json:"last_updated_at,omitzero"`
}

// CIDebugState is the cross-worker state of the CI-debug lane for one PR.
type CIDebugState struct {
	Attempts      []Attempt    `json:"attempts,omitempty"`
	LastSignature string       `json:"last_signature,omitempty"`
	Lease         *Lease       `json:"lease,omitempty"`
	Triage        *TriageState `json:"triage,omitempty"`
}

// MergeConflictState is the cross-worker state of the merge-conflict
// lane for one PR.
type MergeConflictState struct {
	Attempts      []Attempt `json:"attempts,omitempty"`
	LastSignature string    `json:"last_signature,omitempty"`
	Lease         *Lease    `json:"lease,omitempty"`
}

// EscalationHeader is the machine-readable header of an escalation
// comment; later runs detect it and do not escalate the same cause twice.
type EscalationHeader struct {
	Source    string    `json:"source"`
	Signature string    `json:"signature,omitempty"`
	At        time.Time `json:"at"`
}

var markerPattern = regexp.MustCompile(`<!-- (ralph:[a-z-]+:v\d+) (\{.*?\}) -->`)

// Print renders a marker line for the given kind and state.
func Print(kind string, state any) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal %s state: %w", kind, err)
	}
	return fmt.Sprintf("<!-- %s %s -->", kind, data), nil
}

// Extract finds the marker of the given kind in a comment body and
// unmarshals its state into out. Returns false when the body carries no
// such marker.
func Extract(body, kind string, out any) (bool, error) {
	for _, m := range markerPattern.FindAllStringSubmatch(body, -1) {
		if m[1] != kind {
			continue
		}
		if err := json.Unmarshal([]byte(m[2]), out); err != nil {
			return false, fmt.Errorf("parse %s state: %w", kind, err)
		}
		return true, nil
	}
	return false, nil
}

// Has reports whether the body carries a marker of the given kind.
func Has(body, kind string) bool {
	for _, m := range markerPattern.FindAllStringSubmatch(body, -1) {
		if m[1] == kind {
			return true
		}
	}
	return false
}

// Upsert replaces the marker of the given kind in body, or appends one
// when absent. The human-readable text around the marker is preserved.
func Upsert(body, kind string, state any) (string, error) {
	line, err := Print(kind, state)
	if err != nil {
		return "", err
	}

	replaced := false
	result := markerPattern.ReplaceAllStringFunc(body, func(match string) string {
		sub := markerPattern.FindStringSubmatch(match)
		if sub[1] != kind || replaced {
			return match
		}
		replaced = true
		return line
	})
	if replaced {
		return result, nil
	}
	if body == "" {
		return line, nil
	}
	return strings.TrimRight(body, "\n") + "\n\n" + line, nil
}

// ParentVerification is the last-line JSON payload a parent-verification
// session emits.
type ParentVerification struct {
	Version     int    `json:"version"`
	WorkRemains bool   `json:"work_remains"`
	Reason      string `json:"reason,omitempty"`
}

// ParseParentVerification reads the payload from the last non-empty line
// of session output. Returns false when the output carries none.
func ParseParentVerification(output string) (ParentVerification, bool) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var pv ParentVerification
		if err := json.Unmarshal([]byte(line), &pv); err != nil || pv.Version == 0 {
			return ParentVerification{}, false
		}
		return pv, true
	}
	return ParentVerification{}, false
}
