package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/ralph/internal/config"
)

func failing(raw string) []TriageCheck {
	return []TriageCheck{{RequiredCheck: RequiredCheck{Name: "ci/test", RawState: raw}}}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		in   TriageInput
		want Action
	}{
		{
			name: "attempt ceiling escalates",
			in:   TriageInput{Attempt: 3, MaxAttempts: 3, Failing: failing("failure"), HasSession: true},
			want: ActionEscalate,
		},
		{
			name: "timeout quarantines",
			in:   TriageInput{TimedOut: true, Attempt: 1, MaxAttempts: 3},
			want: ActionQuarantine,
		},
		{
			name: "all-infra failures quarantine",
			in:   TriageInput{Attempt: 1, MaxAttempts: 3, Failing: failing("cancelled")},
			want: ActionQuarantine,
		},
		{
			name: "flake hint quarantines",
			in: TriageInput{Attempt: 1, MaxAttempts: 3, Failing: []TriageCheck{{
				RequiredCheck: RequiredCheck{Name: "ci/test", RawState: "failure"},
				LogExcerpt:    "dial tcp: connection reset by peer",
			}}},
			want: ActionQuarantine,
		},
		{
			name: "repeat signature with session switches to spawn",
			in: TriageInput{
				Attempt: 2, MaxAttempts: 3, HasSession: true,
				Failing:   failing("failure"),
				Signature: "abc123", PriorSignature: "abc123",
			},
			want: ActionSpawn,
		},
		{
			name: "repeat signature without session escalates",
			in: TriageInput{
				Attempt: 2, MaxAttempts: 3,
				Failing:   failing("failure"),
				Signature: "abc123", PriorSignature: "abc123",
			},
			want: ActionEscalate,
		},
		{
			name: "live session resumes",
			in:   TriageInput{Attempt: 1, MaxAttempts: 3, HasSession: true, Failing: failing("failure")},
			want: ActionResume,
		},
		{
			name: "no session spawns",
			in:   TriageInput{Attempt: 1, MaxAttempts: 3, Failing: failing("failure")},
			want: ActionSpawn,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.in)
			assert.Equal(t, tt.want, got.Action)
			assert.NotEmpty(t, got.Classification)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestDecide_Pure(t *testing.T) {
	in := TriageInput{Attempt: 1, MaxAttempts: 3, HasSession: true, Failing: failing("failure")}
	assert.Equal(t, Decide(in), Decide(in))
}

func TestQuarantineBackoff_Grows(t *testing.T) {
	cfg := config.GateConfig{QuarantineBackoff: time.Minute, QuarantineBackoffCap: 30 * time.Minute}

	first := QuarantineBackoff(cfg, 1, false)
	assert.GreaterOrEqual(t, first, time.Minute)
	assert.Less(t, first, time.Minute+16*time.Second)

	third := QuarantineBackoff(cfg, 3, false)
	assert.GreaterOrEqual(t, third, 4*time.Minute)
}

func TestQuarantineBackoff_SameSignatureBumps(t *testing.T) {
	cfg := config.GateConfig{QuarantineBackoff: time.Minute, QuarantineBackoffCap: 30 * time.Minute}
	plain := QuarantineBackoff(cfg, 2, false)
	bumped := QuarantineBackoff(cfg, 2, true)
	assert.GreaterOrEqual(t, bumped, 2*plain-time.Minute)
}

func TestQuarantineBackoff_Capped(t *testing.T) {
	cfg := config.GateConfig{QuarantineBackoff: time.Minute, QuarantineBackoffCap: 5 * time.Minute}
	got := QuarantineBackoff(cfg, 10, true)
	assert.LessOrEqual(t, got, 5*time.Minute+16*time.Second)
}

func TestDetectCommands(t *testing.T) {
	checks := []TriageCheck{{
		RequiredCheck: RequiredCheck{Name: "ci/test", RawState: "failure"},
		LogExcerpt:    "$ go test ./...\nFAIL github.com/acme/foo\n$ go test ./...\n> npm run lint\nerror",
	}}
	got := DetectCommands(checks)
	assert.Equal(t, []string{"go test ./...", "npm run lint"}, got)
}

func TestCIFixPrompt(t *testing.T) {
	checks := []TriageCheck{{
		RequiredCheck: RequiredCheck{Name: "ci/test", RawState: "failure", DetailsURL: "https://ci.example/run/7"},
		LogExcerpt:    "FAIL: TestThing",
	}}
	got := CIFixPrompt("https://github.com/acme/foo/pull/101", checks, []string{"go test ./..."})
	assert.Contains(t, got, "pull/101")
	assert.Contains(t, got, "ci/test (failure)")
	assert.Contains(t, got, "https://ci.example/run/7")
	assert.Contains(t, got, "FAIL: TestThing")
	assert.Contains(t, got, "`go test ./...`")
}
