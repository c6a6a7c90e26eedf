package marker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip_CIDebugState(t *testing.T) {
	state := CIDebugState{
		Attempts:      []Attempt{{At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), Signature: "abc123", Outcome: "no-progress"}},
		LastSignature: "abc123",
		Lease:         &Lease{Holder: "worker-7", ExpiresAt: time.Date(2026, 3, 1, 12, 20, 0, 0, time.UTC)},
		Triage: &TriageState{
			AttemptCount:       2,
			LastClassification: "flaky",
			LastAction:         "resume",
		},
	}

	body, err := Print(KindCIDebug, state)
	require.NoError(t, err)
	assert.Contains(t, body, "<!-- ralph:ci-debug:v1 ")

	var got CIDebugState
	found, err := Extract("CI is failing, details below.\n\n"+body, KindCIDebug, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, state.LastSignature, got.LastSignature)
	assert.Equal(t, "worker-7", got.Lease.Holder)
	assert.Equal(t, 2, got.Triage.AttemptCount)
}

func TestExtract_IgnoresOtherKinds(t *testing.T) {
	body, err := Print(KindMergeConflict, MergeConflictState{LastSignature: "sig"})
	require.NoError(t, err)

	var got CIDebugState
	found, err := Extract(body, KindCIDebug, &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, Has(body, KindMergeConflict))
	assert.False(t, Has(body, KindCIDebug))
}

func TestUpsert_ReplacesInPlace(t *testing.T) {
	original, err := Print(KindMergeConflict, MergeConflictState{LastSignature: "old"})
	require.NoError(t, err)
	body := "Merge conflict detected.\n\n" + original + "\n\nPlease stand by."

	updated, err := Upsert(body, KindMergeConflict, MergeConflictState{LastSignature: "new"})
	require.NoError(t, err)
	assert.Contains(t, updated, "Merge conflict detected.")
	assert.Contains(t, updated, "Please stand by.")
	assert.Contains(t, updated, `"new"`)
	assert.NotContains(t, updated, `"old"`)
}

func TestUpsert_AppendsWhenAbsent(t *testing.T) {
	updated, err := Upsert("Plain comment.", KindCIDebug, CIDebugState{LastSignature: "s"})
	require.NoError(t, err)
	assert.Contains(t, updated, "Plain comment.")
	assert.True(t, Has(updated, KindCIDebug))
}

func TestLease_Stale(t *testing.T) {
	now := time.Now()
	assert.True(t, (*Lease)(nil).Stale(now))
	assert.True(t, (&Lease{ExpiresAt: now.Add(-time.Minute)}).Stale(now))
	assert.False(t, (&Lease{ExpiresAt: now.Add(time.Minute)}).Stale(now))
}

func TestEscalationHeaderDeduplicates(t *testing.T) {
	header, err := Print(KindEscalation, EscalationHeader{Source: "ci-triage", Signature: "deadbeef", At: time.Now().UTC()})
	require.NoError(t, err)
	comment := header + "\n\n## Escalation\nCI keeps failing."

	assert.True(t, Has(comment, KindEscalation))

	var got EscalationHeader
	found, err := Extract(comment, KindEscalation, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ci-triage", got.Source)
}

func TestParseParentVerification(t *testing.T) {
	output := "checked everything\n{\"version\":1,\"work_remains\":true,\"reason\":\"tests missing\"}\n"
	pv, ok := ParseParentVerification(output)
	require.True(t, ok)
	assert.True(t, pv.WorkRemains)
	assert.Equal(t, "tests missing", pv.Reason)

	_, ok = ParseParentVerification("no payload here")
	assert.False(t, ok)

	_, ok = ParseParentVerification("")
	assert.False(t, ok)
}
