// Package throttle implements the quota gate: a Port the worker consults
// before and after every agent-session call, backed by a pool of agent
// profiles declared in a YAML control file.
package throttle

import (
	"context"
	"encoding/json"
	"time"
)

// State classifies a throttle decision.
type State string

const (
	// StateOK means the profile has headroom.
	StateOK State = "ok"

	// StateSoft means usage is high; informational only.
	StateSoft State = "soft"

	// StateHard means the profile is out of quota. The task rests until
	// ResumeAt.
	StateHard State = "hard"
)

// Decision is the outcome of one quota consultation.
type Decision struct {
	State    State           `json:"state"`
	ResumeAt time.Time       `json:"resume_at,omitzero"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// Hard reports whether the decision forces a throttled rest.
func (d Decision) Hard() bool { return d.State == StateHard }

// Port is the quota oracle surface the worker depends on.
type Port interface {
	// GetDecision evaluates the named profile at now. An empty profile
	// evaluates the pool's currently selected profile.
	GetDecision(ctx context.Context, now time.Time, profile string) (Decision, error)
}

// AlwaysOK is a Port for repos without quota management.
type AlwaysOK struct{}

func (AlwaysOK) GetDecision(context.Context, time.Time, string) (Decision, error) {
	return Decision{State: StateOK}, nil
}
