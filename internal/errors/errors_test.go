package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestRalphErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *RalphError
		wantErr  string
		wantUser string
	}{
		{
			name:     "what only",
			err:      &RalphError{What: "something broke"},
			wantErr:  "something broke",
			wantUser: "Error: something broke",
		},
		{
			name:     "what and why",
			err:      &RalphError{What: "something broke", Why: "bad input"},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input",
		},
		{
			name: "full error",
			err: &RalphError{
				What:    "something broke",
				Why:     "bad input",
				Fix:     "try again",
				DocsURL: "https://example.com",
			},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input\n\nFix: try again\n\nDocs: https://example.com",
		},
		{
			name: "with cause",
			err: &RalphError{
				What:  "something broke",
				Cause: errors.New("underlying error"),
			},
			wantErr:  "something broke: underlying error",
			wantUser: "Error: something broke",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantErr {
				t.Errorf("Error() = %q, want %q", got, tt.wantErr)
			}
			if got := tt.err.UserMessage(); got != tt.wantUser {
				t.Errorf("UserMessage() = %q, want %q", got, tt.wantUser)
			}
		})
	}
}

func TestRalphErrorJSON(t *testing.T) {
	err := &RalphError{
		Code:  CodeTaskNotFound,
		What:  "task T-001 not found",
		Why:   "No task with this ID exists",
		Fix:   "Run 'ralph status' to list tasks",
		Cause: errors.New("row not found"),
	}

	data, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		t.Fatalf("MarshalJSON failed: %v", marshalErr)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if result["code"] != string(CodeTaskNotFound) {
		t.Errorf("code = %v, want %v", result["code"], CodeTaskNotFound)
	}
	if result["what"] != "task T-001 not found" {
		t.Errorf("what = %v, want %v", result["what"], "task T-001 not found")
	}
	if result["cause"] != "row not found" {
		t.Errorf("cause = %v, want %v", result["cause"], "row not found")
	}
}

func TestRalphErrorIs(t *testing.T) {
	a := ErrRepoNotAllowed("evil/repo")
	b := ErrRepoNotAllowed("other/repo")

	if !errors.Is(a, b) {
		t.Error("errors with the same code should match via errors.Is")
	}
	if errors.Is(a, ErrRepoDirty("acme/foo")) {
		t.Error("errors with different codes should not match")
	}
}

func TestRalphErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := ErrConfigInvalid("state_home", "unwritable").WithCause(cause)

	if !errors.Is(err, cause) {
		t.Error("WithCause result should unwrap to the cause")
	}
}

func TestRalphErrorWrappedThroughFmt(t *testing.T) {
	inner := ErrLeaseHeld("acme/foo#42:main", "worker-1")
	outer := fmt.Errorf("claim lease: %w", inner)

	got := AsRalphError(outer)
	if got == nil {
		t.Fatal("AsRalphError should find the RalphError through fmt wrapping")
	}
	if got.Code != CodeLeaseHeld {
		t.Errorf("Code = %v, want %v", got.Code, CodeLeaseHeld)
	}
}

func TestCategoryHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeTaskNotFound, 404},
		{CodeRepoNotAllowed, 400},
		{CodeLeaseHeld, 409},
		{CodeGateTimeout, 504},
		{Code("SOMETHING_ELSE"), 500},
	}

	for _, tt := range tests {
		err := &RalphError{Code: tt.code}
		if got := err.HTTPStatus(); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestConstructorsCarryFix(t *testing.T) {
	constructors := []*RalphError{
		ErrNotInitialized(),
		ErrLockHeld("worker-a", 123),
		ErrTaskNotFound("T-1"),
		ErrRepoNotAllowed("x/y"),
		ErrRepoDirty("x/y"),
		ErrWorktreeRoot("/repo"),
		ErrWorktreeUnhealthy("/wt", "missing .git"),
		ErrSessionMissing("T-1"),
		ErrGateTimeout("x/y#1", "45m"),
		ErrMergeRefused("x/y#1", "main"),
		ErrLeaseHeld("k", "h"),
		ErrConfigInvalid("f", "r"),
		ErrConfigMissing("f"),
	}

	for _, err := range constructors {
		if err.Code == "" {
			t.Errorf("constructor produced empty code: %+v", err)
		}
		if err.What == "" {
			t.Errorf("constructor produced empty what: %+v", err)
		}
		if err.Fix == "" {
			t.Errorf("constructor %s produced empty fix", err.Code)
		}
	}
}
