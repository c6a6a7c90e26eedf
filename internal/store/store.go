// Package store provides the state-store port: idempotency keys, run
// records, snapshots, and token totals.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/ralph/internal/db"
	"github.com/randalmurphal/ralph/internal/db/driver"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeThrottled Outcome = "throttled"
	OutcomeEscalated Outcome = "escalated"
	OutcomeFailed    Outcome = "failed"
)

// CompletionKind distinguishes how a successful run completed.
type CompletionKind string

const (
	CompletionPR       CompletionKind = "pr"
	CompletionVerified CompletionKind = "verified"
)

// AttemptKind is how the worker entered the run.
type AttemptKind string

const (
	AttemptProcess AttemptKind = "process"
	AttemptResume  AttemptKind = "resume"
)

// RunRecord is one worker pass over a task, created at entry and sealed
// at exit.
type RunRecord struct {
	ID             string
	TaskID         string
	Repo           string
	Issue          string
	WorkerID       string
	SessionID      string
	AgentProfile   string
	AttemptKind    AttemptKind
	Outcome        Outcome
	CompletionKind CompletionKind
	PRURL          string
	Reason         string
	TokensIn       int64
	TokensOut      int64
	Detail         string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// IdempotencyRow is a claimed (scope, key) pair. Leases and once-only
// side effects both live here; TTL interpretation is the caller's.
type IdempotencyRow struct {
	Scope     string
	Key       string
	Payload   string
	CreatedAt time.Time
}

// Stale reports whether the row is older than ttl.
func (r *IdempotencyRow) Stale(ttl time.Duration, now time.Time) bool {
	return now.Sub(r.CreatedAt) > ttl
}

// Store is the state-store port.
type Store interface {
	// RecordIdempotencyKey claims (scope, key) with payload. Strict CAS:
	// claimed=false returns the existing row untouched.
	RecordIdempotencyKey(ctx context.Context, scope, key, payload string) (claimed bool, existing *IdempotencyRow, err error)

	// DeleteIdempotencyKey removes a claim. Deleting an absent key is not
	// an error.
	DeleteIdempotencyKey(ctx context.Context, scope, key string) error

	// CreateRunRecord inserts the record at worker entry.
	CreateRunRecord(ctx context.Context, r *RunRecord) error

	// SealRunRecord persists outcome and details at worker exit.
	SealRunRecord(ctx context.Context, r *RunRecord) error

	// RunsForTask returns the task's runs, newest first.
	RunsForTask(ctx context.Context, taskID string) ([]*RunRecord, error)

	// SaveSnapshot appends a JSON snapshot of kind (pr, issue, label,
	// merge) under ref.
	SaveSnapshot(ctx context.Context, kind, ref, payload string) error

	// LatestSnapshot returns the newest snapshot for (kind, ref), or ""
	// when none exists.
	LatestSnapshot(ctx context.Context, kind, ref string) (string, error)

	// AddTokenTotals accumulates token usage for a session.
	AddTokenTotals(ctx context.Context, sessionID string, in, out int64) error

	// TokenTotals returns accumulated usage for a session.
	TokenTotals(ctx context.Context, sessionID string) (in, out int64, err error)
}

// DBStore implements Store over the ralph database.
type DBStore struct {
	db *db.DB
}

// New creates a DBStore.
func New(database *db.DB) *DBStore {
	return &DBStore{db: database}
}

const timeLayout = time.RFC3339Nano

// RecordIdempotencyKey claims (scope, key) via INSERT ... ON CONFLICT DO
// NOTHING plus readback. No read-modify-write on the row.
func (s *DBStore) RecordIdempotencyKey(ctx context.Context, scope, key, payload string) (bool, *IdempotencyRow, error) {
	now := time.Now().UTC()
	query := "INSERT INTO idempotency (scope, key, payload, created_at) VALUES (" +
		s.db.Placeholder(1) + ", " + s.db.Placeholder(2) + ", " +
		s.db.Placeholder(3) + ", " + s.db.Placeholder(4) +
		") ON CONFLICT (scope, key) DO NOTHING"

	res, err := s.db.ExecContext(ctx, query, scope, key, payload, now.Format(timeLayout))
	if err != nil {
		return false, nil, fmt.Errorf("claim idempotency key %s/%s: %w", scope, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("claim idempotency key %s/%s rows: %w", scope, key, err)
	}
	if n > 0 {
		return true, &IdempotencyRow{Scope: scope, Key: key, Payload: payload, CreatedAt: now}, nil
	}

	existing, err := s.getIdempotencyRow(ctx, scope, key)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *DBStore) getIdempotencyRow(ctx context.Context, scope, key string) (*IdempotencyRow, error) {
	query := "SELECT payload, created_at FROM idempotency WHERE scope = " +
		s.db.Placeholder(1) + " AND key = " + s.db.Placeholder(2)
	var payload, createdAt string
	err := s.db.QueryRowContext(ctx, query, scope, key).Scan(&payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency key %s/%s: %w", scope, key, err)
	}
	t, _ := time.Parse(timeLayout, createdAt)
	return &IdempotencyRow{Scope: scope, Key: key, Payload: payload, CreatedAt: t}, nil
}

// DeleteIdempotencyKey removes a claim.
func (s *DBStore) DeleteIdempotencyKey(ctx context.Context, scope, key string) error {
	query := "DELETE FROM idempotency WHERE scope = " + s.db.Placeholder(1) +
		" AND key = " + s.db.Placeholder(2)
	if _, err := s.db.ExecContext(ctx, query, scope, key); err != nil {
		return fmt.Errorf("delete idempotency key %s/%s: %w", scope, key, err)
	}
	return nil
}

// CreateRunRecord inserts the record at worker entry.
func (s *DBStore) CreateRunRecord(ctx context.Context, r *RunRecord) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	query := "INSERT INTO runs (id, task_id, repo, issue, worker_id, session_id, agent_profile, attempt_kind, detail, started_at) VALUES (" +
		s.placeholders(10) + ")"
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.TaskID, r.Repo, r.Issue, r.WorkerID, r.SessionID,
		r.AgentProfile, string(r.AttemptKind), r.Detail,
		r.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("create run record %s: %w", r.ID, err)
	}
	return nil
}

// SealRunRecord persists outcome and details at worker exit.
func (s *DBStore) SealRunRecord(ctx context.Context, r *RunRecord) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now().UTC()
	}
	query := "UPDATE runs SET outcome = " + s.db.Placeholder(1) +
		", session_id = " + s.db.Placeholder(2) +
		", completion_kind = " + s.db.Placeholder(3) +
		", pr_url = " + s.db.Placeholder(4) +
		", reason = " + s.db.Placeholder(5) +
		", detail = " + s.db.Placeholder(6) +
		", tokens_in = " + s.db.Placeholder(7) +
		", tokens_out = " + s.db.Placeholder(8) +
		", finished_at = " + s.db.Placeholder(9) +
		" WHERE id = " + s.db.Placeholder(10)
	_, err := s.db.ExecContext(ctx, query,
		string(r.Outcome), r.SessionID, string(r.CompletionKind), r.PRURL,
		r.Reason, r.Detail, r.TokensIn, r.TokensOut,
		r.FinishedAt.UTC().Format(timeLayout), r.ID,
	)
	if err != nil {
		return fmt.Errorf("seal run record %s: %w", r.ID, err)
	}
	return nil
}

// RunsForTask returns the task's runs, newest first.
func (s *DBStore) RunsForTask(ctx context.Context, taskID string) ([]*RunRecord, error) {
	query := `SELECT id, task_id, repo, issue, worker_id, session_id,
		agent_profile, attempt_kind, outcome, completion_kind, pr_url,
		reason, detail, tokens_in, tokens_out, started_at, finished_at
		FROM runs WHERE task_id = ` + s.db.Placeholder(1) +
		" ORDER BY started_at DESC"
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("runs for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		var r RunRecord
		var attemptKind, outcome, completionKind string
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Repo, &r.Issue, &r.WorkerID,
			&r.SessionID, &r.AgentProfile, &attemptKind, &outcome,
			&completionKind, &r.PRURL, &r.Reason, &r.Detail,
			&r.TokensIn, &r.TokensOut, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.AttemptKind = AttemptKind(attemptKind)
		r.Outcome = Outcome(outcome)
		r.CompletionKind = CompletionKind(completionKind)
		r.StartedAt, _ = time.Parse(timeLayout, startedAt)
		if finishedAt.Valid {
			r.FinishedAt, _ = time.Parse(timeLayout, finishedAt.String)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SaveSnapshot appends a snapshot row.
func (s *DBStore) SaveSnapshot(ctx context.Context, kind, ref, payload string) error {
	query := "INSERT INTO snapshots (kind, ref, payload, created_at) VALUES (" +
		s.placeholders(4) + ")"
	_, err := s.db.ExecContext(ctx, query, kind, ref, payload,
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save %s snapshot for %s: %w", kind, ref, err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot payload for (kind, ref).
func (s *DBStore) LatestSnapshot(ctx context.Context, kind, ref string) (string, error) {
	query := "SELECT payload FROM snapshots WHERE kind = " + s.db.Placeholder(1) +
		" AND ref = " + s.db.Placeholder(2) + " ORDER BY id DESC LIMIT 1"
	var payload string
	err := s.db.QueryRowContext(ctx, query, kind, ref).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest %s snapshot for %s: %w", kind, ref, err)
	}
	return payload, nil
}

// AddTokenTotals accumulates token usage for a session.
func (s *DBStore) AddTokenTotals(ctx context.Context, sessionID string, in, out int64) error {
	if sessionID == "" || (in == 0 && out == 0) {
		return nil
	}
	var query string
	if s.db.Dialect() == driver.DialectPostgres {
		query = `INSERT INTO token_totals (session_id, tokens_in, tokens_out, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (session_id) DO UPDATE SET
			tokens_in = token_totals.tokens_in + EXCLUDED.tokens_in,
			tokens_out = token_totals.tokens_out + EXCLUDED.tokens_out,
			updated_at = EXCLUDED.updated_at`
	} else {
		query = `INSERT INTO token_totals (session_id, tokens_in, tokens_out, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (session_id) DO UPDATE SET
			tokens_in = tokens_in + excluded.tokens_in,
			tokens_out = tokens_out + excluded.tokens_out,
			updated_at = excluded.updated_at`
	}
	_, err := s.db.ExecContext(ctx, query, sessionID, in, out,
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("add token totals for %s: %w", sessionID, err)
	}
	return nil
}

// TokenTotals returns accumulated usage for a session.
func (s *DBStore) TokenTotals(ctx context.Context, sessionID string) (int64, int64, error) {
	query := "SELECT tokens_in, tokens_out FROM token_totals WHERE session_id = " +
		s.db.Placeholder(1)
	var in, out int64
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&in, &out)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("token totals for %s: %w", sessionID, err)
	}
	return in, out, nil
}

func (s *DBStore) placeholders(n int) string {
	out := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			out += ", "
		}
		out += s.db.Placeholder(i)
	}
	return out
}
