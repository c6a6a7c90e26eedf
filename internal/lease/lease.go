// Package lease implements the PR-create idempotency lease: at most one
// worker creates a PR per (repo, issue, base) at a time, across restarts
// and across hosts sharing the database.
package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/ralph/internal/config"
	ralpherrors "github.com/randalmurphal/ralph/internal/errors"
	"github.com/randalmurphal/ralph/internal/hosting"
	"github.com/randalmurphal/ralph/internal/store"
)

// Scope of PR-create rows in the idempotency table.
const Scope = "pr-create"

// Payload is what a claim records about its holder.
type Payload struct {
	Holder    string    `json:"holder"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Outcome of a contended acquisition attempt.
type Outcome int

const (
	// OutcomeAcquired means the caller holds the lease and must create
	// the PR, then Release.
	OutcomeAcquired Outcome = iota

	// OutcomeFoundPR means another worker created the PR while we
	// waited; reuse it, do not create.
	OutcomeFoundPR

	// OutcomeRest means the holder neither finished nor expired inside
	// the wait window; the caller rests and retries later.
	OutcomeRest
)

// PRLocator is the slice of the GitHub surface the lease needs to watch
// for a contender's PR appearing.
type PRLocator interface {
	SearchPRsByIssue(ctx context.Context, issueNumber int) ([]hosting.PR, error)
}

// Manager acquires and releases PR-create leases over the state store.
type Manager struct {
	store  store.Store
	cfg    config.LeaseConfig
	logger *slog.Logger
}

// NewManager creates a lease manager.
func NewManager(st store.Store, cfg config.LeaseConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 20 * time.Minute
	}
	if cfg.WaitForExisting <= 0 {
		cfg.WaitForExisting = 2 * time.Minute
	}
	if cfg.WaitPollInterval <= 0 {
		cfg.WaitPollInterval = 5 * time.Second
	}
	if cfg.ConflictRest <= 0 {
		cfg.ConflictRest = 5 * time.Minute
	}
	return &Manager{store: st, cfg: cfg, logger: logger}
}

// Key builds the lease key for one PR-create site.
func Key(repo string, issue int, base string) string {
	return fmt.Sprintf("%s#%d:%s", repo, issue, base)
}

// ConflictRest is how long a loser should rest before retrying.
func (m *Manager) ConflictRest() time.Duration {
	return m.cfg.ConflictRest
}

// Acquire claims the lease for (repo, issue, base). A fresh foreign
// claim loses; a stale one is reclaimed. On loss, the returned string
// names the current holder.
func (m *Manager) Acquire(ctx context.Context, repo string, issue int, base, holder string) (bool, string, error) {
	key := Key(repo, issue, base)
	payload, err := json.Marshal(Payload{Holder: holder, ClaimedAt: time.Now().UTC()})
	if err != nil {
		return false, "", fmt.Errorf("marshal lease payload: %w", err)
	}

	claimed, existing, err := m.store.RecordIdempotencyKey(ctx, Scope, key, string(payload))
	if err != nil {
		return false, "", fmt.Errorf("claim pr-create lease %s: %w", key, err)
	}
	if claimed {
		return true, holder, nil
	}

	if existing.Stale(m.cfg.TTL, time.Now()) {
		m.logger.Warn("reclaiming stale pr-create lease",
			slog.String("key", key),
			slog.Time("claimed_at", existing.CreatedAt))
		if err := m.store.DeleteIdempotencyKey(ctx, Scope, key); err != nil {
			return false, "", fmt.Errorf("reclaim stale lease %s: %w", key, err)
		}
		claimed, _, err = m.store.RecordIdempotencyKey(ctx, Scope, key, string(payload))
		if err != nil {
			return false, "", fmt.Errorf("claim pr-create lease %s: %w", key, err)
		}
		if claimed {
			return true, holder, nil
		}
	}

	var existingPayload Payload
	if existing != nil && json.Unmarshal([]byte(existing.Payload), &existingPayload) == nil {
		return false, existingPayload.Holder, nil
	}
	return false, "unknown", nil
}

// Release drops the caller's claim. Safe to call on an already released
// lease.
func (m *Manager) Release(ctx context.Context, repo string, issue int, base string) error {
	return m.store.DeleteIdempotencyKey(ctx, Scope, Key(repo, issue, base))
}

// AcquireOrWait claims the lease, and on contention polls for the
// holder's PR to appear. The returned PR is non-nil exactly when the
// outcome is OutcomeFoundPR.
func (m *Manager) AcquireOrWait(ctx context.Context, locator PRLocator, repo string, issue int, base, holder string) (Outcome, *hosting.PR, error) {
	held, currentHolder, err := m.Acquire(ctx, repo, issue, base, holder)
	if err != nil {
		return OutcomeRest, nil, err
	}
	if held {
		return OutcomeAcquired, nil, nil
	}

	m.logger.Info("pr-create lease held elsewhere, waiting for its PR",
		slog.String("repo", repo),
		slog.Int("issue", issue),
		slog.String("holder", currentHolder),
		slog.Duration("window", m.cfg.WaitForExisting))

	deadline := time.Now().Add(m.cfg.WaitForExisting)
	ticker := time.NewTicker(m.cfg.WaitPollInterval)
	defer ticker.Stop()
	for {
		prs, searchErr := locator.SearchPRsByIssue(ctx, issue)
		if searchErr != nil {
			m.logger.Warn("lease wait: PR search failed",
				slog.String("error", searchErr.Error()))
		}
		for i := range prs {
			if prs[i].State == "open" && prs[i].BaseBranch == base {
				return OutcomeFoundPR, &prs[i], nil
			}
		}
		if time.Now().After(deadline) {
			return OutcomeRest, nil, ralpherrors.ErrLeaseHeld(Key(repo, issue, base), currentHolder)
		}
		select {
		case <-ctx.Done():
			return OutcomeRest, nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
