package gate

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/hosting"
)

const (
	defaultPollInterval    = 30 * time.Second
	defaultMaxPollInterval = 5 * time.Minute
	defaultPollTimeout     = 45 * time.Minute
)

// PollResult is what a readiness poll settled on.
type PollResult struct {
	Summary        *Summary
	MergeableState string
	HeadSHA        string
	TimedOut       bool
	Waited         time.Duration
}

// Dirty reports whether the PR accumulated merge conflicts while polling.
func (r *PollResult) Dirty() bool { return r.MergeableState == "dirty" }

// Poller watches a PR's required checks until they settle.
type Poller struct {
	gh     hosting.Port
	cfg    config.GateConfig
	logger *slog.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a readiness poller.
func NewPoller(gh hosting.Port, cfg config.GateConfig, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = defaultMaxPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPollTimeout
	}
	return &Poller{gh: gh, cfg: cfg, logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Poll watches the PR until the rollup is success or failure, the merge
// state turns dirty, or the overall timeout expires. The interval grows
// exponentially while the signature is unchanged and still pending, and
// resets to base on any change.
func (p *Poller) Poll(ctx context.Context, prNumber int, required []string) (*PollResult, error) {
	start := time.Now()
	interval := p.cfg.PollInterval
	var priorSignature string

	for {
		pr, err := p.gh.PRMergeCandidate(ctx, prNumber)
		if err != nil {
			return nil, err
		}
		runs, err := p.gh.CommitCheckRuns(ctx, pr.HeadSHA)
		if err != nil {
			return nil, err
		}
		statuses, err := p.gh.CommitStatuses(ctx, pr.HeadSHA)
		if err != nil {
			return nil, err
		}

		sum := Summarize(runs, statuses, required)
		res := &PollResult{
			Summary:        sum,
			MergeableState: pr.MergeableState,
			HeadSHA:        pr.HeadSHA,
			Waited:         time.Since(start),
		}

		if sum.Rollup != RollupPending || res.Dirty() {
			return res, nil
		}
		if res.Waited >= p.cfg.Timeout {
			res.TimedOut = true
			p.logger.Warn("required checks did not settle",
				slog.Int("pr", prNumber),
				slog.Duration("waited", res.Waited))
			return res, nil
		}

		if sum.Signature == priorSignature {
			interval *= 2
			if interval > p.cfg.MaxPollInterval {
				interval = p.cfg.MaxPollInterval
			}
		} else {
			interval = p.cfg.PollInterval
			priorSignature = sum.Signature
		}

		if err := p.sleep(ctx, jitter(interval)); err != nil {
			return nil, err
		}
	}
}

// jitter spreads d by up to ±15% so fleets of workers do not poll in
// lockstep.
func jitter(d time.Duration) time.Duration {
	spread := int64(float64(d) * 0.15)
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}
