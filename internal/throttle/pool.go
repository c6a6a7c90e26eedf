package throttle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/ralph/internal/config"
	"github.com/randalmurphal/ralph/internal/redact"
)

var (
	// ErrNoProfiles is returned when the control file lists no usable profiles.
	ErrNoProfiles = errors.New("no usable agent profiles configured")

	// ErrProfileNotFound is returned when a pinned profile is absent.
	ErrProfileNotFound = errors.New("agent profile not found")
)

// Profile is one agent account in the control file.
type Profile struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name,omitempty"`
	Token   string `yaml:"token,omitempty"`
	Enabled bool   `yaml:"enabled"`
	Usage   Usage  `yaml:"usage"`
}

// Usage is the quota snapshot an external accountant maintains per
// profile in the control file.
type Usage struct {
	Used           int64     `yaml:"used" json:"used"`
	Limit          int64     `yaml:"limit" json:"limit"`
	WindowResetsAt time.Time `yaml:"window_resets_at,omitempty" json:"window_resets_at,omitzero"`
}

// Ratio returns the used fraction, or 0 when no limit is declared.
func (u Usage) Ratio() float64 {
	if u.Limit <= 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Limit)
}

type controlFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// Pool selects agent profiles and answers quota decisions from the
// control file. The file is re-read on every consultation so an external
// accountant can update usage without coordinating with ralph.
type Pool struct {
	path      string
	softRatio float64
	hardRatio float64
	logger    *slog.Logger

	mu       sync.Mutex
	selected string
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a profile pool over the YAML control file.
func NewPool(cfg config.ThrottleConfig, path string, opts ...PoolOption) *Pool {
	soft, hard := cfg.SoftRatio, cfg.HardRatio
	if soft <= 0 {
		soft = 0.8
	}
	if hard <= 0 {
		hard = 0.95
	}
	p := &Pool{
		path:      path,
		softRatio: soft,
		hardRatio: hard,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ Port = (*Pool)(nil)

func (p *Pool) load() ([]Profile, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read profile control file: %w", err)
	}
	var cf controlFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse profile control file %s: %w", p.path, err)
	}
	return cf.Profiles, nil
}

// Select picks the profile for a unit of work. A pinned profile always
// wins, usable or not; otherwise the first enabled profile that is not
// hard-throttled at now. Fresh work may fail over; resumed work must
// stay on its pinned profile, so callers pass fresh=false to refuse
// failover.
func (p *Pool) Select(now time.Time, pinned string, fresh bool) (*Profile, error) {
	profiles, err := p.load()
	if err != nil {
		return nil, err
	}

	if pinned != "" {
		for i := range profiles {
			if profiles[i].ID == pinned {
				p.remember(profiles[i].ID)
				return &profiles[i], nil
			}
		}
		return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, pinned)
	}

	var fallback *Profile
	for i := range profiles {
		prof := &profiles[i]
		if !prof.Enabled {
			continue
		}
		if fallback == nil {
			fallback = prof
		}
		if p.decide(*prof, now).Hard() {
			if !fresh {
				// Resume sticks with its profile even when exhausted;
				// the worker converts the hard decision into a rest.
				p.remember(prof.ID)
				return prof, nil
			}
			p.logger.Info("profile hard-throttled, failing over",
				slog.String("profile", prof.ID),
				slog.String("token", redact.Token(prof.Token)))
			continue
		}
		p.remember(prof.ID)
		return prof, nil
	}

	if fallback != nil {
		// Everything is exhausted; hand back the first enabled profile
		// so the caller gets a hard decision with a resume time.
		p.remember(fallback.ID)
		return fallback, nil
	}
	return nil, ErrNoProfiles
}

func (p *Pool) remember(id string) {
	p.mu.Lock()
	p.selected = id
	p.mu.Unlock()
}

// GetDecision evaluates the named profile at now. An empty profile
// evaluates the most recently selected one.
func (p *Pool) GetDecision(_ context.Context, now time.Time, profile string) (Decision, error) {
	if profile == "" {
		p.mu.Lock()
		profile = p.selected
		p.mu.Unlock()
	}
	profiles, err := p.load()
	if err != nil {
		return Decision{}, err
	}
	for _, prof := range profiles {
		if prof.ID == profile {
			return p.decide(prof, now), nil
		}
	}
	if profile == "" && len(profiles) > 0 {
		return p.decide(profiles[0], now), nil
	}
	return Decision{}, fmt.Errorf("%w: %q", ErrProfileNotFound, profile)
}

func (p *Pool) decide(prof Profile, now time.Time) Decision {
	ratio := prof.Usage.Ratio()
	snapshot, _ := json.Marshal(struct {
		Profile string  `json:"profile"`
		Used    int64   `json:"used"`
		Limit   int64   `json:"limit"`
		Ratio   float64 `json:"ratio"`
	}{prof.ID, prof.Usage.Used, prof.Usage.Limit, ratio})

	d := Decision{State: StateOK, Snapshot: snapshot}
	switch {
	case ratio >= p.hardRatio:
		d.State = StateHard
		d.ResumeAt = prof.Usage.WindowResetsAt
		if d.ResumeAt.IsZero() || d.ResumeAt.Before(now) {
			d.ResumeAt = now.Add(30 * time.Minute)
		}
	case ratio >= p.softRatio:
		d.State = StateSoft
	}
	return d
}
