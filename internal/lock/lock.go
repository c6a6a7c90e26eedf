// Package lock provides the state-home daemon lock. One ralph daemon owns
// a state home at a time; a lock.yaml with a heartbeat makes crashed
// daemons recoverable without manual cleanup.
package lock

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	ralpherrors "github.com/randalmurphal/ralph/internal/errors"
	"github.com/randalmurphal/ralph/internal/util"
)

// DefaultTTL is how long a lock stays fresh without a heartbeat.
const DefaultTTL = 60 * time.Second

// DefaultHeartbeatInterval is the default interval for heartbeat updates.
const DefaultHeartbeatInterval = 10 * time.Second

// Lock is the on-disk lock state.
type Lock struct {
	Owner     string    `yaml:"owner"`     // user@machine identifier
	Acquired  time.Time `yaml:"acquired"`  // when lock was acquired
	Heartbeat time.Time `yaml:"heartbeat"` // last heartbeat update
	TTL       string    `yaml:"ttl"`       // time-to-live as duration string
	PID       int       `yaml:"pid"`       // process ID of lock holder
}

// TTLDuration parses the TTL string, falling back to DefaultTTL.
func (l *Lock) TTLDuration() time.Duration {
	d, err := time.ParseDuration(l.TTL)
	if err != nil {
		return DefaultTTL
	}
	return d
}

// IsStale returns true if the lock heartbeat is older than TTL.
func (l *Lock) IsStale() bool {
	return time.Since(l.Heartbeat) > l.TTLDuration()
}

// FileLocker guards a state home through a lock file.
type FileLocker struct {
	path  string
	owner string
	ttl   time.Duration
}

// Option configures a FileLocker.
type Option func(*FileLocker)

// WithTTL overrides the lock TTL.
func WithTTL(ttl time.Duration) Option {
	return func(l *FileLocker) {
		l.ttl = ttl
	}
}

// New creates a FileLocker for the lock file at path.
func New(path, owner string, opts ...Option) *FileLocker {
	l := &FileLocker{
		path:  path,
		owner: owner,
		ttl:   DefaultTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the lock, claiming over a stale holder if necessary.
// Returns a RalphError with CodeLockHeld while another daemon's heartbeat
// is fresh.
func (l *FileLocker) Acquire() error {
	existing, err := l.read()
	if err == nil && existing != nil {
		if existing.Owner == l.owner && existing.PID == os.Getpid() {
			// Re-acquiring our own lock refreshes the heartbeat.
			return l.write()
		}
		if !existing.IsStale() {
			return ralpherrors.ErrLockHeld(existing.Owner, existing.PID)
		}
		// Stale holder; claim over it.
	}
	return l.write()
}

// Release removes the lock file if we hold it.
func (l *FileLocker) Release() error {
	existing, err := l.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if existing.Owner != l.owner || existing.PID != os.Getpid() {
		return fmt.Errorf("lock at %s is held by %s (pid %d), not us", l.path, existing.Owner, existing.PID)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Heartbeat refreshes the heartbeat timestamp.
func (l *FileLocker) Heartbeat() error {
	existing, err := l.read()
	if err != nil {
		return fmt.Errorf("read lock for heartbeat: %w", err)
	}
	if existing.Owner != l.owner || existing.PID != os.Getpid() {
		return fmt.Errorf("lock at %s was taken over by %s (pid %d)", l.path, existing.Owner, existing.PID)
	}
	return l.write()
}

// Holder returns the current lock state, or nil when unlocked.
func (l *FileLocker) Holder() (*Lock, error) {
	existing, err := l.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return existing, nil
}

func (l *FileLocker) read() (*Lock, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := yaml.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &lock, nil
}

func (l *FileLocker) write() error {
	now := time.Now()
	lock := Lock{
		Owner:     l.owner,
		Acquired:  now,
		Heartbeat: now,
		TTL:       l.ttl.String(),
		PID:       os.Getpid(),
	}
	data, err := yaml.Marshal(&lock)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if err := util.AtomicWriteFile(l.path, data, 0o644); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return nil
}

// HeartbeatRunner refreshes the lock heartbeat on an interval until
// stopped.
type HeartbeatRunner struct {
	locker   *FileLocker
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewHeartbeatRunner creates a runner; interval <= 0 uses the default.
func NewHeartbeatRunner(locker *FileLocker, interval time.Duration) *HeartbeatRunner {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatRunner{
		locker:   locker,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins heartbeating in a goroutine. Errors are returned through
// the channel; the runner keeps going after transient failures.
func (r *HeartbeatRunner) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.locker.Heartbeat(); err != nil {
					select {
					case errCh <- err:
					default:
					}
				}
			case <-r.stopCh:
				return
			}
		}
	}()
	return errCh
}

// Stop halts the heartbeat loop and waits for it to exit.
func (r *HeartbeatRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}
