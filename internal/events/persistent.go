package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/ralph/internal/db"
)

const (
	// Buffer flushes when it reaches this size.
	bufferSizeThreshold = 10
	// Buffer flushes automatically every 5 seconds.
	flushInterval = 5 * time.Second
)

// LogEntry is one row of the persisted event log.
type LogEntry struct {
	TaskID    string
	EventType string
	DedupKey  string
	Data      string
	Source    string
	CreatedAt time.Time
}

// Sink persists batches of event-log entries. Replayed entries with an
// already-seen (task, type, dedup key) must vanish instead of duplicating.
type Sink interface {
	SaveEvents(ctx context.Context, entries []*LogEntry) error
}

// DBSink writes the event log to the ralph database. The unique index on
// (task_id, event_type, dedup_key) provides the dedup.
type DBSink struct {
	db *db.DB
}

// NewDBSink creates a DBSink.
func NewDBSink(database *db.DB) *DBSink {
	return &DBSink{db: database}
}

// SaveEvents inserts entries, dropping dedup-key collisions silently.
func (s *DBSink) SaveEvents(ctx context.Context, entries []*LogEntry) error {
	for _, e := range entries {
		dedup := e.DedupKey
		if dedup == "" {
			// Non-deduped events still need a distinct key under the
			// unique index.
			dedup = uuid.NewString()
		}
		query := "INSERT INTO event_log (task_id, event_type, dedup_key, data, source, created_at) VALUES (" +
			s.db.Placeholder(1) + ", " + s.db.Placeholder(2) + ", " +
			s.db.Placeholder(3) + ", " + s.db.Placeholder(4) + ", " +
			s.db.Placeholder(5) + ", " + s.db.Placeholder(6) +
			") ON CONFLICT (task_id, event_type, dedup_key) DO NOTHING"
		_, err := s.db.ExecContext(ctx, query,
			e.TaskID, e.EventType, dedup, e.Data, e.Source,
			e.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("save event %s/%s: %w", e.TaskID, e.EventType, err)
		}
	}
	return nil
}

// PersistentPublisher wraps MemoryPublisher and adds database persistence.
// Real-time broadcast happens first; rows are batched to the sink.
type PersistentPublisher struct {
	inner       *MemoryPublisher
	sink        Sink
	source      string
	buffer      []*LogEntry
	bufferMu    sync.Mutex
	flushTicker *time.Ticker
	logger      *slog.Logger
	stopCh      chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewPersistentPublisher creates a new persistent event publisher. The
// source parameter identifies where events originate (e.g. "worker",
// "api").
func NewPersistentPublisher(sink Sink, source string, logger *slog.Logger, opts ...PublisherOption) *PersistentPublisher {
	if logger == nil {
		logger = slog.Default()
	}

	p := &PersistentPublisher{
		inner:  NewMemoryPublisher(opts...),
		sink:   sink,
		source: source,
		buffer: make([]*LogEntry, 0, bufferSizeThreshold),
		logger: logger,
		stopCh: make(chan struct{}),
	}

	p.flushTicker = time.NewTicker(flushInterval)
	p.wg.Add(1)
	go p.flushLoop()

	return p
}

// Publish broadcasts the event and buffers it for persistence.
func (p *PersistentPublisher) Publish(event Event) {
	p.inner.Publish(event)

	if p.sink == nil {
		return
	}

	entry := p.eventToEntry(event)

	p.bufferMu.Lock()
	p.buffer = append(p.buffer, entry)
	shouldFlush := len(p.buffer) >= bufferSizeThreshold
	p.bufferMu.Unlock()

	if shouldFlush {
		p.flush()
	}
	// Checkpoint emissions flush immediately so the dedup row survives a
	// crash right after publication.
	if event.Type == EventCheckpointReached {
		p.flush()
	}
}

// Subscribe returns a channel that receives events for the given task.
func (p *PersistentPublisher) Subscribe(taskID string) <-chan Event {
	return p.inner.Subscribe(taskID)
}

// Unsubscribe removes a subscription channel.
func (p *PersistentPublisher) Unsubscribe(taskID string, ch <-chan Event) {
	p.inner.Unsubscribe(taskID, ch)
}

// Close flushes remaining events and releases resources. Idempotent.
func (p *PersistentPublisher) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.flushTicker.Stop()
		p.wg.Wait()
		p.flush()
		p.inner.Close()
	})
}

func (p *PersistentPublisher) flushLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.flushTicker.C:
			p.flush()
		case <-p.stopCh:
			return
		}
	}
}

func (p *PersistentPublisher) flush() {
	p.bufferMu.Lock()
	if len(p.buffer) == 0 {
		p.bufferMu.Unlock()
		return
	}
	toFlush := p.buffer
	p.buffer = make([]*LogEntry, 0, bufferSizeThreshold)
	p.bufferMu.Unlock()

	// Write outside the lock. Failures are logged, not retried, to
	// prevent memory buildup.
	if err := p.sink.SaveEvents(context.Background(), toFlush); err != nil {
		p.logger.Error("failed to persist events",
			slog.String("error", err.Error()),
			slog.Int("count", len(toFlush)))
	}
}

func (p *PersistentPublisher) eventToEntry(e Event) *LogEntry {
	data, err := json.Marshal(e.Data)
	if err != nil {
		data = []byte(fmt.Sprintf("%q", fmt.Sprint(e.Data)))
	}
	return &LogEntry{
		TaskID:    e.TaskID,
		EventType: string(e.Type),
		DedupKey:  e.DedupKey,
		Data:      string(data),
		Source:    p.source,
		CreatedAt: e.Time,
	}
}
