package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chreez/skelly-jelly-sub001/errors"
	"github.com/chreez/skelly-jelly-sub001/message"
	"github.com/chreez/skelly-jelly-sub001/metric"
)

// ReplayFunc re-submits a dead-lettered message to the original
// publish path. A nil error removes the entry from the queue.
type ReplayFunc func(ctx context.Context, env *message.Envelope) error

// QueueConfig configures the dead letter queue.
type QueueConfig struct {
	// MaxAge is how long entries are retained before cleanup purges
	// them. Zero disables age-based cleanup.
	MaxAge time.Duration

	// CleanupInterval is how often the background cleanup runs when
	// the queue is started. Zero disables the loop; Cleanup can still
	// be called manually.
	CleanupInterval time.Duration
}

// Stats summarizes the queue contents.
type Stats struct {
	Entries         int                `json:"entries"`
	MarkedForReplay int                `json:"marked_for_replay"`
	ByReason        map[ReasonKind]int `json:"by_reason"`
	OldestEntry     time.Time          `json:"oldest_entry,omitempty"`
	TotalAdded      int64              `json:"total_added"`
	TotalReplayed   int64              `json:"total_replayed"`
	TotalPurged     int64              `json:"total_purged"`
}

// ReplayReport records the outcome of one replay pass.
type ReplayReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Queue is the dead letter queue. It owns the store; all access goes
// through its methods.
type Queue struct {
	store  *Store
	cfg    QueueConfig
	replay ReplayFunc
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	totalAdded    int64
	totalReplayed int64
	totalPurged   int64

	metrics *metric.Metrics

	cleanupStop chan struct{}
	cleanupDone chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueClock overrides the queue's time source, for tests.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithQueueMetrics records dead-letter counters on add.
func WithQueueMetrics(m *metric.Metrics) QueueOption {
	return func(q *Queue) {
		q.metrics = m
	}
}

// NewQueue creates a dead letter queue over store. replay is invoked
// per entry during Replay; it may be nil if replay is never used.
func NewQueue(store *Store, cfg QueueConfig, replay ReplayFunc, logger *slog.Logger, opts ...QueueOption) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		store:       store,
		cfg:         cfg,
		replay:      replay,
		logger:      logger.With("component", "deadletter"),
		now:         time.Now,
		cleanupStop: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add inserts a new entry for a message that exhausted delivery.
func (q *Queue) Add(env *message.Envelope, reason Reason, retryCount int, recipients []message.ModuleID, errorDetail, correlationID string) (*Entry, error) {
	if env == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidMessage, "DeadLetterQueue", "Add", "nil message")
	}

	entry := &Entry{
		ID:            uuid.New().String(),
		Message:       env,
		Reason:        reason,
		RetryCount:    retryCount,
		Recipients:    recipients,
		ErrorDetail:   errorDetail,
		CorrelationID: correlationID,
		CreatedAt:     q.now(),
	}
	if err := q.store.Put(entry); err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.totalAdded++
	q.mu.Unlock()
	if q.metrics != nil {
		q.metrics.RecordDeadLetter()
	}

	q.logger.Warn("message dead-lettered",
		"entry_id", entry.ID,
		"message_id", env.ID(),
		"source", string(env.Source()),
		"kind", string(env.Kind()),
		"reason", reason.String(),
		"retry_count", retryCount,
		"correlation_id", correlationID)
	return entry, nil
}

// Get returns the entry for id.
func (q *Queue) Get(id string) (*Entry, error) {
	return q.store.Get(id)
}

// List returns entries matching the filter, oldest first.
func (q *Queue) List(f Filter) ([]*Entry, error) {
	var out []*Entry
	err := q.store.Each(func(e *Entry) bool {
		if f.Matches(e) {
			out = append(out, e)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MarkForReplay flags all entries matching the filter and returns how
// many were marked.
func (q *Queue) MarkForReplay(f Filter) (int, error) {
	entries, err := q.List(f)
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, e := range entries {
		if e.MarkedForReplay {
			continue
		}
		e.MarkedForReplay = true
		if err := q.store.Put(e); err != nil {
			return marked, err
		}
		marked++
	}
	return marked, nil
}

// Replay re-publishes every marked entry through the replay callback.
// A successful replay removes the entry; a failed one stays queued
// with the failure recorded. Replay of an already-removed entry is a
// no-op, so a successful entry disappears exactly once.
func (q *Queue) Replay(ctx context.Context) (ReplayReport, error) {
	if q.replay == nil {
		return ReplayReport{}, errors.WrapInvalid(errors.ErrMissingConfig, "DeadLetterQueue", "Replay",
			"no replay callback configured")
	}

	entries, err := q.List(Filter{MarkedOnly: true})
	if err != nil {
		return ReplayReport{}, err
	}

	var report ReplayReport
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, errors.WrapTransient(err, "DeadLetterQueue", "Replay", "replay cancelled")
		}
		report.Attempted++

		replayErr := q.replay(ctx, e.Message)
		if replayErr == nil {
			if err := q.store.Delete(e.ID); err != nil {
				return report, err
			}
			q.mu.Lock()
			q.totalReplayed++
			q.mu.Unlock()
			report.Succeeded++
			q.logger.Info("dead letter replayed", "entry_id", e.ID, "message_id", e.Message.ID())
			continue
		}

		e.ReplayAttempts++
		e.LastReplayError = replayErr.Error()
		e.LastReplayAt = q.now()
		if err := q.store.Put(e); err != nil {
			return report, err
		}
		report.Failed++
		q.logger.Warn("dead letter replay failed",
			"entry_id", e.ID,
			"replay_attempts", e.ReplayAttempts,
			"error", replayErr)
	}
	return report, nil
}

// Remove deletes the entry for id.
func (q *Queue) Remove(id string) error {
	return q.store.Delete(id)
}

// Cleanup purges entries older than MaxAge and returns how many were
// removed.
func (q *Queue) Cleanup() (int, error) {
	if q.cfg.MaxAge <= 0 {
		return 0, nil
	}
	cutoff := q.now().Add(-q.cfg.MaxAge)

	var expired []string
	err := q.store.Each(func(e *Entry) bool {
		if e.CreatedAt.Before(cutoff) {
			expired = append(expired, e.ID)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	for _, id := range expired {
		if err := q.store.Delete(id); err != nil {
			return 0, err
		}
	}
	if len(expired) > 0 {
		q.mu.Lock()
		q.totalPurged += int64(len(expired))
		q.mu.Unlock()
		q.logger.Info("dead letters purged", "count", len(expired), "max_age", q.cfg.MaxAge)
	}
	return len(expired), nil
}

// Stats returns a snapshot of the queue contents and counters.
func (q *Queue) Stats() (Stats, error) {
	stats := Stats{ByReason: make(map[ReasonKind]int)}
	err := q.store.Each(func(e *Entry) bool {
		stats.Entries++
		stats.ByReason[e.Reason.Kind]++
		if e.MarkedForReplay {
			stats.MarkedForReplay++
		}
		if stats.OldestEntry.IsZero() || e.CreatedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = e.CreatedAt
		}
		return true
	})
	if err != nil {
		return Stats{}, err
	}

	q.mu.Lock()
	stats.TotalAdded = q.totalAdded
	stats.TotalReplayed = q.totalReplayed
	stats.TotalPurged = q.totalPurged
	q.mu.Unlock()
	return stats, nil
}

// Start launches the periodic cleanup loop. Safe to call once;
// subsequent calls are ignored.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		if q.cfg.CleanupInterval <= 0 || q.cfg.MaxAge <= 0 {
			close(q.cleanupDone)
			return
		}
		go q.cleanupLoop(ctx)
	})
}

// Stop terminates the cleanup loop and closes the store. Idempotent.
func (q *Queue) Stop() error {
	var err error
	q.stopOnce.Do(func() {
		close(q.cleanupStop)
		q.startOnce.Do(func() { close(q.cleanupDone) }) // never started
		<-q.cleanupDone
		err = q.store.Close()
	})
	return err
}

func (q *Queue) cleanupLoop(ctx context.Context) {
	defer close(q.cleanupDone)
	ticker := time.NewTicker(q.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := q.Cleanup(); err != nil {
				q.logger.Error("dead letter cleanup failed", "error", err)
			}
			q.store.RunGC(0.5)
		case <-ctx.Done():
			return
		case <-q.cleanupStop:
			return
		}
	}
}

// String renders a short queue description for logs.
func (q *Queue) String() string {
	stats, err := q.Stats()
	if err != nil {
		return "deadletter.Queue(unavailable)"
	}
	return fmt.Sprintf("deadletter.Queue(entries=%d, marked=%d)", stats.Entries, stats.MarkedForReplay)
}
