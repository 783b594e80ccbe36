// =============================================================================
// OFFSET TRACKER - WAITING FOR COMMITTED POSITIONS
// =============================================================================
//
// WHAT IS IT?
// The tracker remembers the highest committed offset per
// (topic, partition, consumer group) and lets callers block until a given
// offset is committed. A publisher and a co-located subscriber use it for
// read-your-own-writes without polling the backend:
//
//   publisher                tracker                   subscription
//   ─────────                ───────                   ────────────
//   Publish(r) ──► offset 41
//   Await(g, p, 42) ───────► waiting ...
//                                         ◄────────── commit(g, p, 42)
//                            wake ────────►
//   returns nil
//
// OFFSET SEMANTICS:
// As everywhere in this module the committed offset is the NEXT offset to
// read. "Record at offset 41 is processed" means committed >= 42.
//
// BACKGROUND REFRESH:
// Subscriptions in this process call Update directly after each commit.
// Commits made by other processes are picked up by a periodic refresh from
// the backend's offset store for every watched group. A group whose refresh
// fails is skipped with exponential backoff so one bad group does not slow
// the others.
//
// =============================================================================

package offset

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"messagebus/internal/backoff"
	"messagebus/internal/metrics"
	"messagebus/pkg/messaging"
)

var (
	// ErrTrackerStopped is returned by Await once the tracker is stopped.
	ErrTrackerStopped = errors.New("offset tracker stopped")
)

// Key identifies one committed position.
type Key struct {
	Topic     string
	Partition int
	Group     string
}

// Source reads committed offsets from a backend: topic -> partition -> next
// offset.
type Source interface {
	CommittedOffsets(ctx context.Context, group string) (map[string]map[int]int64, error)
}

// Config configures a Tracker.
type Config struct {
	// Source is optional. Without it the tracker only sees local updates.
	Source Source

	// Groups to refresh from Source. More can be added with Watch.
	Groups []string

	// RefreshInterval between background refreshes. Default 1s.
	RefreshInterval time.Duration

	// Backoff spaces out refreshes of a failing group. Default starts at
	// RefreshInterval and caps at 30s.
	Backoff backoff.Policy

	Logger  *slog.Logger
	Metrics *metrics.TrackerMetrics
}

type waiter struct {
	target int64
	ch     chan struct{}
}

// Tracker is safe for concurrent use.
type Tracker struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.TrackerMetrics
	failures *backoff.State[string]

	mu      sync.Mutex
	offsets map[Key]int64
	waiters map[Key][]*waiter
	groups  map[string]struct{}
	started bool
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTracker creates a tracker.
func NewTracker(cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = time.Second
	}
	policy := cfg.Backoff
	if policy == (backoff.Policy{}) {
		policy = backoff.Policy{Initial: interval, Max: 30 * time.Second, Multiplier: 2}
	}
	t := &Tracker{
		failures: backoff.NewState[string](policy),
		source:   cfg.Source,
		interval: interval,
		logger:   logger.With("component", "offset-tracker"),
		metrics:  cfg.Metrics,
		offsets:  make(map[Key]int64),
		waiters:  make(map[Key][]*waiter),
		groups:   make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
	for _, g := range cfg.Groups {
		t.groups[g] = struct{}{}
	}
	return t
}

// Start launches the background refresh. Idempotent. A stopped tracker
// cannot be restarted.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrTrackerStopped
	}
	if t.started {
		return nil
	}
	t.started = true

	if t.source != nil {
		t.wg.Add(1)
		go t.refreshLoop(ctx)
	}
	t.logger.Info("offset tracker started", "refresh_interval", t.interval)
	return nil
}

// Stop ends the refresh loop and releases every waiter with
// ErrTrackerStopped. Idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Info("offset tracker stopped")
}

// Watch adds group to the background refresh.
func (t *Tracker) Watch(group string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.groups[group] = struct{}{}
}

// Update records a committed offset. Offsets only move forward; a lower
// value than the one recorded is ignored.
func (t *Tracker) Update(key Key, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updateLocked(key, offset)
}

// UpdateRecords records the commit of a processed batch for group.
func (t *Tracker) UpdateRecords(group string, records []messaging.ConsumedRecord) {
	next := messaging.CommittedOffsets(records)
	t.mu.Lock()
	defer t.mu.Unlock()
	for tp, off := range next {
		t.updateLocked(Key{Topic: tp.Topic, Partition: tp.Partition, Group: group}, off)
	}
}

func (t *Tracker) updateLocked(key Key, offset int64) {
	if cur, ok := t.offsets[key]; ok && offset <= cur {
		return
	}
	t.offsets[key] = offset
	t.metrics.SetCommitted(key.Group, key.Topic, key.Partition, offset)

	pending := t.waiters[key]
	if len(pending) == 0 {
		return
	}
	kept := pending[:0]
	for _, w := range pending {
		if w.target <= offset {
			close(w.ch)
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		delete(t.waiters, key)
		return
	}
	t.waiters[key] = kept
}

// Committed returns the committed offset for key, if any is known.
func (t *Tracker) Committed(key Key) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	off, ok := t.offsets[key]
	return off, ok
}

// Await blocks until the committed offset for key is at least offset, ctx
// is done, or the tracker is stopped.
func (t *Tracker) Await(ctx context.Context, key Key, offset int64) error {
	start := time.Now()

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrTrackerStopped
	}
	if cur, ok := t.offsets[key]; ok && cur >= offset {
		t.mu.Unlock()
		t.metrics.RecordAwait(key.Group, "satisfied", 0)
		return nil
	}
	w := &waiter{target: offset, ch: make(chan struct{})}
	t.waiters[key] = append(t.waiters[key], w)
	t.mu.Unlock()

	select {
	case <-w.ch:
		t.metrics.RecordAwait(key.Group, "satisfied", time.Since(start).Seconds())
		return nil
	case <-ctx.Done():
		t.removeWaiter(key, w)
		t.metrics.RecordAwait(key.Group, "canceled", 0)
		return ctx.Err()
	case <-t.stopCh:
		t.metrics.RecordAwait(key.Group, "stopped", 0)
		return ErrTrackerStopped
	}
}

// AwaitPublished waits until group has committed past the record described
// by md.
func (t *Tracker) AwaitPublished(ctx context.Context, group string, md messaging.RecordMetadata) error {
	return t.Await(ctx, Key{Topic: md.Topic, Partition: md.Partition, Group: group}, md.Offset+1)
}

func (t *Tracker) removeWaiter(key Key, w *waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pending := t.waiters[key]
	for i, other := range pending {
		if other == w {
			t.waiters[key] = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(t.waiters[key]) == 0 {
		delete(t.waiters, key)
	}
}

func (t *Tracker) refreshLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.refresh(ctx)
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) refresh(ctx context.Context) {
	t.mu.Lock()
	groups := make([]string, 0, len(t.groups))
	for g := range t.groups {
		groups = append(groups, g)
	}
	t.mu.Unlock()

	for _, group := range groups {
		if !t.failures.Ready(group) {
			continue
		}
		offsets, err := t.source.CommittedOffsets(ctx, group)
		if err != nil {
			delay := t.failures.Failure(group)
			t.metrics.RecordRefresh("error")
			t.logger.Warn("offset refresh failed",
				"group", group,
				"attempt", t.failures.Attempts(group),
				"retry_in", delay,
				"error", err)
			continue
		}
		t.failures.Success(group)
		t.metrics.RecordRefresh("ok")

		t.mu.Lock()
		for topic, partitions := range offsets {
			for partition, off := range partitions {
				t.updateLocked(Key{Topic: topic, Partition: partition, Group: group}, off)
			}
		}
		t.mu.Unlock()
	}
}
