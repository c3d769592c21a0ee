// Package offline keeps the client usable without connectivity. Mutating
// calls made while offline are queued per entity kind in a durable local
// store and replayed first-in-first-out once the network returns; read-side
// caches are refreshed on every reconciliation pass. Replay is
// at-least-once: an item leaves its queue only after the deferred server
// call succeeds.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// EntityKind partitions the pending queues. Replay order within a kind is
// FIFO; there is no cross-kind ordering guarantee.
type EntityKind string

const (
	KindJob     EntityKind = "job"
	KindMessage EntityKind = "message"
	KindReview  EntityKind = "review"
	KindBooking EntityKind = "booking"
)

// kinds is the fixed replay iteration order.
var kinds = []EntityKind{KindJob, KindMessage, KindReview, KindBooking}

// Cache and queue keys in the local KV store.
const (
	pendingKeyPrefix = "pending:"
	CacheKeyJobs     = "cache:jobs"
	CacheKeyBookings = "cache:bookings"
	CacheKeyUnread   = "cache:unread"
)

// PendingItem is one deferred write. Insertion order is replay order.
type PendingItem struct {
	Kind     EntityKind      `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	QueuedAt time.Time       `json:"queued_at"`
}

// Remote is the server API consumed by the coordinator: the deferred
// write per entity kind plus the read-side refreshes.
type Remote interface {
	CreateJob(ctx context.Context, payload json.RawMessage) error
	CreateMessage(ctx context.Context, payload json.RawMessage) error
	CreateReview(ctx context.Context, payload json.RawMessage) error
	CreateBooking(ctx context.Context, payload json.RawMessage) error

	FetchJobs(ctx context.Context) ([]json.RawMessage, error)
	FetchBookings(ctx context.Context) ([]json.RawMessage, error)
	FetchUnreadCount(ctx context.Context) (int, error)
}

// Coordinator tracks the online signal and owns the pending queues.
type Coordinator struct {
	kv     KVStore
	remote Remote

	mu      sync.Mutex
	online  bool
	syncing bool
	queues  map[EntityKind][]PendingItem
}

// NewCoordinator creates a coordinator and restores any persisted pending
// queues from the KV store. The coordinator starts offline until the
// reachability observer reports otherwise.
func NewCoordinator(kv KVStore, remote Remote) (*Coordinator, error) {
	c := &Coordinator{
		kv:     kv,
		remote: remote,
		queues: make(map[EntityKind][]PendingItem),
	}
	for _, kind := range kinds {
		raw, ok, err := kv.Get(pendingKeyPrefix + string(kind))
		if err != nil {
			return nil, fmt.Errorf("offline: restore %s queue: %w", kind, err)
		}
		if !ok {
			continue
		}
		var items []PendingItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("offline: decode %s queue: %w", kind, err)
		}
		c.queues[kind] = items
	}
	return c, nil
}

// SetOnline feeds the network-reachability signal. It only records the
// state; callers decide when to run SyncData.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
}

// IsOffline reports the inverse of the last reachability signal.
func (c *Coordinator) IsOffline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.online
}

// CacheJob writes a job: immediately when online, queued when offline.
func (c *Coordinator) CacheJob(ctx context.Context, payload json.RawMessage) error {
	return c.write(ctx, KindJob, payload, c.remote.CreateJob)
}

// CacheMessage writes a message: immediately when online, queued when
// offline.
func (c *Coordinator) CacheMessage(ctx context.Context, payload json.RawMessage) error {
	return c.write(ctx, KindMessage, payload, c.remote.CreateMessage)
}

// CacheReview writes a review: immediately when online, queued when
// offline.
func (c *Coordinator) CacheReview(ctx context.Context, payload json.RawMessage) error {
	return c.write(ctx, KindReview, payload, c.remote.CreateReview)
}

// CacheBooking writes a booking: immediately when online, queued when
// offline.
func (c *Coordinator) CacheBooking(ctx context.Context, payload json.RawMessage) error {
	return c.write(ctx, KindBooking, payload, c.remote.CreateBooking)
}

// write performs the online/offline split for one mutating call. Offline
// enqueues are reported as success to the caller: the UI treats the write
// as optimistically applied.
func (c *Coordinator) write(ctx context.Context, kind EntityKind, payload json.RawMessage, call func(context.Context, json.RawMessage) error) error {
	c.mu.Lock()
	online := c.online
	c.mu.Unlock()

	if online {
		if err := call(ctx, payload); err != nil {
			return fmt.Errorf("offline: %s write: %w", kind, err)
		}
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[kind] = append(c.queues[kind], PendingItem{
		Kind:     kind,
		Payload:  payload,
		QueuedAt: time.Now(),
	})
	if err := c.persistQueueLocked(kind); err != nil {
		return err
	}
	log.Printf("[offline] queued %s write (%d pending)", kind, len(c.queues[kind]))
	return nil
}

// SyncData runs one reconciliation pass: replay every pending queue in
// FIFO order, then refresh the read-side caches. It is a no-op when
// offline or when a pass is already running. Replay is at-least-once; a
// failed item stays queued (and blocks later items of its kind, preserving
// order) until a later pass.
func (c *Coordinator) SyncData(ctx context.Context) error {
	c.mu.Lock()
	if !c.online || c.syncing {
		c.mu.Unlock()
		return nil
	}
	c.syncing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.syncing = false
		c.mu.Unlock()
	}()

	for _, kind := range kinds {
		if err := c.replayQueue(ctx, kind); err != nil {
			log.Printf("[offline] %s replay stopped: %v", kind, err)
		}
	}

	// Read-side refresh happens regardless of replay outcome.
	c.refreshCaches(ctx)
	return nil
}

// replayQueue replays one kind's queue in order, removing each item only
// after its deferred call succeeds.
func (c *Coordinator) replayQueue(ctx context.Context, kind EntityKind) error {
	call := map[EntityKind]func(context.Context, json.RawMessage) error{
		KindJob:     c.remote.CreateJob,
		KindMessage: c.remote.CreateMessage,
		KindReview:  c.remote.CreateReview,
		KindBooking: c.remote.CreateBooking,
	}[kind]

	for {
		c.mu.Lock()
		queue := c.queues[kind]
		if len(queue) == 0 {
			c.mu.Unlock()
			return nil
		}
		item := queue[0]
		c.mu.Unlock()

		if err := call(ctx, item.Payload); err != nil {
			return fmt.Errorf("offline: replay %s item: %w", kind, err)
		}

		c.mu.Lock()
		c.queues[kind] = c.queues[kind][1:]
		err := c.persistQueueLocked(kind)
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// refreshCaches pulls fresh read-side snapshots. Individual failures are
// logged and leave the previous cache entry marked stale.
func (c *Coordinator) refreshCaches(ctx context.Context) {
	if jobs, err := c.remote.FetchJobs(ctx); err != nil {
		log.Printf("[offline] jobs refresh failed: %v", err)
		c.markStale(CacheKeyJobs)
	} else if err := SaveCache(c.kv, CacheKeyJobs, NewCacheEntry(jobs)); err != nil {
		log.Printf("[offline] jobs cache write failed: %v", err)
	}

	if bookings, err := c.remote.FetchBookings(ctx); err != nil {
		log.Printf("[offline] bookings refresh failed: %v", err)
		c.markStale(CacheKeyBookings)
	} else if err := SaveCache(c.kv, CacheKeyBookings, NewCacheEntry(bookings)); err != nil {
		log.Printf("[offline] bookings cache write failed: %v", err)
	}

	if unread, err := c.remote.FetchUnreadCount(ctx); err != nil {
		log.Printf("[offline] unread refresh failed: %v", err)
		c.markStale(CacheKeyUnread)
	} else if err := SaveCache(c.kv, CacheKeyUnread, NewCacheEntry(unread)); err != nil {
		log.Printf("[offline] unread cache write failed: %v", err)
	}
}

func (c *Coordinator) markStale(key string) {
	if err := MarkStale[json.RawMessage](c.kv, key); err != nil {
		log.Printf("[offline] mark stale %s failed: %v", key, err)
	}
}

// GetPendingSyncCount sums all per-kind queue lengths for UI badges.
func (c *Coordinator) GetPendingSyncCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, queue := range c.queues {
		total += len(queue)
	}
	return total
}

// ClearCache removes all cache entries and pending queues from the local
// store. Explicit user-initiated reset only, never called automatically.
func (c *Coordinator) ClearCache() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range []string{CacheKeyJobs, CacheKeyBookings, CacheKeyUnread} {
		if err := c.kv.Remove(key); err != nil {
			return fmt.Errorf("offline: clear cache %s: %w", key, err)
		}
	}
	for _, kind := range kinds {
		if err := c.kv.Remove(pendingKeyPrefix + string(kind)); err != nil {
			return fmt.Errorf("offline: clear %s queue: %w", kind, err)
		}
	}
	c.queues = make(map[EntityKind][]PendingItem)
	return nil
}

// persistQueueLocked writes one kind's queue to the KV store. Caller holds
// c.mu.
func (c *Coordinator) persistQueueLocked(kind EntityKind) error {
	key := pendingKeyPrefix + string(kind)
	queue := c.queues[kind]
	if len(queue) == 0 {
		if err := c.kv.Remove(key); err != nil {
			return fmt.Errorf("offline: remove %s queue: %w", kind, err)
		}
		return nil
	}
	raw, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("offline: encode %s queue: %w", kind, err)
	}
	if err := c.kv.Set(key, raw); err != nil {
		return fmt.Errorf("offline: persist %s queue: %w", kind, err)
	}
	return nil
}
