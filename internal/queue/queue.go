// Package queue is the durable holding area for user messages that could not
// be sent because connectivity was lost. Replay is the owner's job: on
// recovery the caller re-submits Pending items in order and calls Dequeue
// only after a confirmed send, so a crash in between leaves the item queued
// (at-least-once delivery).
package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chatbridge/internal/store"
)

// Entry is a parked user message plus its retry metadata.
type Entry struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is a bounded, age-limited offline queue for one chat instance.
// Oldest entries are dropped on overflow; entries past MaxAge are dropped
// lazily on the next read, never eagerly swept.
type Queue struct {
	kv       store.KV
	instance string
	capacity int
	maxAge   time.Duration
	logger   *slog.Logger

	mu  sync.Mutex
	seq uint64

	// Overridable for tests.
	now func() time.Time
}

// New creates a queue. capacity <= 0 means unbounded; maxAge <= 0 means
// entries never expire.
func New(kv store.KV, instance string, capacity int, maxAge time.Duration, logger *slog.Logger) *Queue {
	return &Queue{
		kv:       kv,
		instance: instance,
		capacity: capacity,
		maxAge:   maxAge,
		logger:   logger,
		now:      time.Now,
	}
}

func (q *Queue) prefix() []byte {
	return []byte("queue:" + q.instance + ":")
}

// Enqueue parks a user message and returns its queue entry id.
// Keys carry a padded nanosecond timestamp plus a sequence counter so a
// prefix scan yields entries in enqueue order.
func (q *Queue) Enqueue(text string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := Entry{
		ID:         uuid.New().String(),
		Text:       text,
		EnqueuedAt: q.now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal queue entry: %w", err)
	}

	s := atomic.AddUint64(&q.seq, 1)
	key := fmt.Sprintf("%s%020d-%06d", q.prefix(), entry.EnqueuedAt.UTC().UnixNano(), s)
	if err := q.kv.Set([]byte(key), data); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Debug("message parked offline", "instance", q.instance, "entry_id", entry.ID)

	q.evictOverflowLocked()
	return entry.ID, nil
}

// Dequeue removes the entry with the given id. Missing entries are a no-op:
// a replayed duplicate may already have been removed.
func (q *Queue) Dequeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var target []byte
	err := q.kv.Scan(q.prefix(), func(key, value []byte) (bool, error) {
		var e Entry
		if json.Unmarshal(value, &e) == nil && e.ID == id {
			target = key
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("dequeue scan: %w", err)
	}
	if target == nil {
		return nil
	}
	return q.kv.Delete(target)
}

// Pending returns live entries in enqueue order, lazily dropping any past
// the age horizon.
func (q *Queue) Pending() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

func (q *Queue) pendingLocked() ([]Entry, error) {
	var entries []Entry
	var expired [][]byte
	cutoff := time.Time{}
	if q.maxAge > 0 {
		cutoff = q.now().Add(-q.maxAge)
	}

	err := q.kv.Scan(q.prefix(), func(key, value []byte) (bool, error) {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			// Unreadable entry: drop it rather than wedge the queue.
			expired = append(expired, key)
			return true, nil
		}
		if !cutoff.IsZero() && e.EnqueuedAt.Before(cutoff) {
			expired = append(expired, key)
			return true, nil
		}
		entries = append(entries, e)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pending scan: %w", err)
	}

	for _, key := range expired {
		if err := q.kv.Delete(key); err != nil {
			q.logger.Warn("failed to drop expired queue entry", "error", err)
		}
	}
	if len(expired) > 0 {
		q.logger.Debug("dropped aged-out queue entries", "instance", q.instance, "count", len(expired))
	}
	return entries, nil
}

// Size returns the number of live entries.
func (q *Queue) Size() (int, error) {
	entries, err := q.Pending()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// IncrementAttempts records a failed replay attempt for the entry.
func (q *Queue) IncrementAttempts(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.kv.Scan(q.prefix(), func(key, value []byte) (bool, error) {
		var e Entry
		if json.Unmarshal(value, &e) != nil || e.ID != id {
			return true, nil
		}
		e.Attempts++
		data, err := json.Marshal(e)
		if err != nil {
			return false, err
		}
		return false, q.kv.Set(key, data)
	})
}

// evictOverflowLocked drops oldest entries beyond capacity.
func (q *Queue) evictOverflowLocked() {
	if q.capacity <= 0 {
		return
	}

	var keys [][]byte
	if err := q.kv.Scan(q.prefix(), func(key, _ []byte) (bool, error) {
		keys = append(keys, key)
		return true, nil
	}); err != nil {
		q.logger.Warn("overflow scan failed", "error", err)
		return
	}

	for i := 0; i < len(keys)-q.capacity; i++ {
		if err := q.kv.Delete(keys[i]); err != nil {
			q.logger.Warn("failed to evict oldest queue entry", "error", err)
		}
	}
	if len(keys) > q.capacity {
		q.logger.Debug("queue overflow, oldest entries dropped",
			"instance", q.instance,
			"dropped", len(keys)-q.capacity,
		)
	}
}
