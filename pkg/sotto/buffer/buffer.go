// Package buffer implements the per-device offline buffer and replay
// coordinator: an append-only ordered store of undeliverable outbound items
// plus audio references awaiting upstream processing. Enqueue is idempotent,
// capacity overflow evicts oldest-first with an audit record (the only
// data-loss path), and replay preserves stored order while re-running the
// privacy gate before each delivery.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sottolabs/sotto/pkg/sotto/audit"
	"github.com/sottolabs/sotto/pkg/sotto/delivery"
	"github.com/sottolabs/sotto/pkg/sotto/privacy"
)

// ErrQueueOverflow signals that the capacity bound forced eviction. It is a
// device-health signal, not a hard failure: the enqueue itself succeeded.
var ErrQueueOverflow = errors.New("outbound queue overflow, oldest entries evicted")

// Entry is one buffered outbound item. Entries are ordered by a strict total
// order: scheduled time, then priority, then insertion sequence, so replay
// is deterministic across a disconnect/reconnect cycle.
type Entry struct {
	Item       *delivery.Item `json:"item"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Seq        uint64         `json:"seq"`
}

// AudioRef points at captured audio awaiting upstream processing while the
// transcription collaborator was unreachable.
type AudioRef struct {
	DeviceID   string    `json:"device_id"`
	Path       string    `json:"path"`
	CapturedAt time.Time `json:"captured_at"`
}

// Storage is the persistence collaborator for queue entries. All calls are
// best-effort: a failing store flips the coordinator into degraded mode and
// buffering continues in memory.
type Storage interface {
	SaveQueueEntry(deviceID string, e *Entry) error
	DeleteQueueEntry(deviceID, itemID string, scheduledAt time.Time) error
	LoadQueue(deviceID string) ([]*Entry, error)
}

// Config bounds the buffer.
type Config struct {
	// Capacity is the per-device entry bound. Past it, oldest-first
	// eviction applies and is audited.
	Capacity int `yaml:"capacity"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Capacity: 1000}
}

// Coordinator is the offline buffer. Safe for concurrent use.
type Coordinator struct {
	cfg      Config
	storage  Storage
	auditLog audit.Log
	logger   *slog.Logger

	mu        sync.Mutex
	queues    map[string][]*Entry
	audioRefs map[string][]AudioRef
	seq       uint64

	degraded atomic.Bool
}

// NewCoordinator creates an offline buffer. Storage may be nil (memory only).
func NewCoordinator(cfg Config, storage Storage, auditLog audit.Log, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	return &Coordinator{
		cfg:       cfg,
		storage:   storage,
		auditLog:  auditLog,
		logger:    logger.With("component", "buffer"),
		queues:    make(map[string][]*Entry),
		audioRefs: make(map[string][]AudioRef),
	}
}

// Enqueue buffers an item for a device. Idempotent per (item ID, scheduled
// time): re-enqueuing the same logical item updates the stored payload
// without duplicating or reordering it. Returns ErrQueueOverflow when the
// capacity bound forced eviction of older entries.
func (c *Coordinator) Enqueue(item *delivery.Item) error {
	if item == nil {
		return fmt.Errorf("enqueue: nil item")
	}

	c.mu.Lock()
	queue := c.queues[item.DeviceID]

	// Idempotent update path.
	for _, e := range queue {
		if e.Item.ID == item.ID && e.Item.ScheduledAt.Equal(item.ScheduledAt) {
			e.Item = item
			c.mu.Unlock()
			c.persistEntry(item.DeviceID, &Entry{Item: item, EnqueuedAt: e.EnqueuedAt, Seq: e.Seq})
			return nil
		}
	}

	c.seq++
	entry := &Entry{Item: item, EnqueuedAt: time.Now(), Seq: c.seq}
	queue = append(queue, entry)
	sortEntries(queue)

	var evicted []*Entry
	for len(queue) > c.cfg.Capacity {
		evicted = append(evicted, queue[0])
		queue = queue[1:]
	}
	c.queues[item.DeviceID] = queue
	size := len(queue)
	c.mu.Unlock()

	c.persistEntry(item.DeviceID, entry)

	if len(evicted) > 0 {
		for _, e := range evicted {
			c.removePersisted(item.DeviceID, e)
			if c.auditLog != nil {
				_ = c.auditLog.Append(audit.Entry{
					Kind:        "queue_eviction",
					DeviceID:    item.DeviceID,
					Destination: string(privacy.DestinationProactive),
					Detail:      string(e.Item.Kind),
					At:          time.Now(),
				})
			}
		}
		c.logger.Warn("queue overflow, oldest entries evicted",
			"device", item.DeviceID,
			"evicted", len(evicted),
			"capacity", c.cfg.Capacity,
		)
		return fmt.Errorf("%w: device %s dropped %d", ErrQueueOverflow, item.DeviceID, len(evicted))
	}

	c.logger.Debug("item buffered",
		"device", item.DeviceID,
		"kind", item.Kind,
		"queue_size", size,
	)
	return nil
}

// Len reports the queue depth for a device.
func (c *Coordinator) Len(deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[deviceID])
}

// Snapshot returns the buffered entries for a device in stored order.
func (c *Coordinator) Snapshot(deviceID string) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.queues[deviceID]
	out := make([]*Entry, len(queue))
	copy(out, queue)
	return out
}

// Replay drains a device's queue strictly in stored order on reconnect.
// Each item re-runs the privacy gate before delivery: content admitted hours
// earlier must still pass, since the classification policy may have changed.
// Items are removed only after the deliverer acknowledges; on a delivery
// failure the remaining entries stay buffered in order. The flush is atomic
// with respect to new enqueues: items enqueued mid-replay are picked up by
// the same drain loop, never dropped or duplicated.
func (c *Coordinator) Replay(ctx context.Context, deviceID string, gate *privacy.Gate, deliver func(ctx context.Context, items []*delivery.Item) error) (int, error) {
	delivered := 0

	for {
		c.mu.Lock()
		queue := c.queues[deviceID]
		if len(queue) == 0 {
			c.mu.Unlock()
			return delivered, nil
		}
		entry := queue[0]
		c.mu.Unlock()

		if gate != nil {
			if err := gate.Admit(entry.Item, privacy.DestinationProactive); err != nil {
				// Redirected to the reactive store by the gate; drop
				// from the proactive queue and continue the replay.
				c.dequeue(deviceID, entry)
				c.logger.Info("buffered item no longer admissible, redirected",
					"device", deviceID, "kind", entry.Item.Kind)
				continue
			}
		}

		if err := deliver(ctx, []*delivery.Item{entry.Item}); err != nil {
			return delivered, fmt.Errorf("replay stopped at item %s: %w", entry.Item.ID, err)
		}

		now := time.Now()
		entry.Item.DeliveredAt = &now
		c.dequeue(deviceID, entry)
		delivered++
	}
}

// AddAudioRef records captured audio awaiting upstream processing.
func (c *Coordinator) AddAudioRef(ref AudioRef) {
	c.mu.Lock()
	c.audioRefs[ref.DeviceID] = append(c.audioRefs[ref.DeviceID], ref)
	c.mu.Unlock()
}

// DrainAudioRefs hands all pending audio references for a device to the
// transcription collaborator and clears them.
func (c *Coordinator) DrainAudioRefs(deviceID string) []AudioRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := c.audioRefs[deviceID]
	delete(c.audioRefs, deviceID)
	return refs
}

// Degraded reports whether the storage collaborator has been failing and
// the buffer is running memory-only.
func (c *Coordinator) Degraded() bool {
	return c.degraded.Load()
}

// Restore loads persisted queue entries for a device. Called on startup.
func (c *Coordinator) Restore(deviceID string) error {
	if c.storage == nil {
		return nil
	}
	entries, err := c.storage.LoadQueue(deviceID)
	if err != nil {
		c.markDegraded(err)
		return fmt.Errorf("restoring queue for %s: %w", deviceID, err)
	}
	sortEntries(entries)
	c.mu.Lock()
	c.queues[deviceID] = entries
	for _, e := range entries {
		if e.Seq > c.seq {
			c.seq = e.Seq
		}
	}
	c.mu.Unlock()
	return nil
}

// dequeue removes one entry from the front region of a device queue.
func (c *Coordinator) dequeue(deviceID string, entry *Entry) {
	c.mu.Lock()
	queue := c.queues[deviceID]
	for i, e := range queue {
		if e == entry {
			c.queues[deviceID] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.removePersisted(deviceID, entry)
}

func (c *Coordinator) persistEntry(deviceID string, e *Entry) {
	if c.storage == nil {
		return
	}
	if err := c.storage.SaveQueueEntry(deviceID, e); err != nil {
		c.markDegraded(err)
	}
}

func (c *Coordinator) removePersisted(deviceID string, e *Entry) {
	if c.storage == nil {
		return
	}
	if err := c.storage.DeleteQueueEntry(deviceID, e.Item.ID, e.Item.ScheduledAt); err != nil {
		c.markDegraded(err)
	}
}

// markDegraded flips the degraded flag once and audits the transition.
func (c *Coordinator) markDegraded(err error) {
	if c.degraded.Swap(true) {
		return
	}
	c.logger.Error("storage unavailable, buffering in memory only", "error", err)
	if c.auditLog != nil {
		_ = c.auditLog.Append(audit.Entry{
			Kind:   "storage_degraded",
			Detail: "queue persistence failing, memory-only buffering",
			At:     time.Now(),
		})
	}
}

// sortEntries applies the strict total order: scheduled time, then priority
// (lower number first), then insertion sequence.
func sortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Item.ScheduledAt.Equal(b.Item.ScheduledAt) {
			return a.Item.ScheduledAt.Before(b.Item.ScheduledAt)
		}
		if a.Item.Priority != b.Item.Priority {
			return a.Item.Priority < b.Item.Priority
		}
		return a.Seq < b.Seq
	})
}
