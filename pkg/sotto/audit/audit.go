// Package audit defines the append-only audit record for observability of
// privacy rejections, queue evictions, and degraded-mode transitions.
// Entries record what happened and when, never the content itself.
package audit

import (
	"sync"
	"time"
)

// Entry is a single audit record.
type Entry struct {
	// Kind names what happened (privacy_rejection, queue_eviction,
	// storage_degraded, ...).
	Kind string `json:"kind"`

	// DeviceID is the device the entry concerns, if any.
	DeviceID string `json:"device_id,omitempty"`

	// Destination is the delivery path that was attempted, if any.
	Destination string `json:"destination,omitempty"`

	// Detail is a short, content-free description.
	Detail string `json:"detail,omitempty"`

	// At is when the event happened.
	At time.Time `json:"at"`
}

// Log is the storage collaborator's audit sink.
type Log interface {
	Append(e Entry) error
}

// MemoryLog keeps entries in memory. Used in tests and as the degraded-mode
// fallback when the storage collaborator is unavailable.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryLog creates an empty in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append records an entry.
func (l *MemoryLog) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	l.entries = append(l.entries, e)
	return nil
}

// Entries returns a copy of all recorded entries.
func (l *MemoryLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
