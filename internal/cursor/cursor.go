// Package cursor tracks the last processed sequence number per topic.
//
// The transport delivers each topic's messages in sequence order but at least
// once. The cursor is the gate that turns that feed into at-most-once
// processing within a process lifetime: a message is admitted only when its
// sequence number is strictly greater than the last one admitted for its
// topic. Callers must present messages in non-decreasing sequence order per
// topic; the cursor neither sorts nor buffers.
package cursor

import "sync"

// Cursor maps topic id to the last admitted sequence number.
//
// Thread-safety: all methods are safe for concurrent use. A single poll loop
// per topic is still required for ordering; the mutex only keeps the
// gate-and-advance step atomic.
type Cursor struct {
	mu   sync.Mutex
	last map[string]int64
}

// New creates an empty cursor. Every topic starts at zero, so the first
// admitted sequence number is 1.
func New() *Cursor {
	return &Cursor{last: make(map[string]int64)}
}

// NewFrom restores a cursor from a persisted snapshot.
func NewFrom(snapshot map[string]int64) *Cursor {
	c := New()
	for topic, seq := range snapshot {
		c.last[topic] = seq
	}
	return c
}

// ShouldProcess reports whether seq is new for topicID and, when it is,
// advances the cursor to seq.
func (c *Cursor) ShouldProcess(topicID string, seq int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq <= c.last[topicID] {
		return false
	}
	c.last[topicID] = seq
	return true
}

// Position returns the last admitted sequence number for topicID (0 if none).
func (c *Cursor) Position(topicID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[topicID]
}

// Snapshot returns a copy of every topic position.
func (c *Cursor) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.last))
	for topic, seq := range c.last {
		out[topic] = seq
	}
	return out
}
