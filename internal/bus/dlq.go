package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/basket/media-orchestrator/internal/clock"
)

// DeadLetterEntry is one failed or dropped message retained for inspection
// and manual retry (spec §4.7).
type DeadLetterEntry struct {
	ID       string
	Topic    string
	Payload  json.RawMessage
	Metadata Metadata
	Reason   string
	FailedAt time.Time
}

// DeadLetterQueue is a bounded ring buffer of DeadLetterEntry. When full, the
// oldest entry is evicted to make room for a new one.
type DeadLetterQueue struct {
	mu       sync.Mutex
	clock    clock.Source
	capacity int
	entries  []DeadLetterEntry
}

// NewDeadLetterQueue builds a queue holding at most capacity entries.
func NewDeadLetterQueue(capacity int, src clock.Source) *DeadLetterQueue {
	if capacity <= 0 {
		capacity = 500
	}
	if src == nil {
		src = clock.NewReal()
	}
	return &DeadLetterQueue{clock: src, capacity: capacity}
}

// Add appends an entry, evicting the oldest if the queue is at capacity.
func (q *DeadLetterQueue) Add(msg Message, reason string) DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := DeadLetterEntry{
		ID:       msg.ID,
		Topic:    msg.Topic,
		Payload:  msg.Payload,
		Metadata: msg.Metadata,
		Reason:   reason,
		FailedAt: q.clock.Now(),
	}
	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
	return entry
}

// List returns a snapshot of every entry currently held, oldest first.
func (q *DeadLetterQueue) List() []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetterEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Retry removes the named entry and redelivers it via deliver. On delivery
// failure the entry is re-added to the queue with reason "retry_failed".
func (q *DeadLetterQueue) Retry(ctx context.Context, id string, deliver func(context.Context, DeadLetterEntry) error) error {
	q.mu.Lock()
	idx := -1
	for i, e := range q.entries {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		q.mu.Unlock()
		return fmt.Errorf("bus: dead letter entry %q not found", id)
	}
	entry := q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	q.mu.Unlock()

	if err := deliver(ctx, entry); err != nil {
		q.Add(Message{ID: entry.ID, Topic: entry.Topic, Payload: entry.Payload, Metadata: entry.Metadata}, "retry_failed")
		return err
	}
	return nil
}

// Clear removes every entry.
func (q *DeadLetterQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

// Len reports how many entries are currently held.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
