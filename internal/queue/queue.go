// Package queue holds envelopes for users that are offline until they reconnect.
package queue

import (
	"time"

	"github.com/google/uuid"
	"github.com/real-rm/dealroom/internal/message"
)

const minAllocation = 4

// Queued is one envelope waiting for its recipient
type Queued struct {
	MessageID string
	QueuedAt  time.Time
	Envelope  message.Envelope
}

// Replay returns the envelope as delivered on reconnect. The message id and
// queue time let clients drop duplicates.
func (q Queued) Replay() message.Envelope {
	env := q.Envelope.Clone()
	env.Fields[message.FieldMessageID] = q.MessageID
	env.Fields[message.FieldQueuedAt] = q.QueuedAt.Format(time.RFC3339Nano)
	return env
}

// MessageQueue is a bounded FIFO that evicts its oldest entry when full.
// Storage grows with use and only becomes a ring once capacity is reached.
//
// It is not safe for concurrent use; the connection manager guards every
// queue with its own lock.
type MessageQueue struct {
	items    []Queued
	head     int
	size     int
	capacity int
	evicted  int
	last     time.Time
	now      func() time.Time
}

// NewMessageQueue creates a queue holding at most capacity entries.
// A non-positive capacity is treated as 1.
func NewMessageQueue(capacity int) *MessageQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &MessageQueue{
		capacity: capacity,
		now:      time.Now,
	}
}

// Add appends an envelope, evicting the oldest entry at capacity. It always succeeds.
func (mq *MessageQueue) Add(env message.Envelope) bool {
	entry := Queued{
		MessageID: uuid.NewString(),
		QueuedAt:  mq.now().UTC(),
		Envelope:  env,
	}

	mq.last = entry.QueuedAt

	if mq.size == mq.capacity {
		mq.items[mq.head] = entry
		mq.head = (mq.head + 1) % mq.capacity
		mq.evicted++
		return true
	}

	// below capacity the head stays at zero, so appending keeps order
	if len(mq.items) < mq.capacity {
		mq.grow()
		mq.items = append(mq.items, entry)
		mq.size++
		return true
	}

	mq.items[(mq.head+mq.size)%mq.capacity] = entry
	mq.size++
	return true
}

// grow doubles the backing array when it is full, never past capacity
func (mq *MessageQueue) grow() {
	if len(mq.items) < cap(mq.items) {
		return
	}
	next := 2 * cap(mq.items)
	if next < minAllocation {
		next = minAllocation
	}
	if next > mq.capacity {
		next = mq.capacity
	}
	items := make([]Queued, len(mq.items), next)
	copy(items, mq.items)
	mq.items = items
}

// PendingMessages returns every entry oldest first and empties the queue
func (mq *MessageQueue) PendingMessages() []Queued {
	out := make([]Queued, mq.size)
	for i := 0; i < mq.size; i++ {
		idx := (mq.head + i) % mq.capacity
		out[i] = mq.items[idx]
	}
	mq.items = nil
	mq.head = 0
	mq.size = 0
	return out
}

// Len returns the number of queued entries
func (mq *MessageQueue) Len() int {
	return mq.size
}

// LastQueuedAt returns when the newest entry was added, zero for a fresh queue
func (mq *MessageQueue) LastQueuedAt() time.Time {
	return mq.last
}

// Allocated returns the number of entry slots currently held in memory
func (mq *MessageQueue) Allocated() int {
	return cap(mq.items)
}

// Capacity returns the maximum number of entries
func (mq *MessageQueue) Capacity() int {
	return mq.capacity
}

// Evicted returns how many entries overflow has discarded over the queue's life
func (mq *MessageQueue) Evicted() int {
	return mq.evicted
}
