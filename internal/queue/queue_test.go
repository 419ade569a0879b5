package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/real-rm/dealroom/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numbered(i int) message.Envelope {
	return message.New(message.TypeNotification, map[string]interface{}{"n": i})
}

func TestMessageQueue_DropOldest(t *testing.T) {
	mq := NewMessageQueue(3)
	for i := 1; i <= 5; i++ {
		assert.True(t, mq.Add(numbered(i)))
	}

	assert.Equal(t, 3, mq.Len())
	assert.Equal(t, 2, mq.Evicted())

	pending := mq.PendingMessages()
	require.Len(t, pending, 3)
	assert.Equal(t, 3, pending[0].Envelope.Fields["n"])
	assert.Equal(t, 4, pending[1].Envelope.Fields["n"])
	assert.Equal(t, 5, pending[2].Envelope.Fields["n"])
}

func TestMessageQueue_DrainOnce(t *testing.T) {
	mq := NewMessageQueue(10)
	mq.Add(numbered(1))
	mq.Add(numbered(2))

	assert.Len(t, mq.PendingMessages(), 2)
	assert.Empty(t, mq.PendingMessages())
	assert.Equal(t, 0, mq.Len())

	// the queue is reusable after draining
	mq.Add(numbered(3))
	pending := mq.PendingMessages()
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].Envelope.Fields["n"])
}

func TestMessageQueue_EntriesCarryIDAndTime(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	mq := NewMessageQueue(5)
	mq.now = func() time.Time { return fixed }

	mq.Add(numbered(1))
	mq.Add(numbered(2))
	pending := mq.PendingMessages()

	_, err := uuid.Parse(pending[0].MessageID)
	require.NoError(t, err)
	assert.NotEqual(t, pending[0].MessageID, pending[1].MessageID)
	assert.True(t, pending[0].QueuedAt.Equal(fixed))

	replay := pending[0].Replay()
	assert.Equal(t, pending[0].MessageID, replay.String(message.FieldMessageID))
	assert.Equal(t, "2024-05-01T09:30:00Z", replay.String(message.FieldQueuedAt))
	assert.NotContains(t, pending[0].Envelope.Fields, message.FieldMessageID)
}

func TestMessageQueue_GrowsWithUse(t *testing.T) {
	mq := NewMessageQueue(100)
	assert.Equal(t, 0, mq.Allocated())
	assert.True(t, mq.LastQueuedAt().IsZero())

	mq.Add(numbered(1))
	assert.Equal(t, minAllocation, mq.Allocated())
	assert.False(t, mq.LastQueuedAt().IsZero())

	for i := 2; i <= 150; i++ {
		mq.Add(numbered(i))
	}
	assert.Equal(t, 100, mq.Allocated(), "storage never exceeds capacity")
	assert.Equal(t, 50, mq.Evicted())

	pending := mq.PendingMessages()
	require.Len(t, pending, 100)
	assert.Equal(t, 51, pending[0].Envelope.Fields["n"])
	assert.Equal(t, 150, pending[99].Envelope.Fields["n"])
	assert.Equal(t, 0, mq.Allocated(), "draining releases storage")
}

func TestMessageQueue_ZeroCapacity(t *testing.T) {
	mq := NewMessageQueue(0)
	assert.Equal(t, 1, mq.Capacity())
	mq.Add(numbered(1))
	mq.Add(numbered(2))
	pending := mq.PendingMessages()
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Envelope.Fields["n"])
}

func TestProperty_QueueKeepsNewestInOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("length is min(k, N) and content is the last min(k, N) in order", prop.ForAll(
		func(capacity int, k int) bool {
			mq := NewMessageQueue(capacity)
			for i := 0; i < k; i++ {
				mq.Add(numbered(i))
				if mq.Len() > capacity {
					return false
				}
			}

			want := k
			if want > capacity {
				want = capacity
			}
			pending := mq.PendingMessages()
			if len(pending) != want {
				return false
			}
			for i, q := range pending {
				if q.Envelope.Fields["n"] != k-want+i {
					return false
				}
			}
			return mq.Len() == 0 && mq.Evicted() == k-want
		},
		gen.IntRange(1, 50),
		gen.IntRange(0, 200),
	))

	properties.Property("interleaved drains never lose or reorder entries", prop.ForAll(
		func(ops []bool) bool {
			mq := NewMessageQueue(1000)
			next, expect := 0, 0
			for _, add := range ops {
				if add {
					mq.Add(numbered(next))
					next++
					continue
				}
				for _, q := range mq.PendingMessages() {
					if q.Envelope.Fields["n"] != expect {
						return false
					}
					expect++
				}
			}
			for _, q := range mq.PendingMessages() {
				if q.Envelope.Fields["n"] != expect {
					return false
				}
				expect++
			}
			return expect == next
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
