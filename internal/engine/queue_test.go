package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueFIFO(t *testing.T) {
	q := newTaskQueue()
	for i := 0; i < 5; i++ {
		require.True(t, q.Enqueue(&task{jobID: string(rune('a' + i))}))
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		item, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, string(rune('a'+i)), item.jobID)
	}
	assert.Equal(t, 0, q.Len())
}

func TestTaskQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := newTaskQueue()
	got := make(chan string, 1)
	go func() {
		item, ok := q.Dequeue()
		if ok {
			got <- item.jobID
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, q.Enqueue(&task{jobID: "late"}))

	select {
	case id := <-got:
		assert.Equal(t, "late", id)
	case <-time.After(time.Second):
		t.Fatal("dequeue never woke up")
	}
}

func TestTaskQueueCloseDrain(t *testing.T) {
	q := newTaskQueue()
	q.Enqueue(&task{jobID: "a"})
	q.Enqueue(&task{jobID: "b"})

	dropped := q.Close(true)
	assert.Empty(t, dropped)
	assert.False(t, q.Enqueue(&task{jobID: "c"}))

	// Queued tasks are still handed out after a draining close.
	item, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "a", item.jobID)
	item, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "b", item.jobID)

	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestTaskQueueCloseDrop(t *testing.T) {
	q := newTaskQueue()
	q.Enqueue(&task{jobID: "a"})
	q.Enqueue(&task{jobID: "b"})

	dropped := q.Close(false)
	assert.Len(t, dropped, 2)

	_, ok := q.Dequeue()
	assert.False(t, ok)
}
