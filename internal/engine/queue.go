package engine

import "sync"

// taskQueue is the process-wide unbounded FIFO event queue. Enqueue never
// blocks; Dequeue parks the calling worker on a condition variable until a
// task arrives or the queue closes.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*task
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a task. Returns false once the queue is closed.
func (q *taskQueue) Enqueue(t *task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, t)
	q.cond.Signal()
	return true
}

// Dequeue removes the oldest task, blocking while the queue is empty. The
// second result is false when the queue is closed and drained.
func (q *taskQueue) Dequeue() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

// Len returns the current queue depth.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue. With drain, queued tasks are still handed out before
// workers exit; without, they are dropped.
func (q *taskQueue) Close(drain bool) []*task {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	var dropped []*task
	if !drain {
		dropped = q.items
		q.items = nil
	}
	q.cond.Broadcast()
	return dropped
}
