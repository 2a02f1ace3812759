package tasks

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned by Submit when the bounded queue is full.
	ErrQueueFull = errors.New("task queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("task runner is stopped")
)

// queue is a bounded FIFO that deduplicates tasks by key. A task submitted
// while an equal key is queued replaces the queued one; submitted while it
// runs, it is queued again once the running one is done.
type queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int

	items      []Task
	processing map[string]bool
	dirty      map[string]Task

	shuttingDown bool
}

func newQueue(capacity int) *queue {
	q := &queue{
		capacity:   capacity,
		processing: make(map[string]bool),
		dirty:      make(map[string]Task),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) add(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return ErrStopped
	}

	key := t.key()
	if q.processing[key] {
		q.dirty[key] = t
		return nil
	}
	for i, existing := range q.items {
		if existing.key() == key {
			q.items[i] = t
			return nil
		}
	}
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}

	q.items = append(q.items, t)
	q.cond.Signal()
	return nil
}

// get blocks until a task is available, the queue shuts down, or ctx is done.
func (q *queue) get(ctx context.Context) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.shuttingDown {
		if ctx.Err() != nil {
			return Task{}, false
		}

		// Wake the wait below if ctx is cancelled first.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			case <-done:
			}
		}()

		q.cond.Wait()
		close(done)

		if ctx.Err() != nil {
			return Task{}, false
		}
	}

	if len(q.items) == 0 {
		return Task{}, false
	}

	t := q.items[0]
	q.items = q.items[1:]
	q.processing[t.key()] = true
	return t, true
}

func (q *queue) done(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := t.key()
	delete(q.processing, key)
	if next, ok := q.dirty[key]; ok {
		delete(q.dirty, key)
		if !q.shuttingDown {
			q.items = append(q.items, next)
			q.cond.Signal()
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// shutdown stops accepting tasks and wakes all waiters. Queued tasks are
// still handed out until the queue drains.
func (q *queue) shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shuttingDown = true
	q.cond.Broadcast()
}
