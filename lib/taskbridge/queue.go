package taskbridge

import "sync"

// queue is an unbounded FIFO with a single consumer. push never blocks, so a
// task may submit follow-up work without risking a full-channel deadlock.
type queue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	// signal has capacity 1 and is poked on every push and on close.
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()
	q.poke()
	return true
}

// pop returns the oldest item. When the queue is empty it reports whether it
// has been closed; remaining items are still handed out after close.
func (q *queue) pop() (fn func(), ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		fn = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		return fn, true, false
	}
	return nil, false, q.closed
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.poke()
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *queue) poke() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
