package internal

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// wakeNode is a single linked-list node of the wake queue.
type wakeNode struct {
	value uint64
	next  atomic.Pointer[wakeNode]
}

// WakeQueue is a lock-free multi-producer single-consumer queue carrying
// task ids from arbitrary goroutines (the mutation path, timers) to the
// executor loop. Producers append with CAS; a single consumer goroutine
// forwards values to a channel so the executor can select on it.
//
// Thread-safety: Push may be called concurrently; Recv must only be
// consumed by one goroutine.
type WakeQueue struct {
	head atomic.Pointer[wakeNode]
	tail atomic.Pointer[wakeNode]

	out    chan uint64
	quit   chan struct{}
	mu     sync.Mutex
	cond   *sync.Cond
	closed atomic.Bool
	done   sync.WaitGroup
}

// NewWakeQueue creates a queue and starts its consumer goroutine.
func NewWakeQueue() *WakeQueue {
	q := &WakeQueue{
		out:  make(chan uint64, 64),
		quit: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	sentinel := &wakeNode{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.done.Add(1)
	go q.consume()

	return q
}

// Push appends a task id. Returns false if the queue is closed.
func (q *WakeQueue) Push(id uint64) bool {
	if q.closed.Load() {
		return false
	}

	newNode := &wakeNode{value: id}

	var backoff uint8
	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// CAS on tail may fail if another producer already helped;
				// the tail still converges.
				q.tail.CompareAndSwap(tailNode, newNode)
				q.cond.Signal()
				return true
			}
		} else {
			// help a stalled producer move the tail forward
			q.tail.CompareAndSwap(tailNode, next)
		}

		// exponential backoff under contention, then yield
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// consume forwards queued ids to the output channel and frees nodes.
func (q *WakeQueue) consume() {
	defer q.done.Done()
	defer close(q.out)

	for {
		forwarded := false
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			forwarded = true
			q.head.Store(next)
			// never park on a full channel forever: a receiver that has
			// stopped draining (manual executors) must not pin this
			// goroutine past Close
			select {
			case q.out <- next.value:
			case <-q.quit:
				return
			}
		}

		if !forwarded && q.closed.Load() {
			return
		}
		if !forwarded {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the receive side for use in select statements.
func (q *WakeQueue) Recv() <-chan uint64 {
	return q.out
}

// Close stops the queue and waits for the consumer goroutine to exit.
// Ids already buffered on the channel remain receivable; undelivered ids
// are dropped.
func (q *WakeQueue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.quit)
	}
	q.cond.Signal()
	q.done.Wait()
}
