package internal

import (
	"sync"
	"testing"
)

// TestWakeQueueDeliversInOrder tests that pushed ids come out of Recv in
// push order
func TestWakeQueueDeliversInOrder(t *testing.T) {
	q := NewWakeQueue()
	defer q.Close()

	for i := uint64(0); i < 10; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) refused on an open queue", i)
		}
	}
	for i := uint64(0); i < 10; i++ {
		if got := <-q.Recv(); got != i {
			t.Fatalf("received %d, want %d", got, i)
		}
	}
}

// TestWakeQueueConcurrentProducers tests that ids from many producers are
// all delivered exactly once
func TestWakeQueueConcurrentProducers(t *testing.T) {
	q := NewWakeQueue()
	defer q.Close()

	const producers, perProducer = 8, 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			for i := uint64(0); i < perProducer; i++ {
				q.Push(base + i)
			}
		}(uint64(p) * perProducer)
	}

	seen := make(map[uint64]bool, producers*perProducer)
	for i := 0; i < producers*perProducer; i++ {
		id := <-q.Recv()
		if seen[id] {
			t.Fatalf("id %d delivered twice", id)
		}
		seen[id] = true
	}
	wg.Wait()
}

// TestWakeQueueCloseWithFullChannelDoesNotHang tests that closing a queue
// nobody is draining (a manually-stepped executor) releases the consumer
// goroutine even when the output channel is full
func TestWakeQueueCloseWithFullChannelDoesNotHang(t *testing.T) {
	q := NewWakeQueue()

	// well past the channel buffer, with no receiver
	for i := uint64(0); i < 200; i++ {
		q.Push(i)
	}

	// Close joins the consumer; a consumer parked on the full channel
	// would deadlock here
	q.Close()

	if q.Push(999) {
		t.Error("Push succeeded on a closed queue")
	}
}
