// Package internal holds the data structures backing the task executor:
// a map-indexed min-heap for the future queue and a lock-free MPSC queue
// for cross-goroutine wakeups.
package internal

import "container/heap"

// entry is one scheduled task reference in the future queue.
type entry struct {
	ID      uint64 // task handle id
	ReadyAt int64  // unix nanos at which the task becomes runnable
	seq     uint64 // insertion order, tie-breaker for equal ReadyAt
	index   int    // heap index, maintained by the heap package
}

// FutureHeap is a min-heap over task ready-times combined with a map for
// O(1) id lookup, so a task can be removed or re-prioritised directly when
// it is woken or cancelled.
//
// Thread-safety: not thread-safe; the executor serialises access.
type FutureHeap struct {
	entries []*entry
	byID    map[uint64]*entry
	nextSeq uint64
}

// NewFutureHeap creates an empty future queue.
func NewFutureHeap() *FutureHeap {
	return &FutureHeap{
		entries: make([]*entry, 0),
		byID:    make(map[uint64]*entry),
	}
}

// Len returns the number of queued tasks (part of heap.Interface).
func (fh *FutureHeap) Len() int { return len(fh.entries) }

// Less orders by ready time, then by insertion order so tasks scheduled at
// the same instant run in a deterministic order (part of heap.Interface).
func (fh *FutureHeap) Less(i, j int) bool {
	if fh.entries[i].ReadyAt != fh.entries[j].ReadyAt {
		return fh.entries[i].ReadyAt < fh.entries[j].ReadyAt
	}
	return fh.entries[i].seq < fh.entries[j].seq
}

// Swap exchanges entries at positions i and j (part of heap.Interface).
func (fh *FutureHeap) Swap(i, j int) {
	fh.entries[i], fh.entries[j] = fh.entries[j], fh.entries[i]
	fh.entries[i].index = i
	fh.entries[j].index = j
}

// Push adds an entry (part of heap.Interface).
func (fh *FutureHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(fh.entries)
	fh.entries = append(fh.entries, e)
	fh.byID[e.ID] = e
}

// Pop removes and returns the minimum entry (part of heap.Interface).
func (fh *FutureHeap) Pop() interface{} {
	old := fh.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // avoid memory leak
	e.index = -1
	fh.entries = old[:n-1]
	delete(fh.byID, e.ID)
	return e
}

// Add queues a task id with the given ready time, or reprioritises it if
// already queued.
func (fh *FutureHeap) Add(id uint64, readyAt int64) {
	if e, exists := fh.byID[id]; exists {
		e.ReadyAt = readyAt
		heap.Fix(fh, e.index)
		return
	}
	fh.nextSeq++
	heap.Push(fh, &entry{ID: id, ReadyAt: readyAt, seq: fh.nextSeq})
}

// Remove drops a task id from the queue. Reports whether it was present.
func (fh *FutureHeap) Remove(id uint64) bool {
	e, exists := fh.byID[id]
	if !exists {
		return false
	}
	heap.Remove(fh, e.index)
	return true
}

// Contains reports whether a task id is queued.
func (fh *FutureHeap) Contains(id uint64) bool {
	_, exists := fh.byID[id]
	return exists
}

// PeekReadyAt returns the earliest ready time, or false if empty.
func (fh *FutureHeap) PeekReadyAt() (int64, bool) {
	if len(fh.entries) == 0 {
		return 0, false
	}
	return fh.entries[0].ReadyAt, true
}

// PopIfReady removes and returns the earliest task id if its ready time is
// at or before now.
func (fh *FutureHeap) PopIfReady(now int64) (uint64, bool) {
	if len(fh.entries) == 0 || fh.entries[0].ReadyAt > now {
		return 0, false
	}
	e := heap.Pop(fh).(*entry)
	return e.ID, true
}

// CountReady returns how many queued tasks are runnable at the given time.
func (fh *FutureHeap) CountReady(now int64) int {
	count := 0
	for _, e := range fh.entries {
		if e.ReadyAt <= now {
			count++
		}
	}
	return count
}
