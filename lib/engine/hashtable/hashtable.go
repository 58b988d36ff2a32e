// Package hashtable implements the per-vbucket item index.
//
// The index is built on xsync.MapOf, whose Compute gives at-most-one
// concurrent mutator per key. Every mutation of a StoredValue - by the
// mutation path or by a paging visitor - happens inside Compute for that
// key, which is the locking discipline the visitation contract promises.
// Paging code never adds locks of its own.
package hashtable

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/scwright027/kv-engine/lib/engine/item"
)

// --------------------------------------------------------------------------
// Visitor contract
// --------------------------------------------------------------------------

// Decision is the outcome of visiting one stored value.
type Decision int

const (
	// DecisionSkip leaves the value untouched.
	DecisionSkip Decision = iota
	// DecisionDecay records that the visitor mutated only the aging
	// counters in place.
	DecisionDecay
	// DecisionEvict drops the value bytes, leaving resident metadata.
	DecisionEvict
	// DecisionDelete removes the item from the index entirely.
	DecisionDelete
)

// Visitor is applied to every stored value during a visitation pass. Visit
// runs under the index's per-key mutual exclusion; it may mutate counters
// in place and signals structural changes through its Decision.
type Visitor interface {
	Visit(sv *item.StoredValue) Decision

	// ShouldContinue is checked between items; returning false ends the
	// pass early (memory recovered, or the task was cancelled).
	ShouldContinue() bool
}

// --------------------------------------------------------------------------
// HashTable
// --------------------------------------------------------------------------

// MemObserver receives the memory delta of every index mutation.
type MemObserver func(delta int64)

// HashTable is one vbucket's item index.
//
// Thread-safety: all methods are safe for concurrent use.
type HashTable struct {
	data *xsync.MapOf[string, *item.StoredValue]

	numItems       atomic.Int64
	numNonResident atomic.Int64
	memSize        atomic.Int64

	observer MemObserver
}

// New creates an empty index. The observer (may be nil) is invoked with
// the byte delta of every mutation.
func New(observer MemObserver) *HashTable {
	return &HashTable{
		data:     xsync.NewMapOf[string, *item.StoredValue](),
		observer: observer,
	}
}

func (ht *HashTable) account(delta int64) {
	ht.memSize.Add(delta)
	if ht.observer != nil {
		ht.observer(delta)
	}
}

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// Upsert inserts or replaces the stored value for sv.Key.
func (ht *HashTable) Upsert(sv *item.StoredValue) {
	ht.Store(sv.Key, func(*item.StoredValue) *item.StoredValue { return sv })
}

// Store inserts or updates key under the per-key lock. fn receives the
// existing value (nil when absent) and returns the replacement; returning
// nil leaves the entry untouched.
func (ht *HashTable) Store(key string, fn func(old *item.StoredValue) *item.StoredValue) {
	ht.data.Compute(key, func(old *item.StoredValue, loaded bool) (*item.StoredValue, bool) {
		var prev *item.StoredValue
		if loaded {
			prev = old
		}
		sv := fn(prev)
		if sv == nil {
			return old, !loaded
		}
		if loaded {
			ht.account(int64(sv.MemSize() - old.MemSize()))
			if !old.Resident && sv.Resident {
				ht.numNonResident.Add(-1)
			} else if old.Resident && !sv.Resident {
				ht.numNonResident.Add(1)
			}
		} else {
			ht.numItems.Add(1)
			ht.account(int64(sv.MemSize()))
			if !sv.Resident {
				ht.numNonResident.Add(1)
			}
		}
		return sv, false
	})
}

// Delete removes the value for key. Reports whether it existed.
func (ht *HashTable) Delete(key string) bool {
	var existed bool
	ht.data.Compute(key, func(old *item.StoredValue, loaded bool) (*item.StoredValue, bool) {
		if !loaded {
			return old, true // don't materialise the key
		}
		existed = true
		ht.removeAccounting(old)
		return old, true
	})
	return existed
}

func (ht *HashTable) removeAccounting(sv *item.StoredValue) {
	ht.numItems.Add(-1)
	if !sv.Resident {
		ht.numNonResident.Add(-1)
	}
	ht.account(-int64(sv.MemSize()))
}

// Mutate applies fn to the value for key under the per-key lock. fn
// receives nil when the key is absent and returns the decision to apply.
// This is the entry point the vbucket's business operations go through.
func (ht *HashTable) Mutate(key string, fn func(sv *item.StoredValue) Decision) {
	ht.data.Compute(key, func(old *item.StoredValue, loaded bool) (*item.StoredValue, bool) {
		var sv *item.StoredValue
		if loaded {
			sv = old
		}
		return ht.apply(sv, fn(sv), loaded)
	})
}

// apply translates a Decision into index bookkeeping. Returns the map
// compute result (new value, delete flag).
func (ht *HashTable) apply(sv *item.StoredValue, d Decision, loaded bool) (*item.StoredValue, bool) {
	if !loaded {
		return sv, true // absent key stays absent
	}
	switch d {
	case DecisionEvict:
		if sv.Resident {
			released := sv.Eject()
			ht.numNonResident.Add(1)
			ht.account(-int64(released))
		}
	case DecisionDelete:
		ht.removeAccounting(sv)
		return sv, true
	}
	return sv, false
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Load returns a snapshot copy of the value for key. The copy is safe to
// use without holding the per-key lock; Value bytes are duplicated.
func (ht *HashTable) Load(key string) (item.StoredValue, bool) {
	var (
		snapshot item.StoredValue
		found    bool
	)
	ht.data.Compute(key, func(old *item.StoredValue, loaded bool) (*item.StoredValue, bool) {
		if !loaded {
			return old, true
		}
		found = true
		snapshot = *old
		if old.Value != nil {
			snapshot.Value = make([]byte, len(old.Value))
			copy(snapshot.Value, old.Value)
		}
		return old, false
	})
	return snapshot, found
}

// --------------------------------------------------------------------------
// Visitation
// --------------------------------------------------------------------------

// Visit applies the visitor to every stored value, each under the per-key
// lock, in a stable but unspecified order. The pass ends early when the
// visitor's ShouldContinue returns false.
func (ht *HashTable) Visit(v Visitor) {
	ht.data.Range(func(key string, _ *item.StoredValue) bool {
		if !v.ShouldContinue() {
			return false
		}
		ht.data.Compute(key, func(old *item.StoredValue, loaded bool) (*item.StoredValue, bool) {
			if !loaded {
				// raced with a concurrent delete
				return old, true
			}
			return ht.apply(old, v.Visit(old), true)
		})
		return true
	})
}

// --------------------------------------------------------------------------
// Counters
// --------------------------------------------------------------------------

// NumItems returns the number of stored documents.
func (ht *HashTable) NumItems() int64 { return ht.numItems.Load() }

// NumNonResidentItems returns how many documents have no value in memory.
func (ht *HashTable) NumNonResidentItems() int64 { return ht.numNonResident.Load() }

// MemSize returns the estimated bytes held by this index.
func (ht *HashTable) MemSize() int64 { return ht.memSize.Load() }

// Clear drops all items, reporting the released bytes to the observer.
func (ht *HashTable) Clear() {
	ht.data.Range(func(key string, _ *item.StoredValue) bool {
		ht.Delete(key)
		return true
	})
}
