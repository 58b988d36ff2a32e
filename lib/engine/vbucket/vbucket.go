// Package vbucket models one shard of the keyspace: an item index plus a
// replication role. A vbucket owns its items exclusively; concurrent
// visitation of distinct vbuckets needs no coordination.
package vbucket

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/scwright027/kv-engine/lib/engine/hashtable"
)

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// State is the replication role of a vbucket.
type State int32

const (
	StateActive State = iota
	StateReplica
	StatePending
	StateDead
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateReplica:
		return "replica"
	case StatePending:
		return "pending"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// VBucket
// --------------------------------------------------------------------------

// VBucket is one partition: an id, a role, and the item index.
//
// Thread-safety: all methods are safe for concurrent use.
type VBucket struct {
	id    int
	state atomic.Int32

	ht        *hashtable.HashTable
	highSeqno atomic.Uint64

	// pendingFetches holds keys with an outstanding background fetch.
	// Reclamation of such a key is deferred to the next pass.
	pendingFetches *xsync.MapOf[string, struct{}]
}

// New creates a vbucket in the given state. The observer receives the
// memory delta of every index mutation.
func New(id int, state State, observer hashtable.MemObserver) *VBucket {
	vb := &VBucket{
		id:             id,
		ht:             hashtable.New(observer),
		pendingFetches: xsync.NewMapOf[string, struct{}](),
	}
	vb.state.Store(int32(state))
	return vb
}

// ID returns the partition id.
func (vb *VBucket) ID() int { return vb.id }

// State returns the current replication role.
func (vb *VBucket) State() State { return State(vb.state.Load()) }

// SetState changes the replication role.
func (vb *VBucket) SetState(s State) { vb.state.Store(int32(s)) }

// Online reports whether the vbucket participates in visitation.
func (vb *VBucket) Online() bool { return vb.State() != StateDead }

// HT returns the item index.
func (vb *VBucket) HT() *hashtable.HashTable { return vb.ht }

// NextSeqno allocates the next sequence number for a mutation.
func (vb *VBucket) NextSeqno() uint64 { return vb.highSeqno.Add(1) }

// HighSeqno returns the highest allocated sequence number.
func (vb *VBucket) HighSeqno() uint64 { return vb.highSeqno.Load() }

// --------------------------------------------------------------------------
// Background fetch tracking
// --------------------------------------------------------------------------

// AddPendingFetch records an outstanding background fetch for key.
func (vb *VBucket) AddPendingFetch(key string) {
	vb.pendingFetches.Store(key, struct{}{})
}

// CompletePendingFetch clears the outstanding fetch for key.
func (vb *VBucket) CompletePendingFetch(key string) {
	vb.pendingFetches.Delete(key)
}

// HasPendingFetch reports whether key has an outstanding fetch; such keys
// are temporarily non-decidable for expiry and eviction.
func (vb *VBucket) HasPendingFetch(key string) bool {
	_, pending := vb.pendingFetches.Load(key)
	return pending
}

// PendingFetchKeys returns a snapshot of keys awaiting fetch completion.
func (vb *VBucket) PendingFetchKeys() []string {
	keys := make([]string, 0)
	vb.pendingFetches.Range(func(key string, _ struct{}) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}
