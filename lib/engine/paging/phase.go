// Package paging implements the memory-pressure response core: the item
// aging model, the phased paging visitor, the watermark-triggered item
// pager and the periodic expiry pager.
package paging

import "sync/atomic"

// --------------------------------------------------------------------------
// Eviction phase
// --------------------------------------------------------------------------

// Phase restricts which vbucket roles a paging pass visits.
type Phase int32

const (
	// PhaseReplicaOnly visits replica vbuckets (hifi_mfu on persistent
	// buckets evicts replica values before touching actives).
	PhaseReplicaOnly Phase = iota
	// PhaseActiveAndPendingOnly visits active and pending vbuckets.
	PhaseActiveAndPendingOnly
	// PhasePagingUnreferenced is the legacy 2-bit_lru single phase.
	PhasePagingUnreferenced
)

func (p Phase) String() string {
	switch p {
	case PhaseReplicaOnly:
		return "replica_only"
	case PhaseActiveAndPendingOnly:
		return "active_and_pending_only"
	case PhasePagingUnreferenced:
		return "paging_unreferenced"
	default:
		return "unknown"
	}
}

// phaseHolder shares the current phase between the pager and its visitors.
// The phase is rolled forward only after a full successful sub-pass.
type phaseHolder struct {
	v atomic.Int32
}

func (h *phaseHolder) get() Phase  { return Phase(h.v.Load()) }
func (h *phaseHolder) set(p Phase) { h.v.Store(int32(p)) }
