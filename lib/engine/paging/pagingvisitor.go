package paging

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/scwright027/kv-engine/lib/engine/clock"
	"github.com/scwright027/kv-engine/lib/engine/config"
	"github.com/scwright027/kv-engine/lib/engine/hashtable"
	"github.com/scwright027/kv-engine/lib/engine/item"
	"github.com/scwright027/kv-engine/lib/engine/mem"
	"github.com/scwright027/kv-engine/lib/engine/vbucket"
	"github.com/scwright027/kv-engine/lib/logging"
	"github.com/scwright027/kv-engine/lib/stats"
)

var log = logging.GetLogger("pager")

// --------------------------------------------------------------------------
// PagingVisitor
// --------------------------------------------------------------------------

// PagingVisitor walks one vbucket's items at a time deciding per item
// whether to evict. It never owns items and introduces no locks of its
// own; all mutation happens under the index's visitation contract.
//
// Thread-safety: a visitor instance is driven by a single adapter task and
// must not be shared between goroutines.
type PagingVisitor struct {
	cfg     *config.Configuration
	st      *stats.EngineStats
	monitor *mem.Monitor
	clk     clock.Clock

	policy      config.EvictionPolicy
	isEphemeral bool
	phase       *phaseHolder

	// fraction of the population this run wants to evict, 0..1
	fraction float64
	// bias dampens eviction of active/pending items relative to replicas
	bias float64

	agePercent       float64
	freqAgeThreshold uint64

	ie              *ItemEviction
	freqThreshold   uint16
	ageThreshold    uint64
	thresholdPinned bool

	rng       *rand.Rand
	cancelled *atomic.Bool

	vb          *vbucket.VBucket
	curFraction float64

	visited uint64
	ejected uint64
	expired uint64
}

// NewPagingVisitor creates a visitor for one pager run. cancelled is the
// run-level cancellation flag shared with the pager.
func NewPagingVisitor(
	cfg *config.Configuration,
	st *stats.EngineStats,
	monitor *mem.Monitor,
	clk clock.Clock,
	phase *phaseHolder,
	fraction float64,
	bias float64,
	cancelled *atomic.Bool,
) *PagingVisitor {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	if cancelled == nil {
		cancelled = &atomic.Bool{}
	}
	pv := &PagingVisitor{
		cfg:              cfg,
		st:               st,
		monitor:          monitor,
		clk:              clk,
		policy:           cfg.HtEvictionPolicy(),
		isEphemeral:      cfg.IsEphemeral(),
		phase:            phase,
		fraction:         fraction,
		bias:             bias,
		agePercent:       float64(cfg.ItemEvictionAgePercentage()),
		freqAgeThreshold: cfg.ItemEvictionFreqCounterAgeThreshold(),
		ie:               NewItemEviction(),
		freqThreshold:    NoFreqThreshold,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
		cancelled:        cancelled,
	}
	return pv
}

// --------------------------------------------------------------------------
// Bucket-level visitation
// --------------------------------------------------------------------------

// VisitBucket walks one vbucket, skipping it when its role does not match
// the current phase. Thresholds for this partition are derived fresh from
// the aging model as the walk proceeds.
func (pv *PagingVisitor) VisitBucket(vb *vbucket.VBucket) {
	if !pv.shouldVisit(vb) {
		return
	}
	pv.SetCurrentBucket(vb)
	pv.ie.Reset()
	if !pv.thresholdPinned {
		pv.freqThreshold, pv.ageThreshold = NoFreqThreshold, 0
	}

	t0 := time.Now()
	vb.HT().Visit(pv)
	pv.st.PagerRunTime.UpdateSince(t0)
}

// SetCurrentBucket pins the visitor to a vbucket without the phase check,
// for direct index visitation.
func (pv *PagingVisitor) SetCurrentBucket(vb *vbucket.VBucket) {
	pv.vb = vb
	pv.curFraction = pv.fractionFor(vb)
}

// shouldVisit applies the phase/role filter.
func (pv *PagingVisitor) shouldVisit(vb *vbucket.VBucket) bool {
	if !vb.Online() {
		return false
	}
	switch pv.phase.get() {
	case PhaseReplicaOnly:
		if pv.policy != config.PolicyHiFiMFU {
			// running the replica phase under the legacy policy is a
			// programming error; short-circuit safely
			log.Errorf("replica_only phase requested under policy %s on vb %d", pv.policy, vb.ID())
			return false
		}
		return !pv.isEphemeral && vb.State() == vbucket.StateReplica
	case PhaseActiveAndPendingOnly:
		return vb.State() == vbucket.StateActive || vb.State() == vbucket.StatePending
	case PhasePagingUnreferenced:
		if pv.isEphemeral && vb.State() == vbucket.StateReplica {
			return false
		}
		return true
	default:
		return false
	}
}

// fractionFor biases the eviction fraction by vbucket role: replicas give
// up memory before actives do.
func (pv *PagingVisitor) fractionFor(vb *vbucket.VBucket) float64 {
	f := pv.fraction
	switch pv.policy {
	case config.Policy2BitLRU:
		activePcnt := float64(pv.cfg.PagerActiveVbPcnt()) / 100.0
		if vb.State() == vbucket.StateReplica {
			f *= 1 - activePcnt
		} else {
			f *= activePcnt
		}
	default:
		if pv.phase.get() == PhaseActiveAndPendingOnly && !pv.isEphemeral {
			f *= pv.bias
		}
	}
	return f
}

// --------------------------------------------------------------------------
// Per-item visitation
// --------------------------------------------------------------------------

// Visit decides the fate of one stored value. Runs under the index's
// per-key mutual exclusion.
func (pv *PagingVisitor) Visit(sv *item.StoredValue) hashtable.Decision {
	pv.visited++
	pv.st.ItemsVisited.Inc()

	// expired items are removed unconditionally, ahead of any
	// frequency-based decision
	if sv.IsExpired(pv.clk.Now()) {
		if pv.vb.HasPendingFetch(sv.Key) {
			// an outstanding fetch makes the key non-decidable this pass
			return hashtable.DecisionSkip
		}
		pv.expired++
		pv.st.ExpiredPager.Inc()
		return hashtable.DecisionDelete
	}

	if !pv.eligible(sv) {
		// an item that could not have been evicted must not be aged
		return hashtable.DecisionSkip
	}

	if pv.policy == config.Policy2BitLRU {
		return pv.visitLRU(sv)
	}
	return pv.visitMFU(sv)
}

// eligible reports whether the item is a genuine eviction candidate.
func (pv *PagingVisitor) eligible(sv *item.StoredValue) bool {
	if !sv.Resident {
		return false
	}
	if pv.vb.HasPendingFetch(sv.Key) {
		return false
	}
	if !pv.isEphemeral && sv.Dirty {
		// the only copy of a never-persisted value lives in memory
		return false
	}
	if pv.isEphemeral && pv.vb.State() == vbucket.StateReplica {
		return false
	}
	return true
}

// visitMFU implements the frequency-based policy.
func (pv *PagingVisitor) visitMFU(sv *item.StoredValue) hashtable.Decision {
	var age uint64
	if high := pv.vb.HighSeqno(); high > sv.Seqno {
		age = high - sv.Seqno
	}

	// eligible items record their true counter value, even above the
	// threshold
	pv.ie.AddSample(sv.FreqCounter, age)
	if !pv.thresholdPinned && pv.ie.RequiresUpdate(pv.visited) {
		pv.freqThreshold, pv.ageThreshold = pv.ie.Thresholds(pv.curFraction*100.0, pv.agePercent)
	}

	belowThreshold := pv.freqThreshold != NoFreqThreshold &&
		uint16(sv.FreqCounter) <= pv.freqThreshold
	if belowThreshold &&
		(uint64(sv.FreqCounter) < pv.freqAgeThreshold || age >= pv.ageThreshold) {
		return pv.doEvict(sv)
	}

	sv.FreqCounter = DecayOne(sv.FreqCounter, pv.rng.Float64())
	return hashtable.DecisionDecay
}

// visitLRU implements the legacy 2-bit NRU policy: evict unreferenced
// items, age the rest.
func (pv *PagingVisitor) visitLRU(sv *item.StoredValue) hashtable.Decision {
	if sv.NRU >= item.MaxNRU {
		if pv.rng.Float64() < pv.curFraction {
			return pv.doEvict(sv)
		}
		return hashtable.DecisionSkip
	}
	sv.NRU++
	return hashtable.DecisionDecay
}

// doEvict drops the value. Persistent buckets keep the metadata
// (non-resident, rehydrated by background fetch); ephemeral auto-delete
// buckets have nowhere to fetch from and delete the document outright.
func (pv *PagingVisitor) doEvict(sv *item.StoredValue) hashtable.Decision {
	pv.ejected++
	if pv.isEphemeral {
		pv.st.PagerDeletes.Inc()
		return hashtable.DecisionDelete
	}
	pv.st.NumValueEjects.Inc()
	return hashtable.DecisionEvict
}

// ShouldContinue ends the pass once memory has recovered below the low
// watermark or the run was cancelled, even mid-partition.
func (pv *PagingVisitor) ShouldContinue() bool {
	if pv.cancelled.Load() {
		return false
	}
	return !pv.monitor.BelowLowWat()
}

// PassComplete reports whether the whole pass may stop early.
func (pv *PagingVisitor) PassComplete() bool {
	return !pv.ShouldContinue()
}

// --------------------------------------------------------------------------
// Introspection (used by tests and the pager)
// --------------------------------------------------------------------------

// Ejected returns how many values this visitor evicted or deleted.
func (pv *PagingVisitor) Ejected() uint64 { return pv.ejected }

// Expired returns how many expired items this visitor removed.
func (pv *PagingVisitor) Expired() uint64 { return pv.expired }

// ItemEviction exposes the aging model for threshold assertions.
func (pv *PagingVisitor) ItemEviction() *ItemEviction { return pv.ie }

// SetFreqCounterThreshold pins the frequency threshold, disabling the
// incremental recomputation.
func (pv *PagingVisitor) SetFreqCounterThreshold(t uint16) {
	pv.freqThreshold = t
	pv.thresholdPinned = true
}

// SetAgeThreshold pins the age threshold, disabling the incremental
// recomputation.
func (pv *PagingVisitor) SetAgeThreshold(a uint64) {
	pv.ageThreshold = a
	pv.thresholdPinned = true
}

// --------------------------------------------------------------------------
// Per-vbucket adapter task
// --------------------------------------------------------------------------

// bucketVisitor is the contract shared by paging and expiry visitors.
type bucketVisitor interface {
	VisitBucket(vb *vbucket.VBucket)
	PassComplete() bool
}

// vbAdapter runs a visitor over a list of vbuckets, one vbucket per task
// execution, yielding back to the executor between partitions.
type vbAdapter struct {
	nameFmt   string
	vbs       []*vbucket.VBucket
	visitor   bucketVisitor
	idx       int
	cancelled *atomic.Bool
	// onComplete runs exactly once, after the last vbucket or an early
	// stop; receives whether the pass was cancelled
	onComplete func(cancelled bool)
}

func newVBAdapter(nameFmt string, vbs []*vbucket.VBucket, v bucketVisitor,
	cancelled *atomic.Bool, onComplete func(bool)) *vbAdapter {
	return &vbAdapter{
		nameFmt:    nameFmt,
		vbs:        vbs,
		visitor:    v,
		cancelled:  cancelled,
		onComplete: onComplete,
	}
}

func (a *vbAdapter) Description() string {
	i := a.idx
	if i >= len(a.vbs) {
		i = len(a.vbs) - 1
	}
	if i < 0 {
		return fmt.Sprintf(a.nameFmt, 0)
	}
	return fmt.Sprintf(a.nameFmt, a.vbs[i].ID())
}

func (a *vbAdapter) Run() bool {
	if a.cancelled.Load() {
		a.onComplete(true)
		return false
	}
	if a.idx < len(a.vbs) {
		vb := a.vbs[a.idx]
		a.idx++
		a.visitor.VisitBucket(vb)
	}
	if a.idx >= len(a.vbs) || a.visitor.PassComplete() {
		a.onComplete(a.cancelled.Load())
		return false
	}
	return true
}
