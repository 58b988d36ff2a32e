package paging

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/scwright027/kv-engine/lib/engine/clock"
	"github.com/scwright027/kv-engine/lib/engine/config"
	"github.com/scwright027/kv-engine/lib/engine/hashtable"
	"github.com/scwright027/kv-engine/lib/engine/item"
	"github.com/scwright027/kv-engine/lib/engine/mem"
	"github.com/scwright027/kv-engine/lib/engine/task"
	"github.com/scwright027/kv-engine/lib/engine/vbucket"
	"github.com/scwright027/kv-engine/lib/stats"
)

// --------------------------------------------------------------------------
// ExpiryPager
// --------------------------------------------------------------------------

// ExpiryPager periodically sweeps every online vbucket, regardless of
// state, removing items whose TTL has passed. Unlike the item pager it
// frees logically dead data, so it deletes unconditionally and ignores
// watermarks.
//
// Thread-safety: all exported methods are safe for concurrent use.
type ExpiryPager struct {
	cfg     *config.Configuration
	st      *stats.EngineStats
	monitor *mem.Monitor
	src     VBucketSource
	clk     clock.Clock
	ex      *task.Executor
	handle  *task.Handle

	inFlight atomic.Bool
	run      atomic.Pointer[atomic.Bool]
}

// NewExpiryPager wires the sweep to its bucket. monitor may be nil when
// the sweep is purely periodic; full-policy ephemeral buckets pass their
// monitor so a watermark-triggered sweep re-arms it on completion.
func NewExpiryPager(
	cfg *config.Configuration,
	st *stats.EngineStats,
	monitor *mem.Monitor,
	src VBucketSource,
	clk clock.Clock,
) *ExpiryPager {
	p := &ExpiryPager{
		cfg:     cfg,
		st:      st,
		monitor: monitor,
		src:     src,
		clk:     clk,
	}
	cfg.AddChangeListener("exp_pager_stime", func() {
		if p.handle != nil {
			p.handle.Reschedule(p.stime())
		}
	})
	return p
}

func (p *ExpiryPager) stime() time.Duration {
	return time.Duration(p.cfg.ExpPagerStime()) * time.Second
}

// Start registers the periodic sweep with the executor.
func (p *ExpiryPager) Start(ex *task.Executor) {
	p.ex = ex
	p.handle = ex.Schedule(p, p.stime())
}

// Wake triggers an immediate sweep outside the periodic schedule. Used by
// fail_new_data ephemeral buckets when memory crosses the high watermark.
func (p *ExpiryPager) Wake() {
	if p.handle != nil {
		p.handle.Wake()
	}
}

// Cancel aborts the in-flight sweep, if any, at its next yield point.
func (p *ExpiryPager) Cancel() {
	if r := p.run.Load(); r != nil {
		r.Store(true)
	}
}

// --------------------------------------------------------------------------
// task.Task
// --------------------------------------------------------------------------

// Description implements task.Task.
func (p *ExpiryPager) Description() string { return "Paging expired items." }

// Run implements task.Task. One invocation fans a sweep out over all
// online vbuckets; the parent then sleeps for exp_pager_stime.
func (p *ExpiryPager) Run() bool {
	// a wake landing mid-sweep can hand this Run to a second worker; the
	// CAS admits exactly one
	if !p.inFlight.CompareAndSwap(false, true) {
		return true
	}

	vbs := append([]*vbucket.VBucket(nil), p.src.OnlineVBuckets()...)
	sort.Slice(vbs, func(i, j int) bool { return vbs[i].ID() < vbs[j].ID() })
	if len(vbs) == 0 {
		p.inFlight.Store(false)
		p.sweepComplete()
		return true
	}

	cancelled := &atomic.Bool{}
	p.run.Store(cancelled)

	visitor := NewExpiryVisitor(p.st, p.clk, cancelled)
	adapter := newVBAdapter("Expired item remover on vb %d", vbs, visitor,
		cancelled, func(bool) {
			p.inFlight.Store(false)
			p.sweepComplete()
		})
	p.ex.Schedule(adapter, 0)
	return true
}

func (p *ExpiryPager) sweepComplete() {
	p.st.ExpiryPagerRuns.Inc()
	if p.monitor != nil {
		p.monitor.PagerCompleted()
	}
}

// --------------------------------------------------------------------------
// ExpiryVisitor
// --------------------------------------------------------------------------

// ExpiryVisitor removes expired items. Expiry is judged against the time
// the current vbucket's walk started: an item alive at that snapshot
// survives the pass even if its TTL lapses mid-walk.
//
// Thread-safety: driven by a single adapter task; not shared.
type ExpiryVisitor struct {
	st        *stats.EngineStats
	clk       clock.Clock
	cancelled *atomic.Bool

	vb      *vbucket.VBucket
	now     uint32
	expired uint64
}

// NewExpiryVisitor creates a sweep visitor. cancelled may be nil for
// standalone (test) use.
func NewExpiryVisitor(st *stats.EngineStats, clk clock.Clock, cancelled *atomic.Bool) *ExpiryVisitor {
	if cancelled == nil {
		cancelled = &atomic.Bool{}
	}
	return &ExpiryVisitor{st: st, clk: clk, cancelled: cancelled}
}

// VisitBucket sweeps one vbucket.
func (ev *ExpiryVisitor) VisitBucket(vb *vbucket.VBucket) {
	if !vb.Online() {
		return
	}
	ev.vb = vb
	ev.now = ev.clk.Now()

	t0 := time.Now()
	vb.HT().Visit(ev)
	ev.st.ExpiryPagerRunTime.UpdateSince(t0)
}

// Visit implements hashtable.Visitor.
func (ev *ExpiryVisitor) Visit(sv *item.StoredValue) hashtable.Decision {
	if !sv.IsExpired(ev.now) {
		return hashtable.DecisionSkip
	}
	if ev.vb.HasPendingFetch(sv.Key) {
		// an in-flight fetch will resolve the expiry on completion
		return hashtable.DecisionSkip
	}
	ev.expired++
	ev.st.ExpiredPager.Inc()
	return hashtable.DecisionDelete
}

// ShouldContinue implements hashtable.Visitor.
func (ev *ExpiryVisitor) ShouldContinue() bool { return !ev.cancelled.Load() }

// PassComplete implements the adapter contract; an expiry sweep only stops
// early on cancellation.
func (ev *ExpiryVisitor) PassComplete() bool { return ev.cancelled.Load() }

// Expired returns how many items this sweep removed.
func (ev *ExpiryVisitor) Expired() uint64 { return ev.expired }
