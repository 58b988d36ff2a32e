package paging

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scwright027/kv-engine/lib/engine/clock"
	"github.com/scwright027/kv-engine/lib/engine/config"
	"github.com/scwright027/kv-engine/lib/engine/mem"
	"github.com/scwright027/kv-engine/lib/engine/task"
	"github.com/scwright027/kv-engine/lib/engine/vbucket"
	"github.com/scwright027/kv-engine/lib/stats"
)

// VBucketSource hands the pagers the partitions they operate on.
type VBucketSource interface {
	// OnlineVBuckets returns the non-dead vbuckets, ascending by id.
	OnlineVBuckets() []*vbucket.VBucket
}

// activeBias dampens eviction from active and pending vbuckets relative
// to replicas: a replica value can be rebuilt from the active copy, the
// reverse costs a client a cache miss.
const activeBias = 0.5

// parentIdleSnooze keeps the parent pager task queued but dormant; it only
// ever runs when woken by a watermark crossing or an explicit request.
const parentIdleSnooze = 365 * 24 * time.Hour

// --------------------------------------------------------------------------
// ItemPager
// --------------------------------------------------------------------------

// ItemPager is the memory-recovery orchestrator. It sleeps until the
// monitor reports the high watermark crossed, then fans a paging visitor
// out over the vbuckets matching the current phase, advancing phases until
// memory drops below the low watermark or the phase sequence is exhausted.
//
// Thread-safety: all exported methods are safe for concurrent use.
type ItemPager struct {
	cfg     *config.Configuration
	st      *stats.EngineStats
	monitor *mem.Monitor
	src     VBucketSource
	clk     clock.Clock
	ex      *task.Executor
	handle  *task.Handle

	phase      phaseHolder
	lastPolicy atomic.Value // config.EvictionPolicy
	inFlight   atomic.Bool

	mu  sync.Mutex
	run *pagerRun
}

// pagerRun captures the state of one in-flight pager run.
type pagerRun struct {
	policy    config.EvictionPolicy
	fraction  float64
	remaining []Phase
	cancelled atomic.Bool
}

// NewItemPager wires a pager to its bucket. The phase resets synchronously
// whenever the eviction policy setting changes, so an observer never sees
// a stale phase between the config write and the next run.
func NewItemPager(
	cfg *config.Configuration,
	st *stats.EngineStats,
	monitor *mem.Monitor,
	src VBucketSource,
	clk clock.Clock,
) *ItemPager {
	p := &ItemPager{
		cfg:     cfg,
		st:      st,
		monitor: monitor,
		src:     src,
		clk:     clk,
	}
	policy := cfg.HtEvictionPolicy()
	p.lastPolicy.Store(policy)
	p.phase.set(p.initialPhase(policy))
	cfg.AddChangeListener("ht_eviction_policy", func() {
		next := cfg.HtEvictionPolicy()
		p.lastPolicy.Store(next)
		p.phase.set(p.initialPhase(next))
	})
	return p
}

// Start registers the dormant parent task with the executor.
func (p *ItemPager) Start(ex *task.Executor) {
	p.ex = ex
	p.handle = ex.Schedule(p, parentIdleSnooze)
}

// Wake triggers a pager run. This is the monitor's high-watermark
// callback.
func (p *ItemPager) Wake() {
	if p.handle != nil {
		p.handle.Wake()
	}
}

// Cancel aborts the in-flight run, if any, at its next yield point. The
// phase is left at the interrupted sub-pass so the next run resumes there.
func (p *ItemPager) Cancel() {
	p.mu.Lock()
	if p.run != nil {
		p.run.cancelled.Store(true)
	}
	p.mu.Unlock()
}

// Phase returns the current paging phase.
func (p *ItemPager) Phase() Phase { return p.phase.get() }

// initialPhase is where the phase sequence begins for a policy.
func (p *ItemPager) initialPhase(policy config.EvictionPolicy) Phase {
	if policy == config.Policy2BitLRU {
		return PhasePagingUnreferenced
	}
	if p.cfg.IsEphemeral() {
		// ephemeral replicas are never paged, so there is no replica phase
		return PhaseActiveAndPendingOnly
	}
	return PhaseReplicaOnly
}

// phaseSequence is the full ordered phase list for a policy.
func (p *ItemPager) phaseSequence(policy config.EvictionPolicy) []Phase {
	if policy == config.Policy2BitLRU {
		return []Phase{PhasePagingUnreferenced}
	}
	if p.cfg.IsEphemeral() {
		return []Phase{PhaseActiveAndPendingOnly}
	}
	return []Phase{PhaseReplicaOnly, PhaseActiveAndPendingOnly}
}

// --------------------------------------------------------------------------
// task.Task
// --------------------------------------------------------------------------

// Description implements task.Task.
func (p *ItemPager) Description() string { return "Paging out items." }

// Run implements task.Task. One invocation starts (at most) one pager run;
// the per-vbucket work happens in child adapter tasks.
func (p *ItemPager) Run() bool {
	policy := p.cfg.HtEvictionPolicy()
	if prev := p.lastPolicy.Swap(policy); prev != policy {
		// missed or raced config notification; same reset, late
		p.phase.set(p.initialPhase(policy))
	}

	// a running task stays schedulable, so a wake landing mid-run can hand
	// this Run to a second worker; the CAS admits exactly one
	if !p.inFlight.CompareAndSwap(false, true) {
		return true
	}

	cur := p.monitor.Estimated()
	low := p.monitor.LowWat()
	if cur <= low {
		// spurious wake; nothing to reclaim, re-arm the monitor
		p.inFlight.Store(false)
		p.monitor.PagerCompleted()
		return true
	}

	run := &pagerRun{
		policy:   policy,
		fraction: float64(cur-low) / float64(cur),
	}
	seq := p.phaseSequence(policy)
	idx := 0
	for i, ph := range seq {
		if ph == p.phase.get() {
			idx = i
			break
		}
	}
	run.remaining = seq[idx:]

	p.mu.Lock()
	p.run = run
	p.mu.Unlock()

	log.Infof("item pager run: mem=%d low_wat=%d fraction=%.3f phase=%s",
		cur, low, run.fraction, p.phase.get())
	p.startPhase(run)
	return true
}

// startPhase launches the visitor for run.remaining[0]. A phase with no
// matching vbuckets completes inline.
func (p *ItemPager) startPhase(run *pagerRun) {
	p.phase.set(run.remaining[0])
	vbs := p.phaseVBuckets(run.remaining[0])
	if len(vbs) == 0 {
		p.phaseComplete(run, false)
		return
	}

	visitor := NewPagingVisitor(p.cfg, p.st, p.monitor, p.clk,
		&p.phase, run.fraction, activeBias, &run.cancelled)
	adapter := newVBAdapter("Item pager on vb %d", vbs, visitor,
		&run.cancelled, func(cancelled bool) {
			p.phaseComplete(run, cancelled)
		})
	p.ex.Schedule(adapter, 0)
}

// phaseComplete runs after each sub-pass: either the run is done (memory
// recovered, cancelled, or phases exhausted) or the next phase starts.
func (p *ItemPager) phaseComplete(run *pagerRun, cancelled bool) {
	if cancelled {
		// the interrupted phase has not completed; do not advance
		p.finishRun(run, false)
		return
	}

	run.remaining = run.remaining[1:]
	if p.monitor.BelowLowWat() || len(run.remaining) == 0 {
		p.finishRun(run, true)
		return
	}
	p.startPhase(run)
}

// finishRun tears down run state and re-arms the monitor. A completed
// (non-cancelled) run rewinds the phase to the start of the sequence.
func (p *ItemPager) finishRun(run *pagerRun, completed bool) {
	if completed {
		p.phase.set(p.phaseSequence(run.policy)[0])
	}
	p.mu.Lock()
	if p.run == run {
		p.run = nil
	}
	p.mu.Unlock()
	p.inFlight.Store(false)
	p.st.PagerRuns.Inc()
	p.monitor.PagerCompleted()
}

// phaseVBuckets filters and orders the partitions for one phase.
func (p *ItemPager) phaseVBuckets(ph Phase) []*vbucket.VBucket {
	isEphemeral := p.cfg.IsEphemeral()
	var out []*vbucket.VBucket
	for _, vb := range p.src.OnlineVBuckets() {
		switch ph {
		case PhaseReplicaOnly:
			if isEphemeral || vb.State() != vbucket.StateReplica {
				continue
			}
		case PhaseActiveAndPendingOnly:
			if vb.State() != vbucket.StateActive && vb.State() != vbucket.StatePending {
				continue
			}
		case PhasePagingUnreferenced:
			if isEphemeral && vb.State() == vbucket.StateReplica {
				continue
			}
		}
		out = append(out, vb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
