// Package bucket assembles the engine: partitioned item indexes, the
// memory monitor, and the paging tasks that keep usage inside quota.
package bucket

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/scwright027/kv-engine/lib/engine/clock"
	"github.com/scwright027/kv-engine/lib/engine/config"
	"github.com/scwright027/kv-engine/lib/engine/hashtable"
	"github.com/scwright027/kv-engine/lib/engine/item"
	"github.com/scwright027/kv-engine/lib/engine/mem"
	"github.com/scwright027/kv-engine/lib/engine/paging"
	"github.com/scwright027/kv-engine/lib/engine/task"
	"github.com/scwright027/kv-engine/lib/engine/vbucket"
	"github.com/scwright027/kv-engine/lib/logging"
	"github.com/scwright027/kv-engine/lib/stats"
)

var log = logging.GetLogger("bucket")

var (
	// ErrKeyNotFound is returned for reads and deletes of absent keys.
	ErrKeyNotFound = errors.New("key not found")
	// ErrNotMyVBucket is returned when the addressed vbucket does not
	// exist or is not active.
	ErrNotMyVBucket = errors.New("vbucket not active on this node")
	// ErrWouldBlock is returned when the value is non-resident and a
	// background fetch has been scheduled; the caller should retry.
	ErrWouldBlock = errors.New("value not resident, background fetch scheduled")
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures a bucket during initialization.
type Options struct {
	Config   *config.Options
	Clock    clock.Clock    // injectable time source (nil = wall clock)
	Executor *task.Executor // nil = bucket owns a background executor
	Name     string         // bucket name for logs and metrics (default "default")
}

// DefaultOptions returns the default bucket options.
func DefaultOptions() *Options {
	return &Options{
		Config: config.DefaultOptions(),
		Name:   "default",
	}
}

// --------------------------------------------------------------------------
// Bucket
// --------------------------------------------------------------------------

// Bucket is one logical keyspace split across vbuckets.
//
// Thread-safety: all exported methods are safe for concurrent use.
type Bucket struct {
	name    string
	cfg     *config.Configuration
	st      *stats.EngineStats
	monitor *mem.Monitor
	clk     clock.Clock

	ex       *task.Executor
	ownsExec bool

	itemPager   *paging.ItemPager
	expiryPager *paging.ExpiryPager

	mu       sync.RWMutex
	vbuckets map[int]*vbucket.VBucket

	disk    *diskStore // nil for ephemeral buckets
	nextCAS atomic.Uint64
	closed  atomic.Bool
}

// New creates a bucket and starts its paging tasks.
func New(opts *Options) (*Bucket, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	cfg, err := config.New(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("bucket config: %w", err)
	}
	name := opts.Name
	if name == "" {
		name = "default"
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	b := &Bucket{
		name:     name,
		cfg:      cfg,
		st:       stats.NewEngineStats(),
		monitor:  mem.NewMonitor(cfg.MaxSize(), cfg.MemLowWat(), cfg.MemHighWat()),
		clk:      clk,
		vbuckets: make(map[int]*vbucket.VBucket),
	}
	if !cfg.IsEphemeral() {
		b.disk = newDiskStore()
	}

	b.ex = opts.Executor
	if b.ex == nil {
		b.ex = task.NewExecutor(nil)
		b.ownsExec = true
	}

	cfg.AddChangeListener("max_size", func() {
		b.monitor.Resize(cfg.MaxSize(), cfg.MemLowWat(), cfg.MemHighWat())
	})

	b.itemPager = paging.NewItemPager(cfg, b.st, b.monitor, b, clk)
	b.expiryPager = paging.NewExpiryPager(cfg, b.st, b.monitor, b, clk)

	// crossing the high watermark starts reclamation; a fail_new_data
	// ephemeral bucket never auto-evicts, it sweeps expired items instead
	failNewData := cfg.IsEphemeral() &&
		cfg.EphemeralFullPolicy() == config.EphemeralFailNewData
	b.monitor.SetHighWatCallback(func() {
		if failNewData {
			b.expiryPager.Wake()
			return
		}
		b.itemPager.Wake()
	})

	b.itemPager.Start(b.ex)
	b.expiryPager.Start(b.ex)

	b.st.RegisterGauge("mem_used", func() float64 {
		return float64(b.monitor.Estimated())
	})
	b.st.RegisterGauge("curr_items", func() float64 {
		return float64(b.NumItems())
	})
	b.st.RegisterGauge("num_non_resident", func() float64 {
		return float64(b.NumNonResidentItems())
	})

	log.Infof("bucket %q created: type=%s policy=%s quota=%d",
		name, cfg.BucketType(), cfg.HtEvictionPolicy(), cfg.MaxSize())
	return b, nil
}

// Close cancels paging work and, when owned, stops the executor.
func (b *Bucket) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.itemPager.Cancel()
	b.expiryPager.Cancel()
	if b.ownsExec {
		b.ex.Stop()
	}
}

// --------------------------------------------------------------------------
// VBucket management
// --------------------------------------------------------------------------

// SetVBucketState creates the vbucket on first use and transitions its
// state thereafter.
func (b *Bucket) SetVBucketState(id int, state vbucket.State) {
	b.mu.Lock()
	vb, ok := b.vbuckets[id]
	if !ok {
		vb = vbucket.New(id, state, b.monitor.Account)
		b.vbuckets[id] = vb
	} else {
		vb.SetState(state)
	}
	b.mu.Unlock()
}

// VB returns the vbucket for id, or nil.
func (b *Bucket) VB(id int) *vbucket.VBucket {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.vbuckets[id]
}

// OnlineVBuckets implements paging.VBucketSource: non-dead vbuckets in
// ascending id order.
func (b *Bucket) OnlineVBuckets() []*vbucket.VBucket {
	b.mu.RLock()
	out := make([]*vbucket.VBucket, 0, len(b.vbuckets))
	for _, vb := range b.vbuckets {
		if vb.Online() {
			out = append(out, vb)
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (b *Bucket) activeVB(id int) (*vbucket.VBucket, error) {
	vb := b.VB(id)
	if vb == nil || vb.State() != vbucket.StateActive {
		return nil, ErrNotMyVBucket
	}
	return vb, nil
}

// --------------------------------------------------------------------------
// Key-value operations
// --------------------------------------------------------------------------

// Set stores value under key with an absolute expiry (0 = never).
// Above the mutation memory threshold it fails with
// mem.ErrTemporaryFailure and leaves reclamation to the woken pager.
func (b *Bucket) Set(vbID int, key string, value []byte, expiry uint32) error {
	vb, err := b.activeVB(vbID)
	if err != nil {
		return err
	}

	incoming := (&item.StoredValue{Key: key, Value: value}).MemSize()
	if err := b.admitMutation(incoming); err != nil {
		return err
	}

	isEphemeral := b.cfg.IsEphemeral()
	vb.HT().Store(key, func(old *item.StoredValue) *item.StoredValue {
		sv := &item.StoredValue{
			Key:      key,
			Value:    value,
			Seqno:    vb.NextSeqno(),
			CAS:      b.nextCAS.Add(1),
			Expiry:   expiry,
			Dirty:    !isEphemeral,
			Resident: true,
		}
		if old != nil {
			// an overwrite counts as an access
			sv.FreqCounter = item.NextFreqCount(old.FreqCounter, rand.Float64())
			sv.NRU = 0
		} else {
			sv.FreqCounter = item.InitialFreqCount
			sv.NRU = item.InitialNRU
		}
		return sv
	})
	return nil
}

// admitMutation is the front-line memory check for writes.
func (b *Bucket) admitMutation(incoming int) error {
	if b.cfg.IsEphemeral() &&
		b.cfg.EphemeralFullPolicy() == config.EphemeralFailNewData {
		// no auto-eviction: stay full until TTLs free memory
		if b.monitor.AboveHighWat() {
			b.st.TmpOOMErrors.Inc()
			return mem.ErrTemporaryFailure
		}
		return nil
	}
	if err := b.monitor.CheckQuota(incoming); err != nil {
		b.st.TmpOOMErrors.Inc()
		b.itemPager.Wake()
		return err
	}
	return nil
}

// Get returns a copy of the value and its CAS. A read of an expired item
// removes it; a read of a non-resident item schedules a background fetch
// and returns ErrWouldBlock.
func (b *Bucket) Get(vbID int, key string) ([]byte, uint64, error) {
	vb, err := b.activeVB(vbID)
	if err != nil {
		return nil, 0, err
	}

	var (
		value      []byte
		cas        uint64
		found      bool
		wouldBlock bool
	)
	now := b.clk.Now()
	vb.HT().Mutate(key, func(sv *item.StoredValue) hashtable.Decision {
		if sv == nil {
			return hashtable.DecisionSkip
		}
		if sv.IsExpired(now) {
			// lazy expiry: the access observes the death of the item
			b.st.ExpiredAccess.Inc()
			b.removeFromDisk(vbID, key)
			return hashtable.DecisionDelete
		}
		if !sv.Resident {
			wouldBlock = true
			return hashtable.DecisionSkip
		}
		found = true
		value = append([]byte(nil), sv.Value...)
		cas = sv.CAS
		sv.FreqCounter = item.NextFreqCount(sv.FreqCounter, rand.Float64())
		sv.NRU = 0
		return hashtable.DecisionDecay
	})

	if wouldBlock {
		b.scheduleBGFetch(vb, key)
		return nil, 0, ErrWouldBlock
	}
	if !found {
		return nil, 0, ErrKeyNotFound
	}
	return value, cas, nil
}

// Delete removes key. Deleting an expired key still succeeds; the caller
// observed the item before its death.
func (b *Bucket) Delete(vbID int, key string) error {
	vb, err := b.activeVB(vbID)
	if err != nil {
		return err
	}

	var existed bool
	vb.HT().Mutate(key, func(sv *item.StoredValue) hashtable.Decision {
		if sv == nil {
			return hashtable.DecisionSkip
		}
		existed = true
		return hashtable.DecisionDelete
	})
	if !existed {
		return ErrKeyNotFound
	}
	b.removeFromDisk(vbID, key)
	return nil
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// NumItems returns the total documents across online vbuckets.
func (b *Bucket) NumItems() int64 {
	var n int64
	for _, vb := range b.OnlineVBuckets() {
		n += vb.HT().NumItems()
	}
	return n
}

// NumNonResidentItems returns the documents without a value in memory.
func (b *Bucket) NumNonResidentItems() int64 {
	var n int64
	for _, vb := range b.OnlineVBuckets() {
		n += vb.HT().NumNonResidentItems()
	}
	return n
}

// Config returns the live configuration.
func (b *Bucket) Config() *config.Configuration { return b.cfg }

// Stats returns the bucket's metrics.
func (b *Bucket) Stats() *stats.EngineStats { return b.st }

// Monitor returns the memory monitor.
func (b *Bucket) Monitor() *mem.Monitor { return b.monitor }

// ItemPager returns the memory-recovery pager.
func (b *Bucket) ItemPager() *paging.ItemPager { return b.itemPager }

// ExpiryPager returns the periodic expiry sweep.
func (b *Bucket) ExpiryPager() *paging.ExpiryPager { return b.expiryPager }

// Executor returns the task executor driving the pagers.
func (b *Bucket) Executor() *task.Executor { return b.ex }
