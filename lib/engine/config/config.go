// Package config holds the runtime configuration consumed by the paging
// subsystem. Values are validated synchronously when set; change listeners
// run inside the setter so dependents (e.g. the item pager's phase reset)
// observe a new value before the setter returns.
package config

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Enumerations
// --------------------------------------------------------------------------

// EvictionPolicy selects the item aging algorithm.
type EvictionPolicy string

const (
	// Policy2BitLRU is the legacy single-phase 2-bit NRU policy.
	Policy2BitLRU EvictionPolicy = "2-bit_lru"
	// PolicyHiFiMFU is the frequency-based policy with phased visitation.
	PolicyHiFiMFU EvictionPolicy = "hifi_mfu"
)

// BucketType distinguishes persistent from in-memory-only buckets.
type BucketType string

const (
	BucketPersistent BucketType = "persistent"
	BucketEphemeral  BucketType = "ephemeral"
)

// EphemeralFullPolicy selects what an ephemeral bucket does under memory
// pressure: delete items automatically or reject new writes.
type EphemeralFullPolicy string

const (
	EphemeralAutoDelete  EphemeralFullPolicy = "auto_delete"
	EphemeralFailNewData EphemeralFullPolicy = "fail_new_data"
)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Configuration is the explicit state object passed to collaborators
// (never ambient globals, so ownership and test-reset are explicit).
//
// Thread-safety: all getters and setters are safe for concurrent use.
// Listeners run synchronously under the setter's lock.
type Configuration struct {
	maxSize    atomic.Uint64
	memLowWat  atomic.Uint64
	memHighWat atomic.Uint64

	htEvictionPolicy                    atomic.Value // EvictionPolicy
	itemEvictionAgePercentage           atomic.Uint64
	itemEvictionFreqCounterAgeThreshold atomic.Uint64
	expPagerStime                       atomic.Uint64 // seconds
	pagerActiveVbPcnt                   atomic.Uint64

	// immutable after construction
	bucketType          BucketType
	ephemeralFullPolicy EphemeralFullPolicy

	mu        sync.Mutex
	listeners map[string][]func()
}

// Options configures a bucket's Configuration during initialization.
type Options struct {
	MaxSize    uint64 // hard quota in bytes
	MemLowWat  uint64 // 0 = derive from quota
	MemHighWat uint64 // 0 = derive from quota

	HtEvictionPolicy    EvictionPolicy
	BucketType          BucketType
	EphemeralFullPolicy EphemeralFullPolicy

	ItemEvictionAgePercentage           uint64 // 0 = default 30
	ItemEvictionFreqCounterAgeThreshold uint64 // 0 = default 1
	ExpPagerStime                       uint64 // seconds, 0 = default 3600
	PagerActiveVbPcnt                   uint64 // 0 = default 40
}

// DefaultOptions returns the default configuration options.
func DefaultOptions() *Options {
	return &Options{
		MaxSize:                             256 * 1024 * 1024,
		HtEvictionPolicy:                    PolicyHiFiMFU,
		BucketType:                          BucketPersistent,
		EphemeralFullPolicy:                 EphemeralAutoDelete,
		ItemEvictionAgePercentage:           30,
		ItemEvictionFreqCounterAgeThreshold: 1,
		ExpPagerStime:                       3600,
		PagerActiveVbPcnt:                   40,
	}
}

// New creates a validated Configuration from the given options.
func New(opts *Options) (*Configuration, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	c := &Configuration{
		bucketType:          opts.BucketType,
		ephemeralFullPolicy: opts.EphemeralFullPolicy,
		listeners:           make(map[string][]func()),
	}

	if c.bucketType == "" {
		c.bucketType = BucketPersistent
	}
	if c.ephemeralFullPolicy == "" {
		c.ephemeralFullPolicy = EphemeralAutoDelete
	}
	if c.bucketType != BucketPersistent && c.bucketType != BucketEphemeral {
		return nil, fmt.Errorf("invalid bucket_type: %s", c.bucketType)
	}

	policy := opts.HtEvictionPolicy
	if policy == "" {
		policy = PolicyHiFiMFU
	}
	c.htEvictionPolicy.Store(policy)
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	if err := c.SetMemQuota(opts.MaxSize, opts.MemLowWat, opts.MemHighWat); err != nil {
		return nil, err
	}

	agePct := opts.ItemEvictionAgePercentage
	if agePct == 0 {
		agePct = 30
	}
	if err := c.SetItemEvictionAgePercentage(agePct); err != nil {
		return nil, err
	}

	ageThreshold := opts.ItemEvictionFreqCounterAgeThreshold
	if ageThreshold == 0 {
		ageThreshold = 1
	}
	c.itemEvictionFreqCounterAgeThreshold.Store(ageThreshold)

	stime := opts.ExpPagerStime
	if stime == 0 {
		stime = 3600
	}
	c.expPagerStime.Store(stime)

	pcnt := opts.PagerActiveVbPcnt
	if pcnt == 0 {
		pcnt = 40
	}
	if pcnt > 100 {
		return nil, fmt.Errorf("invalid pager_active_vb_pcnt: %d", pcnt)
	}
	c.pagerActiveVbPcnt.Store(pcnt)

	return c, nil
}

func validatePolicy(p EvictionPolicy) error {
	switch p {
	case Policy2BitLRU, PolicyHiFiMFU:
		return nil
	default:
		return fmt.Errorf("invalid ht_eviction_policy: %q (expected %q or %q)",
			p, Policy2BitLRU, PolicyHiFiMFU)
	}
}

// --------------------------------------------------------------------------
// Setters (validated, listeners run synchronously)
// --------------------------------------------------------------------------

// SetMemQuota updates the quota and watermarks. Watermarks given as 0 are
// derived later by the memory monitor. An invalid combination is rejected
// without touching the stored values.
func (c *Configuration) SetMemQuota(maxSize, lowWat, highWat uint64) error {
	if maxSize == 0 {
		return fmt.Errorf("invalid max_size: must be > 0")
	}
	if lowWat != 0 && highWat != 0 && lowWat >= highWat {
		return fmt.Errorf("invalid watermarks: mem_low_wat (%d) must be below mem_high_wat (%d)", lowWat, highWat)
	}
	if highWat != 0 && highWat >= maxSize {
		return fmt.Errorf("invalid watermarks: mem_high_wat (%d) must be below max_size (%d)", highWat, maxSize)
	}
	c.maxSize.Store(maxSize)
	c.memLowWat.Store(lowWat)
	c.memHighWat.Store(highWat)
	c.notify("max_size")
	return nil
}

// SetHtEvictionPolicy switches the eviction policy at runtime. Listeners
// (the item pager's phase reset) run before this returns, so no pager run
// can observe the new policy with a stale phase.
func (c *Configuration) SetHtEvictionPolicy(p EvictionPolicy) error {
	if err := validatePolicy(p); err != nil {
		return err
	}
	c.htEvictionPolicy.Store(p)
	c.notify("ht_eviction_policy")
	return nil
}

// SetItemEvictionAgePercentage sets the age-bias fraction (0-100).
func (c *Configuration) SetItemEvictionAgePercentage(pct uint64) error {
	if pct > 100 {
		return fmt.Errorf("invalid item_eviction_age_percentage: %d (expected 0-100)", pct)
	}
	c.itemEvictionAgePercentage.Store(pct)
	c.notify("item_eviction_age_percentage")
	return nil
}

// SetItemEvictionFreqCounterAgeThreshold sets the counter value below which
// age is ignored when selecting eviction candidates.
func (c *Configuration) SetItemEvictionFreqCounterAgeThreshold(v uint64) error {
	if v > 255 {
		return fmt.Errorf("invalid item_eviction_freq_counter_age_threshold: %d (expected 0-255)", v)
	}
	c.itemEvictionFreqCounterAgeThreshold.Store(v)
	c.notify("item_eviction_freq_counter_age_threshold")
	return nil
}

// SetExpPagerStime sets the expiry pager interval in seconds.
func (c *Configuration) SetExpPagerStime(seconds uint64) error {
	if seconds == 0 {
		return fmt.Errorf("invalid exp_pager_stime: must be > 0")
	}
	c.expPagerStime.Store(seconds)
	c.notify("exp_pager_stime")
	return nil
}

// --------------------------------------------------------------------------
// Getters
// --------------------------------------------------------------------------

func (c *Configuration) MaxSize() uint64    { return c.maxSize.Load() }
func (c *Configuration) MemLowWat() uint64  { return c.memLowWat.Load() }
func (c *Configuration) MemHighWat() uint64 { return c.memHighWat.Load() }

func (c *Configuration) HtEvictionPolicy() EvictionPolicy {
	return c.htEvictionPolicy.Load().(EvictionPolicy)
}

func (c *Configuration) ItemEvictionAgePercentage() uint64 {
	return c.itemEvictionAgePercentage.Load()
}

func (c *Configuration) ItemEvictionFreqCounterAgeThreshold() uint64 {
	return c.itemEvictionFreqCounterAgeThreshold.Load()
}

func (c *Configuration) ExpPagerStime() uint64 { return c.expPagerStime.Load() }

func (c *Configuration) PagerActiveVbPcnt() uint64 { return c.pagerActiveVbPcnt.Load() }

func (c *Configuration) BucketType() BucketType { return c.bucketType }

func (c *Configuration) EphemeralFullPolicy() EphemeralFullPolicy {
	return c.ephemeralFullPolicy
}

// IsEphemeral reports whether the bucket holds data in memory only.
func (c *Configuration) IsEphemeral() bool {
	return c.bucketType == BucketEphemeral
}

// --------------------------------------------------------------------------
// Change listeners
// --------------------------------------------------------------------------

// AddChangeListener registers a function invoked synchronously whenever the
// named key is set.
func (c *Configuration) AddChangeListener(key string, f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[key] = append(c.listeners[key], f)
}

func (c *Configuration) notify(key string) {
	c.mu.Lock()
	fns := c.listeners[key]
	c.mu.Unlock()
	for _, f := range fns {
		f()
	}
}
