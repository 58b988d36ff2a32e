package config

import "testing"

// TestDefaults tests the documented default values
func TestDefaults(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatalf("New(nil): %v", err)
	}

	if c.HtEvictionPolicy() != PolicyHiFiMFU {
		t.Errorf("default policy = %s, want %s", c.HtEvictionPolicy(), PolicyHiFiMFU)
	}
	if c.BucketType() != BucketPersistent || c.IsEphemeral() {
		t.Errorf("default bucket type = %s, want persistent", c.BucketType())
	}
	if c.ItemEvictionAgePercentage() != 30 {
		t.Errorf("default age percentage = %d, want 30", c.ItemEvictionAgePercentage())
	}
	if c.ItemEvictionFreqCounterAgeThreshold() != 1 {
		t.Errorf("default freq counter age threshold = %d, want 1",
			c.ItemEvictionFreqCounterAgeThreshold())
	}
	if c.ExpPagerStime() != 3600 {
		t.Errorf("default exp_pager_stime = %d, want 3600", c.ExpPagerStime())
	}
	if c.PagerActiveVbPcnt() != 40 {
		t.Errorf("default pager_active_vb_pcnt = %d, want 40", c.PagerActiveVbPcnt())
	}
}

// TestValidation tests that invalid values are rejected without mutating
// stored state
func TestValidation(t *testing.T) {
	if _, err := New(&Options{MaxSize: 1 << 20, HtEvictionPolicy: "lru"}); err == nil {
		t.Error("unknown eviction policy should be rejected")
	}
	if _, err := New(&Options{MaxSize: 1 << 20, BucketType: "couchstore"}); err == nil {
		t.Error("unknown bucket type should be rejected")
	}
	if _, err := New(&Options{MaxSize: 0}); err == nil {
		t.Error("zero quota should be rejected")
	}

	c, err := New(&Options{MaxSize: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.SetMemQuota(1<<20, 900_000, 800_000); err == nil {
		t.Error("low watermark above high watermark should be rejected")
	}
	if err := c.SetItemEvictionAgePercentage(101); err == nil {
		t.Error("age percentage above 100 should be rejected")
	}
	if err := c.SetItemEvictionFreqCounterAgeThreshold(256); err == nil {
		t.Error("freq counter age threshold above 255 should be rejected")
	}
	if err := c.SetExpPagerStime(0); err == nil {
		t.Error("zero expiry pager interval should be rejected")
	}
	if err := c.SetHtEvictionPolicy("mru"); err == nil {
		t.Error("unknown policy in setter should be rejected")
	}
	// the failed setter must not have stuck
	if c.HtEvictionPolicy() != PolicyHiFiMFU {
		t.Errorf("policy after rejected set = %s, want %s",
			c.HtEvictionPolicy(), PolicyHiFiMFU)
	}
}

// TestChangeListenersRunSynchronously tests that a listener observes the
// new value before the setter returns
func TestChangeListenersRunSynchronously(t *testing.T) {
	c, err := New(&Options{MaxSize: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var observed EvictionPolicy
	c.AddChangeListener("ht_eviction_policy", func() {
		observed = c.HtEvictionPolicy()
	})

	if err := c.SetHtEvictionPolicy(Policy2BitLRU); err != nil {
		t.Fatalf("SetHtEvictionPolicy: %v", err)
	}
	if observed != Policy2BitLRU {
		t.Errorf("listener observed %q, want %q", observed, Policy2BitLRU)
	}

	// listeners are keyed; an unrelated setter must not fire this one
	observed = ""
	if err := c.SetExpPagerStime(60); err != nil {
		t.Fatalf("SetExpPagerStime: %v", err)
	}
	if observed != "" {
		t.Error("listener fired for an unrelated key")
	}
}
