package hashtable

import (
	"fmt"
	"testing"

	"github.com/scwright027/kv-engine/lib/engine/item"
)

func newValue(key string, size int) *item.StoredValue {
	return &item.StoredValue{
		Key:      key,
		Value:    make([]byte, size),
		Resident: true,
	}
}

// TestUpsertAccounting tests item count and byte accounting through
// insert, replace and delete
func TestUpsertAccounting(t *testing.T) {
	var observed int64
	ht := New(func(delta int64) { observed += delta })

	sv := newValue("a", 100)
	ht.Upsert(sv)

	if ht.NumItems() != 1 {
		t.Errorf("NumItems = %d, want 1", ht.NumItems())
	}
	if ht.MemSize() != int64(sv.MemSize()) {
		t.Errorf("MemSize = %d, want %d", ht.MemSize(), sv.MemSize())
	}
	if observed != ht.MemSize() {
		t.Errorf("observer saw %d bytes, index accounts %d", observed, ht.MemSize())
	}

	// replacing with a larger value adjusts by the delta only
	ht.Upsert(newValue("a", 300))
	if ht.NumItems() != 1 {
		t.Errorf("NumItems after replace = %d, want 1", ht.NumItems())
	}
	wantDelta := int64(300 - 100)
	if observed != ht.MemSize() || ht.MemSize() != int64(sv.MemSize())+wantDelta {
		t.Errorf("MemSize after replace = %d (observer %d)", ht.MemSize(), observed)
	}

	if !ht.Delete("a") {
		t.Fatal("Delete should report the key existed")
	}
	if ht.NumItems() != 0 || ht.MemSize() != 0 || observed != 0 {
		t.Errorf("after delete: items=%d mem=%d observer=%d, want all 0",
			ht.NumItems(), ht.MemSize(), observed)
	}
	if ht.Delete("a") {
		t.Error("Delete of an absent key should report false")
	}
}

// TestStoreCarriesOldValue tests the read-modify-write upsert path
func TestStoreCarriesOldValue(t *testing.T) {
	ht := New(nil)
	ht.Upsert(&item.StoredValue{Key: "a", Value: []byte("v1"), FreqCounter: 9, Resident: true})

	ht.Store("a", func(old *item.StoredValue) *item.StoredValue {
		if old == nil {
			t.Fatal("Store should observe the existing value")
		}
		sv := *old
		sv.Value = []byte("v2")
		return &sv
	})

	got, ok := ht.Load("a")
	if !ok || string(got.Value) != "v2" || got.FreqCounter != 9 {
		t.Errorf("Load = %+v, want value v2 with counter 9", got)
	}

	// returning nil leaves an absent key absent
	ht.Store("ghost", func(old *item.StoredValue) *item.StoredValue { return nil })
	if _, ok := ht.Load("ghost"); ok {
		t.Error("Store returning nil must not materialise the key")
	}
}

// TestEvictDecisionAccounting tests residency bookkeeping on value
// ejection and restoration
func TestEvictDecisionAccounting(t *testing.T) {
	var observed int64
	ht := New(func(delta int64) { observed += delta })

	ht.Upsert(newValue("a", 512))
	full := ht.MemSize()

	ht.Mutate("a", func(sv *item.StoredValue) Decision { return DecisionEvict })

	if ht.NumNonResidentItems() != 1 {
		t.Errorf("NumNonResidentItems = %d, want 1", ht.NumNonResidentItems())
	}
	if ht.MemSize() != full-512 {
		t.Errorf("MemSize after eject = %d, want %d", ht.MemSize(), full-512)
	}
	if observed != ht.MemSize() {
		t.Errorf("observer %d out of step with index %d", observed, ht.MemSize())
	}

	// evicting an already non-resident value is a no-op
	ht.Mutate("a", func(sv *item.StoredValue) Decision { return DecisionEvict })
	if ht.NumNonResidentItems() != 1 || ht.MemSize() != full-512 {
		t.Error("double eviction must not change accounting")
	}

	// restoring residency reverses both counters
	ht.Store("a", func(old *item.StoredValue) *item.StoredValue {
		sv := *old
		sv.Value = make([]byte, 512)
		sv.Resident = true
		return &sv
	})
	if ht.NumNonResidentItems() != 0 || ht.MemSize() != full {
		t.Errorf("after restore: nonResident=%d mem=%d, want 0/%d",
			ht.NumNonResidentItems(), ht.MemSize(), full)
	}
}

// TestMutateAbsentKey tests that Mutate passes nil and never inserts
func TestMutateAbsentKey(t *testing.T) {
	ht := New(nil)

	called := false
	ht.Mutate("missing", func(sv *item.StoredValue) Decision {
		called = true
		if sv != nil {
			t.Error("Mutate of absent key should pass nil")
		}
		return DecisionSkip
	})
	if !called {
		t.Fatal("Mutate callback did not run")
	}
	if ht.NumItems() != 0 {
		t.Error("Mutate of absent key must not insert")
	}
}

// countingVisitor deletes every item until told to stop.
type countingVisitor struct {
	visited int
	limit   int
}

func (v *countingVisitor) Visit(sv *item.StoredValue) Decision {
	v.visited++
	return DecisionDelete
}

func (v *countingVisitor) ShouldContinue() bool { return v.visited < v.limit }

// TestVisitEarlyStop tests that the pass ends as soon as ShouldContinue
// reports false
func TestVisitEarlyStop(t *testing.T) {
	ht := New(nil)
	for i := 0; i < 20; i++ {
		ht.Upsert(newValue(fmt.Sprintf("key-%d", i), 10))
	}

	v := &countingVisitor{limit: 5}
	ht.Visit(v)

	if v.visited != 5 {
		t.Errorf("visitor saw %d items, want 5", v.visited)
	}
	if ht.NumItems() != 15 {
		t.Errorf("NumItems after partial delete pass = %d, want 15", ht.NumItems())
	}
}

// TestClear tests dropping all items with accounting intact
func TestClear(t *testing.T) {
	var observed int64
	ht := New(func(delta int64) { observed += delta })
	for i := 0; i < 10; i++ {
		ht.Upsert(newValue(fmt.Sprintf("key-%d", i), 64))
	}

	ht.Clear()
	if ht.NumItems() != 0 || ht.MemSize() != 0 || observed != 0 {
		t.Errorf("after Clear: items=%d mem=%d observer=%d, want all 0",
			ht.NumItems(), ht.MemSize(), observed)
	}
}
