// Package item defines the stored value record and its aging counters.
package item

// --------------------------------------------------------------------------
// Counter constants
// --------------------------------------------------------------------------

const (
	// InitialFreqCount is the frequency counter assigned to a freshly
	// stored value under the hifi_mfu policy.
	InitialFreqCount uint8 = 4
	// MaxFreqCount is the saturation point of the frequency counter.
	MaxFreqCount uint8 = 255

	// InitialNRU is the not-recently-used value assigned to a freshly
	// stored value under the legacy 2-bit_lru policy.
	InitialNRU uint8 = 2
	// MaxNRU marks a value as unreferenced and hence evictable.
	MaxNRU uint8 = 3
)

// perItemOverhead approximates the fixed bookkeeping cost of one stored
// value (metadata fields plus index entry).
const perItemOverhead = 64

// --------------------------------------------------------------------------
// StoredValue
// --------------------------------------------------------------------------

// StoredValue is a single key-value record owned by a vbucket's item index.
// Paging visitors observe and mutate counter/residency state through the
// index's visitation contract; they never own the value.
type StoredValue struct {
	Key    string
	Value  []byte // nil when non-resident
	Seqno  uint64
	CAS    uint64
	Expiry uint32 // absolute unix seconds, 0 = never

	FreqCounter uint8 // hifi_mfu recency/frequency counter
	NRU         uint8 // 2-bit_lru counter

	Dirty    bool // current value not yet persisted
	Resident bool // value bytes held in memory
}

// IsExpired reports whether the value's expiry time has passed.
func (sv *StoredValue) IsExpired(now uint32) bool {
	return sv.Expiry != 0 && now >= sv.Expiry
}

// MemSize returns the estimated memory footprint of the record.
func (sv *StoredValue) MemSize() int {
	return perItemOverhead + len(sv.Key) + len(sv.Value)
}

// Eject drops the value bytes, leaving metadata only. Returns the number of
// bytes released.
func (sv *StoredValue) Eject() int {
	released := len(sv.Value)
	sv.Value = nil
	sv.Resident = false
	return released
}

// MarkClean records that the current value has been persisted.
func (sv *StoredValue) MarkClean() {
	sv.Dirty = false
}

// --------------------------------------------------------------------------
// Frequency counter update
// --------------------------------------------------------------------------

// NextFreqCount computes the counter value after one access. The counter
// saturates probabilistically: the probability of incrementing falls as the
// counter grows, so the bounded 8-bit value approximates a much larger
// access count. sample must be uniform in [0,1).
func NextFreqCount(cur uint8, sample float64) uint8 {
	if cur >= MaxFreqCount {
		return MaxFreqCount
	}
	if cur < InitialFreqCount {
		return cur + 1
	}
	p := 1.0 / (1.0 + float64(cur-InitialFreqCount)*0.5)
	if sample < p {
		return cur + 1
	}
	return cur
}
