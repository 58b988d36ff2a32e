package paging

import (
	"math"

	"github.com/scwright027/kv-engine/lib/engine/item"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

// NoFreqThreshold is the sentinel returned when no item qualifies for
// eviction (empty population or zero requested fraction). It is distinct
// from the maximum counter value: a threshold of 255 means everything
// qualifies, the sentinel means nothing does.
const NoFreqThreshold uint16 = math.MaxUint16

const (
	// learningPopulation is the sample count below which thresholds are
	// recomputed on every visited item.
	learningPopulation = 100
	// updateInterval is how many items are visited between threshold
	// recomputations once out of the learning window.
	updateInterval = 500
)

// --------------------------------------------------------------------------
// ItemEviction - the aging model
// --------------------------------------------------------------------------

// ItemEviction maps the observed distribution of frequency counters and
// item ages to eviction thresholds. Histograms are built incrementally as
// a visitor walks a vbucket's items; thresholds are derived by walking the
// histogram from the low end until the requested fraction is covered.
// Nothing here is persisted; everything is recomputed every pass.
//
// Thread-safety: not thread-safe. Each paging visitor owns one instance.
type ItemEviction struct {
	// one bucket per possible counter value
	freqBuckets [int(item.MaxFreqCount) + 1]uint64
	freqSamples uint64

	// exponential buckets over item age (seqno distance)
	ageBoundaries []uint64
	ageBuckets    []uint64
	ageSamples    uint64
}

// NewItemEviction creates an empty aging model.
func NewItemEviction() *ItemEviction {
	// powers of two up to 2^40, which covers any realistic seqno distance
	boundaries := make([]uint64, 41)
	for i := range boundaries {
		boundaries[i] = uint64(1) << uint(i)
	}
	return &ItemEviction{
		ageBoundaries: boundaries,
		ageBuckets:    make([]uint64, len(boundaries)+1),
	}
}

// AddSample records one eligible item's frequency counter and age. Only
// genuinely eviction-eligible items may be recorded: an item above the
// threshold still records its real counter value, never a placeholder.
func (ie *ItemEviction) AddSample(freq uint8, age uint64) {
	ie.freqBuckets[freq]++
	ie.freqSamples++

	bucket := len(ie.ageBoundaries)
	for i, boundary := range ie.ageBoundaries {
		if age <= boundary {
			bucket = i
			break
		}
	}
	ie.ageBuckets[bucket]++
	ie.ageSamples++
}

// NumSamples returns how many items have been recorded this pass.
func (ie *ItemEviction) NumSamples() uint64 { return ie.freqSamples }

// Learning reports whether the sample population is still too small for
// stable thresholds; while learning, thresholds are recomputed per item.
func (ie *ItemEviction) Learning() bool { return ie.freqSamples < learningPopulation }

// RequiresUpdate reports whether thresholds should be recomputed after the
// given number of visited items.
func (ie *ItemEviction) RequiresUpdate(visited uint64) bool {
	return ie.Learning() || visited%updateInterval == 0
}

// Reset clears both histograms for the next pass.
func (ie *ItemEviction) Reset() {
	for i := range ie.freqBuckets {
		ie.freqBuckets[i] = 0
	}
	for i := range ie.ageBuckets {
		ie.ageBuckets[i] = 0
	}
	ie.freqSamples = 0
	ie.ageSamples = 0
}

// --------------------------------------------------------------------------
// Threshold computation
// --------------------------------------------------------------------------

// Thresholds computes the (frequency, age) cutoff pair such that
// approximately freqPercent of the recorded population falls at or below
// the frequency cutoff, and agePercent of the population is older than the
// age cutoff. Percentages are 0-100 and clamped.
//
// An empty population or a zero fraction yields NoFreqThreshold: the
// sentinel is deliberately distinct from the maximum counter value so that
// "nothing qualifies" can never be confused with "everything qualifies".
func (ie *ItemEviction) Thresholds(freqPercent, agePercent float64) (uint16, uint64) {
	freqPercent = clampPercent(freqPercent)
	agePercent = clampPercent(agePercent)

	if ie.freqSamples == 0 || freqPercent == 0 {
		return NoFreqThreshold, 0
	}

	// walk the frequency histogram from the low end accumulating counts
	// until the target fraction is reached
	target := uint64(math.Ceil(float64(ie.freqSamples) * freqPercent / 100.0))
	var cumulative uint64
	freqThreshold := uint16(item.MaxFreqCount)
	for i, count := range ie.freqBuckets {
		cumulative += count
		if cumulative >= target {
			freqThreshold = uint16(i)
			break
		}
	}

	// the age threshold is the (100-agePercent) percentile: items older
	// than it get an eviction bias
	var ageThreshold uint64
	if ie.ageSamples > 0 && agePercent > 0 {
		ageTarget := uint64(math.Ceil(float64(ie.ageSamples) * (100.0 - agePercent) / 100.0))
		cumulative = 0
		for i, count := range ie.ageBuckets {
			cumulative += count
			if cumulative >= ageTarget {
				if i < len(ie.ageBoundaries) {
					ageThreshold = ie.ageBoundaries[i]
				} else {
					ageThreshold = ie.ageBoundaries[len(ie.ageBoundaries)-1] * 2
				}
				break
			}
		}
	}

	return freqThreshold, ageThreshold
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// --------------------------------------------------------------------------
// Counter decay
// --------------------------------------------------------------------------

// DecayOne computes the counter value after one visit that considered the
// item for eviction but did not evict it. At or below the initial counter
// value the decrement is certain, so a freshly stored item reliably loses
// one life per full visitation pass; above it the probability falls
// hyperbolically with the remaining distance. sample must be uniform in
// [0,1).
func DecayOne(freq uint8, sample float64) uint8 {
	if freq == 0 {
		return 0
	}
	if freq <= item.InitialFreqCount {
		return freq - 1
	}
	p := float64(item.InitialFreqCount+1) / float64(freq+1)
	if sample < p {
		return freq - 1
	}
	return freq
}
