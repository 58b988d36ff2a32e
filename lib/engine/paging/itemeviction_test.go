package paging

import (
	"testing"

	"github.com/scwright027/kv-engine/lib/engine/item"
)

// TestThresholdsEmptyPopulation tests that an empty histogram yields the
// "nothing qualifies" sentinel
func TestThresholdsEmptyPopulation(t *testing.T) {
	ie := NewItemEviction()

	freq, age := ie.Thresholds(50, 30)
	if freq != NoFreqThreshold {
		t.Errorf("empty population: freq threshold = %d, want sentinel %d", freq, NoFreqThreshold)
	}
	if age != 0 {
		t.Errorf("empty population: age threshold = %d, want 0", age)
	}
}

// TestThresholdsZeroFraction tests that a zero requested fraction never
// qualifies anything
func TestThresholdsZeroFraction(t *testing.T) {
	ie := NewItemEviction()
	for i := 0; i < 10; i++ {
		ie.AddSample(item.InitialFreqCount, 1)
	}

	if freq, _ := ie.Thresholds(0, 30); freq != NoFreqThreshold {
		t.Errorf("zero fraction: freq threshold = %d, want sentinel", freq)
	}
}

// TestThresholdsUniformCounters tests that a uniform population puts the
// threshold exactly at the common counter value
func TestThresholdsUniformCounters(t *testing.T) {
	ie := NewItemEviction()
	for i := 0; i < 100; i++ {
		ie.AddSample(item.InitialFreqCount, 1)
	}

	for _, pct := range []float64{1, 35, 100} {
		if freq, _ := ie.Thresholds(pct, 0); freq != uint16(item.InitialFreqCount) {
			t.Errorf("uniform population at %v%%: freq threshold = %d, want %d",
				pct, freq, item.InitialFreqCount)
		}
	}
}

// TestThresholdsBimodalCounters tests the low-end-up histogram walk
func TestThresholdsBimodalCounters(t *testing.T) {
	ie := NewItemEviction()
	for i := 0; i < 50; i++ {
		ie.AddSample(0, 1)
	}
	for i := 0; i < 50; i++ {
		ie.AddSample(10, 1)
	}

	if freq, _ := ie.Thresholds(25, 0); freq != 0 {
		t.Errorf("25%% of bimodal: freq threshold = %d, want 0", freq)
	}
	if freq, _ := ie.Thresholds(50, 0); freq != 0 {
		t.Errorf("50%% of bimodal: freq threshold = %d, want 0", freq)
	}
	if freq, _ := ie.Thresholds(51, 0); freq != 10 {
		t.Errorf("51%% of bimodal: freq threshold = %d, want 10", freq)
	}
	if freq, _ := ie.Thresholds(100, 0); freq != 10 {
		t.Errorf("100%% of bimodal: freq threshold = %d, want 10", freq)
	}
}

// TestAgeThresholdPercentile tests that the age cutoff lands on the
// (100-agePercent) percentile bucket boundary
func TestAgeThresholdPercentile(t *testing.T) {
	ie := NewItemEviction()
	for age := uint64(1); age <= 100; age++ {
		ie.AddSample(item.InitialFreqCount, age)
	}

	// 30% of items should count as "old": the cutoff is the bucket
	// holding the 70th sample, which for ages 1..100 is the (64,128]
	// power-of-two bucket
	_, age := ie.Thresholds(100, 30)
	if age != 128 {
		t.Errorf("age threshold = %d, want 128", age)
	}

	// agePercent 0 disables the age bias entirely
	if _, age := ie.Thresholds(100, 0); age != 0 {
		t.Errorf("age threshold with 0%% = %d, want 0", age)
	}
}

// TestLearningAndUpdateCadence tests the per-item vs periodic threshold
// recomputation windows
func TestLearningAndUpdateCadence(t *testing.T) {
	ie := NewItemEviction()

	if !ie.Learning() {
		t.Error("fresh model should be learning")
	}
	if !ie.RequiresUpdate(7) {
		t.Error("learning model should require an update on every item")
	}

	for i := 0; i < learningPopulation; i++ {
		ie.AddSample(item.InitialFreqCount, 1)
	}
	if ie.Learning() {
		t.Errorf("model should stop learning at %d samples", learningPopulation)
	}
	if ie.RequiresUpdate(updateInterval + 1) {
		t.Error("settled model should not update off-interval")
	}
	if !ie.RequiresUpdate(updateInterval * 2) {
		t.Error("settled model should update on the interval")
	}

	ie.Reset()
	if !ie.Learning() || ie.NumSamples() != 0 {
		t.Error("Reset should return the model to the learning state")
	}
}

// TestDecayOneDeterministic tests that counters at or below the initial
// value lose exactly one life per visit
func TestDecayOneDeterministic(t *testing.T) {
	// worst-case sample must not matter in the deterministic range
	for freq := uint8(1); freq <= item.InitialFreqCount; freq++ {
		if got := DecayOne(freq, 0.999999); got != freq-1 {
			t.Errorf("DecayOne(%d) = %d, want %d", freq, got, freq-1)
		}
	}
	if got := DecayOne(0, 0); got != 0 {
		t.Errorf("DecayOne(0) = %d, want 0", got)
	}
}

// TestDecayOneProbabilistic tests the sample-gated decay of warm counters
func TestDecayOneProbabilistic(t *testing.T) {
	// freq 9: p = 5/10 = 0.5
	if got := DecayOne(9, 0.49); got != 8 {
		t.Errorf("DecayOne(9, 0.49) = %d, want 8", got)
	}
	if got := DecayOne(9, 0.51); got != 9 {
		t.Errorf("DecayOne(9, 0.51) = %d, want 9", got)
	}
}
