// Package stats holds the engine-wide counters mutated by the paging and
// expiry code and read by operators.
//
// Counters are backed by VictoriaMetrics metrics so they can be exported in
// Prometheus text format; run durations are tracked with go-metrics timers.
// Every bucket owns its own EngineStats so tests are isolated.
package stats

import (
	"io"

	vmetrics "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// --------------------------------------------------------------------------
// EngineStats
// --------------------------------------------------------------------------

// EngineStats tracks the reclamation counters for a single bucket.
//
// Thread-safety: all counters are safe for concurrent use.
type EngineStats struct {
	set      *vmetrics.Set
	registry gometrics.Registry

	// ExpiredPager counts items removed by the expiry pager.
	ExpiredPager *vmetrics.Counter
	// ExpiredAccess counts items expired on the access path (expire-on-read).
	ExpiredAccess *vmetrics.Counter
	// NumValueEjects counts values made non-resident by the item pager.
	NumValueEjects *vmetrics.Counter
	// PagerDeletes counts full documents removed by the item pager
	// (ephemeral auto-delete buckets only).
	PagerDeletes *vmetrics.Counter
	// ItemsVisited counts stored values inspected by paging visitors.
	ItemsVisited *vmetrics.Counter
	// PagerRuns counts complete item pager invocations.
	PagerRuns *vmetrics.Counter
	// ExpiryPagerRuns counts complete expiry pager invocations.
	ExpiryPagerRuns *vmetrics.Counter
	// TmpOOMErrors counts mutations rejected with temporary-failure.
	TmpOOMErrors *vmetrics.Counter
	// BGFetches counts ejected values restored from disk.
	BGFetches *vmetrics.Counter

	// PagerRunTime tracks the duration of item pager visitor runs.
	PagerRunTime gometrics.Timer
	// ExpiryPagerRunTime tracks the duration of expiry pager visitor runs.
	ExpiryPagerRunTime gometrics.Timer
}

// NewEngineStats creates a fresh set of counters.
func NewEngineStats() *EngineStats {
	set := vmetrics.NewSet()
	registry := gometrics.NewRegistry()

	return &EngineStats{
		set:      set,
		registry: registry,

		ExpiredPager:    set.NewCounter("expired_pager"),
		ExpiredAccess:   set.NewCounter("expired_access"),
		NumValueEjects:  set.NewCounter("num_value_ejects"),
		PagerDeletes:    set.NewCounter("pager_deletes"),
		ItemsVisited:    set.NewCounter("pager_items_visited"),
		PagerRuns:       set.NewCounter("pager_runs"),
		ExpiryPagerRuns: set.NewCounter("expiry_pager_runs"),
		TmpOOMErrors:    set.NewCounter("tmp_oom_errors"),
		BGFetches:       set.NewCounter("bg_fetches"),

		PagerRunTime:       gometrics.NewRegisteredTimer("pager_run_time", registry),
		ExpiryPagerRunTime: gometrics.NewRegisteredTimer("expiry_pager_run_time", registry),
	}
}

// RegisterGauge exposes a callback-backed gauge (e.g. current memory usage).
func (s *EngineStats) RegisterGauge(name string, f func() float64) {
	s.set.NewGauge(name, f)
}

// WritePrometheus writes all counters and gauges in Prometheus text format.
func (s *EngineStats) WritePrometheus(w io.Writer) {
	s.set.WritePrometheus(w)
}

// Registry returns the go-metrics registry holding the run timers.
func (s *EngineStats) Registry() gometrics.Registry {
	return s.registry
}
