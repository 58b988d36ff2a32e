// Package mem tracks estimated memory usage against the bucket quota and
// watermarks, and signals the item pager when the high watermark is crossed.
package mem

import (
	"errors"
	"sync/atomic"
)

// ErrTemporaryFailure is returned by the mutation path when usage exceeds
// the quota headroom and reclamation has not yet caught up. Callers are
// expected to retry.
var ErrTemporaryFailure = errors.New("temporary failure: memory usage above quota")

// mutationMemRatio is the fraction of the quota a mutation may push usage
// up to before being rejected.
const mutationMemRatio = 0.93

// Default watermark fractions of the quota, used when no explicit
// watermark is configured.
const (
	DefaultLowWatRatio  = 0.75
	DefaultHighWatRatio = 0.85
)

// --------------------------------------------------------------------------
// Monitor
// --------------------------------------------------------------------------

// Monitor holds the process-wide memory counters for one bucket. Every
// allocation and free on the data path goes through Account, which is a
// single atomic add plus two atomic loads on the fast path.
//
// Thread-safety: all methods are safe for concurrent use.
type Monitor struct {
	maxSize   atomic.Uint64
	lowWat    atomic.Uint64
	highWat   atomic.Uint64
	estimated atomic.Int64

	// signalled guards the high watermark callback: it fires once per
	// crossing and is re-armed by PagerCompleted.
	signalled atomic.Bool
	onHighWat func()
}

// NewMonitor creates a monitor for the given quota. lowWat or highWat of 0
// derive the default fractions of the quota.
func NewMonitor(maxSize, lowWat, highWat uint64) *Monitor {
	m := &Monitor{}
	m.Resize(maxSize, lowWat, highWat)
	return m
}

// SetHighWatCallback registers the function invoked when usage first
// crosses the high watermark. Must be called before the mutation path is
// live.
func (m *Monitor) SetHighWatCallback(f func()) {
	m.onHighWat = f
}

// Resize updates the quota and watermarks. Watermarks given as 0 are
// derived from the quota.
func (m *Monitor) Resize(maxSize, lowWat, highWat uint64) {
	if lowWat == 0 {
		lowWat = uint64(float64(maxSize) * DefaultLowWatRatio)
	}
	if highWat == 0 {
		highWat = uint64(float64(maxSize) * DefaultHighWatRatio)
	}
	m.maxSize.Store(maxSize)
	m.lowWat.Store(lowWat)
	m.highWat.Store(highWat)
}

// --------------------------------------------------------------------------
// Accounting
// --------------------------------------------------------------------------

// Account applies a memory delta (positive on allocation, negative on
// free) and triggers the high watermark callback on an upward crossing.
func (m *Monitor) Account(delta int64) {
	usage := m.estimated.Add(delta)
	if delta > 0 && uint64(usage) > m.highWat.Load() {
		if m.onHighWat != nil && m.signalled.CompareAndSwap(false, true) {
			m.onHighWat()
		}
	}
}

// CheckQuota reports whether a mutation of the given size may proceed.
// Above the quota headroom it returns ErrTemporaryFailure; the caller must
// surface this to the client as a retryable condition.
func (m *Monitor) CheckQuota(incoming int) error {
	limit := uint64(float64(m.maxSize.Load()) * mutationMemRatio)
	if uint64(m.estimated.Load())+uint64(incoming) > limit {
		return ErrTemporaryFailure
	}
	return nil
}

// PagerCompleted re-arms the high watermark signal after a pager run. If
// usage is still above the watermark the next Account crossing fires again.
func (m *Monitor) PagerCompleted() {
	m.signalled.Store(false)
}

// --------------------------------------------------------------------------
// Readers
// --------------------------------------------------------------------------

// Estimated returns the current estimated memory usage in bytes.
func (m *Monitor) Estimated() uint64 {
	v := m.estimated.Load()
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// MaxSize returns the configured hard quota.
func (m *Monitor) MaxSize() uint64 { return m.maxSize.Load() }

// LowWat returns the low watermark; reclamation stops below it.
func (m *Monitor) LowWat() uint64 { return m.lowWat.Load() }

// HighWat returns the high watermark; reclamation starts above it.
func (m *Monitor) HighWat() uint64 { return m.highWat.Load() }

// AboveHighWat reports whether usage currently exceeds the high watermark.
func (m *Monitor) AboveHighWat() bool {
	return m.Estimated() > m.highWat.Load()
}

// BelowLowWat reports whether usage has dropped under the low watermark.
func (m *Monitor) BelowLowWat() bool {
	return m.Estimated() < m.lowWat.Load()
}
