// Package clock provides the time source used by the expiry and paging code.
//
// Item expiry timestamps are absolute unix seconds. All components read the
// current time through a Clock so tests can move time forward without
// sleeping.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns the current time as unix seconds.
type Clock interface {
	Now() uint32
}

// --------------------------------------------------------------------------
// Real clock
// --------------------------------------------------------------------------

// Real reads the wall clock.
type Real struct{}

func (Real) Now() uint32 {
	return uint32(time.Now().Unix())
}

// --------------------------------------------------------------------------
// Test clock
// --------------------------------------------------------------------------

// Test is a clock that only moves when told to. The zero value starts at
// the current wall time; use NewTestAt for a fixed origin.
//
// Thread-safety: all methods are safe for concurrent use.
type Test struct {
	now atomic.Uint32
}

// NewTest creates a test clock starting at the current wall time.
func NewTest() *Test {
	return NewTestAt(uint32(time.Now().Unix()))
}

// NewTestAt creates a test clock starting at the given unix time.
func NewTestAt(start uint32) *Test {
	t := &Test{}
	t.now.Store(start)
	return t
}

func (t *Test) Now() uint32 {
	return t.now.Load()
}

// Advance moves the clock forward by the given number of seconds.
func (t *Test) Advance(seconds uint32) {
	t.now.Add(seconds)
}
