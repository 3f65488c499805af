// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the subset of the time package used by chanlog. Every
// component that reads the time or waits on it takes a Clock instead of
// calling the time package directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. If
	// d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker firing every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. C has capacity 1: a slow
// consumer misses ticks rather than queueing them.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// UnixNanos converts t to nanoseconds since the Unix epoch, the
// timestamp unit carried by every chanlog message. Times before the
// epoch clamp to zero.
func UnixNanos(t time.Time) uint64 {
	nanos := t.UnixNano()
	if nanos < 0 {
		return 0
	}
	return uint64(nanos)
}
