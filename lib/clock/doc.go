// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The Context stamps publish times through a Clock, the fan-out queues
// bound producer hand-off waits with it, and the live server drives its
// keepalive pings and drain deadlines from it. Production code passes
// Real(); tests pass Fake() and move time with Advance:
//
//	fake := clock.Fake(time.Unix(1_700_000_000, 0))
//	server := liveserver.New(liveserver.Options{Clock: fake})
//	fake.WaitForTimers(1)
//	fake.Advance(30 * time.Second)
//
// WaitForTimers closes the race between a goroutine registering a timer
// and the test advancing past it.
package clock
