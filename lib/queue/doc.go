// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue provides the bounded FIFO that sits between a producer
// and a single consumer goroutine, with a deterministic overflow
// policy.
//
// Items are either bounded (messages: they count against Capacity and
// the overflow policy applies to them) or control (schema and channel
// announcements, protocol responses, flush barriers: never counted,
// never dropped). Keeping both kinds in one FIFO preserves their
// relative order, so a consumer always sees a channel announcement
// before the first message that references it.
//
// When a bounded push finds the queue full:
//
//   - [Block] waits up to BlockTimeout for the consumer to make room,
//     then drops the new item.
//   - [DropNewest] drops the new item.
//   - [DropOldest] evicts the oldest queued bounded item and accepts the
//     new one.
//   - [Disconnect] drops the new item and reports [ErrOverflow]; the
//     owner is expected to tear the consumer down.
//
// Every dropped item increments the Dropped counter.
package queue
