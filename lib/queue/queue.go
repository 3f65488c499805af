// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/chanlog/lib/clock"
)

// Policy is the overflow behavior applied to bounded pushes on a full
// queue.
type Policy uint8

const (
	Block Policy = iota
	DropNewest
	DropOldest
	Disconnect
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	case Disconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ParsePolicy parses a policy name. Hyphens and underscores are
// interchangeable.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ReplaceAll(strings.ToLower(name), "-", "_") {
	case "block":
		return Block, nil
	case "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	case "disconnect":
		return Disconnect, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q (want block, drop_newest, drop_oldest or disconnect)", name)
	}
}

// UnmarshalText lets configuration decoders parse the policy by name.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalText returns the configuration name of the policy.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

var (
	// ErrClosed is returned by pushes after Close.
	ErrClosed = errors.New("queue closed")

	// ErrDropped is returned when a bounded push was dropped under the
	// Block (timeout) or DropNewest policy.
	ErrDropped = errors.New("queue full: item dropped")

	// ErrOverflow is returned when a bounded push overflowed a queue
	// with the Disconnect policy.
	ErrOverflow = errors.New("queue full: overflow")
)

// Options configures a Queue.
type Options struct {
	// Capacity is the maximum number of queued bounded items. Must be
	// positive.
	Capacity int

	Policy Policy

	// BlockTimeout bounds how long a Block push waits for room. Zero
	// waits until room appears or the queue closes.
	BlockTimeout time.Duration

	// Clock drives BlockTimeout. Nil uses the real clock.
	Clock clock.Clock
}

type entry[T any] struct {
	value   T
	bounded bool
}

// Queue is a FIFO of T with one consumer. Safe for concurrent use by
// any number of producers.
type Queue[T any] struct {
	options Options

	mu      sync.Mutex
	entries []entry[T]
	bounded int
	closed  bool
	dropped uint64
	// room is closed and replaced whenever bounded items leave the
	// queue, waking every blocked producer at once.
	room chan struct{}

	ready chan struct{}
}

// New creates a Queue. Panics if Capacity is not positive.
func New[T any](options Options) *Queue[T] {
	if options.Capacity <= 0 {
		panic(fmt.Sprintf("queue: capacity must be positive, got %d", options.Capacity))
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	return &Queue[T]{
		options: options,
		room:    make(chan struct{}),
		ready:   make(chan struct{}, 1),
	}
}

// PushControl appends an item that ignores capacity and is never
// dropped.
func (q *Queue[T]) PushControl(value T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.entries = append(q.entries, entry[T]{value: value})
	q.mu.Unlock()
	q.signal()
	return nil
}

// Push appends a bounded item, applying the overflow policy when the
// queue is full. A nil return means the item was queued.
func (q *Queue[T]) Push(value T) error {
	var deadline <-chan time.Time
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.bounded < q.options.Capacity {
			q.appendBoundedLocked(value)
			q.mu.Unlock()
			q.signal()
			return nil
		}

		switch q.options.Policy {
		case DropNewest:
			q.dropped++
			q.mu.Unlock()
			return ErrDropped

		case Disconnect:
			q.dropped++
			q.mu.Unlock()
			return ErrOverflow

		case DropOldest:
			q.evictOldestBoundedLocked()
			q.dropped++
			q.appendBoundedLocked(value)
			q.mu.Unlock()
			q.signal()
			return nil
		}

		// Block: wait for the consumer to take items.
		room := q.room
		q.mu.Unlock()

		if deadline == nil && q.options.BlockTimeout > 0 {
			deadline = q.options.Clock.After(q.options.BlockTimeout)
		}
		select {
		case <-room:
		case <-deadline:
			q.mu.Lock()
			q.dropped++
			q.mu.Unlock()
			return ErrDropped
		}
	}
}

func (q *Queue[T]) appendBoundedLocked(value T) {
	q.entries = append(q.entries, entry[T]{value: value, bounded: true})
	q.bounded++
}

func (q *Queue[T]) evictOldestBoundedLocked() {
	for i, queued := range q.entries {
		if queued.bounded {
			copy(q.entries[i:], q.entries[i+1:])
			var zero entry[T]
			q.entries[len(q.entries)-1] = zero
			q.entries = q.entries[:len(q.entries)-1]
			q.bounded--
			return
		}
	}
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// TakeAll removes and returns every queued item in FIFO order, and
// whether the queue has been closed. A consumer that receives no items
// and closed == true has seen everything it ever will.
func (q *Queue[T]) TakeAll() ([]T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil, q.closed
	}
	values := make([]T, len(q.entries))
	for i, queued := range q.entries {
		values[i] = queued.value
	}
	q.entries = q.entries[:0]
	if q.bounded > 0 {
		q.bounded = 0
		close(q.room)
		q.room = make(chan struct{})
	}
	return values, q.closed
}

// Ready returns a channel signalled (at most once per push) when items
// are available or the queue closes.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Close rejects further pushes, wakes blocked producers and signals
// the consumer. Items already queued remain available to TakeAll.
// Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.room)
		q.room = make(chan struct{})
	}
	q.mu.Unlock()
	q.signal()
}

// Discard drops every queued item without delivering it and returns
// how many bounded items were discarded. Control items are discarded
// too but not counted.
func (q *Queue[T]) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	discarded := q.bounded
	q.dropped += uint64(discarded)
	q.entries = nil
	if q.bounded > 0 {
		q.bounded = 0
		close(q.room)
		q.room = make(chan struct{})
	}
	return discarded
}

// Len returns the number of queued items of both kinds.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped returns how many bounded items have been dropped since
// creation.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Capacity returns the configured capacity.
func (q *Queue[T]) Capacity() int { return q.options.Capacity }

// Policy returns the configured overflow policy.
func (q *Queue[T]) Policy() Policy { return q.options.Policy }
