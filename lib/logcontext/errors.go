// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logcontext

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/chanlog/lib/sink"
)

var (
	// ErrContextClosed is returned by every mutating operation after
	// Close.
	ErrContextClosed = errors.New("log context closed")

	// ErrHandoffTimeout is reported when a message could not be
	// queued for a sink within Config.HandoffTimeout.
	ErrHandoffTimeout = errors.New("sink queue full: message dropped")
)

// SinkError is an asynchronous sink failure delivered on
// Context.Errors.
type SinkError struct {
	Sink ID
	Kind sink.Kind
	Err  error

	// Detached is true when the error was fatal and the sink has been
	// removed from the context.
	Detached bool
}

// ID aliases sink.ID for readability at call sites.
type ID = sink.ID

func (e *SinkError) Error() string {
	if e.Detached {
		return fmt.Sprintf("%s sink %d detached: %v", e.Kind, e.Sink, e.Err)
	}
	return fmt.Sprintf("%s sink %d: %v", e.Kind, e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// DrainTimeoutError is returned from Close when a sink did not finish
// draining its queue before the shutdown deadline.
type DrainTimeoutError struct {
	Sink    ID
	Kind    sink.Kind
	Pending int
}

func (e *DrainTimeoutError) Error() string {
	return fmt.Sprintf("%s sink %d: shutdown deadline exceeded with %d events pending", e.Kind, e.Sink, e.Pending)
}

// UnknownSinkError is returned by RemoveSink for an ID that is not
// attached.
type UnknownSinkError struct {
	Sink ID
}

func (e *UnknownSinkError) Error() string {
	return fmt.Sprintf("sink %d is not attached", e.Sink)
}
