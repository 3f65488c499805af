// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/chanlog/lib/channel"
)

// ID identifies a sink attached to a Context. IDs are assigned by the
// Context and never reused within it.
type ID uint64

// Kind names a sink variant.
type Kind uint8

const (
	KindCustom Kind = iota
	KindContainer
	KindLiveServer
)

// String returns the variant name used in logs.
func (k Kind) String() string {
	switch k {
	case KindCustom:
		return "custom"
	case KindContainer:
		return "container"
	case KindLiveServer:
		return "live_server"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Sink consumes schemas, channels and messages from a Context.
type Sink interface {
	// Kind reports which variant this sink is.
	Kind() Kind

	// AddSchema announces a schema.
	AddSchema(schema channel.Schema) error

	// AddChannel announces a channel. schema is nil for schemaless
	// channels.
	AddChannel(info channel.Channel, schema *channel.Schema) error

	// RemoveChannel announces that a channel was closed. No further
	// messages for it follow.
	RemoveChannel(info channel.Channel) error

	// LogMessage delivers one message. The message and its Data must
	// not be retained past the call unless copied; the Context shares
	// one Message value across sinks.
	LogMessage(message *channel.Message) error

	// Flush pushes buffered state to the sink's destination.
	Flush() error

	// Close flushes and releases the sink. ctx bounds how long the
	// sink may spend finishing in-flight work.
	Close(ctx context.Context) error
}

// IOError is a non-fatal delivery failure: the sink stays attached
// and the failure is reported on the Context's error channel.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// fatalError marks an error that must detach the sink.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so that the Context detaches the sink that returned
// it. Fatal(nil) is nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err, or any error it wraps, was marked with
// Fatal.
func IsFatal(err error) bool {
	var fatal *fatalError
	return errors.As(err, &fatal)
}
