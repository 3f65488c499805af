// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"fmt"
)

// ErrChannelClosed is returned when logging to, or closing, a channel
// that has already been closed.
var ErrChannelClosed = errors.New("channel is closed")

// UnknownSchemaError reports a reference to a schema ID that was never
// registered.
type UnknownSchemaError struct {
	ID SchemaID
}

func (e *UnknownSchemaError) Error() string {
	return fmt.Sprintf("unknown schema id %d", e.ID)
}

// UnknownChannelError reports a reference to a channel that does not
// exist. Exactly one of ID or Topic is set.
type UnknownChannelError struct {
	ID    ChannelID
	Topic string
}

func (e *UnknownChannelError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("unknown channel topic %q", e.Topic)
	}
	return fmt.Sprintf("unknown channel id %d", e.ID)
}

// DuplicateChannelError reports a registration whose topic is already
// used by an active channel that the duplicate policy does not allow
// reusing.
type DuplicateChannelError struct {
	Topic    string
	Existing ChannelID
}

func (e *DuplicateChannelError) Error() string {
	return fmt.Sprintf("topic %q is already registered as channel %d", e.Topic, e.Existing)
}

// SchemaValidationError reports schema bytes that are malformed for
// their declared encoding.
type SchemaValidationError struct {
	Name     string
	Encoding string
	Reason   string
	Err      error
}

func (e *SchemaValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s schema %q: %s: %v", e.Encoding, e.Name, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s schema %q: %s", e.Encoding, e.Name, e.Reason)
}

func (e *SchemaValidationError) Unwrap() error { return e.Err }
