// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"errors"

	"github.com/bureau-foundation/chanlog/lib/channel"
	"github.com/bureau-foundation/chanlog/lib/sink"
)

// Sink adapts a Writer to sink.Sink. Corruption and writes to a
// closed writer are fatal; other failures are I/O errors and leave
// the sink attached.
type Sink struct {
	writer *Writer
}

// NewSink wraps writer. Closing the sink closes the writer.
func NewSink(writer *Writer) *Sink {
	return &Sink{writer: writer}
}

// Writer returns the wrapped writer.
func (s *Sink) Writer() *Writer { return s.writer }

func (s *Sink) Kind() sink.Kind { return sink.KindContainer }

func (s *Sink) AddSchema(schema channel.Schema) error {
	return classify("write schema", s.writer.WriteSchema(schema))
}

func (s *Sink) AddChannel(info channel.Channel, schema *channel.Schema) error {
	if schema != nil {
		if err := s.writer.WriteSchema(*schema); err != nil {
			return classify("write schema", err)
		}
	}
	return classify("write channel", s.writer.WriteChannel(info))
}

// RemoveChannel is a no-op: the format has no channel removal record.
func (s *Sink) RemoveChannel(channel.Channel) error { return nil }

func (s *Sink) LogMessage(message *channel.Message) error {
	return classify("write message", s.writer.WriteMessage(message))
}

func (s *Sink) Flush() error {
	return classify("flush", s.writer.Flush())
}

func (s *Sink) Close(context.Context) error {
	return classify("close", s.writer.Close())
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var corruption *CorruptionError
	if errors.As(err, &corruption) || errors.Is(err, ErrWriterClosed) {
		return sink.Fatal(err)
	}
	return &sink.IOError{Op: op, Err: err}
}
