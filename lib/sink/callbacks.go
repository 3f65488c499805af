// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"context"

	"github.com/bureau-foundation/chanlog/lib/channel"
)

// Callbacks is a custom sink assembled from optional functions. Nil
// fields are no-ops.
//
//	counter := &sink.Callbacks{
//	    OnMessage: func(message *channel.Message) error {
//	        received.Add(1)
//	        return nil
//	    },
//	}
//	id, err := logContext.AddSink(counter)
type Callbacks struct {
	OnSchema        func(schema channel.Schema) error
	OnChannel       func(info channel.Channel, schema *channel.Schema) error
	OnRemoveChannel func(info channel.Channel) error
	OnMessage       func(message *channel.Message) error
	OnFlush         func() error
	OnClose         func(ctx context.Context) error
}

// Kind returns KindCustom.
func (c *Callbacks) Kind() Kind { return KindCustom }

func (c *Callbacks) AddSchema(schema channel.Schema) error {
	if c.OnSchema == nil {
		return nil
	}
	return c.OnSchema(schema)
}

func (c *Callbacks) AddChannel(info channel.Channel, schema *channel.Schema) error {
	if c.OnChannel == nil {
		return nil
	}
	return c.OnChannel(info, schema)
}

func (c *Callbacks) RemoveChannel(info channel.Channel) error {
	if c.OnRemoveChannel == nil {
		return nil
	}
	return c.OnRemoveChannel(info)
}

func (c *Callbacks) LogMessage(message *channel.Message) error {
	if c.OnMessage == nil {
		return nil
	}
	return c.OnMessage(message)
}

func (c *Callbacks) Flush() error {
	if c.OnFlush == nil {
		return nil
	}
	return c.OnFlush()
}

func (c *Callbacks) Close(ctx context.Context) error {
	if c.OnClose == nil {
		return nil
	}
	return c.OnClose(ctx)
}
