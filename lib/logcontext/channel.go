// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logcontext

import "github.com/bureau-foundation/chanlog/lib/channel"

// Channel is a producer's handle on a registered channel.
type Channel struct {
	context *Context
	info    channel.Channel
}

// Info returns the registered channel.
func (h *Channel) Info() channel.Channel { return h.info }

// ID returns the channel ID.
func (h *Channel) ID() channel.ChannelID { return h.info.ID }

// Log records payload on this channel. See Context.Log.
func (h *Channel) Log(payload []byte, options ...LogOption) error {
	return h.context.Log(h.info.ID, payload, options...)
}

// Close closes the channel. See Context.CloseChannel.
func (h *Channel) Close() error {
	return h.context.CloseChannel(h.info.ID)
}
