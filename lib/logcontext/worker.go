// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logcontext

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/chanlog/lib/channel"
	"github.com/bureau-foundation/chanlog/lib/queue"
	"github.com/bureau-foundation/chanlog/lib/sink"
)

type eventKind uint8

const (
	eventSchema eventKind = iota
	eventChannel
	eventRemoveChannel
	eventMessage
	eventFlush
)

// event is one entry in a sink's queue. Messages are bounded queue
// items; everything else is a control item.
type event struct {
	kind          eventKind
	schema        channel.Schema
	channel       channel.Channel
	channelSchema *channel.Schema
	message       *channel.Message
	flushed       chan error
}

// SinkOption configures one attachment.
type SinkOption func(*sinkSettings)

type sinkSettings struct {
	filter        sink.Filter
	queueCapacity int
}

// WithFilter restricts the sink to channels the filter accepts. The
// decision is made once per channel when it is announced.
func WithFilter(filter sink.Filter) SinkOption {
	return func(settings *sinkSettings) { settings.filter = filter }
}

// WithQueueCapacity overrides Config.SinkQueueCapacity for this sink.
func WithQueueCapacity(capacity int) SinkOption {
	return func(settings *sinkSettings) { settings.queueCapacity = capacity }
}

// attachedSink is a sink plus its queue and worker state.
type attachedSink struct {
	id     ID
	kind   sink.Kind
	sink   sink.Sink
	filter sink.Filter
	queue  *queue.Queue[event]

	// accepted records filter decisions. Written under the Context's
	// exclusive lock, read under its shared lock.
	accepted map[channel.ChannelID]bool

	delivered atomic.Uint64
	detached  atomic.Bool

	stopMu  sync.Mutex
	stopCtx context.Context

	// result is the flush/close outcome, valid once done is closed.
	result error
	done   chan struct{}
}

func (s *attachedSink) announceSchema(schema channel.Schema) {
	_ = s.queue.PushControl(event{kind: eventSchema, schema: schema})
}

func (s *attachedSink) announceChannel(info channel.Channel, schema *channel.Schema) {
	if s.filter != nil && !s.filter.Accept(info, schema) {
		return
	}
	s.accepted[info.ID] = true
	_ = s.queue.PushControl(event{kind: eventChannel, channel: info, channelSchema: schema})
}

func (s *attachedSink) announceRemoval(info channel.Channel) {
	if !s.accepted[info.ID] {
		return
	}
	delete(s.accepted, info.ID)
	_ = s.queue.PushControl(event{kind: eventRemoveChannel, channel: info})
}

// beginStop records the shutdown deadline and closes the queue. The
// worker delivers what is queued, then flushes and closes the sink.
func (s *attachedSink) beginStop(ctx context.Context) {
	s.stopMu.Lock()
	s.stopCtx = ctx
	s.stopMu.Unlock()
	s.queue.Close()
}

// shutdownContext returns the context passed to stop, or nil while
// the sink is still live.
func (s *attachedSink) shutdownContext() context.Context {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.stopCtx
}

// run is the sink's worker. It is the only goroutine that calls the
// sink's methods.
func (c *Context) run(s *attachedSink) {
	defer close(s.done)

	for {
		events, closed := s.queue.TakeAll()
		for i, ev := range events {
			if s.detached.Load() {
				abandon(events[i:])
				break
			}
			if closed {
				if ctx := s.shutdownContext(); ctx != nil && ctx.Err() != nil {
					c.logger.Warn("sink shutdown deadline exceeded, discarding queued events",
						"sink_id", s.id,
						"kind", s.kind.String(),
						"discarded", len(events)-i,
					)
					abandon(events[i:])
					break
				}
			}
			c.deliver(s, ev)
		}
		if len(events) == 0 {
			if closed {
				break
			}
			<-s.queue.Ready()
		}
	}

	if s.detached.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.ShutdownTimeout)
		if err := s.sink.Close(ctx); err != nil {
			c.logger.Warn("closing detached sink", "sink_id", s.id, "kind", s.kind.String(), "error", err)
		}
		cancel()
		c.forget(s)
		return
	}

	ctx := s.shutdownContext()
	if ctx == nil {
		ctx = context.Background()
	}
	s.result = errors.Join(s.sink.Flush(), s.sink.Close(ctx))
}

// deliver hands one event to the sink and classifies any failure.
func (c *Context) deliver(s *attachedSink, ev event) {
	var err error
	switch ev.kind {
	case eventSchema:
		err = s.sink.AddSchema(ev.schema)
	case eventChannel:
		err = s.sink.AddChannel(ev.channel, ev.channelSchema)
	case eventRemoveChannel:
		err = s.sink.RemoveChannel(ev.channel)
	case eventMessage:
		err = s.sink.LogMessage(ev.message)
		if err == nil {
			s.delivered.Add(1)
		}
	case eventFlush:
		err = s.sink.Flush()
		ev.flushed <- err
		if err != nil && !sink.IsFatal(err) {
			// The Flush caller receives non-fatal flush errors.
			return
		}
	}
	if err == nil {
		return
	}

	if sink.IsFatal(err) {
		s.detached.Store(true)
		s.queue.Close()
		c.logger.Error("sink failed, detaching",
			"sink_id", s.id,
			"kind", s.kind.String(),
			"error", err,
		)
		c.report(s, err, true)
		return
	}
	c.report(s, err, false)
}

// abandon resolves flush barriers among events that will never be
// delivered.
func abandon(events []event) {
	for _, ev := range events {
		if ev.kind == eventFlush {
			ev.flushed <- nil
		}
	}
}
