// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logcontext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/chanlog/lib/channel"
	"github.com/bureau-foundation/chanlog/lib/clock"
	"github.com/bureau-foundation/chanlog/lib/queue"
	"github.com/bureau-foundation/chanlog/lib/sink"
)

const (
	DefaultSinkQueueCapacity = 4096
	DefaultHandoffTimeout    = time.Second
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultErrorBuffer       = 64
)

// Config configures a Context. The zero value is usable.
type Config struct {
	// Logger receives lifecycle and dropped-error logs. Nil discards.
	Logger *slog.Logger

	// Clock stamps publish times and drives handoff timeouts. Nil
	// uses the real clock.
	Clock clock.Clock

	// DuplicateTopics decides how a second registration of an active
	// topic is treated.
	DuplicateTopics channel.DuplicatePolicy

	// SinkQueueCapacity is the default number of messages buffered
	// per sink. Schema and channel events do not count against it.
	SinkQueueCapacity int

	// HandoffTimeout bounds how long Log waits for room in one sink's
	// queue before dropping the message for that sink.
	HandoffTimeout time.Duration

	// ShutdownTimeout bounds Close when the caller's context has no
	// earlier deadline.
	ShutdownTimeout time.Duration

	// ErrorBuffer is the capacity of the Errors channel.
	ErrorBuffer int
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.SinkQueueCapacity <= 0 {
		c.SinkQueueCapacity = DefaultSinkQueueCapacity
	}
	if c.HandoffTimeout <= 0 {
		c.HandoffTimeout = DefaultHandoffTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ErrorBuffer <= 0 {
		c.ErrorBuffer = DefaultErrorBuffer
	}
}

// channelState serializes sequence assignment and queue handoff for
// one channel so that sinks see its messages in sequence order.
type channelState struct {
	mu sync.Mutex
}

// Context is a registry plus the set of sinks its messages fan out
// to. Safe for concurrent use.
type Context struct {
	config   Config
	logger   *slog.Logger
	clock    clock.Clock
	registry *channel.Registry
	errors   chan error

	// mu orders metadata changes against logging. Log holds it shared
	// while choosing the sinks for a message; registrations and sink
	// attachment hold it exclusively. Lock order: mu, then a
	// channelState's mu.
	mu       sync.RWMutex
	channels []*channelState // indexed by ChannelID-1
	sinks    []*attachedSink // attachment order
	nextSink ID
	closed   bool

	closeDone chan struct{}
}

// New creates a Context with no sinks.
func New(config Config) *Context {
	config.applyDefaults()
	return &Context{
		config:    config,
		logger:    config.Logger,
		clock:     config.Clock,
		registry:  channel.NewRegistry(config.DuplicateTopics),
		errors:    make(chan error, config.ErrorBuffer),
		closeDone: make(chan struct{}),
	}
}

// Errors returns the channel on which asynchronous sink failures are
// delivered as *SinkError. When nobody drains it and it fills up,
// further errors are logged and discarded. The channel is never
// closed.
func (c *Context) Errors() <-chan error {
	return c.errors
}

// RegisterSchema validates and registers a schema, announcing it to
// every attached sink if it is new. Identical registrations return
// the existing schema.
func (c *Context) RegisterSchema(name, encoding string, data []byte) (channel.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return channel.Schema{}, ErrContextClosed
	}

	schema, created, err := c.registry.RegisterSchema(name, encoding, data)
	if err != nil {
		return channel.Schema{}, err
	}
	if created {
		for _, attached := range c.sinks {
			attached.announceSchema(schema)
		}
	}
	return schema, nil
}

// Schema returns a registered schema.
func (c *Context) Schema(id channel.SchemaID) (channel.Schema, error) {
	return c.registry.Schema(id)
}

// AddChannel registers a channel and announces it to every attached
// sink whose filter accepts it.
func (c *Context) AddChannel(descriptor channel.Descriptor) (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrContextClosed
	}

	info, created, err := c.registry.AddChannel(descriptor)
	if err != nil {
		return nil, err
	}
	if created {
		c.channels = append(c.channels, &channelState{})
		schema, err := c.schemaFor(info)
		if err != nil {
			return nil, err
		}
		for _, attached := range c.sinks {
			attached.announceChannel(info, schema)
		}
	}
	return &Channel{context: c, info: info}, nil
}

// schemaFor returns the schema of a channel, or nil when schemaless.
func (c *Context) schemaFor(info channel.Channel) (*channel.Schema, error) {
	if info.SchemaID == channel.NoSchema {
		return nil, nil
	}
	schema, err := c.registry.Schema(info.SchemaID)
	if err != nil {
		return nil, err
	}
	return &schema, nil
}

// Channel returns a handle for an active channel registered on topic.
func (c *Context) Channel(topic string) (*Channel, error) {
	info, err := c.registry.LookupTopic(topic)
	if err != nil {
		return nil, err
	}
	return &Channel{context: c, info: info}, nil
}

// Channels returns every active channel in ID order.
func (c *Context) Channels() []channel.Channel {
	_, channels := c.registry.Snapshot()
	return channels
}

// CloseChannel closes a channel. Sinks that received it are told with
// RemoveChannel after any of its messages already queued. Later logs
// on it return channel.ErrChannelClosed.
func (c *Context) CloseChannel(id channel.ChannelID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContextClosed
	}

	info, err := c.registry.CloseChannel(id)
	if err != nil {
		return err
	}
	// Wait out a Log that took its sequence before the close, so its
	// message reaches the sinks ahead of the removal.
	state := c.channels[id-1]
	state.mu.Lock()
	defer state.mu.Unlock()
	for _, attached := range c.sinks {
		attached.announceRemoval(info)
	}
	return nil
}

// LogOption adjusts one logged message.
type LogOption func(*channel.Message)

// AtTime sets the message's log time, in nanoseconds since the Unix
// epoch. Without it the log time equals the publish time.
func AtTime(nanos uint64) LogOption {
	return func(message *channel.Message) { message.LogTime = nanos }
}

// PublishedAt overrides the publish time stamped by the Context.
func PublishedAt(nanos uint64) LogOption {
	return func(message *channel.Message) { message.PublishTime = nanos }
}

// Log records payload on a channel and hands it to every attached
// sink that accepts the channel. The payload is copied. Only
// registration errors are returned: *channel.UnknownChannelError,
// channel.ErrChannelClosed, or ErrContextClosed.
//
// The handoff runs outside the Context lock: a sink whose queue is
// full delays producers on this channel only, never registrations or
// producers on other channels.
func (c *Context) Log(id channel.ChannelID, payload []byte, options ...LogOption) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrContextClosed
	}
	if id == 0 || int(id) > len(c.channels) {
		c.mu.RUnlock()
		return &channel.UnknownChannelError{ID: id}
	}
	state := c.channels[id-1]
	targets := make([]*attachedSink, 0, len(c.sinks))
	for _, attached := range c.sinks {
		if attached.accepted[id] {
			targets = append(targets, attached)
		}
	}
	c.mu.RUnlock()

	state.mu.Lock()
	defer state.mu.Unlock()

	_, sequence, err := c.registry.NextSequence(id)
	if err != nil {
		return err
	}
	now := clock.UnixNanos(c.clock.Now())
	message := &channel.Message{
		ChannelID:   id,
		Sequence:    sequence,
		LogTime:     now,
		PublishTime: now,
		Data:        bytes.Clone(payload),
	}
	for _, option := range options {
		option(message)
	}

	for _, attached := range targets {
		switch err := attached.queue.Push(event{kind: eventMessage, message: message}); {
		case err == nil:
		case errors.Is(err, queue.ErrDropped):
			c.report(attached, fmt.Errorf("channel %d sequence %d: %w", id, sequence, ErrHandoffTimeout), false)
		case errors.Is(err, queue.ErrClosed):
			// Detaching or shutting down.
		default:
			c.report(attached, err, false)
		}
	}
	return nil
}

// AddSink attaches a sink. It receives every registered schema and
// every active channel its filter accepts before any message.
func (c *Context) AddSink(target sink.Sink, options ...SinkOption) (ID, error) {
	settings := sinkSettings{queueCapacity: c.config.SinkQueueCapacity}
	for _, option := range options {
		option(&settings)
	}
	if settings.queueCapacity <= 0 {
		return 0, fmt.Errorf("sink queue capacity must be positive, got %d", settings.queueCapacity)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrContextClosed
	}

	c.nextSink++
	attached := &attachedSink{
		id:     c.nextSink,
		kind:   target.Kind(),
		sink:   target,
		filter: settings.filter,
		queue: queue.New[event](queue.Options{
			Capacity:     settings.queueCapacity,
			Policy:       queue.Block,
			BlockTimeout: c.config.HandoffTimeout,
			Clock:        c.clock,
		}),
		accepted: make(map[channel.ChannelID]bool),
		done:     make(chan struct{}),
	}

	schemas, channels := c.registry.Snapshot()
	for _, schema := range schemas {
		attached.announceSchema(schema)
	}
	for _, info := range channels {
		schema, err := c.schemaFor(info)
		if err != nil {
			return 0, err
		}
		attached.announceChannel(info, schema)
	}

	c.sinks = append(c.sinks, attached)
	go c.run(attached)

	c.logger.Info("sink attached",
		"sink_id", attached.id,
		"kind", attached.kind.String(),
		"replayed_schemas", len(schemas),
		"replayed_channels", len(channels),
	)
	return attached.id, nil
}

// RemoveSink detaches a sink, lets it drain its queue, and closes it.
func (c *Context) RemoveSink(ctx context.Context, id ID) error {
	c.mu.Lock()
	index := slices.IndexFunc(c.sinks, func(s *attachedSink) bool { return s.id == id })
	if index < 0 {
		c.mu.Unlock()
		return &UnknownSinkError{Sink: id}
	}
	attached := c.sinks[index]
	c.sinks = slices.Delete(c.sinks, index, index+1)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.config.ShutdownTimeout)
	defer cancel()
	attached.beginStop(ctx)
	err := c.awaitStop(ctx, attached)
	c.logger.Info("sink removed", "sink_id", id, "kind", attached.kind.String(), "error", err)
	return err
}

// Flush waits until every sink has processed everything queued before
// the call and has flushed. Sink flush errors are joined.
func (c *Context) Flush(ctx context.Context) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrContextClosed
	}
	type pending struct {
		sink   *attachedSink
		result chan error
	}
	waits := make([]pending, 0, len(c.sinks))
	for _, attached := range c.sinks {
		result := make(chan error, 1)
		if err := attached.queue.PushControl(event{kind: eventFlush, flushed: result}); err != nil {
			continue
		}
		waits = append(waits, pending{sink: attached, result: result})
	}
	c.mu.RUnlock()

	var errs []error
	for _, wait := range waits {
		select {
		case err := <-wait.result:
			if err != nil {
				errs = append(errs, fmt.Errorf("flushing %s sink %d: %w", wait.sink.kind, wait.sink.id, err))
			}
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		}
	}
	return errors.Join(errs...)
}

// Close stops accepting logs and registrations, signals every sink to
// drain, flush and close, and waits for all of them. Sinks shut down
// concurrently, so a stalled sink does not hold back the others. The
// wait is bounded by ctx and Config.ShutdownTimeout; sinks that do not
// finish in time are reported as *DrainTimeoutError in attachment
// order. Close is idempotent: later calls wait for the first to finish
// and return nil.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		select {
		case <-c.closeDone:
		case <-ctx.Done():
		}
		return nil
	}
	c.closed = true
	sinks := c.sinks
	c.sinks = nil
	c.mu.Unlock()
	defer close(c.closeDone)

	ctx, cancel := context.WithTimeout(ctx, c.config.ShutdownTimeout)
	defer cancel()

	for _, attached := range sinks {
		attached.beginStop(ctx)
	}
	var errs []error
	for _, attached := range sinks {
		if err := c.awaitStop(ctx, attached); err != nil {
			errs = append(errs, err)
		}
	}
	c.logger.Info("log context closed", "sinks", len(sinks), "errors", len(errs))
	return errors.Join(errs...)
}

// awaitStop waits for a stopping sink's worker to drain, flush and
// close it.
func (c *Context) awaitStop(ctx context.Context, attached *attachedSink) error {
	select {
	case <-attached.done:
		return attached.result
	case <-ctx.Done():
	}
	select {
	case <-attached.done:
		return attached.result
	default:
		return &DrainTimeoutError{Sink: attached.id, Kind: attached.kind, Pending: attached.queue.Len()}
	}
}

// forget removes a sink that detached itself after a fatal error.
func (c *Context) forget(attached *attachedSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = slices.DeleteFunc(c.sinks, func(s *attachedSink) bool { return s == attached })
}

// report delivers a sink error without blocking.
func (c *Context) report(attached *attachedSink, err error, detached bool) {
	sinkErr := &SinkError{Sink: attached.id, Kind: attached.kind, Err: err, Detached: detached}
	select {
	case c.errors <- sinkErr:
	default:
		c.logger.Warn("sink error dropped: error channel full",
			"sink_id", attached.id,
			"kind", attached.kind.String(),
			"error", err,
		)
	}
}

// SinkStats is a point-in-time view of one attached sink.
type SinkStats struct {
	ID        ID
	Kind      sink.Kind
	Delivered uint64
	Dropped   uint64
	Queued    int
}

// Stats returns statistics for every attached sink in attachment
// order.
func (c *Context) Stats() []SinkStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := make([]SinkStats, 0, len(c.sinks))
	for _, attached := range c.sinks {
		stats = append(stats, SinkStats{
			ID:        attached.id,
			Kind:      attached.kind,
			Delivered: attached.delivered.Load(),
			Dropped:   attached.queue.Dropped(),
			Queued:    attached.queue.Len(),
		})
	}
	return stats
}
