// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package liveserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/bureau-foundation/chanlog/lib/channel"
	"github.com/bureau-foundation/chanlog/lib/clock"
	"github.com/bureau-foundation/chanlog/lib/queue"
	"github.com/bureau-foundation/chanlog/lib/sink"
)

const (
	DefaultName                  = "chanlog"
	DefaultOutboundQueueCapacity = 1024
	DefaultIdleTimeout           = 30 * time.Second
	DefaultDrainTimeout          = 2 * time.Second
	DefaultMaxFrameBytes         = 16 << 20
	DefaultMaxClientPayloadBytes = 1 << 20

	// writeTimeout bounds a single frame write to a client.
	writeTimeout = 10 * time.Second
)

// Options configures a Server. The zero value is usable.
type Options struct {
	// Name is reported to clients in serverInfo.
	Name string

	// OutboundQueueCapacity bounds the data frames queued per client.
	OutboundQueueCapacity int

	// OverflowPolicy is queue.DropNewest, queue.DropOldest or
	// queue.Disconnect. queue.Block, the zero value, selects
	// queue.DropOldest: the server never blocks the logging path on a
	// client.
	OverflowPolicy queue.Policy

	// IdleTimeout is the keepalive ping interval. Negative disables
	// pings.
	IdleTimeout time.Duration

	// DrainTimeout bounds how long shutdown waits for a client's
	// outbound queue to flush.
	DrainTimeout time.Duration

	// MaxFrameBytes is the largest frame a client may send. Larger
	// frames close the connection with 1009.
	MaxFrameBytes int64

	// MaxClientPayloadBytes bounds client publish payloads. Larger
	// payloads are rejected with a payload-too-large status.
	MaxClientPayloadBytes int

	// SupportedEncodings lists message encodings clients may publish.
	SupportedEncodings []string

	// Metadata is reported to clients in serverInfo.
	Metadata map[string]string

	// OriginPatterns lists the browser origins allowed to connect, as
	// path.Match patterns on the origin host (or on the full origin
	// when the pattern contains "://"). Requests from the server's own
	// host and requests without an Origin header are always accepted.
	// Empty accepts every origin.
	OriginPatterns []string

	// Services are registered at construction.
	Services []Service

	// Parameters seed the parameter store.
	Parameters []Parameter

	// AssetHandler serves fetchAsset requests. Nil rejects them.
	AssetHandler AssetHandler

	Hooks Hooks

	Logger *slog.Logger
	Clock  clock.Clock
}

// State is a connection's lifecycle state.
type State uint8

const (
	StateConnecting State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ConnectionStats is a point-in-time view of one client.
type ConnectionStats struct {
	ID            uint64
	RemoteAddr    string
	State         State
	Subscriptions int
	Queued        int
	Dropped       uint64
}

// advertisedChannel is a channel as the server announces it.
type advertisedChannel struct {
	info       channel.Channel
	advertised AdvertisedChannel
}

// Server is a live protocol server and a sink. Safe for concurrent
// use.
type Server struct {
	options   Options
	logger    *slog.Logger
	clock     clock.Clock
	sessionID string

	// mu guards everything below. Lock order: Server.mu before
	// connection.mu.
	mu               sync.RWMutex
	schemas          map[channel.SchemaID]channel.Schema
	channels         map[channel.ChannelID]advertisedChannel
	connections      []*connection
	services         map[uint32]registeredService
	nextServiceID    uint32
	parameters       map[string]json.RawMessage
	nextConnectionID uint64
	httpServer       *http.Server
	closed           bool
}

// New creates a Server. Serve it with Serve, or mount it as an
// http.Handler.
func New(options Options) (*Server, error) {
	if options.Name == "" {
		options.Name = DefaultName
	}
	if options.OutboundQueueCapacity <= 0 {
		options.OutboundQueueCapacity = DefaultOutboundQueueCapacity
	}
	switch options.OverflowPolicy {
	case queue.Block:
		options.OverflowPolicy = queue.DropOldest
	case queue.DropNewest, queue.DropOldest, queue.Disconnect:
	default:
		return nil, fmt.Errorf("unsupported overflow policy %s", options.OverflowPolicy)
	}
	if options.IdleTimeout == 0 {
		options.IdleTimeout = DefaultIdleTimeout
	}
	if options.DrainTimeout <= 0 {
		options.DrainTimeout = DefaultDrainTimeout
	}
	if options.MaxFrameBytes <= 0 {
		options.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if options.MaxClientPayloadBytes <= 0 {
		options.MaxClientPayloadBytes = DefaultMaxClientPayloadBytes
	}
	for _, pattern := range options.OriginPatterns {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("origin pattern %q: %w", pattern, err)
		}
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}

	s := &Server{
		options:    options,
		logger:     options.Logger,
		clock:      options.Clock,
		sessionID:  uuid.NewString(),
		schemas:    make(map[channel.SchemaID]channel.Schema),
		channels:   make(map[channel.ChannelID]advertisedChannel),
		services:   make(map[uint32]registeredService),
		parameters: make(map[string]json.RawMessage),
	}
	for _, service := range options.Services {
		if _, err := s.AddService(service); err != nil {
			return nil, err
		}
	}
	for _, parameter := range options.Parameters {
		if parameter.Value != nil {
			s.parameters[parameter.Name] = slices.Clone(parameter.Value)
		}
	}
	return s, nil
}

// SessionID identifies this server instance to clients.
func (s *Server) SessionID() string { return s.sessionID }

// Serve accepts connections on listener until Close. It returns nil
// after Close.
func (s *Server) Serve(listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("live server closed")
	}
	s.httpServer = httpServer
	s.mu.Unlock()

	s.logger.Info("live server listening", "address", listener.Addr().String(), "session_id", s.sessionID)
	err := httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeHTTP upgrades a request to a live protocol connection and
// serves it until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     s.options.OriginPatterns,
		InsecureSkipVerify: len(s.options.OriginPatterns) == 0,
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "origin", r.Header.Get("Origin"), "error", err)
		return
	}
	if conn.Subprotocol() != Subprotocol {
		conn.Close(websocket.StatusPolicyViolation, "client must request subprotocol "+Subprotocol)
		return
	}
	conn.SetReadLimit(s.options.MaxFrameBytes)

	c := s.attach(conn, r.RemoteAddr)
	if c == nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	c.serve()
}

// attach creates and registers a connection and queues its greeting.
// It returns nil after Close.
func (s *Server) attach(t transport, remoteAddr string) *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.nextConnectionID++
	c := newConnection(s, s.nextConnectionID, t, remoteAddr)
	s.connections = append(s.connections, c)

	c.sendControl(encodeJSON(serverInfoMessage{
		Op:                 opServerInfo,
		Name:               s.options.Name,
		Capabilities:       s.capabilities(),
		SupportedEncodings: s.options.SupportedEncodings,
		Metadata:           s.options.Metadata,
		SessionID:          s.sessionID,
	}))
	ids := slices.Sorted(maps.Keys(s.channels))
	advertised := make([]AdvertisedChannel, 0, len(ids))
	for _, id := range ids {
		advertised = append(advertised, s.channels[id].advertised)
	}
	c.sendControl(encodeJSON(advertiseMessage{Op: opAdvertise, Channels: advertised}))
	if len(s.services) > 0 {
		c.sendControl(encodeJSON(advertiseServicesMessage{Op: opAdvertiseServices, Services: s.advertisedServicesLocked()}))
	}
	return c
}

func (s *Server) capabilities() []string {
	capabilities := []string{CapabilityClientPublish, CapabilityParameters, CapabilityServices}
	if s.options.AssetHandler != nil {
		capabilities = append(capabilities, CapabilityAssets)
	}
	return capabilities
}

func (s *Server) detach(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections = slices.DeleteFunc(s.connections, func(other *connection) bool { return other == c })
}

// lookupChannel returns an advertised channel.
func (s *Server) lookupChannel(id uint32) (channel.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	advertised, ok := s.channels[channel.ChannelID(id)]
	return advertised.info, ok
}

// Stats returns one entry per connected client in connection order.
func (s *Server) Stats() []ConnectionStats {
	s.mu.RLock()
	connections := slices.Clone(s.connections)
	s.mu.RUnlock()

	stats := make([]ConnectionStats, 0, len(connections))
	for _, c := range connections {
		stats = append(stats, c.stats())
	}
	return stats
}

// Kind returns sink.KindLiveServer.
func (s *Server) Kind() sink.Kind { return sink.KindLiveServer }

// AddSchema records a schema for later channel advertisements.
func (s *Server) AddSchema(schema channel.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[schema.ID] = schema
	return nil
}

// AddChannel advertises a channel to every client.
func (s *Server) AddChannel(info channel.Channel, schema *channel.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if schema == nil && info.SchemaID != channel.NoSchema {
		if known, ok := s.schemas[info.SchemaID]; ok {
			schema = &known
		}
	}
	entry := advertisedChannel{info: info, advertised: advertise(info, schema)}
	s.channels[info.ID] = entry

	frame := encodeJSON(advertiseMessage{Op: opAdvertise, Channels: []AdvertisedChannel{entry.advertised}})
	for _, c := range s.connections {
		c.sendControl(frame)
	}
	return nil
}

// RemoveChannel unadvertises a channel and drops every subscription
// to it.
func (s *Server) RemoveChannel(info channel.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[info.ID]; !ok {
		return nil
	}
	delete(s.channels, info.ID)

	frame := encodeJSON(unadvertiseMessage{Op: opUnadvertise, ChannelIDs: []uint32{uint32(info.ID)}})
	for _, c := range s.connections {
		c.dropChannel(uint32(info.ID))
		c.sendControl(frame)
	}
	return nil
}

// LogMessage sends a message to every client subscribed to its
// channel. It never blocks on a client.
func (s *Server) LogMessage(message *channel.Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.connections {
		c.sendMessage(message)
	}
	return nil
}

// Flush is a no-op: frames are written as soon as senders take them.
func (s *Server) Flush() error { return nil }

// Close stops accepting connections, drains every client's outbound
// queue for up to Options.DrainTimeout, and closes them with 1001.
// Close is idempotent.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	connections := slices.Clone(s.connections)
	httpServer := s.httpServer
	s.mu.Unlock()

	var errs []error
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.options.DrainTimeout)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stopping listener: %w", err))
		}
		cancel()
	}

	for _, c := range connections {
		c.beginDrain()
	}
	deadline := s.clock.After(s.options.DrainTimeout)
	expired := false
	for _, c := range connections {
		if !expired {
			select {
			case <-c.done:
				continue
			case <-deadline:
				expired = true
			case <-ctx.Done():
				expired = true
			}
		}
		c.transport.CloseNow()
		<-c.done
	}

	s.logger.Info("live server closed", "connections", len(connections), "drain_expired", expired)
	return errors.Join(errs...)
}

// advertise builds the wire form of a channel.
func advertise(info channel.Channel, schema *channel.Schema) AdvertisedChannel {
	advertised := AdvertisedChannel{
		ID:       uint32(info.ID),
		Topic:    info.Topic,
		Encoding: info.MessageEncoding,
		Metadata: info.Metadata,
		Writable: info.Writable,
	}
	if schema != nil {
		advertised.SchemaName = schema.Name
		advertised.SchemaEncoding = schema.Encoding
		switch schema.Encoding {
		case channel.EncodingProtobuf, channel.EncodingFlatbuffer:
			advertised.Schema = base64.StdEncoding.EncodeToString(schema.Data)
		default:
			advertised.Schema = string(schema.Data)
		}
	}
	return advertised
}
