// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package liveserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/bureau-foundation/chanlog/lib/channel"
	"github.com/bureau-foundation/chanlog/lib/queue"
)

// transport is the subset of *websocket.Conn a connection uses.
type transport interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, kind websocket.MessageType, data []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// frame is one queued outbound WebSocket message.
type frame struct {
	kind websocket.MessageType
	data []byte
}

// connection is one client. The receiver runs on the HTTP handler
// goroutine; the sender runs on its own.
type connection struct {
	server     *Server
	id         uint64
	remoteAddr string
	transport  transport
	queue      *queue.Queue[frame]
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	state            State
	subscriptions    map[uint32]uint32 // channel ID → subscription ID
	channelsByID     map[uint32]uint32 // subscription ID → channel ID
	nextSubscription uint32
	watched          map[string]bool
	closing          bool
	draining         bool

	senderDone chan struct{}
	done       chan struct{}
}

func newConnection(server *Server, id uint64, t transport, remoteAddr string) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		server:     server,
		id:         id,
		remoteAddr: remoteAddr,
		transport:  t,
		queue: queue.New[frame](queue.Options{
			Capacity: server.options.OutboundQueueCapacity,
			Policy:   server.options.OverflowPolicy,
			Clock:    server.clock,
		}),
		logger:        server.logger.With("connection_id", id, "remote_addr", remoteAddr),
		ctx:           ctx,
		cancel:        cancel,
		state:         StateConnecting,
		subscriptions: make(map[uint32]uint32),
		channelsByID:  make(map[uint32]uint32),
		watched:       make(map[string]bool),
		senderDone:    make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (c *connection) info() ConnectionInfo {
	return ConnectionInfo{ID: c.id, RemoteAddr: c.remoteAddr}
}

func (c *connection) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *connection) stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionStats{
		ID:            c.id,
		RemoteAddr:    c.remoteAddr,
		State:         c.state,
		Subscriptions: len(c.subscriptions),
		Queued:        c.queue.Len(),
		Dropped:       c.queue.Dropped(),
	}
}

// serve runs the connection until it closes.
func (c *connection) serve() {
	c.mu.Lock()
	if c.state == StateConnecting {
		c.state = StateOpen
	}
	c.mu.Unlock()
	c.logger.Info("client connected")
	if hook := c.server.options.Hooks.OnConnect; hook != nil {
		hook(c.info())
	}

	go c.sendLoop()
	err := c.receiveLoop()
	c.finish(err)
}

// sendControl queues a text frame that ignores the capacity bound.
func (c *connection) sendControl(data []byte) {
	_ = c.queue.PushControl(frame{kind: websocket.MessageText, data: data})
}

// sendResponse queues a binary response frame that ignores the
// capacity bound.
func (c *connection) sendResponse(data []byte) {
	_ = c.queue.PushControl(frame{kind: websocket.MessageBinary, data: data})
}

// sendMessage queues a data frame if the client subscribes to the
// message's channel.
func (c *connection) sendMessage(message *channel.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subscriptionID, ok := c.subscriptions[uint32(message.ChannelID)]
	if !ok || c.closing {
		return
	}
	data := encodeMessageData(subscriptionID, message.LogTime, message.Data)
	if err := c.queue.Push(frame{kind: websocket.MessageBinary, data: data}); errors.Is(err, queue.ErrOverflow) {
		c.closeLocked(websocket.StatusPolicyViolation, "outbound queue overflow")
	}
}

// dropChannel removes any subscription to a channel that is going
// away.
func (c *connection) dropChannel(channelID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subscriptionID, ok := c.subscriptions[channelID]; ok {
		delete(c.subscriptions, channelID)
		delete(c.channelsByID, subscriptionID)
	}
}

func (c *connection) watchedParameters(parameters []Parameter) []Parameter {
	c.mu.Lock()
	defer c.mu.Unlock()
	var watched []Parameter
	for _, parameter := range parameters {
		if c.watched[parameter.Name] {
			watched = append(watched, parameter)
		}
	}
	return watched
}

// closeWith starts a close handshake with code. Queued frames are
// discarded.
func (c *connection) closeWith(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *connection) closeLocked(code websocket.StatusCode, reason string) {
	if c.closing {
		return
	}
	c.closing = true
	c.queue.Close()
	c.queue.Discard()
	c.logger.Info("closing client connection", "code", int(code), "reason", reason)
	go c.transport.Close(code, reason)
}

// beginDrain stops accepting frames and lets the sender flush the
// queue before closing with 1001.
func (c *connection) beginDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	c.closing = true
	c.draining = true
	c.state = StateDraining
	c.queue.Close()
}

// finish tears the connection down after the receiver exits.
func (c *connection) finish(cause error) {
	c.mu.Lock()
	draining := c.draining
	c.closing = true
	c.mu.Unlock()

	c.queue.Close()
	if !draining {
		c.queue.Discard()
	}
	select {
	case <-c.senderDone:
	case <-c.server.clock.After(c.server.options.DrainTimeout):
	}
	c.transport.CloseNow()
	c.cancel()
	<-c.senderDone

	c.setState(StateClosed)
	c.server.detach(c)
	c.logger.Info("client disconnected",
		"close_status", int(websocket.CloseStatus(cause)),
		"dropped", c.queue.Dropped(),
	)
	if hook := c.server.options.Hooks.OnDisconnect; hook != nil {
		hook(c.info())
	}
	close(c.done)
}

func (c *connection) sendLoop() {
	defer close(c.senderDone)

	var keepalive <-chan time.Time
	if c.server.options.IdleTimeout > 0 {
		ticker := c.server.clock.NewTicker(c.server.options.IdleTimeout)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		frames, closed := c.queue.TakeAll()
		for _, f := range frames {
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.transport.Write(ctx, f.kind, f.data)
			cancel()
			if err != nil {
				c.logger.Debug("write to client failed", "error", err)
				c.transport.CloseNow()
				return
			}
		}
		if len(frames) > 0 {
			continue
		}
		if closed {
			c.mu.Lock()
			draining := c.draining
			c.mu.Unlock()
			if draining {
				c.transport.Close(websocket.StatusGoingAway, "server shutting down")
			}
			return
		}

		select {
		case <-c.queue.Ready():
		case <-keepalive:
			ctx, cancel := context.WithTimeout(c.ctx, c.server.options.IdleTimeout)
			err := c.transport.Ping(ctx)
			cancel()
			if err != nil {
				c.logger.Info("client missed keepalive", "error", err)
				c.transport.CloseNow()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *connection) receiveLoop() error {
	for {
		kind, data, err := c.transport.Read(c.ctx)
		if err != nil {
			return err
		}
		switch kind {
		case websocket.MessageText:
			if protocolErr := c.handleText(data); protocolErr != nil {
				c.sendStatus(protocolErr)
			}
		case websocket.MessageBinary:
			if err := c.handleBinary(data); err != nil {
				var protocolErr *ProtocolError
				if errors.As(err, &protocolErr) {
					c.sendStatus(protocolErr)
					continue
				}
				c.closeWith(websocket.StatusProtocolError, err.Error())
			}
		}
	}
}

func (c *connection) sendStatus(err *ProtocolError) {
	c.logger.Debug("rejected client request", "code", string(err.Code), "message", err.Message)
	c.sendControl(encodeJSON(statusMessage{
		Op:        opStatus,
		Level:     LevelError,
		Code:      string(err.Code),
		Message:   err.Message,
		RequestID: err.RequestID,
	}))
}

// handleText dispatches one JSON control message.
func (c *connection) handleText(data []byte) *ProtocolError {
	var head envelope
	if err := json.Unmarshal(data, &head); err != nil {
		return protocolErrorf(CodeMalformedFrame, nil, "invalid JSON: %v", err)
	}

	switch head.Op {
	case opSubscribe:
		var request subscribeRequest
		if err := json.Unmarshal(data, &request); err != nil || request.ChannelID == nil {
			return protocolErrorf(CodeMalformedFrame, nil, "subscribe requires a numeric channelId")
		}
		return c.subscribe(*request.ChannelID, request.RequestID)

	case opUnsubscribe:
		var request unsubscribeRequest
		if err := json.Unmarshal(data, &request); err != nil || request.SubscriptionID == nil {
			return protocolErrorf(CodeMalformedFrame, nil, "unsubscribe requires a numeric subscriptionId")
		}
		return c.unsubscribe(*request.SubscriptionID, request.RequestID)

	case opGetParameters:
		var request getParametersRequest
		if err := json.Unmarshal(data, &request); err != nil {
			return protocolErrorf(CodeMalformedFrame, nil, "getParameters: %v", err)
		}
		c.sendControl(encodeJSON(parameterValuesMessage{
			Op:         opParameterValues,
			Parameters: nonNil(c.server.Parameters(request.Names...)),
			ID:         request.ID,
		}))
		return nil

	case opSetParameters:
		var request setParametersRequest
		if err := json.Unmarshal(data, &request); err != nil {
			return protocolErrorf(CodeMalformedFrame, nil, "setParameters: %v", err)
		}
		c.server.SetParameters(request.Parameters)
		if request.ID != "" {
			names := make([]string, 0, len(request.Parameters))
			for _, parameter := range request.Parameters {
				names = append(names, parameter.Name)
			}
			c.sendControl(encodeJSON(parameterValuesMessage{
				Op:         opParameterValues,
				Parameters: nonNil(c.server.Parameters(names...)),
				ID:         request.ID,
			}))
		}
		return nil

	case opSubscribeParameterUpdates, opUnsubscribeParameterUpdates:
		var request parameterUpdatesRequest
		if err := json.Unmarshal(data, &request); err != nil {
			return protocolErrorf(CodeMalformedFrame, nil, "%s: %v", head.Op, err)
		}
		c.mu.Lock()
		for _, name := range request.Names {
			if head.Op == opSubscribeParameterUpdates {
				c.watched[name] = true
			} else {
				delete(c.watched, name)
			}
		}
		c.mu.Unlock()
		return nil

	case opFetchAsset:
		var request fetchAssetRequest
		if err := json.Unmarshal(data, &request); err != nil || request.RequestID == nil {
			return protocolErrorf(CodeMalformedFrame, nil, "fetchAsset requires uri and a numeric requestId")
		}
		c.fetchAsset(request.URI, *request.RequestID)
		return nil

	case "":
		return protocolErrorf(CodeMalformedFrame, nil, "message has no op")

	default:
		return protocolErrorf(CodeUnknownOp, nil, "unknown op %q", head.Op)
	}
}

func (c *connection) subscribe(channelID uint32, requestID *uint32) *ProtocolError {
	c.server.mu.RLock()
	defer c.server.mu.RUnlock()
	if _, ok := c.server.channels[channel.ChannelID(channelID)]; !ok {
		return protocolErrorf(CodeUnknownChannel, requestID, "channel %d is not advertised", channelID)
	}

	c.mu.Lock()
	subscriptionID, existing := c.subscriptions[channelID]
	if !existing {
		c.nextSubscription++
		subscriptionID = c.nextSubscription
		c.subscriptions[channelID] = subscriptionID
		c.channelsByID[subscriptionID] = channelID
	}
	// Queued under the lock so no data frame for the subscription
	// precedes it.
	c.sendControl(encodeJSON(subscribedMessage{
		Op:             opSubscribed,
		RequestID:      requestID,
		SubscriptionID: subscriptionID,
		ChannelID:      channelID,
	}))
	c.mu.Unlock()

	if !existing {
		if hook := c.server.options.Hooks.OnSubscribe; hook != nil {
			hook(c.info(), channelID)
		}
	}
	return nil
}

func (c *connection) unsubscribe(subscriptionID uint32, requestID *uint32) *ProtocolError {
	c.mu.Lock()
	channelID, ok := c.channelsByID[subscriptionID]
	if !ok {
		c.mu.Unlock()
		return protocolErrorf(CodeUnknownSubscription, requestID, "subscription %d does not exist", subscriptionID)
	}
	delete(c.channelsByID, subscriptionID)
	delete(c.subscriptions, channelID)
	c.sendControl(encodeJSON(unsubscribedMessage{
		Op:             opUnsubscribed,
		RequestID:      requestID,
		SubscriptionID: subscriptionID,
	}))
	c.mu.Unlock()

	if hook := c.server.options.Hooks.OnUnsubscribe; hook != nil {
		hook(c.info(), channelID)
	}
	return nil
}

// handleBinary dispatches one binary frame. A *ProtocolError keeps
// the connection; any other error is a framing violation.
func (c *connection) handleBinary(data []byte) error {
	if len(data) == 0 {
		return errTruncatedFrame
	}
	switch data[0] {
	case binaryClientPublish:
		publish, err := decodeClientPublish(data)
		if err != nil {
			return err
		}
		return c.clientPublish(publish)

	case binaryServiceCallRequest:
		call, err := decodeServiceCall(data)
		if err != nil {
			return err
		}
		c.callService(call)
		return nil

	default:
		return errors.New("unknown binary opcode")
	}
}

func (c *connection) clientPublish(publish clientPublish) error {
	info, ok := c.server.lookupChannel(publish.channelID)
	if !ok {
		return protocolErrorf(CodeUnknownChannel, nil, "channel %d is not advertised", publish.channelID)
	}
	if !info.Writable {
		return protocolErrorf(CodeNotWritable, nil, "channel %d (%s) does not accept client publishes", publish.channelID, info.Topic)
	}
	if len(publish.payload) > c.server.options.MaxClientPayloadBytes {
		return protocolErrorf(CodePayloadTooLarge, nil, "payload of %d bytes exceeds limit %d",
			len(publish.payload), c.server.options.MaxClientPayloadBytes)
	}
	if hook := c.server.options.Hooks.OnClientPublish; hook != nil {
		hook(ClientMessage{
			Connection: c.info(),
			ChannelID:  publish.channelID,
			Topic:      info.Topic,
			Payload:    slices.Clone(publish.payload),
		})
	}
	return nil
}

func (c *connection) callService(call serviceCall) {
	service, ok := c.server.service(call.serviceID)
	if !ok {
		c.sendControl(encodeJSON(serviceCallFailureMessage{
			Op:        opServiceCallFailure,
			ServiceID: call.serviceID,
			CallID:    call.callID,
			Message:   "unknown service",
		}))
		return
	}

	request := ServiceRequest{
		ConnectionID: c.id,
		ServiceID:    call.serviceID,
		CallID:       call.callID,
		Encoding:     call.encoding,
		Payload:      slices.Clone(call.payload),
	}
	go func() {
		response, err := service.Handler(c.ctx, request)
		if err != nil {
			c.sendControl(encodeJSON(serviceCallFailureMessage{
				Op:        opServiceCallFailure,
				ServiceID: request.ServiceID,
				CallID:    request.CallID,
				Message:   err.Error(),
			}))
			return
		}
		c.sendResponse(encodeServiceCallResponse(request.ServiceID, request.CallID, request.Encoding, response))
	}()
}

func (c *connection) fetchAsset(uri string, requestID uint32) {
	handler := c.server.options.AssetHandler
	if handler == nil {
		c.sendResponse(encodeFetchAssetResponse(requestID, assetStatusError, "assets are not supported", nil))
		return
	}
	go func() {
		asset, err := handler.FetchAsset(c.ctx, uri)
		if err != nil {
			c.sendResponse(encodeFetchAssetResponse(requestID, assetStatusError, err.Error(), nil))
			return
		}
		c.sendResponse(encodeFetchAssetResponse(requestID, assetStatusOK, "", asset))
	}()
}

func nonNil(parameters []Parameter) []Parameter {
	if parameters == nil {
		return []Parameter{}
	}
	return parameters
}
