// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package liveserver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/bureau-foundation/chanlog/lib/channel"
	"github.com/bureau-foundation/chanlog/lib/queue"
	"github.com/bureau-foundation/chanlog/lib/testutil"
)

// fakeTransport is an in-memory transport. Frames the server writes
// arrive on written; frames queued on incoming are read by the server.
type fakeTransport struct {
	incoming chan frame
	written  chan frame

	mu        sync.Mutex
	closeCode websocket.StatusCode
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan frame, 16),
		written:  make(chan frame, 1024),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case in := <-f.incoming:
		return in.kind, in.data, nil
	case <-f.closed:
		return 0, nil, websocket.CloseError{Code: f.code()}
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, kind websocket.MessageType, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("transport closed")
	default:
	}
	select {
	case f.written <- frame{kind: kind, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Ping(context.Context) error { return nil }

func (f *fakeTransport) Close(code websocket.StatusCode, _ string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) CloseNow() error {
	return f.Close(websocket.StatusAbnormalClosure, "")
}

func (f *fakeTransport) code() websocket.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func newTestServer(t *testing.T, options Options) *Server {
	t.Helper()
	if options.IdleTimeout == 0 {
		options.IdleTimeout = -1
	}
	server, err := New(options)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Close(ctx)
	})
	return server
}

// nextBinary returns the next binary frame written to the transport,
// skipping text frames.
func nextBinary(t *testing.T, transport *fakeTransport) []byte {
	t.Helper()
	for {
		written := testutil.RequireReceive[frame](t, transport.written, 5*time.Second, "waiting for binary frame")
		if written.kind == websocket.MessageBinary {
			return written.data
		}
	}
}

// nextOp returns the next text frame with the given op.
func nextOp(t *testing.T, transport *fakeTransport, op string) map[string]any {
	t.Helper()
	for {
		written := testutil.RequireReceive[frame](t, transport.written, 5*time.Second, "waiting for %s", op)
		if written.kind != websocket.MessageText {
			continue
		}
		var message map[string]any
		if err := json.Unmarshal(written.data, &message); err != nil {
			t.Fatalf("server wrote invalid JSON %q: %v", written.data, err)
		}
		if message["op"] == op {
			return message
		}
	}
}

// subscribedConnection attaches a fake client subscribed to channel 1
// without starting its loops.
func subscribedConnection(t *testing.T, server *Server) (*connection, *fakeTransport) {
	t.Helper()
	if err := server.AddChannel(channel.Channel{ID: 1, Topic: "/imu", MessageEncoding: "json"}, nil); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	transport := newFakeTransport()
	conn := server.attach(transport, "test")
	if protocolErr := conn.handleText([]byte(`{"op":"subscribe","channelId":1}`)); protocolErr != nil {
		t.Fatalf("subscribe: %v", protocolErr)
	}
	return conn, transport
}

func logN(server *Server, n int) {
	for i := range n {
		server.LogMessage(&channel.Message{
			ChannelID: 1,
			Sequence:  uint64(i),
			LogTime:   uint64(i),
			Data:      []byte{byte(i)},
		})
	}
}

func TestOverflowDropOldestKeepsNewest(t *testing.T) {
	server := newTestServer(t, Options{OutboundQueueCapacity: 4, OverflowPolicy: queue.DropOldest})
	conn, transport := subscribedConnection(t, server)

	logN(server, 9)
	if stats := conn.stats(); stats.Dropped != 5 || stats.State != StateConnecting {
		t.Fatalf("stats = %+v, want 5 dropped while connecting", stats)
	}

	go conn.serve()
	for want := byte(5); want < 9; want++ {
		data := nextBinary(t, transport)
		if got := data[len(data)-1]; got != want {
			t.Fatalf("payload = %d, want %d", got, want)
		}
	}
}

func TestOverflowDropNewestKeepsOldest(t *testing.T) {
	server := newTestServer(t, Options{OutboundQueueCapacity: 4, OverflowPolicy: queue.DropNewest})
	conn, transport := subscribedConnection(t, server)

	logN(server, 9)
	if dropped := conn.stats().Dropped; dropped != 5 {
		t.Fatalf("dropped = %d, want 5", dropped)
	}

	go conn.serve()
	for want := byte(0); want < 4; want++ {
		data := nextBinary(t, transport)
		if got := data[len(data)-1]; got != want {
			t.Fatalf("payload = %d, want %d", got, want)
		}
	}
}

func TestOverflowDisconnectClosesWithPolicyViolation(t *testing.T) {
	server := newTestServer(t, Options{OutboundQueueCapacity: 4, OverflowPolicy: queue.Disconnect})
	conn, transport := subscribedConnection(t, server)

	logN(server, 9)
	testutil.RequireClosed(t, transport.closed, 5*time.Second, "overflow did not close the transport")
	if code := transport.code(); code != websocket.StatusPolicyViolation {
		t.Fatalf("close code = %d, want %d", code, websocket.StatusPolicyViolation)
	}
	// One overflowing push plus the four queued frames discarded on close.
	if dropped := conn.stats().Dropped; dropped != 5 {
		t.Errorf("dropped = %d, want 5", dropped)
	}

	go conn.serve()
	testutil.RequireClosed(t, conn.done, 5*time.Second, "connection did not finish")
	if stats := server.Stats(); len(stats) != 0 {
		t.Errorf("server still tracks %d connections", len(stats))
	}
}

func TestBlockPolicySelectsDropOldest(t *testing.T) {
	server := newTestServer(t, Options{})
	if server.options.OverflowPolicy != queue.DropOldest {
		t.Errorf("policy = %s, want drop_oldest", server.options.OverflowPolicy)
	}
	if _, err := New(Options{OverflowPolicy: queue.Policy(99)}); err == nil {
		t.Error("New accepted an unknown overflow policy")
	}
}

func TestSubscriptionTable(t *testing.T) {
	server := newTestServer(t, Options{})
	conn, _ := subscribedConnection(t, server)

	if protocolErr := conn.handleText([]byte(`{"op":"subscribe","channelId":1}`)); protocolErr != nil {
		t.Fatalf("repeat subscribe: %v", protocolErr)
	}
	if len(conn.subscriptions) != 1 || conn.subscriptions[1] != 1 {
		t.Fatalf("subscriptions = %v, want channel 1 → subscription 1", conn.subscriptions)
	}

	protocolErr := conn.handleText([]byte(`{"op":"subscribe","channelId":99,"requestId":4}`))
	if protocolErr == nil || protocolErr.Code != CodeUnknownChannel || *protocolErr.RequestID != 4 {
		t.Fatalf("subscribe to unknown channel = %v", protocolErr)
	}

	protocolErr = conn.handleText([]byte(`{"op":"unsubscribe","subscriptionId":2}`))
	if protocolErr == nil || protocolErr.Code != CodeUnknownSubscription {
		t.Fatalf("unsubscribe unknown = %v", protocolErr)
	}
	if protocolErr := conn.handleText([]byte(`{"op":"unsubscribe","subscriptionId":1}`)); protocolErr != nil {
		t.Fatalf("unsubscribe: %v", protocolErr)
	}
	if len(conn.subscriptions) != 0 {
		t.Errorf("subscriptions after unsubscribe = %v", conn.subscriptions)
	}

	if protocolErr := conn.handleText([]byte(`{"op":"subscribe","channelId":1}`)); protocolErr != nil {
		t.Fatalf("resubscribe: %v", protocolErr)
	}
	if conn.subscriptions[1] != 2 {
		t.Errorf("resubscribe id = %d, want a fresh id 2", conn.subscriptions[1])
	}
	go conn.serve()
}

func TestHandleTextRejectsBadRequests(t *testing.T) {
	server := newTestServer(t, Options{})
	conn, _ := subscribedConnection(t, server)
	go conn.serve()

	tests := []struct {
		name string
		text string
		code ErrorCode
	}{
		{"invalid JSON", `{"op":`, CodeMalformedFrame},
		{"missing op", `{"channelId":1}`, CodeMalformedFrame},
		{"unknown op", `{"op":"teleport"}`, CodeUnknownOp},
		{"subscribe without channel", `{"op":"subscribe"}`, CodeMalformedFrame},
		{"subscribe with string channel", `{"op":"subscribe","channelId":"1"}`, CodeMalformedFrame},
		{"fetchAsset without id", `{"op":"fetchAsset","uri":"x"}`, CodeMalformedFrame},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			protocolErr := conn.handleText([]byte(test.text))
			if protocolErr == nil || protocolErr.Code != test.code {
				t.Errorf("handleText(%s) = %v, want code %s", test.text, protocolErr, test.code)
			}
		})
	}
}

func TestRemoveChannelDropsSubscriptions(t *testing.T) {
	server := newTestServer(t, Options{})
	conn, transport := subscribedConnection(t, server)
	go conn.serve()

	if err := server.RemoveChannel(channel.Channel{ID: 1, Topic: "/imu"}); err != nil {
		t.Fatalf("RemoveChannel: %v", err)
	}
	message := nextOp(t, transport, opUnadvertise)
	if ids, _ := message["channelIds"].([]any); len(ids) != 1 || ids[0] != float64(1) {
		t.Errorf("unadvertise = %v", message)
	}

	logN(server, 1)
	testutil.Eventually(t, 5*time.Second, func() bool { return conn.stats().Subscriptions == 0 })
	select {
	case written := <-transport.written:
		if written.kind == websocket.MessageBinary {
			t.Errorf("data frame delivered for a removed channel: %v", written.data)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBinaryFramingViolationCloses(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"unknown opcode", []byte{0x7f, 0, 0, 0, 0}},
		{"truncated publish", []byte{binaryClientPublish, 1}},
		{"truncated service call", []byte{binaryServiceCallRequest, 1, 0, 0, 0}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			server := newTestServer(t, Options{})
			transport := newFakeTransport()
			conn := server.attach(transport, "test")
			go conn.serve()

			transport.incoming <- frame{kind: websocket.MessageBinary, data: test.frame}
			testutil.RequireClosed(t, transport.closed, 5*time.Second)
			if code := transport.code(); code != websocket.StatusProtocolError {
				t.Errorf("close code = %d, want %d", code, websocket.StatusProtocolError)
			}
		})
	}
}

func TestClientPublishChecks(t *testing.T) {
	published := make(chan ClientMessage, 1)
	server := newTestServer(t, Options{
		MaxClientPayloadBytes: 8,
		Hooks:                 Hooks{OnClientPublish: func(message ClientMessage) { published <- message }},
	})
	server.AddChannel(channel.Channel{ID: 1, Topic: "/cmd", MessageEncoding: "json", Writable: true}, nil)
	server.AddChannel(channel.Channel{ID: 2, Topic: "/state", MessageEncoding: "json"}, nil)
	transport := newFakeTransport()
	conn := server.attach(transport, "test")

	publish := func(channelID uint32, payload string) error {
		data := binary.LittleEndian.AppendUint32([]byte{binaryClientPublish}, channelID)
		return conn.handleBinary(append(data, payload...))
	}

	var protocolErr *ProtocolError
	if err := publish(2, "{}"); !errors.As(err, &protocolErr) || protocolErr.Code != CodeNotWritable {
		t.Errorf("publish to read-only channel = %v", err)
	}
	if err := publish(3, "{}"); !errors.As(err, &protocolErr) || protocolErr.Code != CodeUnknownChannel {
		t.Errorf("publish to unknown channel = %v", err)
	}
	if err := publish(1, `{"a":"long"}`); !errors.As(err, &protocolErr) || protocolErr.Code != CodePayloadTooLarge {
		t.Errorf("oversized publish = %v", err)
	}
	if err := publish(1, `{"a":1}`); err != nil {
		t.Fatalf("publish: %v", err)
	}
	message := testutil.RequireReceive[ClientMessage](t, published, time.Second)
	if message.Topic != "/cmd" || string(message.Payload) != `{"a":1}` || message.Connection.ID != conn.id {
		t.Errorf("published %+v", message)
	}
	go conn.serve()
}
