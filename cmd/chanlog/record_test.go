// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/bureau-foundation/chanlog/lib/channel"
	"github.com/bureau-foundation/chanlog/lib/config"
	"github.com/bureau-foundation/chanlog/lib/container"
	"github.com/bureau-foundation/chanlog/lib/liveserver"
	"github.com/bureau-foundation/chanlog/lib/logcontext"
	"github.com/bureau-foundation/chanlog/lib/sink"
	"github.com/bureau-foundation/chanlog/lib/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Recorder.Path = filepath.Join(t.TempDir(), "recording.clog")
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Channels = []config.ChannelConfig{
		{Topic: "/cmd", MessageEncoding: "json", Writable: true},
		{
			Topic:           "/pose",
			MessageEncoding: "json",
			Schema: &config.SchemaConfig{
				Name:     "Pose",
				Encoding: "jsonschema",
				Data:     `{"type":"object"}`,
			},
			Metadata: map[string]string{"frame": "map"},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

func startTestRecorder(t *testing.T, cfg *config.Config) *recorder {
	t.Helper()
	r, err := startRecorder(context.Background(), cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("startRecorder: %v", err)
	}
	return r
}

func closeRecorder(t *testing.T, r *recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func readRecording(t *testing.T, path string) *container.Contents {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer file.Close()
	contents, err := container.ReadAll(file, container.ReaderOptions{})
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return contents
}

func delivered(r *recorder, kind sink.Kind) uint64 {
	for _, stats := range r.logContext.Stats() {
		if stats.Kind == kind {
			return stats.Delivered
		}
	}
	return 0
}

// waitForChannel reads frames until an advertise naming topic arrives
// and returns the advertised channel ID.
func waitForChannel(t *testing.T, conn *websocket.Conn, topic string) uint32 {
	t.Helper()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		kind, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("waiting for %s to be advertised: %v", topic, err)
		}
		if kind != websocket.MessageText {
			continue
		}
		var message struct {
			Op       string                         `json:"op"`
			Channels []liveserver.AdvertisedChannel `json:"channels"`
		}
		if err := json.Unmarshal(data, &message); err != nil {
			t.Fatalf("invalid JSON %q: %v", data, err)
		}
		if message.Op != "advertise" {
			continue
		}
		for _, advertised := range message.Channels {
			if advertised.Topic == topic {
				return advertised.ID
			}
		}
	}
}

func TestRecorderRecordsLocalAndClientMessages(t *testing.T) {
	cfg := testConfig(t)
	r := startTestRecorder(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+r.Addr().String(), &websocket.DialOptions{
		Subprotocols: []string{liveserver.Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	commandID := waitForChannel(t, conn, "/cmd")
	publish := binary.LittleEndian.AppendUint32([]byte{0x01}, commandID)
	publish = append(publish, `{"speed":1.5}`...)
	if err := conn.Write(ctx, websocket.MessageBinary, publish); err != nil {
		t.Fatalf("client publish: %v", err)
	}

	pose, err := r.logContext.Channel("/pose")
	if err != nil {
		t.Fatalf("Channel(/pose): %v", err)
	}
	if err := pose.Log([]byte(`{"x":1,"y":2}`)); err != nil {
		t.Fatalf("Log: %v", err)
	}

	testutil.Eventually(t, 5*time.Second, func() bool {
		return delivered(r, sink.KindContainer) == 2
	}, "container sink should receive both messages")

	conn.Close(websocket.StatusNormalClosure, "")
	closeRecorder(t, r)

	contents := readRecording(t, cfg.Recorder.Path)
	if !contents.Indexed {
		t.Error("recording has no summary after a clean close")
	}
	if len(contents.Channels) != 2 {
		t.Fatalf("recorded %d channels, want 2", len(contents.Channels))
	}
	if len(contents.Schemas) != 1 || contents.Schemas[0].Name != "Pose" {
		t.Errorf("recorded schemas = %+v, want [Pose]", contents.Schemas)
	}

	payloads := make(map[string]string)
	topics := make(map[channel.ChannelID]string)
	for _, info := range contents.Channels {
		topics[info.ID] = info.Topic
	}
	for _, message := range contents.Messages {
		payloads[topics[message.ChannelID]] = string(message.Data)
		if message.Sequence != 1 {
			t.Errorf("%s message sequence = %d, want 1", topics[message.ChannelID], message.Sequence)
		}
	}
	if payloads["/cmd"] != `{"speed":1.5}` {
		t.Errorf("/cmd payload = %q", payloads["/cmd"])
	}
	if payloads["/pose"] != `{"x":1,"y":2}` {
		t.Errorf("/pose payload = %q", payloads["/pose"])
	}

	if len(contents.Metadata) != 1 || contents.Metadata[0].Name != "recording" {
		t.Fatalf("metadata = %+v, want one recording record", contents.Metadata)
	}
	if contents.Metadata[0].Values["recorder_version"] == "" {
		t.Error("recording metadata lacks recorder_version")
	}
}

func TestRecorderFilterExcludesChannels(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Enabled = false
	cfg.Recorder.Filter = `!writable`
	r := startTestRecorder(t, cfg)

	for _, topic := range []string{"/cmd", "/pose"} {
		handle, err := r.logContext.Channel(topic)
		if err != nil {
			t.Fatalf("Channel(%s): %v", topic, err)
		}
		if err := handle.Log([]byte(`{}`)); err != nil {
			t.Fatalf("Log(%s): %v", topic, err)
		}
	}
	closeRecorder(t, r)

	contents := readRecording(t, cfg.Recorder.Path)
	if len(contents.Channels) != 1 || contents.Channels[0].Topic != "/pose" {
		t.Fatalf("recorded channels = %+v, want only /pose", contents.Channels)
	}
	if len(contents.Messages) != 1 {
		t.Errorf("recorded %d messages, want 1", len(contents.Messages))
	}
}

func TestRecorderRejectsInvalidFilter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Enabled = false
	cfg.Recorder.Filter = `topic +`
	_, err := startRecorder(context.Background(), cfg, slog.New(slog.DiscardHandler))
	if err == nil || !strings.Contains(err.Error(), "recorder.filter") {
		t.Fatalf("startRecorder error = %v, want recorder.filter error", err)
	}
}

func TestRecorderStatsService(t *testing.T) {
	cfg := testConfig(t)
	r := startTestRecorder(t, cfg)
	defer closeRecorder(t, r)

	data, err := r.handleStats(context.Background(), liveserver.ServiceRequest{Encoding: "json"})
	if err != nil {
		t.Fatalf("handleStats: %v", err)
	}
	var response statsResponse
	if err := json.Unmarshal(data, &response); err != nil {
		t.Fatalf("stats response %q: %v", data, err)
	}
	if len(response.Sinks) != 2 {
		t.Fatalf("stats lists %d sinks, want container and live server", len(response.Sinks))
	}
	if response.Sinks[0].Kind != sink.KindContainer.String() || response.Sinks[1].Kind != sink.KindLiveServer.String() {
		t.Errorf("sink kinds = %s, %s", response.Sinks[0].Kind, response.Sinks[1].Kind)
	}
	if response.Recording == nil {
		t.Error("stats lacks recording statistics")
	}

	if _, err := r.handleStats(context.Background(), liveserver.ServiceRequest{Encoding: "cbor"}); err == nil {
		t.Error("stats accepted a non-JSON request encoding")
	}
}

func TestLoadConfigAppliesFlags(t *testing.T) {
	t.Setenv("CHANLOG_CONFIG", "")
	output := filepath.Join(t.TempDir(), "out.clog")

	cfg, err := loadConfig(recordFlags{
		output:     output,
		noServer:   true,
		stdinTopic: "/console",
	})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Recorder.Path != output || !cfg.Recorder.Enabled {
		t.Errorf("recorder = %+v, want enabled at %s", cfg.Recorder, output)
	}
	if cfg.Server.Enabled {
		t.Error("--no-server left the live server enabled")
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0].Topic != "/console" || cfg.Channels[0].MessageEncoding != "text" {
		t.Errorf("channels = %+v, want a text /console channel", cfg.Channels)
	}
}

func TestLoadConfigKeepsDeclaredStdinTopic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chanlog.yaml")
	data := "channels:\n  - topic: /console\n    message_encoding: json\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(recordFlags{configPath: path, stdinTopic: "/console"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0].MessageEncoding != "json" {
		t.Errorf("channels = %+v, want the declared /console channel only", cfg.Channels)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("CHANLOG_CONFIG", "")
	_, err := loadConfig(recordFlags{listen: "127.0.0.1:0", output: ""})
	if err != nil {
		t.Fatalf("defaults with --listen should be valid: %v", err)
	}

	path := filepath.Join(t.TempDir(), "chanlog.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(recordFlags{configPath: path}); err == nil {
		t.Fatal("loadConfig accepted log.level loud")
	}
}

func TestPumpLines(t *testing.T) {
	logContext := logcontext.New(logcontext.Config{})
	var (
		mu       sync.Mutex
		received []string
	)
	if _, err := logContext.AddSink(&sink.Callbacks{
		OnMessage: func(message *channel.Message) error {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, string(message.Data))
			return nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	handle, err := logContext.AddChannel(channel.Descriptor{Topic: "/console", MessageEncoding: "text"})
	if err != nil {
		t.Fatal(err)
	}

	lines, err := pumpLines(context.Background(), strings.NewReader("first\nsecond\n\nlast"), handle)
	if err != nil {
		t.Fatalf("pumpLines: %v", err)
	}
	if lines != 4 {
		t.Errorf("pumpLines logged %d lines, want 4", lines)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := logContext.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "", "last"}
	if strings.Join(received, "|") != strings.Join(want, "|") {
		t.Errorf("received %q, want %q", received, want)
	}
}
