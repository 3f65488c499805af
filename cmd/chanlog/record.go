// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chanlog/lib/channel"
	"github.com/bureau-foundation/chanlog/lib/config"
	"github.com/bureau-foundation/chanlog/lib/container"
	"github.com/bureau-foundation/chanlog/lib/liveserver"
	"github.com/bureau-foundation/chanlog/lib/logcontext"
	"github.com/bureau-foundation/chanlog/lib/platform"
	"github.com/bureau-foundation/chanlog/lib/sink"
	"github.com/bureau-foundation/chanlog/lib/version"
)

type recordFlags struct {
	configPath string
	output     string
	listen     string
	noServer   bool
	stdinTopic string
}

func recordCommand() *Command {
	var flags recordFlags
	return &Command{
		Name:    "record",
		Summary: "Record configured channels to a container and serve them live",
		Usage:   "chanlog record [--config FILE] [-o FILE] [--listen ADDR] [--stdin TOPIC]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("record", pflag.ContinueOnError)
			flagSet.StringVar(&flags.configPath, "config", "", "config file (default: $CHANLOG_CONFIG, or built-in defaults)")
			flagSet.StringVarP(&flags.output, "output", "o", "", "container file to write (overrides recorder.path)")
			flagSet.StringVar(&flags.listen, "listen", "", "live server address (overrides server.address)")
			flagSet.BoolVar(&flags.noServer, "no-server", false, "disable the live server")
			flagSet.StringVar(&flags.stdinTopic, "stdin", "", "log each line of standard input on this topic; recording stops at EOF")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return usageErrorf("unexpected argument: %s", args[0])
			}
			return runRecord(flags)
		},
	}
}

func loadConfig(flags recordFlags) (*config.Config, error) {
	var cfg *config.Config
	switch {
	case flags.configPath != "":
		loaded, err := config.LoadFile(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	case os.Getenv("CHANLOG_CONFIG") != "":
		loaded, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	default:
		cfg = config.Default()
	}

	if flags.output != "" {
		cfg.Recorder.Enabled = true
		cfg.Recorder.Path = flags.output
	}
	if flags.listen != "" {
		cfg.Server.Enabled = true
		cfg.Server.Address = flags.listen
	}
	if flags.noServer {
		cfg.Server.Enabled = false
	}
	if flags.stdinTopic != "" && !declared(cfg, flags.stdinTopic) {
		cfg.Channels = append(cfg.Channels, config.ChannelConfig{
			Topic:           flags.stdinTopic,
			MessageEncoding: "text",
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func declared(cfg *config.Config, topic string) bool {
	for _, ch := range cfg.Channels {
		if ch.Topic == topic {
			return true
		}
	}
	return false
}

func runRecord(flags recordFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := startRecorder(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if flags.stdinTopic != "" {
		handle, err := r.logContext.Channel(flags.stdinTopic)
		if err != nil {
			r.Close(context.Background())
			return err
		}
		go func() {
			lines, err := pumpLines(ctx, os.Stdin, handle)
			if err != nil {
				logger.Error("reading standard input", "error", err)
			}
			logger.Info("standard input closed", "lines", lines)
			stop()
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Context.ShutdownTimeout)
	defer cancel()
	return r.Close(shutdownCtx)
}

// recorder is a running logging context with its configured sinks.
type recorder struct {
	config     *config.Config
	logger     *slog.Logger
	logContext *logcontext.Context

	writer *container.Writer

	server    *liveserver.Server
	listener  net.Listener
	serveDone chan error

	device      *platform.Device
	credentials *platform.CredentialsProvider

	stopErrors chan struct{}
	errorsDone chan struct{}
}

// startRecorder builds the logging context described by cfg: it
// registers the configured channels, attaches the container and live
// server sinks, and starts reporting sink errors to logger. The
// caller must Close the recorder.
func startRecorder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*recorder, error) {
	r := &recorder{
		config: cfg,
		logger: logger,
		logContext: logcontext.New(logcontext.Config{
			Logger:            logger,
			DuplicateTopics:   cfg.Context.DuplicateTopics,
			SinkQueueCapacity: cfg.Context.SinkQueueCapacity,
			HandoffTimeout:    cfg.Context.HandoffTimeout,
			ShutdownTimeout:   cfg.Context.ShutdownTimeout,
			ErrorBuffer:       cfg.Context.ErrorBuffer,
		}),
		stopErrors: make(chan struct{}),
		errorsDone: make(chan struct{}),
	}
	go r.reportErrors()

	if err := r.start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Context.ShutdownTimeout)
		defer cancel()
		return nil, errors.Join(err, r.Close(shutdownCtx))
	}
	return r, nil
}

func (r *recorder) start(ctx context.Context) error {
	if err := r.registerChannels(); err != nil {
		return err
	}
	if r.config.Platform.Enabled {
		r.connectPlatform(ctx)
	}
	if r.config.Recorder.Enabled {
		if err := r.startContainer(); err != nil {
			return err
		}
	}
	if r.config.Server.Enabled {
		if err := r.startServer(); err != nil {
			return err
		}
	}
	return nil
}

func (r *recorder) registerChannels() error {
	for _, ch := range r.config.Channels {
		descriptor := channel.Descriptor{
			Topic:           ch.Topic,
			MessageEncoding: ch.MessageEncoding,
			Metadata:        ch.Metadata,
			Writable:        ch.Writable,
		}
		if ch.Schema != nil {
			data, err := ch.Schema.Bytes()
			if err != nil {
				return err
			}
			schema, err := r.logContext.RegisterSchema(ch.Schema.Name, ch.Schema.Encoding, data)
			if err != nil {
				return fmt.Errorf("channel %q: %w", ch.Topic, err)
			}
			descriptor.SchemaID = schema.ID
		}
		handle, err := r.logContext.AddChannel(descriptor)
		if err != nil {
			return fmt.Errorf("channel %q: %w", ch.Topic, err)
		}
		r.logger.Debug("channel registered", "topic", ch.Topic, "channel_id", handle.ID())
	}
	return nil
}

// connectPlatform identifies the device. Platform failures are
// logged: recording works offline.
func (r *recorder) connectPlatform(ctx context.Context) {
	client := platform.NewClient(platform.Config{
		BaseURL:     r.config.Platform.BaseURL,
		DeviceToken: r.config.Platform.DeviceToken,
		Timeout:     r.config.Platform.Timeout,
		Logger:      r.logger,
	})
	device, err := client.FetchDeviceInfo(ctx)
	if err != nil {
		r.logger.Warn("fetching device info failed; continuing without platform identity", "error", err)
		return
	}
	r.device = device
	r.logger.Info("device identified", "device_id", device.ID, "device_name", device.Name)

	r.credentials = platform.NewCredentialsProvider(client, *device)
	if _, err := r.credentials.Load(ctx); err != nil {
		r.logger.Warn("authorizing remote visualization failed", "error", err)
	}
}

func (r *recorder) deviceMetadata() map[string]string {
	values := make(map[string]string)
	if r.device != nil {
		values["device_id"] = r.device.ID
		values["device_name"] = r.device.Name
		values["project_id"] = r.device.ProjectID
	}
	return values
}

func (r *recorder) startContainer() error {
	settings := r.config.Recorder
	if err := os.MkdirAll(filepath.Dir(settings.Path), 0o755); err != nil {
		return fmt.Errorf("creating recording directory: %w", err)
	}
	writer, err := container.Create(settings.Path, container.Options{
		ChunkSize:        settings.ChunkSize,
		ChunkDuration:    settings.ChunkDuration,
		Compression:      settings.Compression,
		DisableChecksums: settings.DisableChecksums,
		Profile:          settings.Profile,
	})
	if err != nil {
		return err
	}
	r.writer = writer

	values := r.deviceMetadata()
	values["recorder_version"] = version.Short()
	values["started_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if err := writer.WriteMetadata(container.Metadata{Name: "recording", Values: values}); err != nil {
		writer.Close()
		return err
	}

	options, err := filterOptions(settings.Filter)
	if err != nil {
		writer.Close()
		return fmt.Errorf("recorder.filter: %w", err)
	}
	if _, err := r.logContext.AddSink(container.NewSink(writer), options...); err != nil {
		writer.Close()
		return err
	}
	r.logger.Info("recording", "path", settings.Path, "compression", settings.Compression)
	return nil
}

func (r *recorder) startServer() error {
	settings := r.config.Server
	metadata := r.deviceMetadata()
	for key, value := range settings.Metadata {
		metadata[key] = value
	}
	if r.credentials != nil {
		if current := r.credentials.Current(); current != nil {
			metadata["remote_viz_url"] = current.URL
		}
	}

	server, err := liveserver.New(liveserver.Options{
		Name:                  settings.Name,
		OutboundQueueCapacity: settings.OutboundQueueCapacity,
		OverflowPolicy:        settings.OverflowPolicy,
		IdleTimeout:           settings.IdleTimeout,
		DrainTimeout:          settings.DrainTimeout,
		MaxFrameBytes:         settings.MaxFrameBytes,
		MaxClientPayloadBytes: settings.MaxClientPayloadBytes,
		SupportedEncodings:    []string{"json", "text", channel.EncodingProtobuf, "cbor"},
		Metadata:              metadata,
		OriginPatterns:        settings.OriginPatterns,
		Services: []liveserver.Service{{
			Name:    "stats",
			Type:    "chanlog/Stats",
			Handler: r.handleStats,
		}},
		Hooks: liveserver.Hooks{
			OnConnect: func(info liveserver.ConnectionInfo) {
				r.logger.Info("client connected", "connection_id", info.ID, "remote_addr", info.RemoteAddr)
			},
			OnDisconnect: func(info liveserver.ConnectionInfo) {
				r.logger.Info("client disconnected", "connection_id", info.ID, "remote_addr", info.RemoteAddr)
			},
			OnClientPublish: r.handleClientPublish,
		},
		Logger: r.logger,
	})
	if err != nil {
		return err
	}

	options, err := filterOptions(settings.Filter)
	if err != nil {
		return fmt.Errorf("server.filter: %w", err)
	}

	listener, err := net.Listen("tcp", settings.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", settings.Address, err)
	}
	r.server = server
	r.listener = listener
	r.serveDone = make(chan error, 1)
	go func() {
		r.serveDone <- server.Serve(listener)
	}()

	if _, err := r.logContext.AddSink(server, options...); err != nil {
		server.Close(context.Background())
		return err
	}
	return nil
}

func filterOptions(expression string) ([]logcontext.SinkOption, error) {
	if expression == "" {
		return nil, nil
	}
	filter, err := sink.CompileFilter(expression)
	if err != nil {
		return nil, err
	}
	return []logcontext.SinkOption{logcontext.WithFilter(filter)}, nil
}

// handleClientPublish logs a live client's payload on the channel it
// was published to.
func (r *recorder) handleClientPublish(message liveserver.ClientMessage) {
	if err := r.logContext.Log(channel.ChannelID(message.ChannelID), message.Payload); err != nil {
		r.logger.Warn("dropping client publish",
			"connection_id", message.Connection.ID,
			"topic", message.Topic,
			"error", err,
		)
	}
}

type statsResponse struct {
	Version     string                  `json:"version"`
	Sinks       []sinkStatsView         `json:"sinks"`
	Connections []connectionStatsView   `json:"connections"`
	Recording   *containerStatisticView `json:"recording,omitempty"`
}

type sinkStatsView struct {
	ID        uint64 `json:"id"`
	Kind      string `json:"kind"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

type connectionStatsView struct {
	ID            uint64 `json:"id"`
	RemoteAddr    string `json:"remote_addr"`
	State         string `json:"state"`
	Subscriptions int    `json:"subscriptions"`
	Queued        int    `json:"queued"`
	Dropped       uint64 `json:"dropped"`
}

type containerStatisticView struct {
	Messages uint64 `json:"messages"`
	Chunks   uint32 `json:"chunks"`
}

// stats snapshots the context's sinks and the live server's clients.
func (r *recorder) stats() statsResponse {
	response := statsResponse{
		Version:     version.Short(),
		Sinks:       []sinkStatsView{},
		Connections: []connectionStatsView{},
	}
	for _, s := range r.logContext.Stats() {
		response.Sinks = append(response.Sinks, sinkStatsView{
			ID:        uint64(s.ID),
			Kind:      s.Kind.String(),
			Delivered: s.Delivered,
			Dropped:   s.Dropped,
			Queued:    s.Queued,
		})
	}
	if r.server != nil {
		for _, c := range r.server.Stats() {
			response.Connections = append(response.Connections, connectionStatsView{
				ID:            c.ID,
				RemoteAddr:    c.RemoteAddr,
				State:         c.State.String(),
				Subscriptions: c.Subscriptions,
				Queued:        c.Queued,
				Dropped:       c.Dropped,
			})
		}
	}
	if r.writer != nil {
		statistics := r.writer.Statistics()
		response.Recording = &containerStatisticView{
			Messages: statistics.MessageCount,
			Chunks:   statistics.ChunkCount,
		}
	}
	return response
}

func (r *recorder) handleStats(_ context.Context, request liveserver.ServiceRequest) ([]byte, error) {
	if request.Encoding != "" && request.Encoding != "json" {
		return nil, fmt.Errorf("stats responds in json, not %q", request.Encoding)
	}
	return json.Marshal(r.stats())
}

func (r *recorder) reportErrors() {
	defer close(r.errorsDone)
	for {
		select {
		case err := <-r.logContext.Errors():
			var sinkErr *logcontext.SinkError
			if errors.As(err, &sinkErr) && sinkErr.Detached {
				r.logger.Error("sink detached", "sink_id", sinkErr.Sink, "kind", sinkErr.Kind.String(), "error", sinkErr.Err)
				continue
			}
			r.logger.Warn("sink error", "error", err)
		case <-r.stopErrors:
			return
		}
	}
}

// Addr returns the live server's listening address, or nil.
func (r *recorder) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Close flushes and closes every sink, then stops the live server's
// listener.
func (r *recorder) Close(ctx context.Context) error {
	err := r.logContext.Close(ctx)
	if r.server != nil {
		// Already closed by the context unless its shutdown expired.
		r.server.Close(ctx)
	}
	if r.serveDone != nil {
		if serveErr := <-r.serveDone; serveErr != nil {
			err = errors.Join(err, fmt.Errorf("live server: %w", serveErr))
		}
	}
	close(r.stopErrors)
	<-r.errorsDone

	if r.writer != nil {
		statistics := r.writer.Statistics()
		r.logger.Info("recording closed",
			"path", r.config.Recorder.Path,
			"messages", statistics.MessageCount,
			"chunks", statistics.ChunkCount,
		)
	}
	return err
}

// pumpLines logs each line of input on handle until EOF or ctx is
// cancelled. It returns the number of lines logged.
func pumpLines(ctx context.Context, input io.Reader, handle *logcontext.Channel) (int, error) {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lines := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return lines, nil
		}
		if err := handle.Log(scanner.Bytes()); err != nil {
			return lines, fmt.Errorf("line %d: %w", lines+1, err)
		}
		lines++
	}
	return lines, scanner.Err()
}
