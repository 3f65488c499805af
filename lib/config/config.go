// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/chanlog/lib/channel"
	"github.com/bureau-foundation/chanlog/lib/queue"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHANLOG"

// Config is the configuration of a chanlog recorder process.
type Config struct {
	Context  ContextConfig  `yaml:"context"`
	Recorder RecorderConfig `yaml:"recorder"`
	Server   ServerConfig   `yaml:"server"`
	Platform PlatformConfig `yaml:"platform"`
	Log      LogConfig      `yaml:"log"`

	// Channels are registered at startup. They have no environment
	// overrides.
	Channels []ChannelConfig `yaml:"channels" ignored:"true"`
}

// ContextConfig configures the fan-out engine.
type ContextConfig struct {
	DuplicateTopics   channel.DuplicatePolicy `yaml:"duplicate_topics" split_words:"true"`
	SinkQueueCapacity int                     `yaml:"sink_queue_capacity" split_words:"true"`
	HandoffTimeout    time.Duration           `yaml:"handoff_timeout" split_words:"true"`
	ShutdownTimeout   time.Duration           `yaml:"shutdown_timeout" split_words:"true"`
	ErrorBuffer       int                     `yaml:"error_buffer" split_words:"true"`
}

// RecorderConfig configures the container sink.
type RecorderConfig struct {
	Enabled bool `yaml:"enabled" split_words:"true"`

	// Path is the container file. ${VAR} patterns are expanded.
	Path string `yaml:"path" split_words:"true"`

	ChunkSize        int           `yaml:"chunk_size" split_words:"true"`
	ChunkDuration    time.Duration `yaml:"chunk_duration" split_words:"true"`
	Compression      string        `yaml:"compression" split_words:"true"`
	DisableChecksums bool          `yaml:"disable_checksums" split_words:"true"`
	Profile          string        `yaml:"profile" split_words:"true"`

	// Filter is a CEL expression selecting channels to record. Empty
	// records every channel.
	Filter string `yaml:"filter" split_words:"true"`
}

// ServerConfig configures the live server.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Address string `yaml:"address" split_words:"true"`
	Name    string `yaml:"name" split_words:"true"`

	OutboundQueueCapacity int           `yaml:"outbound_queue_capacity" split_words:"true"`
	OverflowPolicy        queue.Policy  `yaml:"overflow_policy" split_words:"true"`
	IdleTimeout           time.Duration `yaml:"idle_timeout" split_words:"true"`
	DrainTimeout          time.Duration `yaml:"drain_timeout" split_words:"true"`
	MaxFrameBytes         int64         `yaml:"max_frame_bytes" split_words:"true"`
	MaxClientPayloadBytes int           `yaml:"max_client_payload_bytes" split_words:"true"`

	Metadata map[string]string `yaml:"metadata" split_words:"true"`
	Filter   string            `yaml:"filter" split_words:"true"`

	// OriginPatterns restricts which browser origins may connect. Empty
	// accepts any origin.
	OriginPatterns []string `yaml:"origin_patterns" split_words:"true"`
}

// PlatformConfig configures the platform API client.
type PlatformConfig struct {
	Enabled     bool          `yaml:"enabled" split_words:"true"`
	BaseURL     string        `yaml:"base_url" split_words:"true"`
	DeviceToken string        `yaml:"device_token" split_words:"true"`
	Timeout     time.Duration `yaml:"timeout" split_words:"true"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" split_words:"true"`

	// Format is auto (text on a terminal, JSON otherwise), text or
	// json.
	Format string `yaml:"format" split_words:"true"`
}

// ChannelConfig declares a channel registered at startup.
type ChannelConfig struct {
	Topic           string            `yaml:"topic"`
	MessageEncoding string            `yaml:"message_encoding"`
	Schema          *SchemaConfig     `yaml:"schema"`
	Metadata        map[string]string `yaml:"metadata"`

	// Writable channels accept payloads published by live clients.
	Writable bool `yaml:"writable"`
}

// SchemaConfig is a channel's schema. Exactly one of Path and Data is
// set.
type SchemaConfig struct {
	Name     string `yaml:"name"`
	Encoding string `yaml:"encoding"`
	Path     string `yaml:"path"`
	Data     string `yaml:"data"`
}

// Bytes returns the schema definition, reading Path if set.
func (s *SchemaConfig) Bytes() ([]byte, error) {
	if s.Path == "" {
		return []byte(s.Data), nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("reading schema %q: %w", s.Name, err)
	}
	return data, nil
}

// Default returns the configuration used beneath the file.
func Default() *Config {
	return &Config{
		Context: ContextConfig{
			DuplicateTopics:   channel.DuplicateReuse,
			SinkQueueCapacity: 4096,
			HandoffTimeout:    time.Second,
			ShutdownTimeout:   10 * time.Second,
			ErrorBuffer:       64,
		},
		Recorder: RecorderConfig{
			Enabled:     true,
			Path:        "${HOME}/chanlog/recording.clog",
			ChunkSize:   1 << 20,
			Compression: "zstd",
		},
		Server: ServerConfig{
			Enabled:               true,
			Address:               "127.0.0.1:8765",
			Name:                  "chanlog",
			OutboundQueueCapacity: 1024,
			OverflowPolicy:        queue.DropOldest,
			IdleTimeout:           30 * time.Second,
			DrainTimeout:          2 * time.Second,
			MaxFrameBytes:         16 << 20,
			MaxClientPayloadBytes: 1 << 20,
		},
		Platform: PlatformConfig{
			BaseURL: "https://api.foxglove.dev",
			Timeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load loads the file named by CHANLOG_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("CHANLOG_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("CHANLOG_CONFIG environment variable not set; " +
			"set it to the path of your chanlog config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads path over Default and applies environment overrides
// and path expansion. It does not validate.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("applying %s_* environment overrides: %w", EnvPrefix, err)
	}
	cfg.expandVariables(filepath.Dir(path))
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
// Relative schema paths resolve against the config file's directory.
func (c *Config) expandVariables(configDirectory string) {
	c.Recorder.Path = expandVars(c.Recorder.Path)
	for i := range c.Channels {
		schema := c.Channels[i].Schema
		if schema == nil || schema.Path == "" {
			continue
		}
		schema.Path = expandVars(schema.Path)
		if !filepath.IsAbs(schema.Path) {
			schema.Path = filepath.Join(configDirectory, schema.Path)
		}
	}
}

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

var (
	logLevels   = []string{"debug", "info", "warn", "error"}
	logFormats  = []string{"auto", "text", "json"}
	compression = []string{"", "none", "zstd", "lz4"}
)

// Validate checks the configuration and returns every problem joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Context.SinkQueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("context.sink_queue_capacity must be positive"))
	}
	if c.Context.HandoffTimeout < 0 {
		errs = append(errs, fmt.Errorf("context.handoff_timeout must not be negative"))
	}
	if c.Context.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("context.shutdown_timeout must be positive"))
	}

	if c.Recorder.Enabled {
		if c.Recorder.Path == "" {
			errs = append(errs, fmt.Errorf("recorder.path is required when the recorder is enabled"))
		}
		if !contains(compression, c.Recorder.Compression) {
			errs = append(errs, fmt.Errorf("recorder.compression must be one of: none, zstd, lz4"))
		}
		if c.Recorder.ChunkSize < 0 {
			errs = append(errs, fmt.Errorf("recorder.chunk_size must not be negative"))
		}
	}

	if c.Server.Enabled {
		if c.Server.Address == "" {
			errs = append(errs, fmt.Errorf("server.address is required when the server is enabled"))
		}
		if c.Server.OverflowPolicy == queue.Block {
			errs = append(errs, fmt.Errorf("server.overflow_policy must be drop_newest, drop_oldest or disconnect"))
		}
		if c.Server.OutboundQueueCapacity <= 0 {
			errs = append(errs, fmt.Errorf("server.outbound_queue_capacity must be positive"))
		}
		for i, pattern := range c.Server.OriginPatterns {
			if _, err := path.Match(pattern, ""); err != nil {
				errs = append(errs, fmt.Errorf("server.origin_patterns[%d] %q: %w", i, pattern, err))
			}
		}
	}

	if c.Platform.Enabled && c.Platform.DeviceToken == "" {
		errs = append(errs, fmt.Errorf("platform.device_token is required when the platform client is enabled"))
	}

	if !contains(logLevels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", logLevels))
	}
	if !contains(logFormats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", logFormats))
	}

	topics := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Topic == "" {
			errs = append(errs, fmt.Errorf("channels[%d].topic is required", i))
		} else if topics[ch.Topic] {
			errs = append(errs, fmt.Errorf("channels[%d].topic %q is declared twice", i, ch.Topic))
		}
		topics[ch.Topic] = true
		if ch.Schema != nil {
			if ch.Schema.Name == "" {
				errs = append(errs, fmt.Errorf("channels[%d].schema.name is required", i))
			}
			if (ch.Schema.Path == "") == (ch.Schema.Data == "") {
				errs = append(errs, fmt.Errorf("channels[%d].schema needs exactly one of path and data", i))
			}
		}
	}

	return errors.Join(errs...)
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
