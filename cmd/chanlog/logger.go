// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/chanlog/lib/config"
)

// newLogger builds the process logger. Format "auto" picks a text
// handler when stderr is a terminal and JSON otherwise.
func newLogger(cfg config.LogConfig) *slog.Logger {
	return newLoggerTo(os.Stderr, cfg, term.IsTerminal(int(os.Stderr.Fd())))
}

func newLoggerTo(w io.Writer, cfg config.LogConfig, terminal bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: level}

	text := cfg.Format == "text" || (cfg.Format != "json" && terminal)
	if text {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}
