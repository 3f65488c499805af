// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chanlog/lib/config"
	"github.com/bureau-foundation/chanlog/lib/process"
)

func TestCommandDispatch(t *testing.T) {
	var got []string
	var verbose bool
	root := &Command{
		Name: "tool",
		Subcommands: []*Command{{
			Name: "run",
			Flags: func() *pflag.FlagSet {
				flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
				flagSet.BoolVarP(&verbose, "verbose", "v", false, "")
				return flagSet
			},
			Run: func(args []string) error {
				got = args
				return nil
			},
		}},
	}

	if err := root.Execute([]string{"run", "-v", "a", "b"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !verbose || strings.Join(got, ",") != "a,b" {
		t.Errorf("verbose=%t args=%v", verbose, got)
	}

	err := root.Execute([]string{"walk"})
	if err == nil || !strings.Contains(err.Error(), `unknown command "walk"`) {
		t.Errorf("unknown subcommand error = %v", err)
	}
	if err := root.Execute(nil); err == nil {
		t.Error("missing subcommand accepted")
	}
	err = root.Execute([]string{"run", "--bogus"})
	if err == nil || !strings.Contains(err.Error(), "tool run --help") {
		t.Errorf("bad flag error = %v", err)
	}
}

func TestUsageErrorsExitWithStatus2(t *testing.T) {
	failure := errors.New("disk on fire")
	root := &Command{
		Name: "tool",
		Subcommands: []*Command{
			{
				Name:  "run",
				Flags: func() *pflag.FlagSet { return pflag.NewFlagSet("run", pflag.ContinueOnError) },
				Run:   func([]string) error { return failure },
			},
			infoCommand(io.Discard),
		},
	}

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"unknown command", []string{"walk"}, 2},
		{"missing subcommand", nil, 2},
		{"bad flag", []string{"run", "--bogus"}, 2},
		{"info without a file", []string{"info"}, 2},
		{"runtime failure", []string{"run"}, 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := root.Execute(test.args)
			if err == nil {
				t.Fatal("Execute succeeded")
			}
			if got := process.ExitCode(fmt.Errorf("running: %w", err)); got != test.want {
				t.Errorf("ExitCode(%v) = %d, want %d", err, got, test.want)
			}
		})
	}

	var usage *UsageError
	if err := root.Execute([]string{"run", "--bogus"}); !errors.As(err, &usage) || !strings.Contains(usage.Error(), "unknown flag") {
		t.Errorf("bad flag error = %v, want a *UsageError naming the flag", err)
	}
}

func TestPrintHelpListsSubcommandsAndFlags(t *testing.T) {
	var out bytes.Buffer
	root := rootCommand()
	root.PrintHelp(&out)
	for _, want := range []string{"record", "info", "version"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("root help lacks %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	recordCommand().PrintHelp(&out)
	for _, want := range []string{"--config", "--output", "--stdin"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("record help lacks %q:\n%s", want, out.String())
		}
	}
}

func TestLoggerFormat(t *testing.T) {
	tests := []struct {
		format   string
		terminal bool
		json     bool
	}{
		{"auto", true, false},
		{"auto", false, true},
		{"text", false, false},
		{"json", true, true},
	}
	for _, test := range tests {
		var out bytes.Buffer
		logger := newLoggerTo(&out, config.LogConfig{Level: "info", Format: test.format}, test.terminal)
		logger.Info("hello", "k", "v")
		isJSON := strings.HasPrefix(out.String(), "{")
		if isJSON != test.json {
			t.Errorf("format %s terminal %t: output %q, want json=%t", test.format, test.terminal, out.String(), test.json)
		}
	}
}

func TestLoggerLevel(t *testing.T) {
	var out bytes.Buffer
	logger := newLoggerTo(&out, config.LogConfig{Level: "warn", Format: "json"}, false)
	logger.Info("quiet")
	logger.Warn("loud")
	if strings.Contains(out.String(), "quiet") || !strings.Contains(out.String(), "loud") {
		t.Errorf("warn-level logger output %q", out.String())
	}
}
