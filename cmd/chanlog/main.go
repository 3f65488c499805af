// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/chanlog/lib/process"
	"github.com/bureau-foundation/chanlog/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) == 1 && args[0] == "--version" {
		fmt.Println(version.Info())
		return nil
	}
	return rootCommand().Execute(args)
}

func rootCommand() *Command {
	return &Command{
		Name:    "chanlog",
		Summary: "Record and stream schematized telemetry channels",
		Subcommands: []*Command{
			recordCommand(),
			infoCommand(os.Stdout),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func([]string) error {
					fmt.Println(version.Full())
					return nil
				},
			},
		},
	}
}
