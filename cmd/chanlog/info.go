// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chanlog/lib/channel"
	"github.com/bureau-foundation/chanlog/lib/container"
)

type infoFlags struct {
	messages      int
	skipChecksums bool
}

func infoCommand(stdout io.Writer) *Command {
	var flags infoFlags
	return &Command{
		Name:    "info",
		Summary: "Describe a container file",
		Usage:   "chanlog info [--messages N] FILE",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("info", pflag.ContinueOnError)
			flagSet.IntVarP(&flags.messages, "messages", "n", 0, "also print the first N messages")
			flagSet.BoolVar(&flags.skipChecksums, "skip-checksums", false, "do not verify chunk and summary checksums")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return usageErrorf("expected exactly one container file")
			}
			return describeFile(stdout, args[0], flags)
		},
	}
}

func describeFile(w io.Writer, path string, flags infoFlags) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	options := container.ReaderOptions{SkipChecksums: flags.skipChecksums}
	contents, err := container.ReadAll(file, options)
	if err != nil {
		var checksumErr *container.ChecksumError
		if errors.As(err, &checksumErr) {
			return fmt.Errorf("%s: %w (use --skip-checksums to read anyway)", path, err)
		}
		return fmt.Errorf("%s: %w", path, err)
	}

	var indexes []container.ChunkIndex
	if contents.Indexed {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		summary, err := container.ReadSummary(file, options)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		indexes = summary.ChunkIndexes
	}

	printContents(w, path, contents, indexes, flags.messages)
	return nil
}

func printContents(w io.Writer, path string, contents *container.Contents, indexes []container.ChunkIndex, messages int) {
	fmt.Fprintf(w, "file:     %s\n", path)
	fmt.Fprintf(w, "profile:  %s\n", orDash(contents.Header.Profile))
	fmt.Fprintf(w, "library:  %s\n", orDash(contents.Header.Library))
	if !contents.Indexed {
		fmt.Fprintf(w, "summary:  missing (file was not closed cleanly; contents recovered by scanning)\n")
	}
	if contents.Truncated {
		fmt.Fprintf(w, "warning:  file ends mid-record; showing the records before the cut\n")
	}

	counts := make(map[channel.ChannelID]uint64)
	if stats := contents.Statistics; stats != nil {
		counts = stats.ChannelMessageCounts
		fmt.Fprintf(w, "messages: %d\n", stats.MessageCount)
		if stats.MessageCount > 0 {
			start, end := nanosTime(stats.MessageStart), nanosTime(stats.MessageEnd)
			fmt.Fprintf(w, "start:    %s\n", start.Format(time.RFC3339Nano))
			fmt.Fprintf(w, "end:      %s\n", end.Format(time.RFC3339Nano))
			fmt.Fprintf(w, "duration: %s\n", end.Sub(start))
		}
		fmt.Fprintf(w, "chunks:   %d\n", stats.ChunkCount)
	} else {
		for _, message := range contents.Messages {
			counts[message.ChannelID]++
		}
		fmt.Fprintf(w, "messages: %d\n", len(contents.Messages))
	}

	schemas := make(map[channel.SchemaID]channel.Schema, len(contents.Schemas))
	for _, schema := range contents.Schemas {
		schemas[schema.ID] = schema
	}

	fmt.Fprintf(w, "\nchannels:\n")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "  ID\tTOPIC\tENCODING\tSCHEMA\tMESSAGES\tWRITABLE\n")
	for _, info := range contents.Channels {
		schemaName := "-"
		if schema, ok := schemas[info.SchemaID]; ok {
			schemaName = fmt.Sprintf("%s (%s)", schema.Name, schema.Encoding)
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%d\t%t\n",
			info.ID, info.Topic, orDash(info.MessageEncoding), schemaName, counts[info.ID], info.Writable)
	}
	tw.Flush()

	if len(indexes) > 0 {
		fmt.Fprintf(w, "\nchunks:\n")
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "  OFFSET\tCOMPRESSION\tCOMPRESSED\tUNCOMPRESSED\tMESSAGES\n")
		for _, index := range indexes {
			var total uint64
			for _, count := range index.MessageCounts {
				total += count
			}
			fmt.Fprintf(tw, "  %d\t%s\t%d\t%d\t%d\n",
				index.ChunkOffset, index.Compression, index.CompressedSize, index.UncompressedSize, total)
		}
		tw.Flush()
	}

	if len(contents.Metadata) > 0 {
		fmt.Fprintf(w, "\nmetadata:\n")
		for _, metadata := range contents.Metadata {
			fmt.Fprintf(w, "  %s:\n", metadata.Name)
			keys := make([]string, 0, len(metadata.Values))
			for key := range metadata.Values {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Fprintf(w, "    %s = %s\n", key, metadata.Values[key])
			}
		}
	}

	if messages > 0 && len(contents.Messages) > 0 {
		topics := make(map[channel.ChannelID]string, len(contents.Channels))
		for _, info := range contents.Channels {
			topics[info.ID] = info.Topic
		}
		fmt.Fprintf(w, "\nmessages:\n")
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "  LOG TIME\tTOPIC\tSEQ\tBYTES\tDATA\n")
		for _, message := range contents.Messages[:min(messages, len(contents.Messages))] {
			fmt.Fprintf(tw, "  %s\t%s\t%d\t%d\t%s\n",
				nanosTime(message.LogTime).Format(time.RFC3339Nano),
				topics[message.ChannelID], message.Sequence, len(message.Data), preview(message.Data))
		}
		tw.Flush()
	}
}

func nanosTime(nanos uint64) time.Time {
	return time.Unix(0, int64(nanos)).UTC()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// preview renders up to 48 bytes of a payload: as quoted text when it
// is printable UTF-8, otherwise as hex.
func preview(data []byte) string {
	const limit = 48
	shown := data[:min(limit, len(data))]
	suffix := ""
	if len(data) > limit {
		suffix = "…"
	}
	if utf8.Valid(shown) && !slices.ContainsFunc([]rune(string(shown)), func(r rune) bool { return r < 0x20 && r != '\t' }) {
		return fmt.Sprintf("%q%s", shown, suffix)
	}
	return fmt.Sprintf("%x%s", shown, suffix)
}
