// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/chanlog/lib/channel"
)

const (
	DefaultChunkSize = 1 << 20

	// DefaultProfile is written to the Header when Options.Profile is
	// empty.
	DefaultProfile = ""

	// DefaultLibrary is written to the Header when Options.Library is
	// empty.
	DefaultLibrary = "chanlog"
)

// Options configures a Writer.
type Options struct {
	// ChunkSize seals a chunk once its uncompressed records reach this
	// many bytes. Zero uses DefaultChunkSize.
	ChunkSize int

	// ChunkDuration seals a chunk once the log times of its messages
	// span at least this long. Zero disables the limit.
	ChunkDuration time.Duration

	// Compression names a built-in codec: "zstd" (the default when
	// empty), "lz4", or "none".
	Compression string

	// Codec overrides Compression with a custom codec.
	Codec Codec

	// DisableChecksums writes empty chunk checksums and a zero summary
	// checksum.
	DisableChecksums bool

	Profile string
	Library string
}

func (o Options) codec() (Codec, error) {
	if o.Codec != nil {
		return o.Codec, nil
	}
	switch o.Compression {
	case "", CompressionZstd:
		return builtinCodecs[CompressionZstd], nil
	case "none":
		return builtinCodecs[CompressionNone], nil
	default:
		return lookupCodec(o.Compression, nil)
	}
}

// Writer writes one container. Safe for concurrent use, though a
// file has exactly one logical writer.
type Writer struct {
	mu sync.Mutex

	out     io.Writer
	buffer  *bufio.Writer // nil unless the writer owns a file
	file    *os.File
	options Options
	codec   Codec
	offset  uint64

	chunk         []byte
	chunkStart    uint64
	chunkEnd      uint64
	chunkMessages bool
	chunkCounts   map[channel.ChannelID]uint64

	schemas  []channel.Schema
	channels []channel.Channel
	metadata []Metadata
	written  map[channel.SchemaID]bool
	opened   map[channel.ChannelID]bool
	indexes  []ChunkIndex
	stats    Statistics

	failed error
	closed bool
}

// NewWriter writes the magic and Header to out and returns a Writer.
// Close does not close out.
func NewWriter(out io.Writer, options Options) (*Writer, error) {
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.Library == "" {
		options.Library = DefaultLibrary
	}
	selected, err := options.codec()
	if err != nil {
		return nil, err
	}

	w := &Writer{
		out:         out,
		options:     options,
		codec:       selected,
		chunkCounts: make(map[channel.ChannelID]uint64),
		written:     make(map[channel.SchemaID]bool),
		opened:      make(map[channel.ChannelID]bool),
		stats:       Statistics{ChannelMessageCounts: make(map[channel.ChannelID]uint64)},
	}

	start := append([]byte(nil), Magic[:]...)
	start = appendRecord(start, OpHeader, encodeHeader(Header{Profile: options.Profile, Library: options.Library}))
	if err := w.emit(start); err != nil {
		return nil, fmt.Errorf("writing container header: %w", err)
	}
	return w, nil
}

// Create creates (or truncates) path and returns a Writer that owns
// it. The file is held under an exclusive advisory lock until Close;
// a second Create on a locked file fails with ErrLocked.
func Create(path string, options Options) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if err := file.Truncate(0); err != nil {
		file.Close()
		return nil, fmt.Errorf("truncating %s: %w", path, err)
	}

	buffer := bufio.NewWriterSize(file, 64<<10)
	w, err := NewWriter(buffer, options)
	if err != nil {
		file.Close()
		return nil, err
	}
	w.buffer = buffer
	w.file = file
	return w, nil
}

// emit writes bytes to the output and advances the offset.
func (w *Writer) emit(data []byte) error {
	n, err := w.out.Write(data)
	w.offset += uint64(n)
	return err
}

func (w *Writer) usable() error {
	if w.failed != nil {
		return w.failed
	}
	if w.closed {
		return ErrWriterClosed
	}
	return nil
}

// WriteSchema records a schema. Writing the same schema ID again is a
// no-op.
func (w *Writer) WriteSchema(schema channel.Schema) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	if schema.ID == channel.NoSchema {
		return fmt.Errorf("schema %q has reserved ID 0", schema.Name)
	}
	if w.written[schema.ID] {
		return nil
	}
	w.written[schema.ID] = true
	w.schemas = append(w.schemas, schema)
	w.stats.SchemaCount++
	w.chunk = appendRecord(w.chunk, OpSchema, encodeSchema(schema))
	return w.maybeSealLocked()
}

// WriteChannel records a channel. Its schema must have been written
// first. Writing the same channel ID again is a no-op.
func (w *Writer) WriteChannel(info channel.Channel) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	if w.opened[info.ID] {
		return nil
	}
	if info.SchemaID != channel.NoSchema && !w.written[info.SchemaID] {
		return &channel.UnknownSchemaError{ID: info.SchemaID}
	}
	body, err := encodeChannel(info)
	if err != nil {
		return err
	}
	w.opened[info.ID] = true
	w.channels = append(w.channels, info)
	w.stats.ChannelCount++
	w.chunk = appendRecord(w.chunk, OpChannel, body)
	return w.maybeSealLocked()
}

// WriteMessage records a message on a channel already written.
func (w *Writer) WriteMessage(message *channel.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	if !w.opened[message.ChannelID] {
		return &channel.UnknownChannelError{ID: message.ChannelID}
	}

	w.chunk = appendMessage(w.chunk, message)
	if !w.chunkMessages || message.LogTime < w.chunkStart {
		w.chunkStart = message.LogTime
	}
	if !w.chunkMessages || message.LogTime > w.chunkEnd {
		w.chunkEnd = message.LogTime
	}
	w.chunkMessages = true
	w.chunkCounts[message.ChannelID]++

	if w.stats.MessageCount == 0 || message.LogTime < w.stats.MessageStart {
		w.stats.MessageStart = message.LogTime
	}
	if w.stats.MessageCount == 0 || message.LogTime > w.stats.MessageEnd {
		w.stats.MessageEnd = message.LogTime
	}
	w.stats.MessageCount++
	w.stats.ChannelMessageCounts[message.ChannelID]++

	return w.maybeSealLocked()
}

// WriteMetadata records a named string map.
func (w *Writer) WriteMetadata(metadata Metadata) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	body, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	w.metadata = append(w.metadata, Metadata{Name: metadata.Name, Values: maps.Clone(metadata.Values)})
	w.stats.MetadataCount++
	w.chunk = appendRecord(w.chunk, OpMetadata, body)
	return w.maybeSealLocked()
}

func (w *Writer) maybeSealLocked() error {
	full := len(w.chunk) >= w.options.ChunkSize
	long := w.options.ChunkDuration > 0 && w.chunkMessages &&
		w.chunkEnd-w.chunkStart >= uint64(w.options.ChunkDuration)
	if full || long {
		return w.sealLocked()
	}
	return nil
}

// sealLocked compresses, verifies and writes the open chunk.
func (w *Writer) sealLocked() error {
	if len(w.chunk) == 0 {
		return nil
	}
	records := w.chunk
	offset := w.offset

	compression := w.codec.Name()
	compressed, err := w.codec.Compress(records)
	if errors.Is(err, ErrIncompressible) {
		compression, compressed = CompressionNone, records
	} else if err != nil {
		w.failed = &CorruptionError{ChunkOffset: offset, Compression: compression, Err: err}
		return w.failed
	}

	expected := checksumChunk(records)
	codecForCheck := w.codec
	if compression == CompressionNone {
		codecForCheck = builtinCodecs[CompressionNone]
	}
	roundTrip, err := codecForCheck.Decompress(compressed, len(records))
	if err == nil {
		if actual := checksumChunk(roundTrip); actual != expected {
			err = &ChecksumError{Section: "chunk", Offset: offset, Expected: expected, Actual: actual}
		}
	}
	if err != nil {
		w.failed = &CorruptionError{ChunkOffset: offset, Compression: compression, Err: err}
		return w.failed
	}

	var checksum []byte
	if !w.options.DisableChecksums {
		checksum = expected[:]
	}
	body := encodeChunk(chunk{
		startTime:        w.chunkStart,
		endTime:          w.chunkEnd,
		uncompressedSize: uint64(len(records)),
		checksum:         checksum,
		compression:      compression,
		records:          compressed,
	})
	record := appendRecord(make([]byte, 0, recordPrefixSize+len(body)), OpChunk, body)
	if err := w.emit(record); err != nil {
		return fmt.Errorf("writing chunk at offset %d: %w", offset, err)
	}

	w.indexes = append(w.indexes, ChunkIndex{
		StartTime:        w.chunkStart,
		EndTime:          w.chunkEnd,
		ChunkOffset:      offset,
		ChunkLength:      uint64(len(record)),
		CompressedSize:   uint64(len(compressed)),
		UncompressedSize: uint64(len(records)),
		Compression:      compression,
		MessageCounts:    w.chunkCounts,
	})
	w.stats.ChunkCount++

	w.chunk = w.chunk[:0]
	w.chunkStart, w.chunkEnd, w.chunkMessages = 0, 0, false
	w.chunkCounts = make(map[channel.ChannelID]uint64)
	return nil
}

// Flush seals the open chunk and flushes buffered output.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	if err := w.sealLocked(); err != nil {
		return err
	}
	if w.buffer != nil {
		if err := w.buffer.Flush(); err != nil {
			return fmt.Errorf("flushing container: %w", err)
		}
	}
	return nil
}

// Close seals the open chunk and writes DataEnd, the summary, the
// footer and the trailing magic. If the writer owns a file it is
// synced, unlocked and closed. Close is idempotent; calls after the
// first return nil. A failed writer closes its file without writing a
// summary and returns the failure.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.failed
	if err == nil {
		err = w.finishLocked()
	}
	if w.file != nil {
		if w.buffer != nil {
			if flushErr := w.buffer.Flush(); flushErr != nil && err == nil {
				err = fmt.Errorf("flushing container: %w", flushErr)
			}
		}
		if syncErr := w.file.Sync(); syncErr != nil && err == nil {
			err = fmt.Errorf("syncing container: %w", syncErr)
		}
		// Closing the descriptor releases the flock.
		if closeErr := w.file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing container: %w", closeErr)
		}
	}
	return err
}

func (w *Writer) finishLocked() error {
	if err := w.sealLocked(); err != nil {
		return err
	}
	if err := w.emit(appendRecord(nil, OpDataEnd, nil)); err != nil {
		return fmt.Errorf("writing data end: %w", err)
	}

	summaryStart := w.offset
	var summary []byte
	for _, schema := range w.schemas {
		summary = appendRecord(summary, OpSchema, encodeSchema(schema))
	}
	for _, info := range w.channels {
		body, err := encodeChannel(info)
		if err != nil {
			return err
		}
		summary = appendRecord(summary, OpChannel, body)
	}
	for _, metadata := range w.metadata {
		body, err := encodeMetadata(metadata)
		if err != nil {
			return err
		}
		summary = appendRecord(summary, OpMetadata, body)
	}
	for _, index := range w.indexes {
		summary = appendRecord(summary, OpChunkIndex, encodeChunkIndex(index))
	}
	summary = appendRecord(summary, OpStatistics, encodeStatistics(w.stats))

	footer := Footer{SummaryStart: summaryStart}
	if !w.options.DisableChecksums {
		footer.SummaryChecksum = checksumSummary(summary)
	}
	tail := appendRecord(summary, OpFooter, encodeFooter(footer))
	tail = append(tail, Magic[:]...)
	if err := w.emit(tail); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return nil
}

// Statistics returns the statistics of everything written so far.
func (w *Writer) Statistics() Statistics {
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := w.stats
	stats.ChannelMessageCounts = maps.Clone(w.stats.ChannelMessageCounts)
	return stats
}

// Failed returns the error that permanently failed the writer, or nil.
func (w *Writer) Failed() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}
