// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/chanlog/lib/channel"
)

var (
	poseSchema = channel.Schema{ID: 1, Name: "geo.Pose", Encoding: "jsonschema", Data: []byte(`{"type":"object"}`)}
	poseTopic  = channel.Channel{
		ID:              1,
		Topic:           "/pose",
		MessageEncoding: "json",
		SchemaID:        1,
		Metadata:        map[string]string{"frame": "map"},
	}
	rawTopic = channel.Channel{ID: 2, Topic: "/raw", MessageEncoding: "raw", Writable: true}
)

// writeSample writes two channels and count messages alternating
// between them, returning the messages written.
func writeSample(t *testing.T, w *Writer, count int) []channel.Message {
	t.Helper()
	if err := w.WriteSchema(poseSchema); err != nil {
		t.Fatalf("WriteSchema: %v", err)
	}
	for _, info := range []channel.Channel{poseTopic, rawTopic} {
		if err := w.WriteChannel(info); err != nil {
			t.Fatalf("WriteChannel(%s): %v", info.Topic, err)
		}
	}
	if err := w.WriteMetadata(Metadata{Name: "robot", Values: map[string]string{"serial": "R-17"}}); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	messages := make([]channel.Message, 0, count)
	sequences := map[channel.ChannelID]uint64{}
	for i := range count {
		id := channel.ChannelID(i%2 + 1)
		sequences[id]++
		message := channel.Message{
			ChannelID:   id,
			Sequence:    sequences[id],
			LogTime:     uint64(1_000 + i*10),
			PublishTime: uint64(2_000 + i*10),
			Data:        []byte(fmt.Sprintf(`{"i":%d,"pad":"%s"}`, i, bytes.Repeat([]byte("x"), 40))),
		}
		if err := w.WriteMessage(&message); err != nil {
			t.Fatalf("WriteMessage %d: %v", i, err)
		}
		messages = append(messages, message)
	}
	return messages
}

func requireMessages(t *testing.T, got, want []channel.Message) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("read %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.ChannelID != w.ChannelID || g.Sequence != w.Sequence ||
			g.LogTime != w.LogTime || g.PublishTime != w.PublishTime || !bytes.Equal(g.Data, w.Data) {
			t.Fatalf("message %d = %+v, want %+v", i, g, w)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, compression := range []string{"none", "lz4", "zstd"} {
		t.Run(compression, func(t *testing.T) {
			var buffer bytes.Buffer
			w, err := NewWriter(&buffer, Options{ChunkSize: 1024, Compression: compression, Profile: "test"})
			if err != nil {
				t.Fatalf("NewWriter: %v", err)
			}
			written := writeSample(t, w, 200)
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			contents, err := ReadAll(bytes.NewReader(buffer.Bytes()), ReaderOptions{})
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if !contents.Indexed {
				t.Error("closed file read without its index")
			}
			if contents.Header.Profile != "test" || contents.Header.Library != DefaultLibrary {
				t.Errorf("header = %+v", contents.Header)
			}
			requireMessages(t, contents.Messages, written)

			if len(contents.Schemas) != 1 || contents.Schemas[0].Name != poseSchema.Name ||
				!bytes.Equal(contents.Schemas[0].Data, poseSchema.Data) {
				t.Errorf("schemas = %+v", contents.Schemas)
			}
			if len(contents.Channels) != 2 {
				t.Fatalf("channels = %+v", contents.Channels)
			}
			if contents.Channels[0].Metadata["frame"] != "map" || !contents.Channels[1].Writable {
				t.Errorf("channel attributes lost: %+v", contents.Channels)
			}
			if len(contents.Metadata) != 1 || contents.Metadata[0].Values["serial"] != "R-17" {
				t.Errorf("metadata = %+v", contents.Metadata)
			}

			stats := contents.Statistics
			if stats.MessageCount != 200 || stats.SchemaCount != 1 || stats.ChannelCount != 2 || stats.MetadataCount != 1 {
				t.Errorf("statistics = %+v", stats)
			}
			if stats.ChunkCount < 2 {
				t.Errorf("ChunkCount = %d, want several chunks at ChunkSize 1024", stats.ChunkCount)
			}
			if stats.MessageStart != 1_000 || stats.MessageEnd != 1_000+199*10 {
				t.Errorf("message range = [%d, %d]", stats.MessageStart, stats.MessageEnd)
			}
			if stats.ChannelMessageCounts[1] != 100 || stats.ChannelMessageCounts[2] != 100 {
				t.Errorf("per-channel counts = %v", stats.ChannelMessageCounts)
			}

			scanner, err := NewScanner(bytes.NewReader(buffer.Bytes()), ReaderOptions{})
			if err != nil {
				t.Fatalf("NewScanner: %v", err)
			}
			var scanned []channel.Message
			for scanner.Next() {
				if message := scanner.Record().Message; message != nil {
					scanned = append(scanned, *message)
				}
			}
			if err := scanner.Err(); err != nil {
				t.Fatalf("scan: %v", err)
			}
			requireMessages(t, scanned, written)
		})
	}
}

func TestReadChunkRandomAccess(t *testing.T) {
	var buffer bytes.Buffer
	w, _ := NewWriter(&buffer, Options{ChunkSize: 512})
	written := writeSample(t, w, 100)
	w.Close()

	reader := bytes.NewReader(buffer.Bytes())
	summary, err := ReadSummary(reader, ReaderOptions{})
	if err != nil {
		t.Fatalf("ReadSummary: %v", err)
	}
	if len(summary.ChunkIndexes) < 3 {
		t.Fatalf("%d chunks, want at least 3", len(summary.ChunkIndexes))
	}

	// Messages are written in order, so the chunks partition them.
	var offset int
	for i, index := range summary.ChunkIndexes {
		records, err := ReadChunk(reader, index, ReaderOptions{})
		if err != nil {
			t.Fatalf("ReadChunk %d: %v", i, err)
		}
		var messages []channel.Message
		for _, record := range records {
			if record.Message != nil {
				messages = append(messages, *record.Message)
			}
		}
		var indexed uint64
		for _, count := range index.MessageCounts {
			indexed += count
		}
		if uint64(len(messages)) != indexed {
			t.Errorf("chunk %d holds %d messages, index says %d", i, len(messages), indexed)
		}
		requireMessages(t, messages, written[offset:offset+len(messages)])
		if len(messages) > 0 && (index.StartTime != messages[0].LogTime || index.EndTime != messages[len(messages)-1].LogTime) {
			t.Errorf("chunk %d time range [%d, %d] does not match its messages", i, index.StartTime, index.EndTime)
		}
		offset += len(messages)
	}
	if offset != len(written) {
		t.Errorf("chunks hold %d messages, want %d", offset, len(written))
	}
}

func TestUnindexedFileIsScannable(t *testing.T) {
	var buffer bytes.Buffer
	w, _ := NewWriter(&buffer, Options{})
	written := writeSample(t, w, 20)
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// The writer is abandoned without Close, as after a crash.

	if _, err := ReadSummary(bytes.NewReader(buffer.Bytes()), ReaderOptions{}); !errors.Is(err, ErrUnindexed) {
		t.Fatalf("ReadSummary = %v, want ErrUnindexed", err)
	}
	contents, err := ReadAll(bytes.NewReader(buffer.Bytes()), ReaderOptions{})
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if contents.Indexed || contents.Statistics != nil {
		t.Error("unindexed file reported as indexed")
	}
	requireMessages(t, contents.Messages, written)
	if len(contents.Channels) != 2 || len(contents.Schemas) != 1 {
		t.Errorf("scanned %d channels and %d schemas", len(contents.Channels), len(contents.Schemas))
	}
}

func TestTruncatedRecord(t *testing.T) {
	var buffer bytes.Buffer
	w, _ := NewWriter(&buffer, Options{ChunkSize: 1024})
	written := writeSample(t, w, 200)
	w.Flush()

	truncated := buffer.Bytes()[:buffer.Len()-7]
	contents, err := ReadAll(bytes.NewReader(truncated), ReaderOptions{})
	if err != nil {
		t.Fatalf("ReadAll of truncated file: %v", err)
	}
	if !contents.Truncated {
		t.Error("Truncated = false for a file cut mid-record")
	}
	if contents.Indexed {
		t.Error("Indexed = true for a file without a summary")
	}
	if len(contents.Messages) == 0 || len(contents.Messages) >= len(written) {
		t.Fatalf("recovered %d of %d messages, want a non-empty prefix", len(contents.Messages), len(written))
	}
	requireMessages(t, contents.Messages, written[:len(contents.Messages)])
	if len(contents.Channels) != 2 {
		t.Errorf("recovered %d channels, want 2", len(contents.Channels))
	}
}

func TestTruncatedHeader(t *testing.T) {
	var buffer bytes.Buffer
	NewWriter(&buffer, Options{})

	_, err := ReadAll(bytes.NewReader(buffer.Bytes()[:buffer.Len()-3]), ReaderOptions{})
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("ReadAll of cut header = %v, want ErrTruncated", err)
	}
}

func TestUnknownRecordsAreSkipped(t *testing.T) {
	var buffer bytes.Buffer
	w, _ := NewWriter(&buffer, Options{})
	// A record from a newer format version between the header and the
	// first chunk.
	buffer.Write(appendRecord(nil, Opcode(0x7F), []byte("from the future")))
	written := writeSample(t, w, 5)
	w.Flush()

	contents, err := ReadAll(bytes.NewReader(buffer.Bytes()), ReaderOptions{})
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	requireMessages(t, contents.Messages, written)

	// Inside a chunk as well.
	records := appendRecord(nil, Opcode(0x7E), []byte{1, 2, 3})
	records = appendMessage(records, &written[0])
	decoded, err := decodeChunkRecords(records)
	if err != nil {
		t.Fatalf("decodeChunkRecords: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Message == nil {
		t.Fatalf("decoded %+v, want the message only", decoded)
	}
}

func TestChunkChecksumMismatch(t *testing.T) {
	var buffer bytes.Buffer
	w, _ := NewWriter(&buffer, Options{Compression: "none"})
	writeSample(t, w, 3)
	w.Close()

	data := bytes.Clone(buffer.Bytes())
	position := bytes.Index(data, []byte(`{"i":1`))
	if position < 0 {
		t.Fatal("payload not found in uncompressed file")
	}
	data[position+5] = '9'

	_, err := ReadAll(bytes.NewReader(data), ReaderOptions{})
	var checksumErr *ChecksumError
	if !errors.As(err, &checksumErr) || checksumErr.Section != "chunk" {
		t.Fatalf("ReadAll = %v, want chunk *ChecksumError", err)
	}

	if _, err := ReadAll(bytes.NewReader(data), ReaderOptions{SkipChecksums: true}); err != nil {
		t.Errorf("ReadAll with SkipChecksums: %v", err)
	}
}

func TestSummaryChecksumMismatch(t *testing.T) {
	var buffer bytes.Buffer
	w, _ := NewWriter(&buffer, Options{})
	writeSample(t, w, 3)
	w.Close()

	summary, err := ReadSummary(bytes.NewReader(buffer.Bytes()), ReaderOptions{})
	if err != nil {
		t.Fatalf("ReadSummary: %v", err)
	}
	data := bytes.Clone(buffer.Bytes())
	// Flip a byte of the first summary record's body.
	data[summary.Footer.SummaryStart+recordPrefixSize+2] ^= 0xFF

	_, err = ReadSummary(bytes.NewReader(data), ReaderOptions{})
	var checksumErr *ChecksumError
	if !errors.As(err, &checksumErr) || checksumErr.Section != "summary" {
		t.Fatalf("ReadSummary = %v, want summary *ChecksumError", err)
	}
}

func TestDisabledChecksums(t *testing.T) {
	var buffer bytes.Buffer
	w, _ := NewWriter(&buffer, Options{DisableChecksums: true})
	written := writeSample(t, w, 10)
	w.Close()

	summary, err := ReadSummary(bytes.NewReader(buffer.Bytes()), ReaderOptions{})
	if err != nil {
		t.Fatalf("ReadSummary: %v", err)
	}
	if !summary.Footer.SummaryChecksum.IsZero() {
		t.Error("summary checksum written with checksums disabled")
	}
	contents, err := ReadAll(bytes.NewReader(buffer.Bytes()), ReaderOptions{})
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	requireMessages(t, contents.Messages, written)
}

func TestIncompressibleChunkStoredRaw(t *testing.T) {
	var buffer bytes.Buffer
	w, _ := NewWriter(&buffer, Options{Compression: "zstd"})
	w.WriteChannel(rawTopic)
	payload := make([]byte, 4096)
	rand.Read(payload)
	message := channel.Message{ChannelID: rawTopic.ID, Sequence: 1, Data: payload}
	if err := w.WriteMessage(&message); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	w.Close()

	summary, err := ReadSummary(bytes.NewReader(buffer.Bytes()), ReaderOptions{})
	if err != nil {
		t.Fatalf("ReadSummary: %v", err)
	}
	if len(summary.ChunkIndexes) != 1 || summary.ChunkIndexes[0].Compression != CompressionNone {
		t.Fatalf("chunk indexes = %+v, want one uncompressed chunk", summary.ChunkIndexes)
	}
	contents, err := ReadAll(bytes.NewReader(buffer.Bytes()), ReaderOptions{})
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	requireMessages(t, contents.Messages, []channel.Message{message})
}

func TestChunkDurationSealsByLogTime(t *testing.T) {
	var buffer bytes.Buffer
	w, _ := NewWriter(&buffer, Options{ChunkDuration: time.Second})
	w.WriteChannel(rawTopic)
	for i, logTime := range []time.Duration{0, 500 * time.Millisecond, time.Second, 1500 * time.Millisecond} {
		message := channel.Message{ChannelID: rawTopic.ID, Sequence: uint64(i + 1), LogTime: uint64(logTime)}
		if err := w.WriteMessage(&message); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}
	w.Close()

	summary, err := ReadSummary(bytes.NewReader(buffer.Bytes()), ReaderOptions{})
	if err != nil {
		t.Fatalf("ReadSummary: %v", err)
	}
	if len(summary.ChunkIndexes) != 2 {
		t.Fatalf("%d chunks, want 2", len(summary.ChunkIndexes))
	}
	if first := summary.ChunkIndexes[0]; first.StartTime != 0 || first.EndTime != uint64(time.Second) {
		t.Errorf("first chunk spans [%d, %d]", first.StartTime, first.EndTime)
	}
	if second := summary.ChunkIndexes[1]; second.MessageCounts[rawTopic.ID] != 1 {
		t.Errorf("second chunk counts = %v", second.MessageCounts)
	}
}

// flippingCodec corrupts data on decompression.
type flippingCodec struct{}

func (flippingCodec) Name() string                        { return "flip" }
func (flippingCodec) Compress(src []byte) ([]byte, error) { return bytes.Clone(src[:len(src)-1]), nil }
func (flippingCodec) Decompress(src []byte, size int) ([]byte, error) {
	out := make([]byte, size)
	copy(out, src)
	return out, nil
}

func TestCorruptionFailsWriterPermanently(t *testing.T) {
	var buffer bytes.Buffer
	w, _ := NewWriter(&buffer, Options{Codec: flippingCodec{}})
	w.WriteChannel(rawTopic)
	message := channel.Message{ChannelID: rawTopic.ID, Sequence: 1, Data: []byte("payload")}
	if err := w.WriteMessage(&message); err != nil {
		t.Fatalf("WriteMessage before sealing: %v", err)
	}

	err := w.Flush()
	var corruption *CorruptionError
	if !errors.As(err, &corruption) {
		t.Fatalf("Flush = %v, want *CorruptionError", err)
	}
	if corruption.Compression != "flip" {
		t.Errorf("CorruptionError.Compression = %q", corruption.Compression)
	}
	if err := w.WriteMessage(&message); !errors.As(err, &corruption) {
		t.Errorf("write after corruption = %v, want *CorruptionError", err)
	}
	if err := w.Close(); !errors.As(err, &corruption) {
		t.Errorf("Close = %v, want *CorruptionError", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	var buffer bytes.Buffer
	w, _ := NewWriter(&buffer, Options{})
	writeSample(t, w, 3)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	size := buffer.Len()
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if buffer.Len() != size {
		t.Error("second Close wrote more data")
	}
	if !bytes.HasSuffix(buffer.Bytes(), Magic[:]) {
		t.Error("file does not end with magic")
	}
	message := channel.Message{ChannelID: 1}
	if err := w.WriteMessage(&message); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("write after Close = %v, want ErrWriterClosed", err)
	}
}

func TestWriteRequiresAnnouncedChannelAndSchema(t *testing.T) {
	w, _ := NewWriter(io.Discard, Options{})

	var unknownSchema *channel.UnknownSchemaError
	if err := w.WriteChannel(poseTopic); !errors.As(err, &unknownSchema) {
		t.Errorf("WriteChannel before schema = %v, want *UnknownSchemaError", err)
	}
	var unknownChannel *channel.UnknownChannelError
	message := channel.Message{ChannelID: 9}
	if err := w.WriteMessage(&message); !errors.As(err, &unknownChannel) {
		t.Errorf("WriteMessage on unknown channel = %v, want *UnknownChannelError", err)
	}
}

func TestCreateHoldsExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.clog")

	first, err := Create(path, Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := Create(path, Options{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Create = %v, want ErrLocked", err)
	}
	writeSample(t, first, 5)
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := Create(path, Options{})
	if err != nil {
		t.Fatalf("Create after Close: %v", err)
	}
	second.Close()
}

func TestNotAContainer(t *testing.T) {
	_, err := NewScanner(bytes.NewReader([]byte("definitely not a log")), ReaderOptions{})
	if !errors.Is(err, ErrNotContainer) {
		t.Errorf("NewScanner = %v, want ErrNotContainer", err)
	}

	future := Magic
	future[5] = 9
	_, err = NewScanner(bytes.NewReader(future[:]), ReaderOptions{})
	var version *UnsupportedVersionError
	if !errors.As(err, &version) || version.Version != 9 {
		t.Errorf("NewScanner = %v, want *UnsupportedVersionError(9)", err)
	}
}
