// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"

	"github.com/bureau-foundation/chanlog/lib/channel"
	"github.com/bureau-foundation/chanlog/lib/codec"
)

// formatVersion is byte 5 of the magic.
const formatVersion = 1

// Magic opens and closes every container file.
var Magic = [8]byte{0x89, 'C', 'L', 'O', 'G', formatVersion, '\r', '\n'}

// Opcode identifies a record type. Values are part of the file format.
type Opcode uint8

const (
	OpHeader     Opcode = 0x01
	OpFooter     Opcode = 0x02
	OpSchema     Opcode = 0x03
	OpChannel    Opcode = 0x04
	OpMessage    Opcode = 0x05
	OpChunk      Opcode = 0x06
	OpChunkIndex Opcode = 0x07
	OpStatistics Opcode = 0x08
	OpMetadata   Opcode = 0x09
	OpDataEnd    Opcode = 0x0A
)

func (op Opcode) String() string {
	switch op {
	case OpHeader:
		return "header"
	case OpFooter:
		return "footer"
	case OpSchema:
		return "schema"
	case OpChannel:
		return "channel"
	case OpMessage:
		return "message"
	case OpChunk:
		return "chunk"
	case OpChunkIndex:
		return "chunk_index"
	case OpStatistics:
		return "statistics"
	case OpMetadata:
		return "metadata"
	case OpDataEnd:
		return "data_end"
	default:
		return fmt.Sprintf("opcode(0x%02x)", uint8(op))
	}
}

const (
	// recordPrefixSize is the opcode byte plus the body length.
	recordPrefixSize = 1 + 8

	// footerBodySize is summaryStart plus the summary checksum.
	footerBodySize = 8 + ChecksumSize

	// footerRecordSize is the fixed on-disk size of the Footer record.
	footerRecordSize = recordPrefixSize + footerBodySize

	channelFlagWritable = 1 << 0
)

// Header is the first record of every file.
type Header struct {
	Profile string
	Library string
}

// Footer is the last record before the trailing magic. A zero
// SummaryChecksum means checksums were disabled.
type Footer struct {
	SummaryStart    uint64
	SummaryChecksum Checksum
}

// Metadata is a named string map stored alongside the log.
type Metadata struct {
	Name   string
	Values map[string]string
}

// ChunkIndex locates one chunk for random access.
type ChunkIndex struct {
	StartTime        uint64
	EndTime          uint64
	ChunkOffset      uint64
	ChunkLength      uint64
	CompressedSize   uint64
	UncompressedSize uint64
	Compression      string
	MessageCounts    map[channel.ChannelID]uint64
}

// Statistics summarizes a whole file.
type Statistics struct {
	MessageCount  uint64
	SchemaCount   uint32
	ChannelCount  uint32
	ChunkCount    uint32
	MetadataCount uint32
	// MessageStart and MessageEnd are the minimum and maximum message
	// log times, zero when there are no messages.
	MessageStart         uint64
	MessageEnd           uint64
	ChannelMessageCounts map[channel.ChannelID]uint64
}

// chunk is a decoded Chunk record.
type chunk struct {
	startTime        uint64
	endTime          uint64
	uncompressedSize uint64
	checksum         []byte
	compression      string
	records          []byte
}

// Encoding.

func appendU32(buf []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(buf, v) }
func appendU64(buf []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(buf, v) }

func appendString(buf []byte, s string) []byte {
	buf = appendU32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendU32(buf, uint32(len(b)))
	return append(buf, b...)
}

// appendRecord frames body under op.
func appendRecord(buf []byte, op Opcode, body []byte) []byte {
	buf = append(buf, byte(op))
	buf = appendU64(buf, uint64(len(body)))
	return append(buf, body...)
}

func appendCounts(buf []byte, counts map[channel.ChannelID]uint64) []byte {
	ids := slices.Sorted(maps.Keys(counts))
	buf = appendU32(buf, uint32(len(ids)))
	for _, id := range ids {
		buf = appendU32(buf, uint32(id))
		buf = appendU64(buf, counts[id])
	}
	return buf
}

func encodeHeader(header Header) []byte {
	body := appendString(nil, header.Profile)
	return appendString(body, header.Library)
}

func encodeFooter(footer Footer) []byte {
	body := appendU64(make([]byte, 0, footerBodySize), footer.SummaryStart)
	return append(body, footer.SummaryChecksum[:]...)
}

func encodeSchema(schema channel.Schema) []byte {
	body := appendU32(nil, uint32(schema.ID))
	body = appendString(body, schema.Name)
	body = appendString(body, schema.Encoding)
	return appendBytes(body, schema.Data)
}

func encodeChannel(info channel.Channel) ([]byte, error) {
	metadata, err := codec.MarshalStringMap(info.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata of channel %d: %w", info.ID, err)
	}
	body := appendU32(nil, uint32(info.ID))
	body = appendU32(body, uint32(info.SchemaID))
	body = appendString(body, info.Topic)
	body = appendString(body, info.MessageEncoding)
	body = appendBytes(body, metadata)
	var flags byte
	if info.Writable {
		flags |= channelFlagWritable
	}
	return append(body, flags), nil
}

func appendMessage(buf []byte, message *channel.Message) []byte {
	buf = append(buf, byte(OpMessage))
	buf = appendU64(buf, uint64(4+8+8+8+len(message.Data)))
	buf = appendU32(buf, uint32(message.ChannelID))
	buf = appendU64(buf, message.Sequence)
	buf = appendU64(buf, message.LogTime)
	buf = appendU64(buf, message.PublishTime)
	return append(buf, message.Data...)
}

func encodeMetadata(metadata Metadata) ([]byte, error) {
	values, err := codec.MarshalStringMap(metadata.Values)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata %q: %w", metadata.Name, err)
	}
	body := appendString(nil, metadata.Name)
	return appendBytes(body, values), nil
}

func encodeChunk(c chunk) []byte {
	body := make([]byte, 0, 8*3+4+len(c.checksum)+4+len(c.compression)+8+len(c.records))
	body = appendU64(body, c.startTime)
	body = appendU64(body, c.endTime)
	body = appendU64(body, c.uncompressedSize)
	body = appendBytes(body, c.checksum)
	body = appendString(body, c.compression)
	body = appendU64(body, uint64(len(c.records)))
	return append(body, c.records...)
}

func encodeChunkIndex(index ChunkIndex) []byte {
	body := appendU64(nil, index.StartTime)
	body = appendU64(body, index.EndTime)
	body = appendU64(body, index.ChunkOffset)
	body = appendU64(body, index.ChunkLength)
	body = appendU64(body, index.CompressedSize)
	body = appendU64(body, index.UncompressedSize)
	body = appendString(body, index.Compression)
	return appendCounts(body, index.MessageCounts)
}

func encodeStatistics(stats Statistics) []byte {
	body := appendU64(nil, stats.MessageCount)
	body = appendU32(body, stats.SchemaCount)
	body = appendU32(body, stats.ChannelCount)
	body = appendU32(body, stats.ChunkCount)
	body = appendU32(body, stats.MetadataCount)
	body = appendU64(body, stats.MessageStart)
	body = appendU64(body, stats.MessageEnd)
	return appendCounts(body, stats.ChannelMessageCounts)
}

// Decoding.

// decoder reads fields from one record body. The first short read
// sets err; later reads return zero values.
type decoder struct {
	data []byte
	err  error
}

func (d *decoder) take(n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if uint64(len(d.data)) < n {
		d.err = fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, n, len(d.data))
		return nil
	}
	out := d.data[:n]
	d.data = d.data[n:]
	return out
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) string() string { return string(d.bytes()) }

func (d *decoder) bytes() []byte {
	return d.take(uint64(d.u32()))
}

func (d *decoder) counts() map[channel.ChannelID]uint64 {
	n := d.u32()
	if d.err != nil {
		return nil
	}
	// Each entry is 12 bytes; reject counts the body cannot hold.
	if uint64(n)*12 > uint64(len(d.data)) {
		d.err = fmt.Errorf("%w: %d count entries in %d bytes", ErrMalformed, n, len(d.data))
		return nil
	}
	counts := make(map[channel.ChannelID]uint64, n)
	for range n {
		id := channel.ChannelID(d.u32())
		counts[id] = d.u64()
	}
	return counts
}

func (d *decoder) rest() []byte {
	if d.err != nil {
		return nil
	}
	out := d.data
	d.data = nil
	return out
}

func decodeHeader(body []byte) (Header, error) {
	d := decoder{data: body}
	header := Header{Profile: d.string(), Library: d.string()}
	return header, d.err
}

func decodeFooter(body []byte) (Footer, error) {
	d := decoder{data: body}
	footer := Footer{SummaryStart: d.u64()}
	copy(footer.SummaryChecksum[:], d.take(ChecksumSize))
	return footer, d.err
}

func decodeSchema(body []byte) (channel.Schema, error) {
	d := decoder{data: body}
	schema := channel.Schema{
		ID:       channel.SchemaID(d.u32()),
		Name:     d.string(),
		Encoding: d.string(),
		Data:     slices.Clone(d.bytes()),
	}
	return schema, d.err
}

func decodeChannel(body []byte) (channel.Channel, error) {
	d := decoder{data: body}
	info := channel.Channel{
		ID:              channel.ChannelID(d.u32()),
		SchemaID:        channel.SchemaID(d.u32()),
		Topic:           d.string(),
		MessageEncoding: d.string(),
	}
	metadata := d.bytes()
	flags := d.u8()
	if d.err != nil {
		return channel.Channel{}, d.err
	}
	var err error
	if info.Metadata, err = codec.UnmarshalStringMap(metadata); err != nil {
		return channel.Channel{}, fmt.Errorf("%w: channel %d metadata: %v", ErrMalformed, info.ID, err)
	}
	info.Writable = flags&channelFlagWritable != 0
	return info, nil
}

func decodeMessage(body []byte) (channel.Message, error) {
	d := decoder{data: body}
	message := channel.Message{
		ChannelID:   channel.ChannelID(d.u32()),
		Sequence:    d.u64(),
		LogTime:     d.u64(),
		PublishTime: d.u64(),
	}
	message.Data = slices.Clone(d.rest())
	return message, d.err
}

func decodeMetadata(body []byte) (Metadata, error) {
	d := decoder{data: body}
	name := d.string()
	values := d.bytes()
	if d.err != nil {
		return Metadata{}, d.err
	}
	decoded, err := codec.UnmarshalStringMap(values)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: metadata %q: %v", ErrMalformed, name, err)
	}
	return Metadata{Name: name, Values: decoded}, nil
}

func decodeChunk(body []byte) (chunk, error) {
	d := decoder{data: body}
	c := chunk{
		startTime:        d.u64(),
		endTime:          d.u64(),
		uncompressedSize: d.u64(),
		checksum:         d.bytes(),
		compression:      d.string(),
	}
	c.records = d.take(d.u64())
	return c, d.err
}

func decodeChunkIndex(body []byte) (ChunkIndex, error) {
	d := decoder{data: body}
	index := ChunkIndex{
		StartTime:        d.u64(),
		EndTime:          d.u64(),
		ChunkOffset:      d.u64(),
		ChunkLength:      d.u64(),
		CompressedSize:   d.u64(),
		UncompressedSize: d.u64(),
		Compression:      d.string(),
	}
	index.MessageCounts = d.counts()
	return index, d.err
}

func decodeStatistics(body []byte) (Statistics, error) {
	d := decoder{data: body}
	stats := Statistics{
		MessageCount:  d.u64(),
		SchemaCount:   d.u32(),
		ChannelCount:  d.u32(),
		ChunkCount:    d.u32(),
		MetadataCount: d.u32(),
		MessageStart:  d.u64(),
		MessageEnd:    d.u64(),
	}
	stats.ChannelMessageCounts = d.counts()
	return stats, d.err
}
