// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/chanlog/lib/channel"
)

// DefaultMaxRecordBytes bounds a single record body read from a file.
const DefaultMaxRecordBytes = 1 << 30

// ReaderOptions configures reading.
type ReaderOptions struct {
	// Codecs adds decompressors beyond the built-in none, lz4 and
	// zstd.
	Codecs []Codec

	// MaxRecordBytes rejects records with larger bodies. Zero uses
	// DefaultMaxRecordBytes.
	MaxRecordBytes uint64

	// SkipChecksums disables chunk and summary checksum verification.
	SkipChecksums bool
}

func (o ReaderOptions) maxRecordBytes() uint64 {
	if o.MaxRecordBytes == 0 {
		return DefaultMaxRecordBytes
	}
	return o.MaxRecordBytes
}

// Record is one decoded record. Exactly one of the pointer fields
// matching Opcode is set.
type Record struct {
	Opcode   Opcode
	Offset   uint64
	Header   *Header
	Schema   *channel.Schema
	Channel  *channel.Channel
	Message  *channel.Message
	Metadata *Metadata
}

// Summary is the indexed view of a closed file.
type Summary struct {
	Header       Header
	Schemas      []channel.Schema
	Channels     []channel.Channel
	Metadata     []Metadata
	ChunkIndexes []ChunkIndex
	Statistics   Statistics
	Footer       Footer
}

// readMagic reads and checks the leading magic.
func readMagic(r io.Reader) error {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return fmt.Errorf("reading container magic: %w", err)
	}
	return checkMagic(magic)
}

func checkMagic(magic [8]byte) error {
	if magic == Magic {
		return nil
	}
	if magic[0] == Magic[0] && magic[1] == 'C' && magic[2] == 'L' && magic[3] == 'O' && magic[4] == 'G' {
		return &UnsupportedVersionError{Version: magic[5]}
	}
	return ErrNotContainer
}

// readRecord reads one framed record. It returns io.EOF only at a
// clean record boundary and ErrTruncated inside a record.
func readRecord(r io.Reader, limit uint64) (Opcode, []byte, error) {
	var prefix [recordPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, ErrTruncated
		}
		return 0, nil, err
	}
	op := Opcode(prefix[0])
	length := binary.LittleEndian.Uint64(prefix[1:])
	if length > limit {
		return 0, nil, fmt.Errorf("%s record of %d bytes exceeds limit %d: %w", op, length, limit, ErrMalformed)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, ErrTruncated
		}
		return 0, nil, err
	}
	return op, body, nil
}

// splitRecord frames one record out of an in-memory buffer.
func splitRecord(data []byte) (Opcode, []byte, []byte, error) {
	if len(data) < recordPrefixSize {
		return 0, nil, nil, ErrTruncated
	}
	op := Opcode(data[0])
	length := binary.LittleEndian.Uint64(data[1:recordPrefixSize])
	data = data[recordPrefixSize:]
	if uint64(len(data)) < length {
		return 0, nil, nil, ErrTruncated
	}
	return op, data[:length], data[length:], nil
}

// decodeDataRecord decodes a record that may appear inside a chunk.
// known is false for opcodes the reader skips.
func decodeDataRecord(op Opcode, body []byte, offset uint64) (Record, bool, error) {
	record := Record{Opcode: op, Offset: offset}
	var err error
	switch op {
	case OpSchema:
		var schema channel.Schema
		schema, err = decodeSchema(body)
		record.Schema = &schema
	case OpChannel:
		var info channel.Channel
		info, err = decodeChannel(body)
		record.Channel = &info
	case OpMessage:
		var message channel.Message
		message, err = decodeMessage(body)
		record.Message = &message
	case OpMetadata:
		var metadata Metadata
		metadata, err = decodeMetadata(body)
		record.Metadata = &metadata
	default:
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("decoding %s record at offset %d: %w", op, offset, err)
	}
	return record, true, nil
}

// expandChunk decompresses and verifies a chunk's records.
func expandChunk(c chunk, offset uint64, options ReaderOptions) ([]byte, error) {
	if c.uncompressedSize > options.maxRecordBytes() {
		return nil, fmt.Errorf("chunk at offset %d expands to %d bytes: %w", offset, c.uncompressedSize, ErrMalformed)
	}
	selected, err := lookupCodec(c.compression, options.Codecs)
	if err != nil {
		return nil, err
	}
	records, err := selected.Decompress(c.records, int(c.uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("chunk at offset %d: %w", offset, err)
	}
	if !options.SkipChecksums && len(c.checksum) > 0 {
		var expected Checksum
		copy(expected[:], c.checksum)
		if actual := checksumChunk(records); actual != expected || len(c.checksum) != ChecksumSize {
			return nil, &ChecksumError{Section: "chunk", Offset: offset, Expected: expected, Actual: actual}
		}
	}
	return records, nil
}

// decodeChunkRecords decodes every known record in expanded chunk
// data. Offsets are relative to the chunk's uncompressed records.
func decodeChunkRecords(records []byte) ([]Record, error) {
	var decoded []Record
	var position uint64
	for len(records) > 0 {
		op, body, rest, err := splitRecord(records)
		if err != nil {
			return nil, fmt.Errorf("chunk records at %d: %w", position, ErrMalformed)
		}
		record, known, err := decodeDataRecord(op, body, position)
		if err != nil {
			return nil, err
		}
		if known {
			decoded = append(decoded, record)
		}
		position += uint64(len(records) - len(rest))
		records = rest
	}
	return decoded, nil
}

// ReadSummary reads the header and summary of a closed file with one
// seek to the footer. Files without a footer return ErrUnindexed.
func ReadSummary(rs io.ReadSeeker, options ReaderOptions) (*Summary, error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to start: %w", err)
	}
	if err := readMagic(rs); err != nil {
		return nil, err
	}
	op, body, err := readRecord(rs, options.maxRecordBytes())
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	if op != OpHeader {
		return nil, fmt.Errorf("first record is %s, want header: %w", op, ErrMalformed)
	}
	header, err := decodeHeader(body)
	if err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}

	size, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("seeking to end: %w", err)
	}
	footerOffset := size - int64(len(Magic)) - footerRecordSize
	if footerOffset < int64(len(Magic)) {
		return nil, ErrUnindexed
	}
	if _, err := rs.Seek(footerOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to footer: %w", err)
	}
	var tail [footerRecordSize + 8]byte
	if _, err := io.ReadFull(rs, tail[:]); err != nil {
		return nil, fmt.Errorf("reading footer: %w", err)
	}
	var trailing [8]byte
	copy(trailing[:], tail[footerRecordSize:])
	if trailing != Magic || Opcode(tail[0]) != OpFooter ||
		binary.LittleEndian.Uint64(tail[1:recordPrefixSize]) != footerBodySize {
		return nil, ErrUnindexed
	}
	footer, err := decodeFooter(tail[recordPrefixSize:footerRecordSize])
	if err != nil {
		return nil, fmt.Errorf("decoding footer: %w", err)
	}
	if footer.SummaryStart > uint64(footerOffset) || footer.SummaryStart < uint64(len(Magic)) {
		return nil, fmt.Errorf("footer summary offset %d outside file: %w", footer.SummaryStart, ErrMalformed)
	}

	if _, err := rs.Seek(int64(footer.SummaryStart), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to summary: %w", err)
	}
	section := make([]byte, uint64(footerOffset)-footer.SummaryStart)
	if _, err := io.ReadFull(rs, section); err != nil {
		return nil, fmt.Errorf("reading summary: %w", err)
	}
	if !options.SkipChecksums && !footer.SummaryChecksum.IsZero() {
		if actual := checksumSummary(section); actual != footer.SummaryChecksum {
			return nil, &ChecksumError{Section: "summary", Offset: footer.SummaryStart, Expected: footer.SummaryChecksum, Actual: actual}
		}
	}

	summary := &Summary{Header: header, Footer: footer}
	position := footer.SummaryStart
	for remaining := section; len(remaining) > 0; {
		op, body, rest, err := splitRecord(remaining)
		if err != nil {
			return nil, fmt.Errorf("summary record at offset %d: %w", position, ErrMalformed)
		}
		if err := summary.add(op, body, position); err != nil {
			return nil, err
		}
		position += uint64(len(remaining) - len(rest))
		remaining = rest
	}
	return summary, nil
}

func (s *Summary) add(op Opcode, body []byte, offset uint64) error {
	var err error
	switch op {
	case OpChunkIndex:
		var index ChunkIndex
		if index, err = decodeChunkIndex(body); err == nil {
			s.ChunkIndexes = append(s.ChunkIndexes, index)
		}
	case OpStatistics:
		s.Statistics, err = decodeStatistics(body)
	default:
		record, known, decodeErr := decodeDataRecord(op, body, offset)
		if decodeErr != nil || !known {
			return decodeErr
		}
		switch {
		case record.Schema != nil:
			s.Schemas = append(s.Schemas, *record.Schema)
		case record.Channel != nil:
			s.Channels = append(s.Channels, *record.Channel)
		case record.Metadata != nil:
			s.Metadata = append(s.Metadata, *record.Metadata)
		}
	}
	if err != nil {
		return fmt.Errorf("decoding %s record at offset %d: %w", op, offset, err)
	}
	return nil
}

// ReadChunk reads, decompresses and verifies the chunk at index and
// returns its records in order.
func ReadChunk(rs io.ReadSeeker, index ChunkIndex, options ReaderOptions) ([]Record, error) {
	if _, err := rs.Seek(int64(index.ChunkOffset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to chunk at offset %d: %w", index.ChunkOffset, err)
	}
	op, body, err := readRecord(rs, options.maxRecordBytes())
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = ErrTruncated
		}
		return nil, fmt.Errorf("reading chunk at offset %d: %w", index.ChunkOffset, err)
	}
	if op != OpChunk {
		return nil, fmt.Errorf("record at offset %d is %s, want chunk: %w", index.ChunkOffset, op, ErrMalformed)
	}
	c, err := decodeChunk(body)
	if err != nil {
		return nil, fmt.Errorf("decoding chunk at offset %d: %w", index.ChunkOffset, err)
	}
	records, err := expandChunk(c, index.ChunkOffset, options)
	if err != nil {
		return nil, err
	}
	return decodeChunkRecords(records)
}

// Scanner reads the data section of a container front to back,
// expanding chunks and skipping unknown records. It needs no summary,
// so it also reads files whose writer never closed.
//
//	scanner, err := container.NewScanner(file, container.ReaderOptions{})
//	for scanner.Next() {
//	    record := scanner.Record()
//	    ...
//	}
//	if err := scanner.Err(); err != nil { ... }
type Scanner struct {
	r       io.Reader
	options ReaderOptions
	offset  uint64

	header Header

	// pending holds the decoded records of the current chunk.
	pending []Record
	record  Record
	err     error
	done    bool
}

// NewScanner reads the magic and Header from r.
func NewScanner(r io.Reader, options ReaderOptions) (*Scanner, error) {
	if err := readMagic(r); err != nil {
		return nil, err
	}
	op, body, err := readRecord(r, options.maxRecordBytes())
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	if op != OpHeader {
		return nil, fmt.Errorf("first record is %s, want header: %w", op, ErrMalformed)
	}
	header, err := decodeHeader(body)
	if err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	return &Scanner{
		r:       r,
		options: options,
		offset:  uint64(len(Magic)) + recordPrefixSize + uint64(len(body)),
		header:  header,
	}, nil
}

// Header returns the file header.
func (s *Scanner) Header() Header { return s.header }

// Next advances to the next data record. It returns false at DataEnd,
// at a clean end of input, or on error.
func (s *Scanner) Next() bool {
	for {
		if len(s.pending) > 0 {
			s.record = s.pending[0]
			s.pending = s.pending[1:]
			return true
		}
		if s.done || s.err != nil {
			return false
		}

		offset := s.offset
		op, body, err := readRecord(s.r, s.options.maxRecordBytes())
		if errors.Is(err, io.EOF) {
			s.done = true
			return false
		}
		if err != nil {
			s.err = fmt.Errorf("record at offset %d: %w", offset, err)
			return false
		}
		s.offset += recordPrefixSize + uint64(len(body))

		switch op {
		case OpDataEnd:
			s.done = true
			return false
		case OpChunk:
			c, err := decodeChunk(body)
			if err != nil {
				s.err = fmt.Errorf("decoding chunk at offset %d: %w", offset, err)
				return false
			}
			records, err := expandChunk(c, offset, s.options)
			if err != nil {
				s.err = err
				return false
			}
			if s.pending, err = decodeChunkRecords(records); err != nil {
				s.err = fmt.Errorf("chunk at offset %d: %w", offset, err)
				return false
			}
		default:
			record, known, err := decodeDataRecord(op, body, offset)
			if err != nil {
				s.err = err
				return false
			}
			if known {
				s.record = record
				return true
			}
		}
	}
}

// Record returns the record Next advanced to.
func (s *Scanner) Record() Record { return s.record }

// Err returns the error that stopped the scan, or nil.
func (s *Scanner) Err() error { return s.err }

// Contents is everything read from a file.
type Contents struct {
	Header   Header
	Schemas  []channel.Schema
	Channels []channel.Channel
	Messages []channel.Message
	Metadata []Metadata

	// Statistics is nil when the file had no summary.
	Statistics *Statistics
	Indexed    bool

	// Truncated is set when the file ends partway through a record,
	// as after a crash mid-write. Everything before the cut is kept.
	Truncated bool
}

// ReadAll reads a whole file: through the summary and chunk indexes
// when present, otherwise by scanning.
func ReadAll(rs io.ReadSeeker, options ReaderOptions) (*Contents, error) {
	summary, err := ReadSummary(rs, options)
	switch {
	case err == nil:
		return readIndexed(rs, summary, options)
	case errors.Is(err, ErrUnindexed):
		return readLinear(rs, options)
	default:
		return nil, err
	}
}

func readIndexed(rs io.ReadSeeker, summary *Summary, options ReaderOptions) (*Contents, error) {
	stats := summary.Statistics
	contents := &Contents{
		Header:     summary.Header,
		Schemas:    summary.Schemas,
		Channels:   summary.Channels,
		Metadata:   summary.Metadata,
		Statistics: &stats,
		Indexed:    true,
	}
	for _, index := range summary.ChunkIndexes {
		records, err := ReadChunk(rs, index, options)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			if record.Message != nil {
				contents.Messages = append(contents.Messages, *record.Message)
			}
		}
	}
	return contents, nil
}

func readLinear(rs io.ReadSeeker, options ReaderOptions) (*Contents, error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to start: %w", err)
	}
	scanner, err := NewScanner(rs, options)
	if err != nil {
		return nil, err
	}
	contents := &Contents{Header: scanner.Header()}
	for scanner.Next() {
		record := scanner.Record()
		switch {
		case record.Schema != nil:
			contents.Schemas = append(contents.Schemas, *record.Schema)
		case record.Channel != nil:
			contents.Channels = append(contents.Channels, *record.Channel)
		case record.Message != nil:
			contents.Messages = append(contents.Messages, *record.Message)
		case record.Metadata != nil:
			contents.Metadata = append(contents.Metadata, *record.Metadata)
		}
	}
	if err := scanner.Err(); err != nil {
		if !errors.Is(err, ErrTruncated) {
			return nil, err
		}
		contents.Truncated = true
	}
	return contents, nil
}
