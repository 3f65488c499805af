// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"errors"
	"fmt"
)

var (
	// ErrUnindexed is returned by ReadSummary for a file without a
	// footer, typically one whose writer never closed.
	ErrUnindexed = errors.New("container has no summary")

	// ErrTruncated is returned when input ends inside a record.
	ErrTruncated = errors.New("container truncated mid-record")

	// ErrMalformed is wrapped by errors for records whose body does
	// not decode.
	ErrMalformed = errors.New("malformed record")

	// ErrNotContainer is returned when the leading magic is wrong.
	ErrNotContainer = errors.New("not a chanlog container")

	// ErrWriterClosed is returned by writes after Close.
	ErrWriterClosed = errors.New("container writer closed")

	// ErrLocked is returned by Create when another writer holds the
	// file.
	ErrLocked = errors.New("container file is locked by another writer")
)

// CorruptionError reports a chunk that did not round-trip through its
// codec while being written. The writer that returned it is failed
// and rejects every later write.
type CorruptionError struct {
	ChunkOffset uint64
	Compression string
	Err         error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("chunk at offset %d failed %q round-trip verification: %v", e.ChunkOffset, e.Compression, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// ChecksumError reports stored data whose checksum does not match.
type ChecksumError struct {
	// Section is "chunk" or "summary".
	Section  string
	Offset   uint64
	Expected Checksum
	Actual   Checksum
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s at offset %d: checksum mismatch: stored %s, computed %s",
		e.Section, e.Offset, e.Expected, e.Actual)
}

// UnsupportedCompressionError names a codec the reader does not have.
type UnsupportedCompressionError struct {
	Name string
}

func (e *UnsupportedCompressionError) Error() string {
	return fmt.Sprintf("unsupported chunk compression %q", e.Name)
}

// UnsupportedVersionError reports a file written in another format
// version.
type UnsupportedVersionError struct {
	Version uint8
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("container version %d is not supported (this code supports version %d)", e.Version, formatVersion)
}
