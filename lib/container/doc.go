// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package container reads and writes the chanlog container format: a
// chunked, optionally compressed, indexed binary log of schemas,
// channels and messages.
//
// Layout (all integers little-endian):
//
//	Magic
//	Header
//	Chunk*            data section: Schema, Channel, Metadata and
//	                  Message records, compressed per chunk
//	DataEnd
//	Schema* Channel* Metadata* ChunkIndex* Statistics   summary section
//	Footer
//	Magic
//
// Every record is framed as opcode (1 byte), body length (8 bytes),
// body. Readers skip records whose opcode they do not know. Strings and
// byte fields carry a 4-byte length prefix; the records field of a
// Chunk carries an 8-byte one. Channel metadata and Metadata record
// values are deterministic CBOR maps of string to string.
//
// Each chunk stores a BLAKE3 keyed checksum of its uncompressed
// records, and the Footer stores one over the summary section. The
// Footer has a fixed size so [ReadSummary] can locate the summary with
// a single seek from the end of the file. A file whose writer never
// closed has no summary; [NewScanner] still reads every complete chunk
// in it.
//
// [Writer] seals a chunk once its uncompressed size reaches
// Options.ChunkSize or its messages span Options.ChunkDuration of log
// time. Before writing a sealed chunk the writer decompresses it again
// and compares checksums; a mismatch fails the writer permanently with
// a [*CorruptionError].
package container
