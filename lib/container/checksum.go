// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// ChecksumSize is the length of a chunk or summary checksum.
const ChecksumSize = 32

// Checksum is a BLAKE3 keyed hash.
type Checksum [ChecksumSize]byte

// IsZero reports whether c is the all-zero "no checksum" value.
func (c Checksum) IsZero() bool { return c == Checksum{} }

func (c Checksum) String() string { return hex.EncodeToString(c[:]) }

type domainKey [32]byte

// Domain keys are the ASCII domain name, zero-padded. Changing them
// invalidates every existing file.
var (
	chunkDomainKey = domainKey{
		'c', 'h', 'a', 'n', 'l', 'o', 'g', '.', 'c', 'o', 'n', 't', 'a', 'i', 'n', 'e', 'r', '.',
		'c', 'h', 'u', 'n', 'k', 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	summaryDomainKey = domainKey{
		'c', 'h', 'a', 'n', 'l', 'o', 'g', '.', 'c', 'o', 'n', 't', 'a', 'i', 'n', 'e', 'r', '.',
		's', 'u', 'm', 'm', 'a', 'r', 'y', 0, 0, 0, 0, 0, 0, 0,
	}
)

// checksumChunk hashes the uncompressed records of a chunk.
func checksumChunk(records []byte) Checksum { return keyedHash(chunkDomainKey, records) }

// checksumSummary hashes the summary section.
func checksumSummary(summary []byte) Checksum { return keyedHash(summaryDomainKey, summary) }

func keyedHash(key domainKey, data []byte) Checksum {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic("container: blake3.NewKeyed: " + err.Error())
	}
	hasher.Write(data)
	var sum Checksum
	copy(sum[:], hasher.Sum(nil))
	return sum
}
