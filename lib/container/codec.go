// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses chunk records. The name is stored in each Chunk
// record so readers can pick the matching codec.
type Codec interface {
	// Name is the identifier written to the file. The empty name is
	// reserved for uncompressed chunks.
	Name() string

	// Compress returns the compressed form of src. Returning
	// ErrIncompressible stores the chunk uncompressed.
	Compress(src []byte) ([]byte, error)

	// Decompress reverses Compress. The result must be exactly
	// uncompressedSize bytes.
	Decompress(src []byte, uncompressedSize int) ([]byte, error)
}

// ErrIncompressible tells the writer to store a chunk uncompressed
// because compression would not shrink it.
var ErrIncompressible = errors.New("data is incompressible")

const (
	CompressionNone = ""
	CompressionLZ4  = "lz4"
	CompressionZstd = "zstd"
)

// builtinCodecs are always available to readers and writers.
var builtinCodecs = map[string]Codec{
	CompressionNone: noneCodec{},
	CompressionLZ4:  lz4Codec{},
	CompressionZstd: zstdCodec{},
}

// lookupCodec finds a codec by name among extra codecs and then the
// built-ins.
func lookupCodec(name string, extra []Codec) (Codec, error) {
	for _, candidate := range extra {
		if candidate.Name() == name {
			return candidate, nil
		}
	}
	if builtin, ok := builtinCodecs[name]; ok {
		return builtin, nil
	}
	return nil, &UnsupportedCompressionError{Name: name}
}

type noneCodec struct{}

func (noneCodec) Name() string { return CompressionNone }

func (noneCodec) Compress(src []byte) ([]byte, error) { return src, nil }

func (noneCodec) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	if len(src) != uncompressedSize {
		return nil, fmt.Errorf("uncompressed chunk: size %d does not match expected %d", len(src), uncompressedSize)
	}
	return src, nil
}

// lz4Codec is LZ4 block mode.
type lz4Codec struct{}

func (lz4Codec) Name() string { return CompressionLZ4 }

func (lz4Codec) Compress(src []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(src)))
	written, err := lz4.CompressBlock(src, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(src) {
		return nil, ErrIncompressible
	}
	return destination[:written], nil
}

func (lz4Codec) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(src, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}

// zstd encoder and decoder are safe for concurrent use and shared by
// every writer and reader.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("container: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("container: zstd decoder initialization failed: " + err.Error())
	}
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return CompressionZstd }

func (zstdCodec) Compress(src []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(src, nil)
	if len(compressed) >= len(src) {
		return nil, ErrIncompressible
	}
	return compressed, nil
}

func (zstdCodec) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(src, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
	}
	return result, nil
}
