// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides chanlog's CBOR encoding configuration.
//
// chanlog uses two structured encodings with a clear boundary:
//
//   - JSON for the live protocol's control frames, which browsers and
//     visualization clients read directly.
//   - CBOR for key/value maps embedded in the container format (channel
//     metadata, metadata records). Each map is stored as a
//     length-prefixed byte field, so readers that do not care about a
//     map can skip it without decoding.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. The
// same map always produces the same bytes, which keeps chunk checksums
// stable across writers.
//
//	data, err := codec.MarshalStringMap(channel.Metadata)
//	metadata, err := codec.UnmarshalStringMap(data)
package codec
