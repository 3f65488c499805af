// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Maps decoded into any-typed targets use string keys so the
		// result is usable with encoding/json.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Container files come from disk and may be hostile; bound the
		// work a single map can demand.
		MaxMapPairs:      1 << 20,
		MaxNestedLevels:  16,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		UTF8:             cbor.UTF8RejectInvalid,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// MarshalStringMap encodes a string map. A nil or empty map encodes to
// an empty byte slice rather than a CBOR empty map, so records without
// metadata carry a zero-length field.
func MarshalStringMap(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding string map: %w", err)
	}
	return data, nil
}

// UnmarshalStringMap decodes bytes produced by MarshalStringMap. Empty
// input yields a nil map.
func UnmarshalStringMap(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding string map: %w", err)
	}
	return m, nil
}
