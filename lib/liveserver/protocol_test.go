// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package liveserver

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bureau-foundation/chanlog/lib/channel"
)

func TestEncodeMessageData(t *testing.T) {
	frame := encodeMessageData(7, 1_700_000_000_000_000_000, []byte("payload"))

	if frame[0] != binaryMessageData {
		t.Fatalf("opcode = %#x, want %#x", frame[0], binaryMessageData)
	}
	if got := binary.LittleEndian.Uint32(frame[1:5]); got != 7 {
		t.Errorf("subscription = %d, want 7", got)
	}
	if got := binary.LittleEndian.Uint64(frame[5:13]); got != 1_700_000_000_000_000_000 {
		t.Errorf("log time = %d", got)
	}
	if !bytes.Equal(frame[13:], []byte("payload")) {
		t.Errorf("payload = %q", frame[13:])
	}
}

func TestDecodeClientPublish(t *testing.T) {
	frame := []byte{binaryClientPublish}
	frame = binary.LittleEndian.AppendUint32(frame, 42)
	frame = append(frame, "hello"...)

	publish, err := decodeClientPublish(frame)
	if err != nil {
		t.Fatalf("decodeClientPublish: %v", err)
	}
	if publish.channelID != 42 || string(publish.payload) != "hello" {
		t.Errorf("decoded %+v", publish)
	}

	if _, err := decodeClientPublish([]byte{binaryClientPublish, 1, 2}); !errors.Is(err, errTruncatedFrame) {
		t.Errorf("short frame error = %v, want errTruncatedFrame", err)
	}
}

func TestDecodeServiceCall(t *testing.T) {
	frame := []byte{binaryServiceCallRequest}
	frame = binary.LittleEndian.AppendUint32(frame, 3)
	frame = binary.LittleEndian.AppendUint32(frame, 9)
	frame = binary.LittleEndian.AppendUint32(frame, 4)
	frame = append(frame, "json"...)
	frame = append(frame, `{"x":1}`...)

	call, err := decodeServiceCall(frame)
	if err != nil {
		t.Fatalf("decodeServiceCall: %v", err)
	}
	if call.serviceID != 3 || call.callID != 9 || call.encoding != "json" || string(call.payload) != `{"x":1}` {
		t.Errorf("decoded %+v", call)
	}

	tests := []struct {
		name  string
		frame []byte
	}{
		{"header only", frame[:9]},
		{"encoding cut short", frame[:15]},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := decodeServiceCall(test.frame); !errors.Is(err, errTruncatedFrame) {
				t.Errorf("error = %v, want errTruncatedFrame", err)
			}
		})
	}
}

func TestEncodeServiceCallResponse(t *testing.T) {
	frame := encodeServiceCallResponse(3, 9, "json", []byte("ok"))
	if frame[0] != binaryServiceCallResponse {
		t.Fatalf("opcode = %#x", frame[0])
	}
	if binary.LittleEndian.Uint32(frame[1:5]) != 3 || binary.LittleEndian.Uint32(frame[5:9]) != 9 {
		t.Errorf("ids = %v", frame[1:9])
	}
	length := binary.LittleEndian.Uint32(frame[9:13])
	if string(frame[13:13+length]) != "json" || string(frame[13+length:]) != "ok" {
		t.Errorf("frame tail = %q", frame[9:])
	}
}

func TestEncodeFetchAssetResponse(t *testing.T) {
	frame := encodeFetchAssetResponse(5, assetStatusError, "missing", nil)
	if frame[0] != binaryFetchAssetResponse || binary.LittleEndian.Uint32(frame[1:5]) != 5 {
		t.Fatalf("header = %v", frame[:5])
	}
	if frame[5] != assetStatusError {
		t.Errorf("status = %d", frame[5])
	}
	length := binary.LittleEndian.Uint32(frame[6:10])
	if string(frame[10:10+length]) != "missing" || len(frame) != int(10+length) {
		t.Errorf("message = %q", frame[10:])
	}
}

func TestAdvertiseEncodesBinarySchemas(t *testing.T) {
	info := channel.Channel{ID: 4, Topic: "/pose", MessageEncoding: "protobuf", SchemaID: 1}
	schema := &channel.Schema{ID: 1, Name: "Pose", Encoding: channel.EncodingProtobuf, Data: []byte{0x0a, 0x00}}

	advertised := advertise(info, schema)
	if advertised.Schema != "CgA=" {
		t.Errorf("protobuf schema = %q, want base64", advertised.Schema)
	}

	textSchema := &channel.Schema{ID: 2, Name: "Log", Encoding: "jsonschema", Data: []byte(`{"type":"object"}`)}
	if got := advertise(info, textSchema).Schema; got != `{"type":"object"}` {
		t.Errorf("jsonschema schema = %q, want verbatim", got)
	}

	if got := advertise(info, nil); got.SchemaName != "" || got.Schema != "" {
		t.Errorf("schemaless channel advertised schema %q/%q", got.SchemaName, got.Schema)
	}
}

func TestStatusMessageWireNames(t *testing.T) {
	requestID := uint32(12)
	var decoded map[string]any
	if err := json.Unmarshal(encodeJSON(statusMessage{
		Op: opStatus, Level: LevelError, Code: string(CodeUnknownChannel), Message: "no", RequestID: &requestID,
	}), &decoded); err != nil {
		t.Fatal(err)
	}
	for key, want := range map[string]any{"op": "status", "level": "error", "code": "unknown-channel", "requestId": float64(12)} {
		if decoded[key] != want {
			t.Errorf("%s = %v, want %v", key, decoded[key], want)
		}
	}
}
