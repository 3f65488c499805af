// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Well-known schema encodings. Other encodings are accepted as opaque.
const (
	EncodingProtobuf   = "protobuf"
	EncodingJSONSchema = "jsonschema"
	EncodingFlatbuffer = "flatbuffer"
	EncodingROS1Msg    = "ros1msg"
	EncodingROS2Msg    = "ros2msg"
	EncodingROS2IDL    = "ros2idl"
	EncodingOMGIDL     = "omgidl"
)

// ValidateSchema checks that data is well-formed for encoding. It
// returns a *SchemaValidationError on failure.
//
//   - protobuf: data is a serialized FileDescriptorSet whose files link
//     and which defines a message with the fully-qualified name.
//   - jsonschema: data is a JSON object that compiles as a JSON Schema
//     (checked against its meta-schema). References must resolve
//     within the document; nothing is fetched.
//   - ros1msg, ros2msg, ros2idl, omgidl: non-empty UTF-8 text.
//   - flatbuffer: non-empty (a binary reflection schema).
//   - anything else: non-empty unless the encoding is empty too.
func ValidateSchema(name, encoding string, data []byte) error {
	invalid := func(reason string, err error) error {
		return &SchemaValidationError{Name: name, Encoding: encoding, Reason: reason, Err: err}
	}

	if name == "" {
		return invalid("schema name is empty", nil)
	}

	switch encoding {
	case EncodingProtobuf:
		return validateProtobuf(name, data, invalid)

	case EncodingJSONSchema:
		return validateJSONSchema(data, invalid)

	case EncodingROS1Msg, EncodingROS2Msg, EncodingROS2IDL, EncodingOMGIDL:
		if len(data) == 0 {
			return invalid("schema text is empty", nil)
		}
		if !utf8.Valid(data) {
			return invalid("schema text is not valid UTF-8", nil)
		}
		return nil

	case EncodingFlatbuffer:
		if len(data) == 0 {
			return invalid("binary schema is empty", nil)
		}
		return nil

	case "":
		return nil

	default:
		if len(data) == 0 {
			return invalid("schema data is empty", nil)
		}
		return nil
	}
}

// jsonSchemaResource is the URL a schema document is compiled under.
const jsonSchemaResource = "chanlog:///schema.json"

func validateJSONSchema(data []byte, invalid func(string, error) error) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return invalid("schema must be a JSON object", nil)
	}
	document, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
	if err != nil {
		return invalid("schema is not valid JSON", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.UseLoader(jsonschema.SchemeURLLoader{})
	if err := compiler.AddResource(jsonSchemaResource, document); err != nil {
		return invalid("schema is not a valid JSON Schema", err)
	}
	if _, err := compiler.Compile(jsonSchemaResource); err != nil {
		return invalid("schema is not a valid JSON Schema", err)
	}
	return nil
}

func validateProtobuf(name string, data []byte, invalid func(string, error) error) error {
	if len(data) == 0 {
		return invalid("descriptor set is empty", nil)
	}
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(data, &set); err != nil {
		return invalid("decoding FileDescriptorSet", err)
	}
	files, err := protodesc.NewFiles(&set)
	if err != nil {
		return invalid("linking FileDescriptorSet", err)
	}
	descriptor, err := files.FindDescriptorByName(protoreflect.FullName(name))
	if err != nil {
		return invalid("message not defined in descriptor set", err)
	}
	if _, ok := descriptor.(protoreflect.MessageDescriptor); !ok {
		return invalid("name does not refer to a message type", nil)
	}
	return nil
}
