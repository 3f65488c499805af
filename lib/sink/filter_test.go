// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"testing"

	"github.com/bureau-foundation/chanlog/lib/channel"
)

func TestCompileFilter(t *testing.T) {
	poseSchema := &channel.Schema{ID: 1, Name: "geo.Pose", Encoding: "protobuf"}
	camera := channel.Channel{ID: 1, Topic: "/camera/front", MessageEncoding: "protobuf", SchemaID: 1}
	imu := channel.Channel{
		ID:              2,
		Topic:           "/imu",
		MessageEncoding: "json",
		Metadata:        map[string]string{"rate_hz": "200"},
		Writable:        true,
	}

	tests := []struct {
		expression string
		info       channel.Channel
		schema     *channel.Schema
		want       bool
	}{
		{`topic.startsWith("/camera/")`, camera, poseSchema, true},
		{`topic.startsWith("/camera/")`, imu, nil, false},
		{`schema_name == "geo.Pose"`, camera, poseSchema, true},
		{`schema_name == ""`, imu, nil, true},
		{`metadata["rate_hz"] == "200"`, imu, nil, true},
		// Missing key is an evaluation error, which rejects.
		{`metadata["rate_hz"] == "200"`, camera, poseSchema, false},
		{`"rate_hz" in metadata`, camera, poseSchema, false},
		{`writable && message_encoding == "json"`, imu, nil, true},
	}

	for _, test := range tests {
		t.Run(test.expression+"/"+test.info.Topic, func(t *testing.T) {
			filter, err := CompileFilter(test.expression)
			if err != nil {
				t.Fatalf("CompileFilter: %v", err)
			}
			if got := filter.Accept(test.info, test.schema); got != test.want {
				t.Errorf("Accept = %v, want %v", got, test.want)
			}
		})
	}
}

func TestCompileFilterRejectsBadExpressions(t *testing.T) {
	for _, expression := range []string{
		"",
		"topic ==",
		`topic + "x"`,
		"unknown_variable == 1",
	} {
		if _, err := CompileFilter(expression); err == nil {
			t.Errorf("CompileFilter(%q) succeeded, want error", expression)
		}
	}
}

func TestFatalClassification(t *testing.T) {
	base := &IOError{Op: "write", Err: errTest}
	if IsFatal(base) {
		t.Error("IOError classified as fatal")
	}
	if !IsFatal(Fatal(base)) {
		t.Error("Fatal(err) not classified as fatal")
	}
	if Fatal(nil) != nil {
		t.Error("Fatal(nil) != nil")
	}
}

type testError string

func (e testError) Error() string { return string(e) }

const errTest = testError("disk on fire")
