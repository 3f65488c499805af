// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/bureau-foundation/chanlog/lib/channel"
)

// Filter decides, once per channel, whether a sink receives that
// channel's announcement and messages.
type Filter interface {
	Accept(info channel.Channel, schema *channel.Schema) bool
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(info channel.Channel, schema *channel.Schema) bool

// Accept calls f.
func (f FilterFunc) Accept(info channel.Channel, schema *channel.Schema) bool {
	return f(info, schema)
}

// celFilter evaluates a compiled CEL program against channel
// attributes.
type celFilter struct {
	expression string
	program    cel.Program
}

// CompileFilter compiles a CEL boolean expression over the variables
//
//	topic             string
//	message_encoding  string
//	schema_name       string  ("" for schemaless channels)
//	schema_encoding   string
//	metadata          map(string, string)
//	writable          bool
//
// For example:
//
//	topic.startsWith("/camera/") && metadata["rate_hz"] != "200"
//
// An expression that fails at evaluation time (a missing map key, say)
// rejects the channel.
func CompileFilter(expression string) (Filter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("filter expression is empty")
	}

	env, err := cel.NewEnv(
		cel.Variable("topic", cel.StringType),
		cel.Variable("message_encoding", cel.StringType),
		cel.Variable("schema_name", cel.StringType),
		cel.Variable("schema_encoding", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("writable", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("creating filter environment: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling filter %q: %w", expression, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter %q evaluates to %s, want bool", expression, ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building filter program %q: %w", expression, err)
	}
	return &celFilter{expression: expression, program: program}, nil
}

// Accept evaluates the expression for one channel.
func (f *celFilter) Accept(info channel.Channel, schema *channel.Schema) bool {
	var schemaName, schemaEncoding string
	if schema != nil {
		schemaName, schemaEncoding = schema.Name, schema.Encoding
	}
	metadata := info.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	out, _, err := f.program.Eval(map[string]any{
		"topic":            info.Topic,
		"message_encoding": info.MessageEncoding,
		"schema_name":      schemaName,
		"schema_encoding":  schemaEncoding,
		"metadata":         metadata,
		"writable":         info.Writable,
	})
	if err != nil {
		return false
	}
	accepted, ok := out.Value().(bool)
	return ok && accepted
}

// String returns the source expression.
func (f *celFilter) String() string { return f.expression }
