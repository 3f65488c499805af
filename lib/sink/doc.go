// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sink defines the capability every consumer of a Context's
// message stream implements.
//
// The [Sink] interface is closed over three variants, fixed at
// construction and reported by [Sink.Kind]: the container writer
// ([KindContainer]), the live protocol server ([KindLiveServer]), and
// application-defined sinks ([KindCustom], usually built with
// [Callbacks]).
//
// A Context calls a sink's methods from exactly one goroutine, in the
// order the events were accepted: every schema and channel a message
// refers to is announced before the message. Sinks therefore need no
// internal locking for the delivery path.
//
// Errors returned from delivery methods never reach producers. An
// [*IOError] (or any plain error) is reported asynchronously and the
// sink stays attached; an error wrapped with [Fatal] detaches the sink.
//
// A [Filter] restricts which channels a sink sees. [CompileFilter]
// builds one from a CEL expression.
package sink
