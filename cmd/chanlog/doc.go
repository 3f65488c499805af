// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Chanlog records schematized channels to a container file and
// streams them live to WebSocket clients.
//
//	chanlog record --config chanlog.yaml
//	chanlog record --stdin /console -o console.clog
//	chanlog info recording.clog
//
// record builds a logging context from the configuration, attaches a
// container writer and a live server as sinks, and runs until
// SIGINT/SIGTERM (or, with --stdin, until standard input ends). Live
// clients may publish on channels declared writable; their payloads
// are logged like any other message.
//
// info prints a container's header, statistics, channels, chunks and
// metadata, and optionally its first messages.
package main
