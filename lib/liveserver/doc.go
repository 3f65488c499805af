// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package liveserver streams a Context's channels to WebSocket clients
// as they are logged.
//
// A [Server] is a sink: attach it to a logcontext.Context and it
// advertises every channel the Context announces, then forwards each
// logged message to the clients subscribed to its channel. Clients
// connect with the subprotocol [Subprotocol]. Text frames carry JSON
// control messages keyed by "op"; binary frames start with a one-byte
// opcode followed by little-endian fields.
//
// Each connection has a bounded outbound queue drained by its own
// sender goroutine, and a receiver goroutine that handles client
// requests. Control frames (advertisements, responses, status) bypass
// the bound. When data frames overflow it, Options.OverflowPolicy
// decides: drop the newest frame, drop the oldest, or disconnect the
// client with close code 1008. A slow client therefore never stalls
// logging or other clients.
//
// Semantic errors in client requests (unknown channel, unknown op,
// bad JSON) are answered with a "status" frame and the connection
// stays open. Framing violations close it: 1002 for a truncated or
// unknown binary frame, 1009 for a frame over Options.MaxFrameBytes.
// Server shutdown drains each outbound queue for up to
// Options.DrainTimeout and closes with 1001.
//
// Beyond channels the server hosts request/response services,
// a parameter store clients can read, write and watch, and an
// optional asset fetcher.
package liveserver
