// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logcontext is the fan-out engine between producers and
// sinks.
//
// A [Context] owns a channel registry and a set of attached sinks.
// Producers register schemas and channels and log messages; every
// accepted message is stamped with a per-channel sequence number and a
// publish time, then handed to each attached sink's bounded queue. One
// worker goroutine per sink drains its queue and calls the sink, so a
// sink sees a strictly ordered event stream and never needs to lock.
//
// Ordering guarantees:
//
//   - A sink receives every schema and channel a message refers to
//     before the message. Metadata events bypass queue capacity.
//   - A sink attached late receives all current schemas and active
//     channels first, then only messages logged after it attached.
//   - Messages on one channel reach each sink in sequence order.
//
// Sink failures never reach producers. They are reported on
// [Context.Errors]; an error marked with [sink.Fatal] detaches the
// sink. A sink that cannot keep up applies backpressure for at most
// Config.HandoffTimeout per message, after which the message is
// dropped for that sink only.
//
// Contexts are independent. A process may run any number of them.
package logcontext
