// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for chanlog packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout safety valve so individual tests never block
// forever on a channel. These are the only helpers that use the wall
// clock; code under test takes a [clock.Clock].
//
// All helpers call t.Fatalf on failure.
package testutil
