// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel defines chanlog's data model and the schema/channel
// registry.
//
// A [Schema] is an immutable, named, encoded description of a payload
// structure. A [Channel] is a named, schema-typed stream of messages.
// A [Message] is one timestamped payload on a channel; payloads are
// opaque bytes.
//
// The [Registry] stores schemas and channels in append-only arenas
// indexed by stable integer IDs (starting at 1; ID 0 of a schema means
// "no schema"). Reads take a shared lock; registration takes the
// exclusive lock for a short critical section with no I/O.
//
// Topic uniqueness is enforced among active channels. What happens when
// a topic is registered twice is an explicit [DuplicatePolicy]:
// [DuplicateReuse] returns the existing channel when the descriptors
// match, [DuplicateReject] always fails with [*DuplicateChannelError].
// Closing a channel frees its topic; the closed channel keeps its ID and
// rejects further logs with [ErrChannelClosed].
//
// Schema bytes for well-known encodings are validated at registration;
// see [ValidateSchema].
package channel
