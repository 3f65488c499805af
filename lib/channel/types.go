// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import "maps"

// SchemaID identifies a registered schema. Zero means "no schema".
type SchemaID uint32

// ChannelID identifies a registered channel. Zero is never assigned.
type ChannelID uint32

// NoSchema marks a channel whose messages carry no schema (for
// example self-describing JSON).
const NoSchema SchemaID = 0

// Schema is a registered payload description. Data is owned by the
// registry and must not be modified.
type Schema struct {
	ID       SchemaID
	Name     string
	Encoding string
	Data     []byte
}

// Descriptor is everything needed to register a channel.
type Descriptor struct {
	Topic           string
	MessageEncoding string
	SchemaID        SchemaID
	Metadata        map[string]string

	// Writable channels accept publishes from live-protocol clients.
	Writable bool
}

// Channel is a registered channel. Metadata is owned by the registry
// and must not be modified.
type Channel struct {
	ID              ChannelID
	Topic           string
	MessageEncoding string
	SchemaID        SchemaID
	Metadata        map[string]string
	Writable        bool
}

// Descriptor returns the registration descriptor of c.
func (c Channel) Descriptor() Descriptor {
	return Descriptor{
		Topic:           c.Topic,
		MessageEncoding: c.MessageEncoding,
		SchemaID:        c.SchemaID,
		Metadata:        c.Metadata,
		Writable:        c.Writable,
	}
}

// equivalent reports whether two descriptors would register the same
// channel.
func (d Descriptor) equivalent(other Descriptor) bool {
	return d.Topic == other.Topic &&
		d.MessageEncoding == other.MessageEncoding &&
		d.SchemaID == other.SchemaID &&
		d.Writable == other.Writable &&
		maps.Equal(d.Metadata, other.Metadata)
}

// Message is one logged payload. Timestamps are nanoseconds since the
// Unix epoch. LogTime is producer-supplied and may go backwards across
// messages; PublishTime is stamped by the Context when the message is
// accepted. Sequence is assigned per channel and strictly increases.
type Message struct {
	ChannelID   ChannelID
	Sequence    uint64
	LogTime     uint64
	PublishTime uint64
	Data        []byte
}
