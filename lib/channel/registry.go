// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// DuplicatePolicy decides what happens when a channel is registered on
// a topic that an active channel already uses.
type DuplicatePolicy uint8

const (
	// DuplicateReuse returns the existing channel when the new
	// descriptor is equivalent (same schema, encodings, metadata and
	// writability). A differing descriptor is a *DuplicateChannelError.
	DuplicateReuse DuplicatePolicy = iota

	// DuplicateReject fails every duplicate registration with
	// *DuplicateChannelError.
	DuplicateReject
)

// String returns the configuration name of the policy.
func (p DuplicatePolicy) String() string {
	switch p {
	case DuplicateReuse:
		return "reuse"
	case DuplicateReject:
		return "reject"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ParseDuplicatePolicy parses "reuse" or "reject".
func ParseDuplicatePolicy(name string) (DuplicatePolicy, error) {
	switch strings.ToLower(name) {
	case "reuse", "":
		return DuplicateReuse, nil
	case "reject":
		return DuplicateReject, nil
	default:
		return 0, fmt.Errorf("unknown duplicate topic policy %q (want reuse or reject)", name)
	}
}

// UnmarshalText lets configuration decoders parse the policy by name.
func (p *DuplicatePolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseDuplicatePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalText returns the configuration name of the policy.
func (p DuplicatePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// schemaKey deduplicates schema registrations.
type schemaKey struct {
	name     string
	encoding string
	data     string
}

// channelEntry is one arena slot. info never changes after
// registration; closed and sequence are updated without the registry
// lock.
type channelEntry struct {
	info     Channel
	closed   atomic.Bool
	sequence atomic.Uint64
}

// Registry is the schema and channel table of one Context. Safe for
// concurrent use.
type Registry struct {
	policy DuplicatePolicy

	mu         sync.RWMutex
	schemas    []Schema // schemas[i].ID == i+1
	schemaKeys map[schemaKey]SchemaID
	channels   []*channelEntry // channels[i].info.ID == i+1
	topics     map[string]ChannelID
}

// NewRegistry creates an empty registry with the given duplicate topic
// policy.
func NewRegistry(policy DuplicatePolicy) *Registry {
	return &Registry{
		policy:     policy,
		schemaKeys: make(map[schemaKey]SchemaID),
		topics:     make(map[string]ChannelID),
	}
}

// Policy returns the registry's duplicate topic policy.
func (r *Registry) Policy() DuplicatePolicy { return r.policy }

// RegisterSchema validates and stores a schema. An identical (name,
// encoding, data) registration returns the existing ID with created
// false. The registry keeps its own copy of data.
func (r *Registry) RegisterSchema(name, encoding string, data []byte) (Schema, bool, error) {
	if err := ValidateSchema(name, encoding, data); err != nil {
		return Schema{}, false, err
	}
	key := schemaKey{name: name, encoding: encoding, data: string(data)}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.schemaKeys[key]; ok {
		return r.schemas[id-1], false, nil
	}
	schema := Schema{
		ID:       SchemaID(len(r.schemas) + 1),
		Name:     name,
		Encoding: encoding,
		Data:     slices.Clone(data),
	}
	r.schemas = append(r.schemas, schema)
	r.schemaKeys[key] = schema.ID
	return schema, true, nil
}

// Schema returns a registered schema.
func (r *Registry) Schema(id SchemaID) (Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemaLocked(id)
}

func (r *Registry) schemaLocked(id SchemaID) (Schema, error) {
	if id == NoSchema || int(id) > len(r.schemas) {
		return Schema{}, &UnknownSchemaError{ID: id}
	}
	return r.schemas[id-1], nil
}

// AddChannel registers a channel. The returned bool is true when a new
// channel was created and false when DuplicateReuse returned an
// existing one.
func (r *Registry) AddChannel(descriptor Descriptor) (Channel, bool, error) {
	if descriptor.Topic == "" {
		return Channel{}, false, fmt.Errorf("channel topic is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if descriptor.SchemaID != NoSchema {
		if _, err := r.schemaLocked(descriptor.SchemaID); err != nil {
			return Channel{}, false, err
		}
	}

	if existingID, ok := r.topics[descriptor.Topic]; ok {
		existing := r.channels[existingID-1].info
		if r.policy == DuplicateReuse && existing.Descriptor().equivalent(descriptor) {
			return existing, false, nil
		}
		return Channel{}, false, &DuplicateChannelError{Topic: descriptor.Topic, Existing: existingID}
	}

	info := Channel{
		ID:              ChannelID(len(r.channels) + 1),
		Topic:           descriptor.Topic,
		MessageEncoding: descriptor.MessageEncoding,
		SchemaID:        descriptor.SchemaID,
		Metadata:        maps.Clone(descriptor.Metadata),
		Writable:        descriptor.Writable,
	}
	r.channels = append(r.channels, &channelEntry{info: info})
	r.topics[info.Topic] = info.ID
	return info, true, nil
}

// Lookup returns an active or closed channel by ID.
func (r *Registry) Lookup(id ChannelID) (Channel, error) {
	entry, err := r.entry(id)
	if err != nil {
		return Channel{}, err
	}
	return entry.info, nil
}

// LookupTopic returns the active channel registered on topic.
func (r *Registry) LookupTopic(topic string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.topics[topic]
	if !ok {
		return Channel{}, &UnknownChannelError{Topic: topic}
	}
	return r.channels[id-1].info, nil
}

// IsClosed reports whether the channel has been closed.
func (r *Registry) IsClosed(id ChannelID) (bool, error) {
	entry, err := r.entry(id)
	if err != nil {
		return false, err
	}
	return entry.closed.Load(), nil
}

func (r *Registry) entry(id ChannelID) (*channelEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == 0 || int(id) > len(r.channels) {
		return nil, &UnknownChannelError{ID: id}
	}
	return r.channels[id-1], nil
}

// NextSequence reserves the next sequence number on an active channel.
// Sequence numbers start at 1 and strictly increase across all callers.
func (r *Registry) NextSequence(id ChannelID) (Channel, uint64, error) {
	entry, err := r.entry(id)
	if err != nil {
		return Channel{}, 0, err
	}
	if entry.closed.Load() {
		return Channel{}, 0, fmt.Errorf("channel %d (%s): %w", id, entry.info.Topic, ErrChannelClosed)
	}
	return entry.info, entry.sequence.Add(1), nil
}

// CloseChannel marks a channel closed and frees its topic.
func (r *Registry) CloseChannel(id ChannelID) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == 0 || int(id) > len(r.channels) {
		return Channel{}, &UnknownChannelError{ID: id}
	}
	entry := r.channels[id-1]
	if !entry.closed.CompareAndSwap(false, true) {
		return Channel{}, fmt.Errorf("channel %d (%s): %w", id, entry.info.Topic, ErrChannelClosed)
	}
	if r.topics[entry.info.Topic] == id {
		delete(r.topics, entry.info.Topic)
	}
	return entry.info, nil
}

// Snapshot returns every schema and every active channel, in ID order.
func (r *Registry) Snapshot() ([]Schema, []Channel) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := slices.Clone(r.schemas)
	channels := make([]Channel, 0, len(r.topics))
	for _, entry := range r.channels {
		if !entry.closed.Load() {
			channels = append(channels, entry.info)
		}
	}
	return schemas, channels
}
