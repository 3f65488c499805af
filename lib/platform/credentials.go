// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"fmt"
	"sync"
)

// CredentialsProvider caches remote visualization credentials for one
// device.
type CredentialsProvider struct {
	client *Client
	device Device

	mu          sync.Mutex
	credentials *RemoteVizCredentials
}

// NewCredentialsProvider creates a provider with an empty cache.
func NewCredentialsProvider(client *Client, device Device) *CredentialsProvider {
	return &CredentialsProvider{client: client, device: device}
}

// Device returns the device credentials are issued for.
func (p *CredentialsProvider) Device() Device { return p.device }

// Current returns the cached credentials, or nil.
func (p *CredentialsProvider) Current() *RemoteVizCredentials {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.credentials
}

// Load returns the cached credentials, fetching them first if the
// cache is empty.
func (p *CredentialsProvider) Load(ctx context.Context) (*RemoteVizCredentials, error) {
	if credentials := p.Current(); credentials != nil {
		return credentials, nil
	}
	return p.Refresh(ctx)
}

// Refresh fetches new credentials and replaces the cache. On failure
// the cache is left as it was.
func (p *CredentialsProvider) Refresh(ctx context.Context) (*RemoteVizCredentials, error) {
	credentials, err := p.client.AuthorizeRemoteViz(ctx, p.device.ID)
	if err != nil {
		return nil, fmt.Errorf("refreshing credentials: %w", err)
	}
	p.mu.Lock()
	p.credentials = credentials
	p.mu.Unlock()
	return credentials, nil
}

// Clear empties the cache. The next Load fetches.
func (p *CredentialsProvider) Clear() {
	p.mu.Lock()
	p.credentials = nil
	p.mu.Unlock()
}
