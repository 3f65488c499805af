// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/chanlog/lib/version"
)

const (
	// DefaultBaseURL is the production API.
	DefaultBaseURL = "https://api.foxglove.dev"

	// DefaultTimeout bounds each request.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize bounds response body reads.
	MaxResponseSize int64 = 16 << 20
)

// Config configures a Client.
type Config struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string

	// DeviceToken authenticates device requests. It can also be set
	// later with SetDeviceToken.
	DeviceToken string

	// UserAgent defaults to DefaultUserAgent.
	UserAgent string

	// Timeout bounds each request. Defaults to DefaultTimeout.
	Timeout time.Duration

	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client calls the platform API. Safe for concurrent use.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
}

// NewClient creates a Client.
func NewClient(config Config) *Client {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		httpClient: httpClient,
		logger:     logger,
		token:      config.DeviceToken,
	}
}

// DefaultUserAgent is "chanlog/<version>".
func DefaultUserAgent() string {
	return version.UserAgent("chanlog")
}

// SetDeviceToken replaces the device token.
func (c *Client) SetDeviceToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// DeviceToken returns the current device token.
func (c *Client) DeviceToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Device describes the device a token belongs to.
type Device struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ProjectID string `json:"projectId"`

	// RetainRecordingsSeconds is nil when the project keeps
	// recordings indefinitely.
	RetainRecordingsSeconds *uint64 `json:"retainRecordingsSeconds,omitempty"`
}

// RemoteVizCredentials let a remote viewer connect to a device.
type RemoteVizCredentials struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// FetchDeviceInfo returns the device the token belongs to.
func (c *Client) FetchDeviceInfo(ctx context.Context) (*Device, error) {
	var device Device
	if err := c.deviceRequest(ctx, http.MethodGet, "/internal/platform/v1/device-info", &device); err != nil {
		return nil, fmt.Errorf("fetching device info: %w", err)
	}
	return &device, nil
}

// AuthorizeRemoteViz requests remote visualization credentials for a
// device.
func (c *Client) AuthorizeRemoteViz(ctx context.Context, deviceID string) (*RemoteVizCredentials, error) {
	path := "/internal/platform/v1/devices/" + EscapePathSegment(deviceID) + "/remote-sessions"
	var credentials RemoteVizCredentials
	if err := c.deviceRequest(ctx, http.MethodPost, path, &credentials); err != nil {
		return nil, fmt.Errorf("authorizing remote visualization for device %q: %w", deviceID, err)
	}
	return &credentials, nil
}

func (c *Client) deviceRequest(ctx context.Context, method, path string, result any) error {
	token := c.DeviceToken()
	if token == "" {
		return ErrNoToken
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	request.Header.Set("User-Agent", c.userAgent)
	request.Header.Set("Authorization", "DeviceToken "+token)
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if response.StatusCode >= 400 {
		c.logger.Debug("platform request failed",
			"method", method,
			"path", path,
			"status", response.StatusCode,
		)
		return parseErrorResponse(response, body)
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func parseErrorResponse(response *http.Response, body []byte) *ResponseError {
	responseError := &ResponseError{
		StatusCode: response.StatusCode,
		Header:     response.Header.Clone(),
	}
	var errorBody struct {
		Error *string `json:"error"`
		Code  string  `json:"code"`
	}
	if err := json.Unmarshal(body, &errorBody); err != nil || errorBody.Error == nil {
		responseError.Body = string(body)
		return responseError
	}
	responseError.Message = *errorBody.Error
	responseError.Code = errorBody.Code
	return responseError
}

// EscapePathSegment percent-encodes every byte of s except ASCII
// letters, digits and "-._~".
func EscapePathSegment(s string) string {
	const hex = "0123456789ABCDEF"
	var builder strings.Builder
	builder.Grow(len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		if isUnreserved(b) {
			builder.WriteByte(b)
			continue
		}
		builder.WriteByte('%')
		builder.WriteByte(hex[b>>4])
		builder.WriteByte(hex[b&0x0f])
	}
	return builder.String()
}

func isUnreserved(b byte) bool {
	switch {
	case 'a' <= b && b <= 'z', 'A' <= b && b <= 'Z', '0' <= b && b <= '9':
		return true
	case b == '-', b == '.', b == '_', b == '~':
		return true
	}
	return false
}
