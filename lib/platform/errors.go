// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoToken is returned by requests that need a device token when
// the client has none.
var ErrNoToken = errors.New("platform: no device token configured")

// ResponseError is a non-2xx response from the API.
type ResponseError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message and Code come from the JSON error body. Both are empty
	// when the body was not a JSON error object; Body then holds the
	// raw text.
	Message string
	Code    string
	Body    string

	Header http.Header
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("platform: HTTP %d with malformed error body %q", e.StatusCode, e.Body)
	}
	if e.Code != "" {
		return fmt.Sprintf("platform: HTTP %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("platform: HTTP %d: %s", e.StatusCode, e.Message)
}

// Malformed reports whether the error body could not be decoded.
func (e *ResponseError) Malformed() bool { return e.Message == "" }

// StatusCode returns the HTTP status of a *ResponseError in err's
// chain, or 0.
func StatusCode(err error) int {
	var responseError *ResponseError
	if errors.As(err, &responseError) {
		return responseError.StatusCode
	}
	return 0
}
