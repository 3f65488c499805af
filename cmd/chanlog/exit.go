// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "fmt"

// exitUsage is the status for a command line that could not be parsed.
const exitUsage = 2

// UsageError reports a command line that could not be accepted. main
// exits with status 2 for it instead of 1.
type UsageError struct {
	Err error
}

func usageErrorf(format string, args ...any) *UsageError {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

func (e *UsageError) Error() string { return e.Err.Error() }

func (e *UsageError) Unwrap() error { return e.Err }

// ExitCode returns the process status for a usage error.
func (e *UsageError) ExitCode() int { return exitUsage }
