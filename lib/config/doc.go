// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads chanlog configuration.
//
// Configuration comes from a single file named by either the
// CHANLOG_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no discovery and no search path. Files
// ending in .json or .jsonc are JSON with comments and trailing commas
// allowed; anything else is YAML.
//
// Values are layered: [Default], then the file, then CHANLOG_*
// environment variables (CHANLOG_SERVER_ADDRESS,
// CHANLOG_RECORDER_PATH, CHANLOG_PLATFORM_DEVICE_TOKEN, and so on).
// ${HOME} and ${VAR:-default} patterns in path fields are expanded
// last. [Config.Validate] reports every problem at once.
package config
