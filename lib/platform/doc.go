// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package platform is a client for the device endpoints of the
// remote visualization platform API.
//
// A device authenticates with a device token. [Client.FetchDeviceInfo]
// identifies the device the token belongs to, and
// [Client.AuthorizeRemoteViz] mints short-lived credentials that let a
// remote viewer reach the device's live server. [CredentialsProvider]
// caches those credentials until they are refreshed or cleared.
//
// Non-2xx responses become [*ResponseError]. Bodies are read up to
// [MaxResponseSize].
package platform
