// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build information for crosslink binaries.
//
// [GitCommit], [GitDirty], [BuildTime], and [Version] are injected at
// build time with -ldflags -X and default to "unknown" / "0.1.0-dev"
// in development builds and tests.
//
// [Info] formats them for --version output. [UserAgent] is the value
// the polling bridge sends on every HTTP request, which lets the
// serving side log which build is talking to it.
package version
