// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the HTTP scaffolding the serving bridge
// runs on:
//
//   - HTTPServer: TCP listener lifecycle with readiness signalling and
//     graceful shutdown bounded by a timeout.
//   - Bearer authentication: [BearerToken] extracts the credential from
//     an Authorization header and [RequireBearer] wraps a handler so
//     that only callers presenting the configured token reach it.
//   - JSON responses: [RespondJSON] and [RespondError].
//
// Callers compose these in their own constructors rather than
// subclassing a framework. The package provides building blocks, not a
// runtime.
package service
