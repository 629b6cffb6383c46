// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern for waiting on channels, so a broken test fails with a
// message instead of hanging. They are the only place tests use a real
// wall-clock timeout; loop timing in tests goes through lib/clock's
// FakeClock.
//
// [UniqueID] generates distinct identifiers for tests that need them
// without reading the clock.
//
// All helpers call Fatalf on failure.
package testutil
