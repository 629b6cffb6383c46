// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds the bridge's bearer token in protected memory.
//
// A [Buffer] is allocated outside the Go heap with mmap, locked into
// RAM with mlock so it never reaches swap, and excluded from core dumps
// with madvise(MADV_DONTDUMP). Close zeroes, unlocks, and unmaps it.
//
// The serving side checks incoming Authorization headers with
// [Buffer.Matches], which compares BLAKE3 digests in constant time so
// that neither the token's content nor its length leaks through timing.
// The polling side reads the token with [Buffer.String] only at the
// moment it builds the header.
//
// Tokens come from a file ([ReadFromPath]) or from a string that was
// already in memory, such as an environment variable ([FromString]).
package secret
