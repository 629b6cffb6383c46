// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides the HTTP body helpers shared by both bridge
// roles.
//
// Body reads are bounded at MaxBodySize so a misbehaving peer cannot
// exhaust memory with an oversized batch. [ReadBody] fails instead of
// truncating, because a truncated envelope batch is indistinguishable
// from a malformed one. [ErrorBody] is for diagnostics only and ignores
// read errors.
//
// Batch bodies may be compressed. [Compress] and [Decompress] implement
// the two supported content codings, zstd and lz4, and [Negotiate]
// picks one from an Accept-Encoding header.
package netutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxBodySize bounds every batch body, compressed or not: 16 MB.
// Batches are tens of envelopes; the limit only stops pathological
// input.
const MaxBodySize int64 = 16 << 20

// ErrBodyTooLarge is returned when a body exceeds MaxBodySize.
var ErrBodyTooLarge = errors.New("netutil: body exceeds maximum size")

// ReadBody reads up to MaxBodySize bytes and fails if there are more.
func ReadBody(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// DecodeResponse reads a bounded JSON response body into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadBody(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ErrorBody returns an error response body as a string for error
// messages. Read errors are ignored; a partial body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	return string(data)
}
