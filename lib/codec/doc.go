// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec converts between native composite values and the
// JSON-safe tagged form exchanged between the two processes.
//
// The host engine process has native composite types (vectors, colors,
// enum items) that plain JSON cannot represent. On the wire each one
// becomes a tagged value:
//
//	{"_t": "Vector3", "_v": [1, 2, 3]}
//	{"_t": "EnumItem", "_v": "Enum.Material.Plastic"}
//
// The "_v" member is always flat: an array of numbers or a single
// string, never another tagged value.
//
// # Encoding
//
// [Tag] walks a value recursively. Containers (maps with string keys,
// slices, arrays) are rebuilt with tagged children. A value that is
// already a tagged map passes through unchanged, so tagging twice is a
// no-op. A type implementing [Composite] is converted through its own
// methods; there is no reflection-based encoder lookup. A nil pointer,
// including a nil *Vector3, becomes null.
//
// Structs are records: they become objects keyed by their JSON field
// names, with the same "-", omitempty, and embedding rules as
// encoding/json, and their fields are tagged recursively. Structs that
// marshal themselves (time.Time) take the form encoding/json gives
// them. Anything else that is neither a primitive nor a container, such
// as a channel, func, or complex number, becomes
// {"_t": "_unknown", "_v": "<fmt.Sprint of the value>"} rather than an
// error.
//
// Only a map with exactly the two keys "_t" and "_v" is a tagged value.
// A map with any other key is an ordinary table.
//
// # Decoding
//
// [Codec.Untag] walks parsed data and hands each tagged map to the
// decoder registered for its "_t". When no decoder is registered the
// tagged map is returned as-is. This is what lets the headless
// authority process, which has no native types at all, forward tagged
// data it does not understand: it uses [New], which registers nothing,
// while the host side uses [NewNative].
//
// [Codec.Encode] and [Codec.Decode] combine tagging with JSON. Bridges
// use Tag and Untag directly so that a whole batch of envelopes is
// serialized once.
//
// # Binary form
//
// [Marshal] and [Unmarshal] expose the CBOR encoding used for the
// application/cbor batch format. The encoder uses Core Deterministic
// Encoding (RFC 8949 §4.2); the decoder produces map[string]any for
// untyped maps so that decoded payloads look exactly like decoded JSON
// to Untag.
package codec
