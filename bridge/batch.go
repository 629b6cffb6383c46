// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/bureau-foundation/crosslink/lib/codec"
	"github.com/bureau-foundation/crosslink/lib/envelope"
)

// Format is the serialization of a batch body.
type Format string

const (
	// FormatJSON is the default wire format.
	FormatJSON Format = "json"

	// FormatCBOR carries the same structure in CBOR. Smaller, and
	// faster to parse for payloads heavy in numbers.
	FormatCBOR Format = "cbor"
)

const (
	contentTypeJSON = "application/json"
	contentTypeCBOR = "application/cbor"
)

// ParseFormat maps a configuration value to a Format. Empty means JSON.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return FormatJSON, nil
	case "cbor":
		return FormatCBOR, nil
	}
	return "", fmt.Errorf("bridge: unsupported batch format %q", name)
}

// ContentType is the MIME type for the format.
func (f Format) ContentType() string {
	if f == FormatCBOR {
		return contentTypeCBOR
	}
	return contentTypeJSON
}

// errUnsupportedMediaType marks bodies whose Content-Type or
// Content-Encoding the bridge does not speak.
var errUnsupportedMediaType = errors.New("unsupported media type")

// formatFromContentType reads a Content-Type header. A missing header
// means JSON.
func formatFromContentType(header string) (Format, error) {
	if header == "" {
		return FormatJSON, nil
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return "", fmt.Errorf("%w: %q", errUnsupportedMediaType, header)
	}
	switch mediaType {
	case contentTypeJSON:
		return FormatJSON, nil
	case contentTypeCBOR:
		return FormatCBOR, nil
	}
	return "", fmt.Errorf("%w: %q", errUnsupportedMediaType, mediaType)
}

// formatFromAccept picks the response format for an Accept header:
// CBOR only when asked for explicitly.
func formatFromAccept(header string) Format {
	for _, element := range strings.Split(header, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(element))
		if err == nil && mediaType == contentTypeCBOR {
			return FormatCBOR
		}
	}
	return FormatJSON
}

// batchBody is the body of POST /send and of a GET /poll response.
type batchBody struct {
	Envelopes []envelope.Envelope `json:"envelopes"`
}

// incomingBatch distinguishes a missing "envelopes" member from an
// empty one.
type incomingBatch struct {
	Envelopes *[]envelope.Envelope `json:"envelopes"`
}

// prepare tags an envelope's payload for the wire and confirms it
// serializes, so a batch containing it can always be encoded.
func prepare(outgoing envelope.Envelope) (envelope.Envelope, error) {
	outgoing.Payload = codec.Tag(outgoing.Payload)
	if _, err := json.Marshal(outgoing.Payload); err != nil {
		return outgoing, fmt.Errorf("bridge: payload for %s on %q is not serializable: %w", outgoing.ID, outgoing.Channel, err)
	}
	return outgoing, nil
}

// encodeBatch serializes already-prepared envelopes. An empty batch is
// written as an empty array, never null.
func encodeBatch(envelopes []envelope.Envelope, format Format) ([]byte, error) {
	if envelopes == nil {
		envelopes = []envelope.Envelope{}
	}
	body := batchBody{Envelopes: envelopes}
	if format == FormatCBOR {
		return codec.Marshal(body)
	}
	return json.Marshal(body)
}

// decodeBatch parses a batch, validates every envelope, and untags the
// payloads. Any invalid envelope rejects the whole batch.
func decodeBatch(data []byte, format Format, decoder *codec.Codec) ([]envelope.Envelope, error) {
	var body incomingBatch
	var err error
	if format == FormatCBOR {
		err = codec.Unmarshal(data, &body)
	} else {
		err = json.Unmarshal(data, &body)
	}
	if err != nil {
		return nil, fmt.Errorf("malformed batch: %w", err)
	}
	if body.Envelopes == nil {
		return nil, errors.New("malformed batch: missing envelopes")
	}

	envelopes := *body.Envelopes
	for index := range envelopes {
		if err := envelope.Validate(envelopes[index]); err != nil {
			return nil, fmt.Errorf("envelope %d: %w", index, err)
		}
		envelopes[index].Payload = decoder.Untag(envelopes[index].Payload)
	}
	return envelopes, nil
}

// StatusError is a non-2xx response from the peer.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bridge: %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, strings.TrimSpace(e.Body))
}
