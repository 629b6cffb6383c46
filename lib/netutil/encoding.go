// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding is an HTTP content coding for batch bodies.
type Encoding string

const (
	// EncodingIdentity sends bodies as-is.
	EncodingIdentity Encoding = "identity"

	// EncodingZstd is zstd at the default level. Best ratio on JSON.
	EncodingZstd Encoding = "zstd"

	// EncodingLZ4 is the LZ4 frame format. Cheapest to produce, for
	// hosts where CPU matters more than bytes.
	EncodingLZ4 Encoding = "lz4"
)

// ParseEncoding maps a configuration or header value to an Encoding.
// The empty string and "none" mean identity.
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "identity":
		return EncodingIdentity, nil
	case "zstd":
		return EncodingZstd, nil
	case "lz4":
		return EncodingLZ4, nil
	}
	return "", fmt.Errorf("netutil: unsupported content encoding %q", name)
}

// HeaderValue is the Content-Encoding header value, empty for identity.
func (e Encoding) HeaderValue() string {
	if e == EncodingIdentity {
		return ""
	}
	return string(e)
}

// zstdEncoder and zstdDecoder are shared; both are safe for concurrent
// use. The decoder's window is capped at MaxBodySize.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("netutil: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(MaxBodySize)))
	if err != nil {
		panic("netutil: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress encodes data with the given content coding.
func Compress(data []byte, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingIdentity, "":
		return data, nil
	case EncodingZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case EncodingLZ4:
		var buffer bytes.Buffer
		writer := lz4.NewWriter(&buffer)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buffer.Bytes(), nil
	}
	return nil, fmt.Errorf("netutil: unsupported content encoding %q", encoding)
}

// Decompress decodes data with the given content coding. The result is
// bounded by MaxBodySize.
func Decompress(data []byte, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingIdentity, "":
		return data, nil
	case EncodingZstd:
		decoded, err := zstdDecoder.DecodeAll(data, nil)
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, ErrBodyTooLarge
		}
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if int64(len(decoded)) > MaxBodySize {
			return nil, ErrBodyTooLarge
		}
		return decoded, nil
	case EncodingLZ4:
		decoded, err := io.ReadAll(io.LimitReader(lz4.NewReader(bytes.NewReader(data)), MaxBodySize+1))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if int64(len(decoded)) > MaxBodySize {
			return nil, ErrBodyTooLarge
		}
		return decoded, nil
	}
	return nil, fmt.Errorf("netutil: unsupported content encoding %q", encoding)
}

// Negotiate picks the response coding for an Accept-Encoding header:
// zstd if acceptable, then lz4, else identity. Codings with q=0 are
// excluded.
func Negotiate(acceptEncoding string) Encoding {
	accepted := make(map[string]bool)
	for _, element := range strings.Split(acceptEncoding, ",") {
		name, parameters, _ := strings.Cut(element, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if quality := strings.ReplaceAll(parameters, " ", ""); quality == "q=0" || quality == "q=0.0" {
			continue
		}
		accepted[name] = true
	}
	switch {
	case accepted["zstd"]:
		return EncodingZstd
	case accepted["lz4"]:
		return EncodingLZ4
	}
	return EncodingIdentity
}
