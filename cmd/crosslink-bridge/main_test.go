// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/crosslink/bridge"
	"github.com/bureau-foundation/crosslink/lib/config"
	"github.com/bureau-foundation/crosslink/lib/netutil"
	"github.com/bureau-foundation/crosslink/transport"
)

func TestParseFlags(t *testing.T) {
	parsed, err := parseFlags([]string{"--role", "authority", "--listen", ":9000", "-v"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if parsed.role != "authority" || parsed.listen != ":9000" || !parsed.verbose {
		t.Errorf("got role=%q listen=%q verbose=%v", parsed.role, parsed.listen, parsed.verbose)
	}
	if parsed.flagSet.Changed("endpoint") {
		t.Error("endpoint reported as changed without being set")
	}
}

func TestParseFlagsRejects(t *testing.T) {
	if _, err := parseFlags([]string{"extra"}); err == nil {
		t.Error("expected error for positional argument")
	}
	if _, err := parseFlags([]string{"--no-such-flag"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestParseFlagsHelp(t *testing.T) {
	parsed, err := parseFlags([]string{"-h"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if !parsed.help {
		t.Error("help not set")
	}
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crosslink.yaml")
	content := "role: host\nendpoint: http://file.example:8080\nbatch_size: 5\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	parsed, err := parseFlags([]string{
		"--config", path,
		"--endpoint", "http://flag.example:9000",
		"--poll-interval", "250ms",
	})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	cfg, err := loadConfig(parsed)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Endpoint != "http://flag.example:9000" {
		t.Errorf("endpoint = %q, want the flag value", cfg.Endpoint)
	}
	if cfg.PollDuration() != 250*time.Millisecond {
		t.Errorf("poll interval = %v, want 250ms", cfg.PollDuration())
	}
	if cfg.BatchSize != 5 {
		t.Errorf("batch_size = %d, want 5 from the file", cfg.BatchSize)
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("CROSSLINK_CONFIG", "")
	t.Setenv("CROSSLINK_ROLE", "authority")
	t.Setenv("CROSSLINK_PORT", "9100")

	parsed, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	cfg, err := loadConfig(parsed)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ListenAddress() != ":9100" {
		t.Errorf("listen address = %q, want :9100", cfg.ListenAddress())
	}

	// --listen replaces the environment's port entirely.
	parsed, err = parseFlags([]string{"--listen", "127.0.0.1:9200"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	cfg, err = loadConfig(parsed)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ListenAddress() != "127.0.0.1:9200" {
		t.Errorf("listen address = %q, want 127.0.0.1:9200", cfg.ListenAddress())
	}
}

func TestLoadConfigValidatesOverrides(t *testing.T) {
	t.Setenv("CROSSLINK_CONFIG", "")

	parsed, err := parseFlags([]string{"--role", "observer"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if _, err := loadConfig(parsed); err == nil || !strings.Contains(err.Error(), "role") {
		t.Errorf("expected role error, got %v", err)
	}
}

func TestTransportConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Format = "cbor"
	cfg.Compression = "zstd"
	cfg.Port = 9300

	linkConfig, err := transportConfig(cfg, nil, discardLogger())
	if err != nil {
		t.Fatalf("transportConfig: %v", err)
	}
	if linkConfig.Role != transport.RoleHost {
		t.Errorf("role = %q, want host", linkConfig.Role)
	}
	if linkConfig.Polling.Format != bridge.FormatCBOR {
		t.Errorf("format = %q, want cbor", linkConfig.Polling.Format)
	}
	if linkConfig.Polling.Compression != netutil.EncodingZstd {
		t.Errorf("compression = %q, want zstd", linkConfig.Polling.Compression)
	}
	if linkConfig.Polling.PollInterval != time.Second {
		t.Errorf("poll interval = %v, want 1s", linkConfig.Polling.PollInterval)
	}
	if linkConfig.Serving.Address != ":9300" {
		t.Errorf("serving address = %q, want :9300", linkConfig.Serving.Address)
	}
}

func TestPingAcrossRoles(t *testing.T) {
	logger := discardLogger()

	authorityConfig := config.Default()
	authorityConfig.Role = config.RoleAuthority
	authorityConfig.Listen = "127.0.0.1:0"
	linkConfig, err := transportConfig(authorityConfig, nil, logger)
	if err != nil {
		t.Fatalf("transportConfig: %v", err)
	}
	authority, err := transport.New(linkConfig)
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	registerHandlers(authority, logger)
	if err := authority.Start(t.Context()); err != nil {
		t.Fatalf("starting authority: %v", err)
	}
	t.Cleanup(func() {
		authority.Stop()
		authority.Wait()
	})
	address := authority.Bridge().(*bridge.ServingBridge).Addr().String()

	hostConfig := config.Default()
	hostConfig.Endpoint = "http://" + address
	hostConfig.PollInterval = 0.02
	linkConfig, err = transportConfig(hostConfig, nil, logger)
	if err != nil {
		t.Fatalf("transportConfig: %v", err)
	}
	host, err := transport.New(linkConfig)
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	registerHandlers(host, logger)
	if err := host.Start(t.Context()); err != nil {
		t.Fatalf("starting host: %v", err)
	}
	t.Cleanup(func() {
		host.Stop()
		host.Wait()
	})

	response, ok := host.Request(t.Context(), pingChannel, nil, 5*time.Second)
	if !ok {
		t.Fatal("ping from host was not answered")
	}
	fields, isMap := response.(map[string]any)
	if !isMap || fields["pong"] != true || fields["origin"] != "authority" {
		t.Errorf("ping response = %#v", response)
	}

	response, ok = authority.Request(t.Context(), pingChannel, nil, 5*time.Second)
	if !ok {
		t.Fatal("ping from authority was not answered")
	}
	fields, isMap = response.(map[string]any)
	if !isMap || fields["origin"] != "host" {
		t.Errorf("ping response = %#v", response)
	}
}

func TestNewLoggerFor(t *testing.T) {
	var output bytes.Buffer
	newLoggerFor(&output, false, slog.LevelInfo).Info("hello", "role", "host")

	var record map[string]any
	if err := json.Unmarshal(output.Bytes(), &record); err != nil {
		t.Fatalf("non-terminal output is not JSON: %v (%q)", err, output.String())
	}
	if record["msg"] != "hello" || record["component"] != "crosslink-bridge" {
		t.Errorf("record = %v", record)
	}

	output.Reset()
	newLoggerFor(&output, true, slog.LevelInfo).Debug("hidden")
	if output.Len() != 0 {
		t.Errorf("debug record written at info level: %q", output.String())
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
