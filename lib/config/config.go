// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/crosslink/lib/netutil"
	"github.com/bureau-foundation/crosslink/lib/secret"
)

// Role names accepted in the role field.
const (
	RoleHost      = "host"
	RoleAuthority = "authority"
)

// envPrefix is prepended to every env tag.
const envPrefix = "CROSSLINK_"

// Config is the configuration for one side of the bridge.
type Config struct {
	// Role is "host" (polling) or "authority" (serving).
	Role string `yaml:"role" json:"role" env:"ROLE"`

	// Endpoint is the authority's base URL. Host role only.
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"ENDPOINT"`

	// Listen is the authority's listen address. Authority role only.
	Listen string `yaml:"listen" json:"listen" env:"LISTEN"`

	// Port, when set, replaces the port of Listen.
	Port int `yaml:"port" json:"port" env:"PORT"`

	// AuthToken is the shared bearer token. Prefer AuthTokenFile;
	// at most one of the two may be set.
	AuthToken string `yaml:"auth_token" json:"auth_token" env:"AUTH_TOKEN"`

	// AuthTokenFile is a file holding the token. ${VAR} references
	// are expanded.
	AuthTokenFile string `yaml:"auth_token_file" json:"auth_token_file" env:"AUTH_TOKEN_FILE"`

	// PollInterval is the flush and poll period in seconds. Host role
	// only.
	PollInterval float64 `yaml:"poll_interval" json:"poll_interval" env:"POLL_INTERVAL"`

	// BatchSize caps envelopes per POST and triggers early flushes.
	// Host role only.
	BatchSize int `yaml:"batch_size" json:"batch_size" env:"BATCH_SIZE"`

	// Format is the batch serialization: "json" or "cbor".
	Format string `yaml:"format" json:"format" env:"FORMAT"`

	// Compression is the batch Content-Encoding: "none", "zstd" or
	// "lz4".
	Compression string `yaml:"compression" json:"compression" env:"COMPRESSION"`

	// HTTPTimeout bounds each HTTP call the host makes, in seconds.
	HTTPTimeout float64 `yaml:"http_timeout" json:"http_timeout" env:"HTTP_TIMEOUT"`

	// ShutdownTimeout bounds the authority's wait for in-flight
	// requests at shutdown, in seconds.
	ShutdownTimeout float64 `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Default returns the configuration used before any file or
// environment is applied.
func Default() *Config {
	return &Config{
		Role:            RoleHost,
		Endpoint:        "http://127.0.0.1:8080",
		Listen:          ":8080",
		PollInterval:    1,
		BatchSize:       50,
		Format:          "json",
		Compression:     "none",
		HTTPTimeout:     10,
		ShutdownTimeout: 2,
	}
}

// Load loads the file named by CROSSLINK_CONFIG. There is no fallback:
// if the variable is unset, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv("CROSSLINK_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("CROSSLINK_CONFIG environment variable not set; " +
			"set it to the path of your crosslink config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads a configuration file, applies the CROSSLINK_*
// environment overlay, expands variables, and validates the result.
func LoadFile(path string) (*Config, error) {
	return load(path, nil)
}

// LoadEnv applies the CROSSLINK_* environment overlay to the defaults
// and validates the result.
func LoadEnv() (*Config, error) {
	return load("", nil)
}

// load is LoadFile with an optional explicit environment (nil means
// the process environment).
func load(path string, environment map[string]string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnvironment(environment); err != nil {
		return nil, err
	}
	cfg.expandVariables(environment)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// loadFile decodes a YAML or JSONC file into c, chosen by extension.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("config: parsing %s: %w", path, err)
		}
	case ".json", ".jsonc":
		decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(c); err != nil {
			return fmt.Errorf("config: parsing %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config: %s: unsupported extension (want .yaml, .yml, .json or .jsonc)", path)
	}
	return nil
}

// applyEnvironment overlays CROSSLINK_* variables. Variables that are
// unset leave the field alone.
func (c *Config) applyEnvironment(environment map[string]string) error {
	options := env.Options{Prefix: envPrefix}
	if environment != nil {
		options.Environment = environment
	}
	if err := env.ParseWithOptions(c, options); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} in
// AuthTokenFile.
func (c *Config) expandVariables(environment map[string]string) {
	c.AuthTokenFile = expandVars(c.AuthTokenFile, environment)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, environment map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		var value string
		if environment != nil {
			value = environment[name]
		} else {
			value = os.Getenv(name)
		}
		if value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. Every problem is
// reported, not just the first.
func (c *Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleHost:
		if c.Endpoint == "" {
			errs = append(errs, errors.New("endpoint is required for the host role"))
		} else if parsed, err := url.Parse(c.Endpoint); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("endpoint %q must be an http or https URL", c.Endpoint))
		}
		if c.BatchSize <= 0 {
			errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
		}
	case RoleAuthority:
		if c.Listen == "" && c.Port == 0 {
			errs = append(errs, errors.New("listen or port is required for the authority role"))
		}
	default:
		errs = append(errs, fmt.Errorf("role must be %q or %q, got %q", RoleHost, RoleAuthority, c.Role))
	}

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 0 and 65535, got %d", c.Port))
	}
	if !validSeconds(c.PollInterval) {
		errs = append(errs, fmt.Errorf("poll_interval must be a positive number of seconds, got %v", c.PollInterval))
	}
	if !validSeconds(c.HTTPTimeout) {
		errs = append(errs, fmt.Errorf("http_timeout must be a positive number of seconds, got %v", c.HTTPTimeout))
	}
	if !validSeconds(c.ShutdownTimeout) {
		errs = append(errs, fmt.Errorf("shutdown_timeout must be a positive number of seconds, got %v", c.ShutdownTimeout))
	}
	switch strings.ToLower(c.Format) {
	case "", "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("format must be json or cbor, got %q", c.Format))
	}
	if _, err := netutil.ParseEncoding(c.Compression); err != nil {
		errs = append(errs, fmt.Errorf("compression must be none, zstd or lz4, got %q", c.Compression))
	}
	if c.AuthToken != "" && c.AuthTokenFile != "" {
		errs = append(errs, errors.New("auth_token and auth_token_file are mutually exclusive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validSeconds(value float64) bool {
	return value > 0 && !math.IsInf(value, 0) && !math.IsNaN(value)
}

func seconds(value float64) time.Duration {
	return time.Duration(value * float64(time.Second))
}

// PollDuration is PollInterval as a Duration.
func (c *Config) PollDuration() time.Duration { return seconds(c.PollInterval) }

// HTTPTimeoutDuration is HTTPTimeout as a Duration.
func (c *Config) HTTPTimeoutDuration() time.Duration { return seconds(c.HTTPTimeout) }

// ShutdownTimeoutDuration is ShutdownTimeout as a Duration.
func (c *Config) ShutdownTimeoutDuration() time.Duration { return seconds(c.ShutdownTimeout) }

// ListenAddress is Listen with its port replaced by Port when Port is
// set.
func (c *Config) ListenAddress() string {
	if c.Port == 0 {
		return c.Listen
	}
	host := ""
	if c.Listen != "" {
		if parsedHost, _, err := net.SplitHostPort(c.Listen); err == nil {
			host = parsedHost
		}
	}
	return host + ":" + strconv.Itoa(c.Port)
}

// LoadToken reads the configured bearer token into protected memory.
// Returns nil, nil when no token is configured. The caller closes the
// buffer.
func (c *Config) LoadToken() (*secret.Buffer, error) {
	switch {
	case c.AuthTokenFile != "":
		token, err := secret.ReadFromPath(c.AuthTokenFile)
		if err != nil {
			return nil, fmt.Errorf("config: auth_token_file: %w", err)
		}
		return token, nil
	case c.AuthToken != "":
		token, err := secret.FromString(c.AuthToken)
		if err != nil {
			return nil, fmt.Errorf("config: auth_token: %w", err)
		}
		return token, nil
	}
	return nil, nil
}
