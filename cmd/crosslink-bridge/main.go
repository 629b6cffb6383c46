// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/crosslink/bridge"
	"github.com/bureau-foundation/crosslink/lib/config"
	"github.com/bureau-foundation/crosslink/lib/envelope"
	"github.com/bureau-foundation/crosslink/lib/netutil"
	"github.com/bureau-foundation/crosslink/lib/secret"
	"github.com/bureau-foundation/crosslink/lib/version"
	"github.com/bureau-foundation/crosslink/transport"
)

// pingChannel is answered by both roles.
const pingChannel = "bridge.ping"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options holds parsed command-line flags. Overrides are applied only
// for flags the user actually set.
type options struct {
	flagSet *pflag.FlagSet

	configPath   string
	role         string
	listen       string
	endpoint     string
	pollInterval time.Duration
	batchSize    int
	verbose      bool
	showVersion  bool
	help         bool
}

func parseFlags(args []string) (*options, error) {
	parsed := &options{}
	flagSet := pflag.NewFlagSet("crosslink-bridge", pflag.ContinueOnError)
	flagSet.StringVarP(&parsed.configPath, "config", "c", "", "path to a YAML or JSONC config file (default: $CROSSLINK_CONFIG)")
	flagSet.StringVar(&parsed.role, "role", "", "host (polling) or authority (serving)")
	flagSet.StringVar(&parsed.listen, "listen", "", "authority listen address, e.g. :8080")
	flagSet.StringVar(&parsed.endpoint, "endpoint", "", "authority base URL for the host role")
	flagSet.DurationVar(&parsed.pollInterval, "poll-interval", 0, "host flush and poll period")
	flagSet.IntVar(&parsed.batchSize, "batch-size", 0, "host envelopes per POST")
	flagSet.BoolVarP(&parsed.verbose, "verbose", "v", false, "enable debug logging")
	flagSet.BoolVar(&parsed.showVersion, "version", false, "print version information and exit")
	flagSet.BoolVarP(&parsed.help, "help", "h", false, "show help")
	parsed.flagSet = flagSet

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			parsed.help = true
			return parsed, nil
		}
		return nil, err
	}
	if remaining := flagSet.Args(); len(remaining) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", remaining[0])
	}
	return parsed, nil
}

// loadConfig resolves the configuration source and applies flag
// overrides on top of it.
func loadConfig(parsed *options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case parsed.configPath != "":
		cfg, err = config.LoadFile(parsed.configPath)
	case os.Getenv("CROSSLINK_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg, err = config.LoadEnv()
	}
	if err != nil {
		return nil, err
	}

	changed := parsed.flagSet.Changed
	if changed("role") {
		cfg.Role = parsed.role
	}
	if changed("listen") {
		cfg.Listen = parsed.listen
		cfg.Port = 0
	}
	if changed("endpoint") {
		cfg.Endpoint = parsed.endpoint
	}
	if changed("poll-interval") {
		cfg.PollInterval = parsed.pollInterval.Seconds()
	}
	if changed("batch-size") {
		cfg.BatchSize = parsed.batchSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// transportConfig maps the file-level configuration onto the
// transport and bridge configuration for the selected role.
func transportConfig(cfg *config.Config, token *secret.Buffer, logger *slog.Logger) (transport.Config, error) {
	role, err := transport.ParseRole(cfg.Role)
	if err != nil {
		return transport.Config{}, err
	}
	format, err := bridge.ParseFormat(cfg.Format)
	if err != nil {
		return transport.Config{}, err
	}
	compression, err := netutil.ParseEncoding(cfg.Compression)
	if err != nil {
		return transport.Config{}, err
	}

	return transport.Config{
		Role: role,
		Polling: bridge.PollingConfig{
			Endpoint:     cfg.Endpoint,
			Token:        token,
			PollInterval: cfg.PollDuration(),
			BatchSize:    cfg.BatchSize,
			Format:       format,
			Compression:  compression,
			HTTPTimeout:  cfg.HTTPTimeoutDuration(),
		},
		Serving: bridge.ServingConfig{
			Address:         cfg.ListenAddress(),
			Token:           token,
			ShutdownTimeout: cfg.ShutdownTimeoutDuration(),
		},
		Logger: logger,
	}, nil
}

// registerHandlers installs the ping responder and a debug trace of
// every received envelope.
func registerHandlers(link *transport.Transport, logger *slog.Logger) {
	origin := string(link.Role().Origin())
	link.Handle(pingChannel, func(request envelope.Envelope) (any, error) {
		return map[string]any{"pong": true, "origin": origin}, nil
	})
	link.OnReceive(func(received envelope.Envelope) {
		logger.Debug("envelope received",
			"envelope_id", received.ID,
			"channel", received.Channel,
			"action", string(received.Action),
			"src", string(received.Origin),
		)
	})
}

func run(args []string) error {
	parsed, err := parseFlags(args)
	if err != nil {
		return err
	}
	if parsed.help {
		printHelp(parsed.flagSet)
		return nil
	}
	if parsed.showVersion {
		fmt.Printf("crosslink-bridge %s\n", version.Info())
		return nil
	}

	logger := newLogger(parsed.verbose)

	cfg, err := loadConfig(parsed)
	if err != nil {
		return err
	}
	token, err := cfg.LoadToken()
	if err != nil {
		return err
	}
	if token != nil {
		defer token.Close()
	}

	linkConfig, err := transportConfig(cfg, token, logger)
	if err != nil {
		return err
	}
	link, err := transport.New(linkConfig)
	if err != nil {
		return err
	}
	registerHandlers(link, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := link.Start(ctx); err != nil {
		return err
	}

	attributes := []any{
		"role", cfg.Role,
		"format", cfg.Format,
		"compression", cfg.Compression,
		"authenticated", token != nil,
		"version", version.Info(),
	}
	if link.Role() == transport.RoleAuthority {
		if serving, ok := link.Bridge().(*bridge.ServingBridge); ok {
			attributes = append(attributes, "address", serving.Addr().String())
		}
	} else {
		attributes = append(attributes,
			"endpoint", cfg.Endpoint,
			"poll_interval", cfg.PollDuration(),
			"batch_size", cfg.BatchSize,
		)
		go ping(ctx, link, logger)
	}
	logger.Info("crosslink bridge running", attributes...)

	<-ctx.Done()
	logger.Info("shutting down")

	link.Stop()
	link.Wait()
	logStats(link, logger)
	return nil
}

// ping sends one request on pingChannel and logs the outcome.
func ping(ctx context.Context, link *transport.Transport, logger *slog.Logger) {
	started := time.Now()
	response, ok := link.Request(ctx, pingChannel, map[string]any{"version": version.Info()}, bridge.DefaultRequestTimeout)
	if !ok {
		if ctx.Err() == nil {
			logger.Warn("authority did not answer ping", "timeout", bridge.DefaultRequestTimeout)
		}
		return
	}
	logger.Info("authority answered ping", "response", response, "round_trip", time.Since(started))
}

func logStats(link *transport.Transport, logger *slog.Logger) {
	switch selected := link.Bridge().(type) {
	case *bridge.PollingBridge:
		stats := selected.Stats()
		logger.Info("polling bridge stopped",
			"sent", stats.Sent,
			"received", stats.Received,
			"failed_flushes", stats.FailedFlushes,
			"failed_polls", stats.FailedPolls,
			"unsent", stats.Queued,
		)
	case *bridge.ServingBridge:
		stats := selected.Stats()
		logger.Info("serving bridge stopped",
			"received", stats.Received,
			"delivered", stats.Delivered,
			"rejected", stats.Rejected,
		)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `crosslink-bridge runs one side of a crosslink pair.

The authority serves /send, /poll, and /health. The host cannot accept
connections, so it polls the authority on a fixed interval.

Usage:
  crosslink-bridge [flags]

Examples:
  # Serve on port 9000
  crosslink-bridge --role authority --listen :9000

  # Poll a local authority every 250ms
  crosslink-bridge --role host --endpoint http://127.0.0.1:9000 --poll-interval 250ms

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
