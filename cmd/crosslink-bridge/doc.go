// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// crosslink-bridge runs one side of a crosslink pair as a standalone
// process.
//
// With --role authority it serves /send, /poll, and /health on the
// configured listen address. With --role host it polls an authority at
// --endpoint. Either side answers requests on the "bridge.ping"
// channel, and the host pings the authority once at startup so a
// misconfigured pair shows up in the first few log lines.
//
// Configuration comes from, in increasing precedence: built-in
// defaults, the file named by --config (or CROSSLINK_CONFIG),
// CROSSLINK_* environment variables, and command-line flags. See
// lib/config for the file format.
package main
