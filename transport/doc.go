// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport is the channel-based API application code uses to
// talk to the other process.
//
// A [Transport] owns one bridge, chosen by its [Role]: the host role
// polls (bridge.PollingBridge) and the authority role serves
// (bridge.ServingBridge). Application code never builds envelopes or
// touches HTTP:
//
//	tr, err := transport.New(transport.Config{
//	    Role:    transport.RoleHost,
//	    Polling: bridge.PollingConfig{Endpoint: "http://127.0.0.1:8080", Token: token},
//	})
//	...
//	tr.Listen("state.player.*", func(e envelope.Envelope) { ... })
//	tr.Send("player.joined", map[string]any{"id": 42})
//	answer, ok := tr.Request(ctx, "inventory.purchase", map[string]any{"item": "sword"}, 2*time.Second)
//
// Send, Update, and SendRaw are fire-and-forget: delivery failures are
// handled (and logged) by the bridge and never reported to the caller.
// Request returns ok=false when no response arrives within the
// timeout.
//
// Listen filters by channel pattern (see [MatchChannel]); OnReceive
// sees every envelope the bridge accepts. Handle answers requests on
// matching channels with a handler's result.
//
// Every Transport is independent. Tests may run several in one
// process; nothing is shared between them.
package transport
