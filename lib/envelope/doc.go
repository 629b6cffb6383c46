// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope defines the unit of communication between the host
// engine process and the headless authority process.
//
// An [Envelope] carries a payload on a dot-delimited channel
// ("state.player.inventory") together with an [Action] that decides how
// the receiving side dispatches it: events and updates are broadcast to
// listeners, requests expect exactly one response, and responses carry
// the id of the request they answer in Ack.
//
// Envelopes are built through a [Factory], one per process side. The
// factory owns the monotonic counter used in ids, so two factories in
// the same process (two bridges in a test) never share state:
//
//	factory := envelope.NewFactory(envelope.OriginHost, clock.Real())
//	request, err := factory.Create("inventory.purchase", envelope.ActionRequest, payload)
//	...
//	response := factory.Respond(request, result)
//
// [Validate] checks an envelope received from the wire before anything
// dispatches it.
package envelope
