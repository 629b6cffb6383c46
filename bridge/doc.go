// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge moves envelopes between the host engine process and
// the headless authority process over plain HTTP, without a persistent
// socket.
//
// The two processes have asymmetric networking. The host can make
// outgoing HTTP calls but cannot accept connections; the authority can
// run a listener. Each side therefore gets its own [Bridge]:
//
//   - [PollingBridge] runs on the host. Outgoing envelopes collect in an
//     [Outbox] that a flush loop POSTs to the peer's /send route every
//     PollInterval, or as soon as BatchSize envelopes are waiting. A
//     poll loop GETs the peer's /poll route on the same interval and
//     dispatches whatever comes back. A failed flush puts the batch back
//     at the front of the outbox in its original order; a failed poll
//     just waits for the next tick.
//   - [ServingBridge] runs on the authority. Its HTTP listener accepts
//     batches on POST /send and dispatches them. Outgoing envelopes
//     wait in its outbox until the host's next GET /poll takes them all.
//     GET /health is unauthenticated; /send and /poll require the
//     configured bearer token.
//
// Both embed [Core], which owns what the two have in common: the
// listener registry, the pending-request table, dispatch, and
// request/response correlation. A response whose Ack matches a pending
// request completes that request and is never seen by listeners; any
// other envelope goes to every listener, each isolated from panics in
// the others. [Core.Await] blocks the caller on a one-slot channel until
// the response arrives or the timeout passes, and a timeout is a nil
// result, not an error.
//
// Payloads are tagged with lib/codec when an envelope is queued and
// untagged when a batch is received. Batches travel as
// {"envelopes":[...]} in JSON, or in CBOR when configured, optionally
// compressed with zstd or lz4.
package bridge
