// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the time source used by the bridges.
//
// Bridge loops (flush, poll), request timeouts, and envelope timestamps
// read time through a [Clock] instead of calling the time package
// directly. Production code uses [Real]. Tests use [Fake], whose time
// only moves when Advance is called, so a flush tick or a poll tick can
// be fired deterministically:
//
//	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	polling, _ := bridge.NewPollingBridge(bridge.PollingConfig{Clock: fakeClock, ...})
//	polling.Start(ctx)
//	fakeClock.WaitForTimers(2)          // both loops have armed their tickers
//	fakeClock.Advance(time.Second)      // one flush tick and one poll tick
//
// WaitForTimers closes the race between a goroutine registering a timer
// and the test advancing past it.
package clock
