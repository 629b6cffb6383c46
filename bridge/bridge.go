// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/crosslink/lib/clock"
	"github.com/bureau-foundation/crosslink/lib/envelope"
)

// DefaultRequestTimeout applies when Request is given a non-positive
// timeout.
const DefaultRequestTimeout = 5 * time.Second

var (
	// ErrNotRequest is returned by Request for an envelope whose
	// action is not ActionRequest.
	ErrNotRequest = errors.New("bridge: envelope action is not request")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("bridge: already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("bridge: stopped")
)

// Listener receives every envelope a bridge accepts, except responses
// claimed by a pending request.
type Listener func(envelope.Envelope)

// Bridge is one side's physical transport.
type Bridge interface {
	// Start launches the bridge's background activity.
	Start(ctx context.Context) error

	// Stop ends background activity. Safe to call more than once and
	// concurrently with in-flight work.
	Stop()

	// Send queues an envelope. Delivery is best effort; failures are
	// never reported to the caller.
	Send(envelope.Envelope)

	// OnReceive registers a listener and returns the function that
	// removes exactly that registration.
	OnReceive(Listener) (unsubscribe func())

	// Request sends a request envelope and waits for its response.
	// Returns nil, nil when no response arrives within timeout.
	Request(ctx context.Context, request envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error)
}

// pendingRequest correlates an outstanding request with its response.
type pendingRequest struct {
	id        string
	createdAt time.Time
	result    chan envelope.Envelope

	// claimed is set under Core.mu by the Dispatch that resolves it.
	claimed bool
}

type listenerEntry struct {
	callback Listener
}

// Core is the state and logic both bridges share. Its zero value is not
// usable; call NewCore.
type Core struct {
	logger *slog.Logger
	clock  clock.Clock

	mu        sync.Mutex
	listeners []*listenerEntry
	pending   map[string]*pendingRequest
	started   bool
}

// NewCore returns a Core. nil arguments use slog.Default() and
// clock.Real().
func NewCore(logger *slog.Logger, clk clock.Clock) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Core{
		logger:  logger,
		clock:   clk,
		pending: make(map[string]*pendingRequest),
	}
}

// OnReceive registers listener. The same function may be registered
// more than once; each registration is removed independently.
func (c *Core) OnReceive(listener Listener) func() {
	entry := &listenerEntry{callback: listener}

	c.mu.Lock()
	c.listeners = append(c.listeners, entry)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for index, candidate := range c.listeners {
				if candidate == entry {
					c.listeners = append(c.listeners[:index:index], c.listeners[index+1:]...)
					return
				}
			}
		})
	}
}

// Dispatch delivers a received envelope. A response matching a pending
// request resolves it and goes nowhere else. Everything else is passed
// to each listener in registration order.
func (c *Core) Dispatch(received envelope.Envelope) {
	if received.Action == envelope.ActionResponse && received.Ack != "" {
		c.mu.Lock()
		pending, ok := c.pending[received.Ack]
		if ok {
			pending.claimed = true
			delete(c.pending, received.Ack)
		}
		c.mu.Unlock()

		if ok {
			c.logger.Debug("response resolved pending request",
				"request_id", pending.id,
				"latency", c.clock.Now().Sub(pending.createdAt),
			)
			pending.result <- received
			return
		}
	}

	c.mu.Lock()
	listeners := make([]*listenerEntry, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, entry := range listeners {
		c.invoke(entry.callback, received)
	}
}

// invoke runs one listener, containing any panic so the remaining
// listeners still run.
func (c *Core) invoke(listener Listener, received envelope.Envelope) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("listener panicked",
				"envelope_id", received.ID,
				"channel", received.Channel,
				"panic", fmt.Sprint(recovered),
			)
		}
	}()
	listener(received)
}

// Await registers request as pending, hands it to send, and blocks
// until the matching response is dispatched, timeout passes, or ctx is
// done. On timeout it returns nil, nil; on cancellation nil and the
// context's error. The pending registration never outlives the call.
func (c *Core) Await(ctx context.Context, request envelope.Envelope, timeout time.Duration, send func(envelope.Envelope)) (*envelope.Envelope, error) {
	if request.Action != envelope.ActionRequest {
		return nil, fmt.Errorf("%w: %q", ErrNotRequest, request.Action)
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	pending := &pendingRequest{
		id:        request.ID,
		createdAt: c.clock.Now(),
		result:    make(chan envelope.Envelope, 1),
	}
	c.mu.Lock()
	c.pending[request.ID] = pending
	c.mu.Unlock()

	send(request)

	select {
	case response := <-pending.result:
		return &response, nil
	case <-c.clock.After(timeout):
		if response, ok := c.abandon(pending); ok {
			return response, nil
		}
		c.logger.Debug("request timed out",
			"request_id", request.ID,
			"channel", request.Channel,
			"timeout", timeout,
		)
		return nil, nil
	case <-ctx.Done():
		if response, ok := c.abandon(pending); ok {
			return response, nil
		}
		return nil, ctx.Err()
	}
}

// abandon removes a pending request. If Dispatch claimed it first, the
// response is already on its way to the result slot and is returned.
func (c *Core) abandon(pending *pendingRequest) (*envelope.Envelope, bool) {
	c.mu.Lock()
	claimed := pending.claimed
	if !claimed && c.pending[pending.id] == pending {
		delete(c.pending, pending.id)
	}
	c.mu.Unlock()

	if !claimed {
		return nil, false
	}
	response := <-pending.result
	return &response, true
}

// PendingRequests returns the number of requests awaiting a response.
func (c *Core) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// markStarted flips the started flag, failing if it was already set.
func (c *Core) markStarted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	return nil
}

// Started reports whether Start has been called.
func (c *Core) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}
