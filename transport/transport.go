// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/crosslink/bridge"
	"github.com/bureau-foundation/crosslink/lib/clock"
	"github.com/bureau-foundation/crosslink/lib/envelope"
)

// Role is the part this process plays in the pair.
type Role string

const (
	// RoleHost is the engine process. It cannot accept connections
	// and runs a polling bridge.
	RoleHost Role = "host"

	// RoleAuthority is the headless process. It runs a serving
	// bridge.
	RoleAuthority Role = "authority"
)

// ParseRole maps a configuration value to a Role.
func ParseRole(name string) (Role, error) {
	switch Role(name) {
	case RoleHost, RoleAuthority:
		return Role(name), nil
	}
	return "", fmt.Errorf("transport: unknown role %q (want %q or %q)", name, RoleHost, RoleAuthority)
}

// Origin is the envelope origin stamped by this role.
func (r Role) Origin() envelope.Origin {
	if r == RoleAuthority {
		return envelope.OriginAuthority
	}
	return envelope.OriginHost
}

// Config configures a Transport.
type Config struct {
	// Role selects the bridge. Required.
	Role Role

	// Polling configures the bridge for RoleHost.
	Polling bridge.PollingConfig

	// Serving configures the bridge for RoleAuthority.
	Serving bridge.ServingConfig

	// Bridge, if non-nil, is used instead of one built from Role.
	// Role still determines the origin of created envelopes.
	Bridge bridge.Bridge

	// Clock stamps envelopes and is passed to the bridge when its own
	// config leaves Clock nil. Defaults to clock.Real().
	Clock clock.Clock

	// Logger is passed to the bridge when its own config leaves
	// Logger nil. Defaults to slog.Default().
	Logger *slog.Logger
}

// Listener receives envelopes routed to it.
type Listener func(envelope.Envelope)

// HandlerFunc answers a request envelope. The returned value becomes
// the response payload. A non-nil error is sent instead as
// {"error": err.Error()}, since the peer only ever sees payloads.
type HandlerFunc func(request envelope.Envelope) (any, error)

type route struct {
	pattern  string
	callback Listener
}

// Transport is the channel-level API over one bridge.
type Transport struct {
	role    Role
	bridge  bridge.Bridge
	factory *envelope.Factory
	logger  *slog.Logger

	mu     sync.Mutex
	routes []*route

	// unroute removes the bridge listener installed by Start.
	unroute func()
}

// New validates config and builds the bridge for the role. Nothing
// runs until Start.
func New(config Config) (*Transport, error) {
	if _, err := ParseRole(string(config.Role)); err != nil {
		return nil, err
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	selected := config.Bridge
	if selected == nil {
		var err error
		selected, err = newBridge(config, clk, logger)
		if err != nil {
			return nil, err
		}
	}

	return &Transport{
		role:    config.Role,
		bridge:  selected,
		factory: envelope.NewFactory(config.Role.Origin(), clk),
		logger:  logger.With("role", string(config.Role)),
	}, nil
}

func newBridge(config Config, clk clock.Clock, logger *slog.Logger) (bridge.Bridge, error) {
	switch config.Role {
	case RoleHost:
		polling := config.Polling
		if polling.Clock == nil {
			polling.Clock = clk
		}
		if polling.Logger == nil {
			polling.Logger = logger
		}
		created, err := bridge.NewPollingBridge(polling)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		return created, nil
	case RoleAuthority:
		serving := config.Serving
		if serving.Clock == nil {
			serving.Clock = clk
		}
		if serving.Logger == nil {
			serving.Logger = logger
		}
		created, err := bridge.NewServingBridge(serving)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		return created, nil
	}
	return nil, fmt.Errorf("transport: unknown role %q", config.Role)
}

// Role returns the role this transport plays.
func (t *Transport) Role() Role { return t.role }

// Bridge returns the underlying bridge, for stats and lifecycle
// details specific to one implementation.
func (t *Transport) Bridge() bridge.Bridge { return t.bridge }

// Start wires channel routing to the bridge and starts it.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.unroute != nil {
		t.mu.Unlock()
		return bridge.ErrAlreadyStarted
	}
	t.unroute = t.bridge.OnReceive(t.dispatch)
	t.mu.Unlock()

	if err := t.bridge.Start(ctx); err != nil {
		t.mu.Lock()
		t.unroute()
		t.unroute = nil
		t.mu.Unlock()
		return fmt.Errorf("transport: starting %s bridge: %w", t.role, err)
	}
	return nil
}

// Stop stops the bridge. Listeners stay registered but receive nothing
// further.
func (t *Transport) Stop() {
	t.bridge.Stop()
}

// Wait blocks until the bridge's background activity has ended, for
// bridges that expose it.
func (t *Transport) Wait() {
	if waiter, ok := t.bridge.(interface{ Wait() }); ok {
		waiter.Wait()
	}
}

// Send emits an event on channel.
func (t *Transport) Send(channel string, payload any) {
	t.emit(channel, envelope.ActionEvent, payload)
}

// Update emits a state patch on channel.
func (t *Transport) Update(channel string, payload any) {
	t.emit(channel, envelope.ActionUpdate, payload)
}

func (t *Transport) emit(channel string, action envelope.Action, payload any) {
	created, err := t.factory.Create(channel, action, payload)
	if err != nil {
		t.logger.Warn("dropping envelope", "channel", channel, "action", string(action), "error", err)
		return
	}
	t.bridge.Send(created)
}

// Request sends payload as a request on channel and returns the
// response payload. ok is false when nothing answered within timeout
// (a non-positive timeout means bridge.DefaultRequestTimeout) or ctx
// ended first.
func (t *Transport) Request(ctx context.Context, channel string, payload any, timeout time.Duration) (response any, ok bool) {
	request, err := t.factory.Create(channel, envelope.ActionRequest, payload)
	if err != nil {
		t.logger.Warn("dropping request", "channel", channel, "error", err)
		return nil, false
	}
	answer, err := t.bridge.Request(ctx, request, timeout)
	if err != nil {
		t.logger.Debug("request abandoned", "request_id", request.ID, "channel", channel, "error", err)
		return nil, false
	}
	if answer == nil {
		return nil, false
	}
	return answer.Payload, true
}

// SendRaw transmits a pre-built envelope. Invalid envelopes are logged
// and dropped.
func (t *Transport) SendRaw(raw envelope.Envelope) {
	if err := envelope.Validate(raw); err != nil {
		t.logger.Warn("dropping invalid envelope", "error", err)
		return
	}
	t.bridge.Send(raw)
}

// Reply answers request with payload on the request's channel.
func (t *Transport) Reply(request envelope.Envelope, payload any) {
	if request.Action != envelope.ActionRequest {
		t.logger.Warn("not replying to non-request envelope",
			"envelope_id", request.ID,
			"action", string(request.Action),
		)
		return
	}
	t.bridge.Send(t.factory.Respond(request, payload))
}

// Listen registers callback for envelopes whose channel matches
// pattern, and returns the function that removes that registration.
// Callbacks run in registration order on the bridge's dispatch
// goroutine.
func (t *Transport) Listen(pattern string, callback Listener) (unsubscribe func()) {
	entry := &route{pattern: pattern, callback: callback}

	t.mu.Lock()
	t.routes = append(t.routes, entry)
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for index, candidate := range t.routes {
				if candidate == entry {
					t.routes = append(t.routes[:index:index], t.routes[index+1:]...)
					return
				}
			}
		})
	}
}

// OnReceive registers callback for every envelope the bridge accepts,
// regardless of channel.
func (t *Transport) OnReceive(callback Listener) (unsubscribe func()) {
	return t.bridge.OnReceive(bridge.Listener(callback))
}

// Handle answers every request whose channel matches pattern with the
// result of handler. Non-request envelopes on those channels are
// ignored.
func (t *Transport) Handle(pattern string, handler HandlerFunc) (unsubscribe func()) {
	return t.Listen(pattern, func(received envelope.Envelope) {
		if received.Action != envelope.ActionRequest {
			return
		}
		result, err := handler(received)
		if err != nil {
			t.logger.Debug("request handler failed",
				"request_id", received.ID,
				"channel", received.Channel,
				"error", err,
			)
			result = map[string]any{"error": err.Error()}
		}
		t.Reply(received, result)
	})
}

// dispatch routes one envelope from the bridge to the matching
// listeners.
func (t *Transport) dispatch(received envelope.Envelope) {
	t.mu.Lock()
	var matched []Listener
	for _, entry := range t.routes {
		if MatchChannel(entry.pattern, received.Channel) {
			matched = append(matched, entry.callback)
		}
	}
	t.mu.Unlock()

	for _, callback := range matched {
		t.invoke(callback, received)
	}
}

func (t *Transport) invoke(callback Listener, received envelope.Envelope) {
	defer func() {
		if recovered := recover(); recovered != nil {
			t.logger.Error("channel listener panicked",
				"envelope_id", received.ID,
				"channel", received.Channel,
				"panic", fmt.Sprint(recovered),
			)
		}
	}()
	callback(received)
}
