// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"

	"github.com/bureau-foundation/crosslink/lib/clock"
)

// Origin identifies which process produced an envelope.
type Origin string

const (
	// OriginHost is the engine process. It cannot accept inbound
	// connections and reaches its peer by polling.
	OriginHost Origin = "host"

	// OriginAuthority is the headless process running the HTTP
	// listener.
	OriginAuthority Origin = "authority"
)

// Valid reports whether o is one of the known origins.
func (o Origin) Valid() bool {
	return o == OriginHost || o == OriginAuthority
}

// Action governs how a received envelope is dispatched.
type Action string

const (
	ActionEvent    Action = "event"
	ActionUpdate   Action = "update"
	ActionRequest  Action = "request"
	ActionResponse Action = "response"
)

// Valid reports whether a is one of the four known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionEvent, ActionUpdate, ActionRequest, ActionResponse:
		return true
	}
	return false
}

var (
	// ErrInvalidAction is returned for an action outside the four
	// known values.
	ErrInvalidAction = errors.New("envelope: invalid action")

	// ErrInvalidChannel is returned for an empty channel.
	ErrInvalidChannel = errors.New("envelope: channel must be a non-empty string")

	// ErrAckMismatch is returned when Ack is present on a
	// non-response or absent on a response.
	ErrAckMismatch = errors.New("envelope: ack must be set exactly when action is response")
)

// Envelope is the atomic message unit.
type Envelope struct {
	// ID is unique within the producing process. Requests are
	// correlated with responses through it.
	ID string `json:"id"`

	// Timestamp is the sender's clock reading in seconds. Diagnostic
	// only: the two processes' clocks are not synchronized.
	Timestamp float64 `json:"ts"`

	Origin  Origin `json:"src"`
	Channel string `json:"channel"`
	Action  Action `json:"action"`

	// Payload is arbitrary structured data. On the wire it is in
	// tagged form (see lib/codec); bridges tag on send and untag on
	// receipt.
	Payload any `json:"payload"`

	// Ack is the id of the request this envelope answers. Set only
	// when Action is ActionResponse.
	Ack string `json:"ack,omitempty"`
}

// wireEnvelope is the JSON shape: ack is an explicit null when absent.
type wireEnvelope struct {
	ID        string  `json:"id"`
	Timestamp float64 `json:"ts"`
	Origin    Origin  `json:"src"`
	Channel   string  `json:"channel"`
	Action    Action  `json:"action"`
	Payload   any     `json:"payload"`
	Ack       *string `json:"ack"`
}

// MarshalJSON writes the wire form, with "ack":null for envelopes that
// are not responses.
func (e Envelope) MarshalJSON() ([]byte, error) {
	wire := wireEnvelope{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Origin:    e.Origin,
		Channel:   e.Channel,
		Action:    e.Action,
		Payload:   e.Payload,
	}
	if e.Ack != "" {
		ack := e.Ack
		wire.Ack = &ack
	}
	return json.Marshal(wire)
}

// UnmarshalJSON reads the wire form. Field types are enforced by the
// decoder; field values are checked separately by Validate.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = Envelope{
		ID:        wire.ID,
		Timestamp: wire.Timestamp,
		Origin:    wire.Origin,
		Channel:   wire.Channel,
		Action:    wire.Action,
		Payload:   wire.Payload,
	}
	if wire.Ack != nil {
		e.Ack = *wire.Ack
	}
	return nil
}

// IsResponse reports whether the envelope answers a request.
func (e Envelope) IsResponse() bool { return e.Action == ActionResponse }

// Factory builds envelopes for one side of the bridge. Safe for
// concurrent use.
type Factory struct {
	origin  Origin
	clock   clock.Clock
	counter atomic.Uint64
}

// NewFactory returns a Factory stamping envelopes with origin. A nil
// clock uses clock.Real().
func NewFactory(origin Origin, clk clock.Clock) *Factory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Factory{origin: origin, clock: clk}
}

// Origin returns the origin stamped on every envelope.
func (f *Factory) Origin() Origin { return f.origin }

// Create builds an envelope. ack must be given for (and only for)
// ActionResponse.
func (f *Factory) Create(channel string, action Action, payload any, ack ...string) (Envelope, error) {
	if !action.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if channel == "" {
		return Envelope{}, ErrInvalidChannel
	}
	var ackID string
	if len(ack) > 0 {
		ackID = ack[0]
	}
	if (action == ActionResponse) != (ackID != "") {
		return Envelope{}, ErrAckMismatch
	}
	return f.build(channel, action, payload, ackID), nil
}

// Respond builds the response to request. The channel is copied from
// the request and Ack is set to the request's id.
func (f *Factory) Respond(request Envelope, payload any) Envelope {
	return f.build(request.Channel, ActionResponse, payload, request.ID)
}

func (f *Factory) build(channel string, action Action, payload any, ack string) Envelope {
	now := f.clock.Now()
	sequence := f.counter.Add(1)
	return Envelope{
		ID:        string(f.origin) + "-" + strconv.FormatUint(sequence, 10) + "-" + strconv.FormatInt(now.UnixMilli(), 10),
		Timestamp: float64(now.UnixNano()) / 1e9,
		Origin:    f.origin,
		Channel:   channel,
		Action:    action,
		Payload:   payload,
		Ack:       ack,
	}
}

// Validate checks every required field of an envelope received from
// the peer. The returned error names the first offending field.
func Validate(e Envelope) error {
	switch {
	case e.ID == "":
		return errors.New("envelope: missing id")
	case math.IsNaN(e.Timestamp) || math.IsInf(e.Timestamp, 0) || e.Timestamp < 0:
		return fmt.Errorf("envelope %s: invalid timestamp %v", e.ID, e.Timestamp)
	case !e.Origin.Valid():
		return fmt.Errorf("envelope %s: unknown origin %q", e.ID, e.Origin)
	case e.Channel == "":
		return fmt.Errorf("envelope %s: %w", e.ID, ErrInvalidChannel)
	case !e.Action.Valid():
		return fmt.Errorf("envelope %s: %w: %q", e.ID, ErrInvalidAction, e.Action)
	case (e.Action == ActionResponse) != (e.Ack != ""):
		return fmt.Errorf("envelope %s: %w", e.ID, ErrAckMismatch)
	}
	return nil
}

// Check is Validate in (ok, reason) form.
func Check(e Envelope) (bool, string) {
	if err := Validate(e); err != nil {
		return false, err.Error()
	}
	return true, ""
}
