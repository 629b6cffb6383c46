// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/crosslink/lib/clock"
	"github.com/bureau-foundation/crosslink/lib/codec"
	"github.com/bureau-foundation/crosslink/lib/envelope"
	"github.com/bureau-foundation/crosslink/lib/netutil"
	"github.com/bureau-foundation/crosslink/lib/secret"
	"github.com/bureau-foundation/crosslink/lib/service"
)

// ServingConfig configures a ServingBridge.
type ServingConfig struct {
	// Address is the TCP listen address (e.g., ":8080",
	// "127.0.0.1:0"). Required.
	Address string

	// Token is the bearer token /send and /poll require. The caller
	// owns it and must keep it open for the bridge's lifetime. nil
	// disables authentication.
	Token *secret.Buffer

	// Codec untags received payloads. Defaults to codec.New(), which
	// passes tagged values through unchanged.
	Codec *codec.Codec

	// ShutdownTimeout bounds how long the listener waits for active
	// requests after Stop. Defaults to 2 seconds.
	ShutdownTimeout time.Duration

	// Clock measures request latency. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ServingStats is a snapshot of a ServingBridge's counters.
type ServingStats struct {
	// Received is the number of envelopes accepted on /send.
	Received uint64

	// Delivered is the number of envelopes handed out on /poll.
	Delivered uint64

	// Rejected is the number of /send bodies refused with a 4xx.
	Rejected uint64

	// Queued is the current outbox length.
	Queued int
}

// ServingBridge is the bridge for the process that can accept inbound
// connections. The peer delivers envelopes with POST /send and collects
// this side's outbox with GET /poll; nothing is transmitted on a local
// timer.
type ServingBridge struct {
	*Core

	token  *secret.Buffer
	codec  *codec.Codec
	logger *slog.Logger

	outbox  *Outbox
	server  *service.HTTPServer
	handler http.Handler

	send http.Handler
	poll http.Handler

	mu        sync.Mutex
	cancel    context.CancelFunc
	stopped   bool
	serveDone chan struct{}

	// dispatches tracks the goroutines delivering accepted batches.
	dispatches sync.WaitGroup

	received  atomic.Uint64
	delivered atomic.Uint64
	rejected  atomic.Uint64
}

var _ Bridge = (*ServingBridge)(nil)

// NewServingBridge validates config and returns an unstarted bridge.
func NewServingBridge(config ServingConfig) (*ServingBridge, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("bridge: Address is required")
	}
	tagCodec := config.Codec
	if tagCodec == nil {
		tagCodec = codec.New()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 2 * time.Second
	}

	b := &ServingBridge{
		Core:      NewCore(logger, config.Clock),
		token:     config.Token,
		codec:     tagCodec,
		logger:    logger,
		outbox:    NewOutbox(0),
		serveDone: make(chan struct{}),
	}
	b.send = service.RequireBearer(config.Token, http.HandlerFunc(b.handleSend))
	b.poll = service.RequireBearer(config.Token, http.HandlerFunc(b.handlePoll))
	b.handler = http.HandlerFunc(b.route)
	b.server = service.NewHTTPServer(service.HTTPServerConfig{
		Address:         config.Address,
		Handler:         b.handler,
		ShutdownTimeout: shutdownTimeout,
		Logger:          logger,
	})
	return b, nil
}

// Handler returns the bridge's HTTP routes, for mounting on a server
// the caller runs or on httptest.
func (b *ServingBridge) Handler() http.Handler {
	return b.handler
}

// Addr returns the bound address after Start, nil before.
func (b *ServingBridge) Addr() net.Addr {
	return b.server.Addr()
}

// Start binds the listener and serves until Stop is called or ctx is
// cancelled. Bind errors are returned.
func (b *ServingBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}
	if err := b.markStarted(); err != nil {
		return err
	}

	if err := b.server.Listen(); err != nil {
		close(b.serveDone)
		return fmt.Errorf("bridge: %w", err)
	}

	serveContext, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go func() {
		defer close(b.serveDone)
		if err := b.server.Serve(serveContext); err != nil {
			b.logger.Error("serving bridge listener failed", "error", err)
		}
		// Without a listener no peer can poll, so a cancelled ctx
		// ends the bridge exactly as Stop does.
		b.Stop()
	}()

	b.logger.Info("serving bridge started",
		"address", b.server.Addr().String(),
		"authenticated", b.token != nil,
	)
	return nil
}

// Stop closes the listener. Whatever is still in the outbox is
// discarded, since no peer can poll for it. In-flight requests are not
// awaited; use Wait for that. Cancelling the ctx given to Start has the
// same effect.
func (b *ServingBridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	if b.cancel != nil {
		b.cancel()
	}
	discarded := b.outbox.Swap()
	b.logger.Info("serving bridge stopped", "discarded", len(discarded))
}

// Wait blocks until the listener has shut down and every accepted
// batch has been dispatched.
func (b *ServingBridge) Wait() {
	if b.Started() {
		<-b.serveDone
	}
	b.dispatches.Wait()
}

func (b *ServingBridge) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Send tags the payload and queues the envelope for the peer's next
// poll.
func (b *ServingBridge) Send(outgoing envelope.Envelope) {
	if b.isStopped() {
		b.logger.Debug("dropping envelope sent after stop", "envelope_id", outgoing.ID, "channel", outgoing.Channel)
		return
	}
	prepared, err := prepare(outgoing)
	if err != nil {
		b.logger.Error("dropping unserializable envelope", "error", err)
		return
	}
	b.outbox.Append(prepared)
}

// Request sends request and waits up to timeout for its response. The
// request reaches the peer on its next poll.
func (b *ServingBridge) Request(ctx context.Context, request envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	return b.Await(ctx, request, timeout, b.Send)
}

// Stats returns a snapshot of the bridge's counters.
func (b *ServingBridge) Stats() ServingStats {
	return ServingStats{
		Received:  b.received.Load(),
		Delivered: b.delivered.Load(),
		Rejected:  b.rejected.Load(),
		Queued:    b.outbox.Len(),
	}
}

// route dispatches on method and path. Unknown routes get 404 before
// any authentication check.
func (b *ServingBridge) route(w http.ResponseWriter, request *http.Request) {
	switch {
	case request.Method == http.MethodGet && request.URL.Path == "/health":
		service.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case request.Method == http.MethodPost && request.URL.Path == "/send":
		b.send.ServeHTTP(w, request)
	case request.Method == http.MethodGet && request.URL.Path == "/poll":
		b.poll.ServeHTTP(w, request)
	default:
		service.RespondError(w, http.StatusNotFound, "not found")
	}
}

// handleSend accepts a batch. The whole batch is validated before
// anything is dispatched; dispatch happens after the response, in
// order, on its own goroutine.
func (b *ServingBridge) handleSend(w http.ResponseWriter, request *http.Request) {
	encoding, err := netutil.ParseEncoding(request.Header.Get("Content-Encoding"))
	if err != nil {
		b.reject(w, http.StatusUnsupportedMediaType, err)
		return
	}
	format, err := formatFromContentType(request.Header.Get("Content-Type"))
	if err != nil {
		b.reject(w, http.StatusUnsupportedMediaType, err)
		return
	}

	data, err := netutil.ReadBody(request.Body)
	if err == nil {
		data, err = netutil.Decompress(data, encoding)
	}
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, netutil.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		b.reject(w, status, err)
		return
	}

	envelopes, err := decodeBatch(data, format, b.codec)
	if err != nil {
		b.reject(w, http.StatusBadRequest, err)
		return
	}

	b.received.Add(uint64(len(envelopes)))
	service.RespondJSON(w, http.StatusOK, sendResponse{Received: len(envelopes)})

	if len(envelopes) == 0 {
		return
	}
	b.dispatches.Add(1)
	go func() {
		defer b.dispatches.Done()
		for _, received := range envelopes {
			b.Dispatch(received)
		}
	}()
}

func (b *ServingBridge) reject(w http.ResponseWriter, status int, err error) {
	b.rejected.Add(1)
	b.logger.Debug("rejected /send body", "status", status, "error", err)
	service.RespondError(w, status, err.Error())
}

// handlePoll hands the whole outbox to the peer, encoded per its Accept
// and Accept-Encoding headers.
func (b *ServingBridge) handlePoll(w http.ResponseWriter, request *http.Request) {
	format := formatFromAccept(request.Header.Get("Accept"))
	encoding := netutil.Negotiate(request.Header.Get("Accept-Encoding"))

	batch := b.outbox.Swap()
	body, err := encodeBatch(batch, format)
	if err == nil {
		body, err = netutil.Compress(body, encoding)
	}
	if err != nil {
		b.outbox.Requeue(batch)
		b.logger.Error("encoding poll response", "error", err, "envelopes", len(batch))
		service.RespondError(w, http.StatusInternalServerError, "encoding batch failed")
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Vary", "Accept, Accept-Encoding")
	if value := encoding.HeaderValue(); value != "" {
		w.Header().Set("Content-Encoding", value)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		b.logger.Warn("writing poll response", "error", err, "envelopes", len(batch))
		return
	}
	b.delivered.Add(uint64(len(batch)))
}
