// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/crosslink/lib/clock"
	"github.com/bureau-foundation/crosslink/lib/codec"
	"github.com/bureau-foundation/crosslink/lib/envelope"
	"github.com/bureau-foundation/crosslink/lib/netutil"
	"github.com/bureau-foundation/crosslink/lib/secret"
	"github.com/bureau-foundation/crosslink/lib/version"
)

// Defaults for PollingConfig fields left zero.
const (
	DefaultPollInterval = 1 * time.Second
	DefaultBatchSize    = 50
	DefaultHTTPTimeout  = 10 * time.Second
)

// PollingConfig configures a PollingBridge.
type PollingConfig struct {
	// Endpoint is the base URL of the serving peer (e.g.,
	// "http://127.0.0.1:8080"). Required. /send and /poll are
	// appended to it.
	Endpoint string

	// Token is sent as "Authorization: Bearer <token>" on every
	// call. The caller owns it and must keep it open for the
	// bridge's lifetime. nil sends no Authorization header.
	Token *secret.Buffer

	// PollInterval drives both loops: the outbox is flushed and the
	// peer polled once per interval. Defaults to 1 second.
	PollInterval time.Duration

	// BatchSize caps the envelopes per POST /send, and is the outbox
	// length that triggers a flush before the next tick. Defaults
	// to 50.
	BatchSize int

	// Format selects the batch body serialization for both
	// directions. Defaults to JSON.
	Format Format

	// Compression is the Content-Encoding of outgoing batches and
	// the coding requested for poll responses. Defaults to none.
	Compression netutil.Encoding

	// HTTPTimeout bounds each HTTP call. Defaults to 10 seconds.
	HTTPTimeout time.Duration

	// HTTPClient is used for all calls. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client

	// Codec untags received payloads. Defaults to codec.NewNative(),
	// since the polling side is the one holding native values.
	Codec *codec.Codec

	// Clock drives both loops. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// PollingStats is a snapshot of a PollingBridge's counters.
type PollingStats struct {
	// Sent is the number of envelopes the peer acknowledged.
	Sent uint64

	// Received is the number of envelopes obtained by polling.
	Received uint64

	// FailedFlushes and FailedPolls count unsuccessful HTTP calls.
	FailedFlushes uint64
	FailedPolls   uint64

	// Queued is the current outbox length.
	Queued int
}

// PollingBridge is the bridge for a process that cannot accept inbound
// connections. Outgoing envelopes queue in an outbox flushed to the
// peer's /send route; incoming envelopes are fetched from its /poll
// route. Both happen on a fixed interval.
type PollingBridge struct {
	*Core

	endpoint    string
	token       *secret.Buffer
	interval    time.Duration
	batchSize   int
	format      Format
	compression netutil.Encoding
	httpTimeout time.Duration
	httpClient  *http.Client
	codec       *codec.Codec
	clock       clock.Clock
	logger      *slog.Logger
	userAgent   string

	outbox *Outbox

	// flushMu serializes flushes so a flush triggered by the loop
	// and one called directly cannot interleave batches.
	flushMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	loops   sync.WaitGroup

	sent          atomic.Uint64
	received      atomic.Uint64
	failedFlushes atomic.Uint64
	failedPolls   atomic.Uint64
}

var _ Bridge = (*PollingBridge)(nil)

// NewPollingBridge validates config and returns an unstarted bridge.
func NewPollingBridge(config PollingConfig) (*PollingBridge, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("bridge: Endpoint is required")
	}
	parsed, err := url.Parse(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("bridge: invalid Endpoint %q: %w", config.Endpoint, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("bridge: Endpoint %q must be an http or https URL", config.Endpoint)
	}
	if config.PollInterval < 0 {
		return nil, fmt.Errorf("bridge: PollInterval must not be negative, got %v", config.PollInterval)
	}
	if config.BatchSize < 0 {
		return nil, fmt.Errorf("bridge: BatchSize must not be negative, got %d", config.BatchSize)
	}

	format, err := ParseFormat(string(config.Format))
	if err != nil {
		return nil, err
	}
	compression, err := netutil.ParseEncoding(string(config.Compression))
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	interval := config.PollInterval
	if interval == 0 {
		interval = DefaultPollInterval
	}
	batchSize := config.BatchSize
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	httpTimeout := config.HTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = DefaultHTTPTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	tagCodec := config.Codec
	if tagCodec == nil {
		tagCodec = codec.NewNative()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PollingBridge{
		Core:        NewCore(logger, clk),
		endpoint:    strings.TrimRight(config.Endpoint, "/"),
		token:       config.Token,
		interval:    interval,
		batchSize:   batchSize,
		format:      format,
		compression: compression,
		httpTimeout: httpTimeout,
		httpClient:  httpClient,
		codec:       tagCodec,
		clock:       clk,
		logger:      logger,
		userAgent:   version.UserAgent("bridge"),
		outbox:      NewOutbox(batchSize),
	}, nil
}

// Start launches the flush and poll loops. They run until Stop is
// called or ctx is cancelled; either one stops the bridge for good.
func (b *PollingBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}
	if err := b.markStarted(); err != nil {
		return err
	}

	loopContext, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.loops.Add(3)
	go b.flushLoop(loopContext)
	go b.pollLoop(loopContext)
	go func() {
		defer b.loops.Done()
		<-loopContext.Done()
		b.Stop()
	}()

	b.logger.Info("polling bridge started",
		"endpoint", b.endpoint,
		"poll_interval", b.interval,
		"batch_size", b.batchSize,
		"format", string(b.format),
		"compression", string(b.compression),
	)
	return nil
}

// Stop cancels both loops. In-flight HTTP calls are cancelled rather
// than awaited; use Wait to block until the loops have exited. Safe to
// call from a listener and more than once.
func (b *PollingBridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	if b.cancel != nil {
		b.cancel()
	}
	b.logger.Info("polling bridge stopped", "queued", b.outbox.Len())
}

// Wait blocks until the loops started by Start have exited.
func (b *PollingBridge) Wait() {
	b.loops.Wait()
}

func (b *PollingBridge) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Send tags the payload and queues the envelope. An envelope whose
// payload cannot be serialized is logged and dropped so it cannot
// wedge the outbox.
func (b *PollingBridge) Send(outgoing envelope.Envelope) {
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

// Request sends request and waits up to timeout for its response.
func (b *PollingBridge) Request(ctx context.Context, request envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	return b.Await(ctx, request, timeout, b.Send)
}

// Stats returns a snapshot of the bridge's counters.
func (b *PollingBridge) Stats() PollingStats {
	return PollingStats{
		Sent:          b.sent.Load(),
		Received:      b.received.Load(),
		FailedFlushes: b.failedFlushes.Load(),
		FailedPolls:   b.failedPolls.Load(),
		Queued:        b.outbox.Len(),
	}
}

// flushLoop flushes on every tick, and early when the outbox reaches
// BatchSize. After a failed flush the early trigger is ignored until
// the next tick, so a down peer is retried once per interval.
func (b *PollingBridge) flushLoop(ctx context.Context) {
	defer b.loops.Done()

	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	failing := false
	for {
		if ctx.Err() != nil {
			return
		}
		notify := b.outbox.Notify()
		if failing {
			notify = nil
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			failing = false
		case <-notify:
		}
		if ctx.Err() != nil {
			return
		}

		if err := b.Flush(ctx); err != nil {
			failing = true
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("flush failed, batch requeued",
				"error", err,
				"queued", b.outbox.Len(),
			)
		}
	}
}

// pollLoop polls the peer once per tick. Failures wait for the next
// tick.
func (b *PollingBridge) pollLoop(ctx context.Context) {
	defer b.loops.Done()

	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}

		if err := b.Poll(ctx); err != nil && ctx.Err() == nil {
			b.logger.Debug("poll failed", "error", err)
		}
	}
}

// Flush transmits the outbox, BatchSize envelopes per POST /send,
// until it is empty. On the first failure the failed batch goes back
// to the front of the outbox in its original order and the error is
// returned.
func (b *PollingBridge) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	for {
		batch := b.outbox.Drain(b.batchSize)
		if len(batch) == 0 {
			return nil
		}
		if err := b.post(ctx, batch); err != nil {
			b.outbox.Requeue(batch)
			b.failedFlushes.Add(1)
			return err
		}
		b.sent.Add(uint64(len(batch)))
		b.logger.Debug("flushed batch", "envelopes", len(batch))
	}
}

// sendResponse is the body of a successful POST /send.
type sendResponse struct {
	Received int `json:"received"`
}

func (b *PollingBridge) post(ctx context.Context, batch []envelope.Envelope) error {
	body, err := encodeBatch(batch, b.format)
	if err != nil {
		return fmt.Errorf("bridge: encoding batch: %w", err)
	}
	body, err = netutil.Compress(body, b.compression)
	if err != nil {
		return fmt.Errorf("bridge: compressing batch: %w", err)
	}

	callContext, cancel := context.WithTimeout(ctx, b.httpTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(callContext, http.MethodPost, b.endpoint+"/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("bridge: creating request: %w", err)
	}
	request.Header.Set("Content-Type", b.format.ContentType())
	if encoding := b.compression.HeaderValue(); encoding != "" {
		request.Header.Set("Content-Encoding", encoding)
	}
	b.authorize(request)

	response, err := b.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("bridge: POST /send: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return &StatusError{
			Method:     http.MethodPost,
			Path:       "/send",
			StatusCode: response.StatusCode,
			Body:       netutil.ErrorBody(response.Body),
		}
	}

	var acknowledged sendResponse
	if err := netutil.DecodeResponse(response.Body, &acknowledged); err != nil {
		return fmt.Errorf("bridge: decoding /send response: %w", err)
	}
	if acknowledged.Received != len(batch) {
		b.logger.Warn("peer acknowledged a different envelope count",
			"sent", len(batch),
			"received", acknowledged.Received,
		)
	}
	return nil
}

// Poll fetches the envelopes queued on the peer and dispatches them in
// order.
func (b *PollingBridge) Poll(ctx context.Context) error {
	envelopes, err := b.fetch(ctx)
	if err != nil {
		b.failedPolls.Add(1)
		return err
	}
	b.received.Add(uint64(len(envelopes)))
	for _, received := range envelopes {
		b.Dispatch(received)
	}
	return nil
}

func (b *PollingBridge) fetch(ctx context.Context) ([]envelope.Envelope, error) {
	callContext, cancel := context.WithTimeout(ctx, b.httpTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(callContext, http.MethodGet, b.endpoint+"/poll", nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: creating request: %w", err)
	}
	request.Header.Set("Accept", b.format.ContentType())
	if encoding := b.compression.HeaderValue(); encoding != "" {
		request.Header.Set("Accept-Encoding", encoding)
	}
	b.authorize(request)

	response, err := b.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("bridge: GET /poll: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, &StatusError{
			Method:     http.MethodGet,
			Path:       "/poll",
			StatusCode: response.StatusCode,
			Body:       netutil.ErrorBody(response.Body),
		}
	}

	data, err := netutil.ReadBody(response.Body)
	if err != nil {
		return nil, fmt.Errorf("bridge: reading /poll response: %w", err)
	}
	encoding, err := netutil.ParseEncoding(response.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("bridge: /poll response: %w", err)
	}
	data, err = netutil.Decompress(data, encoding)
	if err != nil {
		return nil, fmt.Errorf("bridge: /poll response: %w", err)
	}
	format, err := formatFromContentType(response.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("bridge: /poll response: %w", err)
	}
	envelopes, err := decodeBatch(data, format, b.codec)
	if err != nil {
		return nil, fmt.Errorf("bridge: /poll response: %w", err)
	}
	return envelopes, nil
}

func (b *PollingBridge) authorize(request *http.Request) {
	request.Header.Set("User-Agent", b.userAgent)
	if b.token != nil {
		request.Header.Set("Authorization", "Bearer "+b.token.String())
	}
}
