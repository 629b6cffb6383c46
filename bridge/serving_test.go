// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/crosslink/lib/clock"
	"github.com/bureau-foundation/crosslink/lib/codec"
	"github.com/bureau-foundation/crosslink/lib/envelope"
	"github.com/bureau-foundation/crosslink/lib/netutil"
	"github.com/bureau-foundation/crosslink/lib/secret"
	"github.com/bureau-foundation/crosslink/lib/testutil"
)

const servingToken = "serving-token"

func newTestServingBridge(t *testing.T) (*ServingBridge, *httptest.Server) {
	t.Helper()
	token, err := secret.FromString(servingToken)
	if err != nil {
		t.Fatalf("FromString: %v", err)
	}
	t.Cleanup(func() { token.Close() })

	serving, err := NewServingBridge(ServingConfig{
		Address: "127.0.0.1:0",
		Token:   token,
		Clock:   clock.Fake(epoch),
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewServingBridge: %v", err)
	}
	server := httptest.NewServer(serving.Handler())
	t.Cleanup(server.Close)
	return serving, server
}

func do(t *testing.T, method, url, token string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	request, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return response, data
}

func batchJSON(t *testing.T, envelopes ...envelope.Envelope) []byte {
	t.Helper()
	for index := range envelopes {
		prepared, err := prepare(envelopes[index])
		if err != nil {
			t.Fatalf("prepare: %v", err)
		}
		envelopes[index] = prepared
	}
	data, err := encodeBatch(envelopes, FormatJSON)
	if err != nil {
		t.Fatalf("encodeBatch: %v", err)
	}
	return data
}

func collect(serving *ServingBridge) <-chan envelope.Envelope {
	received := make(chan envelope.Envelope, 64)
	serving.OnReceive(func(entry envelope.Envelope) { received <- entry })
	return received
}

func TestServingHealth(t *testing.T) {
	_, server := newTestServingBridge(t)
	response, body := do(t, http.MethodGet, server.URL+"/health", "", nil, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("GET /health status = %d, want 200", response.StatusCode)
	}
	var health map[string]string
	if err := json.Unmarshal(body, &health); err != nil || health["status"] != "ok" {
		t.Errorf("GET /health body = %s, want {\"status\":\"ok\"}", body)
	}
}

func TestServingUnknownRoutes(t *testing.T) {
	_, server := newTestServingBridge(t)
	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/"},
		{http.MethodGet, "/send"},
		{http.MethodPost, "/poll"},
		{http.MethodPost, "/health"},
		{http.MethodGet, "/poll/extra"},
		{http.MethodDelete, "/send"},
	}
	for _, tt := range tests {
		response, _ := do(t, tt.method, server.URL+tt.path, "", nil, nil)
		if response.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", tt.method, tt.path, response.StatusCode)
		}
	}
}

func TestServingRequiresToken(t *testing.T) {
	serving, server := newTestServingBridge(t)
	received := collect(serving)
	factory := envelope.NewFactory(envelope.OriginHost, clock.Fake(epoch))
	body := batchJSON(t, mustCreate(t, factory, "a", envelope.ActionEvent, nil))

	for _, token := range []string{"", "wrong-token"} {
		response, _ := do(t, http.MethodPost, server.URL+"/send", token, body, nil)
		if response.StatusCode != http.StatusUnauthorized {
			t.Errorf("POST /send with token %q status = %d, want 401", token, response.StatusCode)
		}
		response, _ = do(t, http.MethodGet, server.URL+"/poll", token, nil, nil)
		if response.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET /poll with token %q status = %d, want 401", token, response.StatusCode)
		}
	}
	testutil.RequireNoReceive(t, received, 50*time.Millisecond, "unauthorized batch was dispatched")
}

func TestServingSendDispatchesInOrder(t *testing.T) {
	serving, server := newTestServingBridge(t)
	received := collect(serving)

	factory := envelope.NewFactory(envelope.OriginHost, clock.Fake(epoch))
	first := mustCreate(t, factory, "player.joined", envelope.ActionEvent, map[string]any{"id": 42})
	second := mustCreate(t, factory, "player.moved", envelope.ActionEvent, map[string]any{"to": codec.Vector2{X: 3, Y: 4}})

	response, body := do(t, http.MethodPost, server.URL+"/send", servingToken, batchJSON(t, first, second),
		map[string]string{"Content-Type": "application/json"})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("POST /send status = %d, body %s", response.StatusCode, body)
	}
	var acknowledged sendResponse
	if err := json.Unmarshal(body, &acknowledged); err != nil || acknowledged.Received != 2 {
		t.Errorf("POST /send body = %s, want {\"received\":2}", body)
	}

	got := []envelope.Envelope{
		testutil.RequireReceive(t, received, 5*time.Second, "first envelope"),
		testutil.RequireReceive(t, received, 5*time.Second, "second envelope"),
	}
	equalIDs(t, got, []envelope.Envelope{first, second})

	// The serving side has no native types: tagged values pass through.
	payload := got[1].Payload.(map[string]any)
	if !codec.IsTagged(payload["to"]) {
		t.Errorf("payload to = %#v, want tagged form", payload["to"])
	}
	if id := got[0].Payload.(map[string]any)["id"]; id != float64(42) {
		t.Errorf("payload id = %#v, want 42", id)
	}
}

func TestServingSendMalformedBody(t *testing.T) {
	serving, server := newTestServingBridge(t)
	received := collect(serving)

	response, _ := do(t, http.MethodPost, server.URL+"/send", servingToken, []byte("{not json"), nil)
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST /send malformed status = %d, want 400", response.StatusCode)
	}
	testutil.RequireNoReceive(t, received, 100*time.Millisecond, "malformed batch was dispatched")
	if rejected := serving.Stats().Rejected; rejected != 1 {
		t.Errorf("Rejected = %d, want 1", rejected)
	}
}

func TestServingSendRejectsWholeBatch(t *testing.T) {
	serving, server := newTestServingBridge(t)
	received := collect(serving)

	body := `{"envelopes":[` +
		`{"id":"host-1-1","ts":1,"src":"host","channel":"a","action":"event","payload":null,"ack":null},` +
		`{"id":"host-2-1","ts":1,"src":"host","channel":"","action":"event","payload":null,"ack":null}]}`
	response, _ := do(t, http.MethodPost, server.URL+"/send", servingToken, []byte(body), nil)
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", response.StatusCode)
	}
	testutil.RequireNoReceive(t, received, 100*time.Millisecond, "partially valid batch was dispatched")
}

func TestServingSendUnsupportedMedia(t *testing.T) {
	_, server := newTestServingBridge(t)
	for _, headers := range []map[string]string{
		{"Content-Type": "text/plain"},
		{"Content-Encoding": "gzip"},
	} {
		response, _ := do(t, http.MethodPost, server.URL+"/send", servingToken, []byte(`{"envelopes":[]}`), headers)
		if response.StatusCode != http.StatusUnsupportedMediaType {
			t.Errorf("headers %v: status = %d, want 415", headers, response.StatusCode)
		}
	}
}

func TestServingSendCompressedCBOR(t *testing.T) {
	serving, server := newTestServingBridge(t)
	received := collect(serving)

	factory := envelope.NewFactory(envelope.OriginHost, clock.Fake(epoch))
	outgoing, err := prepare(mustCreate(t, factory, "asset.loaded", envelope.ActionEvent, map[string]any{"size": 7}))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	body, err := encodeBatch([]envelope.Envelope{outgoing}, FormatCBOR)
	if err != nil {
		t.Fatalf("encodeBatch: %v", err)
	}
	body, err = netutil.Compress(body, netutil.EncodingZstd)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	response, data := do(t, http.MethodPost, server.URL+"/send", servingToken, body, map[string]string{
		"Content-Type":     "application/cbor",
		"Content-Encoding": "zstd",
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", response.StatusCode, data)
	}
	got := testutil.RequireReceive(t, received, 5*time.Second, "waiting for CBOR envelope")
	if got.ID != outgoing.ID {
		t.Errorf("received %q, want %q", got.ID, outgoing.ID)
	}
}

func TestServingSendRejectsInflatedBody(t *testing.T) {
	serving, server := newTestServingBridge(t)
	received := collect(serving)

	inflated := make([]byte, netutil.MaxBodySize+1)
	for _, encoding := range []netutil.Encoding{netutil.EncodingZstd, netutil.EncodingLZ4} {
		body, err := netutil.Compress(inflated, encoding)
		if err != nil {
			t.Fatalf("Compress: %v", err)
		}
		response, data := do(t, http.MethodPost, server.URL+"/send", servingToken, body, map[string]string{
			"Content-Encoding": encoding.HeaderValue(),
		})
		if response.StatusCode != http.StatusRequestEntityTooLarge {
			t.Errorf("%s: status = %d, want 413 (body %s)", encoding, response.StatusCode, data)
		}
	}
	testutil.RequireNoReceive(t, received, 100*time.Millisecond, "oversized batch was dispatched")
}

func TestServingPollSwapsOutbox(t *testing.T) {
	serving, server := newTestServingBridge(t)
	authority := envelope.NewFactory(envelope.OriginAuthority, clock.Fake(epoch))

	queued := []envelope.Envelope{
		mustCreate(t, authority, "world.tick", envelope.ActionEvent, map[string]any{"n": 1}),
		mustCreate(t, authority, "world.tick", envelope.ActionEvent, map[string]any{"n": 2}),
		mustCreate(t, authority, "state.time", envelope.ActionUpdate, map[string]any{"hour": 6}),
	}
	for _, entry := range queued {
		serving.Send(entry)
	}

	response, body := do(t, http.MethodGet, server.URL+"/poll", servingToken, nil, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("GET /poll status = %d", response.StatusCode)
	}
	polled, err := decodeBatch(body, FormatJSON, codec.New())
	if err != nil {
		t.Fatalf("decoding poll body: %v", err)
	}
	equalIDs(t, polled, queued)

	_, body = do(t, http.MethodGet, server.URL+"/poll", servingToken, nil, nil)
	if strings.TrimSpace(string(body)) != `{"envelopes":[]}` {
		t.Errorf("second poll body = %s, want {\"envelopes\":[]}", body)
	}
	stats := serving.Stats()
	if stats.Delivered != 3 || stats.Queued != 0 {
		t.Errorf("Stats() = %+v, want Delivered=3 Queued=0", stats)
	}
}

func TestServingPollNegotiates(t *testing.T) {
	serving, server := newTestServingBridge(t)
	authority := envelope.NewFactory(envelope.OriginAuthority, clock.Fake(epoch))
	queued := mustCreate(t, authority, "world.tick", envelope.ActionEvent, nil)
	serving.Send(queued)

	request, err := http.NewRequest(http.MethodGet, server.URL+"/poll", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+servingToken)
	request.Header.Set("Accept", "application/cbor")
	request.Header.Set("Accept-Encoding", "lz4")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("GET /poll: %v", err)
	}
	defer response.Body.Close()

	if got := response.Header.Get("Content-Type"); got != "application/cbor" {
		t.Errorf("Content-Type = %q, want application/cbor", got)
	}
	if got := response.Header.Get("Content-Encoding"); got != "lz4" {
		t.Errorf("Content-Encoding = %q, want lz4", got)
	}
	data, err := netutil.ReadBody(response.Body)
	if err != nil {
		t.Fatalf("ReadBody: %v", err)
	}
	data, err = netutil.Decompress(data, netutil.EncodingLZ4)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	polled, err := decodeBatch(data, FormatCBOR, codec.New())
	if err != nil {
		t.Fatalf("decodeBatch: %v", err)
	}
	equalIDs(t, polled, []envelope.Envelope{queued})
}

func TestServingRequestAnsweredThroughRoutes(t *testing.T) {
	serving, server := newTestServingBridge(t)
	authority := envelope.NewFactory(envelope.OriginAuthority, nil)
	host := envelope.NewFactory(envelope.OriginHost, nil)

	request := mustCreate(t, authority, "asset.resolve", envelope.ActionRequest, map[string]any{"name": "crate"})
	type result struct {
		response *envelope.Envelope
		err      error
	}
	done := make(chan result, 1)
	go func() {
		response, err := serving.Request(context.Background(), request, time.Minute)
		done <- result{response, err}
	}()

	// Play the polling peer by hand: collect the request, post back
	// the answer.
	var polled []envelope.Envelope
	for len(polled) == 0 {
		_, body := do(t, http.MethodGet, server.URL+"/poll", servingToken, nil, nil)
		var err error
		polled, err = decodeBatch(body, FormatJSON, codec.New())
		if err != nil {
			t.Fatalf("decoding poll body: %v", err)
		}
		if len(polled) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	answer := host.Respond(polled[0], map[string]any{"asset_id": "rbx-1"})
	response, body := do(t, http.MethodPost, server.URL+"/send", servingToken, batchJSON(t, answer), nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("POST /send status = %d, body %s", response.StatusCode, body)
	}

	got := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Request to resolve")
	if got.err != nil || got.response == nil {
		t.Fatalf("Request = (%v, %v), want a response", got.response, got.err)
	}
	if assetID := got.response.Payload.(map[string]any)["asset_id"]; assetID != "rbx-1" {
		t.Errorf("asset_id = %v, want rbx-1", assetID)
	}
}

func TestServingStartStop(t *testing.T) {
	serving, err := NewServingBridge(ServingConfig{
		Address: "127.0.0.1:0",
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewServingBridge: %v", err)
	}
	if err := serving.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	base := "http://" + serving.Addr().String()

	response, _ := do(t, http.MethodGet, base+"/health", "", nil, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("GET /health status = %d", response.StatusCode)
	}

	// No token configured: /poll is open.
	response, _ = do(t, http.MethodGet, base+"/poll", "", nil, nil)
	if response.StatusCode != http.StatusOK {
		t.Errorf("GET /poll without configured token status = %d, want 200", response.StatusCode)
	}

	serving.Send(envelope.Envelope{ID: "authority-1-1", Timestamp: 1, Origin: envelope.OriginAuthority, Channel: "a", Action: envelope.ActionEvent})
	serving.Stop()
	serving.Stop()

	done := make(chan struct{})
	go func() {
		serving.Wait()
		close(done)
	}()
	testutil.RequireClosed(t, done, 5*time.Second, "listener did not shut down")

	if queued := serving.Stats().Queued; queued != 0 {
		t.Errorf("Queued after Stop = %d, want 0 (discarded)", queued)
	}
	client := &http.Client{Timeout: time.Second, Transport: &http.Transport{}}
	if _, err := client.Get(base + "/health"); err == nil {
		t.Error("GET /health succeeded after Stop")
	}
	if err := serving.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}

func TestServingContextCancelStops(t *testing.T) {
	serving, err := NewServingBridge(ServingConfig{
		Address: "127.0.0.1:0",
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewServingBridge: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := serving.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(serving.Stop)

	queued := envelope.Envelope{ID: "authority-1-1", Timestamp: 1, Origin: envelope.OriginAuthority, Channel: "a", Action: envelope.ActionEvent}
	serving.Send(queued)
	cancel()

	done := make(chan struct{})
	go func() {
		serving.Wait()
		close(done)
	}()
	testutil.RequireClosed(t, done, 5*time.Second, "listener did not shut down after ctx was cancelled")

	if count := serving.Stats().Queued; count != 0 {
		t.Errorf("Queued after cancel = %d, want 0 (discarded)", count)
	}
	queued.ID = "authority-2-1"
	serving.Send(queued)
	if count := serving.Stats().Queued; count != 0 {
		t.Errorf("Queued after Send following cancel = %d, want 0", count)
	}
	if err := serving.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after cancel = %v, want ErrStopped", err)
	}
}

func TestNewServingBridgeRequiresAddress(t *testing.T) {
	if _, err := NewServingBridge(ServingConfig{}); err == nil {
		t.Error("NewServingBridge without Address succeeded")
	}
}
