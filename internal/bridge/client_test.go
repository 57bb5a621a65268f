package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// agentServer answers JSON-RPC requests with handle and records the last one.
func agentServer(t *testing.T, handle func(req Request) Response) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var last atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		last.Store(req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(handle(req))
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func TestRPC_UnreachableSynthesizesInternalError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{Endpoint: url, Timeout: time.Second, Logger: testLogger()})
	resp := c.RPC(context.Background(), "ping", nil)

	if resp.JSONRPC != "2.0" {
		t.Errorf("jsonrpc = %q", resp.JSONRPC)
	}
	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Fatalf("expected -32603 error, got %+v", resp.Error)
	}
	if resp.ID == nil {
		t.Error("synthesized response must carry the request id")
	}
	if c.IsConnected() {
		t.Error("IsConnected must be false after a transport failure")
	}
}

func TestRPC_SuccessMarksConnected(t *testing.T) {
	srv, last := agentServer(t, func(req Request) Response {
		return Response{JSONRPC: Version, Result: json.RawMessage(`"pong"`), ID: req.ID}
	})
	c := New(Config{Endpoint: srv.URL, Logger: testLogger()})

	if !c.Ping(context.Background()) {
		t.Fatal("Ping returned false")
	}
	if !c.IsConnected() {
		t.Error("IsConnected must be true after a response")
	}
	req := last.Load().(Request)
	if req.JSONRPC != "2.0" || req.Method != "ping" || req.ID == nil {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestChat_ReturnsStructuredResult(t *testing.T) {
	srv, last := agentServer(t, func(req Request) Response {
		return Response{JSONRPC: Version, Result: json.RawMessage(`{"response":"hi","mood":"curious","xp_gained":3,"level":2}`), ID: req.ID}
	})
	c := New(Config{Endpoint: srv.URL, Logger: testLogger()})

	res, err := c.Chat(context.Background(), ChatParams{Message: "hello", SessionID: "discord:direct:1", Channel: "discord", User: "1"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Response != "hi" || res.Mood != "curious" || res.XPGained != 3 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Extra["level"] != float64(2) {
		t.Errorf("extra fields not kept: %v", res.Extra)
	}

	req := last.Load().(Request)
	params := req.Params.(map[string]any)
	if req.Method != "chat_sync" || params["message"] != "hello" || params["session_id"] != "discord:direct:1" || params["channel"] != "discord" {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestChat_StringResult(t *testing.T) {
	srv, _ := agentServer(t, func(req Request) Response {
		return Response{JSONRPC: Version, Result: json.RawMessage(`"plain"`), ID: req.ID}
	})
	c := New(Config{Endpoint: srv.URL, Logger: testLogger()})
	res, err := c.Chat(context.Background(), ChatParams{Message: "x", SessionID: "s"})
	if err != nil || res.Response != "plain" {
		t.Fatalf("Chat = %+v, %v", res, err)
	}
}

func TestTypedMethods_ConvertRPCError(t *testing.T) {
	srv, _ := agentServer(t, func(req Request) Response {
		return errorResponse(req.ID, CodeMethodNotFound, "no such mood")
	})
	c := New(Config{Endpoint: srv.URL, Logger: testLogger()})

	err := c.SetMood(context.Background(), "grumpy")
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeMethodNotFound || !strings.Contains(err.Error(), "no such mood") {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if !c.IsConnected() {
		t.Error("an agent error is still a response; connected must be true")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestRPC_RetriesTransportFailures(t *testing.T) {
	var attempts atomic.Int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		body := `{"jsonrpc":"2.0","result":{"ok":true},"id":1}`
		return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body)), Header: http.Header{}}, nil
	})

	c := New(Config{
		Endpoint:     "http://agent.invalid/rpc",
		MaxAttempts:  3,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		HTTPClient:   &http.Client{Transport: transport},
		Logger:       testLogger(),
	})
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st["ok"] != true || attempts.Load() != 3 {
		t.Errorf("status %v after %d attempts", st, attempts.Load())
	}
}

func TestRPC_NoRetryOnHTTPError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, MaxAttempts: 3, RetryInitial: time.Millisecond, Logger: testLogger()})
	resp := c.RPC(context.Background(), "status", nil)
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "502") {
		t.Fatalf("unexpected response %+v", resp)
	}
	if hits.Load() != 1 {
		t.Errorf("HTTP errors must not be retried, got %d hits", hits.Load())
	}
}

func TestRPC_PassthroughKeepsID(t *testing.T) {
	srv, _ := agentServer(t, func(req Request) Response {
		return Response{JSONRPC: Version, Result: json.RawMessage(`{}`), ID: req.ID}
	})
	c := New(Config{Endpoint: srv.URL, Logger: testLogger()})
	resp := c.Call(context.Background(), Request{Method: "status", ID: "abc"})
	if resp.ID != "abc" {
		t.Errorf("id = %v", resp.ID)
	}
	if bad := c.Call(context.Background(), Request{}); bad.Error == nil || bad.Error.Code != CodeInvalidRequest {
		t.Errorf("empty method must be rejected, got %+v", bad)
	}
}
