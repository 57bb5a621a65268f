package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"gltchgate/internal/bridge"
	"gltchgate/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeChatter struct {
	got []bridge.ChatParams
	res *bridge.ChatResult
	err error
}

func (f *fakeChatter) Chat(_ context.Context, p bridge.ChatParams) (*bridge.ChatResult, error) {
	f.got = append(f.got, p)
	return f.res, f.err
}

func TestRoute_ChatSyncThroughBridge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req bridge.Request
		json.NewDecoder(r.Body).Decode(&req)
		if req.Method != "chat_sync" {
			t.Errorf("method = %q", req.Method)
		}
		w.Write([]byte(`{"jsonrpc":"2.0","result":{"response":"hi"},"id":1}`))
	}))
	defer srv.Close()

	r := NewRouter(RouterConfig{
		Bridge: bridge.New(bridge.Config{Endpoint: srv.URL, Logger: quietLogger()}),
		Logger: quietLogger(),
	})
	reply, err := r.Route(context.Background(), domain.IncomingMessage{
		Text: "hello", SessionID: "telegram:direct:42", ChannelID: "telegram", UserID: "42",
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if reply.Response != "hi" {
		t.Errorf("response = %q", reply.Response)
	}
	if s, ok := r.Sessions().Get("telegram:direct:42"); !ok || s.Messages != 1 {
		t.Errorf("session not tracked: %+v", s)
	}
}

func TestRoute_PassesMessageFields(t *testing.T) {
	chat := &fakeChatter{res: &bridge.ChatResult{Response: "ok", Mood: "happy", XPGained: 5}}
	r := NewRouter(RouterConfig{Bridge: chat, Logger: quietLogger()})

	reply, err := r.Route(context.Background(), domain.IncomingMessage{
		Text: "yo", SessionID: "webchat:direct:c1", ChannelID: "webchat", ClientID: "c1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Mood != "happy" || reply.XPGained != 5 {
		t.Errorf("reply = %+v", reply)
	}
	want := bridge.ChatParams{Message: "yo", SessionID: "webchat:direct:c1", Channel: "webchat", User: "c1"}
	if len(chat.got) != 1 || chat.got[0] != want {
		t.Errorf("params = %+v, want %+v", chat.got, want)
	}
}

func TestRoute_PropagatesBridgeError(t *testing.T) {
	rpcErr := &bridge.RPCError{Code: bridge.CodeInternalError, Message: "agent down"}
	chat := &fakeChatter{err: rpcErr}
	r := NewRouter(RouterConfig{Bridge: chat, Logger: quietLogger()})

	_, err := r.Route(context.Background(), domain.IncomingMessage{Text: "x", SessionID: "s", ChannelID: "slack"})
	if !errors.Is(err, rpcErr) {
		t.Fatalf("expected wrapped rpc error, got %v", err)
	}
	if len(chat.got) != 1 {
		t.Errorf("bridge must be called exactly once, got %d", len(chat.got))
	}
}

func TestRoute_RejectsEmptySession(t *testing.T) {
	chat := &fakeChatter{}
	r := NewRouter(RouterConfig{Bridge: chat, Logger: quietLogger()})
	if _, err := r.Route(context.Background(), domain.IncomingMessage{Text: "x"}); !errors.Is(err, ErrEmptySession) {
		t.Fatalf("got %v", err)
	}
	if len(chat.got) != 0 {
		t.Error("bridge must not be called without a session")
	}
}

func TestRoute_ThrottledByCancelledContext(t *testing.T) {
	chat := &fakeChatter{res: &bridge.ChatResult{Response: "ok"}}
	r := NewRouter(RouterConfig{Bridge: chat, Limiter: NewRateLimiter(1, 1), Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := r.Route(ctx, domain.IncomingMessage{Text: "a", SessionID: "s"}); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := r.Route(ctx, domain.IncomingMessage{Text: "b", SessionID: "s"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected throttle to honor cancellation, got %v", err)
	}
	if len(chat.got) != 1 {
		t.Errorf("throttled message must not reach the agent")
	}
}
