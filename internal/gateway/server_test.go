package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"gltchgate/internal/agent"
	"gltchgate/internal/bridge"
	"gltchgate/internal/bus"
	"gltchgate/internal/channel"
	"gltchgate/internal/domain"
	"gltchgate/internal/registry"
)

type fakeBridge struct {
	fakeAgent
	mu      sync.Mutex
	got     []bridge.Request
	mode    string
	network bool
}

func (b *fakeBridge) Endpoint() string { return "http://agent.test/rpc" }

func (b *fakeBridge) SetMode(_ context.Context, mode string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = mode
	return nil
}

func (b *fakeBridge) SetMood(context.Context, string) error {
	return &bridge.RPCError{Code: bridge.CodeInvalidParams, Message: "unknown mood"}
}

func (b *fakeBridge) ToggleNetwork(context.Context) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.network = !b.network
	return map[string]any{"network": b.network}, nil
}

func (b *fakeBridge) Call(_ context.Context, req bridge.Request) bridge.Response {
	b.mu.Lock()
	b.got = append(b.got, req)
	b.mu.Unlock()
	return bridge.Response{JSONRPC: bridge.Version, Result: json.RawMessage(`"pong"`), ID: req.ID}
}

type recordingPusher struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (p *recordingPusher) Push(clientID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sent == nil {
		p.sent = make(map[string][]string)
	}
	p.sent[clientID] = append(p.sent[clientID], text)
	return nil
}

func (p *recordingPusher) texts(clientID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent[clientID]...)
}

// hookedChat is a webchat plugin that also exposes a webhook route.
type hookedChat struct{ *channel.Webchat }

func (hookedChat) Webhooks() map[string]http.Handler {
	return map[string]http.Handler{
		"GET /webhook/test": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("hooked"))
		}),
	}
}

// pinningChat adds a channel action to the webchat plugin.
type pinningChat struct{ hookedChat }

func (pinningChat) Actions() domain.ActionsAdapter { return pinActions{} }

type pinActions struct{}

func (pinActions) ListActions() []string { return []string{"pin"} }
func (pinActions) HandleAction(_ context.Context, _ string, params map[string]any) (any, error) {
	return map[string]any{"pinned": params["message_id"]}, nil
}

type testGateway struct {
	reg      *registry.Registry
	sessions *agent.SessionTracker
	bridge   *fakeBridge
	pusher   *recordingPusher
	ts       *httptest.Server
}

func newTestServer(t *testing.T, apiKey string) *testGateway {
	t.Helper()
	sessions := agent.NewSessionTracker()
	router := routerFunc(func(ctx context.Context, msg domain.IncomingMessage) (*domain.RouteReply, error) {
		sessions.Touch(msg)
		return echo(ctx, msg)
	})
	events := bus.NewEventBus(testLogger())
	reg := registry.New(registry.Config{Router: router, Events: events, Logger: testLogger()})
	web := channel.NewWebchat(channel.WebchatConfig{Logger: testLogger()})
	pusher := &recordingPusher{}
	web.Bind(pusher)
	if res := reg.Register(context.Background(), pinningChat{hookedChat{web}}); !res.Success {
		t.Fatalf("register: %s", res.Error)
	}

	fb := &fakeBridge{fakeAgent: fakeAgent{status: map[string]any{}}}
	srv := NewServer(ServerConfig{
		Registry: reg,
		Router:   router,
		Sessions: sessions,
		Bridge:   fb,
		Events:   events,
		APIKey:   apiKey,
		Version:  "test",
		Logger:   testLogger(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testGateway{reg: reg, sessions: sessions, bridge: fb, pusher: pusher, ts: ts}
}

func (g *testGateway) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(method, g.ts.URL+path, strings.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	g := newTestServer(t, "")
	resp, body := g.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" || body["agent_connected"] != true {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
}

func TestAPIChat(t *testing.T) {
	g := newTestServer(t, "")

	resp, body := g.do(t, http.MethodPost, "/api/chat", `{"message":"ping me","user":"ops"}`)
	if resp.StatusCode != http.StatusOK || body["response"] != "echo ping me" {
		t.Fatalf("chat = %d %v", resp.StatusCode, body)
	}
	if body["session_id"] != "api:direct:ops" {
		t.Errorf("session = %v", body["session_id"])
	}
	if g.sessions.Len() != 1 {
		t.Errorf("sessions = %d", g.sessions.Len())
	}

	if resp, _ := g.do(t, http.MethodPost, "/api/chat", `{"text":"  "}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty text status = %d", resp.StatusCode)
	}
	if resp, _ := g.do(t, http.MethodPost, "/api/chat", `{`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad json status = %d", resp.StatusCode)
	}
}

func TestAPIAgentRPC_Passthrough(t *testing.T) {
	g := newTestServer(t, "")

	resp, body := g.do(t, http.MethodPost, "/api/agent/rpc", `{"jsonrpc":"2.0","method":"ping","id":"x1"}`)
	if resp.StatusCode != http.StatusOK || body["result"] != "pong" || body["id"] != "x1" {
		t.Fatalf("rpc = %d %v", resp.StatusCode, body)
	}
	g.bridge.mu.Lock()
	got := g.bridge.got
	g.bridge.mu.Unlock()
	if len(got) != 1 || got[0].Method != "ping" {
		t.Errorf("bridge saw %+v", got)
	}

	resp, body = g.do(t, http.MethodPost, "/api/agent/rpc", `not json`)
	rpcErr, _ := body["error"].(map[string]any)
	if resp.StatusCode != http.StatusBadRequest || rpcErr["code"] != float64(bridge.CodeParseError) {
		t.Errorf("parse error = %d %v", resp.StatusCode, body)
	}
}

func TestAPIAgentControl(t *testing.T) {
	g := newTestServer(t, "")

	resp, body := g.do(t, http.MethodPost, "/api/agent/mode", `{"mode":"focus"}`)
	if resp.StatusCode != http.StatusOK || body["mode"] != "focus" {
		t.Fatalf("mode = %d %v", resp.StatusCode, body)
	}
	g.bridge.mu.Lock()
	mode := g.bridge.mode
	g.bridge.mu.Unlock()
	if mode != "focus" {
		t.Errorf("bridge mode = %q", mode)
	}

	if resp, _ := g.do(t, http.MethodPost, "/api/agent/mode", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing mode status = %d", resp.StatusCode)
	}

	resp, body = g.do(t, http.MethodPost, "/api/agent/mood", `{"mood":"grumpy"}`)
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(body["error"].(string), "unknown mood") {
		t.Errorf("mood = %d %v", resp.StatusCode, body)
	}

	resp, body = g.do(t, http.MethodPost, "/api/agent/network", "")
	if resp.StatusCode != http.StatusOK || body["network"] != true {
		t.Errorf("network = %d %v", resp.StatusCode, body)
	}
}

func TestAPIChannels_ToggleAndList(t *testing.T) {
	g := newTestServer(t, "")

	if resp, _ := g.do(t, http.MethodPost, "/api/channels/webchat/disable", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status = %d", resp.StatusCode)
	}
	if rp, _ := g.reg.Get("webchat"); rp.Enabled() {
		t.Fatal("webchat still enabled")
	}
	if resp, _ := g.do(t, http.MethodPost, "/api/channels/ghost/enable", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown channel status = %d", resp.StatusCode)
	}

	resp, err := http.Get(g.ts.URL + "/api/channels")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list []map[string]any
	json.NewDecoder(resp.Body).Decode(&list)
	if len(list) != 1 || list[0]["id"] != "webchat" || list[0]["enabled"] != false {
		t.Fatalf("channels = %v", list)
	}
}

func TestAPIStatus(t *testing.T) {
	g := newTestServer(t, "")
	resp, body := g.do(t, http.MethodGet, "/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	channels, _ := body["channels"].([]any)
	agentInfo, _ := body["agent"].(map[string]any)
	if len(channels) != 1 || agentInfo["endpoint"] != "http://agent.test/rpc" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["failures"]; !ok {
		t.Error("failures missing")
	}
}

func TestAPISend(t *testing.T) {
	g := newTestServer(t, "")

	resp, body := g.do(t, http.MethodPost, "/api/send", `{"target":"webchat:direct:c9","text":"hello there"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send = %d %v", resp.StatusCode, body)
	}
	if got := g.pusher.texts("c9"); len(got) != 1 || got[0] != "hello there" {
		t.Errorf("pushed = %v", got)
	}

	if resp, _ := g.do(t, http.MethodPost, "/api/send", `{"target":"nowhere","text":"x"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unroutable target status = %d", resp.StatusCode)
	}
	if resp, _ := g.do(t, http.MethodPost, "/api/send", `{"target":"webchat:direct:c9"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing text status = %d", resp.StatusCode)
	}
}

func TestAPISend_MediaAndReaction(t *testing.T) {
	g := newTestServer(t, "")

	resp, body := g.do(t, http.MethodPost, "/api/send",
		`{"target":"webchat:direct:c4","text":"look","media":{"url":"https://x.test/cat.png"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("media send = %d %v", resp.StatusCode, body)
	}
	if got := g.pusher.texts("c4"); len(got) != 1 || got[0] != "look\nhttps://x.test/cat.png" {
		t.Errorf("pushed = %q", got)
	}

	resp, body = g.do(t, http.MethodPost, "/api/send",
		`{"target":"webchat:direct:c4","reaction":{"message_id":"m1","emoji":"👍"}}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("webchat reaction status = %d %v", resp.StatusCode, body)
	}

	for _, bad := range []string{
		`{"target":"webchat:direct:c4","media":{}}`,
		`{"target":"webchat:direct:c4","reaction":{"emoji":"👍"}}`,
		`{"target":"webchat:direct:c4","media":{"url":"u"},"reaction":{"message_id":"m","emoji":"e"}}`,
	} {
		if resp, _ := g.do(t, http.MethodPost, "/api/send", bad); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d", bad, resp.StatusCode)
		}
	}
}

func TestAPIChannelActions(t *testing.T) {
	g := newTestServer(t, "")

	resp, body := g.do(t, http.MethodGet, "/api/channels/webchat/actions", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d", resp.StatusCode)
	}
	if names, _ := body["actions"].([]any); len(names) != 1 || names[0] != "pin" {
		t.Errorf("actions = %v", body["actions"])
	}

	resp, body = g.do(t, http.MethodPost, "/api/channels/webchat/actions/pin", `{"message_id":"m7"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run = %d %v", resp.StatusCode, body)
	}
	if result, _ := body["result"].(map[string]any); result["pinned"] != "m7" {
		t.Errorf("result = %v", body["result"])
	}

	if resp, _ := g.do(t, http.MethodPost, "/api/channels/webchat/actions/delete", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown action status = %d", resp.StatusCode)
	}
	if resp, _ := g.do(t, http.MethodGet, "/api/channels/ghost/actions", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown channel status = %d", resp.StatusCode)
	}
}

func TestAPIPair_UnsupportedChannel(t *testing.T) {
	g := newTestServer(t, "")
	resp, _ := g.do(t, http.MethodPost, "/api/channels/webchat/pair", `{"sender":"u1","code":"123456"}`)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp, _ := g.do(t, http.MethodPost, "/api/channels/webchat/pair", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing fields status = %d", resp.StatusCode)
	}
}

func TestAPISessions(t *testing.T) {
	g := newTestServer(t, "")
	g.do(t, http.MethodPost, "/api/chat", `{"text":"one","session_id":"s-1"}`)

	resp, err := http.Get(g.ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list []agent.Session
	json.NewDecoder(resp.Body).Decode(&list)
	if len(list) != 1 || list[0].ID != "s-1" || list[0].Messages != 1 {
		t.Fatalf("sessions = %+v", list)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	g := newTestServer(t, "sekrit")

	if resp, _ := g.do(t, http.MethodGet, "/api/status", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", resp.StatusCode)
	}
	req, _ := http.NewRequest(http.MethodGet, g.ts.URL+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d", resp.StatusCode)
	}
	if resp, _ := g.do(t, http.MethodGet, "/health", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("health must stay public, got %d", resp.StatusCode)
	}
}

func TestWebhooksAndMetricsMounted(t *testing.T) {
	g := newTestServer(t, "")

	resp, err := http.Get(g.ts.URL + "/webhook/test")
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	resp.Body.Close()
	if buf.String() != "hooked" {
		t.Errorf("webhook body = %q", buf.String())
	}

	resp, err = http.Get(g.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	buf.ReadFrom(resp.Body)
	resp.Body.Close()
	if !strings.Contains(buf.String(), "gltchgate_uptime_seconds") {
		t.Errorf("metrics output missing uptime:\n%s", buf.String())
	}
}

func TestWSWithoutHub(t *testing.T) {
	g := newTestServer(t, "")
	resp, _ := g.do(t, http.MethodGet, "/ws", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAPIEventsReplay(t *testing.T) {
	g := newTestServer(t, "")
	g.do(t, http.MethodPost, "/api/channels/webchat/disable", "")

	resp, err := http.Get(g.ts.URL + "/api/events?type=plugin.toggled&since=1h")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var events []eventView
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Source != "webchat" || events[0].Payload["enabled"] != false {
		t.Fatalf("events = %+v", events)
	}

	if r, _ := g.do(t, http.MethodGet, "/api/events?since=yesterday", ""); r.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since = %d", r.StatusCode)
	}
}
