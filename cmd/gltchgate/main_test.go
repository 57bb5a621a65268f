package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"gltchgate/internal/config"
	"gltchgate/internal/domain"
	"gltchgate/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWizardFillsChannels(t *testing.T) {
	cfg := config.Defaults()
	answers := strings.Join([]string{
		"http://agent:9000/rpc", // endpoint
		"9090",                  // port
		"n",                     // webchat
		"y", "disc-token",       // discord
		"n",                     // telegram
		"y", "xoxb-1", "xapp-1", // slack
		"n",                     // whatsapp
		"n",                     // signal
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := wizard(cfg, strings.NewReader(answers), &out); err != nil {
		t.Fatalf("wizard: %v", err)
	}
	if cfg.Agent.Endpoint != "http://agent:9000/rpc" || cfg.Gateway.Port != 9090 {
		t.Errorf("agent/gateway = %q/%d", cfg.Agent.Endpoint, cfg.Gateway.Port)
	}
	if cfg.Channels.Webchat.Enabled {
		t.Error("webchat should be disabled")
	}
	if !cfg.Channels.Discord.Enabled || cfg.Channels.Discord.Accounts[0].Token != "disc-token" {
		t.Errorf("discord = %+v", cfg.Channels.Discord)
	}
	if cfg.Channels.Telegram.Enabled {
		t.Error("telegram should stay disabled")
	}
	slack := cfg.Channels.Slack.Accounts[0]
	if slack.Token != "xoxb-1" || slack.AppToken != "xapp-1" {
		t.Errorf("slack account = %+v", slack)
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("wizard produced invalid config: %v", err)
	}
}

func TestWizardDefaultsOnEmptyAnswers(t *testing.T) {
	cfg := config.Defaults()
	// Blank lines keep every default; telegram gets its env reference.
	answers := "\n\n\n\ny\n\n\n\n\n"
	if err := wizard(cfg, strings.NewReader(answers), &bytes.Buffer{}); err != nil {
		t.Fatalf("wizard: %v", err)
	}
	if cfg.Agent.Endpoint != config.Defaults().Agent.Endpoint || cfg.Gateway.Port != 8080 {
		t.Errorf("defaults changed: %q %d", cfg.Agent.Endpoint, cfg.Gateway.Port)
	}
	if !cfg.Channels.Webchat.Enabled {
		t.Error("webchat default should stay enabled")
	}
	if got := cfg.Channels.Telegram.Accounts[0].Token; got != "${TELEGRAM_BOT_TOKEN}" {
		t.Errorf("telegram token = %q", got)
	}
}

func TestMissingCredentials(t *testing.T) {
	tests := []struct {
		channel string
		acct    domain.ChannelConfig
		want    string
	}{
		{"discord", domain.ChannelConfig{}, "token"},
		{"discord", domain.ChannelConfig{Token: "t"}, ""},
		{"slack", domain.ChannelConfig{Token: "t"}, "appToken"},
		{"whatsapp", domain.ChannelConfig{Token: "t", Number: "1"}, "verifyToken"},
		{"whatsapp", domain.ChannelConfig{Token: "t", Number: "1", Extra: map[string]string{"verifyToken": "v"}}, ""},
		{"signal", domain.ChannelConfig{Endpoint: "http://x"}, "number"},
		{"webchat", domain.ChannelConfig{}, ""},
	}
	for _, tt := range tests {
		if got := missingCredentials(tt.channel, tt.acct); got != tt.want {
			t.Errorf("missingCredentials(%s, %+v) = %q, want %q", tt.channel, tt.acct, got, tt.want)
		}
	}
}

func TestBuildPluginsFollowsEnabledSections(t *testing.T) {
	cfg := config.Defaults()
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Accounts = []config.AccountConfig{{Token: "123:abc"}}
	cfg.Channels.Signal.Enabled = true
	cfg.Channels.Signal.Accounts = []config.AccountConfig{{Endpoint: "http://127.0.0.1:1", Number: "+1"}}

	plugins, webchat := buildPlugins(cfg, nil, nil, testLogger())
	var ids []string
	for _, p := range plugins {
		ids = append(ids, p.Meta().ID)
	}
	if got := strings.Join(ids, ","); got != "telegram,signal,webchat" {
		t.Errorf("plugins = %s", got)
	}
	if webchat == nil {
		t.Error("webchat plugin not returned")
	}
}

func TestRenderService(t *testing.T) {
	unit, err := renderService("linux", "/home/u", "/usr/bin/gltchgate", "/home/u/.gltchgate/config.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if unit.Path != filepath.Join("/home/u", ".config", "systemd", "user", "gltchgate.service") {
		t.Errorf("path = %s", unit.Path)
	}
	if !strings.Contains(unit.Content, "ExecStart=/usr/bin/gltchgate gateway --config /home/u/.gltchgate/config.yaml") {
		t.Errorf("unit content:\n%s", unit.Content)
	}

	plist, err := renderService("darwin", "/Users/u", "/bin/g", "/c.json")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(plist.Content, "<string>"+serviceLabel+"</string>") || !strings.Contains(plist.Content, "/Users/u/.gltchgate/logs/gateway.log") {
		t.Errorf("plist content:\n%s", plist.Content)
	}

	if _, err := renderService("plan9", "/", "/g", "/c"); err == nil {
		t.Error("expected unsupported OS error")
	}
}

func TestAPIClientSendsKeyAndSurfacesErrors(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path == "/api/channels/nope/enable" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "channel not registered"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"version": "x"})
	}))
	defer srv.Close()

	c := &apiClient{base: srv.URL, apiKey: "k", http: srv.Client()}
	var st map[string]any
	if err := c.do(context.Background(), http.MethodGet, "/api/status", nil, &st); err != nil {
		t.Fatalf("status: %v", err)
	}
	if gotAuth != "Bearer k" || st["version"] != "x" {
		t.Errorf("auth=%q status=%v", gotAuth, st)
	}

	err := c.do(context.Background(), http.MethodPost, "/api/channels/nope/enable", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "channel not registered") {
		t.Errorf("err = %v", err)
	}
}

func TestApplyReloadTogglesLoadedChannels(t *testing.T) {
	cfg := config.Defaults()
	plugins, _ := buildPlugins(cfg, nil, nil, testLogger())
	reg := registry.New(registry.Config{Logger: testLogger()})
	for _, p := range plugins {
		if res := reg.Register(context.Background(), p); !res.Success {
			t.Fatalf("register %s: %s", res.ChannelID, res.Error)
		}
	}

	level := new(slog.LevelVar)
	next := config.Defaults()
	next.Log.Level = "debug"
	next.Channels.Webchat.Enabled = false
	next.Channels.Discord.Enabled = true
	applyReload(next, reg, level, testLogger())

	rp, ok := reg.Get("webchat")
	if !ok || rp.Enabled() {
		t.Error("webchat should be disabled after reload")
	}
	if _, ok := reg.Get("discord"); ok {
		t.Error("reload must not load new channels")
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v", level.Level())
	}

	next.Channels.Webchat.Enabled = true
	applyReload(next, reg, level, testLogger())
	if !rp.Enabled() {
		t.Error("webchat should be re-enabled")
	}
}

func TestChannelsReactAndMediaCommands(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/send" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var b map[string]any
		json.NewDecoder(r.Body).Decode(&b)
		bodies = append(bodies, b)
		json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	defer srv.Close()
	t.Cleanup(func() { gatewayURL = "" })

	for _, args := range [][]string{
		{"react", "--url", srv.URL, "discord", "c1", "m1", "+1"},
		{"send", "--url", srv.URL, "--media", "https://x.test/a.png", "slack", "C1", "a", "cat"},
	} {
		cmd := channelsCmd()
		cmd.SetArgs(args)
		cmd.SetOut(io.Discard)
		if err := cmd.Execute(); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
	}

	if len(bodies) != 2 {
		t.Fatalf("requests = %d", len(bodies))
	}
	reaction, _ := bodies[0]["reaction"].(map[string]any)
	if bodies[0]["channel"] != "discord" || reaction["message_id"] != "m1" || reaction["emoji"] != "+1" {
		t.Errorf("react body = %v", bodies[0])
	}
	media, _ := bodies[1]["media"].(map[string]any)
	if media["url"] != "https://x.test/a.png" || bodies[1]["text"] != "a cat" {
		t.Errorf("send body = %v", bodies[1])
	}
}
