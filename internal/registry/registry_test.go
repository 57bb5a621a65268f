package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"gltchgate/internal/bus"
	"gltchgate/internal/channel"
	"gltchgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubPlugin is a minimal plugin with only the required adapters.
type stubPlugin struct {
	id       string
	initErr  error
	panicked bool

	mu        sync.Mutex
	router    domain.Router
	inits     int
	shutdowns int
	sent      []string
}

func (p *stubPlugin) Meta() domain.ChannelMeta {
	return domain.ChannelMeta{ID: p.id, Name: strings.ToUpper(p.id), DeliveryMode: domain.DeliveryDirect}
}
func (p *stubPlugin) Config() domain.ConfigAdapter {
	return channel.NewAccountStore(nil, domain.ChannelConfig{AccountID: "main", Enabled: true})
}
func (p *stubPlugin) Outbound() domain.OutboundAdapter   { return p }
func (p *stubPlugin) Normalize() domain.NormalizeAdapter { return p }

func (p *stubPlugin) Initialize(_ context.Context, router domain.Router) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inits++
	if p.panicked {
		panic("boom")
	}
	p.router = router
	return p.initErr
}

func (p *stubPlugin) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
	return errors.New("shutdown always complains")
}

func (p *stubPlugin) SendText(_ context.Context, target, text string) domain.OutboundDeliveryResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, text)
	return domain.Delivered("m")
}
func (p *stubPlugin) SendMedia(_ context.Context, _ string, media domain.OutboundMedia) domain.OutboundDeliveryResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, "media "+media.URL)
	return domain.Delivered("m")
}
func (p *stubPlugin) SendReaction(_ context.Context, _, messageID, emoji string) domain.OutboundDeliveryResult {
	if emoji == "x" {
		return domain.DeliveryFailed(nil)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, "react "+messageID+" "+emoji)
	return domain.Delivered("")
}
func (p *stubPlugin) TextChunkLimit() int { return 40 }

func (p *stubPlugin) LooksLikeTargetID(s string) bool { return strings.HasPrefix(s, p.id+":") }
func (p *stubPlugin) NormalizeTargetID(s string) string {
	return channel.StripChannelPrefix(p.id, s)
}
func (p *stubPlugin) ParseTargetID(s string) (domain.TargetRef, error) {
	if ref, ok := channel.ParseQualifiedTarget(p.id, s); ok {
		return ref, nil
	}
	return domain.TargetRef{}, errors.New("bad target")
}

type echoRouter struct{ calls int }

func (r *echoRouter) Route(_ context.Context, msg domain.IncomingMessage) (*domain.RouteReply, error) {
	r.calls++
	return &domain.RouteReply{Response: "echo " + msg.Text}, nil
}

func TestRegister_DuplicateKeepsFirst(t *testing.T) {
	reg := New(Config{Router: &echoRouter{}, Logger: testLogger()})
	first := &stubPlugin{id: "demo"}
	second := &stubPlugin{id: "demo"}

	if res := reg.Register(context.Background(), first); !res.Success {
		t.Fatalf("first register failed: %s", res.Error)
	}
	res := reg.Register(context.Background(), second)
	if res.Success || !strings.Contains(res.Error, "already registered") {
		t.Fatalf("second register = %+v", res)
	}
	if second.inits != 0 {
		t.Error("duplicate plugin must not be initialized")
	}
	rp, ok := reg.Get("demo")
	if !ok || rp.Plugin != first || !rp.Enabled() {
		t.Fatalf("first plugin must remain active, got %+v", rp)
	}
}

func TestUnregister_UnknownReturnsFalse(t *testing.T) {
	reg := New(Config{Logger: testLogger()})
	if reg.Unregister(context.Background(), "nope") {
		t.Fatal("expected false")
	}
}

func TestUnregister_SwallowsShutdownError(t *testing.T) {
	reg := New(Config{Router: &echoRouter{}, Logger: testLogger()})
	p := &stubPlugin{id: "demo"}
	reg.Register(context.Background(), p)

	if !reg.Unregister(context.Background(), "demo") {
		t.Fatal("expected true")
	}
	if p.shutdowns != 1 {
		t.Errorf("shutdowns = %d", p.shutdowns)
	}
	if _, ok := reg.Get("demo"); ok {
		t.Error("plugin still registered")
	}
	if _, err := p.router.Route(context.Background(), domain.IncomingMessage{Text: "x", SessionID: "s"}); !errors.Is(err, ErrChannelDisabled) {
		t.Errorf("router of an unregistered plugin must refuse, got %v", err)
	}
}

func TestRegister_InitFailureRecorded(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	var failed []string
	events.On(bus.EventPluginFailed, func(e bus.Event) { failed = append(failed, e.Source) })

	reg := New(Config{Router: &echoRouter{}, Events: events, Logger: testLogger()})
	broken := &stubPlugin{id: "broken", initErr: errors.New("bad token")}
	panicky := &stubPlugin{id: "panicky", panicked: true}

	if res := reg.Register(context.Background(), broken); res.Success || res.Error != "bad token" {
		t.Fatalf("register = %+v", res)
	}
	if res := reg.Register(context.Background(), panicky); res.Success || !strings.Contains(res.Error, "panic") {
		t.Fatalf("register = %+v", res)
	}
	if broken.shutdowns != 1 || panicky.shutdowns != 1 {
		t.Error("failed plugins must be shut down")
	}
	if len(reg.List()) != 0 {
		t.Error("failed plugins must not stay registered")
	}
	if f := reg.Failures(); f["broken"].Error != "bad token" || f["panicky"].Error == "" {
		t.Errorf("failures = %+v", f)
	}
	if len(failed) != 2 {
		t.Errorf("failure events = %v", failed)
	}

	// A later successful load clears the failure.
	if res := reg.Register(context.Background(), &stubPlugin{id: "broken"}); !res.Success {
		t.Fatal(res.Error)
	}
	if _, still := reg.Failures()["broken"]; still {
		t.Error("failure not cleared")
	}
}

func TestSetEnabled_GatesRouting(t *testing.T) {
	router := &echoRouter{}
	reg := New(Config{Router: router, Logger: testLogger()})
	p := &stubPlugin{id: "demo"}
	reg.Register(context.Background(), p)

	msg := domain.IncomingMessage{Text: "hi", SessionID: "demo:direct:1"}
	if reply, err := p.router.Route(context.Background(), msg); err != nil || reply.Response != "echo hi" {
		t.Fatalf("Route = %+v, %v", reply, err)
	}
	if err := reg.SetEnabled("demo", false); err != nil {
		t.Fatal(err)
	}
	if _, err := p.router.Route(context.Background(), msg); !errors.Is(err, ErrChannelDisabled) {
		t.Fatalf("expected ErrChannelDisabled, got %v", err)
	}
	if router.calls != 1 {
		t.Errorf("disabled plugin reached the router")
	}
	if err := reg.SetEnabled("ghost", true); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("got %v", err)
	}
}

func TestGetStatus(t *testing.T) {
	reg := New(Config{Router: &echoRouter{}, Logger: testLogger()})
	reg.Register(context.Background(), &stubPlugin{id: "plain"})
	web := channel.NewWebchat(channel.WebchatConfig{Logger: testLogger()})
	reg.Register(context.Background(), web)

	st := reg.GetStatus()
	if len(st) != 2 {
		t.Fatalf("status = %+v", st)
	}
	if st[0].ID != "plain" || st[0].Account.Status != domain.StatusConnected || st[0].Account.ID != "main" {
		t.Errorf("synthesized snapshot wrong: %+v", st[0])
	}
	if st[1].ID != "webchat" || st[1].Account.Status != domain.StatusConnected {
		t.Errorf("webchat snapshot wrong: %+v", st[1])
	}

	reg.SetEnabled("plain", false)
	if s := reg.GetStatus()[0]; s.Enabled || s.Account.Status != domain.StatusDisconnected {
		t.Errorf("disabled plugin snapshot: %+v", s)
	}
}

type failingStatus struct{}

func (failingStatus) Snapshot(string) (domain.AccountSnapshot, error) {
	return domain.AccountSnapshot{}, errors.New("tracker unavailable")
}

// statusPlugin adds a Status Adapter that always fails.
type statusPlugin struct{ *stubPlugin }

func (statusPlugin) Status() domain.StatusAdapter { return failingStatus{} }

func TestGetStatus_SnapshotError(t *testing.T) {
	reg := New(Config{Router: &echoRouter{}, Logger: testLogger()})
	reg.Register(context.Background(), statusPlugin{&stubPlugin{id: "flaky"}})

	st := reg.GetStatus()
	if len(st) != 1 || st[0].Account.Status != domain.StatusError || st[0].Account.Error != "tracker unavailable" {
		t.Fatalf("unexpected %+v", st)
	}
	if _, err := reg.Accounts("flaky"); err != nil {
		t.Fatalf("Accounts: %v", err)
	}
}

func TestFindByTargetIDAndSend(t *testing.T) {
	reg := New(Config{Router: &echoRouter{}, Logger: testLogger()})
	alpha := &stubPlugin{id: "alpha"}
	beta := &stubPlugin{id: "beta"}
	reg.Register(context.Background(), alpha)
	reg.Register(context.Background(), beta)

	rp, ok := reg.FindByTargetID("beta:direct:7")
	if !ok || rp.Plugin != beta {
		t.Fatalf("FindByTargetID = %v, %v", rp, ok)
	}
	if _, ok := reg.FindByTargetID("gamma:direct:7"); ok {
		t.Fatal("unknown target must not match")
	}

	long := strings.Repeat("word ", 20)
	results, err := reg.Send(context.Background(), "", "beta:direct:7", long)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) < 2 || len(beta.sent) != len(results) || !strings.HasPrefix(beta.sent[0], "[1/") {
		t.Errorf("expected numbered chunks, got %q", beta.sent)
	}
	for _, c := range beta.sent {
		if len(c) > 40 {
			t.Errorf("chunk over limit: %q", c)
		}
	}

	if _, err := reg.Send(context.Background(), "", "nowhere", "x"); !errors.Is(err, ErrNoPlugin) {
		t.Errorf("got %v", err)
	}
	reg.SetEnabled("alpha", false)
	if _, err := reg.Send(context.Background(), "alpha", "alpha:direct:1", "x"); !errors.Is(err, ErrChannelDisabled) {
		t.Errorf("got %v", err)
	}
}

func TestShutdownAll(t *testing.T) {
	reg := New(Config{Router: &echoRouter{}, Logger: testLogger()})
	a, b := &stubPlugin{id: "a"}, &stubPlugin{id: "b"}
	reg.Register(context.Background(), a)
	reg.Register(context.Background(), b)
	reg.ShutdownAll(context.Background())
	if len(reg.List()) != 0 || a.shutdowns != 1 || b.shutdowns != 1 {
		t.Fatal("ShutdownAll must shut down and remove every plugin")
	}
}

func TestApproveAndRestartNeedAdapters(t *testing.T) {
	reg := New(Config{Router: &echoRouter{}, Logger: testLogger()})
	reg.Register(context.Background(), &stubPlugin{id: "plain"})
	if _, err := reg.Approve(context.Background(), "plain", "main", "u", "123456"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Approve: %v", err)
	}
	if err := reg.Restart(context.Background(), "plain", "main"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Restart: %v", err)
	}
}

func TestSendMediaAndReact(t *testing.T) {
	reg := New(Config{Router: &echoRouter{}, Logger: testLogger()})
	beta := &stubPlugin{id: "beta"}
	reg.Register(context.Background(), beta)

	res, err := reg.SendMedia(context.Background(), "", "beta:direct:7", domain.OutboundMedia{URL: "https://x.test/a.png"})
	if err != nil || !res.Success {
		t.Fatalf("SendMedia = %+v, %v", res, err)
	}
	if _, err := reg.SendMedia(context.Background(), "beta", "beta:direct:7", domain.OutboundMedia{}); err == nil {
		t.Error("media without url must be rejected")
	}

	if res, err := reg.React(context.Background(), "beta", "beta:direct:7", "m1", "👍"); err != nil || !res.Success {
		t.Fatalf("React = %+v, %v", res, err)
	}
	if res, err := reg.React(context.Background(), "beta", "beta:direct:7", "m1", "x"); err != nil || res.Success {
		t.Errorf("failed reaction must come back as a result, got %+v, %v", res, err)
	}
	if _, err := reg.React(context.Background(), "beta", "beta:direct:7", "", "👍"); err == nil {
		t.Error("reaction without message id must be rejected")
	}
	if _, err := reg.React(context.Background(), "", "nowhere", "m1", "👍"); !errors.Is(err, ErrNoPlugin) {
		t.Errorf("got %v", err)
	}

	want := []string{"media https://x.test/a.png", "react m1 👍"}
	if strings.Join(beta.sent, "|") != strings.Join(want, "|") {
		t.Errorf("sent = %q, want %q", beta.sent, want)
	}
}

type pinActions struct{ pinned []string }

func (a *pinActions) ListActions() []string { return []string{"pin"} }
func (a *pinActions) HandleAction(_ context.Context, name string, params map[string]any) (any, error) {
	id, _ := params["message_id"].(string)
	if id == "" {
		return nil, errors.New("message_id is required")
	}
	a.pinned = append(a.pinned, id)
	return map[string]any{"pinned": id}, nil
}

type actionsPlugin struct {
	*stubPlugin
	actions *pinActions
}

func (p actionsPlugin) Actions() domain.ActionsAdapter { return p.actions }

func TestActions(t *testing.T) {
	reg := New(Config{Router: &echoRouter{}, Logger: testLogger()})
	acts := &pinActions{}
	reg.Register(context.Background(), actionsPlugin{&stubPlugin{id: "rich"}, acts})
	reg.Register(context.Background(), &stubPlugin{id: "plain"})

	names, err := reg.Actions("rich")
	if err != nil || len(names) != 1 || names[0] != "pin" {
		t.Fatalf("Actions = %v, %v", names, err)
	}
	out, err := reg.RunAction(context.Background(), "rich", "pin", map[string]any{"message_id": "m9"})
	if err != nil {
		t.Fatal(err)
	}
	if got := out.(map[string]any)["pinned"]; got != "m9" || len(acts.pinned) != 1 {
		t.Errorf("RunAction = %v, pinned %v", out, acts.pinned)
	}
	if _, err := reg.RunAction(context.Background(), "rich", "pin", nil); err == nil {
		t.Error("plugin error must be returned")
	}
	if _, err := reg.RunAction(context.Background(), "rich", "delete", nil); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("unknown action: %v", err)
	}
	if _, err := reg.Actions("plain"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("plain: %v", err)
	}
	if _, err := reg.RunAction(context.Background(), "ghost", "pin", nil); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("ghost: %v", err)
	}
}
