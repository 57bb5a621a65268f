package channel

import (
	"context"
	"sync"
	"testing"

	"gltchgate/internal/domain"
)

type fakePusher struct {
	mu     sync.Mutex
	pushed map[string][]string
	fail   error
}

func (p *fakePusher) Push(clientID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	if p.pushed == nil {
		p.pushed = make(map[string][]string)
	}
	p.pushed[clientID] = append(p.pushed[clientID], text)
	return nil
}

func TestWebchat_RouteDerivesSession(t *testing.T) {
	router := &fakeRouter{reply: "pong"}
	w := NewWebchat(WebchatConfig{Logger: testLogger()})
	if err := w.Initialize(context.Background(), router); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	reply, err := w.Route(context.Background(), WebchatMessage{ClientID: "c-1", Text: "  hi "})
	if err != nil || reply.Response != "pong" {
		t.Fatalf("Route = %+v, %v", reply, err)
	}
	if _, err := w.Route(context.Background(), WebchatMessage{ClientID: "c-1", SessionID: "shared", Text: "again"}); err != nil {
		t.Fatal(err)
	}

	calls := router.calls()
	if calls[0].SessionID != "webchat:direct:c-1" || calls[0].Text != "hi" || calls[0].ClientID != "c-1" {
		t.Errorf("unexpected first message %+v", calls[0])
	}
	if calls[1].SessionID != "shared" {
		t.Errorf("explicit session not honored: %q", calls[1].SessionID)
	}

	snap, err := w.Status().Snapshot(DefaultAccountID)
	if err != nil || snap.Status != domain.StatusConnected || !snap.Enabled {
		t.Errorf("snapshot = %+v, %v", snap, err)
	}
}

func TestWebchat_RouteRejectsEmptyAndUninitialized(t *testing.T) {
	w := NewWebchat(WebchatConfig{Logger: testLogger()})
	if _, err := w.Route(context.Background(), WebchatMessage{ClientID: "c", Text: "x"}); err == nil {
		t.Error("expected error before Initialize")
	}
	w.Initialize(context.Background(), &fakeRouter{})
	if _, err := w.Route(context.Background(), WebchatMessage{ClientID: "c", Text: "   "}); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestWebchat_SendTextPushesToClient(t *testing.T) {
	w := NewWebchat(WebchatConfig{Logger: testLogger()})
	if res := w.SendText(context.Background(), "webchat:direct:abc", "x"); res.Success {
		t.Fatal("send without a bound hub must fail")
	}

	p := &fakePusher{}
	w.Bind(p)
	if res := w.SendText(context.Background(), "webchat:direct:abc", "hello"); !res.Success {
		t.Fatalf("send failed: %s", res.Error)
	}
	if got := p.pushed["abc"]; len(got) != 1 || got[0] != "hello" {
		t.Errorf("pushed %v", got)
	}

	p.fail = ErrNoClient
	res := w.SendText(context.Background(), "abc", "x")
	if res.Success || res.Error == "" {
		t.Errorf("expected failure, got %+v", res)
	}
}

func TestWebchat_NoSecurityAdapter(t *testing.T) {
	w := NewWebchat(WebchatConfig{Logger: testLogger()})
	set := domain.AdaptersOf(w)
	if set.Has(domain.AdapterSecurity) || set.Has(domain.AdapterPairing) {
		t.Errorf("webchat must not expose security adapters, got %v", set.Names())
	}
	if !set.Has(domain.AdapterStatus) {
		t.Error("webchat must expose status")
	}
}

func TestWebchatNormalizer(t *testing.T) {
	n := webchatNormalizer{}
	if n.LooksLikeTargetID("abc") {
		t.Error("bare ids must not be claimed")
	}
	ref, err := n.ParseTargetID("abc-123")
	if err != nil || ref != (domain.TargetRef{Type: domain.ChatDirect, ID: "abc-123"}) {
		t.Errorf("ParseTargetID = %+v, %v", ref, err)
	}
	if _, err := n.ParseTargetID("has space"); err == nil {
		t.Error("expected rejection")
	}
}
