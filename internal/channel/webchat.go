package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gltchgate/internal/bus"
	"gltchgate/internal/domain"
)

// ErrNoClient is returned when a webchat target has no live connection.
var ErrNoClient = errors.New("webchat: client not connected")

// ClientPusher delivers a server-initiated message to one live browser client.
// The websocket hub implements it.
type ClientPusher interface {
	Push(clientID, text string) error
}

// WebchatConfig configures the built-in browser channel.
type WebchatConfig struct {
	Accounts []domain.ChannelConfig
	Events   *bus.EventBus
	Logger   *slog.Logger
}

// WebchatMessage is one chat frame received by the hub.
type WebchatMessage struct {
	ClientID  string
	SessionID string
	UserID    string
	Text      string
}

// Webchat is the browser channel. Its transport is the gateway's websocket
// hub, so the plugin holds no connection of its own: inbound chat frames are
// routed through Route and outbound sends are pushed to the hub.
type Webchat struct {
	*Base

	mu     sync.RWMutex
	pusher ClientPusher
}

// NewWebchat creates the webchat plugin. Without configured accounts a
// single enabled default account is assumed.
func NewWebchat(cfg WebchatConfig) *Webchat {
	if len(cfg.Accounts) == 0 {
		cfg.Accounts = []domain.ChannelConfig{{AccountID: DefaultAccountID, Enabled: true}}
	}
	return &Webchat{
		Base: newBase(BaseConfig{
			Meta: domain.ChannelMeta{
				ID:           "webchat",
				Name:         "WebChat",
				DeliveryMode: domain.DeliveryDirect,
				ChatTypes:    []domain.ChatType{domain.ChatDirect},
				Capabilities: domain.Capabilities{Typing: true},
				Version:      "1.0.0",
				Icon:         "🌐",
			},
			Accounts:   cfg.Accounts,
			Events:     cfg.Events,
			NoSecurity: true,
			Logger:     cfg.Logger,
		}),
	}
}

func (w *Webchat) Outbound() domain.OutboundAdapter   { return w }
func (w *Webchat) Normalize() domain.NormalizeAdapter { return webchatNormalizer{} }

func (w *Webchat) Initialize(ctx context.Context, router domain.Router) error {
	w.attach(router)
	return w.connectAll(ctx, func(context.Context, domain.ChannelConfig) error { return nil })
}

func (w *Webchat) Shutdown(context.Context) error {
	for _, acct := range w.accounts.Active() {
		w.status.Set(acct.AccountID, domain.StatusDisconnected, nil)
	}
	w.attach(nil)
	return nil
}

// Bind attaches the transport that outbound sends are pushed through.
func (w *Webchat) Bind(p ClientPusher) {
	w.mu.Lock()
	w.pusher = p
	w.mu.Unlock()
}

// ClientCountChanged records the number of live browser clients in the
// default account's status metadata.
func (w *Webchat) ClientCountChanged(n int) {
	if acct, ok := w.accounts.First(); ok {
		w.status.SetMetadata(acct.AccountID, map[string]any{"clients": n})
	}
}

// SessionFor returns the session id of a hub connection: the explicit
// session when the client asked for one, else one derived from its client id.
func SessionFor(clientID, explicit string) string {
	if s := strings.TrimSpace(explicit); s != "" {
		return s
	}
	return BuildSessionID("webchat", domain.ChatDirect, clientID)
}

// Route forwards one hub chat frame to the router. Unlike platform plugins the
// reply is returned whole so the hub can render mood and other fields.
func (w *Webchat) Route(ctx context.Context, m WebchatMessage) (*domain.RouteReply, error) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return nil, errors.New("webchat: empty message")
	}
	router := w.currentRouter()
	if router == nil {
		return nil, errors.New("webchat: channel not initialized")
	}
	msg := domain.IncomingMessage{
		Text:      text,
		SessionID: SessionFor(m.ClientID, m.SessionID),
		ChannelID: w.meta.ID,
		UserID:    m.UserID,
		ClientID:  m.ClientID,
		Timestamp: time.Now(),
	}
	w.logger.Info("inbound message", "session", msg.SessionID, "client", m.ClientID, "text_len", len(text))
	return router.Route(ctx, msg)
}

// Outbound adapter.

func (w *Webchat) TextChunkLimit() int { return webchatMaxMsgLen }

func (w *Webchat) SendText(_ context.Context, target, text string) domain.OutboundDeliveryResult {
	ref, err := webchatNormalizer{}.ParseTargetID(target)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	w.mu.RLock()
	p := w.pusher
	w.mu.RUnlock()
	if p == nil {
		return domain.DeliveryFailed(errors.New("webchat: hub not bound"))
	}
	clientID := LastSegment(ref.ID)
	if err := p.Push(clientID, text); err != nil {
		return domain.DeliveryFailed(fmt.Errorf("webchat push %s: %w", clientID, err))
	}
	return domain.Delivered("")
}

func (w *Webchat) SendMedia(ctx context.Context, target string, media domain.OutboundMedia) domain.OutboundDeliveryResult {
	text := media.URL
	if media.Caption != "" {
		text = media.Caption + "\n" + media.URL
	}
	return w.SendText(ctx, target, text)
}

func (w *Webchat) SendReaction(context.Context, string, string, string) domain.OutboundDeliveryResult {
	return domain.DeliveryFailed(errors.New("webchat: reactions are not supported"))
}

// webchatNormalizer accepts only qualified ids or bare client ids; bare
// strings are too generic to claim in LooksLikeTargetID.
type webchatNormalizer struct{}

func (webchatNormalizer) LooksLikeTargetID(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "webchat:")
}

func (webchatNormalizer) NormalizeTargetID(input string) string {
	return StripChannelPrefix("webchat", input)
}

func (n webchatNormalizer) ParseTargetID(targetID string) (domain.TargetRef, error) {
	if ref, ok := ParseQualifiedTarget("webchat", targetID); ok {
		return ref, nil
	}
	id := n.NormalizeTargetID(targetID)
	if id == "" || strings.ContainsAny(id, " \t\n") {
		return domain.TargetRef{}, errUnrecognizedTarget("webchat", targetID)
	}
	return domain.TargetRef{Type: domain.ChatDirect, ID: id}, nil
}
