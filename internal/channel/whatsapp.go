package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"gltchgate/internal/bus"
	"gltchgate/internal/domain"
	"gltchgate/internal/security"
)

const (
	whatsappAPIBase        = "https://graph.facebook.com/v21.0"
	whatsappDefaultWebhook = "/webhook/whatsapp"
)

var (
	whatsappNumber = regexp.MustCompile(`^\+\d{8,15}$|^\d{8,15}$`)
	whatsappJID    = regexp.MustCompile(`^(\d{8,15})@(s\.whatsapp\.net|c\.us)$`)
)

// WhatsAppConfig configures the WhatsApp Business Cloud API channel.
//
// Per account: Token is the access token, Number the phone number id, Secret
// the app secret for webhook signatures, Endpoint an optional Graph API base,
// Extra["verifyToken"] the webhook verification token.
type WhatsAppConfig struct {
	Accounts    []domain.ChannelConfig
	WebhookPath string
	Events      *bus.EventBus
	Pairing     *security.PairingService
	Client      *http.Client
	Logger      *slog.Logger
}

// WhatsApp is the WhatsApp channel plugin. Inbound messages arrive on a
// webhook; replies go through the Graph API.
type WhatsApp struct {
	*Base
	webhookPath string
	client      *http.Client

	mu     sync.RWMutex
	active map[string]bool

	wg sync.WaitGroup
}

// NewWhatsApp creates the WhatsApp plugin.
func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = whatsappDefaultWebhook
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WhatsApp{
		Base: newBase(BaseConfig{
			Meta: domain.ChannelMeta{
				ID:           "whatsapp",
				Name:         "WhatsApp",
				DeliveryMode: domain.DeliveryGateway,
				ChatTypes:    []domain.ChatType{domain.ChatDirect},
				Capabilities: domain.Capabilities{Reactions: true, Media: true, Typing: true},
				Version:      "1.0.0",
				Icon:         "📱",
			},
			Accounts: cfg.Accounts,
			Configured: func(c domain.ChannelConfig) bool {
				return hasToken(c) && strings.TrimSpace(c.Number) != ""
			},
			Events:  cfg.Events,
			Pairing: cfg.Pairing,
			Logger:  cfg.Logger,
		}),
		webhookPath: cfg.WebhookPath,
		client:      cfg.Client,
		active:      make(map[string]bool),
	}
}

func (w *WhatsApp) Outbound() domain.OutboundAdapter   { return w }
func (w *WhatsApp) Normalize() domain.NormalizeAdapter { return whatsappNormalizer{} }
func (w *WhatsApp) Gateway() domain.GatewayAdapter     { return w }

// Initialize validates every active account's credentials against the Graph
// API and starts accepting its webhook events.
func (w *WhatsApp) Initialize(ctx context.Context, router domain.Router) error {
	w.attach(router)
	return w.connectAll(ctx, w.open)
}

// Shutdown stops accepting webhook events and waits for in-flight replies.
func (w *WhatsApp) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	ids := make([]string, 0, len(w.active))
	for id := range w.active {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	for _, id := range ids {
		_ = w.Stop(ctx, id)
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("whatsapp shutdown: %w", ctx.Err())
	}
}

func (w *WhatsApp) Start(ctx context.Context, accountID string) error {
	acct, ok := w.accounts.ResolveAccount(accountID)
	if !ok {
		return fmt.Errorf("whatsapp: unknown account %q", accountID)
	}
	w.status.Set(accountID, domain.StatusConnecting, nil)
	if err := w.open(ctx, acct); err != nil {
		w.status.Set(accountID, domain.StatusError, err)
		return err
	}
	w.status.Set(accountID, domain.StatusConnected, nil)
	return nil
}

func (w *WhatsApp) Stop(_ context.Context, accountID string) error {
	w.mu.Lock()
	delete(w.active, accountID)
	w.mu.Unlock()
	w.status.Set(accountID, domain.StatusDisconnected, nil)
	return nil
}

func (w *WhatsApp) open(ctx context.Context, acct domain.ChannelConfig) error {
	var info struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		VerifiedName       string `json:"verified_name"`
	}
	if err := w.call(ctx, acct, http.MethodGet, "?fields=display_phone_number,verified_name", nil, &info); err != nil {
		return fmt.Errorf("whatsapp token check: %w", err)
	}
	w.status.SetMetadata(acct.AccountID, map[string]any{"phone": info.DisplayPhoneNumber, "name": info.VerifiedName})

	w.mu.Lock()
	w.active[acct.AccountID] = true
	w.mu.Unlock()
	return nil
}

func (w *WhatsApp) isActive(accountID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active[accountID]
}

// accountByNumber finds the active account owning a phone number id.
func (w *WhatsApp) accountByNumber(phoneNumberID string) (domain.ChannelConfig, bool) {
	for _, acct := range w.accounts.Active() {
		if acct.Number == phoneNumberID && w.isActive(acct.AccountID) {
			return acct, true
		}
	}
	return domain.ChannelConfig{}, false
}

// primary is the account outbound sends without context go through.
func (w *WhatsApp) primary() (domain.ChannelConfig, error) {
	for _, acct := range w.accounts.Active() {
		if w.isActive(acct.AccountID) {
			return acct, nil
		}
	}
	return domain.ChannelConfig{}, errors.New("whatsapp: no connected account")
}

// Webhooks mounts verification and event delivery on the gateway server.
func (w *WhatsApp) Webhooks() map[string]http.Handler {
	return map[string]http.Handler{
		"GET " + w.webhookPath:  http.HandlerFunc(w.handleVerification),
		"POST " + w.webhookPath: http.HandlerFunc(w.handleIncoming),
	}
}

func (w *WhatsApp) handleVerification(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, token, challenge := q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge")

	if mode == "subscribe" && token != "" {
		for _, id := range w.accounts.ListAccountIDs() {
			acct, _ := w.accounts.ResolveAccount(id)
			expected := acct.Extra["verifyToken"]
			if expected != "" && subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1 {
				w.logger.Info("whatsapp webhook verified", "account", id)
				rw.WriteHeader(http.StatusOK)
				fmt.Fprint(rw, html.EscapeString(challenge))
				return
			}
		}
	}

	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

func (w *WhatsApp) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}
	if !w.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		w.logger.Warn("whatsapp invalid signature")
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp bad payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	var batch []*whatsappInbound
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			acct, ok := w.accountByNumber(change.Value.Metadata.PhoneNumberID)
			if !ok {
				continue
			}
			for _, msg := range change.Value.Messages {
				if in := whatsappInboundFromMessage(acct.AccountID, msg); in != nil {
					batch = append(batch, in)
				}
			}
		}
	}

	// Messages of one delivery are handled in order, after the ack.
	if len(batch) > 0 {
		ctx := context.WithoutCancel(r.Context())
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for _, in := range batch {
				w.handleInbound(ctx, in)
			}
		}()
	}

	// Meta retries deliveries that are not acknowledged quickly.
	rw.WriteHeader(http.StatusOK)
}

// verifySignature checks X-Hub-Signature-256 against any configured app
// secret. Without secrets every payload is accepted.
func (w *WhatsApp) verifySignature(body []byte, signature string) bool {
	var secrets []string
	for _, id := range w.accounts.ListAccountIDs() {
		if acct, _ := w.accounts.ResolveAccount(id); acct.Secret != "" {
			secrets = append(secrets, acct.Secret)
		}
	}
	if len(secrets) == 0 {
		return true
	}
	expected, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	for _, secret := range secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		if hmac.Equal([]byte(expected), []byte(hex.EncodeToString(mac.Sum(nil)))) {
			return true
		}
	}
	return false
}

type whatsappInbound struct {
	accountID string
	messageID string
	from      string
	text      string
}

func whatsappInboundFromMessage(accountID string, msg waMessage) *whatsappInbound {
	in := &whatsappInbound{accountID: accountID, messageID: msg.ID, from: msg.From}
	switch {
	case msg.Type == "text" && msg.Text != nil:
		in.text = msg.Text.Body
	case msg.Type == "image" && msg.Image != nil:
		in.text = msg.Image.Caption
	case msg.Type == "interactive" && msg.Interactive != nil:
		switch {
		case msg.Interactive.ButtonReply != nil:
			in.text = msg.Interactive.ButtonReply.Title
		case msg.Interactive.ListReply != nil:
			in.text = msg.Interactive.ListReply.Title
		}
	}
	if strings.TrimSpace(in.text) == "" {
		return nil
	}
	return in
}

func (w *WhatsApp) handleInbound(ctx context.Context, in *whatsappInbound) {
	acct, ok := w.accounts.ResolveAccount(in.accountID)
	if !ok || in.from == acct.Number {
		return
	}

	text, engaged := Engage(Engagement{ChatType: domain.ChatDirect, Text: in.text, Prefix: acct.Prefix})
	if !engaged {
		return
	}

	out := replyPath{
		target: in.from,
		limit:  whatsappMaxMsgLen,
		send: func(ctx context.Context, to, text string) domain.OutboundDeliveryResult {
			return w.sendWith(ctx, acct, to, text)
		},
		typing: func(ctx context.Context) { w.markRead(ctx, acct, in.messageID) },
	}

	if notice, admitted := w.admitDirect(ctx, in.accountID, in.from); !admitted {
		if notice != "" {
			w.notify(ctx, out, notice)
		}
		return
	}

	w.dispatch(ctx, domain.IncomingMessage{
		Text:      text,
		SessionID: BuildSessionID(w.meta.ID, domain.ChatDirect, in.from),
		ChannelID: w.meta.ID,
		UserID:    in.from,
		Metadata: map[string]any{
			"account_id": in.accountID,
			"message_id": in.messageID,
			"chat_type":  string(domain.ChatDirect),
		},
	}, out)
}

// Outbound adapter.

func (w *WhatsApp) TextChunkLimit() int { return whatsappMaxMsgLen }

func (w *WhatsApp) SendText(ctx context.Context, target, text string) domain.OutboundDeliveryResult {
	acct, err := w.primary()
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	to, err := whatsappRecipient(target)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	return w.sendWith(ctx, acct, to, text)
}

func (w *WhatsApp) SendMedia(ctx context.Context, target string, media domain.OutboundMedia) domain.OutboundDeliveryResult {
	acct, err := w.primary()
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	to, err := whatsappRecipient(target)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	return w.post(ctx, acct, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "image",
		"image":             map[string]string{"link": media.URL, "caption": media.Caption},
	})
}

func (w *WhatsApp) SendReaction(ctx context.Context, target, messageID, emoji string) domain.OutboundDeliveryResult {
	acct, err := w.primary()
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	to, err := whatsappRecipient(target)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	return w.post(ctx, acct, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "reaction",
		"reaction":          map[string]string{"message_id": messageID, "emoji": emoji},
	})
}

func (w *WhatsApp) sendWith(ctx context.Context, acct domain.ChannelConfig, to, text string) domain.OutboundDeliveryResult {
	return w.post(ctx, acct, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": text},
	})
}

// markRead marks the inbound message read and shows the typing indicator.
func (w *WhatsApp) markRead(ctx context.Context, acct domain.ChannelConfig, messageID string) {
	if messageID == "" {
		return
	}
	err := w.call(ctx, acct, http.MethodPost, "/messages", map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
		"typing_indicator":  map[string]string{"type": "text"},
	}, nil)
	if err != nil {
		w.logger.Debug("whatsapp mark read failed", "err", err)
	}
}

func (w *WhatsApp) post(ctx context.Context, acct domain.ChannelConfig, payload map[string]any) domain.OutboundDeliveryResult {
	var resp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := w.call(ctx, acct, http.MethodPost, "/messages", payload, &resp); err != nil {
		return domain.DeliveryFailed(err)
	}
	var id string
	if len(resp.Messages) > 0 {
		id = resp.Messages[0].ID
	}
	return domain.Delivered(id)
}

// call performs one Graph API request on the account's phone number node.
func (w *WhatsApp) call(ctx context.Context, acct domain.ChannelConfig, method, suffix string, payload, out any) error {
	base := strings.TrimRight(acct.Endpoint, "/")
	if base == "" {
		base = whatsappAPIBase
	}
	url := base + "/" + acct.Number + suffix

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+acct.Token)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("whatsapp decode: %w", err)
		}
	}
	return nil
}

func whatsappRecipient(target string) (string, error) {
	ref, err := whatsappNormalizer{}.ParseTargetID(target)
	if err != nil {
		return "", err
	}
	return whatsappNormalizer{}.NormalizeTargetID(LastSegment(ref.ID)), nil
}

// whatsappNormalizer recognizes E.164 numbers and WhatsApp JIDs. The Cloud
// API addresses recipients by digits without the leading plus.
type whatsappNormalizer struct{}

func (whatsappNormalizer) LooksLikeTargetID(input string) bool {
	input = strings.TrimSpace(input)
	return strings.HasPrefix(input, "whatsapp:") ||
		whatsappNumber.MatchString(input) ||
		whatsappJID.MatchString(input)
}

func (whatsappNormalizer) NormalizeTargetID(input string) string {
	input = StripChannelPrefix("whatsapp", input)
	if m := whatsappJID.FindStringSubmatch(input); m != nil {
		return m[1]
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '+', ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, input)
}

func (n whatsappNormalizer) ParseTargetID(targetID string) (domain.TargetRef, error) {
	if ref, ok := ParseQualifiedTarget("whatsapp", targetID); ok {
		return ref, nil
	}
	id := n.NormalizeTargetID(targetID)
	if whatsappNumber.MatchString(id) {
		return domain.TargetRef{Type: domain.ChatDirect, ID: id}, nil
	}
	return domain.TargetRef{}, errUnrecognizedTarget("whatsapp", targetID)
}

// Webhook payload types.

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Metadata         waMetadata  `json:"metadata"`
	Messages         []waMessage `json:"messages"`
}

type waMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type waMessage struct {
	From        string         `json:"from"`
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Text        *waText        `json:"text,omitempty"`
	Image       *waImage       `json:"image,omitempty"`
	Interactive *waInteractive `json:"interactive,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waImage struct {
	ID      string `json:"id"`
	Caption string `json:"caption"`
}

type waInteractive struct {
	Type        string    `json:"type"`
	ButtonReply *waChoice `json:"button_reply,omitempty"`
	ListReply   *waChoice `json:"list_reply,omitempty"`
}

type waChoice struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}
