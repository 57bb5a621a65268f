package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"gltchgate/internal/bus"
	"gltchgate/internal/domain"
	"gltchgate/internal/security"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// objectReplacement marks where a mention sits in Signal message text.
const objectReplacement = "\uFFFC"

var (
	signalE164  = regexp.MustCompile(`^\+\d{8,15}$`)
	signalGroup = regexp.MustCompile(`^group\.[A-Za-z0-9+/=_-]+$`)
	signalUUID  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// SignalConfig configures the Signal channel, which talks to a signal-cli
// REST API daemon. Per account: Endpoint is the daemon base URL and Number
// the registered phone number.
type SignalConfig struct {
	Accounts []domain.ChannelConfig
	Events   *bus.EventBus
	Pairing  *security.PairingService
	Client   *http.Client
	Dialer   *websocket.Dialer
	// ReconnectMax caps the delay between receive stream reconnects.
	ReconnectMax time.Duration
	Logger       *slog.Logger
}

type signalReceiver struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Signal is the Signal channel plugin. Each account keeps a websocket receive
// stream open against its daemon and reconnects with exponential backoff.
type Signal struct {
	*Base
	client       *http.Client
	dialer       *websocket.Dialer
	reconnectMax time.Duration

	mu        sync.Mutex
	receivers map[string]*signalReceiver
}

// NewSignal creates the Signal plugin.
func NewSignal(cfg SignalConfig) *Signal {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	return &Signal{
		Base: newBase(BaseConfig{
			Meta: domain.ChannelMeta{
				ID:           "signal",
				Name:         "Signal",
				DeliveryMode: domain.DeliveryGateway,
				ChatTypes:    []domain.ChatType{domain.ChatDirect, domain.ChatGroup},
				Capabilities: domain.Capabilities{Reactions: true, Typing: true},
				Version:      "1.0.0",
				Icon:         "🔒",
			},
			Accounts: cfg.Accounts,
			Configured: func(c domain.ChannelConfig) bool {
				return strings.TrimSpace(c.Endpoint) != "" && signalE164.MatchString(strings.TrimSpace(c.Number))
			},
			Events:  cfg.Events,
			Pairing: cfg.Pairing,
			Logger:  cfg.Logger,
		}),
		client:       cfg.Client,
		dialer:       cfg.Dialer,
		reconnectMax: cfg.ReconnectMax,
		receivers:    make(map[string]*signalReceiver),
	}
}

func (s *Signal) Outbound() domain.OutboundAdapter   { return s }
func (s *Signal) Normalize() domain.NormalizeAdapter { return signalNormalizer{} }
func (s *Signal) Gateway() domain.GatewayAdapter     { return s }

func (s *Signal) Initialize(ctx context.Context, router domain.Router) error {
	s.attach(router)
	return s.connectAll(ctx, s.open)
}

func (s *Signal) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.receivers))
	for id := range s.receivers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Signal) Start(ctx context.Context, accountID string) error {
	acct, ok := s.accounts.ResolveAccount(accountID)
	if !ok {
		return fmt.Errorf("signal: unknown account %q", accountID)
	}
	s.status.Set(accountID, domain.StatusConnecting, nil)
	if err := s.open(ctx, acct); err != nil {
		s.status.Set(accountID, domain.StatusError, err)
		return err
	}
	s.status.Set(accountID, domain.StatusConnected, nil)
	return nil
}

func (s *Signal) Stop(ctx context.Context, accountID string) error {
	s.mu.Lock()
	r, ok := s.receivers[accountID]
	delete(s.receivers, accountID)
	s.mu.Unlock()
	if !ok {
		s.status.Set(accountID, domain.StatusDisconnected, nil)
		return nil
	}
	r.cancel()
	defer s.status.Set(accountID, domain.StatusDisconnected, nil)
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("signal stop %s: %w", accountID, ctx.Err())
	}
}

// open checks the daemon is reachable and starts the receive stream.
func (s *Signal) open(ctx context.Context, acct domain.ChannelConfig) error {
	var about struct {
		Versions []string `json:"versions"`
		Mode     string   `json:"mode"`
		Version  string   `json:"version"`
	}
	if err := s.call(ctx, acct, http.MethodGet, "/v1/about", nil, &about); err != nil {
		return fmt.Errorf("signal daemon check: %w", err)
	}
	s.status.SetMetadata(acct.AccountID, map[string]any{"number": acct.Number, "mode": about.Mode, "daemon_version": about.Version})

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &signalReceiver{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if old, exists := s.receivers[acct.AccountID]; exists {
		old.cancel()
	}
	s.receivers[acct.AccountID] = r
	s.mu.Unlock()

	go func() {
		defer close(r.done)
		s.receiveLoop(rctx, acct)
	}()
	return nil
}

func (s *Signal) receiveLoop(ctx context.Context, acct domain.ChannelConfig) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = s.reconnectMax

	for ctx.Err() == nil {
		received, err := s.receiveOnce(ctx, acct)
		if ctx.Err() != nil {
			return
		}
		if received {
			b.Reset()
		}
		wait := b.NextBackOff()
		s.logger.Warn("signal receive stream closed, reconnecting", "account", acct.AccountID, "err", err, "retry_in", wait)
		s.status.Set(acct.AccountID, domain.StatusConnecting, err)
		if sleepCtx(ctx, wait) != nil {
			return
		}
	}
}

// receiveOnce holds one websocket receive stream until it fails. It reports
// whether the stream was established.
func (s *Signal) receiveOnce(ctx context.Context, acct domain.ChannelConfig) (bool, error) {
	wsURL, err := signalReceiveURL(acct)
	if err != nil {
		return false, err
	}
	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("signal dial: %w", err)
	}
	defer conn.Close()
	s.status.Set(acct.AccountID, domain.StatusConnected, nil)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var env signalEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("signal bad frame", "account", acct.AccountID, "err", err)
			continue
		}
		if in := signalInboundFromEnvelope(acct, env); in != nil {
			s.handleInbound(ctx, in)
		}
	}
}

func signalReceiveURL(acct domain.ChannelConfig) (string, error) {
	u, err := url.Parse(strings.TrimRight(acct.Endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("signal endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/v1/receive/" + url.PathEscape(acct.Number)
	return u.String(), nil
}

type signalInbound struct {
	accountID  string
	source     string
	timestamp  int64
	groupID    string
	text       string
	mentioned  bool
	replyToBot bool
}

func signalInboundFromEnvelope(acct domain.ChannelConfig, env signalEnvelope) *signalInbound {
	e := env.Envelope
	dm := e.DataMessage
	if dm == nil || dm.Message == "" {
		return nil
	}
	source := e.SourceNumber
	if source == "" {
		source = e.Source
	}
	if source == "" {
		source = e.SourceUUID
	}
	in := &signalInbound{
		accountID: acct.AccountID,
		source:    source,
		timestamp: dm.Timestamp,
		text:      dm.Message,
	}
	if dm.GroupInfo != nil {
		in.groupID = dm.GroupInfo.GroupID
	}
	for _, m := range dm.Mentions {
		if m.Number == acct.Number {
			in.mentioned = true
		}
	}
	if q := dm.Quote; q != nil && (q.Author == acct.Number || q.AuthorNumber == acct.Number) {
		in.replyToBot = true
	}
	return in
}

func (s *Signal) handleInbound(ctx context.Context, in *signalInbound) {
	acct, ok := s.accounts.ResolveAccount(in.accountID)
	if !ok || in.source == "" || in.source == acct.Number {
		return
	}

	chatType := domain.ChatDirect
	recipient := in.source
	if in.groupID != "" {
		chatType = domain.ChatGroup
		recipient = signalGroupRecipient(in.groupID)
	}

	text, engaged := Engage(Engagement{
		ChatType:       chatType,
		Text:           in.text,
		Prefix:         acct.Prefix,
		Mentioned:      in.mentioned,
		MentionTokens:  []string{objectReplacement},
		ReplyToBot:     in.replyToBot,
		RequireMention: acct.RequireMention,
	})
	if !engaged {
		return
	}

	out := replyPath{
		target: recipient,
		limit:  signalMaxMsgLen,
		send: func(ctx context.Context, to, text string) domain.OutboundDeliveryResult {
			return s.sendWith(ctx, acct, to, text)
		},
		typing: func(ctx context.Context) { s.typing(ctx, acct, recipient) },
	}

	var session string
	if chatType == domain.ChatDirect {
		if notice, admitted := s.admitDirect(ctx, in.accountID, in.source); !admitted {
			if notice != "" {
				s.notify(ctx, out, notice)
			}
			return
		}
		session = BuildSessionID(s.meta.ID, chatType, in.source)
	} else {
		if !s.admitGroup(in.accountID, in.groupID) {
			return
		}
		session = BuildSessionID(s.meta.ID, chatType, in.groupID)
	}

	s.dispatch(ctx, domain.IncomingMessage{
		Text:      text,
		SessionID: session,
		ChannelID: s.meta.ID,
		UserID:    in.source,
		Metadata: map[string]any{
			"account_id": in.accountID,
			"timestamp":  in.timestamp,
			"group_id":   in.groupID,
			"chat_type":  string(chatType),
			"mentioned":  in.mentioned,
		},
	}, out)
}

// signalGroupRecipient converts a received group id to the daemon's send form.
func signalGroupRecipient(groupID string) string {
	if strings.HasPrefix(groupID, "group.") {
		return groupID
	}
	return "group." + base64.StdEncoding.EncodeToString([]byte(groupID))
}

// Outbound adapter.

func (s *Signal) TextChunkLimit() int { return signalMaxMsgLen }

func (s *Signal) SendText(ctx context.Context, target, text string) domain.OutboundDeliveryResult {
	acct, to, err := s.resolve(target)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	return s.sendWith(ctx, acct, to, text)
}

func (s *Signal) SendMedia(context.Context, string, domain.OutboundMedia) domain.OutboundDeliveryResult {
	return domain.DeliveryFailed(errors.New("signal: media by URL is not supported"))
}

// SendReaction reacts to the message identified by "timestamp" (sent by the
// target) or "author:timestamp".
func (s *Signal) SendReaction(ctx context.Context, target, messageID, emoji string) domain.OutboundDeliveryResult {
	acct, to, err := s.resolve(target)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	author, stamp := to, messageID
	if a, ts, ok := strings.Cut(messageID, ":"); ok {
		author, stamp = a, ts
	}
	ts, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return domain.DeliveryFailed(fmt.Errorf("signal: message id %q is not a timestamp", messageID))
	}
	payload := map[string]any{
		"reaction":      emoji,
		"recipient":     to,
		"target_author": author,
		"timestamp":     ts,
	}
	if err := s.call(ctx, acct, http.MethodPost, "/v1/reactions/"+url.PathEscape(acct.Number), payload, nil); err != nil {
		return domain.DeliveryFailed(err)
	}
	return domain.Delivered(messageID)
}

func (s *Signal) resolve(target string) (domain.ChannelConfig, string, error) {
	ref, err := signalNormalizer{}.ParseTargetID(target)
	if err != nil {
		return domain.ChannelConfig{}, "", err
	}
	acct, err := s.primary()
	if err != nil {
		return domain.ChannelConfig{}, "", err
	}
	id := LastSegment(ref.ID)
	if ref.Type == domain.ChatGroup {
		id = signalGroupRecipient(id)
	}
	return acct, id, nil
}

func (s *Signal) primary() (domain.ChannelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts.Active() {
		if _, ok := s.receivers[acct.AccountID]; ok {
			return acct, nil
		}
	}
	return domain.ChannelConfig{}, errors.New("signal: no connected account")
}

func (s *Signal) sendWith(ctx context.Context, acct domain.ChannelConfig, to, text string) domain.OutboundDeliveryResult {
	var resp struct {
		Timestamp string `json:"timestamp"`
	}
	err := s.call(ctx, acct, http.MethodPost, "/v2/send", map[string]any{
		"message":    text,
		"number":     acct.Number,
		"recipients": []string{to},
	}, &resp)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	return domain.Delivered(resp.Timestamp)
}

func (s *Signal) typing(ctx context.Context, acct domain.ChannelConfig, to string) {
	err := s.call(ctx, acct, http.MethodPut, "/v1/typing-indicator/"+url.PathEscape(acct.Number), map[string]string{"recipient": to}, nil)
	if err != nil {
		s.logger.Debug("signal typing indicator failed", "err", err)
	}
}

func (s *Signal) call(ctx context.Context, acct domain.ChannelConfig, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(acct.Endpoint, "/")+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("signal request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("signal API %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("signal decode: %w", err)
		}
	}
	return nil
}

// signalNormalizer recognizes E.164 numbers, account UUIDs and group ids.
type signalNormalizer struct{}

func (signalNormalizer) LooksLikeTargetID(input string) bool {
	input = strings.TrimSpace(input)
	return strings.HasPrefix(input, "signal:") ||
		signalE164.MatchString(input) ||
		signalGroup.MatchString(input) ||
		signalUUID.MatchString(input)
}

func (signalNormalizer) NormalizeTargetID(input string) string {
	input = StripChannelPrefix("signal", input)
	if signalUUID.MatchString(input) {
		return strings.ToLower(input)
	}
	if strings.HasPrefix(input, "+") || strings.ContainsAny(input, " -()") {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, input)
		return "+" + digits
	}
	return input
}

func (n signalNormalizer) ParseTargetID(targetID string) (domain.TargetRef, error) {
	if ref, ok := ParseQualifiedTarget("signal", targetID); ok {
		return ref, nil
	}
	id := n.NormalizeTargetID(targetID)
	switch {
	case signalGroup.MatchString(id):
		return domain.TargetRef{Type: domain.ChatGroup, ID: id}, nil
	case signalE164.MatchString(id), signalUUID.MatchString(id):
		return domain.TargetRef{Type: domain.ChatDirect, ID: id}, nil
	}
	return domain.TargetRef{}, errUnrecognizedTarget("signal", targetID)
}

// signal-cli REST API receive frames.

type signalEnvelope struct {
	Envelope struct {
		Source       string             `json:"source"`
		SourceNumber string             `json:"sourceNumber"`
		SourceUUID   string             `json:"sourceUuid"`
		SourceName   string             `json:"sourceName"`
		Timestamp    int64              `json:"timestamp"`
		DataMessage  *signalDataMessage `json:"dataMessage"`
	} `json:"envelope"`
	Account string `json:"account"`
}

type signalDataMessage struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
	GroupInfo *struct {
		GroupID string `json:"groupId"`
		Type    string `json:"type"`
	} `json:"groupInfo"`
	Mentions []struct {
		Number string `json:"number"`
		UUID   string `json:"uuid"`
		Start  int    `json:"start"`
		Length int    `json:"length"`
	} `json:"mentions"`
	Quote *struct {
		ID           int64  `json:"id"`
		Author       string `json:"author"`
		AuthorNumber string `json:"authorNumber"`
	} `json:"quote"`
}
