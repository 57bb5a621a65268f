package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"gltchgate/internal/bus"
	"gltchgate/internal/domain"
	"gltchgate/internal/security"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxSendRetries = 3

var (
	telegramChatID   = regexp.MustCompile(`^-?\d{5,14}$`)
	telegramUsername = regexp.MustCompile(`^@[A-Za-z][A-Za-z0-9_]{4,31}$`)
)

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Accounts []domain.ChannelConfig
	Events   *bus.EventBus
	Pairing  *security.PairingService
	// ParseMode for outgoing text; "" means Markdown. Sends fall back to plain
	// text when Telegram rejects the markup.
	ParseMode string
	Logger    *slog.Logger
}

type telegramPoller struct {
	bot    *tgbotapi.BotAPI
	cancel context.CancelFunc
	done   chan struct{}
}

// Telegram is the Telegram channel plugin. Each account is one bot polling
// for updates.
type Telegram struct {
	*Base
	parseMode string

	mu      sync.RWMutex
	pollers map[string]*telegramPoller
	order   []string

	openFn   func(ctx context.Context, acct domain.ChannelConfig) error
	closeFn  func(accountID string) error
	sendFn   func(ctx context.Context, chat, text string) (string, error)
	photoFn  func(ctx context.Context, chat string, media domain.OutboundMedia) (string, error)
	typingFn func(ctx context.Context, chat string)
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewTelegram creates the Telegram plugin.
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.ParseMode == "" {
		cfg.ParseMode = tgbotapi.ModeMarkdown
	}
	t := &Telegram{
		Base: newBase(BaseConfig{
			Meta: domain.ChannelMeta{
				ID:           "telegram",
				Name:         "Telegram",
				DeliveryMode: domain.DeliveryGateway,
				ChatTypes:    []domain.ChatType{domain.ChatDirect, domain.ChatGroup, domain.ChatChannel},
				Capabilities: domain.Capabilities{Media: true, Typing: true, Edits: true},
				Version:      "1.0.0",
				Icon:         "✈️",
			},
			Accounts:   cfg.Accounts,
			Configured: hasToken,
			Events:     cfg.Events,
			Pairing:    cfg.Pairing,
			Logger:     cfg.Logger,
		}),
		parseMode: cfg.ParseMode,
		pollers:   make(map[string]*telegramPoller),
		sleep:     sleepCtx,
	}
	t.openFn = t.startPolling
	t.closeFn = t.stopPolling
	t.sendFn = t.sendMessage
	t.photoFn = t.sendPhoto
	t.typingFn = t.sendTyping
	return t
}

func (t *Telegram) Outbound() domain.OutboundAdapter   { return t }
func (t *Telegram) Normalize() domain.NormalizeAdapter { return telegramNormalizer{} }
func (t *Telegram) Gateway() domain.GatewayAdapter     { return t }

// Initialize starts a poll loop for every active account.
func (t *Telegram) Initialize(ctx context.Context, router domain.Router) error {
	t.attach(router)
	return t.connectAll(ctx, t.openFn)
}

// Shutdown stops every poll loop.
func (t *Telegram) Shutdown(ctx context.Context) error {
	var errs []error
	for _, id := range t.openAccounts() {
		if err := t.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Telegram) Start(ctx context.Context, accountID string) error {
	acct, ok := t.accounts.ResolveAccount(accountID)
	if !ok {
		return fmt.Errorf("telegram: unknown account %q", accountID)
	}
	t.status.Set(accountID, domain.StatusConnecting, nil)
	if err := t.openFn(ctx, acct); err != nil {
		t.status.Set(accountID, domain.StatusError, err)
		return err
	}
	t.status.Set(accountID, domain.StatusConnected, nil)
	return nil
}

func (t *Telegram) Stop(_ context.Context, accountID string) error {
	err := t.closeFn(accountID)
	t.status.Set(accountID, domain.StatusDisconnected, nil)
	return err
}

func (t *Telegram) openAccounts() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

func (t *Telegram) startPolling(ctx context.Context, acct domain.ChannelConfig) error {
	bot, err := tgbotapi.NewBotAPI(strings.TrimSpace(acct.Token))
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.logger.Info("telegram bot connected", "account", acct.AccountID, "username", bot.Self.UserName, "id", bot.Self.ID)
	t.status.SetMetadata(acct.AccountID, map[string]any{"bot_user": bot.Self.UserName, "bot_id": bot.Self.ID})

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &telegramPoller{bot: bot, cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	if _, exists := t.pollers[acct.AccountID]; !exists {
		t.order = append(t.order, acct.AccountID)
	}
	t.pollers[acct.AccountID] = p
	t.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	go func() {
		defer close(p.done)
		for {
			select {
			case <-pctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if in := telegramInboundFromUpdate(bot, acct.AccountID, update); in != nil {
					t.handleInbound(pctx, in)
				}
			}
		}
	}()
	return nil
}

// stopPolling stops one account's poll loop. StopReceivingUpdates panics when
// called twice, so the poller is removed from the map first.
func (t *Telegram) stopPolling(accountID string) error {
	t.mu.Lock()
	p, ok := t.pollers[accountID]
	delete(t.pollers, accountID)
	for i, id := range t.order {
		if id == accountID {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	p.cancel()
	p.bot.StopReceivingUpdates()
	<-p.done
	return nil
}

func (t *Telegram) primary() (*tgbotapi.BotAPI, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, id := range t.order {
		if p := t.pollers[id]; p != nil {
			return p.bot, nil
		}
	}
	return nil, errors.New("telegram: no connected account")
}

type telegramInbound struct {
	accountID   string
	messageID   int
	chatID      int64
	chatType    domain.ChatType
	userID      int64
	userIsBot   bool
	botID       int64
	botUsername string
	text        string
	command     string
	mentioned   bool
	replyToBot  bool
}

func telegramInboundFromUpdate(bot *tgbotapi.BotAPI, accountID string, update tgbotapi.Update) *telegramInbound {
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil || msg.Chat == nil {
		return nil
	}
	in := &telegramInbound{
		accountID:   accountID,
		messageID:   msg.MessageID,
		chatID:      msg.Chat.ID,
		chatType:    telegramChatType(msg.Chat),
		botID:       bot.Self.ID,
		botUsername: bot.Self.UserName,
		text:        msg.Text,
	}
	if in.text == "" {
		in.text = msg.Caption
	}
	if msg.From != nil {
		in.userID = msg.From.ID
		in.userIsBot = msg.From.IsBot
	}
	if msg.IsCommand() {
		in.command = msg.Command()
	}
	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil && reply.From.ID == in.botID {
		in.replyToBot = true
	}
	in.mentioned = in.botUsername != "" && strings.Contains(strings.ToLower(in.text), "@"+strings.ToLower(in.botUsername))
	return in
}

func telegramChatType(c *tgbotapi.Chat) domain.ChatType {
	switch {
	case c.IsPrivate():
		return domain.ChatDirect
	case c.IsChannel():
		return domain.ChatChannel
	default:
		return domain.ChatGroup
	}
}

func (t *Telegram) handleInbound(ctx context.Context, in *telegramInbound) {
	if in.userIsBot || (in.userID != 0 && in.userID == in.botID) {
		return
	}
	chat := strconv.FormatInt(in.chatID, 10)
	out := replyPath{
		target: chat,
		limit:  telegramMaxMsgLen,
		send:   t.sendNative,
		typing: func(ctx context.Context) { t.typingFn(ctx, chat) },
	}
	user := strconv.FormatInt(in.userID, 10)

	if t.handleCommand(ctx, in, out) {
		return
	}

	cfg, _ := t.accounts.ResolveAccount(in.accountID)
	text, ok := Engage(Engagement{
		ChatType:       in.chatType,
		Text:           in.text,
		Prefix:         cfg.Prefix,
		Mentioned:      in.mentioned,
		MentionTokens:  []string{"@" + in.botUsername},
		ReplyToBot:     in.replyToBot,
		RequireMention: cfg.RequireMention,
	})
	if !ok {
		return
	}

	var session string
	if in.chatType == domain.ChatDirect {
		if notice, admitted := t.admitDirect(ctx, in.accountID, user); !admitted {
			if notice != "" {
				t.notify(ctx, out, notice)
			}
			return
		}
		session = BuildSessionID(t.meta.ID, domain.ChatDirect, user)
	} else {
		if !t.admitGroup(in.accountID, chat) {
			return
		}
		session = BuildSessionID(t.meta.ID, in.chatType, chat)
	}

	t.dispatch(ctx, domain.IncomingMessage{
		Text:      text,
		SessionID: session,
		ChannelID: t.meta.ID,
		UserID:    user,
		Metadata: map[string]any{
			"account_id": in.accountID,
			"message_id": in.messageID,
			"chat_id":    in.chatID,
			"chat_type":  string(in.chatType),
			"mentioned":  in.mentioned,
		},
	}, out)
}

// handleCommand answers the bot's own commands locally. It reports whether
// the message was consumed.
func (t *Telegram) handleCommand(ctx context.Context, in *telegramInbound, out replyPath) bool {
	switch in.command {
	case "start", "help":
		t.notify(ctx, out, "👋 Hi! Send me a message and I'll pass it to the assistant.\n\nIn groups, mention me or reply to one of my messages.\n\nCommands:\n/whoami - show your ids\n/help - show this message")
		return true
	case "whoami":
		t.notify(ctx, out, fmt.Sprintf("Your ID: %d\nChat ID: %d", in.userID, in.chatID))
		return true
	}
	return false
}

// Outbound adapter.

func (t *Telegram) TextChunkLimit() int { return telegramMaxMsgLen }

func (t *Telegram) SendText(ctx context.Context, target, text string) domain.OutboundDeliveryResult {
	chat, err := t.resolveChat(target)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	return t.sendNative(ctx, chat, text)
}

func (t *Telegram) SendMedia(ctx context.Context, target string, media domain.OutboundMedia) domain.OutboundDeliveryResult {
	chat, err := t.resolveChat(target)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	id, err := t.photoFn(ctx, chat, media)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	return domain.Delivered(id)
}

func (t *Telegram) SendReaction(context.Context, string, string, string) domain.OutboundDeliveryResult {
	return domain.DeliveryFailed(errors.New("telegram: reactions are not supported"))
}

func (t *Telegram) sendNative(ctx context.Context, chat, text string) domain.OutboundDeliveryResult {
	id, err := t.sendFn(ctx, chat, text)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	return domain.Delivered(id)
}

// resolveChat maps a target to a numeric chat id or an @channel username.
func (t *Telegram) resolveChat(target string) (string, error) {
	ref, err := telegramNormalizer{}.ParseTargetID(target)
	if err != nil {
		return "", err
	}
	return LastSegment(ref.ID), nil
}

func telegramMessage(chat, text string) tgbotapi.MessageConfig {
	if id, err := strconv.ParseInt(chat, 10, 64); err == nil {
		return tgbotapi.NewMessage(id, text)
	}
	return tgbotapi.NewMessageToChannel(chat, text)
}

// sendMessage sends one chunk. The first attempt uses the configured parse
// mode; a markup rejection retries as plain text and rate limits back off.
func (t *Telegram) sendMessage(ctx context.Context, chat, text string) (string, error) {
	bot, err := t.primary()
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := telegramMessage(chat, text)
		if attempt == 0 {
			msg.ParseMode = t.parseMode
		}
		sent, err := bot.Send(msg)
		if err == nil {
			return strconv.Itoa(sent.MessageID), nil
		}
		lastErr = err
		errStr := err.Error()

		switch {
		case strings.Contains(errStr, "can't parse entities"):
			t.logger.Warn("telegram markup rejected, retrying as plain text", "err", err)
			continue
		case strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429"):
			wait := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", wait, "attempt", attempt+1)
			if err := t.sleep(ctx, wait); err != nil {
				return "", err
			}
		default:
			if attempt < telegramMaxSendRetries {
				if err := t.sleep(ctx, time.Duration(attempt+1)*time.Second); err != nil {
					return "", err
				}
			}
		}
	}
	return "", fmt.Errorf("telegram send after %d attempts: %w", telegramMaxSendRetries+1, lastErr)
}

func (t *Telegram) sendPhoto(_ context.Context, chat string, media domain.OutboundMedia) (string, error) {
	bot, err := t.primary()
	if err != nil {
		return "", err
	}
	var photo tgbotapi.PhotoConfig
	if id, err := strconv.ParseInt(chat, 10, 64); err == nil {
		photo = tgbotapi.NewPhoto(id, tgbotapi.FileURL(media.URL))
	} else {
		photo = tgbotapi.NewPhoto(0, tgbotapi.FileURL(media.URL))
		photo.ChannelUsername = chat
	}
	photo.Caption = media.Caption
	sent, err := bot.Send(photo)
	if err != nil {
		return "", fmt.Errorf("telegram send photo: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (t *Telegram) sendTyping(_ context.Context, chat string) {
	bot, err := t.primary()
	if err != nil {
		return
	}
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return
	}
	if _, err := bot.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping)); err != nil {
		t.logger.Debug("typing indicator failed", "chat_id", chat, "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// telegramNormalizer recognizes numeric chat ids (negative for groups) and
// @usernames.
type telegramNormalizer struct{}

func (telegramNormalizer) LooksLikeTargetID(input string) bool {
	input = strings.TrimSpace(input)
	return strings.HasPrefix(input, "telegram:") ||
		telegramChatID.MatchString(input) ||
		telegramUsername.MatchString(input)
}

func (telegramNormalizer) NormalizeTargetID(input string) string {
	input = StripChannelPrefix("telegram", input)
	input = strings.TrimPrefix(input, "https://t.me/")
	if telegramUsername.MatchString("@"+input) && !telegramChatID.MatchString(input) {
		return "@" + input
	}
	return input
}

func (n telegramNormalizer) ParseTargetID(targetID string) (domain.TargetRef, error) {
	if ref, ok := ParseQualifiedTarget("telegram", targetID); ok {
		return ref, nil
	}
	input := n.NormalizeTargetID(targetID)
	switch {
	case telegramUsername.MatchString(input):
		return domain.TargetRef{Type: domain.ChatChannel, ID: input}, nil
	case telegramChatID.MatchString(input) && strings.HasPrefix(input, "-"):
		return domain.TargetRef{Type: domain.ChatGroup, ID: input}, nil
	case telegramChatID.MatchString(input):
		return domain.TargetRef{Type: domain.ChatDirect, ID: input}, nil
	}
	return domain.TargetRef{}, errUnrecognizedTarget("telegram", targetID)
}
