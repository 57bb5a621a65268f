package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"gltchgate/internal/bus"
	"gltchgate/internal/domain"
	"gltchgate/internal/security"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

var (
	slackConversationID = regexp.MustCompile(`^[CGD][A-Z0-9]{8,}$`)
	slackUserID         = regexp.MustCompile(`^[UW][A-Z0-9]{8,}$`)
	slackUserMention    = regexp.MustCompile(`^<@([UW][A-Z0-9]+)(?:\|[^>]*)?>$`)
	slackChanMention    = regexp.MustCompile(`^<#([CG][A-Z0-9]+)(?:\|[^>]*)?>$`)
)

// SlackConfig configures the Slack channel. Each account needs a bot token
// and an app-level token for Socket Mode.
type SlackConfig struct {
	Accounts []domain.ChannelConfig
	Events   *bus.EventBus
	Pairing  *security.PairingService
	Logger   *slog.Logger
}

type slackConn struct {
	api    *slack.Client
	socket *socketmode.Client
	botUID string
	cancel context.CancelFunc
	done   chan struct{}
}

// Slack is the Slack channel plugin using Socket Mode.
type Slack struct {
	*Base

	mu    sync.RWMutex
	conns map[string]*slackConn
	order []string

	openFn  func(ctx context.Context, acct domain.ChannelConfig) error
	closeFn func(accountID string) error
	sendFn  func(ctx context.Context, channelID, threadTS, text string) (string, error)
	mediaFn func(ctx context.Context, channelID, threadTS string, media domain.OutboundMedia) (string, error)
	reactFn func(ctx context.Context, channelID, timestamp, emoji string) error
}

// NewSlack creates the Slack plugin.
func NewSlack(cfg SlackConfig) *Slack {
	s := &Slack{
		Base: newBase(BaseConfig{
			Meta: domain.ChannelMeta{
				ID:           "slack",
				Name:         "Slack",
				DeliveryMode: domain.DeliveryGateway,
				ChatTypes:    []domain.ChatType{domain.ChatDirect, domain.ChatGroup, domain.ChatChannel, domain.ChatThread},
				Capabilities: domain.Capabilities{Reactions: true, Media: true, Threads: true, Edits: true},
				Version:      "1.0.0",
				Icon:         "💬",
			},
			Accounts: cfg.Accounts,
			Configured: func(c domain.ChannelConfig) bool {
				return hasToken(c) && strings.TrimSpace(c.AppToken) != ""
			},
			Events:  cfg.Events,
			Pairing: cfg.Pairing,
			Logger:  cfg.Logger,
		}),
		conns: make(map[string]*slackConn),
	}
	s.openFn = s.openSocket
	s.closeFn = s.closeSocket
	s.sendFn = s.postMessage
	s.mediaFn = s.postImage
	s.reactFn = s.addReaction
	return s
}

func (s *Slack) Outbound() domain.OutboundAdapter   { return s }
func (s *Slack) Normalize() domain.NormalizeAdapter { return slackNormalizer{} }
func (s *Slack) Gateway() domain.GatewayAdapter     { return s }

func (s *Slack) Initialize(ctx context.Context, router domain.Router) error {
	s.attach(router)
	return s.connectAll(ctx, s.openFn)
}

func (s *Slack) Shutdown(ctx context.Context) error {
	var errs []error
	for _, id := range s.openAccounts() {
		if err := s.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Slack) Start(ctx context.Context, accountID string) error {
	acct, ok := s.accounts.ResolveAccount(accountID)
	if !ok {
		return fmt.Errorf("slack: unknown account %q", accountID)
	}
	s.status.Set(accountID, domain.StatusConnecting, nil)
	if err := s.openFn(ctx, acct); err != nil {
		s.status.Set(accountID, domain.StatusError, err)
		return err
	}
	s.status.Set(accountID, domain.StatusConnected, nil)
	return nil
}

func (s *Slack) Stop(_ context.Context, accountID string) error {
	err := s.closeFn(accountID)
	s.status.Set(accountID, domain.StatusDisconnected, nil)
	return err
}

func (s *Slack) openAccounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func (s *Slack) openSocket(ctx context.Context, acct domain.ChannelConfig) error {
	api := slack.New(strings.TrimSpace(acct.Token), slack.OptionAppLevelToken(strings.TrimSpace(acct.AppToken)))

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.logger.Info("slack bot connected", "account", acct.AccountID, "user", auth.User, "user_id", auth.UserID)
	s.status.SetMetadata(acct.AccountID, map[string]any{"bot_user": auth.User, "bot_id": auth.UserID, "team": auth.Team})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn := &slackConn{api: api, socket: socketmode.New(api), botUID: auth.UserID, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if _, exists := s.conns[acct.AccountID]; !exists {
		s.order = append(s.order, acct.AccountID)
	}
	s.conns[acct.AccountID] = conn
	s.mu.Unlock()

	go s.eventLoop(runCtx, acct.AccountID, conn)
	go func() {
		defer close(conn.done)
		if err := conn.socket.RunContext(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("slack socket mode stopped", "account", acct.AccountID, "err", err)
			s.status.Set(acct.AccountID, domain.StatusError, err)
		}
	}()
	return nil
}

func (s *Slack) eventLoop(ctx context.Context, accountID string, conn *slackConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-conn.socket.Events:
			if !ok {
				return
			}
			// Unacknowledged envelopes make Slack drop the socket.
			if evt.Request != nil {
				conn.socket.Ack(*evt.Request)
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				if ev, ok := evt.Data.(slackevents.EventsAPIEvent); ok {
					if in := slackInboundFromEvent(accountID, conn.botUID, ev); in != nil {
						s.handleInbound(ctx, in)
					}
				}
			case socketmode.EventTypeSlashCommand:
				if cmd, ok := evt.Data.(slack.SlashCommand); ok {
					s.handleInbound(ctx, slackInboundFromCommand(accountID, conn.botUID, cmd))
				}
			case socketmode.EventTypeConnected:
				s.status.Set(accountID, domain.StatusConnected, nil)
			case socketmode.EventTypeConnectionError:
				s.status.Set(accountID, domain.StatusError, errors.New("socket mode connection error"))
			}
		}
	}
}

func (s *Slack) closeSocket(accountID string) error {
	s.mu.Lock()
	conn, ok := s.conns[accountID]
	delete(s.conns, accountID)
	for i, id := range s.order {
		if id == accountID {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	conn.cancel()
	<-conn.done
	return nil
}

func (s *Slack) primary() (*slack.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if c := s.conns[id]; c != nil {
			return c.api, nil
		}
	}
	return nil, errors.New("slack: no connected account")
}

type slackInbound struct {
	accountID   string
	userID      string
	botUID      string
	fromBot     bool
	channelID   string
	channelType string
	ts          string
	threadTS    string
	text        string
	mentioned   bool
	// command marks a slash command, which is addressed to the bot by definition.
	command bool
}

func slackInboundFromEvent(accountID, botUID string, event slackevents.EventsAPIEvent) *slackInbound {
	if event.Type != slackevents.CallbackEvent {
		return nil
	}
	mention := "<@" + botUID + ">"
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Edits, joins and other subtypes are not conversation turns.
		if ev.SubType != "" && ev.SubType != "thread_broadcast" {
			return nil
		}
		// Mentions outside DMs also arrive as app_mention and are handled there.
		if ev.ChannelType != "im" && strings.Contains(ev.Text, mention) {
			return nil
		}
		return &slackInbound{
			accountID:   accountID,
			userID:      ev.User,
			botUID:      botUID,
			fromBot:     ev.BotID != "",
			channelID:   ev.Channel,
			channelType: ev.ChannelType,
			ts:          ev.TimeStamp,
			threadTS:    ev.ThreadTimeStamp,
			text:        ev.Text,
			mentioned:   strings.Contains(ev.Text, mention),
		}
	case *slackevents.AppMentionEvent:
		return &slackInbound{
			accountID:   accountID,
			userID:      ev.User,
			botUID:      botUID,
			channelID:   ev.Channel,
			channelType: "channel",
			ts:          ev.TimeStamp,
			threadTS:    ev.ThreadTimeStamp,
			text:        ev.Text,
			mentioned:   true,
		}
	}
	return nil
}

func slackInboundFromCommand(accountID, botUID string, cmd slack.SlashCommand) *slackInbound {
	channelType := "channel"
	if cmd.ChannelName == "directmessage" {
		channelType = "im"
	}
	return &slackInbound{
		accountID:   accountID,
		userID:      cmd.UserID,
		botUID:      botUID,
		channelID:   cmd.ChannelID,
		channelType: channelType,
		text:        cmd.Text,
		command:     true,
	}
}

func slackChatType(in *slackInbound) domain.ChatType {
	switch {
	case in.channelType == "im":
		return domain.ChatDirect
	case in.threadTS != "" && in.threadTS != in.ts:
		return domain.ChatThread
	case in.channelType == "mpim" || in.channelType == "group":
		return domain.ChatGroup
	default:
		return domain.ChatChannel
	}
}

func (s *Slack) handleInbound(ctx context.Context, in *slackInbound) {
	if in.userID == "" || in.userID == in.botUID || in.fromBot {
		return
	}
	cfg, _ := s.accounts.ResolveAccount(in.accountID)
	chatType := slackChatType(in)

	text, ok := Engage(Engagement{
		ChatType:       chatType,
		Text:           in.text,
		Prefix:         cfg.Prefix,
		Mentioned:      in.mentioned || in.command,
		MentionTokens:  []string{"<@" + in.botUID + ">"},
		RequireMention: cfg.RequireMention,
	})
	if !ok {
		return
	}

	target := in.channelID
	if chatType == domain.ChatThread {
		target = in.channelID + ":" + in.threadTS
	}
	out := replyPath{target: target, limit: slackMaxMsgLen, send: s.sendNative}

	var session string
	switch chatType {
	case domain.ChatDirect:
		if notice, admitted := s.admitDirect(ctx, in.accountID, in.userID); !admitted {
			if notice != "" {
				s.notify(ctx, out, notice)
			}
			return
		}
		session = BuildSessionID(s.meta.ID, chatType, in.userID)
	case domain.ChatThread:
		if !s.admitGroup(in.accountID, in.channelID) {
			return
		}
		session = BuildSessionID(s.meta.ID, chatType, in.channelID, in.threadTS)
	default:
		if !s.admitGroup(in.accountID, in.channelID) {
			return
		}
		session = BuildSessionID(s.meta.ID, chatType, in.channelID)
	}

	s.dispatch(ctx, domain.IncomingMessage{
		Text:      text,
		SessionID: session,
		ChannelID: s.meta.ID,
		UserID:    in.userID,
		Metadata: map[string]any{
			"account_id": in.accountID,
			"channel":    in.channelID,
			"ts":         in.ts,
			"thread_ts":  in.threadTS,
			"chat_type":  string(chatType),
			"mentioned":  in.mentioned,
		},
	}, out)
}

// Outbound adapter.

func (s *Slack) TextChunkLimit() int { return slackMaxMsgLen }

func (s *Slack) SendText(ctx context.Context, target, text string) domain.OutboundDeliveryResult {
	native, err := s.resolveTarget(target)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	return s.sendNative(ctx, native, text)
}

func (s *Slack) SendMedia(ctx context.Context, target string, media domain.OutboundMedia) domain.OutboundDeliveryResult {
	native, err := s.resolveTarget(target)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	channelID, threadTS, _ := strings.Cut(native, ":")
	ts, err := s.mediaFn(ctx, channelID, threadTS, media)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	return domain.Delivered(ts)
}

func (s *Slack) SendReaction(ctx context.Context, target, messageID, emoji string) domain.OutboundDeliveryResult {
	native, err := s.resolveTarget(target)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	channelID, _, _ := strings.Cut(native, ":")
	if err := s.reactFn(ctx, channelID, messageID, strings.Trim(emoji, ":")); err != nil {
		return domain.DeliveryFailed(err)
	}
	return domain.Delivered(messageID)
}

// sendNative posts to "channel" or "channel:thread_ts".
func (s *Slack) sendNative(ctx context.Context, target, text string) domain.OutboundDeliveryResult {
	channelID, threadTS, _ := strings.Cut(target, ":")
	ts, err := s.sendFn(ctx, channelID, threadTS, text)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	return domain.Delivered(ts)
}

// resolveTarget returns "channel" or "channel:thread_ts". Posting to a user
// id opens the app's DM with that user.
func (s *Slack) resolveTarget(target string) (string, error) {
	ref, err := slackNormalizer{}.ParseTargetID(target)
	if err != nil {
		return "", err
	}
	if ref.Type == domain.ChatThread {
		return ref.ID, nil
	}
	return LastSegment(ref.ID), nil
}

func (s *Slack) postMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	api, err := s.primary()
	if err != nil {
		return "", err
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	return ts, nil
}

func (s *Slack) postImage(ctx context.Context, channelID, threadTS string, media domain.OutboundMedia) (string, error) {
	api, err := s.primary()
	if err != nil {
		return "", err
	}
	alt := media.Caption
	if alt == "" {
		alt = "image"
	}
	opts := []slack.MsgOption{
		slack.MsgOptionText(media.Caption, false),
		slack.MsgOptionBlocks(slack.NewImageBlock(media.URL, alt, "", nil)),
	}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return "", fmt.Errorf("slack post image: %w", err)
	}
	return ts, nil
}

func (s *Slack) addReaction(ctx context.Context, channelID, timestamp, emoji string) error {
	api, err := s.primary()
	if err != nil {
		return err
	}
	return api.AddReactionContext(ctx, emoji, slack.NewRefToMessage(channelID, timestamp))
}

// slackNormalizer recognizes conversation and user ids and their <@U>/<#C>
// mention forms.
type slackNormalizer struct{}

func (slackNormalizer) LooksLikeTargetID(input string) bool {
	input = strings.TrimSpace(input)
	return strings.HasPrefix(input, "slack:") ||
		slackConversationID.MatchString(input) ||
		slackUserID.MatchString(input) ||
		slackUserMention.MatchString(input) ||
		slackChanMention.MatchString(input)
}

func (slackNormalizer) NormalizeTargetID(input string) string {
	input = StripChannelPrefix("slack", input)
	if m := slackUserMention.FindStringSubmatch(input); m != nil {
		return m[1]
	}
	if m := slackChanMention.FindStringSubmatch(input); m != nil {
		return m[1]
	}
	return strings.ToUpper(input)
}

func (n slackNormalizer) ParseTargetID(targetID string) (domain.TargetRef, error) {
	if ref, ok := ParseQualifiedTarget("slack", targetID); ok {
		return ref, nil
	}
	id := n.NormalizeTargetID(targetID)
	switch {
	case slackUserID.MatchString(id):
		return domain.TargetRef{Type: domain.ChatDirect, ID: id}, nil
	case strings.HasPrefix(id, "D") && slackConversationID.MatchString(id):
		return domain.TargetRef{Type: domain.ChatDirect, ID: id}, nil
	case strings.HasPrefix(id, "G") && slackConversationID.MatchString(id):
		return domain.TargetRef{Type: domain.ChatGroup, ID: id}, nil
	case slackConversationID.MatchString(id):
		return domain.TargetRef{Type: domain.ChatChannel, ID: id}, nil
	}
	return domain.TargetRef{}, errUnrecognizedTarget("slack", targetID)
}
