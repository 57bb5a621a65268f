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

	"github.com/bwmarrin/discordgo"
)

var (
	discordSnowflake   = regexp.MustCompile(`^\d{17,20}$`)
	discordUserMention = regexp.MustCompile(`^<@!?(\d+)>$`)
	discordChanMention = regexp.MustCompile(`^<#(\d+)>$`)
)

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Accounts []domain.ChannelConfig
	Events   *bus.EventBus
	Pairing  *security.PairingService
	Logger   *slog.Logger
}

// Discord is the Discord channel plugin. Each account is one bot session.
type Discord struct {
	*Base

	mu       sync.RWMutex
	sessions map[string]*discordgo.Session
	order    []string
	// inbound keeps messages of one Discord channel in delivery order.
	inbound *serialQueue

	openFn   func(ctx context.Context, acct domain.ChannelConfig) error
	closeFn  func(accountID string) error
	sendFn   func(ctx context.Context, channelID, text string) (string, error)
	mediaFn  func(ctx context.Context, channelID string, media domain.OutboundMedia) (string, error)
	reactFn  func(ctx context.Context, channelID, messageID, emoji string) error
	typingFn func(ctx context.Context, channelID string)
	dmFn     func(ctx context.Context, userID string) (string, error)
}

// NewDiscord creates the Discord plugin.
func NewDiscord(cfg DiscordConfig) *Discord {
	d := &Discord{
		Base: newBase(BaseConfig{
			Meta: domain.ChannelMeta{
				ID:           "discord",
				Name:         "Discord",
				DeliveryMode: domain.DeliveryGateway,
				ChatTypes:    []domain.ChatType{domain.ChatDirect, domain.ChatChannel, domain.ChatThread},
				Capabilities: domain.Capabilities{Reactions: true, Media: true, Threads: true, Typing: true, Edits: true},
				Version:      "1.0.0",
				Icon:         "🎮",
			},
			Accounts:   cfg.Accounts,
			Configured: hasToken,
			Events:     cfg.Events,
			Pairing:    cfg.Pairing,
			Logger:     cfg.Logger,
		}),
		sessions: make(map[string]*discordgo.Session),
	}
	d.inbound = newSerialQueue(d.logger)
	d.openFn = d.openSession
	d.closeFn = d.closeSession
	d.sendFn = d.sendText
	d.mediaFn = d.sendEmbed
	d.reactFn = d.addReaction
	d.typingFn = d.sendTyping
	d.dmFn = d.openDM
	return d
}

func (d *Discord) Outbound() domain.OutboundAdapter   { return d }
func (d *Discord) Normalize() domain.NormalizeAdapter { return discordNormalizer{} }
func (d *Discord) Gateway() domain.GatewayAdapter     { return d }

// Initialize opens a gateway session for every active account.
func (d *Discord) Initialize(ctx context.Context, router domain.Router) error {
	d.attach(router)
	return d.connectAll(ctx, d.openFn)
}

// Shutdown closes every open session.
func (d *Discord) Shutdown(ctx context.Context) error {
	var errs []error
	for _, id := range d.openAccounts() {
		if err := d.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start opens the session of one account.
func (d *Discord) Start(ctx context.Context, accountID string) error {
	acct, ok := d.accounts.ResolveAccount(accountID)
	if !ok {
		return fmt.Errorf("discord: unknown account %q", accountID)
	}
	d.status.Set(accountID, domain.StatusConnecting, nil)
	if err := d.openFn(ctx, acct); err != nil {
		d.status.Set(accountID, domain.StatusError, err)
		return err
	}
	d.status.Set(accountID, domain.StatusConnected, nil)
	return nil
}

// Stop closes the session of one account.
func (d *Discord) Stop(_ context.Context, accountID string) error {
	err := d.closeFn(accountID)
	d.status.Set(accountID, domain.StatusDisconnected, nil)
	if err != nil {
		return fmt.Errorf("discord close %s: %w", accountID, err)
	}
	return nil
}

func (d *Discord) openAccounts() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.order...)
}

func (d *Discord) openSession(ctx context.Context, acct domain.ChannelConfig) error {
	session, err := discordgo.New("Bot " + strings.TrimSpace(acct.Token))
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	// Handlers run on the read loop in delivery order and only enqueue.
	session.SyncEvents = true

	accountID := acct.AccountID
	hctx := context.WithoutCancel(ctx)
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		d.dispatchMessage(hctx, s, accountID, m)
	})
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		go d.handleInteraction(hctx, s, accountID, i)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.mu.Lock()
	if _, exists := d.sessions[accountID]; !exists {
		d.order = append(d.order, accountID)
	}
	d.sessions[accountID] = session
	d.mu.Unlock()

	if session.State != nil && session.State.User != nil {
		d.status.SetMetadata(accountID, map[string]any{"bot_user": session.State.User.Username, "bot_id": session.State.User.ID})
		d.registerCommands(session)
	}
	return nil
}

func (d *Discord) closeSession(accountID string) error {
	d.mu.Lock()
	session, ok := d.sessions[accountID]
	delete(d.sessions, accountID)
	for i, id := range d.order {
		if id == accountID {
			d.order = append(d.order[:i:i], d.order[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return session.Close()
}

// primary returns the session outbound sends go through: the first open one.
func (d *Discord) primary() (*discordgo.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, id := range d.order {
		if s := d.sessions[id]; s != nil {
			return s, nil
		}
	}
	return nil, errors.New("discord: no connected account")
}

func (d *Discord) registerCommands(s *discordgo.Session) {
	cmd := &discordgo.ApplicationCommand{
		Name:        "ask",
		Description: "Ask the assistant a question",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "question",
			Description: "Your question",
			Required:    true,
		}},
	}
	if _, err := s.ApplicationCommandCreate(s.State.User.ID, "", cmd); err != nil {
		d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
	}
}

// discordInbound is a platform message reduced to what the gateway needs.
type discordInbound struct {
	accountID  string
	messageID  string
	authorID   string
	authorBot  bool
	botID      string
	guildID    string
	channelID  string
	thread     bool
	text       string
	mentioned  bool
	replyToBot bool
}

func discordInboundFromEvent(s *discordgo.Session, accountID string, m *discordgo.MessageCreate) *discordInbound {
	if m == nil || m.Message == nil || m.Author == nil {
		return nil
	}
	in := &discordInbound{
		accountID: accountID,
		messageID: m.ID,
		authorID:  m.Author.ID,
		authorBot: m.Author.Bot,
		guildID:   m.GuildID,
		channelID: m.ChannelID,
		text:      m.Content,
	}
	if s.State != nil && s.State.User != nil {
		in.botID = s.State.User.ID
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == in.botID {
			in.mentioned = true
		}
	}
	if ref := m.ReferencedMessage; ref != nil && ref.Author != nil && ref.Author.ID == in.botID {
		in.replyToBot = true
	}
	if in.guildID != "" && s.State != nil {
		ch, err := s.State.Channel(m.ChannelID)
		if err != nil {
			ch, err = s.Channel(m.ChannelID)
		}
		if err == nil && ch != nil {
			in.thread = ch.IsThread()
		}
	}
	return in
}

// dispatchMessage queues m behind earlier messages of the same Discord
// channel, so one conversation is routed and answered in delivery order.
func (d *Discord) dispatchMessage(ctx context.Context, s *discordgo.Session, accountID string, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	d.inbound.Do(accountID+"/"+m.ChannelID, func() {
		if in := discordInboundFromEvent(s, accountID, m); in != nil {
			d.handleInbound(ctx, in)
		}
	})
}

func (d *Discord) handleInbound(ctx context.Context, in *discordInbound) {
	if in.authorID == in.botID || in.authorBot {
		return
	}
	cfg, _ := d.accounts.ResolveAccount(in.accountID)

	chatType := domain.ChatChannel
	switch {
	case in.guildID == "":
		chatType = domain.ChatDirect
	case in.thread:
		chatType = domain.ChatThread
	}

	text, ok := Engage(Engagement{
		ChatType:       chatType,
		Text:           in.text,
		Prefix:         cfg.Prefix,
		Mentioned:      in.mentioned,
		MentionTokens:  []string{"<@" + in.botID + ">", "<@!" + in.botID + ">"},
		ReplyToBot:     in.replyToBot,
		RequireMention: cfg.RequireMention,
	})
	if !ok {
		return
	}

	out := replyPath{
		target: in.channelID,
		limit:  discordMaxMsgLen,
		send:   d.sendNative,
		typing: func(ctx context.Context) { d.typingFn(ctx, in.channelID) },
	}

	var session string
	if chatType == domain.ChatDirect {
		if notice, admitted := d.admitDirect(ctx, in.accountID, in.authorID); !admitted {
			if notice != "" {
				d.notify(ctx, out, notice)
			}
			return
		}
		session = BuildSessionID(d.meta.ID, chatType, in.authorID)
	} else {
		if !d.admitGroup(in.accountID, in.guildID) {
			return
		}
		session = BuildSessionID(d.meta.ID, chatType, in.guildID, in.channelID)
	}

	d.dispatch(ctx, domain.IncomingMessage{
		Text:      text,
		SessionID: session,
		ChannelID: d.meta.ID,
		UserID:    in.authorID,
		Metadata: map[string]any{
			"account_id": in.accountID,
			"message_id": in.messageID,
			"guild_id":   in.guildID,
			"chat_type":  string(chatType),
			"mentioned":  in.mentioned,
		},
	}, out)
}

// handleInteraction answers the /ask slash command through a deferred reply.
func (d *Discord) handleInteraction(ctx context.Context, s *discordgo.Session, accountID string, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	if data.Name != "ask" {
		return
	}
	var question string
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			question = strings.TrimSpace(opt.StringValue())
		}
	}
	if question == "" {
		return
	}

	var user *discordgo.User
	if i.Member != nil {
		user = i.Member.User
	} else {
		user = i.User
	}
	if user == nil {
		return
	}

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		d.logger.Error("interaction ack failed", "err", err)
		return
	}

	followup := func(ctx context.Context, _ string, text string) domain.OutboundDeliveryResult {
		msg, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{Content: text})
		if err != nil {
			return domain.DeliveryFailed(err)
		}
		return domain.Delivered(msg.ID)
	}
	out := replyPath{target: i.ChannelID, limit: discordMaxMsgLen, send: followup}

	var session string
	if i.GuildID == "" {
		if notice, admitted := d.admitDirect(ctx, accountID, user.ID); !admitted {
			if notice != "" {
				d.notify(ctx, out, notice)
			}
			return
		}
		session = BuildSessionID(d.meta.ID, domain.ChatDirect, user.ID)
	} else {
		if !d.admitGroup(accountID, i.GuildID) {
			d.notify(ctx, out, "⛔ This server is not allowed to use the assistant.")
			return
		}
		session = BuildSessionID(d.meta.ID, domain.ChatChannel, i.GuildID, i.ChannelID)
	}

	d.dispatch(ctx, domain.IncomingMessage{
		Text:      question,
		SessionID: session,
		ChannelID: d.meta.ID,
		UserID:    user.ID,
		Metadata:  map[string]any{"account_id": accountID, "guild_id": i.GuildID, "slash_command": data.Name},
	}, out)
}

// Outbound adapter.

func (d *Discord) TextChunkLimit() int { return discordMaxMsgLen }

func (d *Discord) SendText(ctx context.Context, target, text string) domain.OutboundDeliveryResult {
	channelID, err := d.resolveChannel(ctx, target)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	return d.sendNative(ctx, channelID, text)
}

func (d *Discord) SendMedia(ctx context.Context, target string, media domain.OutboundMedia) domain.OutboundDeliveryResult {
	channelID, err := d.resolveChannel(ctx, target)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	id, err := d.mediaFn(ctx, channelID, media)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	return domain.Delivered(id)
}

func (d *Discord) SendReaction(ctx context.Context, target, messageID, emoji string) domain.OutboundDeliveryResult {
	channelID, err := d.resolveChannel(ctx, target)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	if err := d.reactFn(ctx, channelID, messageID, emoji); err != nil {
		return domain.DeliveryFailed(err)
	}
	return domain.Delivered(messageID)
}

// sendNative sends to a raw Discord channel id.
func (d *Discord) sendNative(ctx context.Context, channelID, text string) domain.OutboundDeliveryResult {
	id, err := d.sendFn(ctx, channelID, text)
	if err != nil {
		return domain.DeliveryFailed(err)
	}
	return domain.Delivered(id)
}

// resolveChannel maps a target to the Discord channel a message is posted in.
// Direct targets name a user, whose DM channel is opened on demand.
func (d *Discord) resolveChannel(ctx context.Context, target string) (string, error) {
	ref, err := discordNormalizer{}.ParseTargetID(target)
	if err != nil {
		return "", err
	}
	native := LastSegment(ref.ID)
	if ref.Type == domain.ChatDirect {
		return d.dmFn(ctx, native)
	}
	return native, nil
}

func (d *Discord) sendText(_ context.Context, channelID, text string) (string, error) {
	s, err := d.primary()
	if err != nil {
		return "", err
	}
	msg, err := s.ChannelMessageSend(channelID, text)
	if err != nil {
		return "", fmt.Errorf("discord send: %w", err)
	}
	return msg.ID, nil
}

func (d *Discord) sendEmbed(_ context.Context, channelID string, media domain.OutboundMedia) (string, error) {
	s, err := d.primary()
	if err != nil {
		return "", err
	}
	msg, err := s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: media.Caption,
		Embeds:  []*discordgo.MessageEmbed{{Image: &discordgo.MessageEmbedImage{URL: media.URL}}},
	})
	if err != nil {
		return "", fmt.Errorf("discord send media: %w", err)
	}
	return msg.ID, nil
}

func (d *Discord) addReaction(_ context.Context, channelID, messageID, emoji string) error {
	s, err := d.primary()
	if err != nil {
		return err
	}
	return s.MessageReactionAdd(channelID, messageID, emoji)
}

func (d *Discord) sendTyping(_ context.Context, channelID string) {
	s, err := d.primary()
	if err != nil {
		return
	}
	if err := s.ChannelTyping(channelID); err != nil {
		d.logger.Debug("typing indicator failed", "channel_id", channelID, "err", err)
	}
}

func (d *Discord) openDM(_ context.Context, userID string) (string, error) {
	s, err := d.primary()
	if err != nil {
		return "", err
	}
	ch, err := s.UserChannelCreate(userID)
	if err != nil {
		return "", fmt.Errorf("discord open dm: %w", err)
	}
	return ch.ID, nil
}

// discordNormalizer recognizes snowflakes and <@user> / <#channel> mentions.
type discordNormalizer struct{}

func (discordNormalizer) LooksLikeTargetID(input string) bool {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "discord:") {
		return true
	}
	return discordSnowflake.MatchString(input) ||
		discordUserMention.MatchString(input) ||
		discordChanMention.MatchString(input)
}

func (discordNormalizer) NormalizeTargetID(input string) string {
	input = StripChannelPrefix("discord", input)
	if m := discordUserMention.FindStringSubmatch(input); m != nil {
		return m[1]
	}
	if m := discordChanMention.FindStringSubmatch(input); m != nil {
		return m[1]
	}
	return input
}

func (discordNormalizer) ParseTargetID(targetID string) (domain.TargetRef, error) {
	if ref, ok := ParseQualifiedTarget("discord", targetID); ok {
		return ref, nil
	}
	input := strings.TrimSpace(targetID)
	switch {
	case discordUserMention.MatchString(input):
		return domain.TargetRef{Type: domain.ChatDirect, ID: discordUserMention.FindStringSubmatch(input)[1]}, nil
	case discordChanMention.MatchString(input):
		return domain.TargetRef{Type: domain.ChatChannel, ID: discordChanMention.FindStringSubmatch(input)[1]}, nil
	case discordSnowflake.MatchString(input):
		return domain.TargetRef{Type: domain.ChatChannel, ID: input}, nil
	}
	return domain.TargetRef{}, errUnrecognizedTarget("discord", targetID)
}
