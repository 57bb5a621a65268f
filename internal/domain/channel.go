package domain

import (
	"context"
	"net/http"
	"strings"
)

// DeliveryMode says how a channel reaches its platform.
type DeliveryMode string

const (
	// DeliveryGateway channels terminate a socket or poll loop locally.
	DeliveryGateway DeliveryMode = "gateway"
	// DeliveryDirect channels call the platform API directly.
	DeliveryDirect DeliveryMode = "direct"
)

// ChatType classifies the conversation a message belongs to.
type ChatType string

const (
	ChatDirect  ChatType = "direct"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
	ChatThread  ChatType = "thread"
)

// ParseChatType reports whether s names a known chat type.
func ParseChatType(s string) (ChatType, bool) {
	switch ct := ChatType(strings.ToLower(strings.TrimSpace(s))); ct {
	case ChatDirect, ChatGroup, ChatChannel, ChatThread:
		return ct, true
	}
	return "", false
}

// Capabilities are the optional platform features a channel supports.
type Capabilities struct {
	Reactions bool `json:"reactions"`
	Media     bool `json:"media"`
	Threads   bool `json:"threads"`
	Typing    bool `json:"typing"`
	Edits     bool `json:"edits"`
}

// ChannelMeta is the immutable descriptor of a channel plugin.
type ChannelMeta struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	DeliveryMode DeliveryMode `json:"delivery_mode"`
	ChatTypes    []ChatType   `json:"chat_types"`
	Capabilities Capabilities `json:"capabilities"`
	Version      string       `json:"version"`
	Icon         string       `json:"icon,omitempty"`
}

// SupportsChatType reports whether the channel handles ct.
func (m ChannelMeta) SupportsChatType(ct ChatType) bool {
	for _, t := range m.ChatTypes {
		if t == ct {
			return true
		}
	}
	return false
}

// ChannelConfig is the configuration of one account of a channel.
type ChannelConfig struct {
	AccountID      string            `json:"account_id"`
	Enabled        bool              `json:"enabled"`
	Token          string            `json:"-"`
	AppToken       string            `json:"-"`
	Secret         string            `json:"-"`
	Endpoint       string            `json:"endpoint,omitempty"`
	Number         string            `json:"number,omitempty"`
	Prefix         string            `json:"prefix,omitempty"`
	RequireMention bool              `json:"require_mention,omitempty"`
	AllowFrom      []string          `json:"allow_from,omitempty"`
	AllowGroups    []string          `json:"allow_groups,omitempty"`
	DmPolicy       DmPolicy          `json:"dm_policy,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Router is the funnel every inbound message passes through.
type Router interface {
	Route(ctx context.Context, msg IncomingMessage) (*RouteReply, error)
}

// ConfigAdapter owns the per-account configuration of a channel.
type ConfigAdapter interface {
	ListAccountIDs() []string
	ResolveAccount(accountID string) (ChannelConfig, bool)
	SetConfig(cfg ChannelConfig)
	SetEnabled(accountID string, enabled bool) error
	Delete(accountID string) bool
	IsConfigured(cfg ChannelConfig) bool
}

// OutboundAdapter delivers content to a resolved target on the platform.
type OutboundAdapter interface {
	SendText(ctx context.Context, target, text string) OutboundDeliveryResult
	SendMedia(ctx context.Context, target string, media OutboundMedia) OutboundDeliveryResult
	SendReaction(ctx context.Context, target, messageID, emoji string) OutboundDeliveryResult
	TextChunkLimit() int
}

// NormalizeAdapter recognizes and decomposes platform target ids. All methods
// are pure functions of their input.
type NormalizeAdapter interface {
	LooksLikeTargetID(input string) bool
	NormalizeTargetID(input string) string
	ParseTargetID(targetID string) (TargetRef, error)
}

// SecurityAdapter decides whether an unknown direct-message sender is admitted.
type SecurityAdapter interface {
	ResolveDmPolicy(accountID string) DmPolicy
	IsAllowed(ctx context.Context, accountID, senderID string) (bool, error)
	Allowlist(ctx context.Context, accountID string) ([]AllowlistEntry, error)
}

// GatewayAdapter starts and stops the locally terminated connection of a
// socket or poll based platform.
type GatewayAdapter interface {
	Start(ctx context.Context, accountID string) error
	Stop(ctx context.Context, accountID string) error
}

// StatusAdapter produces health snapshots on demand.
type StatusAdapter interface {
	Snapshot(accountID string) (AccountSnapshot, error)
}

// PairingAdapter issues and approves pairing codes for the pairing DM policy.
type PairingAdapter interface {
	RequestCode(accountID, senderID string) string
	Approve(ctx context.Context, accountID, senderID, code string) (bool, error)
}

// ActionsAdapter exposes platform specific actions by name.
type ActionsAdapter interface {
	ListActions() []string
	HandleAction(ctx context.Context, name string, params map[string]any) (any, error)
}

// ChannelPlugin is the required capability set of every channel.
type ChannelPlugin interface {
	Meta() ChannelMeta
	Config() ConfigAdapter
	Outbound() OutboundAdapter
	Normalize() NormalizeAdapter

	// Initialize opens a connection for every configured and enabled
	// account. No configured accounts is success.
	Initialize(ctx context.Context, router Router) error
	// Shutdown releases every open connection. It is safe to call after a
	// partially failed Initialize.
	Shutdown(ctx context.Context) error
}

// Optional adapter providers. A plugin implements only those meaningful for
// its platform.
type (
	SecurityProvider interface{ Security() SecurityAdapter }
	GatewayProvider  interface{ Gateway() GatewayAdapter }
	StatusProvider   interface{ Status() StatusAdapter }
	PairingProvider  interface{ Pairing() PairingAdapter }
	ActionsProvider  interface{ Actions() ActionsAdapter }
)

// WebhookProvider is implemented by plugins that receive platform events over
// HTTP. Patterns use net/http ServeMux syntax ("POST /webhook/whatsapp").
type WebhookProvider interface {
	Webhooks() map[string]http.Handler
}

// AdapterSet is a bitmask of the optional adapters a plugin provides.
type AdapterSet uint8

const (
	AdapterSecurity AdapterSet = 1 << iota
	AdapterGateway
	AdapterStatus
	AdapterPairing
	AdapterActions
)

// Has reports whether every adapter in a is present.
func (s AdapterSet) Has(a AdapterSet) bool { return s&a == a }

// Names lists the adapters in the set.
func (s AdapterSet) Names() []string {
	var names []string
	for _, a := range []struct {
		bit  AdapterSet
		name string
	}{
		{AdapterSecurity, "security"},
		{AdapterGateway, "gateway"},
		{AdapterStatus, "status"},
		{AdapterPairing, "pairing"},
		{AdapterActions, "actions"},
	} {
		if s.Has(a.bit) {
			names = append(names, a.name)
		}
	}
	return names
}

// AdaptersOf inspects p once for its optional adapters. A provider returning a
// nil adapter does not count.
func AdaptersOf(p ChannelPlugin) AdapterSet {
	var s AdapterSet
	if v, ok := p.(SecurityProvider); ok && v.Security() != nil {
		s |= AdapterSecurity
	}
	if v, ok := p.(GatewayProvider); ok && v.Gateway() != nil {
		s |= AdapterGateway
	}
	if v, ok := p.(StatusProvider); ok && v.Status() != nil {
		s |= AdapterStatus
	}
	if v, ok := p.(PairingProvider); ok && v.Pairing() != nil {
		s |= AdapterPairing
	}
	if v, ok := p.(ActionsProvider); ok && v.Actions() != nil {
		s |= AdapterActions
	}
	return s
}
