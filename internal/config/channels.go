package config

import (
	"strconv"
	"strings"

	"gltchgate/internal/domain"
)

// ChannelNames lists the configurable channels in load order.
var ChannelNames = []string{"discord", "telegram", "slack", "whatsapp", "signal", "webchat"}

// Section returns the section of a channel by id; unknown ids get a zero
// (disabled) section.
func (c ChannelsConfig) Section(name string) ChannelSection {
	switch name {
	case "discord":
		return c.Discord
	case "telegram":
		return c.Telegram
	case "slack":
		return c.Slack
	case "whatsapp":
		return c.WhatsApp
	case "signal":
		return c.Signal
	case "webchat":
		return c.Webchat
	}
	return ChannelSection{}
}

func (c *ChannelsConfig) sectionPtr(name string) *ChannelSection {
	switch name {
	case "discord":
		return &c.Discord
	case "telegram":
		return &c.Telegram
	case "slack":
		return &c.Slack
	case "whatsapp":
		return &c.WhatsApp
	case "signal":
		return &c.Signal
	case "webchat":
		return &c.Webchat
	}
	return &ChannelSection{}
}

// accountID is the configured id, "default" for an unnamed first account and
// "account<N>" for later unnamed ones.
func accountID(a AccountConfig, index int) string {
	if id := strings.TrimSpace(a.ID); id != "" {
		return id
	}
	if index == 0 {
		return "default"
	}
	return "account" + strconv.Itoa(index+1)
}

// ChannelConfigs converts the section's accounts to channel configs in
// configuration order. WhatsApp accounts map phoneNumberId to Number,
// appSecret to Secret and carry verifyToken in Extra.
func (s ChannelSection) ChannelConfigs(channelID string) []domain.ChannelConfig {
	out := make([]domain.ChannelConfig, 0, len(s.Accounts))
	for i, a := range s.Accounts {
		cc := domain.ChannelConfig{
			AccountID:      accountID(a, i),
			Enabled:        a.IsEnabled(),
			Token:          strings.TrimSpace(a.Token),
			AppToken:       strings.TrimSpace(a.AppToken),
			Secret:         a.AppSecret,
			Endpoint:       strings.TrimSpace(a.Endpoint),
			Number:         strings.TrimSpace(a.Number),
			Prefix:         a.Prefix,
			RequireMention: a.RequireMention,
			AllowFrom:      []string(a.AllowFrom),
			AllowGroups:    []string(a.AllowGroups),
			DmPolicy:       domain.DmPolicy(a.DmPolicy),
		}
		if channelID == "whatsapp" {
			if a.PhoneNumberID != "" {
				cc.Number = strings.TrimSpace(a.PhoneNumberID)
			}
			if a.VerifyToken != "" {
				cc.Extra = map[string]string{"verifyToken": a.VerifyToken}
			}
		}
		out = append(out, cc)
	}
	return out
}

// WebhookPath is the first webhook path configured on any account.
func (s ChannelSection) WebhookPath() string {
	for _, a := range s.Accounts {
		if p := strings.TrimSpace(a.WebhookPath); p != "" {
			return p
		}
	}
	return ""
}
