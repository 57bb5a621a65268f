package channel

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"gltchgate/internal/domain"
)

// Engagement describes an inbound message as seen by the engagement gate.
type Engagement struct {
	ChatType domain.ChatType
	Text     string
	// Prefix is the account's command prefix, empty when none is configured.
	Prefix string
	// Mentioned is set when the platform reports an @mention of the bot.
	Mentioned bool
	// MentionTokens are stripped from the text when the bot was mentioned.
	MentionTokens []string
	// ReplyToBot is set when the message replies to one of the bot's messages.
	ReplyToBot bool
	// RequireMention disables prefix engagement in groups.
	RequireMention bool
}

// matchPrefix reports whether text starts with prefix as a whole word: the
// prefix must be followed by whitespace or the end of the text.
func matchPrefix(text, prefix string) bool {
	if prefix == "" || len(text) < len(prefix) || !strings.EqualFold(text[:len(prefix)], prefix) {
		return false
	}
	if len(text) == len(prefix) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[len(prefix):])
	return unicode.IsSpace(r)
}

// Engage applies the engagement gate and returns the text with prefix and
// mention tokens stripped. Direct messages always engage; group, channel and
// thread messages need a prefix, a mention or a reply to the bot. A message
// whose stripped text is empty does not engage.
func Engage(e Engagement) (string, bool) {
	text := strings.TrimSpace(e.Text)
	hasPrefix := matchPrefix(text, e.Prefix)

	engaged := e.ChatType == domain.ChatDirect
	switch {
	case engaged:
	case hasPrefix && !e.RequireMention:
		engaged = true
	case e.Mentioned:
		engaged = true
	case e.ReplyToBot:
		engaged = true
	}
	if !engaged {
		return "", false
	}

	if hasPrefix {
		text = text[len(e.Prefix):]
	}
	if e.Mentioned || e.ChatType == domain.ChatDirect {
		for _, tok := range e.MentionTokens {
			if tok != "" {
				text = strings.ReplaceAll(text, tok, "")
			}
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	return text, true
}

// Allowed reports whether id is in list. An empty list allows everyone.
func Allowed(list []string, id string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if strings.TrimSpace(v) == id {
			return true
		}
	}
	return false
}
