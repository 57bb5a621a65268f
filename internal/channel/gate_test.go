package channel

import (
	"testing"

	"gltchgate/internal/domain"
)

func TestEngage(t *testing.T) {
	cases := []struct {
		name   string
		e      Engagement
		want   string
		engage bool
	}{
		{"direct always engages", Engagement{ChatType: domain.ChatDirect, Text: "hi"}, "hi", true},
		{"group prefix", Engagement{ChatType: domain.ChatChannel, Text: "!gltch hello", Prefix: "!gltch"}, "hello", true},
		{"group prefix case-insensitive", Engagement{ChatType: domain.ChatGroup, Text: "!GLTCH hey", Prefix: "!gltch"}, "hey", true},
		{"group no prefix no mention", Engagement{ChatType: domain.ChatGroup, Text: "hello all"}, "", false},
		{"group mention", Engagement{ChatType: domain.ChatGroup, Text: "<@42> status?", Mentioned: true, MentionTokens: []string{"<@42>"}}, "status?", true},
		{"reply to bot", Engagement{ChatType: domain.ChatGroup, Text: "thanks", ReplyToBot: true}, "thanks", true},
		{"require mention ignores prefix", Engagement{ChatType: domain.ChatGroup, Text: "!gltch hi", Prefix: "!gltch", RequireMention: true}, "", false},
		{"empty after strip", Engagement{ChatType: domain.ChatGroup, Text: "!gltch   ", Prefix: "!gltch"}, "", false},
		{"prefix needs word boundary", Engagement{ChatType: domain.ChatChannel, Text: "!gltchery is cool", Prefix: "!gltch"}, "", false},
		{"direct keeps glued prefix text", Engagement{ChatType: domain.ChatDirect, Text: "!gltchery", Prefix: "!gltch"}, "!gltchery", true},
		{"prefix then newline", Engagement{ChatType: domain.ChatGroup, Text: "!gltch\nstatus", Prefix: "!gltch"}, "status", true},
		{"empty direct", Engagement{ChatType: domain.ChatDirect, Text: "  "}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Engage(tc.e)
			if ok != tc.engage || got != tc.want {
				t.Fatalf("Engage() = (%q, %v), want (%q, %v)", got, ok, tc.want, tc.engage)
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	if !Allowed(nil, "anyone") {
		t.Error("empty list should allow everyone")
	}
	if !Allowed([]string{" a ", "b"}, "a") {
		t.Error("expected a to be allowed")
	}
	if Allowed([]string{"a"}, "c") {
		t.Error("expected c to be refused")
	}
}
