package agent

import (
	"strings"
	"testing"
	"time"

	"gltchgate/internal/domain"
)

func TestGenerateTitle(t *testing.T) {
	sixty := strings.Repeat("1234567890", 6)
	tests := []struct {
		name, in, want string
	}{
		{"short kept", "Hello, how are you doing today?", "Hello, how are you doing today?"},
		{"empty", "", "New conversation"},
		{"whitespace", "   ", "New conversation"},
		{"first line only", "First line\nSecond line", "First line"},
		{"exactly at limit", sixty, sixty},
		{"cut at word", strings.Repeat("word ", 20), strings.TrimSpace(strings.Repeat("word ", 12)) + "..."},
		{"hard cut without spaces", sixty + "1", sixty + "..."},
		{"runes not bytes", strings.Repeat("é", 61), strings.Repeat("é", 60) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := generateTitle(tt.in); got != tt.want {
				t.Errorf("generateTitle(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSessionTracker_TouchCountsPerSession(t *testing.T) {
	tr := NewSessionTracker()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := base
	tr.now = func() time.Time { return tick }

	tr.Touch(domain.IncomingMessage{SessionID: "discord:direct:1", ChannelID: "discord", UserID: "1", Text: "first question\nmore"})
	tick = tick.Add(time.Minute)
	tr.Touch(domain.IncomingMessage{SessionID: "slack:direct:U1", ChannelID: "slack", Text: "hey"})
	tick = tick.Add(time.Minute)
	s := tr.Touch(domain.IncomingMessage{SessionID: "discord:direct:1", ChannelID: "discord", UserID: "1", Text: "second"})

	if s.Messages != 2 || s.Title != "first question" || !s.FirstSeen.Equal(base) || !s.LastSeen.Equal(tick) {
		t.Fatalf("unexpected session %+v", s)
	}
	list := tr.List()
	if len(list) != 2 || list[0].ID != "discord:direct:1" {
		t.Fatalf("list must be most recent first: %+v", list)
	}

	tick = tick.Add(time.Hour)
	if n := tr.Prune(30 * time.Minute); n != 2 || tr.Len() != 0 {
		t.Fatalf("Prune removed %d, %d left", n, tr.Len())
	}
	if tr.Forget("missing") {
		t.Fatal("Forget on unknown id must be false")
	}
}
