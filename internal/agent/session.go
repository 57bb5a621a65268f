package agent

import (
	"sort"
	"strings"
	"sync"
	"time"

	"gltchgate/internal/domain"
)

// Session is the bookkeeping record of one conversation.
type Session struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	User      string    `json:"user,omitempty"`
	Title     string    `json:"title"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Messages  int       `json:"messages"`
}

// SessionTracker keeps in-memory session records keyed by session id. Nothing
// is persisted; records reset on restart.
type SessionTracker struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{sessions: make(map[string]*Session), now: time.Now}
}

// Touch attributes msg to its session, creating the record on first sight.
func (t *SessionTracker) Touch(msg domain.IncomingMessage) Session {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[msg.SessionID]
	if !ok {
		s = &Session{
			ID:        msg.SessionID,
			Channel:   msg.ChannelID,
			Title:     generateTitle(msg.Text),
			FirstSeen: now,
		}
		t.sessions[msg.SessionID] = s
	}
	if msg.UserID != "" {
		s.User = msg.UserID
	}
	s.LastSeen = now
	s.Messages++
	return *s
}

func (t *SessionTracker) Get(id string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns every session, most recently active first.
func (t *SessionTracker) List() []Session {
	t.mu.RLock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Forget drops a session record.
func (t *SessionTracker) Forget(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[id]; !ok {
		return false
	}
	delete(t.sessions, id)
	return true
}

// Prune drops sessions idle for longer than maxIdle and returns how many.
func (t *SessionTracker) Prune(maxIdle time.Duration) int {
	cutoff := t.now().Add(-maxIdle)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, s := range t.sessions {
		if s.LastSeen.Before(cutoff) {
			delete(t.sessions, id)
			n++
		}
	}
	return n
}

func (t *SessionTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

const titleMax = 60

// generateTitle labels a session with the first line of its first message,
// cut at a word boundary when longer than titleMax runes.
func generateTitle(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "New conversation"
	}
	if idx := strings.IndexAny(msg, "\n\r"); idx > 0 {
		msg = msg[:idx]
	}
	runes := []rune(msg)
	if len(runes) <= titleMax {
		return msg
	}
	head := string(runes[:titleMax])
	if cut := strings.LastIndex(head, " "); cut >= 20 {
		head = head[:cut]
	}
	return head + "..."
}
