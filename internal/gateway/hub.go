// Package gateway serves the browser websocket hub and the REST control
// surface of a gateway instance.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gltchgate/internal/bus"
	"gltchgate/internal/channel"
	"gltchgate/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	hubReadLimit   = 64 * 1024
	hubWriteWait   = 10 * time.Second
	hubChatQueue   = 16
	hubChatTimeout = 5 * time.Minute
	hubStatusWait  = 15 * time.Second
)

// Frame is one websocket message in either direction.
type Frame struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Message   string `json:"message,omitempty"`
	Response  string `json:"response,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Typing    *bool  `json:"typing,omitempty"`
	Mood      string `json:"mood,omitempty"`
	XPGained  int    `json:"xp_gained,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// AgentStatus is the part of the agent bridge the hub proxies.
type AgentStatus interface {
	Status(ctx context.Context) (map[string]any, error)
	IsConnected() bool
}

// HubConfig configures the websocket hub.
type HubConfig struct {
	Webchat *channel.Webchat
	Agent   AgentStatus
	Events  *bus.EventBus
	// AllowedOrigins restricts browser origins; empty allows all.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Hub accepts browser websocket connections and carries the webchat channel.
type Hub struct {
	webchat  *channel.Webchat
	agent    AgentStatus
	events   *bus.EventBus
	logger   *slog.Logger
	upgrader websocket.Upgrader
	subs     map[string]string // event type -> handler id

	mu      sync.RWMutex
	clients map[string]*hubClient
}

type hubClient struct {
	id      string
	session string
	user    string
	conn    *websocket.Conn
	chats   chan string

	// statusBusy admits one agent status lookup at a time; tasks tracks it
	// so the connection outlives no background work.
	statusBusy atomic.Bool
	tasks      sync.WaitGroup

	wmu sync.Mutex
}

func (c *hubClient) send(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
	return c.conn.WriteJSON(f)
}

// NewHub creates a hub. When Events is set, channel and agent status
// transitions are broadcast to every client as channel_status and
// agent_status frames.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Hub{
		webchat: cfg.Webchat,
		agent:   cfg.Agent,
		events:  cfg.Events,
		logger:  cfg.Logger.With("component", "hub"),
		clients: make(map[string]*hubClient),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     buildOriginChecker(cfg.AllowedOrigins),
	}
	if h.events != nil {
		h.subs = make(map[string]string, len(relayed))
		for _, r := range relayed {
			h.subs[r.event] = h.events.On(r.event, func(e bus.Event) { h.Broadcast(r.frame(e)) })
		}
	}
	return h
}

// relayedEvent maps a bus event type onto the frame clients receive. The
// event source is added to the payload under sourceKey.
type relayedEvent struct {
	event     string
	frameType string
	sourceKey string
}

var relayed = []relayedEvent{
	{bus.EventChannelStatus, "channel_status", "channel"},
	{bus.EventAgentStatus, "agent_status", "source"},
}

func (r relayedEvent) frame(e bus.Event) Frame {
	data := map[string]any{r.sourceKey: e.Source}
	for k, v := range e.Payload {
		data[k] = v
	}
	return Frame{Type: r.frameType, Data: data, Timestamp: e.Timestamp.UnixMilli()}
}

// catchUp sends a new client the latest relayed event of every source so it
// starts with the current channel and agent state.
func (h *Hub) catchUp(c *hubClient) {
	if h.events == nil {
		return
	}
	for _, r := range relayed {
		for _, e := range h.events.Latest(r.event) {
			h.reply(c, r.frame(e))
		}
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(hubReadLimit)

	id := uuid.NewString()
	q := r.URL.Query()
	c := &hubClient{
		id:      id,
		session: channel.SessionFor(id, q.Get("session")),
		user:    strings.TrimSpace(q.Get("user")),
		conn:    conn,
		chats:   make(chan string, hubChatQueue),
	}
	h.add(c)
	defer h.remove(c)

	if err := c.send(Frame{Type: "connected", ClientID: c.id, SessionID: c.session}); err != nil {
		h.logger.Warn("connected ack failed", "client", c.id, "err", err)
		return
	}
	h.logger.Info("client connected", "client", c.id, "session", c.session, "remote", r.RemoteAddr)
	h.catchUp(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.chatLoop(ctx, c)
	}()
	defer func() {
		cancel()
		close(c.chats)
		<-done
		c.tasks.Wait()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "client", c.id, "err", err)
			}
			return
		}
		h.handleFrame(ctx, c, data)
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *hubClient, data []byte) {
	var in Frame
	if err := json.Unmarshal(data, &in); err != nil {
		h.reply(c, Frame{Type: "error", Error: "invalid message format"})
		return
	}

	switch in.Type {
	case "chat":
		text := in.Text
		if text == "" {
			text = in.Message
		}
		if strings.TrimSpace(text) == "" {
			h.reply(c, Frame{Type: "error", Error: "empty message"})
			return
		}
		select {
		case c.chats <- text:
		default:
			h.reply(c, Frame{Type: "error", Error: "too many pending messages"})
		}
	case "ping":
		h.reply(c, Frame{Type: "pong", Timestamp: time.Now().UnixMilli()})
	case "status":
		if !c.statusBusy.CompareAndSwap(false, true) {
			h.reply(c, Frame{Type: "error", Error: "status request already pending"})
			return
		}
		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			defer c.statusBusy.Store(false)
			h.status(ctx, c)
		}()
	default:
		h.reply(c, Frame{Type: "error", Error: "unknown message type: " + in.Type})
	}
}

// chatLoop handles one client's chat frames in arrival order so replies of a
// session never overtake each other. Ping is answered inline by the read
// loop and status on its own goroutine, so neither waits behind the agent.
func (h *Hub) chatLoop(ctx context.Context, c *hubClient) {
	for text := range c.chats {
		if ctx.Err() != nil {
			continue
		}
		h.chat(ctx, c, text)
	}
}

func (h *Hub) chat(ctx context.Context, c *hubClient, text string) {
	on, off := true, false
	h.reply(c, Frame{Type: "typing", Typing: &on})
	defer h.reply(c, Frame{Type: "typing", Typing: &off})

	if h.webchat == nil {
		h.reply(c, Frame{Type: "error", Error: "webchat channel not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, hubChatTimeout)
	defer cancel()
	reply, err := h.webchat.Route(ctx, channel.WebchatMessage{
		ClientID:  c.id,
		SessionID: c.session,
		UserID:    c.user,
		Text:      text,
	})
	if err != nil {
		h.logger.Warn("chat route failed", "client", c.id, "session", c.session, "err", err)
		h.reply(c, Frame{Type: "error", Error: err.Error()})
		return
	}
	h.reply(c, Frame{
		Type:      "response",
		Text:      reply.Response,
		Response:  reply.Response,
		Mood:      reply.Mood,
		XPGained:  reply.XPGained,
		SessionID: c.session,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (h *Hub) status(ctx context.Context, c *hubClient) {
	if h.agent == nil {
		h.reply(c, Frame{Type: "error", Error: "agent bridge not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, hubStatusWait)
	defer cancel()
	st, err := h.agent.Status(ctx)
	if err != nil {
		h.reply(c, Frame{Type: "error", Error: "status: " + err.Error()})
		return
	}
	h.reply(c, Frame{Type: "status", Data: map[string]any{
		"agent":     st,
		"connected": h.agent.IsConnected(),
		"clients":   h.ClientCount(),
	}})
}

func (h *Hub) reply(c *hubClient, f Frame) {
	if err := c.send(f); err != nil {
		h.logger.Debug("websocket write failed", "client", c.id, "type", f.Type, "err", err)
	}
}

// Push sends a server initiated message to one client.
func (h *Hub) Push(clientID, text string) error {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return channel.ErrNoClient
	}
	return c.send(Frame{Type: "response", Text: text, Response: text, SessionID: c.session, Timestamp: time.Now().UnixMilli()})
}

// Broadcast sends f to every connected client. Write failures are logged.
func (h *Hub) Broadcast(f Frame) {
	for _, c := range h.snapshotClients() {
		h.reply(c, f)
	}
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops relaying bus events.
func (h *Hub) Close() {
	for eventType, id := range h.subs {
		h.events.Off(eventType, id)
	}
	for _, c := range h.snapshotClients() {
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		c.conn.Close()
	}
}

func (h *Hub) add(c *hubClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.countChanged(n)
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	c.conn.Close()
	h.countChanged(n)
	h.logger.Info("client disconnected", "client", c.id)
}

func (h *Hub) countChanged(n int) {
	metrics.WSClients.Set(int64(n))
	if h.webchat != nil {
		h.webchat.ClientCountChanged(n)
	}
}

func (h *Hub) snapshotClients() []*hubClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// buildOriginChecker allows every origin when allowed is empty. Otherwise a
// request must carry an Origin header matching one entry.
func buildOriginChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if n := normalizeOrigin(o); n != "" {
			set[n] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := normalizeOrigin(r.Header.Get("Origin"))
		if origin == "" {
			return false
		}
		_, ok := set[origin]
		return ok
	}
}

func normalizeOrigin(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.ToLower(strings.TrimRight(origin, "/"))
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

var errHubNotConfigured = errors.New("websocket hub not configured")
