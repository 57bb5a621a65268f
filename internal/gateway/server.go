package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"gltchgate/internal/agent"
	"gltchgate/internal/bridge"
	"gltchgate/internal/bus"
	"gltchgate/internal/channel"
	"gltchgate/internal/domain"
	"gltchgate/internal/metrics"
	"gltchgate/internal/registry"
)

const maxBodySize = 1 << 20 // 1MB

// AgentBridge is the part of the bridge client the REST surface uses.
type AgentBridge interface {
	AgentStatus
	Call(ctx context.Context, req bridge.Request) bridge.Response
	Endpoint() string
	SetMode(ctx context.Context, mode string) error
	SetMood(ctx context.Context, mood string) error
	ToggleNetwork(ctx context.Context) (map[string]any, error)
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr     string
	Registry *registry.Registry
	Router   domain.Router
	Sessions *agent.SessionTracker
	Bridge   AgentBridge
	Hub      *Hub
	Events   *bus.EventBus
	// APIKey, when set, is required as a Bearer token on /api routes.
	APIKey          string
	ShutdownTimeout time.Duration
	Version         string
	Logger          *slog.Logger
}

// Server is the gateway's HTTP front: health, REST control surface,
// websocket hub, metrics and platform webhooks.
type Server struct {
	cfg     ServerConfig
	logger  *slog.Logger
	started time.Time
	server  *http.Server
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{cfg: cfg, logger: cfg.Logger.With("component", "server"), started: time.Now()}
}

// Handler builds the route table. Webhooks are collected from the plugins
// registered at the time of the call.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Collector.Handler())
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /api/status", s.requireKey(s.handleStatus))
	mux.HandleFunc("POST /api/chat", s.requireKey(s.handleChat))
	mux.HandleFunc("POST /api/agent/rpc", s.requireKey(s.handleRPC))
	mux.HandleFunc("POST /api/agent/mode", s.requireKey(s.handleAgentSet("mode")))
	mux.HandleFunc("POST /api/agent/mood", s.requireKey(s.handleAgentSet("mood")))
	mux.HandleFunc("POST /api/agent/network", s.requireKey(s.handleToggleNetwork))
	mux.HandleFunc("GET /api/channels", s.requireKey(s.handleChannels))
	mux.HandleFunc("GET /api/channels/{id}/accounts", s.requireKey(s.handleAccounts))
	mux.HandleFunc("POST /api/channels/{id}/enable", s.requireKey(s.handleToggle(true)))
	mux.HandleFunc("POST /api/channels/{id}/disable", s.requireKey(s.handleToggle(false)))
	mux.HandleFunc("POST /api/channels/{id}/pair", s.requireKey(s.handlePair))
	mux.HandleFunc("POST /api/channels/{id}/restart", s.requireKey(s.handleRestart))
	mux.HandleFunc("GET /api/channels/{id}/actions", s.requireKey(s.handleActions))
	mux.HandleFunc("POST /api/channels/{id}/actions/{name}", s.requireKey(s.handleRunAction))
	mux.HandleFunc("POST /api/send", s.requireKey(s.handleSend))
	mux.HandleFunc("GET /api/sessions", s.requireKey(s.handleSessions))
	mux.HandleFunc("GET /api/events", s.requireKey(s.handleEvents))

	if s.cfg.Registry != nil {
		for _, rp := range s.cfg.Registry.List() {
			wp, ok := rp.Plugin.(domain.WebhookProvider)
			if !ok {
				continue
			}
			for pattern, h := range wp.Webhooks() {
				mux.Handle(pattern, h)
				s.logger.Info("webhook mounted", "channel", rp.ID(), "route", pattern)
			}
		}
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      150 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	s.logger.Info("gateway listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if s.cfg.Hub != nil {
			s.cfg.Hub.Close()
		}
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("server shutdown", "err", err)
		}
	}()

	if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.APIKey == "" {
		return next
	}
	want := []byte("Bearer " + s.cfg.APIKey)
	return func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, errHubNotConfigured.Error())
		return
	}
	s.cfg.Hub.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         s.cfg.Version,
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
		"agent_connected": s.cfg.Bridge != nil && s.cfg.Bridge.IsConnected(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"version":        s.cfg.Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.cfg.Bridge != nil {
		out["agent"] = map[string]any{"endpoint": s.cfg.Bridge.Endpoint(), "connected": s.cfg.Bridge.IsConnected()}
	}
	if s.cfg.Registry != nil {
		out["channels"] = s.cfg.Registry.GetStatus()
		out["failures"] = s.cfg.Registry.Failures()
	}
	if s.cfg.Hub != nil {
		out["ws_clients"] = s.cfg.Hub.ClientCount()
	}
	if s.cfg.Sessions != nil {
		out["sessions"] = s.cfg.Sessions.Len()
	}
	writeJSON(w, http.StatusOK, out)
}

type chatRequest struct {
	Text      string `json:"text"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	User      string `json:"user"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Router == nil {
		writeError(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = strings.TrimSpace(req.Message)
	}
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	user := req.User
	if user == "" {
		user = "operator"
	}
	session := req.SessionID
	if session == "" {
		session = channel.BuildSessionID("api", domain.ChatDirect, user)
	}

	reply, err := s.cfg.Router.Route(r.Context(), domain.IncomingMessage{
		Text:      text,
		SessionID: session,
		ChannelID: "api",
		UserID:    user,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.logger.Warn("api chat failed", "session", session, "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response":   reply.Response,
		"mood":       reply.Mood,
		"xp_gained":  reply.XPGained,
		"session_id": session,
	})
}

// handleRPC forwards an arbitrary JSON-RPC request to the agent. Agent
// errors travel in the response body with status 200.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "agent bridge not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	var req bridge.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, bridge.Response{
			JSONRPC: bridge.Version,
			Error:   &bridge.RPCError{Code: bridge.CodeParseError, Message: "parse error"},
		})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Bridge.Call(r.Context(), req))
}

// handleAgentSet forwards {"<field>": value} to set_mode or set_mood.
func (s *Server) handleAgentSet(field string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Bridge == nil {
			writeError(w, http.StatusServiceUnavailable, "agent bridge not configured")
			return
		}
		var body map[string]string
		if !decodeBody(w, r, &body) {
			return
		}
		value := strings.TrimSpace(body[field])
		if value == "" {
			writeError(w, http.StatusBadRequest, field+" is required")
			return
		}
		var err error
		if field == "mode" {
			err = s.cfg.Bridge.SetMode(r.Context(), value)
		} else {
			err = s.cfg.Bridge.SetMood(r.Context(), value)
		}
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{field: value})
	}
}

func (s *Server) handleToggleNetwork(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "agent bridge not configured")
		return
	}
	st, err := s.cfg.Bridge.ToggleNetwork(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type channelView struct {
	registry.ChannelStatus
	ChatTypes    []domain.ChatType   `json:"chat_types"`
	Capabilities domain.Capabilities `json:"capabilities"`
	Version      string              `json:"version,omitempty"`
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Registry == nil {
		writeJSON(w, http.StatusOK, []channelView{})
		return
	}
	statuses := s.cfg.Registry.GetStatus()
	out := make([]channelView, 0, len(statuses))
	for _, st := range statuses {
		v := channelView{ChannelStatus: st}
		if rp, ok := s.cfg.Registry.Get(st.ID); ok {
			meta := rp.Plugin.Meta()
			v.ChatTypes = meta.ChatTypes
			v.Capabilities = meta.Capabilities
			v.Version = meta.Version
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Registry == nil {
		writeError(w, http.StatusNotFound, "no registry")
		return
	}
	accts, err := s.cfg.Registry.Accounts(r.PathValue("id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accts)
}

func (s *Server) handleToggle(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Registry == nil {
			writeError(w, http.StatusNotFound, "no registry")
			return
		}
		id := r.PathValue("id")
		if err := s.cfg.Registry.SetEnabled(id, enabled); err != nil {
			writeRegistryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"channel": id, "enabled": enabled})
	}
}

type pairRequest struct {
	Account string `json:"account"`
	Sender  string `json:"sender"`
	Code    string `json:"code"`
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Registry == nil {
		writeError(w, http.StatusNotFound, "no registry")
		return
	}
	var req pairRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Sender == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "sender and code are required")
		return
	}
	if req.Account == "" {
		req.Account = channel.DefaultAccountID
	}
	id := r.PathValue("id")
	ok, err := s.cfg.Registry.Approve(r.Context(), id, req.Account, req.Sender, req.Code)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "pairing code invalid or expired")
		return
	}
	s.logger.Info("sender paired", "channel", id, "account", req.Account, "sender", req.Sender)
	writeJSON(w, http.StatusOK, map[string]any{"channel": id, "sender": req.Sender, "approved": true})
}

type restartRequest struct {
	Account string `json:"account"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Registry == nil {
		writeError(w, http.StatusNotFound, "no registry")
		return
	}
	var req restartRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.Account == "" {
		req.Account = channel.DefaultAccountID
	}
	id := r.PathValue("id")
	if err := s.cfg.Registry.Restart(r.Context(), id, req.Account); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": id, "account": req.Account, "restarted": true})
}

type sendRequest struct {
	Channel  string                `json:"channel"`
	Target   string                `json:"target"`
	Text     string                `json:"text"`
	Media    *domain.OutboundMedia `json:"media,omitempty"`
	Reaction *sendReaction         `json:"reaction,omitempty"`
}

type sendReaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// handleSend delivers text, one media attachment or a reaction. With media
// the text becomes the caption unless the media carries its own.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Registry == nil {
		writeError(w, http.StatusNotFound, "no registry")
		return
	}
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}

	var (
		results []domain.OutboundDeliveryResult
		err     error
	)
	switch {
	case req.Reaction != nil && req.Media != nil:
		writeError(w, http.StatusBadRequest, "media and reaction are exclusive")
		return
	case req.Reaction != nil:
		var res domain.OutboundDeliveryResult
		res, err = s.cfg.Registry.React(r.Context(), req.Channel, req.Target, req.Reaction.MessageID, req.Reaction.Emoji)
		results = []domain.OutboundDeliveryResult{res}
	case req.Media != nil:
		media := *req.Media
		if media.Caption == "" {
			media.Caption = strings.TrimSpace(req.Text)
		}
		var res domain.OutboundDeliveryResult
		res, err = s.cfg.Registry.SendMedia(r.Context(), req.Channel, req.Target, media)
		results = []domain.OutboundDeliveryResult{res}
	default:
		if strings.TrimSpace(req.Text) == "" {
			writeError(w, http.StatusBadRequest, "target and text are required")
			return
		}
		results, err = s.cfg.Registry.Send(r.Context(), req.Channel, req.Target, req.Text)
	}
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	status := http.StatusOK
	if n := len(results); n == 0 || !results[n-1].Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{"results": results})
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Registry == nil {
		writeError(w, http.StatusNotFound, "no registry")
		return
	}
	names, err := s.cfg.Registry.Actions(r.PathValue("id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": names})
}

// handleRunAction passes the JSON object body to the action as its params.
// An empty body runs the action without params.
func (s *Server) handleRunAction(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Registry == nil {
		writeError(w, http.StatusNotFound, "no registry")
		return
	}
	params := map[string]any{}
	if r.ContentLength != 0 && !decodeBody(w, r, &params) {
		return
	}
	out, err := s.cfg.Registry.RunAction(r.Context(), r.PathValue("id"), r.PathValue("name"), params)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": out})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Sessions == nil {
		writeJSON(w, http.StatusOK, []agent.Session{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Sessions.List())
}

type eventView struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// handleEvents replays recorded bus events. "type" filters by event type and
// "since" takes an RFC 3339 time or a lookback duration such as "15m".
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeJSON(w, http.StatusOK, []eventView{})
		return
	}
	q := r.URL.Query()
	eventType := q.Get("type")
	if eventType == "" {
		eventType = bus.Wildcard
	}
	var since time.Time
	if raw := q.Get("since"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			since = time.Now().Add(-d)
		} else if t, err := time.Parse(time.RFC3339, raw); err == nil {
			since = t
		} else {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339 or a duration")
			return
		}
	}

	events := s.cfg.Events.Replay(eventType, since)
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{Type: e.Type, Source: e.Source, Payload: e.Payload, Timestamp: e.Timestamp})
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotRegistered), errors.Is(err, registry.ErrNoPlugin), errors.Is(err, registry.ErrUnknownAction):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrUnsupported):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, registry.ErrChannelDisabled):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
