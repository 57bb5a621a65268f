package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gltchgate/internal/bridge"
	"gltchgate/internal/domain"
	"gltchgate/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("gltchgate/agent")

// ErrEmptySession is returned for a message that carries no session id.
var ErrEmptySession = errors.New("router: message has no session id")

// Chatter is the part of the agent bridge the router needs.
type Chatter interface {
	Chat(ctx context.Context, p bridge.ChatParams) (*bridge.ChatResult, error)
}

// RouterConfig configures the message router.
type RouterConfig struct {
	Bridge   Chatter
	Sessions *SessionTracker
	// Limiter throttles calls to the agent. Nil disables throttling.
	Limiter *RateLimiter
	Logger  *slog.Logger
}

// Router forwards every inbound message to the agent exactly once and
// returns its reply. It keeps no state beyond session bookkeeping.
type Router struct {
	bridge   Chatter
	sessions *SessionTracker
	limiter  *RateLimiter
	logger   *slog.Logger
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewSessionTracker()
	}
	return &Router{
		bridge:   cfg.Bridge,
		sessions: cfg.Sessions,
		limiter:  cfg.Limiter,
		logger:   cfg.Logger.With("component", "router"),
	}
}

// Sessions exposes the session tracker.
func (r *Router) Sessions() *SessionTracker { return r.sessions }

// Route sends msg to the agent through chat_sync. Bridge errors are returned
// unchanged; nothing is retried or queued here.
func (r *Router) Route(ctx context.Context, msg domain.IncomingMessage) (*domain.RouteReply, error) {
	if strings.TrimSpace(msg.SessionID) == "" {
		metrics.RouteFailures.Inc()
		return nil, ErrEmptySession
	}
	r.sessions.Touch(msg)

	ctx, span := tracer.Start(ctx, "route",
		trace.WithAttributes(
			attribute.String("gltchgate.channel", msg.ChannelID),
			attribute.String("gltchgate.session", msg.SessionID),
		))
	defer span.End()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			metrics.RouteFailures.Inc()
			span.SetStatus(codes.Error, "throttled")
			return nil, fmt.Errorf("route %s: throttled: %w", msg.SessionID, err)
		}
	}

	user := msg.UserID
	if user == "" {
		user = msg.ClientID
	}
	res, err := r.bridge.Chat(ctx, bridge.ChatParams{
		Message:   msg.Text,
		SessionID: msg.SessionID,
		Channel:   msg.ChannelID,
		User:      user,
	})
	if err != nil {
		metrics.RouteFailures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "agent chat failed")
		r.logger.Warn("agent chat failed", "session", msg.SessionID, "channel", msg.ChannelID, "err", err)
		return nil, fmt.Errorf("route %s: %w", msg.SessionID, err)
	}
	metrics.MessagesRouted.Inc()
	r.logger.Debug("message routed", "session", msg.SessionID, "reply_len", len(res.Response))

	return &domain.RouteReply{
		Response: res.Response,
		Mood:     res.Mood,
		XPGained: res.XPGained,
		Extra:    res.Extra,
	}, nil
}
