package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gltchgate/internal/bus"
	"gltchgate/internal/metrics"
)

// Pinger reports whether the agent answers a no-op call.
type Pinger interface {
	Ping(ctx context.Context) bool
}

// HeartbeatConfig configures the agent liveness check.
type HeartbeatConfig struct {
	Agent    Pinger
	Interval time.Duration // default 30s
	Timeout  time.Duration // per check, default 5s
	Events   *bus.EventBus
	// Endpoint is reported in agent.status events.
	Endpoint string
	Logger   *slog.Logger
}

// Heartbeat pings the agent on an interval and publishes an agent.status
// event whenever reachability changes.
type Heartbeat struct {
	agent    Pinger
	interval time.Duration
	timeout  time.Duration
	events   *bus.EventBus
	endpoint string
	logger   *slog.Logger

	mu    sync.Mutex
	known bool
	up    bool
}

// NewHeartbeat creates a liveness check. The first check always publishes.
func NewHeartbeat(cfg HeartbeatConfig) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Heartbeat{
		agent:    cfg.Agent,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		events:   cfg.Events,
		endpoint: cfg.Endpoint,
		logger:   cfg.Logger.With("component", "heartbeat"),
	}
}

// Start checks immediately and then on every tick. Blocks until ctx is
// cancelled.
func (h *Heartbeat) Start(ctx context.Context) {
	h.logger.Info("heartbeat started", "interval", h.interval, "endpoint", h.endpoint)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("heartbeat stopped")
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Check pings the agent once and reports whether the agent answered.
func (h *Heartbeat) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, h.timeout)
	up := h.agent.Ping(pctx)
	cancel()

	h.mu.Lock()
	changed := !h.known || h.up != up
	h.known, h.up = true, up
	h.mu.Unlock()

	if up {
		metrics.AgentUp.Set(1)
	} else {
		metrics.AgentUp.Set(0)
	}
	if !changed {
		return up
	}

	if up {
		h.logger.Info("agent reachable", "endpoint", h.endpoint)
	} else {
		h.logger.Warn("agent unreachable", "endpoint", h.endpoint)
	}
	if h.events != nil {
		h.events.Emit(bus.Event{
			Type:      bus.EventAgentStatus,
			Source:    "agent",
			Payload:   map[string]any{"connected": up, "endpoint": h.endpoint},
			Timestamp: time.Now(),
		})
	}
	return up
}
