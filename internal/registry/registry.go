// Package registry holds the loaded channel plugins of one gateway instance
// and owns their lifecycle: initialize on register, shutdown on unregister,
// enable/disable, status aggregation and target lookup.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gltchgate/internal/bus"
	"gltchgate/internal/domain"
	"gltchgate/internal/metrics"
)

var (
	ErrAlreadyRegistered = errors.New("channel already registered")
	ErrNotRegistered     = errors.New("channel not registered")
	ErrChannelDisabled   = errors.New("channel disabled")
	ErrNoPlugin          = errors.New("no channel recognizes target")
	ErrUnsupported       = errors.New("adapter not provided by channel")
	ErrUnknownAction     = errors.New("unknown channel action")
)

// Config configures a registry.
type Config struct {
	// Router is wrapped per plugin and handed to Initialize.
	Router domain.Router
	Events *bus.EventBus
	Logger *slog.Logger
}

// RegisteredPlugin is a loaded plugin with its enabled flag and load time.
type RegisteredPlugin struct {
	Plugin   domain.ChannelPlugin
	LoadedAt time.Time
	// Adapters is detected once at registration.
	Adapters domain.AdapterSet

	enabled atomic.Bool
}

func (p *RegisteredPlugin) ID() string    { return p.Plugin.Meta().ID }
func (p *RegisteredPlugin) Enabled() bool { return p.enabled.Load() }

// LoadResult is the outcome of Register.
type LoadResult struct {
	ChannelID string `json:"channel"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// LoadFailure is the last initialize failure recorded for a channel id.
type LoadFailure struct {
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Registry is the collection of loaded plugins. It is constructed by the
// composition root and passed by reference; there is no package singleton.
type Registry struct {
	router domain.Router
	events *bus.EventBus
	logger *slog.Logger

	mu       sync.RWMutex
	plugins  map[string]*RegisteredPlugin
	order    []string
	loading  map[string]bool
	failures map[string]LoadFailure
}

func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{
		router:   cfg.Router,
		events:   cfg.Events,
		logger:   cfg.Logger.With("component", "registry"),
		plugins:  make(map[string]*RegisteredPlugin),
		loading:  make(map[string]bool),
		failures: make(map[string]LoadFailure),
	}
	if r.events != nil {
		r.events.On(bus.EventChannelStatus, func(e bus.Event) {
			status, _ := e.Payload["status"].(string)
			metrics.StatusTransition(e.Source, status)
		})
	}
	return r
}

// Register initializes p and adds it enabled. A taken channel id or a failed
// Initialize yields Success=false; neither is returned as an error so one
// broken channel never stops the others. A failed plugin is shut down and
// not kept.
func (r *Registry) Register(ctx context.Context, p domain.ChannelPlugin) LoadResult {
	id := p.Meta().ID
	if id == "" {
		return LoadResult{Success: false, Error: "channel id is empty"}
	}

	r.mu.Lock()
	if _, taken := r.plugins[id]; taken || r.loading[id] {
		r.mu.Unlock()
		r.logger.Warn("register rejected", "channel", id, "err", ErrAlreadyRegistered)
		return LoadResult{ChannelID: id, Success: false, Error: fmt.Sprintf("%s: %v", id, ErrAlreadyRegistered)}
	}
	r.loading[id] = true
	r.mu.Unlock()

	err := safeInitialize(ctx, p, &gatedRouter{id: id, reg: r})
	if err != nil {
		if serr := safeShutdown(ctx, p); serr != nil {
			r.logger.Warn("shutdown after failed initialize", "channel", id, "err", serr)
		}
		r.mu.Lock()
		delete(r.loading, id)
		r.failures[id] = LoadFailure{Error: err.Error(), At: time.Now()}
		r.mu.Unlock()

		metrics.PluginLoadFailure(id)
		r.logger.Error("channel failed to load", "channel", id, "err", err)
		r.emit(bus.EventPluginFailed, id, map[string]any{"error": err.Error()})
		return LoadResult{ChannelID: id, Success: false, Error: err.Error()}
	}

	rp := &RegisteredPlugin{Plugin: p, LoadedAt: time.Now(), Adapters: domain.AdaptersOf(p)}
	rp.enabled.Store(true)

	r.mu.Lock()
	delete(r.loading, id)
	delete(r.failures, id)
	r.plugins[id] = rp
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.logger.Info("channel registered", "channel", id, "adapters", rp.Adapters.Names())
	r.emit(bus.EventPluginRegistered, id, nil)
	return LoadResult{ChannelID: id, Success: true}
}

// Unregister shuts the plugin down and removes it. Shutdown errors are
// logged only. An unknown id returns false.
func (r *Registry) Unregister(ctx context.Context, id string) bool {
	r.mu.RLock()
	rp, ok := r.plugins[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if err := safeShutdown(ctx, rp.Plugin); err != nil {
		r.logger.Warn("channel shutdown failed", "channel", id, "err", err)
	}

	r.mu.Lock()
	if cur, still := r.plugins[id]; !still || cur != rp {
		r.mu.Unlock()
		return false
	}
	delete(r.plugins, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.logger.Info("channel unregistered", "channel", id)
	r.emit(bus.EventPluginUnregistered, id, nil)
	return true
}

// ShutdownAll unregisters every plugin, most recently registered first.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()
	for i := len(ids) - 1; i >= 0; i-- {
		r.Unregister(ctx, ids[i])
	}
}

func (r *Registry) Get(id string) (*RegisteredPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rp, ok := r.plugins[id]
	return rp, ok
}

// List returns the registered plugins in registration order.
func (r *Registry) List() []*RegisteredPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RegisteredPlugin, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.plugins[id])
	}
	return out
}

// SetEnabled toggles a plugin without touching its connection or config.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	rp, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotRegistered)
	}
	if rp.enabled.Swap(enabled) != enabled {
		r.logger.Info("channel toggled", "channel", id, "enabled", enabled)
		r.emit(bus.EventPluginToggled, id, map[string]any{"enabled": enabled})
	}
	return nil
}

// Failures returns the last initialize failure per channel id.
func (r *Registry) Failures() map[string]LoadFailure {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]LoadFailure, len(r.failures))
	for k, v := range r.failures {
		out[k] = v
	}
	return out
}

// routable reports whether messages of id may reach the router. A plugin
// still inside Initialize counts as enabled.
func (r *Registry) routable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rp, ok := r.plugins[id]; ok {
		return rp.enabled.Load()
	}
	return r.loading[id]
}

// gatedRouter is the router a plugin receives. It refuses to route while the
// plugin is disabled or after it was unregistered.
type gatedRouter struct {
	id  string
	reg *Registry
}

func (g *gatedRouter) Route(ctx context.Context, msg domain.IncomingMessage) (*domain.RouteReply, error) {
	if !g.reg.routable(g.id) {
		return nil, fmt.Errorf("%s: %w", g.id, ErrChannelDisabled)
	}
	if g.reg.router == nil {
		return nil, errors.New("registry: no router configured")
	}
	return g.reg.router.Route(ctx, msg)
}

func (r *Registry) emit(eventType, id string, payload map[string]any) {
	if r.events == nil {
		return
	}
	r.events.Emit(bus.Event{Type: eventType, Source: id, Payload: payload})
}

func safeInitialize(ctx context.Context, p domain.ChannelPlugin, router domain.Router) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("initialize panic: %v", rec)
		}
	}()
	return p.Initialize(ctx, router)
}

func safeShutdown(ctx context.Context, p domain.ChannelPlugin) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("shutdown panic: %v", rec)
		}
	}()
	return p.Shutdown(ctx)
}
