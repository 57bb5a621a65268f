package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gltchgate/internal/agent"
	"gltchgate/internal/bridge"
	"gltchgate/internal/bus"
	"gltchgate/internal/channel"
	"gltchgate/internal/config"
	"gltchgate/internal/domain"
	"gltchgate/internal/gateway"
	"gltchgate/internal/registry"
	"gltchgate/internal/security"
	"gltchgate/internal/telemetry"

	"github.com/spf13/cobra"
)

func gatewayCmd() *cobra.Command {
	var (
		port  int
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway: channel plugins, websocket hub and REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config (run 'gltchgate init' first): %w", err)
			}
			if port > 0 {
				cfg.Gateway.Port = port
			}
			return runGateway(cfg, resolveConfigPath(), watch)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override gateway.port")
	cmd.Flags().BoolVar(&watch, "watch", true, "apply log level and channel enable changes when the config file is edited")
	return cmd
}

func openAllowlist(cfg config.SecurityConfig, lg *slog.Logger) (security.AllowlistStore, error) {
	if cfg.DBPath == "" {
		return security.NewMemoryAllowlist(), nil
	}
	return security.NewSQLiteAllowlist(cfg.DBPath, lg)
}

func runGateway(cfg *config.Config, cfgPath string, watch bool) error {
	lg, level, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = lg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:   cfg.Tracing.Endpoint,
		SampleRate: cfg.Tracing.SampleRate,
		Headers:    cfg.Tracing.Headers,
		Service:    "gltchgate",
		Version:    version,
		Logger:     lg,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			lg.Warn("tracing shutdown", "err", err)
		}
	}()

	events := bus.NewEventBus(lg)

	allow, err := openAllowlist(cfg.Security, lg)
	if err != nil {
		return fmt.Errorf("open allowlist: %w", err)
	}
	defer allow.Close()

	pairing := security.NewPairingService(security.PairingConfig{
		Store:   allow,
		CodeTTL: time.Duration(cfg.Security.PairingCodeTTLMinutes) * time.Minute,
		Logger:  lg,
	})

	agentClient := bridge.New(bridge.Config{
		Endpoint:     cfg.Agent.Endpoint,
		Timeout:      time.Duration(cfg.Agent.TimeoutSeconds) * time.Second,
		MaxAttempts:  cfg.Agent.MaxAttempts,
		RetryInitial: time.Duration(cfg.Agent.RetryInitialMs) * time.Millisecond,
		RetryMax:     time.Duration(cfg.Agent.RetryMaxMs) * time.Millisecond,
		Logger:       lg,
	})
	if cfg.Agent.HeartbeatSeconds > 0 {
		hb := agent.NewHeartbeat(agent.HeartbeatConfig{
			Agent:    agentClient,
			Interval: time.Duration(cfg.Agent.HeartbeatSeconds) * time.Second,
			Events:   events,
			Endpoint: agentClient.Endpoint(),
			Logger:   lg,
		})
		go hb.Start(ctx)
	} else {
		pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
		if !agentClient.Ping(pingCtx) {
			// Not fatal: the bridge reconnects on the next call.
			lg.Warn("agent not reachable yet", "endpoint", agentClient.Endpoint())
		}
		cancelPing()
	}

	router := agent.NewRouter(agent.RouterConfig{
		Bridge:  agentClient,
		Limiter: agent.NewRateLimiter(cfg.Agent.Burst, float64(cfg.Agent.RatePerMinute)),
		Logger:  lg,
	})

	reg := registry.New(registry.Config{Router: router, Events: events, Logger: lg})

	plugins, webchat := buildPlugins(cfg, events, pairing, lg)
	for _, p := range plugins {
		res := reg.Register(ctx, p)
		if res.Success {
			lg.Info("channel loaded", "channel", res.ChannelID)
		} else {
			lg.Error("channel failed to load", "channel", res.ChannelID, "error", res.Error)
		}
	}

	var hub *gateway.Hub
	if webchat != nil {
		hub = gateway.NewHub(gateway.HubConfig{
			Webchat:        webchat,
			Agent:          agentClient,
			Events:         events,
			AllowedOrigins: cfg.Gateway.AllowedOrigins,
			Logger:         lg,
		})
		webchat.Bind(hub)
	}

	if watch {
		go func() {
			err := config.Watch(ctx, cfgPath, lg, func(next *config.Config) {
				applyReload(next, reg, level, lg)
			})
			if err != nil {
				lg.Warn("config watch disabled", "err", err)
			}
		}()
	}

	go runMaintenance(ctx, router.Sessions(), pairing, time.Duration(cfg.Agent.SessionIdleMinutes)*time.Minute)

	srv := gateway.NewServer(gateway.ServerConfig{
		Addr:            cfg.Gateway.Addr(),
		Registry:        reg,
		Router:          router,
		Sessions:        router.Sessions(),
		Bridge:          agentClient,
		Hub:             hub,
		Events:          events,
		APIKey:          cfg.Gateway.APIKey,
		ShutdownTimeout: time.Duration(cfg.Gateway.ShutdownTimeoutSeconds) * time.Second,
		Version:         version,
		Logger:          lg,
	})

	lg.Info("gateway starting", "addr", cfg.Gateway.Addr(), "version", version, "channels", len(plugins))
	runErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Gateway.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	reg.ShutdownAll(shutdownCtx)
	lg.Info("gateway stopped")
	return runErr
}

// buildPlugins constructs a plugin for every enabled channel section. The
// webchat plugin is also returned on its own so the hub can bind to it.
func buildPlugins(cfg *config.Config, events *bus.EventBus, pairing *security.PairingService, lg *slog.Logger) ([]domain.ChannelPlugin, *channel.Webchat) {
	var (
		plugins []domain.ChannelPlugin
		webchat *channel.Webchat
	)
	ch := cfg.Channels
	for _, name := range config.ChannelNames {
		section := ch.Section(name)
		if !section.Enabled {
			continue
		}
		accounts := section.ChannelConfigs(name)
		switch name {
		case "discord":
			plugins = append(plugins, channel.NewDiscord(channel.DiscordConfig{
				Accounts: accounts, Events: events, Pairing: pairing, Logger: lg,
			}))
		case "telegram":
			plugins = append(plugins, channel.NewTelegram(channel.TelegramConfig{
				Accounts: accounts, Events: events, Pairing: pairing, ParseMode: section.ParseMode, Logger: lg,
			}))
		case "slack":
			plugins = append(plugins, channel.NewSlack(channel.SlackConfig{
				Accounts: accounts, Events: events, Pairing: pairing, Logger: lg,
			}))
		case "whatsapp":
			plugins = append(plugins, channel.NewWhatsApp(channel.WhatsAppConfig{
				Accounts: accounts, WebhookPath: section.WebhookPath(), Events: events, Pairing: pairing, Logger: lg,
			}))
		case "signal":
			plugins = append(plugins, channel.NewSignal(channel.SignalConfig{
				Accounts: accounts, Events: events, Pairing: pairing, Logger: lg,
			}))
		case "webchat":
			webchat = channel.NewWebchat(channel.WebchatConfig{
				Accounts: accounts, Events: events, Logger: lg,
			})
			plugins = append(plugins, webchat)
		}
	}
	return plugins, webchat
}

// runMaintenance prunes idle sessions and expired pairing codes once a minute
// until ctx is done. idle <= 0 keeps sessions forever.
func runMaintenance(ctx context.Context, sessions *agent.SessionTracker, pairing *security.PairingService, idle time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pairing.CleanExpiredCodes()
			if idle > 0 {
				if n := sessions.Prune(idle); n > 0 {
					logger.Debug("pruned idle sessions", "count", n)
				}
			}
		}
	}
}
