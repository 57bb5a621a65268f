package main

import (
	"log/slog"

	"gltchgate/internal/config"
	"gltchgate/internal/registry"
)

// applyReload carries the live-tunable parts of a reloaded config into the
// running gateway: the log level and the enabled flag of loaded channels.
// Everything else takes effect on restart.
func applyReload(cfg *config.Config, reg *registry.Registry, level *slog.LevelVar, lg *slog.Logger) {
	var next slog.Level
	if err := next.UnmarshalText([]byte(cfg.Log.Level)); err == nil && next != level.Level() {
		level.Set(next)
		lg.Info("log level changed", "level", next)
	}

	for _, rp := range reg.List() {
		want := cfg.Channels.Section(rp.ID()).Enabled
		if rp.Enabled() == want {
			continue
		}
		if err := reg.SetEnabled(rp.ID(), want); err != nil {
			lg.Warn("channel toggle from config failed", "channel", rp.ID(), "err", err)
			continue
		}
		lg.Info("channel toggled from config", "channel", rp.ID(), "enabled", want)
	}
	for _, name := range config.ChannelNames {
		if _, loaded := reg.Get(name); !loaded && cfg.Channels.Section(name).Enabled {
			lg.Warn("channel enabled in config but not loaded; restart to load it", "channel", name)
		}
	}
}
