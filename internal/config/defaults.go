package config

func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:                   "127.0.0.1",
			Port:                   8080,
			ShutdownTimeoutSeconds: 10,
		},
		Agent: AgentConfig{
			Endpoint:         "http://127.0.0.1:8765/rpc",
			TimeoutSeconds:   120,
			MaxAttempts:      1,
			RetryInitialMs:   500,
			RetryMaxMs:       5000,
			HeartbeatSeconds: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
		Security: SecurityConfig{
			DBPath:                "~/.gltchgate/allowlist.db",
			PairingCodeTTLMinutes: 10,
		},
		Channels: ChannelsConfig{
			Telegram: ChannelSection{ParseMode: "Markdown"},
			Webchat:  ChannelSection{Enabled: true},
		},
	}
}
