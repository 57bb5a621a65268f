package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration of a gateway instance.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Agent    AgentConfig    `json:"agent"`
	Log      LogConfig      `json:"log"`
	Security SecurityConfig `json:"security"`
	Tracing  TracingConfig  `json:"tracing"`
	Channels ChannelsConfig `json:"channels"`
}

type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"` // empty = allow all browser origins
	APIKey         string   `json:"apiKey,omitempty"`         // Bearer token for /api routes
	// ShutdownTimeoutSeconds bounds graceful shutdown of the HTTP server and plugins.
	ShutdownTimeoutSeconds int `json:"shutdownTimeoutSeconds"`
}

// Addr is the listen address of the gateway server.
func (g GatewayConfig) Addr() string {
	return g.Host + ":" + strconv.Itoa(g.Port)
}

// AgentConfig configures the JSON-RPC bridge to the agent process.
type AgentConfig struct {
	Endpoint       string `json:"endpoint"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxAttempts    int    `json:"maxAttempts"` // 1 = at most once
	RetryInitialMs int    `json:"retryInitialMs"`
	RetryMaxMs     int    `json:"retryMaxMs"`
	RatePerMinute  int    `json:"ratePerMinute,omitempty"` // 0 = unthrottled
	Burst          int    `json:"burst,omitempty"`
	// SessionIdleMinutes drops tracked sessions idle for longer; 0 keeps them.
	SessionIdleMinutes int `json:"sessionIdleMinutes,omitempty"`
	// HeartbeatSeconds is the agent ping interval; 0 pings once at startup.
	HeartbeatSeconds int `json:"heartbeatSeconds"`
}

type LogConfig struct {
	Level string `json:"level"`          // debug | info | warn | error
	File  string `json:"file,omitempty"` // optional; stderr when empty
}

type SecurityConfig struct {
	DBPath                string `json:"dbPath,omitempty"` // SQLite allowlist; in memory when empty
	PairingCodeTTLMinutes int    `json:"pairingCodeTTLMinutes"`
}

// TracingConfig exports OpenTelemetry spans over OTLP/HTTP.
type TracingConfig struct {
	Endpoint   string            `json:"endpoint,omitempty"` // empty = tracing off
	SampleRate float64           `json:"sampleRate,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

type ChannelsConfig struct {
	Discord  ChannelSection `json:"discord"`
	Telegram ChannelSection `json:"telegram"`
	Slack    ChannelSection `json:"slack"`
	WhatsApp ChannelSection `json:"whatsapp"`
	Signal   ChannelSection `json:"signal"`
	Webchat  ChannelSection `json:"webchat"`
}

// ChannelSection is one platform's configuration. A disabled section is not
// loaded at all.
type ChannelSection struct {
	Enabled   bool            `json:"enabled"`
	ParseMode string          `json:"parseMode,omitempty"` // telegram only
	Accounts  []AccountConfig `json:"accounts,omitempty"`
}

// AccountConfig is one bot identity on a platform.
type AccountConfig struct {
	ID             string         `json:"id,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"` // default true
	Token          string         `json:"token,omitempty"`
	AppToken       string         `json:"appToken,omitempty"` // slack socket mode
	Endpoint       string         `json:"endpoint,omitempty"` // signal daemon, graph API base
	Number         string         `json:"number,omitempty"`   // signal account number
	PhoneNumberID  string         `json:"phoneNumberId,omitempty"`
	VerifyToken    string         `json:"verifyToken,omitempty"`
	AppSecret      string         `json:"appSecret,omitempty"`
	WebhookPath    string         `json:"webhookPath,omitempty"`
	Prefix         string         `json:"prefix,omitempty"`
	RequireMention bool           `json:"requireMention,omitempty"`
	AllowFrom      FlexStringList `json:"allowFrom,omitempty"`
	AllowGroups    FlexStringList `json:"allowGroups,omitempty"`
	DmPolicy       string         `json:"dmPolicy,omitempty"` // open | pairing | closed
}

// IsEnabled reports the account's enabled flag, true when unset.
func (a AccountConfig) IsEnabled() bool { return a.Enabled == nil || *a.Enabled }

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.gltchgate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gltchgate"
	}
	return filepath.Join(home, ".gltchgate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// formatOf picks the file format from the extension: yaml, toml or json.
func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	}
	return "json"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	switch formatOf(path) {
	case "yaml":
		data, err = yamlToJSON(data)
	case "toml":
		data, err = tomlToJSON(data)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Security.DBPath = ExpandPath(cfg.Security.DBPath)
	cfg.Log.File = ExpandPath(cfg.Log.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// yamlToJSON re-encodes a YAML document as JSON so both formats share the
// json struct tags and FlexStringList decoding.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

func tomlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// jsonDocument decodes JSON into a generic document keeping integers as
// int64 so YAML and TOML output does not turn ports into floats.
func jsonDocument(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return normalizeNumbers(doc).(map[string]any), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			if e == nil {
				delete(t, k)
				continue
			}
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	}
	return v
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as JSON, or as YAML/TOML when the extension says so.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if format := formatOf(path); format != "json" {
		doc, err := jsonDocument(data)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if format == "yaml" {
			data, err = yaml.Marshal(doc)
		} else {
			var buf bytes.Buffer
			err = toml.NewEncoder(&buf).Encode(doc)
			data = buf.Bytes()
		}
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	// Credentials live in this file.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Gateway.Port < 1 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}
	if cfg.Gateway.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, "gateway.shutdownTimeoutSeconds must be >= 1")
	}

	if u, err := url.Parse(cfg.Agent.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "agent.endpoint must be an http(s) URL")
	}
	if cfg.Agent.TimeoutSeconds < 1 {
		errs = append(errs, "agent.timeoutSeconds must be >= 1")
	}
	if cfg.Agent.MaxAttempts < 1 || cfg.Agent.MaxAttempts > 10 {
		errs = append(errs, "agent.maxAttempts must be between 1 and 10")
	}
	if cfg.Agent.RetryInitialMs < 0 || cfg.Agent.RetryMaxMs < cfg.Agent.RetryInitialMs {
		errs = append(errs, "agent.retryMaxMs must be >= agent.retryInitialMs >= 0")
	}
	if cfg.Agent.RatePerMinute < 0 || cfg.Agent.Burst < 0 {
		errs = append(errs, "agent.ratePerMinute and agent.burst must be >= 0")
	}
	if cfg.Agent.HeartbeatSeconds < 0 || cfg.Agent.SessionIdleMinutes < 0 {
		errs = append(errs, "agent.heartbeatSeconds and agent.sessionIdleMinutes must be >= 0")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}

	if cfg.Tracing.Endpoint != "" {
		if u, err := url.Parse(cfg.Tracing.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, "tracing.endpoint must be an http(s) URL")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, "tracing.sampleRate must be between 0 and 1")
	}

	if cfg.Security.PairingCodeTTLMinutes < 1 {
		errs = append(errs, "security.pairingCodeTTLMinutes must be >= 1")
	}

	for _, name := range ChannelNames {
		section := cfg.Channels.Section(name)
		seen := make(map[string]bool)
		for i, acct := range section.Accounts {
			id := accountID(acct, i)
			if seen[id] {
				errs = append(errs, fmt.Sprintf("channels.%s: duplicate account id %q", name, id))
			}
			seen[id] = true
			switch acct.DmPolicy {
			case "", "open", "pairing", "closed":
				// valid
			default:
				errs = append(errs, fmt.Sprintf("channels.%s.accounts.%d.dmPolicy must be one of: open, pairing, closed", name, i))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory (used by init and Load).
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
