package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gltchgate/internal/config"
)

// credentialPrompt is one per-account value the wizard asks for.
type credentialPrompt struct {
	Label string
	Def   string // suggested value, usually an env var reference
	Set   func(a *config.AccountConfig, v string)
}

var wizardChannels = []struct {
	ID      string
	Desc    string
	Prompts []credentialPrompt
}{
	{"discord", "Discord bot", []credentialPrompt{
		{"Bot token", "${DISCORD_BOT_TOKEN}", func(a *config.AccountConfig, v string) { a.Token = v }},
	}},
	{"telegram", "Telegram bot (token from @BotFather)", []credentialPrompt{
		{"Bot token", "${TELEGRAM_BOT_TOKEN}", func(a *config.AccountConfig, v string) { a.Token = v }},
	}},
	{"slack", "Slack app in Socket Mode", []credentialPrompt{
		{"Bot token (xoxb-)", "${SLACK_BOT_TOKEN}", func(a *config.AccountConfig, v string) { a.Token = v }},
		{"App token (xapp-)", "${SLACK_APP_TOKEN}", func(a *config.AccountConfig, v string) { a.AppToken = v }},
	}},
	{"whatsapp", "WhatsApp Cloud API (webhook)", []credentialPrompt{
		{"Access token", "${WHATSAPP_TOKEN}", func(a *config.AccountConfig, v string) { a.Token = v }},
		{"Phone number id", "", func(a *config.AccountConfig, v string) { a.PhoneNumberID = v }},
		{"Webhook verify token", "${WHATSAPP_VERIFY_TOKEN}", func(a *config.AccountConfig, v string) { a.VerifyToken = v }},
		{"App secret", "${WHATSAPP_APP_SECRET}", func(a *config.AccountConfig, v string) { a.AppSecret = v }},
	}},
	{"signal", "Signal via signal-cli REST daemon", []credentialPrompt{
		{"Daemon URL", "http://127.0.0.1:8081", func(a *config.AccountConfig, v string) { a.Endpoint = v }},
		{"Account number (+E.164)", "", func(a *config.AccountConfig, v string) { a.Number = v }},
	}},
}

func runWizard(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}
	if err := wizard(cfg, os.Stdin, os.Stdout); err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Printf("\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: run 'gltchgate doctor', then 'gltchgate gateway'.")
	return nil
}

// wizard fills cfg from answers read on in. An empty answer keeps the
// bracketed default.
func wizard(cfg *config.Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	prompt := func(label, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, err := reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}
	yes := func(label string, def bool) (bool, error) {
		d := "n"
		if def {
			d = "y"
		}
		ans, err := prompt(label+" (y/n)", d)
		if err != nil {
			return false, err
		}
		return strings.HasPrefix(strings.ToLower(ans), "y"), nil
	}

	fmt.Fprintln(out, "\n--- Step 1: Agent ---")
	endpoint, err := prompt("Agent JSON-RPC endpoint", cfg.Agent.Endpoint)
	if err != nil {
		return err
	}
	cfg.Agent.Endpoint = endpoint

	fmt.Fprintln(out, "\n--- Step 2: Gateway ---")
	port, err := prompt("Listen port", strconv.Itoa(cfg.Gateway.Port))
	if err != nil {
		return err
	}
	if n, err := strconv.Atoi(port); err == nil {
		cfg.Gateway.Port = n
	} else {
		fmt.Fprintf(out, "  not a number, keeping %d\n", cfg.Gateway.Port)
	}
	webchat, err := yes("Enable browser webchat", cfg.Channels.Webchat.Enabled)
	if err != nil {
		return err
	}
	cfg.Channels.Webchat.Enabled = webchat

	fmt.Fprintln(out, "\n--- Step 3: Channels ---")
	for _, ch := range wizardChannels {
		section := cfg.Channels.Section(ch.ID)
		on, err := yes("Enable "+ch.Desc, section.Enabled)
		if err != nil {
			return err
		}
		section.Enabled = on
		if on {
			var acct config.AccountConfig
			if len(section.Accounts) > 0 {
				acct = section.Accounts[0]
			}
			for _, p := range ch.Prompts {
				v, err := prompt("  "+p.Label, p.Def)
				if err != nil {
					return err
				}
				p.Set(&acct, v)
			}
			if len(section.Accounts) == 0 {
				section.Accounts = []config.AccountConfig{acct}
			} else {
				section.Accounts[0] = acct
			}
		}
		setSection(&cfg.Channels, ch.ID, section)
	}
	return nil
}

func setSection(c *config.ChannelsConfig, name string, s config.ChannelSection) {
	switch name {
	case "discord":
		c.Discord = s
	case "telegram":
		c.Telegram = s
	case "slack":
		c.Slack = s
	case "whatsapp":
		c.WhatsApp = s
	case "signal":
		c.Signal = s
	case "webchat":
		c.Webchat = s
	}
}
