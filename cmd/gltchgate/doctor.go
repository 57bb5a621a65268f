package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gltchgate/internal/bridge"
	"gltchgate/internal/config"
	"gltchgate/internal/domain"
	"gltchgate/internal/security"

	"github.com/spf13/cobra"
)

// checkTally counts doctor results and prints each line.
type checkTally struct {
	passed, warned, failed int
}

func (t *checkTally) pass(check, detail string) { t.passed++; printPass(check, detail) }
func (t *checkTally) warn(check, detail string) { t.warned++; printWarn(check, detail) }
func (t *checkTally) fail(check, detail string) { t.failed++; printFail(check, detail) }

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your gltchgate installation",
		Long: `Verifies that the configuration, allowlist database, agent endpoint and
channel credentials are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("gltchgate doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var t checkTally

			if _, err := os.Stat(cfgPath); err != nil {
				t.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'gltchgate init' to create a default configuration.\n")
				return nil
			}
			t.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				t.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", t.passed, t.failed)
				return nil
			}
			t.pass("Config validation", "valid")

			if cfg.Security.DBPath == "" {
				t.warn("Allowlist", "in memory; approvals are lost on restart")
			} else if err := checkAllowlist(cfg.Security.DBPath); err != nil {
				t.fail("Allowlist", err.Error())
			} else {
				t.pass("Allowlist", cfg.Security.DBPath)
			}

			agentClient := bridge.New(bridge.Config{Endpoint: cfg.Agent.Endpoint, Timeout: 5 * time.Second})
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			if agentClient.Ping(ctx) {
				t.pass("Agent", cfg.Agent.Endpoint)
			} else {
				t.warn("Agent", fmt.Sprintf("no answer from %s (gateway will keep retrying)", cfg.Agent.Endpoint))
			}
			cancel()

			if err := checkPort(cfg.Gateway.Addr()); err != nil {
				t.warn("Gateway port", fmt.Sprintf("%s may be in use: %v", cfg.Gateway.Addr(), err))
			} else {
				t.pass("Gateway port", cfg.Gateway.Addr()+" available")
			}

			enabled := 0
			for _, name := range config.ChannelNames {
				section := cfg.Channels.Section(name)
				if !section.Enabled {
					continue
				}
				enabled++
				for _, acct := range section.ChannelConfigs(name) {
					label := "Channel: " + name + "/" + acct.AccountID
					if !acct.Enabled {
						t.warn(label, "account disabled")
						continue
					}
					if missing := missingCredentials(name, acct); missing != "" {
						t.fail(label, "missing "+missing)
					} else {
						t.pass(label, "configured")
					}
				}
			}
			if enabled == 0 {
				t.fail("Channels", "no channels enabled")
			}

			if cfg.Log.File != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err != nil {
					t.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					t.pass("Log file", cfg.Log.File)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", t.passed, t.warned, t.failed)
			if t.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running the gateway.\n")
				return fmt.Errorf("%d check(s) failed", t.failed)
			}
			if t.warned > 0 {
				fmt.Printf("\nThe gateway should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! The gateway is ready to run.\n")
			}
			return nil
		},
	}
}

// missingCredentials names the first credential an account of channel lacks,
// or "" when the account has what its plugin needs to connect.
func missingCredentials(channel string, acct domain.ChannelConfig) string {
	switch channel {
	case "discord", "telegram":
		if acct.Token == "" {
			return "token"
		}
	case "slack":
		if acct.Token == "" {
			return "token"
		}
		if acct.AppToken == "" {
			return "appToken"
		}
	case "whatsapp":
		if acct.Token == "" {
			return "token"
		}
		if acct.Number == "" {
			return "phoneNumberId"
		}
		if acct.Extra["verifyToken"] == "" {
			return "verifyToken"
		}
	case "signal":
		if acct.Endpoint == "" {
			return "endpoint"
		}
		if acct.Number == "" {
			return "number"
		}
	}
	return ""
}

// checkAllowlist opens the allowlist database, applying its migration, and
// reads it back.
func checkAllowlist(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}
	store, err := security.NewSQLiteAllowlist(dbPath, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.List(ctx, "doctor", "default"); err != nil {
		return fmt.Errorf("not readable: %w", err)
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-28s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-28s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-28s %s\n", check, detail)
}
