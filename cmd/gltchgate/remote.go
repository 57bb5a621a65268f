package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gltchgate/internal/config"
	"gltchgate/internal/registry"

	"github.com/spf13/cobra"
)

// apiClient talks to the REST surface of a running gateway.
type apiClient struct {
	base   string
	apiKey string
	http   *http.Client
}

var gatewayURL string // overridable via --url flag

func newAPIClient() (*apiClient, error) {
	base := gatewayURL
	key := os.Getenv("GLTCHGATE_API_KEY")
	cfg, err := config.Load(resolveConfigPath())
	if err == nil {
		if base == "" {
			host := cfg.Gateway.Host
			if host == "" || host == "0.0.0.0" {
				host = "127.0.0.1"
			}
			base = fmt.Sprintf("http://%s:%d", host, cfg.Gateway.Port)
		}
		if key == "" {
			key = cfg.Gateway.APIKey
		}
	} else if base == "" {
		return nil, fmt.Errorf("load config (or pass --url): %w", err)
	}
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		apiKey: key,
		http:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do sends body as JSON (when non-nil) and decodes the response into out.
// Non-2xx responses become errors carrying the server's error message.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var st map[string]any
			if err := c.do(cmd.Context(), http.MethodGet, "/api/status", nil, &st); err != nil {
				return err
			}
			printJSON(st)
			return nil
		},
	}
	cmd.Flags().StringVar(&gatewayURL, "url", "", "gateway base URL (default: from config)")
	return cmd
}

func eventsCmd() *cobra.Command {
	var eventType, since string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent gateway events (status transitions, plugin lifecycle)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			q := url.Values{}
			if eventType != "" {
				q.Set("type", eventType)
			}
			if since != "" {
				q.Set("since", since)
			}
			var events []struct {
				Type      string         `json:"type"`
				Source    string         `json:"source"`
				Payload   map[string]any `json:"payload"`
				Timestamp time.Time      `json:"timestamp"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/api/events?"+q.Encode(), nil, &events); err != nil {
				return err
			}
			for _, e := range events {
				payload, _ := json.Marshal(e.Payload)
				fmt.Printf("%s  %-20s %-10s %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Type, e.Source, payload)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&gatewayURL, "url", "", "gateway base URL (default: from config)")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type, e.g. channel.status")
	cmd.Flags().StringVar(&since, "since", "1h", "lookback duration or RFC 3339 time")
	return cmd
}

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect and control channels of a running gateway",
	}
	cmd.PersistentFlags().StringVar(&gatewayURL, "url", "", "gateway base URL (default: from config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List loaded channels and their account states",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var list []registry.ChannelStatus
			if err := c.do(cmd.Context(), http.MethodGet, "/api/channels", nil, &list); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHANNEL\tENABLED\tMODE\tACCOUNT\tSTATUS\tERROR")
			for _, ch := range list {
				fmt.Fprintf(tw, "%s\t%v\t%s\t%s\t%s\t%s\n",
					ch.ID, ch.Enabled, ch.DeliveryMode, ch.Account.ID, ch.Account.Status, ch.Account.Error)
			}
			return tw.Flush()
		},
	})

	for _, action := range []string{"enable", "disable"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action + " [channel]",
			Short: strings.ToUpper(action[:1]) + action[1:] + " routing for a channel",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := newAPIClient()
				if err != nil {
					return err
				}
				if err := c.do(cmd.Context(), http.MethodPost, "/api/channels/"+args[0]+"/"+action, nil, nil); err != nil {
					return err
				}
				fmt.Printf("%s %sd\n", args[0], action)
				return nil
			},
		})
	}

	var restartAccount string
	restart := &cobra.Command{
		Use:   "restart [channel]",
		Short: "Reconnect one account of a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			body := map[string]string{"account": restartAccount}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/channels/"+args[0]+"/restart", body, nil); err != nil {
				return err
			}
			fmt.Printf("%s/%s restarted\n", args[0], restartAccount)
			return nil
		},
	}
	restart.Flags().StringVar(&restartAccount, "account", "default", "account id")
	cmd.AddCommand(restart)

	var pairAccount string
	pair := &cobra.Command{
		Use:   "pair [channel] [sender] [code]",
		Short: "Approve a pairing code a sender received in a direct message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			body := map[string]string{"account": pairAccount, "sender": args[1], "code": args[2]}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/channels/"+args[0]+"/pair", body, nil); err != nil {
				return err
			}
			fmt.Printf("%s approved on %s/%s\n", args[1], args[0], pairAccount)
			return nil
		},
	}
	pair.Flags().StringVar(&pairAccount, "account", "default", "account id")
	cmd.AddCommand(pair)

	var sendMedia string
	send := &cobra.Command{
		Use:   "send [channel] [target] [text...]",
		Short: "Send a proactive message through a channel",
		Long:  "Send text, or with --media an attachment whose caption is the text.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[2:], " ")
			if text == "" && sendMedia == "" {
				return fmt.Errorf("nothing to send: give text or --media")
			}
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			body := map[string]any{"channel": args[0], "target": args[1], "text": text}
			if sendMedia != "" {
				body["media"] = map[string]string{"url": sendMedia}
			}
			var res any
			if err := c.do(cmd.Context(), http.MethodPost, "/api/send", body, &res); err != nil {
				return err
			}
			printJSON(res)
			return nil
		},
	}
	send.Flags().StringVar(&sendMedia, "media", "", "URL of an attachment to send")
	cmd.AddCommand(send)

	cmd.AddCommand(&cobra.Command{
		Use:   "react [channel] [target] [message-id] [emoji]",
		Short: "React to a message with an emoji",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			body := map[string]any{
				"channel":  args[0],
				"target":   args[1],
				"reaction": map[string]string{"message_id": args[2], "emoji": args[3]},
			}
			var res any
			if err := c.do(cmd.Context(), http.MethodPost, "/api/send", body, &res); err != nil {
				return err
			}
			printJSON(res)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "action [channel] [name] [key=value...]",
		Short: "List or run a channel's platform actions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var res any
			if len(args) == 1 {
				if err := c.do(cmd.Context(), http.MethodGet, "/api/channels/"+args[0]+"/actions", nil, &res); err != nil {
					return err
				}
				printJSON(res)
				return nil
			}
			params := map[string]string{}
			for _, kv := range args[2:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("param %q is not key=value", kv)
				}
				params[k] = v
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/channels/"+args[0]+"/actions/"+args[1], params, &res); err != nil {
				return err
			}
			printJSON(res)
			return nil
		},
	})

	return cmd
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Control the agent through a running gateway",
	}
	cmd.PersistentFlags().StringVar(&gatewayURL, "url", "", "gateway base URL (default: from config)")

	for _, field := range []string{"mode", "mood"} {
		cmd.AddCommand(&cobra.Command{
			Use:   field + " [value]",
			Short: "Set the agent's " + field,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := newAPIClient()
				if err != nil {
					return err
				}
				var res map[string]string
				if err := c.do(cmd.Context(), http.MethodPost, "/api/agent/"+field, map[string]string{field: args[0]}, &res); err != nil {
					return err
				}
				fmt.Printf("%s set to %s\n", field, res[field])
				return nil
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "network",
		Short: "Toggle the agent's network access",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var st map[string]any
			if err := c.do(cmd.Context(), http.MethodPost, "/api/agent/network", nil, &st); err != nil {
				return err
			}
			printJSON(st)
			return nil
		},
	})

	return cmd
}
