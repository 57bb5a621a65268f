package bridge

import (
	"context"
	"encoding/json"
	"fmt"
)

// invoke calls method and decodes the result into out. A JSON-RPC error is
// returned as *RPCError.
func (c *Client) invoke(ctx context.Context, method string, params, out any) error {
	resp := c.RPC(ctx, method, params)
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// Ping issues a no-op call and reports whether the agent answered.
func (c *Client) Ping(ctx context.Context) bool {
	return c.RPC(ctx, "ping", nil).Error == nil
}

// Chat sends one user message through chat_sync.
func (c *Client) Chat(ctx context.Context, p ChatParams) (*ChatResult, error) {
	var res ChatResult
	if err := c.invoke(ctx, "chat_sync", p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Status returns the agent's status document.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var st map[string]any
	if err := c.invoke(ctx, "status", nil, &st); err != nil {
		return nil, err
	}
	return st, nil
}

func (c *Client) SetMode(ctx context.Context, mode string) error {
	return c.invoke(ctx, "set_mode", map[string]string{"mode": mode}, nil)
}

func (c *Client) SetMood(ctx context.Context, mood string) error {
	return c.invoke(ctx, "set_mood", map[string]string{"mood": mood}, nil)
}

// ToggleNetwork flips the agent's network access and returns its new state.
func (c *Client) ToggleNetwork(ctx context.Context) (map[string]any, error) {
	var st map[string]any
	if err := c.invoke(ctx, "toggle_network", nil, &st); err != nil {
		return nil, err
	}
	return st, nil
}
