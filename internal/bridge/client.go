// Package bridge is the JSON-RPC client the gateway uses to reach the agent
// process. RPC never fails with a Go error: transport and decode failures come
// back as a synthesized internal-error response.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"gltchgate/internal/metrics"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBytes = 8 << 20

var tracer = otel.Tracer("gltchgate/bridge")

// Config configures the agent bridge.
type Config struct {
	Endpoint string
	// Timeout bounds each HTTP attempt. Zero means 120s.
	Timeout time.Duration
	// MaxAttempts is the number of tries on transport failure. Zero or one
	// means a single attempt.
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
	// HTTPClient overrides the pooled client built from Timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the agent over HTTP POST. Connected is a liveness hint
// updated by every call; there is no background reconnect.
type Client struct {
	endpoint     string
	client       *http.Client
	maxAttempts  int
	retryInitial time.Duration
	retryMax     time.Duration
	logger       *slog.Logger

	connected atomic.Bool
	nextID    atomic.Int64
}

// New creates a bridge client.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = pooledClient(cfg.Timeout)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 10 * time.Second
	}
	return &Client{
		endpoint:     strings.TrimSpace(cfg.Endpoint),
		client:       cfg.HTTPClient,
		maxAttempts:  cfg.MaxAttempts,
		retryInitial: cfg.RetryInitial,
		retryMax:     cfg.RetryMax,
		logger:       cfg.Logger.With("component", "bridge"),
	}
}

func pooledClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Endpoint returns the agent URL.
func (c *Client) Endpoint() string { return c.endpoint }

// IsConnected reports the outcome of the most recent call.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// RPC calls method with params under a fresh request id.
func (c *Client) RPC(ctx context.Context, method string, params any) Response {
	return c.Call(ctx, Request{Method: method, Params: params})
}

// Call sends req as is, filling in the protocol version and a request id when
// missing. Failures are returned as a CodeInternalError response.
func (c *Client) Call(ctx context.Context, req Request) Response {
	req.JSONRPC = Version
	if req.ID == nil {
		req.ID = c.nextID.Add(1)
	}
	if strings.TrimSpace(req.Method) == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "method is required")
	}

	ctx, span := tracer.Start(ctx, "agent.rpc "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", req.Method),
		))
	defer span.End()

	start := time.Now()
	resp, err := c.post(ctx, req)
	metrics.BridgeLatency.ObserveSince(start)
	if err != nil {
		c.connected.Store(false)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		c.logger.Warn("agent rpc failed", "method", req.Method, "err", err)
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	c.connected.Store(true)
	if resp.Error != nil {
		span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", resp.Error.Code))
		span.SetStatus(codes.Error, resp.Error.Message)
	}
	if resp.JSONRPC == "" {
		resp.JSONRPC = Version
	}
	if resp.ID == nil {
		resp.ID = req.ID
	}
	return *resp
}

// post performs the HTTP exchange. Only transport failures are retried.
func (c *Client) post(ctx context.Context, req Request) (*Response, error) {
	if c.endpoint == "" {
		return nil, errors.New("agent endpoint not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	op := func() (*Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("agent unreachable: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("read response: %w", err))
		}
		var out Response
		if err := json.Unmarshal(data, &out); err != nil || (out.Result == nil && out.Error == nil) {
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return nil, backoff.Permanent(fmt.Errorf("agent HTTP %d: %s", resp.StatusCode, truncate(string(data), 200)))
			}
			if err == nil {
				err = errors.New("neither result nor error present")
			}
			return nil, backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return &out, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxInterval = c.retryMax

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("agent rpc retry", "method", req.Method, "err", err, "retry_in", wait)
		}),
	)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
