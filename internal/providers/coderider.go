package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"jihu_proxy/internal/utils"
)

const (
	// DefaultHost is the CodeRider API host.
	DefaultHost = "https://coderider.jihulab.com"

	// DefaultModel is used when a request names no model.
	DefaultModel = "maas/maas-chat-model"

	defaultTimeout = 60 * time.Second
)

var modelPrefixes = []string{"maas/", "server/"}

// ClientConfig configures a CodeRiderClient.
type ClientConfig struct {
	Host         string
	DefaultModel string
	Timeout      time.Duration
	HTTPClient   *http.Client // overrides Timeout when set
}

// CodeRiderClient calls the CodeRider chat and config endpoints.
type CodeRiderClient struct {
	host         string
	defaultModel string
	auth         Authenticator
	client       *http.Client
	logger       *utils.Logger
}

// NewCodeRiderClient creates a client authenticating with auth, usually a *JWTCache.
func NewCodeRiderClient(cfg ClientConfig, auth Authenticator) *CodeRiderClient {
	host := strings.TrimRight(cfg.Host, "/")
	if host == "" {
		host = DefaultHost
	}
	model := cfg.DefaultModel
	if model == "" {
		model = DefaultModel
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &CodeRiderClient{
		host:         host,
		defaultModel: model,
		auth:         auth,
		client:       client,
		logger:       utils.NewLogger("coderider"),
	}
}

// DefaultModel returns the configured default model name.
func (c *CodeRiderClient) DefaultModel() string {
	return c.defaultModel
}

// NormalizeModel strips the first matching provider prefix.
func NormalizeModel(model string) string {
	for _, prefix := range modelPrefixes {
		if rest, ok := strings.CutPrefix(model, prefix); ok {
			return rest
		}
	}
	return model
}

// ChatCompletions forwards req to the upstream chat endpoint. Upstream
// non-2xx answers are returned as ErrUpstreamFailure errors.
func (c *CodeRiderClient) ChatCompletions(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	payload := make(map[string]any, len(req.Extra)+3)
	for k, v := range req.Extra {
		payload[k] = v
	}
	payload["model"] = NormalizeModel(model)
	payload["messages"] = req.Messages
	payload["stream"] = req.Stream

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/v1/llm/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if err := c.auth.Authenticate(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &utils.UpstreamError{Kind: utils.ErrUpstreamFailure, Op: "chat completions", Message: "chat request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &utils.UpstreamError{Kind: utils.ErrUpstreamFailure, Op: "chat completions", StatusCode: resp.StatusCode, Message: "failed to read chat response", Err: err}
	}
	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("upstream chat failed", "status", resp.StatusCode, "model", payload["model"], "latency", latency)
		c.dropRejectedJWT(resp.StatusCode)
		return nil, &utils.UpstreamError{
			Kind:       utils.ErrUpstreamFailure,
			Op:         "chat completions",
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody), maxErrorBody),
			Message:    "upstream chat request failed",
		}
	}

	out := &ChatResponse{
		StatusCode:      resp.StatusCode,
		Body:            respBody,
		ContentType:     resp.Header.Get("Content-Type"),
		ProviderLatency: latency,
	}
	if !req.Stream {
		out.Usage = extractUsage(respBody)
	}
	return out, nil
}

// dropRejectedJWT forgets the cached JWT after the upstream refused it, so
// the next request fetches a new one instead of reusing it until expiry.
func (c *CodeRiderClient) dropRejectedJWT(status int) {
	if status != http.StatusUnauthorized {
		return
	}
	if inv, ok := c.auth.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
}

// ModelConfig fetches the upstream model configuration.
func (c *CodeRiderClient) ModelConfig(ctx context.Context) (*ModelConfig, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/v1/config", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if err := c.auth.Authenticate(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &utils.UpstreamError{Kind: utils.ErrUpstreamFailure, Op: "model config", Message: "config request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &utils.UpstreamError{Kind: utils.ErrUpstreamFailure, Op: "model config", StatusCode: resp.StatusCode, Message: "failed to read config response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.dropRejectedJWT(resp.StatusCode)
		return nil, &utils.UpstreamError{
			Kind:       utils.ErrUpstreamFailure,
			Op:         "model config",
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), maxErrorBody),
			Message:    "config request failed",
		}
	}

	var cfg ModelConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, &utils.UpstreamError{Kind: utils.ErrMalformedUpstreamResponse, Op: "model config", Message: "config response is not valid JSON"}
	}
	return &cfg, nil
}
