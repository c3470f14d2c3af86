package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/convoyhq/convoy/internal/config"
	"github.com/convoyhq/convoy/internal/net/ssrf"
	"github.com/convoyhq/convoy/internal/ratelimit"
)

// Client is the HTTP client implementing the broker interface from §6:
// initiate, get, reinitiate, getTools, execute. Calls are not retried by
// this client — per §5/§7, the Dispatcher composes a user-visible message
// on failure instead of retrying broker or LLM calls.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *ratelimit.Bucket
	logger  *slog.Logger
}

// New builds a broker Client from BrokerConfig.
func New(cfg config.BrokerConfig, logger *slog.Logger) (*Client, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker base url: %w", err)
	}
	if ssrf.IsBlockedHostname(parsed.Hostname()) {
		return nil, fmt.Errorf("broker base url %q is blocked by SSRF policy", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: ratelimit.NewBucket(ratelimit.DefaultConfig()),
		logger:  logger,
	}, nil
}

// Initiate begins the OAuth-style handshake for (appName, entityId),
// returning a Connection carrying an AuthorizationURL for the caller to
// redirect the user to (§4.8's INITIATED state).
func (c *Client) Initiate(ctx context.Context, appName, entityID string) (*Connection, error) {
	var conn Connection
	err := c.do(ctx, http.MethodPost, "/connections/initiate", map[string]string{
		"app_name":  appName,
		"entity_id": entityID,
	}, &conn)
	return &conn, err
}

// Get fetches the broker's current view of a connection.
func (c *Client) Get(ctx context.Context, connectedAccountID string) (*Connection, error) {
	var conn Connection
	err := c.do(ctx, http.MethodGet, "/connections/"+url.PathEscape(connectedAccountID), nil, &conn)
	return &conn, err
}

// Reinitiate restarts a failed or expired connection's handshake with a
// fresh redirect URI (§4.8's INACTIVE/EXPIRED -> INITIATED transition).
func (c *Client) Reinitiate(ctx context.Context, connectedAccountID, redirectURI string) (*Connection, error) {
	var conn Connection
	err := c.do(ctx, http.MethodPost, "/connections/"+url.PathEscape(connectedAccountID)+"/reinitiate", map[string]string{
		"redirect_uri": redirectURI,
	}, &conn)
	return &conn, err
}

// GetTools fetches concrete tool descriptors for the given filter.
func (c *Client) GetTools(ctx context.Context, filter ToolFilter) ([]Tool, error) {
	var tools []Tool
	err := c.do(ctx, http.MethodPost, "/tools/search", filter, &tools)
	return tools, err
}

// Execute runs one tool invocation. A non-nil error means the broker call
// itself failed (network, auth, malformed request); a false
// ExecuteResult.Successful means the broker reached the tool and the tool
// reported a failure — both are reported back to the dispatcher as
// partial-failure outcomes, never retried here (§7).
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	var result ExecuteResult
	err := c.do(ctx, http.MethodPost, "/tools/execute", req, &result)
	return &result, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if !c.limiter.Allow() {
		return fmt.Errorf("broker request to %s rate-limited", path)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal broker request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build broker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("broker request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		c.logger.Warn("broker returned error status", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("broker %s: HTTP %d: %s", path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode broker response from %s: %w", path, err)
	}
	return nil
}
