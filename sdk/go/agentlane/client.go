// Package agentlane is the Go client for a remote governd instance. The
// Client implements the same runtime facade the in-process orchestrator
// exposes, so callers switch between local and remote with a
// constructor change.
package agentlane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentlane/agentlane/pkg/domain"
	rt "github.com/agentlane/agentlane/pkg/runtime"
)

const APIVersion = "v1"

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Error is the structured failure returned for non-2xx responses that
// are not retried to success.
type Error struct {
	StatusCode int
	ErrorCode  string
	Message    string
	RequestID  string
	Details    any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("agentlane sdk error: status=%d code=%s message=%s", e.StatusCode, e.ErrorCode, e.Message)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      RetryConfig
	sleep      func(time.Duration)
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

var _ rt.Runtime = (*Client)(nil)

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
		sleep:      time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	return c
}

func NewIdempotencyKey() string { return uuid.NewString() }

func (c *Client) workspacePath(workspaceID string, parts ...string) string {
	p := "/" + APIVersion + "/workspaces/" + url.PathEscape(workspaceID)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (c *Client) StartAgent(ctx context.Context, workspaceID string, spec domain.AgentSpec) error {
	path := c.workspacePath(workspaceID, "agents", url.PathEscape(spec.AgentID), "start")
	return c.do(ctx, http.MethodPost, path, nil, true, nil)
}

func (c *Client) StopAgent(ctx context.Context, workspaceID, agentID string) error {
	path := c.workspacePath(workspaceID, "agents", url.PathEscape(agentID), "stop")
	return c.do(ctx, http.MethodPost, path, nil, true, nil)
}

func (c *Client) GetAgentStatus(ctx context.Context, workspaceID, agentID string) (rt.AgentStatus, error) {
	var out rt.AgentStatus
	path := c.workspacePath(workspaceID, "agents", url.PathEscape(agentID), "status")
	err := c.do(ctx, http.MethodGet, path, nil, false, &out)
	return out, err
}

func (c *Client) ListAgentStatuses(ctx context.Context, workspaceID string, page, limit int) ([]rt.AgentStatus, int, error) {
	var out struct {
		Statuses []rt.AgentStatus `json:"statuses"`
		Total    int              `json:"total"`
		Page     int              `json:"page"`
		Limit    int              `json:"limit"`
	}
	path := fmt.Sprintf("%s?page=%d&limit=%d", c.workspacePath(workspaceID, "agents", "statuses"), page, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, false, &out); err != nil {
		return nil, 0, err
	}
	return out.Statuses, out.Total, nil
}

func (c *Client) GetPolicySnapshot(ctx context.Context, workspaceID, policySet string) (*domain.PolicySnapshot, error) {
	var out domain.PolicySnapshot
	path := c.workspacePath(workspaceID, "policy", "snapshot") + "?policy_set=" + url.QueryEscape(policySet)
	if err := c.do(ctx, http.MethodGet, path, nil, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) HotReloadPolicy(ctx context.Context, workspaceID, policySet string, bundle map[string]any, actor string) (rt.HotReloadResult, error) {
	var out rt.HotReloadResult
	path := c.workspacePath(workspaceID, "policy", "hotreload")
	body := map[string]any{"policy_set": policySet, "bundle": bundle, "actor": actor}
	err := c.do(ctx, http.MethodPost, path, body, true, &out)
	return out, err
}

func (c *Client) Revalidate(ctx context.Context, workspaceID string, agentIDs []string) ([]rt.RevalidationEntry, error) {
	var out struct {
		Results []rt.RevalidationEntry `json:"results"`
	}
	path := c.workspacePath(workspaceID, "policy", "revalidate")
	body := map[string]any{"agent_ids": agentIDs}
	if err := c.do(ctx, http.MethodPost, path, body, true, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) GetGovernanceExplanation(ctx context.Context, workspaceID, agentID string) (rt.GovernanceExplanation, error) {
	var out rt.GovernanceExplanation
	path := c.workspacePath(workspaceID, "agents", url.PathEscape(agentID), "governance")
	err := c.do(ctx, http.MethodGet, path, nil, false, &out)
	return out, err
}

// CreateAgent registers a sandbox agent spec with governd.
func (c *Client) CreateAgent(ctx context.Context, spec domain.AgentSpec) (domain.AgentSpec, error) {
	var out domain.AgentSpec
	body := map[string]any{
		"agent_id":               spec.AgentID,
		"role_class":             spec.RoleClass,
		"system_prompt":          spec.SystemPrompt,
		"allowed_tools":          spec.AllowedTools,
		"has_tool_access":        spec.HasToolAccess,
		"has_document_access":    spec.HasDocumentAccess,
		"budget":                 spec.Budget,
		"max_tokens_per_request": spec.MaxTokensPerRequest,
		"policy_set":             spec.PolicySet,
		"expires_at":             spec.ExpiresAt,
	}
	path := c.workspacePath(spec.WorkspaceID, "agents")
	err := c.do(ctx, http.MethodPost, path, body, true, &out)
	return out, err
}

// PromoteAgent moves a sandbox agent into the governed pipeline.
func (c *Client) PromoteAgent(ctx context.Context, workspaceID, agentID string) (domain.AgentSpec, error) {
	var out domain.AgentSpec
	path := c.workspacePath(workspaceID, "agents", url.PathEscape(agentID), "promote")
	err := c.do(ctx, http.MethodPost, path, nil, true, &out)
	return out, err
}

// OverrideInvalidation re-opens the pipeline for an invalidated agent.
func (c *Client) OverrideInvalidation(ctx context.Context, workspaceID, agentID, actor string) (domain.AgentSpec, error) {
	var out domain.AgentSpec
	path := c.workspacePath(workspaceID, "agents", url.PathEscape(agentID), "override")
	err := c.do(ctx, http.MethodPost, path, map[string]any{"actor": actor}, true, &out)
	return out, err
}

// do sends one request with retries and decodes the 2xx body into out.
// Mutations carry an Idempotency-Key so a retried request that already
// committed is safe to replay.
func (c *Client) do(ctx context.Context, method, path string, body any, mutation bool, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	idempotencyKey := ""
	if mutation {
		idempotencyKey = NewIdempotencyKey()
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "agentlane-go-sdk/0.1.0 (api:"+APIVersion+")")
		req.Header.Set("Authorization", "Bearer "+c.token)
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < c.retry.MaxAttempts {
				c.backoff(attempt)
				continue
			}
			break
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}
		if shouldRetryStatus(resp.StatusCode) && attempt < c.retry.MaxAttempts {
			lastErr = parseSDKError(resp.StatusCode, respBody)
			c.backoff(attempt)
			continue
		}
		return parseSDKError(resp.StatusCode, respBody)
	}
	return fmt.Errorf("request failed after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

func (c *Client) backoff(attempt int) {
	d := float64(c.retry.BaseDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(c.retry.MaxDelay) {
		d = float64(c.retry.MaxDelay)
	}
	c.sleep(time.Duration(d))
}

func shouldRetryStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func parseSDKError(status int, body []byte) error {
	out := &Error{StatusCode: status}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		out.Message = strings.TrimSpace(string(body))
		if out.Message == "" {
			out.Message = http.StatusText(status)
		}
		return out
	}
	out.RequestID, _ = obj["request_id"].(string)
	if inner, ok := obj["error"].(map[string]any); ok {
		obj = inner
	}
	out.ErrorCode, _ = obj["code"].(string)
	out.Message, _ = obj["message"].(string)
	out.Details = obj["details"]
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}
