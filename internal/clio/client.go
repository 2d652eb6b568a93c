// Package clio provides the HTTP client for the practice-management API.
// The client transparently refreshes its OAuth token and replays exactly
// once on a 401, retries transient failures a fixed number of times, and
// exposes the upstream rate-limit snapshot for the rate-aware queue.
package clio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"lawflow_backend/platform/logger"
)

// ErrNotFound is returned when the upstream resource does not exist.
// "Task was deleted upstream" is a normal branch for callers, not an
// exceptional condition.
var ErrNotFound = errors.New("clio: resource not found")

// TokenSource supplies and refreshes the OAuth access token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Config tunes the client's retry behavior.
type Config struct {
	BaseURL       string
	RetryAttempts int
	RetryDelay    time.Duration
}

// Client is the practice-management API client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	attempts   int
	retryDelay time.Duration
	log        *logger.Logger

	mu        sync.Mutex
	rateLimit RateLimitStatus
}

// New creates a new practice-management client.
func New(cfg Config, tokens TokenSource, log *logger.Logger) *Client {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 3
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    cfg.BaseURL,
		tokens:     tokens,
		attempts:   attempts,
		retryDelay: delay,
		log:        log,
	}
}

// RateLimit returns the most recent upstream quota snapshot.
func (c *Client) RateLimit() RateLimitStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimit
}

// envelope wraps every response body; the API nests resources under "data".
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// GetMatter fetches a matter by id with the fields orchestrators need.
func (c *Client) GetMatter(ctx context.Context, id int64) (*Matter, error) {
	var m Matter
	params := url.Values{}
	params.Set("fields", "id,display_number,description,status,location,matter_stage{id,name},matter_stage_updated_at,practice_area{id,name},responsible_attorney{id,name},originating_attorney{id,name}")
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/matters/%d", id), params, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMatter applies the given mutable fields to a matter.
func (c *Client) UpdateMatter(ctx context.Context, id int64, p MatterParams) (*Matter, error) {
	var m Matter
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/matters/%d", id), nil, wrapData(p), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id int64) (*Task, error) {
	var t Task
	params := url.Values{}
	params.Set("fields", "id,name,description,status,priority,due_at,completed_at,assignee{id,name},matter{id,display_number}")
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d", id), params, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasksByMatter fetches all tasks on a matter.
func (c *Client) ListTasksByMatter(ctx context.Context, matterID int64) ([]Task, error) {
	var tasks []Task
	params := url.Values{}
	params.Set("matter_id", strconv.FormatInt(matterID, 10))
	params.Set("fields", "id,name,status,due_at,completed_at,assignee{id,name}")
	if err := c.do(ctx, http.MethodGet, "/tasks", params, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, p TaskParams) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodPost, "/tasks", nil, wrapData(p), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask applies the given mutable fields to a task.
func (c *Client) UpdateTask(ctx context.Context, id int64, p TaskParams) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/tasks/%d", id), nil, wrapData(p), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTask deletes a task. Deleting an already-deleted task returns
// ErrNotFound, which callers generally ignore.
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/tasks/%d", id), nil, nil, nil)
}

// GetCalendarEntry fetches a calendar entry by id.
func (c *Client) GetCalendarEntry(ctx context.Context, id int64) (*CalendarEntry, error) {
	var e CalendarEntry
	params := url.Values{}
	params.Set("fields", "id,summary,location,start_at,end_at,matter{id,display_number},calendar_entry_event_type{id,name}")
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/calendar_entries/%d", id), params, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetDocument fetches a document by id.
func (c *Client) GetDocument(ctx context.Context, id int64) (*Document, error) {
	var d Document
	params := url.Values{}
	params.Set("fields", "id,name,parent{id,name},matter{id,display_number}")
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/documents/%d", id), params, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListBillsByMatter fetches bills on a matter for payment-presence checks.
func (c *Client) ListBillsByMatter(ctx context.Context, matterID int64) ([]Bill, error) {
	var bills []Bill
	params := url.Values{}
	params.Set("matter_id", strconv.FormatInt(matterID, 10))
	params.Set("fields", "id,state,total")
	if err := c.do(ctx, http.MethodGet, "/bills", params, nil, &bills); err != nil {
		return nil, err
	}
	return bills, nil
}

// ListWebhookSubscriptions fetches the registered webhook subscriptions.
func (c *Client) ListWebhookSubscriptions(ctx context.Context) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	params := url.Values{}
	params.Set("fields", "id,url,status,expires_at,events")
	if err := c.do(ctx, http.MethodGet, "/webhooks", params, nil, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// UpdateWebhookSubscription applies the given fields to a subscription.
func (c *Client) UpdateWebhookSubscription(ctx context.Context, id int64, p WebhookParams) (*WebhookSubscription, error) {
	var sub WebhookSubscription
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/webhooks/%d", id), nil, wrapData(p), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func wrapData(v interface{}) interface{} {
	return map[string]interface{}{"data": v}
}

// do runs one logical request with the retry and token-refresh policy.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body interface{}, out interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		retryable, err := c.doOnce(ctx, method, path, params, body, out, true)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// doOnce performs a single request. allowRefresh guards the one-shot
// 401 refresh-and-replay.
func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, body interface{}, out interface{}, allowRefresh bool) (retryable bool, err error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("clio token: %w", err)
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("clio encode body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return false, fmt.Errorf("clio create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.ExternalAPIError(method+" "+path, 0, err)
		return true, fmt.Errorf("clio request: %w", err)
	}
	defer resp.Body.Close()

	c.captureRateLimit(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized && allowRefresh:
		if _, err := c.tokens.Refresh(ctx); err != nil {
			return false, fmt.Errorf("clio token refresh: %w", err)
		}
		return c.doOnce(ctx, method, path, params, body, out, false)
	case resp.StatusCode == http.StatusNotFound:
		return false, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		c.log.ExternalAPIError(method+" "+path, resp.StatusCode, errors.New("rate limited"))
		return true, fmt.Errorf("clio rate limited")
	case resp.StatusCode >= 500:
		c.log.ExternalAPIError(method+" "+path, resp.StatusCode, errors.New("upstream error"))
		return true, fmt.Errorf("clio upstream error: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("clio request failed: status %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return false, nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return false, fmt.Errorf("clio decode: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return false, fmt.Errorf("clio decode data: %w", err)
	}
	return false, nil
}

func (c *Client) captureRateLimit(resp *http.Response) {
	remaining, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	limit, _ := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))

	status := RateLimitStatus{Limit: limit, Remaining: remaining}
	if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil && reset > 0 {
		status.ResetAt = time.Unix(reset, 0)
	}

	c.mu.Lock()
	c.rateLimit = status
	c.mu.Unlock()
}
