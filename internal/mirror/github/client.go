// Package github is a minimal REST client for the external issue
// tracker: fetch, create, update, label removal, and paginated listing,
// with retry on rate limits and transient failures.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultBaseURL = "https://api.github.com"

const (
	defaultMaxRetries = 5
	perPage           = 100
)

// RateLimitError reports an API rate limit response and the delay the
// tracker asked for.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit: %s (retry after %v)", e.Message, e.RetryAfter)
}

// APIError is a non-retryable error response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// TokenSource supplies the bearer token for each request, so app
// installations can rotate short-lived tokens under the client.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a fixed personal access token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Client provides external tracker access via REST.
type Client struct {
	baseURL    string
	tokens     TokenSource
	owner      string
	repo       string
	httpClient *http.Client
	maxRetries uint64
}

// NewClient creates a client for one repository.
func NewClient(tokens TokenSource, owner, repo string) *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		tokens:     tokens,
		owner:      owner,
		repo:       repo,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: defaultMaxRetries,
	}
}

// SetBaseURL points the client at a different API root. Used by tests.
func (c *Client) SetBaseURL(u string) { c.baseURL = strings.TrimRight(u, "/") }

// GetIssue fetches an issue by number.
func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d", c.baseURL, c.owner, c.repo, number)
	var resp Issue
	if err := c.do(ctx, "GET", url, nil, &resp); err != nil {
		return nil, fmt.Errorf("getting issue %d: %w", number, err)
	}
	return &resp, nil
}

// CreateIssue creates a new issue.
func (c *Client) CreateIssue(ctx context.Context, req *CreateIssueRequest) (*Issue, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues", c.baseURL, c.owner, c.repo)
	var resp Issue
	if err := c.do(ctx, "POST", url, req, &resp); err != nil {
		return nil, fmt.Errorf("creating issue: %w", err)
	}
	return &resp, nil
}

// UpdateIssue patches an existing issue.
func (c *Client) UpdateIssue(ctx context.Context, number int, update *UpdateIssueRequest) (*Issue, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d", c.baseURL, c.owner, c.repo, number)
	var resp Issue
	if err := c.do(ctx, "PATCH", url, update, &resp); err != nil {
		return nil, fmt.Errorf("updating issue %d: %w", number, err)
	}
	return &resp, nil
}

// ListIssues fetches every issue in the repository, iterating pages
// until the tracker runs out. state is open, closed, or all.
func (c *Client) ListIssues(ctx context.Context, state string) ([]Issue, error) {
	if state == "" {
		state = "all"
	}
	var all []Issue
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/repos/%s/%s/issues?state=%s&per_page=%d&page=%d",
			c.baseURL, c.owner, c.repo, state, perPage, page)
		var issues []Issue
		if err := c.do(ctx, "GET", url, nil, &issues); err != nil {
			return nil, fmt.Errorf("listing issues page %d: %w", page, err)
		}
		all = append(all, issues...)
		if len(issues) < perPage {
			return all, nil
		}
	}
}

// RemoveLabel removes a label from an issue. A 404 means the label is
// already gone, which is the desired end state, so it succeeds.
func (c *Client) RemoveLabel(ctx context.Context, number int, label string) error {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/labels/%s", c.baseURL, c.owner, c.repo, number, label)
	err := c.do(ctx, "DELETE", url, nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("removing label %q from issue %d: %w", label, number, err)
	}
	return nil
}

// do executes one API call with exponential-backoff retry. Rate-limit
// responses use the tracker's retry-after delay instead of the backoff
// schedule; 4xx responses other than 429 are permanent.
func (c *Client) do(ctx context.Context, method, url string, payload, result any) error {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
	}

	operation := func() error {
		err := c.once(ctx, method, url, bodyBytes, result)
		if err == nil {
			return nil
		}
		var rl *RateLimitError
		if errors.As(err, &rl) {
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-time.After(rl.RetryAfter):
			}
			return err // retryable after honoring the delay
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	return backoff.Retry(operation, bo)
}

// once performs a single HTTP round trip.
func (c *Client) once(ctx context.Context, method, url string, body []byte, result any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("fetching token: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	respBody, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusTooManyRequests ||
			(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0") {
			retryAfter := 60 * time.Second
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if seconds, err := strconv.Atoi(ra); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			}
			return &RateLimitError{Message: string(respBody), RetryAfter: retryAfter}
		}

		msg := string(respBody)
		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Message != "" {
			msg = errResp.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
