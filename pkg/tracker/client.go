// Package tracker is the GitHub issue client consumed by the dispatcher:
// list ready issues by label, mutate labels, post comments. All calls are
// parameterized by repository so one client serves every configured repo.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Issue is a work item returned by the tracker.
type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Labels []string `json:"-"`
	// Repo is the owner/repo the issue was fetched from; set by the client,
	// not the API.
	Repo string `json:"-"`
}

// issueWire is the API shape of an issue.
type issueWire struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// Client is a GitHub REST API client.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a Client against the public GitHub API.
func NewClient(token string) *Client {
	return &Client{
		token:   token,
		baseURL: "https://api.github.com",
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientWithBaseURL creates a Client against a custom API endpoint (for
// testing or GitHub Enterprise).
func NewClientWithBaseURL(token, baseURL string) *Client {
	c := NewClient(token)
	c.baseURL = baseURL
	return c
}

// ReadyIssues lists open issues in repo carrying the given label. Each
// returned issue is tagged with the repo it came from.
func (c *Client) ReadyIssues(ctx context.Context, repo, label string) ([]Issue, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/issues?labels=%s&state=open",
		c.baseURL, repo, url.QueryEscape(label))

	var wire []issueWire
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &wire); err != nil {
		return nil, fmt.Errorf("list ready issues in %s: %w", repo, err)
	}

	issues := make([]Issue, 0, len(wire))
	for _, w := range wire {
		issue := Issue{Number: w.Number, Title: w.Title, Repo: repo}
		for _, l := range w.Labels {
			issue.Labels = append(issue.Labels, l.Name)
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// UpdateLabels applies add/remove label mutations to an issue. The current
// label set is fetched first so unrelated labels are preserved.
func (c *Client) UpdateLabels(ctx context.Context, repo string, issueNumber int, add, remove []string) error {
	endpoint := fmt.Sprintf("%s/repos/%s/issues/%d", c.baseURL, repo, issueNumber)

	var wire issueWire
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &wire); err != nil {
		return fmt.Errorf("get issue %s#%d: %w", repo, issueNumber, err)
	}

	current := make(map[string]bool, len(wire.Labels))
	for _, l := range wire.Labels {
		current[l.Name] = true
	}
	for _, l := range remove {
		delete(current, l)
	}
	for _, l := range add {
		current[l] = true
	}

	next := make([]string, 0, len(current))
	for l := range current {
		next = append(next, l)
	}

	endpoint = fmt.Sprintf("%s/repos/%s/issues/%d/labels", c.baseURL, repo, issueNumber)
	if err := c.do(ctx, http.MethodPut, endpoint, next, nil); err != nil {
		return fmt.Errorf("update labels on %s#%d: %w", repo, issueNumber, err)
	}
	return nil
}

// CreateComment posts a comment on an issue.
func (c *Client) CreateComment(ctx context.Context, repo string, issueNumber int, body string) error {
	endpoint := fmt.Sprintf("%s/repos/%s/issues/%d/comments", c.baseURL, repo, issueNumber)
	payload := map[string]string{"body": body}
	if err := c.do(ctx, http.MethodPost, endpoint, payload, nil); err != nil {
		return fmt.Errorf("comment on %s#%d: %w", repo, issueNumber, err)
	}
	return nil
}

// do performs one API call, JSON-encoding body (if non-nil) and decoding the
// response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, snippet)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
