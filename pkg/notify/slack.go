package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Slack posts notifications to a channel via chat.postMessage.
type Slack struct {
	token   string
	channel string
	baseURL string
	http    *http.Client
}

// NewSlack creates a Slack sink.
func NewSlack(botToken, channelID string) *Slack {
	return &Slack{
		token:   botToken,
		channel: channelID,
		baseURL: "https://slack.com/api",
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// NewSlackWithBaseURL creates a Slack sink against a custom endpoint (tests).
func NewSlackWithBaseURL(botToken, channelID, baseURL string) *Slack {
	s := NewSlack(botToken, channelID)
	s.baseURL = baseURL
	return s
}

// block is one Slack Block Kit section.
type block struct {
	Type string `json:"type"`
	Text struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"text"`
}

func mrkdwn(text string) block {
	var b block
	b.Type = "section"
	b.Text.Type = "mrkdwn"
	b.Text.Text = text
	return b
}

// issueLink renders an issue reference as a Slack link when the repo is known.
func issueLink(issueNumber int, repo string) string {
	if repo == "" {
		return fmt.Sprintf("#%d", issueNumber)
	}
	return fmt.Sprintf("<https://github.com/%s/issues/%d|#%d>", repo, issueNumber, issueNumber)
}

func repoSuffix(repo string) string {
	if repo == "" {
		return ""
	}
	return " in " + repo
}

// NotifyStart posts a processing-started message.
func (s *Slack) NotifyStart(ctx context.Context, issueNumber int, title, repo string) error {
	text := fmt.Sprintf(":rocket: *Started processing issue %s%s*\n%s",
		issueLink(issueNumber, repo), repoSuffix(repo), title)
	return s.post(ctx, fmt.Sprintf("Started issue #%d: %s", issueNumber, title), []block{mrkdwn(text)})
}

// NotifyComplete posts a completion message with duration.
func (s *Slack) NotifyComplete(ctx context.Context, issueNumber int, duration, repo string) error {
	text := fmt.Sprintf(":white_check_mark: *Completed issue %s%s*\nDuration: `%s`",
		issueLink(issueNumber, repo), repoSuffix(repo), duration)
	return s.post(ctx, fmt.Sprintf("Completed issue #%d [%s]", issueNumber, duration), []block{mrkdwn(text)})
}

// NotifyNeedsInput posts a needs-input message with the output tail.
func (s *Slack) NotifyNeedsInput(ctx context.Context, issueNumber int, tailOutput, repo string) error {
	blocks := []block{
		mrkdwn(fmt.Sprintf(":hourglass: *Issue %s%s needs input*", issueLink(issueNumber, repo), repoSuffix(repo))),
		mrkdwn(fmt.Sprintf("```%s```", truncateTail(tailOutput, 500))),
	}
	return s.post(ctx, fmt.Sprintf("Issue #%d needs input", issueNumber), blocks)
}

// NotifyError posts an error message, attaching the output tail when present.
func (s *Slack) NotifyError(ctx context.Context, issueNumber int, errMsg, tailOutput, repo string) error {
	blocks := []block{
		mrkdwn(fmt.Sprintf(":x: *Error on issue %s%s*\n%s", issueLink(issueNumber, repo), repoSuffix(repo), errMsg)),
	}
	if tailOutput != "" {
		blocks = append(blocks, mrkdwn(fmt.Sprintf("*Last output:*\n```%s```", truncateTail(tailOutput, 300))))
	}
	return s.post(ctx, fmt.Sprintf("Error on issue #%d: %s", issueNumber, errMsg), blocks)
}

// post calls chat.postMessage. Slack reports API failures in the body with
// HTTP 200, so the ok flag is checked too.
func (s *Slack) post(ctx context.Context, fallback string, blocks []block) error {
	payload := map[string]any{
		"channel": s.channel,
		"text":    fallback,
		"blocks":  blocks,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat.postMessage", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("post to slack: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decode slack response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("slack API error: %s", result.Error)
	}
	return nil
}
