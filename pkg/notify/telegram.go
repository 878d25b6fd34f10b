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

// telegramMaxLength is the message size Telegram accepts; longer messages are
// truncated with a marker.
const telegramMaxLength = 4000

// Telegram posts notifications to a chat via the Bot API.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	http    *http.Client
}

// NewTelegram creates a Telegram sink.
func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		token:   botToken,
		chatID:  chatID,
		baseURL: "https://api.telegram.org",
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// NewTelegramWithBaseURL creates a Telegram sink against a custom endpoint (tests).
func NewTelegramWithBaseURL(botToken, chatID, baseURL string) *Telegram {
	t := NewTelegram(botToken, chatID)
	t.baseURL = baseURL
	return t
}

// NotifyStart posts a processing-started message.
func (t *Telegram) NotifyStart(ctx context.Context, issueNumber int, title, _ string) error {
	return t.send(ctx, fmt.Sprintf("🚀 *Started issue #%d*: %s", issueNumber, title))
}

// NotifyComplete posts a completion message.
func (t *Telegram) NotifyComplete(ctx context.Context, issueNumber int, duration, _ string) error {
	return t.send(ctx, fmt.Sprintf("✅ *Completed issue #%d* [%s]", issueNumber, duration))
}

// NotifyNeedsInput posts a needs-input message with the output tail.
func (t *Telegram) NotifyNeedsInput(ctx context.Context, issueNumber int, tailOutput, _ string) error {
	return t.send(ctx, fmt.Sprintf("⏳ *Issue #%d needs input*:\n```\n%s\n```",
		issueNumber, truncateTail(tailOutput, 1000)))
}

// NotifyError posts an error message, attaching the output tail when present.
func (t *Telegram) NotifyError(ctx context.Context, issueNumber int, errMsg, tailOutput, _ string) error {
	msg := fmt.Sprintf("❌ *Error on issue #%d*:\n%s", issueNumber, errMsg)
	if tailOutput != "" {
		msg += fmt.Sprintf("\n\nLast output:\n```\n%s\n```", truncateTail(tailOutput, 500))
	}
	return t.send(ctx, msg)
}

// send posts one message via sendMessage, truncating oversized text.
func (t *Telegram) send(ctx context.Context, text string) error {
	if len(text) > telegramMaxLength {
		text = truncateHead(text, telegramMaxLength) + "\n... (truncated)"
	}

	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("post to telegram: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram API error: status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
