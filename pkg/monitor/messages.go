package monitor

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Message is one entry of an agent conversation log.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
}

// wireMessage mirrors the agent's JSONL log format.
type wireMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
	Message   struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// ReadMessages loads conversation messages from dir in chronological order.
// When sessionID is set, the session-named file is preferred and messages are
// filtered to that session; otherwise every .jsonl file is read. A missing
// directory yields no messages; malformed lines are skipped.
func ReadMessages(dir, sessionID string) []Message {
	if _, err := os.Stat(dir); err != nil {
		return nil
	}

	var files []string
	if sessionID != "" {
		named := filepath.Join(dir, sessionID+".jsonl")
		if _, err := os.Stat(named); err == nil {
			files = []string{named}
		}
	}
	if files == nil {
		matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
		if err != nil {
			return nil
		}
		files = matches
	}

	var messages []Message
	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			msg, ok := parseMessage(line)
			if !ok {
				continue
			}
			if sessionID != "" && msg.SessionID != sessionID {
				continue
			}
			messages = append(messages, msg)
		}
		_ = f.Close()
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	return messages
}

// parseMessage decodes one JSONL line. Content may be a plain string or a
// list of typed blocks whose text parts are joined.
func parseMessage(line string) (Message, bool) {
	var wire wireMessage
	if err := json.Unmarshal([]byte(line), &wire); err != nil {
		return Message{}, false
	}
	if wire.Message.Role == "" || wire.Timestamp == "" {
		return Message{}, false
	}
	ts, err := time.Parse(time.RFC3339, wire.Timestamp)
	if err != nil {
		return Message{}, false
	}

	var content string
	if err := json.Unmarshal(wire.Message.Content, &content); err != nil {
		var blocks []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(wire.Message.Content, &blocks); err != nil {
			return Message{}, false
		}
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		content = strings.Join(parts, " ")
	}

	return Message{
		Role:      wire.Message.Role,
		Content:   content,
		Timestamp: ts,
		SessionID: wire.SessionID,
	}, true
}
