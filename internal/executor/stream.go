package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/ShayCichocki/ralph-agent/pkg/models"
)

// StreamEventType is the type of a line in the CLI's stream-json output.
type StreamEventType string

const (
	StreamEventSystem    StreamEventType = "system"
	StreamEventAssistant StreamEventType = "assistant"
	StreamEventUser      StreamEventType = "user"
	StreamEventResult    StreamEventType = "result"
	StreamEventError     StreamEventType = "error"
)

// StreamEvent is one parsed stream-json line.
type StreamEvent struct {
	Type StreamEventType
	// Text is the assistant text carried by the line.
	Text string
	// ToolActions describe tool calls, e.g. "Reading auth.go".
	ToolActions []string
	// Result is the final result text of a result line.
	Result string
	// IsError is set on result lines that report failure and on error lines.
	IsError bool
}

type streamLine struct {
	Type    StreamEventType `json:"type"`
	Message json.RawMessage `json:"message"`
	Content json.RawMessage `json:"content"`
	Result  string          `json:"result"`
	IsError bool            `json:"is_error"`
	Error   string          `json:"error"`
}

type contentBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ParseStreamLine parses one line of stream-json output.
func ParseStreamLine(line []byte) (StreamEvent, error) {
	var raw streamLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return StreamEvent{}, fmt.Errorf("unmarshal stream line: %w", err)
	}

	event := StreamEvent{Type: raw.Type}
	switch raw.Type {
	case StreamEventAssistant:
		blocks := decodeBlocks(raw.Message)
		if blocks == nil {
			blocks = decodeBlocks(raw.Content)
		}
		for _, block := range blocks {
			switch block.Type {
			case "text":
				event.Text += block.Text
			case "tool_use":
				if action := formatToolAction(block.Name, block.Input); action != "" {
					event.ToolActions = append(event.ToolActions, action)
				}
			}
		}
	case StreamEventResult:
		event.Result = raw.Result
		event.IsError = raw.IsError
	case StreamEventError:
		event.IsError = true
		event.Result = raw.Error
		if event.Result == "" {
			event.Result = decodeString(raw.Message)
		}
	}
	return event, nil
}

// decodeBlocks accepts a message object with a content array, a bare
// content array, or a plain string.
func decodeBlocks(data json.RawMessage) []contentBlock {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '"':
		if s := decodeString(data); s != "" {
			return []contentBlock{{Type: "text", Text: s}}
		}
	case '[':
		var blocks []contentBlock
		if json.Unmarshal(data, &blocks) == nil {
			return blocks
		}
	case '{':
		var msg struct {
			Content json.RawMessage `json:"content"`
		}
		if json.Unmarshal(data, &msg) == nil {
			return decodeBlocks(msg.Content)
		}
	}
	return nil
}

func decodeString(data json.RawMessage) string {
	var s string
	if json.Unmarshal(data, &s) != nil {
		return ""
	}
	return s
}

// formatToolAction formats a tool call into a short human-readable string.
func formatToolAction(name string, input map[string]interface{}) string {
	if name == "" {
		return ""
	}
	str := func(key string) string {
		s, _ := input[key].(string)
		return s
	}

	switch name {
	case "Read", "Edit", "Write":
		verb := map[string]string{"Read": "Reading", "Edit": "Editing", "Write": "Writing"}[name]
		if path := str("file_path"); path != "" {
			return verb + " " + models.Truncate(filepath.Base(path), 40)
		}
		return verb + " file"
	case "Bash":
		if cmd := str("command"); cmd != "" {
			return "Running " + models.Truncate(firstWord(cmd), 40)
		}
		return "Running command"
	case "Glob", "Grep":
		if pattern := str("pattern"); pattern != "" {
			return "Searching " + models.Truncate(pattern, 30)
		}
		return "Searching files"
	case "WebFetch":
		return "Fetching URL"
	case "Task":
		return "Running subagent"
	default:
		return name
	}
}

func firstWord(s string) string {
	for i, c := range s {
		if c == ' ' || c == '\n' {
			return s[:i]
		}
	}
	return s
}

