package claude

import (
	"encoding/json"
	"strings"
)

// Transcript and stream-json message types emitted by the Claude CLI.
const (
	messageTypeUser         = "user"
	messageTypeAssistant    = "assistant"
	messageTypeSystem       = "system"
	messageTypeResult       = "result"
	messageTypeAuthStatus   = "auth_status"
	messageTypeStreamEvent  = "stream_event"
	messageTypeToolProgress = "tool_progress"
)

// System message subtypes.
const (
	systemSubtypeInit            = "init"
	systemSubtypeStatus          = "status"
	systemSubtypeHookResponse    = "hook_response"
	systemSubtypeCompactBoundary = "compact_boundary"
)

// resultSubtypeSuccess ends the session; every other result subtype is a
// failure.
const resultSubtypeSuccess = "success"

// transcriptLine is one line of a Claude session transcript or one stream
// record from the CLI. The type field decides which fields are populated;
// unknown fields are ignored.
type transcriptLine struct {
	Type      string `json:"type"`
	UUID      string `json:"uuid,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// user and assistant messages; also a free-form string for some system
	// lines, hence the raw decode.
	Message json.RawMessage `json:"message,omitempty"`

	// system and result messages
	Subtype string `json:"subtype,omitempty"`

	// result messages
	Result            json.RawMessage `json:"result,omitempty"`
	IsError           bool            `json:"is_error,omitempty"`
	DurationMS        int64           `json:"duration_ms,omitempty"`
	NumTurns          int             `json:"num_turns,omitempty"`
	TotalInputTokens  int64           `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64           `json:"total_output_tokens,omitempty"`
	Usage             *usage          `json:"usage,omitempty"`
}

// messageBody is the message payload of user/assistant lines.
type messageBody struct {
	Role       string      `json:"role"`
	Model      string      `json:"model,omitempty"`
	Content    contentList `json:"content,omitempty"`
	StopReason string      `json:"stop_reason,omitempty"`
	Usage      *usage      `json:"usage,omitempty"`
}

// contentPart is one part of a message's content array.
type contentPart struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result, inside synthetic user messages
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// contentList accepts both the string and the array form the CLI emits.
type contentList []contentPart

func (c *contentList) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		*c = contentList{{Type: "text", Text: asString}}
		return nil
	}
	var parts []contentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*c = parts
	return nil
}

// usage holds token counts from assistant and result messages.
type usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

func (u *usage) total() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}

// decodeMessageBody decodes the message payload, tolerating the string form.
func decodeMessageBody(raw json.RawMessage) (*messageBody, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var body messageBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, false
	}
	return &body, true
}

// messageString extracts the string form of a message payload, for system
// lines whose message is plain text.
func messageString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// toolResultText flattens a tool_result content payload to text. The CLI
// emits either a string or an array of text parts.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return strings.TrimSpace(string(raw))
	}
	var texts []string
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
