package opencode

import (
	"encoding/json"
)

// Part types found in export documents and live part updates.
const (
	partTypeText       = "text"
	partTypeReasoning  = "reasoning"
	partTypeTool       = "tool"
	partTypeFile       = "file"
	partTypeSnapshot   = "snapshot"
	partTypePatch      = "patch"
	partTypeAgent      = "agent"
	partTypeCompaction = "compaction"
	partTypeSubtask    = "subtask"
	partTypeRetry      = "retry"
	partTypeStepStart  = "step-start"
	partTypeStepFinish = "step-finish"
)

// Tool state status values.
const (
	toolStatusPending   = "pending"
	toolStatusRunning   = "running"
	toolStatusCompleted = "completed"
	toolStatusError     = "error"
)

// Event types on the run command's JSON stream.
const (
	eventMessageUpdated     = "message.updated"
	eventMessagePartUpdated = "message.part.updated"
	eventSessionIdle        = "session.idle"
	eventSessionError       = "session.error"
)

// exportDocument is the single JSON document produced by the export command.
// It carries the session info and the full ordered message list.
type exportDocument struct {
	Info     sessionInfo     `json:"info"`
	Messages []exportMessage `json:"messages"`
}

type sessionInfo struct {
	ID       string       `json:"id"`
	Title    string       `json:"title,omitempty"`
	ParentID string       `json:"parentID,omitempty"`
	Time     *sessionTime `json:"time,omitempty"`
}

type sessionTime struct {
	Created int64 `json:"created,omitempty"`
	Updated int64 `json:"updated,omitempty"`
}

type exportMessage struct {
	Info  messageInfo `json:"info"`
	Parts []part      `json:"parts"`
}

type messageInfo struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"sessionID,omitempty"`
	Role       string       `json:"role"`
	ProviderID string       `json:"providerID,omitempty"`
	ModelID    string       `json:"modelID,omitempty"`
	Time       *messageTime `json:"time,omitempty"`
	Tokens     *tokensInfo  `json:"tokens,omitempty"`
	Error      *sdkError    `json:"error,omitempty"`
}

type messageTime struct {
	Created   int64 `json:"created,omitempty"`
	Completed int64 `json:"completed,omitempty"`
}

type tokensInfo struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// part is one message part. The type field decides which variant fields are
// populated; file, snapshot, patch and compaction parts carry payloads this
// system never surfaces.
type part struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	MessageID string `json:"messageID,omitempty"`
	SessionID string `json:"sessionID,omitempty"`

	// text and reasoning
	Text string `json:"text,omitempty"`

	// tool
	CallID string     `json:"callID,omitempty"`
	Tool   string     `json:"tool,omitempty"`
	State  *toolState `json:"state,omitempty"`

	// agent and subtask
	Name      string `json:"name,omitempty"`
	AgentName string `json:"agent,omitempty"`
	Prompt    string `json:"prompt,omitempty"`

	// retry
	Error *sdkError `json:"error,omitempty"`
}

// toolState is the execution state of a tool part.
type toolState struct {
	Status   string          `json:"status"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Title    string          `json:"title,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type sdkError struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		Message string `json:"message,omitempty"`
	} `json:"data,omitempty"`
}

func (e *sdkError) text() string {
	if e == nil {
		return ""
	}
	if e.Data != nil && e.Data.Message != "" {
		return e.Data.Message
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Name
}

// streamEnvelope is one line of the run command's JSON event stream.
type streamEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

type messageUpdatedProps struct {
	Info messageInfo `json:"info"`
}

type partUpdatedProps struct {
	Part  part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

type sessionErrorProps struct {
	SessionID string    `json:"sessionID,omitempty"`
	Error     *sdkError `json:"error,omitempty"`
}
