// Package v1 defines the wire-stable data model shared between the session
// runtime and its clients: conversation blocks, stream events, session
// records, and agent profiles. Field names and enum values are a stable
// contract; do not rename.
package v1

import (
	"encoding/json"
	"time"
)

// Architecture identifies an agent family. Closed set; selects the adapter.
type Architecture string

const (
	ArchitectureClaude   Architecture = "claude"
	ArchitectureOpenCode Architecture = "opencode"
)

// BlockType discriminates the Block variants.
type BlockType string

const (
	BlockTypeUserMessage   BlockType = "user_message"
	BlockTypeAssistantText BlockType = "assistant_text"
	BlockTypeToolUse       BlockType = "tool_use"
	BlockTypeToolResult    BlockType = "tool_result"
	BlockTypeThinking      BlockType = "thinking"
	BlockTypeSystem        BlockType = "system"
	BlockTypeSubagent      BlockType = "subagent"
)

// ToolStatus tracks tool_use and subagent execution state.
type ToolStatus string

const (
	ToolStatusPending ToolStatus = "pending"
	ToolStatusRunning ToolStatus = "running"
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusError   ToolStatus = "error"
)

// SystemSubtype classifies system blocks.
type SystemSubtype string

const (
	SystemSubtypeSessionStart SystemSubtype = "session_start"
	SystemSubtypeSessionEnd   SystemSubtype = "session_end"
	SystemSubtypeError        SystemSubtype = "error"
	SystemSubtypeStatus       SystemSubtype = "status"
	SystemSubtypeHookResponse SystemSubtype = "hook_response"
	SystemSubtypeAuthStatus   SystemSubtype = "auth_status"
)

// Block is a unified, family-agnostic conversation element. It is a tagged
// variant: Type selects which of the optional fields are meaningful. The
// zero-value fields of the other variants are omitted on the wire.
type Block struct {
	ID        string    `json:"id"`
	Type      BlockType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// user_message, assistant_text, thinking
	Content string `json:"content,omitempty"`
	Model   string `json:"model,omitempty"`   // assistant_text
	Summary string `json:"summary,omitempty"` // thinking

	// tool_use
	ToolName    string          `json:"toolName,omitempty"`
	ToolUseID   string          `json:"toolUseId,omitempty"` // also tool_result, subagent
	Input       json.RawMessage `json:"input,omitempty"`     // also subagent
	Status      ToolStatus      `json:"status,omitempty"`    // also subagent
	DisplayName string          `json:"displayName,omitempty"`
	Description string          `json:"description,omitempty"`

	// tool_result
	Output     string `json:"output,omitempty"` // also subagent
	IsError    bool   `json:"isError,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"` // also subagent

	// system
	Subtype  SystemSubtype  `json:"subtype,omitempty"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// subagent
	SubagentID string `json:"subagentId,omitempty"`
	Name       string `json:"name,omitempty"`
}

// NewBlock returns a block of the given type with id and timestamp set.
func NewBlock(id string, blockType BlockType, ts time.Time) Block {
	return Block{ID: id, Type: blockType, Timestamp: ts}
}
