package opencode

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/internal/arch"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// documentBlocks flattens an export document into the unified block model.
// Parts are visited in message order, parts within a message in array order.
func documentBlocks(doc *exportDocument) []v1.Block {
	var blocks []v1.Block
	for _, msg := range doc.Messages {
		for _, p := range msg.Parts {
			blocks = append(blocks, partBlocks(&msg.Info, &p)...)
		}
	}
	return blocks
}

// partBlocks maps one part to zero or more blocks. File, snapshot, patch and
// compaction parts are internal bookkeeping and produce nothing.
func partBlocks(info *messageInfo, p *part) []v1.Block {
	ts := messageTimestamp(info)
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}

	switch p.Type {
	case partTypeText:
		if p.Text == "" {
			return nil
		}
		if info.Role == "user" {
			return []v1.Block{{
				ID:        id,
				Type:      v1.BlockTypeUserMessage,
				Timestamp: ts,
				Content:   p.Text,
			}}
		}
		return []v1.Block{{
			ID:        id,
			Type:      v1.BlockTypeAssistantText,
			Timestamp: ts,
			Content:   p.Text,
			Model:     modelName(info),
		}}

	case partTypeReasoning:
		if p.Text == "" {
			return nil
		}
		return []v1.Block{{
			ID:        id,
			Type:      v1.BlockTypeThinking,
			Timestamp: ts,
			Content:   p.Text,
		}}

	case partTypeTool:
		return toolBlocks(id, ts, p)

	case partTypeAgent, partTypeSubtask:
		name := p.Name
		if name == "" {
			name = p.AgentName
		}
		// Exported subtask parts describe finished runs. The part id doubles
		// as the subagent id; opencode does not expose the child session.
		input, _ := json.Marshal(p.Prompt)
		return []v1.Block{{
			ID:         id,
			Type:       v1.BlockTypeSubagent,
			Timestamp:  ts,
			SubagentID: id,
			Name:       name,
			Input:      input,
			Status:     v1.ToolStatusSuccess,
		}}

	case partTypeStepStart, partTypeStepFinish:
		return []v1.Block{{
			ID:        id,
			Type:      v1.BlockTypeSystem,
			Timestamp: ts,
			Subtype:   v1.SystemSubtypeStatus,
			Message:   p.Type,
		}}

	case partTypeRetry:
		return []v1.Block{{
			ID:        id,
			Type:      v1.BlockTypeSystem,
			Timestamp: ts,
			Subtype:   v1.SystemSubtypeError,
			Message:   p.Error.text(),
		}}
	}
	return nil
}

// toolBlocks produces a tool_use block, plus the paired tool_result once the
// state reached a terminal status.
func toolBlocks(id string, ts time.Time, p *part) []v1.Block {
	callID := p.CallID
	if callID == "" {
		callID = id
	}

	use := v1.Block{
		ID:        id,
		Type:      v1.BlockTypeToolUse,
		Timestamp: ts,
		ToolName:  p.Tool,
		ToolUseID: callID,
		Status:    v1.ToolStatusPending,
	}
	if p.State == nil {
		return []v1.Block{use}
	}

	use.Input = p.State.Input
	use.DisplayName = p.State.Title
	switch p.State.Status {
	case toolStatusRunning:
		use.Status = v1.ToolStatusRunning
		return []v1.Block{use}
	case toolStatusCompleted:
		use.Status = v1.ToolStatusSuccess
	case toolStatusError:
		use.Status = v1.ToolStatusError
	default:
		return []v1.Block{use}
	}

	output := p.State.Output
	if p.State.Status == toolStatusError && p.State.Error != "" {
		output = p.State.Error
	}
	result := v1.Block{
		ID:        id + "-result",
		Type:      v1.BlockTypeToolResult,
		Timestamp: ts,
		ToolUseID: callID,
		Output:    output,
		IsError:   p.State.Status == toolStatusError,
	}
	return []v1.Block{use, result}
}

func modelName(info *messageInfo) string {
	if info.ProviderID != "" && info.ModelID != "" {
		return info.ProviderID + "/" + info.ModelID
	}
	return info.ModelID
}

func messageTimestamp(info *messageInfo) time.Time {
	if info.Time != nil && info.Time.Created > 0 {
		return time.UnixMilli(info.Time.Created).UTC()
	}
	return time.Now().UTC()
}

// parseDocument decodes a raw export document. Malformed input degrades to
// nil.
func parseDocument(raw string) *exportDocument {
	if raw == "" {
		return nil
	}
	var doc exportDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil
	}
	return &doc
}

// isPlaceholder reports whether a document holds only the seeded prompt: a
// conversation with no assistant turn has not actually run.
func isPlaceholder(doc *exportDocument) bool {
	if doc == nil {
		return true
	}
	for _, msg := range doc.Messages {
		if msg.Info.Role == "assistant" && len(msg.Parts) > 0 {
			return false
		}
	}
	return true
}

// ParseTranscripts converts export documents into blocks. Pure; malformed
// content degrades to an empty result.
func (a *Adapter) ParseTranscripts(mainRaw string, subagents []v1.SubagentTranscript) arch.ParseResult {
	var result arch.ParseResult
	if doc := parseDocument(mainRaw); doc != nil {
		result.Blocks = documentBlocks(doc)
	}
	for _, sub := range subagents {
		doc := parseDocument(sub.Content)
		if isPlaceholder(doc) {
			continue
		}
		result.Subagents = append(result.Subagents, arch.ParsedSubagent{
			ID:     sub.ID,
			Blocks: documentBlocks(doc),
		})
	}
	return result
}
