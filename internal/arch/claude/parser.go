package claude

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/internal/arch"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// translator folds transcript lines into the unified block model. The same
// machine backs the pure transcript parser and the live query stream: in
// stream mode emit is non-nil and every block mutation also produces the
// matching StreamEvent, so block_start always precedes deltas and
// block_complete is last for its id.
type translator struct {
	conversationID string
	emit           func(v1.StreamEvent)

	blocks         []v1.Block
	toolUseIndex   map[string]int
	toolResultSeen map[string]bool
	usageTotals    map[string]int64
}

func newTranslator(conversationID string, emit func(v1.StreamEvent)) *translator {
	return &translator{
		conversationID: conversationID,
		emit:           emit,
		toolUseIndex:   make(map[string]int),
		toolResultSeen: make(map[string]bool),
		usageTotals:    make(map[string]int64),
	}
}

// handle consumes one JSON record. Malformed records are dropped.
func (t *translator) handle(record json.RawMessage) {
	var line transcriptLine
	if err := json.Unmarshal(record, &line); err != nil {
		return
	}

	switch line.Type {
	case messageTypeUser:
		t.handleUser(&line)
	case messageTypeAssistant:
		t.handleAssistant(&line)
	case messageTypeSystem:
		t.handleSystem(&line)
	case messageTypeResult:
		t.handleResult(&line)
	case messageTypeAuthStatus:
		t.appendComplete(v1.Block{
			ID:        t.blockID(&line, 0),
			Type:      v1.BlockTypeSystem,
			Timestamp: t.timestamp(&line),
			Subtype:   v1.SystemSubtypeAuthStatus,
			Message:   messageString(line.Message),
		})
	case messageTypeStreamEvent, messageTypeToolProgress:
		// Progress-only records, no block representation.
	}
}

func (t *translator) handleUser(line *transcriptLine) {
	body, ok := decodeMessageBody(line.Message)
	if !ok {
		return
	}

	hasToolResult := false
	for _, part := range body.Content {
		if part.Type == "tool_result" {
			hasToolResult = true
			t.handleToolResult(line, &part)
		}
	}
	if hasToolResult {
		return
	}

	var texts []string
	for _, part := range body.Content {
		if part.Type == "text" && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	if len(texts) == 0 {
		return
	}
	t.appendComplete(v1.Block{
		ID:        t.blockID(line, 0),
		Type:      v1.BlockTypeUserMessage,
		Timestamp: t.timestamp(line),
		Content:   strings.Join(texts, "\n"),
	})
}

// handleToolResult matches the result back to its tool_use by toolUseId.
// At most one result per tool_use is stored.
func (t *translator) handleToolResult(line *transcriptLine, part *contentPart) {
	if part.ToolUseID == "" || t.toolResultSeen[part.ToolUseID] {
		return
	}
	t.toolResultSeen[part.ToolUseID] = true

	status := v1.ToolStatusSuccess
	if part.IsError {
		status = v1.ToolStatusError
	}
	if idx, ok := t.toolUseIndex[part.ToolUseID]; ok {
		t.blocks[idx].Status = status
		if t.emit != nil {
			t.emit(v1.StreamEvent{
				Type:           v1.StreamEventBlockUpdate,
				ConversationID: t.conversationID,
				BlockID:        t.blocks[idx].ID,
				Updates:        map[string]any{"status": string(status)},
			})
			complete := t.blocks[idx]
			t.emit(v1.StreamEvent{
				Type:           v1.StreamEventBlockComplete,
				ConversationID: t.conversationID,
				BlockID:        complete.ID,
				Block:          &complete,
			})
		}
	}

	t.appendComplete(v1.Block{
		ID:        newBlockID(),
		Type:      v1.BlockTypeToolResult,
		Timestamp: t.timestamp(line),
		ToolUseID: part.ToolUseID,
		Output:    toolResultText(part.Content),
		IsError:   part.IsError,
	})
}

func (t *translator) handleAssistant(line *transcriptLine) {
	body, ok := decodeMessageBody(line.Message)
	if !ok {
		return
	}
	if body.Usage.total() > 0 {
		t.usageTotals["inputTokens"] += body.Usage.InputTokens
		t.usageTotals["outputTokens"] += body.Usage.OutputTokens
	}

	for i, part := range body.Content {
		switch part.Type {
		case "text":
			if part.Text == "" {
				continue
			}
			block := v1.Block{
				ID:        t.blockID(line, i),
				Type:      v1.BlockTypeAssistantText,
				Timestamp: t.timestamp(line),
				Content:   part.Text,
				Model:     body.Model,
			}
			if t.emit != nil {
				started := block
				started.Content = ""
				t.emit(v1.StreamEvent{
					Type:           v1.StreamEventBlockStart,
					ConversationID: t.conversationID,
					BlockID:        block.ID,
					Block:          &started,
				})
				t.emit(v1.StreamEvent{
					Type:           v1.StreamEventTextDelta,
					ConversationID: t.conversationID,
					BlockID:        block.ID,
					Delta:          part.Text,
				})
			}
			t.blocks = append(t.blocks, block)
			t.emitComplete(block)
		case "thinking":
			if part.Thinking == "" {
				continue
			}
			t.appendComplete(v1.Block{
				ID:        t.blockID(line, i),
				Type:      v1.BlockTypeThinking,
				Timestamp: t.timestamp(line),
				Content:   part.Thinking,
			})
		case "tool_use":
			id := part.ID
			if id == "" {
				id = t.blockID(line, i)
			}
			block := v1.Block{
				ID:        id,
				Type:      v1.BlockTypeToolUse,
				Timestamp: t.timestamp(line),
				ToolName:  part.Name,
				ToolUseID: part.ID,
				Input:     part.Input,
				Status:    v1.ToolStatusRunning,
			}
			t.toolUseIndex[part.ID] = len(t.blocks)
			t.blocks = append(t.blocks, block)
			if t.emit != nil {
				started := block
				t.emit(v1.StreamEvent{
					Type:           v1.StreamEventBlockStart,
					ConversationID: t.conversationID,
					BlockID:        block.ID,
					Block:          &started,
				})
			}
		}
	}
}

func (t *translator) handleSystem(line *transcriptLine) {
	var subtype v1.SystemSubtype
	switch line.Subtype {
	case systemSubtypeInit:
		subtype = v1.SystemSubtypeSessionStart
	case systemSubtypeStatus, systemSubtypeCompactBoundary:
		subtype = v1.SystemSubtypeStatus
	case systemSubtypeHookResponse:
		subtype = v1.SystemSubtypeHookResponse
	default:
		return
	}

	message := messageString(line.Message)
	if message == "" {
		message = line.Subtype
	}
	t.appendComplete(v1.Block{
		ID:        t.blockID(line, 0),
		Type:      v1.BlockTypeSystem,
		Timestamp: t.timestamp(line),
		Subtype:   subtype,
		Message:   message,
	})
}

// handleResult closes the session. subtype success is a clean end, anything
// else is a failure.
func (t *translator) handleResult(line *transcriptLine) {
	if line.Usage.total() > 0 {
		t.usageTotals["inputTokens"] += line.Usage.InputTokens
		t.usageTotals["outputTokens"] += line.Usage.OutputTokens
	}
	if line.TotalInputTokens > 0 {
		t.usageTotals["inputTokens"] = line.TotalInputTokens
	}
	if line.TotalOutputTokens > 0 {
		t.usageTotals["outputTokens"] = line.TotalOutputTokens
	}

	if line.Subtype == resultSubtypeSuccess {
		t.appendComplete(v1.Block{
			ID:         t.blockID(line, 0),
			Type:       v1.BlockTypeSystem,
			Timestamp:  t.timestamp(line),
			Subtype:    v1.SystemSubtypeSessionEnd,
			Message:    messageString(line.Result),
			DurationMs: line.DurationMS,
		})
	} else {
		t.appendComplete(v1.Block{
			ID:        t.blockID(line, 0),
			Type:      v1.BlockTypeSystem,
			Timestamp: t.timestamp(line),
			Subtype:   v1.SystemSubtypeError,
			Message:   messageString(line.Result),
		})
	}

	if t.emit != nil {
		t.emit(v1.StreamEvent{
			Type:           v1.StreamEventMetadataUpdate,
			ConversationID: t.conversationID,
			Metadata: map[string]any{
				"usage": map[string]any{
					"inputTokens":  t.usageTotals["inputTokens"],
					"outputTokens": t.usageTotals["outputTokens"],
					"totalTokens":  t.usageTotals["inputTokens"] + t.usageTotals["outputTokens"],
				},
				"durationMs": line.DurationMS,
				"numTurns":   line.NumTurns,
			},
		})
	}
}

// appendComplete stores a finished block, emitting start and complete as a
// pair in stream mode.
func (t *translator) appendComplete(block v1.Block) {
	t.blocks = append(t.blocks, block)
	if t.emit != nil {
		started := block
		t.emit(v1.StreamEvent{
			Type:           v1.StreamEventBlockStart,
			ConversationID: t.conversationID,
			BlockID:        block.ID,
			Block:          &started,
		})
	}
	t.emitComplete(block)
}

func (t *translator) emitComplete(block v1.Block) {
	if t.emit == nil {
		return
	}
	complete := block
	t.emit(v1.StreamEvent{
		Type:           v1.StreamEventBlockComplete,
		ConversationID: t.conversationID,
		BlockID:        block.ID,
		Block:          &complete,
	})
}

func (t *translator) blockID(line *transcriptLine, partIndex int) string {
	if line.UUID == "" {
		return newBlockID()
	}
	if partIndex == 0 {
		return line.UUID
	}
	return line.UUID + "-" + strconv.Itoa(partIndex)
}

func (t *translator) timestamp(line *transcriptLine) time.Time {
	if line.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, line.Timestamp); err == nil {
			return ts.UTC()
		}
	}
	return time.Now().UTC()
}

func newBlockID() string { return uuid.New().String() }

// parseLines runs the translator over a raw line-delimited transcript.
func parseLines(conversationID, raw string, emit func(v1.StreamEvent)) []v1.Block {
	t := newTranslator(conversationID, emit)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !json.Valid([]byte(line)) {
			continue
		}
		t.handle(json.RawMessage(line))
	}
	return t.blocks
}

// countNonEmptyLines implements the placeholder rule: a subagent transcript
// with at most one non-empty line is not a real conversation.
func countNonEmptyLines(raw string) int {
	count := 0
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

// ParseTranscripts converts raw transcripts into blocks. Pure; malformed
// content degrades to an empty result.
func (a *Adapter) ParseTranscripts(mainRaw string, subagents []v1.SubagentTranscript) arch.ParseResult {
	result := arch.ParseResult{
		Blocks: parseLines(v1.MainConversationID, mainRaw, nil),
	}
	for _, sub := range subagents {
		if countNonEmptyLines(sub.Content) <= 1 {
			continue
		}
		result.Subagents = append(result.Subagents, arch.ParsedSubagent{
			ID:     sub.ID,
			Blocks: parseLines(sub.ID, sub.Content, nil),
		})
	}
	return result
}
