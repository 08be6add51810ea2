package v1

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestBlockJSONFieldNames(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		block   Block
		want    []string
		notWant []string
	}{
		{
			name: "user_message",
			block: Block{
				ID:        "b1",
				Type:      BlockTypeUserMessage,
				Timestamp: ts,
				Content:   "hello",
			},
			want:    []string{`"type":"user_message"`, `"content":"hello"`},
			notWant: []string{"toolName", "subagentId", "isError"},
		},
		{
			name: "tool_use",
			block: Block{
				ID:        "b2",
				Type:      BlockTypeToolUse,
				Timestamp: ts,
				ToolName:  "bash",
				ToolUseID: "tu1",
				Input:     json.RawMessage(`{"command":"ls"}`),
				Status:    ToolStatusRunning,
			},
			want: []string{
				`"type":"tool_use"`,
				`"toolName":"bash"`,
				`"toolUseId":"tu1"`,
				`"status":"running"`,
				`"input":{"command":"ls"}`,
			},
			notWant: []string{"content", "subtype"},
		},
		{
			name: "tool_result",
			block: Block{
				ID:         "b3",
				Type:       BlockTypeToolResult,
				Timestamp:  ts,
				ToolUseID:  "tu1",
				Output:     "file.txt",
				IsError:    true,
				DurationMs: 42,
			},
			want: []string{
				`"type":"tool_result"`,
				`"toolUseId":"tu1"`,
				`"isError":true`,
				`"durationMs":42`,
			},
		},
		{
			name: "system",
			block: Block{
				ID:        "b4",
				Type:      BlockTypeSystem,
				Timestamp: ts,
				Subtype:   SystemSubtypeSessionStart,
				Message:   "session started",
			},
			want: []string{`"subtype":"session_start"`, `"message":"session started"`},
		},
		{
			name: "subagent",
			block: Block{
				ID:         "b5",
				Type:       BlockTypeSubagent,
				Timestamp:  ts,
				SubagentID: "agent-1",
				Name:       "researcher",
				Status:     ToolStatusSuccess,
			},
			want: []string{`"subagentId":"agent-1"`, `"name":"researcher"`, `"status":"success"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.block)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			s := string(data)
			for _, want := range tt.want {
				if !contains(s, want) {
					t.Errorf("marshaled block missing %s: %s", want, s)
				}
			}
			for _, notWant := range tt.notWant {
				if contains(s, notWant) {
					t.Errorf("marshaled block should omit %s: %s", notWant, s)
				}
			}
		})
	}
}

func TestStreamEventJSON(t *testing.T) {
	event := StreamEvent{
		Type:           StreamEventTextDelta,
		ConversationID: MainConversationID,
		BlockID:        "b1",
		Delta:          "hi",
	}
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"type":"text_delta"`, `"conversationId":"main"`, `"blockId":"b1"`, `"delta":"hi"`} {
		if !contains(s, want) {
			t.Errorf("marshaled event missing %s: %s", want, s)
		}
	}
	if contains(s, "updates") || contains(s, "metadata") {
		t.Errorf("marshaled event should omit unused variants: %s", s)
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
