package claude

import (
	"strings"
	"testing"

	"github.com/agentplane/agentplane/internal/arch"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

const sampleTranscript = `{"type":"system","subtype":"init","uuid":"u0","timestamp":"2026-03-01T12:00:00Z","session_id":"s1"}
{"type":"user","uuid":"u1","timestamp":"2026-03-01T12:00:01Z","message":{"role":"user","content":[{"type":"text","text":"list the files"}]}}
{"type":"assistant","uuid":"u2","timestamp":"2026-03-01T12:00:02Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"thinking","thinking":"need to run ls"},{"type":"tool_use","id":"toolu_01","name":"Bash","input":{"command":"ls"}}],"usage":{"input_tokens":10,"output_tokens":5}}}
{"type":"user","uuid":"u3","timestamp":"2026-03-01T12:00:03Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_01","content":"README.md"}]}}
{"type":"assistant","uuid":"u4","timestamp":"2026-03-01T12:00:04Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"There is one file: README.md"}],"usage":{"input_tokens":20,"output_tokens":8}}}
{"type":"result","subtype":"success","uuid":"u5","timestamp":"2026-03-01T12:00:05Z","duration_ms":4200,"num_turns":2,"total_input_tokens":30,"total_output_tokens":13}`

func TestParseTranscripts_MainConversation(t *testing.T) {
	a := New(nil, "s1")
	result := a.ParseTranscripts(sampleTranscript, nil)

	wantTypes := []v1.BlockType{
		v1.BlockTypeSystem,      // session_start
		v1.BlockTypeUserMessage, // list the files
		v1.BlockTypeThinking,    // need to run ls
		v1.BlockTypeToolUse,     // Bash
		v1.BlockTypeToolResult,  // README.md
		v1.BlockTypeAssistantText,
		v1.BlockTypeSystem, // session_end
	}
	if len(result.Blocks) != len(wantTypes) {
		t.Fatalf("Expected %d blocks, got %d: %+v", len(wantTypes), len(result.Blocks), result.Blocks)
	}
	for i, want := range wantTypes {
		if result.Blocks[i].Type != want {
			t.Errorf("Block %d: expected %s, got %s", i, want, result.Blocks[i].Type)
		}
	}

	if result.Blocks[0].Subtype != v1.SystemSubtypeSessionStart {
		t.Errorf("Expected session_start, got %s", result.Blocks[0].Subtype)
	}
	if result.Blocks[1].Content != "list the files" {
		t.Errorf("user_message content = %q", result.Blocks[1].Content)
	}
	if result.Blocks[5].Model != "claude-sonnet-4" {
		t.Errorf("assistant_text model = %q", result.Blocks[5].Model)
	}
	if result.Blocks[6].Subtype != v1.SystemSubtypeSessionEnd {
		t.Errorf("Expected session_end, got %s", result.Blocks[6].Subtype)
	}
}

func TestParseTranscripts_ToolUseResultPairing(t *testing.T) {
	a := New(nil, "s1")
	result := a.ParseTranscripts(sampleTranscript, nil)

	var toolUseIdx, toolResultIdx = -1, -1
	for i, b := range result.Blocks {
		switch b.Type {
		case v1.BlockTypeToolUse:
			toolUseIdx = i
		case v1.BlockTypeToolResult:
			toolResultIdx = i
		}
	}
	if toolUseIdx < 0 || toolResultIdx < 0 {
		t.Fatal("Expected both tool_use and tool_result blocks")
	}
	if toolResultIdx <= toolUseIdx {
		t.Errorf("tool_result at %d must come after tool_use at %d", toolResultIdx, toolUseIdx)
	}

	use := result.Blocks[toolUseIdx]
	res := result.Blocks[toolResultIdx]
	if use.ToolUseID != res.ToolUseID {
		t.Errorf("ToolUseID mismatch: %q vs %q", use.ToolUseID, res.ToolUseID)
	}
	if use.Status != v1.ToolStatusSuccess {
		t.Errorf("tool_use status after result = %s, want success", use.Status)
	}
	if res.Output != "README.md" {
		t.Errorf("tool_result output = %q", res.Output)
	}
}

func TestParseTranscripts_DuplicateToolResultIgnored(t *testing.T) {
	transcript := strings.Join([]string{
		`{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":[{"type":"tool_use","id":"toolu_9","name":"Bash","input":{}}]}}`,
		`{"type":"user","uuid":"a2","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_9","content":"first"}]}}`,
		`{"type":"user","uuid":"a3","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_9","content":"second"}]}}`,
	}, "\n")

	a := New(nil, "s1")
	result := a.ParseTranscripts(transcript, nil)

	count := 0
	for _, b := range result.Blocks {
		if b.Type == v1.BlockTypeToolResult {
			count++
			if b.Output != "first" {
				t.Errorf("kept tool_result output = %q, want first", b.Output)
			}
		}
	}
	if count != 1 {
		t.Errorf("Expected exactly 1 tool_result, got %d", count)
	}
}

func TestParseTranscripts_PlaceholderSubagentFiltered(t *testing.T) {
	a := New(nil, "s1")

	placeholder := `{"type":"user","message":{"role":"user","content":[{"type":"text","text":"task"}]}}`
	real := placeholder + "\n" + `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"done"}]}}`

	result := a.ParseTranscripts("", []v1.SubagentTranscript{
		{ID: "sub-placeholder", Content: placeholder},
		{ID: "sub-real", Content: real},
	})

	if len(result.Subagents) != 1 {
		t.Fatalf("Expected 1 visible subagent, got %d", len(result.Subagents))
	}
	if result.Subagents[0].ID != "sub-real" {
		t.Errorf("Visible subagent = %s, want sub-real", result.Subagents[0].ID)
	}
	if len(result.Subagents[0].Blocks) != 2 {
		t.Errorf("Expected 2 subagent blocks, got %d", len(result.Subagents[0].Blocks))
	}
}

func TestParseTranscripts_MalformedInputDegrades(t *testing.T) {
	a := New(nil, "s1")
	result := a.ParseTranscripts("this is not json\n{broken", nil)
	if len(result.Blocks) != 0 || len(result.Subagents) != 0 {
		t.Errorf("Expected empty result for garbage input, got %+v", result)
	}
}

func TestParseTranscripts_FailureResult(t *testing.T) {
	transcript := `{"type":"result","subtype":"error_during_execution","uuid":"r1","result":"budget exceeded"}`
	a := New(nil, "s1")
	result := a.ParseTranscripts(transcript, nil)

	if len(result.Blocks) != 1 {
		t.Fatalf("Expected 1 block, got %d", len(result.Blocks))
	}
	b := result.Blocks[0]
	if b.Type != v1.BlockTypeSystem || b.Subtype != v1.SystemSubtypeError {
		t.Errorf("Expected system/error block, got %s/%s", b.Type, b.Subtype)
	}
	if b.Message != "budget exceeded" {
		t.Errorf("Message = %q", b.Message)
	}
}

func TestIdentifyTranscriptFile(t *testing.T) {
	a := New(nil, "sess-123")

	tests := []struct {
		name     string
		fileName string
		wantMain bool
		wantSub  string
		wantNil  bool
	}{
		{"main transcript", "sess-123.jsonl", true, "", false},
		{"main with directory", "/root/.claude/projects/-workspace/sess-123.jsonl", true, "", false},
		{"subagent", "agent-0198d0a9-52f5-7b59-9844-67e7dd762f5a.jsonl", false, "0198d0a9-52f5-7b59-9844-67e7dd762f5a", false},
		{"other session", "sess-999.jsonl", false, "", true},
		{"not a transcript", "notes.txt", false, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class := a.IdentifyTranscriptFile(arch.TranscriptFile{FileName: tt.fileName})
			if tt.wantNil {
				if class != nil {
					t.Errorf("Expected nil class, got %+v", class)
				}
				return
			}
			if class == nil {
				t.Fatal("Expected a class, got nil")
			}
			if class.IsMain != tt.wantMain {
				t.Errorf("IsMain = %v, want %v", class.IsMain, tt.wantMain)
			}
			if class.SubagentID != tt.wantSub {
				t.Errorf("SubagentID = %q, want %q", class.SubagentID, tt.wantSub)
			}
		})
	}
}

func TestCountNonEmptyLines(t *testing.T) {
	if n := countNonEmptyLines(""); n != 0 {
		t.Errorf("empty = %d", n)
	}
	if n := countNonEmptyLines("one\n\n  \n"); n != 1 {
		t.Errorf("single = %d", n)
	}
	if n := countNonEmptyLines("one\ntwo"); n != 2 {
		t.Errorf("double = %d", n)
	}
}
