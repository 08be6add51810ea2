package claude

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentplane/agentplane/internal/arch"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

func TestBuildArgv(t *testing.T) {
	a := New(nil, "sess-42")

	tests := []struct {
		name    string
		req     arch.QueryRequest
		want    []string
		notWant []string
	}{
		{
			name: "fresh session",
			req:  arch.QueryRequest{SessionID: "sess-42", Query: "hello"},
			want: []string{
				"'claude'", "'-p'", "'hello'",
				"'--output-format' 'stream-json'",
				"'--dangerously-skip-permissions'",
				"'--session-id' 'sess-42'",
			},
			notWant: []string{"--resume", "--model"},
		},
		{
			name: "resumed session",
			req: arch.QueryRequest{
				SessionID: "sess-42",
				Query:     "continue",
				Options:   map[string]any{"resume": true},
			},
			want:    []string{"'--resume' 'sess-42'"},
			notWant: []string{"--session-id"},
		},
		{
			name: "model override",
			req: arch.QueryRequest{
				SessionID: "sess-42",
				Query:     "hi",
				Options:   map[string]any{"model": "claude-opus-4"},
			},
			want: []string{"'--model' 'claude-opus-4'"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			argv := a.buildArgv(tt.req)
			if len(argv) != 3 || argv[0] != "sh" || argv[1] != "-c" {
				t.Fatalf("Expected sh -c wrapper, got %v", argv)
			}
			script := argv[2]
			if !strings.HasPrefix(script, "cd "+a.paths.WorkspaceDir+" && exec ") {
				t.Errorf("Script must cd to workspace: %q", script)
			}
			for _, want := range tt.want {
				if !strings.Contains(script, want) {
					t.Errorf("Script missing %q: %q", want, script)
				}
			}
			for _, notWant := range tt.notWant {
				if strings.Contains(script, notWant) {
					t.Errorf("Script must not contain %q: %q", notWant, script)
				}
			}
		})
	}
}

func TestBuildArgv_QuotesQuery(t *testing.T) {
	a := New(nil, "sess-42")
	argv := a.buildArgv(arch.QueryRequest{SessionID: "sess-42", Query: "what's in ./src?"})
	script := argv[2]
	if !strings.Contains(script, `'what'\''s in ./src?'`) {
		t.Errorf("Single quotes not escaped: %q", script)
	}
}

// hangingProcess produces no output until killed, like a CLI stuck on a
// long tool call. Kill closes stdout so blocked readers unblock.
type hangingProcess struct {
	stdout *io.PipeReader
	writer *io.PipeWriter

	killOnce sync.Once
	killed   chan struct{}
}

func newHangingProcess() *hangingProcess {
	r, w := io.Pipe()
	return &hangingProcess{stdout: r, writer: w, killed: make(chan struct{})}
}

func (p *hangingProcess) Stdout() io.Reader { return p.stdout }
func (p *hangingProcess) Stderr() io.Reader { return strings.NewReader("") }
func (p *hangingProcess) ExitCode() int     { return -1 }

func (p *hangingProcess) Wait(ctx context.Context) error {
	select {
	case <-p.killed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *hangingProcess) Kill() error {
	p.killOnce.Do(func() {
		close(p.killed)
		_ = p.writer.CloseWithError(io.EOF)
	})
	return nil
}

// Cancelling the query must kill the CLI process and close the stream with
// the cancellation error instead of leaving both running.
func TestPump_KillsProcessOnCancel(t *testing.T) {
	a := New(nil, "sess-42")
	proc := newHangingProcess()
	stream := arch.NewQueryStream()

	ctx, cancel := context.WithCancel(context.Background())
	go a.pump(ctx, proc, stream)
	go func() {
		for range stream.Events() {
		}
	}()

	cancel()

	select {
	case <-proc.killed:
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed after cancellation")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- stream.Err() }()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("stream.Err() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after cancellation")
	}
}

// Stream mode must emit block_start for an id before any delta or complete
// for it, and block_complete must be the last event for that id.
func TestTranslatorStreamOrdering(t *testing.T) {
	var events []v1.StreamEvent
	tr := newTranslator(v1.MainConversationID, func(ev v1.StreamEvent) {
		events = append(events, ev)
	})
	for _, line := range strings.Split(sampleTranscript, "\n") {
		tr.handle(json.RawMessage(line))
	}

	started := make(map[string]bool)
	completed := make(map[string]bool)
	for _, ev := range events {
		if ev.ConversationID != v1.MainConversationID {
			t.Errorf("Unexpected conversation id %q", ev.ConversationID)
		}
		switch ev.Type {
		case v1.StreamEventBlockStart:
			started[ev.BlockID] = true
		case v1.StreamEventTextDelta:
			if !started[ev.BlockID] {
				t.Errorf("text_delta for %s before block_start", ev.BlockID)
			}
			if completed[ev.BlockID] {
				t.Errorf("text_delta for %s after block_complete", ev.BlockID)
			}
		case v1.StreamEventBlockComplete:
			if !started[ev.BlockID] {
				t.Errorf("block_complete for %s before block_start", ev.BlockID)
			}
			completed[ev.BlockID] = true
		}
	}

	last := events[len(events)-1]
	if last.Type != v1.StreamEventMetadataUpdate {
		t.Fatalf("Expected trailing metadata_update, got %s", last.Type)
	}
	usage, ok := last.Metadata["usage"].(map[string]any)
	if !ok {
		t.Fatalf("Missing usage metadata: %+v", last.Metadata)
	}
	if usage["totalTokens"] != int64(43) {
		t.Errorf("totalTokens = %v, want 43", usage["totalTokens"])
	}
}
