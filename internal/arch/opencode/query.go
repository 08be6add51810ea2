package opencode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/arch"
	"github.com/agentplane/agentplane/internal/sandbox"
	"github.com/agentplane/agentplane/internal/streamjson"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// ExecuteQuery spawns the opencode run command with JSON event output and
// translates each record into StreamEvents. The stream fails with
// AgentExecutionError when the process exits non-zero having produced no
// records but stderr output.
func (a *Adapter) ExecuteQuery(ctx context.Context, req arch.QueryRequest) (*arch.QueryStream, error) {
	argv := a.buildArgv(req)
	proc, err := a.sb.Exec(ctx, argv)
	if err != nil {
		return nil, err
	}

	stream := arch.NewQueryStream()
	go a.pump(ctx, proc, stream)
	return stream, nil
}

// buildArgv encodes the session id and options into CLI arguments. The
// command runs through sh so the working directory is the workspace.
func (a *Adapter) buildArgv(req arch.QueryRequest) []string {
	args := []string{
		"opencode", "run", req.Query,
		"--session", req.SessionID,
		"--format", "json",
	}
	if model, _ := req.Options["model"].(string); model != "" {
		args = append(args, "--model", model)
	}

	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	script := fmt.Sprintf("cd %s && exec %s", a.paths.WorkspaceDir, strings.Join(quoted, " "))
	return []string{"sh", "-c", script}
}

func (a *Adapter) pump(ctx context.Context, proc sandbox.Process, stream *arch.QueryStream) {
	stderrCh := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(proc.Stderr())
		stderrCh <- string(data)
	}()

	// Reap the CLI when the query context is cancelled; the decoder only
	// notices cancellation between lines, so the read needs the kill to
	// unblock.
	pumpDone := make(chan struct{})
	defer close(pumpDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = proc.Kill()
		case <-pumpDone:
		}
	}()

	translator := newStreamTranslator(stream.Emit)
	decoder := streamjson.NewDecoder(proc.Stdout(), a.logger, "query:"+a.sessionID)

	records := 0
	var readErr error
	for {
		record, err := decoder.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		records++
		translator.handle(record)
	}
	translator.finish()

	waitErr := proc.Wait(context.Background())
	stderr := <-stderrCh

	switch {
	case ctx.Err() != nil:
		stream.CloseWith(ctx.Err())
	case readErr != nil:
		stream.CloseWith(readErr)
	case proc.ExitCode() != 0 && records == 0 && strings.TrimSpace(stderr) != "":
		stream.CloseWith(&arch.AgentExecutionError{
			ExitCode: proc.ExitCode(),
			Stderr:   strings.TrimSpace(stderr),
		})
	case waitErr != nil:
		stream.CloseWith(waitErr)
	default:
		if stderr != "" {
			a.logger.Debug("agent stderr", zap.String("stderr", truncate(stderr, 500)))
		}
		stream.CloseWith(nil)
	}
}

// streamTranslator folds live part updates into StreamEvents. Parts arrive as
// cumulative snapshots keyed by part id, optionally with a delta; block_start
// is emitted on first sight, block_complete when a part reaches a terminal
// state or the session goes idle.
type streamTranslator struct {
	emit func(v1.StreamEvent)

	open         map[string]*openPart
	order        []string
	inputTokens  int64
	outputTokens int64
}

type openPart struct {
	block    v1.Block
	text     string
	complete bool
}

func newStreamTranslator(emit func(v1.StreamEvent)) *streamTranslator {
	return &streamTranslator{
		emit: emit,
		open: make(map[string]*openPart),
	}
}

func (t *streamTranslator) handle(record json.RawMessage) {
	var env streamEnvelope
	if err := json.Unmarshal(record, &env); err != nil {
		return
	}

	switch env.Type {
	case eventMessagePartUpdated:
		var props partUpdatedProps
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return
		}
		t.handlePart(&props.Part, props.Delta)
	case eventMessageUpdated:
		var props messageUpdatedProps
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return
		}
		if props.Info.Tokens != nil {
			t.inputTokens = props.Info.Tokens.Input
			t.outputTokens = props.Info.Tokens.Output
		}
	case eventSessionError:
		var props sessionErrorProps
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return
		}
		t.appendComplete(v1.Block{
			ID:      uuid.New().String(),
			Type:    v1.BlockTypeSystem,
			Subtype: v1.SystemSubtypeError,
			Message: props.Error.text(),
		})
	case eventSessionIdle:
		t.finish()
	}
}

func (t *streamTranslator) handlePart(p *part, delta string) {
	switch p.Type {
	case partTypeText, partTypeReasoning:
		t.handleTextual(p, delta)
	case partTypeTool:
		t.handleTool(p)
	case partTypeAgent, partTypeSubtask, partTypeStepStart, partTypeStepFinish, partTypeRetry:
		info := messageInfo{Role: "assistant"}
		for _, block := range partBlocks(&info, p) {
			t.appendComplete(block)
		}
	}
}

func (t *streamTranslator) handleTextual(p *part, delta string) {
	op := t.open[p.ID]
	if op == nil {
		blockType := v1.BlockTypeAssistantText
		if p.Type == partTypeReasoning {
			blockType = v1.BlockTypeThinking
		}
		op = &openPart{block: v1.Block{
			ID:        p.ID,
			Type:      blockType,
			Timestamp: messageTimestamp(&messageInfo{}),
		}}
		t.open[p.ID] = op
		t.order = append(t.order, p.ID)
		started := op.block
		t.emit(v1.StreamEvent{
			Type:           v1.StreamEventBlockStart,
			ConversationID: v1.MainConversationID,
			BlockID:        op.block.ID,
			Block:          &started,
		})
	}
	if op.complete {
		return
	}

	switch {
	case delta != "":
		op.text += delta
		t.emit(v1.StreamEvent{
			Type:           v1.StreamEventTextDelta,
			ConversationID: v1.MainConversationID,
			BlockID:        op.block.ID,
			Delta:          delta,
		})
	case p.Text != "" && p.Text != op.text:
		op.text = p.Text
		t.emit(v1.StreamEvent{
			Type:           v1.StreamEventBlockUpdate,
			ConversationID: v1.MainConversationID,
			BlockID:        op.block.ID,
			Updates:        map[string]any{"content": p.Text},
		})
	}
}

func (t *streamTranslator) handleTool(p *part) {
	op := t.open[p.ID]
	if op == nil {
		blocks := toolBlocks(p.ID, messageTimestamp(&messageInfo{}), p)
		op = &openPart{block: blocks[0]}
		t.open[p.ID] = op
		t.order = append(t.order, p.ID)
		started := op.block
		t.emit(v1.StreamEvent{
			Type:           v1.StreamEventBlockStart,
			ConversationID: v1.MainConversationID,
			BlockID:        op.block.ID,
			Block:          &started,
		})
	}
	if op.complete || p.State == nil {
		return
	}

	status := v1.ToolStatusRunning
	terminal := false
	switch p.State.Status {
	case toolStatusPending:
		status = v1.ToolStatusPending
	case toolStatusCompleted:
		status, terminal = v1.ToolStatusSuccess, true
	case toolStatusError:
		status, terminal = v1.ToolStatusError, true
	}
	if status != op.block.Status {
		op.block.Status = status
		op.block.Input = p.State.Input
		op.block.DisplayName = p.State.Title
		t.emit(v1.StreamEvent{
			Type:           v1.StreamEventBlockUpdate,
			ConversationID: v1.MainConversationID,
			BlockID:        op.block.ID,
			Updates:        map[string]any{"status": string(status)},
		})
	}
	if !terminal {
		return
	}

	op.complete = true
	complete := op.block
	t.emit(v1.StreamEvent{
		Type:           v1.StreamEventBlockComplete,
		ConversationID: v1.MainConversationID,
		BlockID:        complete.ID,
		Block:          &complete,
	})

	blocks := toolBlocks(p.ID, op.block.Timestamp, p)
	if len(blocks) == 2 {
		t.appendComplete(blocks[1])
	}
}

// appendComplete emits a start and complete pair for an atomic block.
func (t *streamTranslator) appendComplete(block v1.Block) {
	started := block
	t.emit(v1.StreamEvent{
		Type:           v1.StreamEventBlockStart,
		ConversationID: v1.MainConversationID,
		BlockID:        block.ID,
		Block:          &started,
	})
	complete := block
	t.emit(v1.StreamEvent{
		Type:           v1.StreamEventBlockComplete,
		ConversationID: v1.MainConversationID,
		BlockID:        block.ID,
		Block:          &complete,
	})
}

// finish completes any still-open blocks and emits the usage metadata.
// Idempotent; called on session.idle and again when the stream drains.
func (t *streamTranslator) finish() {
	for _, id := range t.order {
		op := t.open[id]
		if op.complete {
			continue
		}
		op.complete = true
		complete := op.block
		complete.Content = op.text
		t.emit(v1.StreamEvent{
			Type:           v1.StreamEventBlockComplete,
			ConversationID: v1.MainConversationID,
			BlockID:        complete.ID,
			Block:          &complete,
		})
	}

	if t.inputTokens > 0 || t.outputTokens > 0 {
		t.emit(v1.StreamEvent{
			Type:           v1.StreamEventMetadataUpdate,
			ConversationID: v1.MainConversationID,
			Metadata: map[string]any{
				"usage": map[string]any{
					"inputTokens":  t.inputTokens,
					"outputTokens": t.outputTokens,
					"totalTokens":  t.inputTokens + t.outputTokens,
				},
			},
		})
		t.inputTokens, t.outputTokens = 0, 0
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
