package claude

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/arch"
	"github.com/agentplane/agentplane/internal/sandbox"
	"github.com/agentplane/agentplane/internal/streamjson"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// ExecuteQuery spawns the claude binary in print mode with stream-json
// output and translates each record into StreamEvents. The stream fails
// with AgentExecutionError when the process exits non-zero having produced
// no records but stderr output.
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
		"claude",
		"-p", req.Query,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}

	if resume, _ := req.Options["resume"].(bool); resume {
		args = append(args, "--resume", req.SessionID)
	} else {
		args = append(args, "--session-id", req.SessionID)
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

// pump drains stdout through the decoder, forwards translated events, then
// settles the terminal status from the exit code and stderr.
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

	translator := newTranslator(v1.MainConversationID, stream.Emit)
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
