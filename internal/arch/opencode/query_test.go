package opencode

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentplane/agentplane/internal/arch"
)

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

func TestBuildArgv(t *testing.T) {
	a := New(nil, "sess-7")
	argv := a.buildArgv(arch.QueryRequest{SessionID: "sess-7", Query: "hello there"})
	if len(argv) != 3 || argv[0] != "sh" || argv[1] != "-c" {
		t.Fatalf("Expected sh -c wrapper, got %v", argv)
	}
	script := argv[2]
	for _, want := range []string{"'opencode' 'run' 'hello there'", "'--session' 'sess-7'", "'--format' 'json'"} {
		if !strings.Contains(script, want) {
			t.Errorf("Script missing %q: %q", want, script)
		}
	}
}

// Cancelling the query must kill the CLI process and close the stream with
// the cancellation error instead of leaving both running.
func TestPump_KillsProcessOnCancel(t *testing.T) {
	a := New(nil, "sess-7")
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
