// Package sprites implements the sandbox contract on Sprites.dev compute.
// Each session gets one sprite; processes run through the sprites command
// API, which mirrors os/exec.
package sprites

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/sandbox"
)

const (
	provisionTimeout = 120 * time.Second
	destroyTimeout   = 30 * time.Second
)

// Provider creates sprite-backed sandboxes.
type Provider struct {
	client   *sprites.Client
	prefix   string
	watchCfg sandbox.WatchConfig
	logger   *logger.Logger
}

// NewProvider builds a Provider from config. The sprites token must be set.
func NewProvider(cfg config.SandboxConfig, watchCfg sandbox.WatchConfig, log *logger.Logger) (*Provider, error) {
	if cfg.SpritesToken == "" {
		return nil, fmt.Errorf("sprites token is required")
	}
	return &Provider{
		client:   sprites.New(cfg.SpritesToken),
		prefix:   cfg.NamePrefix,
		watchCfg: watchCfg,
		logger:   log.WithFields(zap.String("component", "sprites-provider")),
	}, nil
}

// Create provisions a sprite for the session and installs the helper
// scripts. The sprite is materialized by its first command.
func (p *Provider) Create(ctx context.Context, sessionID string) (sandbox.Sandbox, error) {
	name := p.prefix + sessionID
	sprite := p.client.Sprite(name)

	sb := &Sandbox{
		id:       name,
		sprite:   sprite,
		paths:    sandbox.DefaultBasePaths,
		watchCfg: p.watchCfg,
		logger:   p.logger.WithSandboxID(name),
	}

	provisionCtx, cancel := context.WithTimeout(ctx, provisionTimeout)
	defer cancel()
	if out, _, err := sandbox.RunOutput(provisionCtx, sb, []string{"echo", "agentplane-ready"}); err != nil {
		return nil, fmt.Errorf("failed to provision sprite %s: %w", name, err)
	} else if !strings.Contains(out, "agentplane-ready") {
		return nil, fmt.Errorf("sprite %s did not come up", name)
	}

	for _, dir := range []string{sb.paths.WorkspaceDir, sb.paths.AppDir} {
		if err := sb.CreateDirectory(ctx, dir); err != nil {
			_ = sb.Terminate(ctx)
			return nil, err
		}
	}
	if err := sandbox.InstallScripts(ctx, sb); err != nil {
		_ = sb.Terminate(ctx)
		return nil, err
	}

	sb.logger.Info("sprite sandbox created")
	return sb, nil
}

// Sandbox is one sprite.
type Sandbox struct {
	id       string
	sprite   *sprites.Sprite
	paths    sandbox.BasePaths
	watchCfg sandbox.WatchConfig
	logger   *logger.Logger

	mu         sync.Mutex
	terminated bool
}

func (s *Sandbox) GetID() string { return s.id }

func (s *Sandbox) GetBasePaths() sandbox.BasePaths { return s.paths }

// Exec spawns a process in the sprite. The returned process is killed by
// cancelling its internal context.
func (s *Sandbox) Exec(ctx context.Context, argv []string) (sandbox.Process, error) {
	if len(argv) == 0 {
		return nil, sandbox.NewIOError("exec", "", fmt.Errorf("empty argv"))
	}

	execCtx, cancel := context.WithCancel(ctx)
	cmd := s.sprite.CommandContext(execCtx, argv[0], argv[1:]...)

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, sandbox.NewIOError("exec", argv[0], err)
	}

	proc := &spriteProcess{
		stdout:   stdoutR,
		stderr:   stderrR,
		cancel:   cancel,
		done:     make(chan struct{}),
		exitCode: -1,
	}

	go func() {
		err := cmd.Wait()
		proc.setExit(err)
		stdoutW.CloseWithError(io.EOF)
		stderrW.CloseWithError(io.EOF)
		close(proc.done)
		cancel()
	}()

	return proc, nil
}

func (s *Sandbox) ReadFile(ctx context.Context, path string) (*string, error) {
	return sandbox.ExecReadFile(ctx, s, path)
}

// WriteFile streams content over stdin so arbitrary bytes survive the shell.
func (s *Sandbox) WriteFile(ctx context.Context, path, content string) error {
	cmd := s.sprite.CommandContext(ctx, "sh", "-c",
		fmt.Sprintf(`mkdir -p "$(dirname %s)" && cat > %s`, quote(path), quote(path)))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return sandbox.NewIOError("writeFile", path, err)
	}
	if err := cmd.Start(); err != nil {
		return sandbox.NewIOError("writeFile", path, err)
	}
	if _, err := io.WriteString(stdin, content); err != nil {
		_ = stdin.Close()
		return sandbox.NewIOError("writeFile", path, err)
	}
	if err := stdin.Close(); err != nil {
		return sandbox.NewIOError("writeFile", path, err)
	}
	if err := cmd.Wait(); err != nil {
		return sandbox.NewIOError("writeFile", path, err)
	}
	return nil
}

// WriteFiles pipes one tar archive to the sprite. When the bulk extract
// fails, files are retried one by one to report per-file failures.
func (s *Sandbox) WriteFiles(ctx context.Context, files []sandbox.WriteRequest) (*sandbox.WriteResult, error) {
	if len(files) == 0 {
		return &sandbox.WriteResult{}, nil
	}

	archive, err := sandbox.BuildTarArchive(files)
	if err != nil {
		return nil, sandbox.NewIOError("writeFiles", "", err)
	}

	cmd := s.sprite.CommandContext(ctx, "tar", "-xf", "-", "-C", "/")
	stdin, err := cmd.StdinPipe()
	if err == nil {
		if err = cmd.Start(); err == nil {
			if _, werr := stdin.Write(archive); werr != nil && err == nil {
				err = werr
			}
			if cerr := stdin.Close(); cerr != nil && err == nil {
				err = cerr
			}
			if werr := cmd.Wait(); werr != nil && err == nil {
				err = werr
			}
		}
	}
	if err == nil {
		result := &sandbox.WriteResult{}
		for _, f := range files {
			result.Success = append(result.Success, f.Path)
		}
		return result, nil
	}

	s.logger.Warn("bulk write failed, retrying per file", zap.Error(err))
	result := &sandbox.WriteResult{}
	for _, f := range files {
		if werr := s.WriteFile(ctx, f.Path, f.Content); werr != nil {
			result.Failed = append(result.Failed, sandbox.WriteFailure{Path: f.Path, Error: werr.Error()})
		} else {
			result.Success = append(result.Success, f.Path)
		}
	}
	return result, nil
}

func (s *Sandbox) CreateDirectory(ctx context.Context, path string) error {
	return sandbox.ExecCreateDirectory(ctx, s, path)
}

func (s *Sandbox) ListFiles(ctx context.Context, dir, pattern string) ([]string, error) {
	return sandbox.ExecListFiles(ctx, s, dir, pattern)
}

func (s *Sandbox) Watch(ctx context.Context, path string, callback sandbox.WatchCallback) (sandbox.StopWatch, error) {
	return sandbox.StartWatchStream(ctx, s, path, s.watchCfg, s.logger, callback)
}

// Poll probes the sprite with a trivial command. Sprites have no main
// process; an unreachable sprite is reported as exit code 1.
func (s *Sandbox) Poll(ctx context.Context) (*int, error) {
	s.mu.Lock()
	terminated := s.terminated
	s.mu.Unlock()
	if terminated {
		code := 0
		return &code, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, code, err := sandbox.RunOutput(probeCtx, s, []string{"true"}); err != nil || code != 0 {
		exit := 1
		return &exit, nil
	}
	return nil, nil
}

// Terminate destroys the sprite. Idempotent.
func (s *Sandbox) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.sprite.Destroy() }()

	select {
	case err := <-done:
		if err != nil && !strings.Contains(err.Error(), "not found") {
			s.logger.Warn("failed to destroy sprite", zap.Error(err))
			return sandbox.NewIOError("terminate", "", err)
		}
	case <-time.After(destroyTimeout):
		s.logger.Warn("sprite destroy timed out")
	case <-ctx.Done():
	}

	s.logger.Info("sprite sandbox terminated")
	return nil
}

type spriteProcess struct {
	stdout io.Reader
	stderr io.Reader
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	exitCode int
}

func (p *spriteProcess) Stdout() io.Reader { return p.stdout }
func (p *spriteProcess) Stderr() io.Reader { return p.stderr }

func (p *spriteProcess) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *spriteProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *spriteProcess) Kill() error {
	p.cancel()
	return nil
}

func (p *spriteProcess) setExit(err error) {
	code := 0
	if err != nil {
		code = 1
		if ec, ok := err.(interface{ ExitCode() int }); ok {
			code = ec.ExitCode()
		}
	}
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
