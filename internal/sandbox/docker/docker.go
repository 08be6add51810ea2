// Package docker implements the sandbox contract on local Docker. Each
// session gets one long-lived container; processes run through the exec API.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/sandbox"
)

const (
	sessionLabel = "agentplane.session"
	stopTimeout  = 10 * time.Second
)

// Provider creates container-backed sandboxes.
type Provider struct {
	cli      *client.Client
	cfg      config.SandboxConfig
	watchCfg sandbox.WatchConfig
	logger   *logger.Logger
}

// NewProvider builds a Provider from config.
func NewProvider(cfg config.SandboxConfig, watchCfg sandbox.WatchConfig, log *logger.Logger) (*Provider, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Provider{
		cli:      cli,
		cfg:      cfg,
		watchCfg: watchCfg,
		logger:   log.WithFields(zap.String("component", "docker-provider")),
	}, nil
}

// Close closes the underlying Docker client.
func (p *Provider) Close() error { return p.cli.Close() }

// Create starts a container for the session and installs the helper scripts.
// The container idles on sleep; all work happens via exec.
func (p *Provider) Create(ctx context.Context, sessionID string) (sandbox.Sandbox, error) {
	name := p.cfg.NamePrefix + sessionID
	paths := sandbox.DefaultBasePaths

	containerCfg := &container.Config{
		Image:      p.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: paths.WorkspaceDir,
		Labels:     map[string]string{sessionLabel: sessionID},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "bridge",
	}

	resp, err := p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container for session %s: %w", sessionID, err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	sb := &Sandbox{
		containerID: resp.ID,
		cli:         p.cli,
		paths:       paths,
		watchCfg:    p.watchCfg,
		logger:      p.logger.WithSandboxID(resp.ID),
	}

	for _, dir := range []string{paths.WorkspaceDir, paths.AppDir} {
		if err := sb.CreateDirectory(ctx, dir); err != nil {
			_ = sb.Terminate(ctx)
			return nil, err
		}
	}
	if err := sandbox.InstallScripts(ctx, sb); err != nil {
		_ = sb.Terminate(ctx)
		return nil, err
	}

	sb.logger.Info("docker sandbox created", zap.String("image", p.cfg.Image))
	return sb, nil
}

// Sandbox is one running container.
type Sandbox struct {
	containerID string
	cli         *client.Client
	paths       sandbox.BasePaths
	watchCfg    sandbox.WatchConfig
	logger      *logger.Logger

	mu         sync.Mutex
	terminated bool
}

func (s *Sandbox) GetID() string { return s.containerID }

func (s *Sandbox) GetBasePaths() sandbox.BasePaths { return s.paths }

// Exec runs argv inside the container via the exec API, demultiplexing the
// attached stream into stdout and stderr.
func (s *Sandbox) Exec(ctx context.Context, argv []string) (sandbox.Process, error) {
	proc, _, err := s.execAttach(ctx, argv, false)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// execAttach creates and attaches an exec instance. When withStdin is set,
// the returned writer feeds the process stdin and must be closed by the
// caller.
func (s *Sandbox) execAttach(ctx context.Context, argv []string, withStdin bool) (*dockerProcess, io.WriteCloser, error) {
	if len(argv) == 0 {
		return nil, nil, sandbox.NewIOError("exec", "", fmt.Errorf("empty argv"))
	}

	execResp, err := s.cli.ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  withStdin,
	})
	if err != nil {
		return nil, nil, sandbox.NewIOError("exec", argv[0], err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, nil, sandbox.NewIOError("exec", argv[0], err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	proc := &dockerProcess{
		cli:      s.cli,
		execID:   execResp.ID,
		stdout:   stdoutR,
		stderr:   stderrR,
		closer:   attach.Close,
		done:     make(chan struct{}),
		exitCode: -1,
	}

	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(io.EOF)
		stderrW.CloseWithError(io.EOF)
		proc.finish(copyErr)
	}()

	var stdin io.WriteCloser
	if withStdin {
		stdin = &execStdin{attach: attach}
	}
	return proc, stdin, nil
}

// execStdin adapts the hijacked connection into the stdin writer. Close
// half-closes the write side so the process sees EOF.
type execStdin struct {
	attach types.HijackedResponse
}

func (w *execStdin) Write(p []byte) (int, error) {
	return w.attach.Conn.Write(p)
}

func (w *execStdin) Close() error {
	return w.attach.CloseWrite()
}

func (s *Sandbox) ReadFile(ctx context.Context, path string) (*string, error) {
	return sandbox.ExecReadFile(ctx, s, path)
}

func (s *Sandbox) WriteFile(ctx context.Context, path, content string) error {
	script := fmt.Sprintf(`mkdir -p "$(dirname %s)" && cat > %s`, quote(path), quote(path))
	proc, stdin, err := s.execAttach(ctx, []string{"sh", "-c", script}, true)
	if err != nil {
		return sandbox.NewIOError("writeFile", path, err)
	}
	if _, err := io.WriteString(stdin, content); err != nil {
		_ = stdin.Close()
		return sandbox.NewIOError("writeFile", path, err)
	}
	if err := stdin.Close(); err != nil {
		return sandbox.NewIOError("writeFile", path, err)
	}
	if err := proc.Wait(ctx); err != nil {
		return sandbox.NewIOError("writeFile", path, err)
	}
	if code := proc.ExitCode(); code != 0 {
		return sandbox.NewIOError("writeFile", path, fmt.Errorf("exit code %d", code))
	}
	return nil
}

// WriteFiles extracts one tar archive inside the container, falling back to
// per-file writes to report partial failures.
func (s *Sandbox) WriteFiles(ctx context.Context, files []sandbox.WriteRequest) (*sandbox.WriteResult, error) {
	if len(files) == 0 {
		return &sandbox.WriteResult{}, nil
	}

	archive, err := sandbox.BuildTarArchive(files)
	if err != nil {
		return nil, sandbox.NewIOError("writeFiles", "", err)
	}

	bulkErr := func() error {
		proc, stdin, err := s.execAttach(ctx, []string{"tar", "-xf", "-", "-C", "/"}, true)
		if err != nil {
			return err
		}
		if _, err := stdin.Write(archive); err != nil {
			_ = stdin.Close()
			return err
		}
		if err := stdin.Close(); err != nil {
			return err
		}
		if err := proc.Wait(ctx); err != nil {
			return err
		}
		if code := proc.ExitCode(); code != 0 {
			return fmt.Errorf("tar exit code %d", code)
		}
		return nil
	}()

	if bulkErr == nil {
		result := &sandbox.WriteResult{}
		for _, f := range files {
			result.Success = append(result.Success, f.Path)
		}
		return result, nil
	}

	s.logger.Warn("bulk write failed, retrying per file", zap.Error(bulkErr))
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

// Poll inspects the container state. Nil while running.
func (s *Sandbox) Poll(ctx context.Context) (*int, error) {
	s.mu.Lock()
	terminated := s.terminated
	s.mu.Unlock()
	if terminated {
		code := 0
		return &code, nil
	}

	inspect, err := s.cli.ContainerInspect(ctx, s.containerID)
	if err != nil {
		// Container gone counts as terminated.
		if client.IsErrNotFound(err) {
			code := 137
			return &code, nil
		}
		return nil, sandbox.NewIOError("poll", "", err)
	}
	if inspect.State != nil && inspect.State.Running {
		return nil, nil
	}
	code := 0
	if inspect.State != nil {
		code = inspect.State.ExitCode
	}
	return &code, nil
}

// Terminate stops and removes the container. Idempotent.
func (s *Sandbox) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	s.mu.Unlock()

	timeoutSeconds := int(stopTimeout.Seconds())
	if err := s.cli.ContainerStop(ctx, s.containerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil && !client.IsErrNotFound(err) {
		s.logger.Warn("failed to stop container", zap.Error(err))
	}
	if err := s.cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !client.IsErrNotFound(err) {
		s.logger.Warn("failed to remove container", zap.Error(err))
		return sandbox.NewIOError("terminate", "", err)
	}

	s.logger.Info("docker sandbox terminated")
	return nil
}

type dockerProcess struct {
	cli    *client.Client
	execID string
	stdout io.Reader
	stderr io.Reader
	closer func()
	done   chan struct{}

	mu       sync.Mutex
	exitCode int
}

func (p *dockerProcess) Stdout() io.Reader { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader { return p.stderr }

func (p *dockerProcess) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *dockerProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Kill detaches from the exec stream. Docker offers no exec kill; the
// process ends when its streams close or the container stops.
func (p *dockerProcess) Kill() error {
	p.closer()
	return nil
}

// finish records the exit code once the attached stream drains.
func (p *dockerProcess) finish(copyErr error) {
	code := 0
	inspect, err := p.cli.ContainerExecInspect(context.Background(), p.execID)
	switch {
	case err == nil:
		code = inspect.ExitCode
	case copyErr != nil:
		code = 1
	}

	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	p.closer()
	close(p.done)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
