package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentplane/agentplane/internal/arch"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/sandbox"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// activate performs the lazy sandbox bring-up: create the sandbox, fan out
// the file setup, start the watchers, then start the background loops. On
// failure the session reverts to its pre-activation state and any half-built
// sandbox is destroyed.
func (s *AgentSession) activate(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.sandboxState = &v1.SandboxState{Status: v1.SandboxStatusStarting}
	s.mu.Unlock()

	s.publish(events.SandboxStatus, map[string]any{"status": string(v1.SandboxStatusStarting)})
	s.publishStatus(statusPreparing)

	s.publishStatus(statusCreatingSandbox)
	sb, err := s.deps.Provider.Create(ctx, s.id)
	if err != nil {
		s.revertActivation(nil)
		return &SandboxUnavailableError{Err: err}
	}

	adapter, err := arch.New(s.record.Architecture, sb, s.id)
	if err != nil {
		s.revertActivation(sb)
		return err
	}

	s.publishStatus(statusSettingUpFiles)
	if err := s.setupFiles(ctx, sb, adapter); err != nil {
		s.revertActivation(sb)
		return err
	}

	s.publishStatus(statusStartingWatch)
	stopWorkspace, stopTranscripts, err := s.startWatchers(ctx, sb, adapter)
	if err != nil {
		s.revertActivation(sb)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.sandbox = sb
	s.adapter = adapter
	s.stopWorkspaceWatch = stopWorkspace
	s.stopTranscriptWatch = stopTranscripts
	s.loopCancel = cancel
	s.sandboxState.SandboxID = sb.GetID()
	s.sandboxState.Status = v1.SandboxStatusReady
	s.mu.Unlock()

	s.loopWG.Add(2)
	go s.syncLoop(loopCtx)
	go s.healthLoop(loopCtx)

	s.publish(events.SandboxStatus, map[string]any{"status": string(v1.SandboxStatusReady)})
	s.publishStatus(statusReady)
	return nil
}

// setupFiles materializes the profile, transcripts and workspace files in
// parallel.
func (s *AgentSession) setupFiles(ctx context.Context, sb sandbox.Sandbox, adapter arch.Adapter) error {
	main, subs := s.currentTranscripts()

	s.mu.Lock()
	var files []sandbox.WriteRequest
	for _, f := range s.workspaceFiles {
		if f.Content == nil {
			continue
		}
		files = append(files, sandbox.WriteRequest{
			Path:    adapter.Paths().WorkspaceDir + "/" + f.Path,
			Content: *f.Content,
		})
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	if s.profile != nil {
		g.Go(func() error {
			return adapter.SetupAgentProfile(gctx, s.profile)
		})
	}
	g.Go(func() error {
		return adapter.SetupSessionTranscripts(gctx, arch.SessionTranscripts{
			Main:      main,
			Subagents: subs,
		})
	})
	if len(files) > 0 {
		g.Go(func() error {
			result, err := sb.WriteFiles(gctx, files)
			if err != nil {
				return err
			}
			for _, failure := range result.Failed {
				s.logger.Warn("workspace file restore failed",
					zap.String("path", failure.Path),
					zap.String("error", failure.Error))
			}
			return nil
		})
	}
	return g.Wait()
}

// startWatchers starts the workspace and agent-storage watchers under the
// activation-wide readiness timeout.
func (s *AgentSession) startWatchers(ctx context.Context, sb sandbox.Sandbox, adapter arch.Adapter) (sandbox.StopWatch, sandbox.StopWatch, error) {
	timeout := s.deps.Options.WatcherReadyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	watchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stopWorkspace, err := sb.Watch(watchCtx, adapter.Paths().WorkspaceDir, s.handleWorkspaceChange)
	if err != nil {
		return nil, nil, watcherStartError(err, timeout)
	}

	stopTranscripts, err := sb.Watch(watchCtx, adapter.Paths().AgentStorageDir, s.handleTranscriptChange)
	if err != nil {
		stopWorkspace()
		return nil, nil, watcherStartError(err, timeout)
	}
	return stopWorkspace, stopTranscripts, nil
}

func watcherStartError(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &WatcherStartTimeoutError{Timeout: timeout}
	}
	return err
}

// revertActivation returns the session to Initialized, destroying a
// half-built sandbox when one exists.
func (s *AgentSession) revertActivation(sb sandbox.Sandbox) {
	s.mu.Lock()
	s.sandboxState = nil
	s.mu.Unlock()

	if sb != nil {
		termCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sb.Terminate(termCtx); err != nil {
			s.logger.Warn("failed to destroy half-built sandbox", zap.Error(err))
		}
	}
}
