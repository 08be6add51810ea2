package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/events"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// healthLoop polls the sandbox while it exists. A non-nil exit code marks
// the sandbox terminated, stops the background loops, and notifies the
// manager through the injected callback.
func (s *AgentSession) healthLoop(ctx context.Context) {
	defer s.loopWG.Done()

	interval := s.deps.Options.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.healthCheck(ctx) {
				return
			}
		}
	}
}

// healthCheck runs one poll. Returns true when the sandbox is gone and the
// loop should stop.
func (s *AgentSession) healthCheck(ctx context.Context) bool {
	s.mu.Lock()
	sb := s.sandbox
	s.mu.Unlock()
	if sb == nil {
		return true
	}

	pollCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	exitCode, err := sb.Poll(pollCtx)
	cancel()
	if err != nil {
		s.logger.Warn("health: poll failed", zap.Error(err))
		return false
	}

	if exitCode == nil {
		// Still running; recover the ready status if it was lost.
		s.mu.Lock()
		recovered := false
		if s.sandboxState != nil && s.sandboxState.Status != v1.SandboxStatusReady {
			s.sandboxState.Status = v1.SandboxStatusReady
			recovered = true
		}
		if s.sandboxState != nil {
			s.sandboxState.LastHealthCheck = time.Now().UTC()
		}
		s.mu.Unlock()
		if recovered {
			s.publish(events.SandboxStatus, map[string]any{"status": string(v1.SandboxStatusReady)})
			s.publish(events.SessionStatus, map[string]any{
				"sandbox": map[string]any{"status": string(v1.SandboxStatusReady)},
			})
		}
		return false
	}

	s.logger.Info("sandbox terminated", zap.Int("exit_code", *exitCode))
	s.mu.Lock()
	if s.sandboxState != nil {
		s.sandboxState.Status = v1.SandboxStatusTerminated
	}
	s.mu.Unlock()

	s.publish(events.SandboxStatus, map[string]any{
		"status":   string(v1.SandboxStatusTerminated),
		"exitCode": *exitCode,
	})
	s.publish(events.SessionStatus, map[string]any{
		"sandbox": map[string]any{"status": string(v1.SandboxStatusTerminated)},
	})

	s.stopRuntime()
	if s.deps.OnSandboxTerminated != nil {
		go s.deps.OnSandboxTerminated(s.id)
	}
	return true
}

// stopRuntime stops watchers and background loops and clears the sandbox
// references. Safe to call from the health loop itself.
func (s *AgentSession) stopRuntime() {
	s.mu.Lock()
	cancel := s.loopCancel
	stopWorkspace := s.stopWorkspaceWatch
	stopTranscripts := s.stopTranscriptWatch
	s.loopCancel = nil
	s.stopWorkspaceWatch = nil
	s.stopTranscriptWatch = nil
	s.sandbox = nil
	s.adapter = nil
	s.mu.Unlock()

	if stopWorkspace != nil {
		stopWorkspace()
	}
	if stopTranscripts != nil {
		stopTranscripts()
	}
	if cancel != nil {
		cancel()
	}

	s.debounceMu.Lock()
	for path, timer := range s.debounceTimers {
		timer.Stop()
		delete(s.debounceTimers, path)
	}
	s.debounceMu.Unlock()
}
