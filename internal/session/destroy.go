package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// Destroy tears the session down: background loops stop, a final sync runs
// while the sandbox is still reachable, then the sandbox is terminated best
// effort. Destroying a session that never activated touches no provider.
// Idempotent.
func (s *AgentSession) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	sb := s.sandbox
	s.mu.Unlock()

	if sb != nil {
		s.syncOnce(ctx)
	}

	s.stopRuntime()
	s.loopWG.Wait()

	if sb != nil {
		termCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sb.Terminate(termCtx); err != nil {
			s.logger.Warn("failed to terminate sandbox", zap.Error(err))
		}
		s.mu.Lock()
		if s.sandboxState != nil {
			s.sandboxState.Status = v1.SandboxStatusTerminated
		}
		s.mu.Unlock()
	}
	return nil
}
