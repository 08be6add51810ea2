package session

import (
	"context"

	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/session/store"
)

// UpdateOptions merges the given keys into the session options. A nil value
// removes the key. The merged set is persisted and announced with
// session:options:update; the next query picks it up.
func (s *AgentSession) UpdateOptions(ctx context.Context, options map[string]any) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	merged := make(map[string]any, len(s.record.SessionOptions)+len(options))
	for k, v := range s.record.SessionOptions {
		merged[k] = v
	}
	for k, v := range options {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	s.record.SessionOptions = merged
	s.mu.Unlock()

	if err := s.deps.Store.UpdateSessionRecord(ctx, s.id, store.RecordPatch{SessionOptions: merged}); err != nil {
		return err
	}

	s.publish(events.SessionOptionsUpdate, map[string]any{"options": merged})
	return nil
}
