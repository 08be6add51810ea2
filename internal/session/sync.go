package session

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/session/store"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// syncLoop periodically flushes the sandbox state to persistence while the
// sandbox exists.
func (s *AgentSession) syncLoop(ctx context.Context) {
	defer s.loopWG.Done()

	interval := s.deps.Options.SyncInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

// syncOnce reads transcripts and workspace files back from the sandbox,
// re-parses, and persists everything. Failures are logged; the next tick
// retries, giving at-least-once persistence.
func (s *AgentSession) syncOnce(ctx context.Context) {
	s.mu.Lock()
	adapter := s.adapter
	sb := s.sandbox
	s.mu.Unlock()
	if adapter == nil || sb == nil {
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	transcripts, err := adapter.ReadSessionTranscripts(syncCtx)
	if err != nil {
		s.logger.Warn("sync: failed to read transcripts", zap.Error(err))
		return
	}

	s.mu.Lock()
	if transcripts.Main != "" {
		s.mainTranscript = transcripts.Main
	}
	for _, sub := range transcripts.Subagents {
		existing := s.subagentByID(sub.ID)
		if existing == nil {
			existing = &v1.SubagentState{ID: sub.ID}
			s.subagents = append(s.subagents, existing)
		}
		existing.RawTranscript = sub.Content
	}
	s.mu.Unlock()

	main, subs := s.currentTranscripts()
	s.applyParse(adapter.ParseTranscripts(main, subs), true)

	if main != "" {
		if err := s.deps.Store.SaveTranscript(syncCtx, s.id, "", main); err != nil {
			s.logger.Warn("sync: failed to persist main transcript", zap.Error(err))
		}
	}
	for _, sub := range subs {
		if err := s.deps.Store.SaveTranscript(syncCtx, s.id, sub.ID, sub.Content); err != nil {
			s.logger.Warn("sync: failed to persist subagent transcript",
				zap.String("subagent_id", sub.ID), zap.Error(err))
		}
	}

	s.syncWorkspaceFiles(syncCtx)

	if err := s.deps.Store.UpdateSessionRecord(syncCtx, s.id, store.RecordPatch{LastActivity: true}); err != nil {
		s.logger.Warn("sync: failed to update session record", zap.Error(err))
	}
}

// syncWorkspaceFiles persists the current workspace file snapshots. The
// watcher keeps the in-memory set current; syncing it retries any writes
// that failed in the watcher handler.
func (s *AgentSession) syncWorkspaceFiles(ctx context.Context) {
	s.mu.Lock()
	files := append([]v1.WorkspaceFile(nil), s.workspaceFiles...)
	s.mu.Unlock()

	for _, file := range files {
		if strings.TrimSpace(file.Path) == "" {
			continue
		}
		if err := s.deps.Store.SaveWorkspaceFile(ctx, s.id, file); err != nil {
			s.logger.Warn("sync: failed to persist workspace file",
				zap.String("path", file.Path), zap.Error(err))
		}
	}
}
