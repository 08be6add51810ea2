package session

import (
	"context"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/arch"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/sandbox"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// handleWorkspaceChange reacts to workspace file events: upsert or remove
// the in-memory snapshot, persist best effort, and surface the change on the
// bus. Persistence failures are retried by the next periodic sync.
func (s *AgentSession) handleWorkspaceChange(change sandbox.FileChange) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch change.Type {
	case sandbox.FileRemoved:
		s.mu.Lock()
		for i, f := range s.workspaceFiles {
			if f.Path == change.Path {
				s.workspaceFiles = append(s.workspaceFiles[:i], s.workspaceFiles[i+1:]...)
				break
			}
		}
		s.mu.Unlock()

		if err := s.deps.Store.DeleteWorkspaceFile(ctx, s.id, change.Path); err != nil {
			s.logger.Warn("failed to delete workspace file record",
				zap.String("path", change.Path), zap.Error(err))
		}
		s.publish(events.SessionFileDeleted, map[string]any{"path": change.Path})

	case sandbox.FileAdded, sandbox.FileChanged:
		// Binary or oversized files carry no content and are not surfaced.
		if change.Content == nil {
			return
		}
		file := v1.WorkspaceFile{Path: change.Path, Content: change.Content}

		s.mu.Lock()
		replaced := false
		for i, f := range s.workspaceFiles {
			if f.Path == change.Path {
				s.workspaceFiles[i] = file
				replaced = true
				break
			}
		}
		if !replaced {
			s.workspaceFiles = append(s.workspaceFiles, file)
		}
		s.mu.Unlock()

		if err := s.deps.Store.SaveWorkspaceFile(ctx, s.id, file); err != nil {
			s.logger.Warn("failed to persist workspace file",
				zap.String("path", change.Path), zap.Error(err))
		}
		s.publish(events.SessionFileModified, map[string]any{
			"file": map[string]any{"path": file.Path, "content": *file.Content},
		})
	}
}

// handleTranscriptChange debounces transcript events per path, then
// re-parses. The agent rewrites transcript files several times per tick;
// coalescing avoids redundant parses.
func (s *AgentSession) handleTranscriptChange(change sandbox.FileChange) {
	if change.Type == sandbox.FileRemoved {
		return
	}

	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if timer, ok := s.debounceTimers[change.Path]; ok {
		timer.Stop()
	}
	s.debounceTimers[change.Path] = time.AfterFunc(transcriptDebounce, func() {
		s.debounceMu.Lock()
		delete(s.debounceTimers, change.Path)
		s.debounceMu.Unlock()
		s.processTranscriptChange(change.Path)
	})
}

func (s *AgentSession) processTranscriptChange(relPath string) {
	s.mu.Lock()
	adapter := s.adapter
	sb := s.sandbox
	s.mu.Unlock()
	if adapter == nil || sb == nil {
		return
	}

	class := adapter.IdentifyTranscriptFile(arch.TranscriptFile{FileName: relPath})
	if class == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fullPath := path.Join(adapter.Paths().AgentStorageDir, relPath)
	content, err := sb.ReadFile(ctx, fullPath)
	if err != nil {
		s.logger.Warn("failed to read changed transcript",
			zap.String("path", relPath), zap.Error(err))
		return
	}
	if content == nil {
		return
	}

	if class.IsMain {
		s.mu.Lock()
		s.mainTranscript = *content
		s.mu.Unlock()

		main, subs := s.currentTranscripts()
		s.applyParse(adapter.ParseTranscripts(main, subs), true)

		if err := s.deps.Store.SaveTranscript(ctx, s.id, "", *content); err != nil {
			s.logger.Warn("failed to persist main transcript", zap.Error(err))
		}
		s.publish(events.SessionTranscriptChanged, nil)
		return
	}

	s.mu.Lock()
	sub := s.subagentByID(class.SubagentID)
	if sub == nil {
		sub = &v1.SubagentState{ID: class.SubagentID}
		s.subagents = append(s.subagents, sub)
	}
	sub.RawTranscript = *content
	s.mu.Unlock()

	main, subs := s.currentTranscripts()
	s.applyParse(adapter.ParseTranscripts(main, subs), true)

	if err := s.deps.Store.SaveTranscript(ctx, s.id, class.SubagentID, *content); err != nil {
		s.logger.Warn("failed to persist subagent transcript",
			zap.String("subagent_id", class.SubagentID), zap.Error(err))
	}
	s.publish(events.SessionSubagentChanged, map[string]any{"subagentId": class.SubagentID})
}
