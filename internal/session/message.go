package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/internal/arch"
	"github.com/agentplane/agentplane/internal/events"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// SendMessage runs one user query through the agent. The first call
// activates the sandbox. At most one call may be in flight per session;
// concurrent calls fail with ErrBusy. Cancelling ctx terminates the
// underlying agent process.
func (s *AgentSession) SendMessage(ctx context.Context, text string) error {
	s.sendMu.Lock()
	if s.inFlight {
		s.sendMu.Unlock()
		return ErrBusy
	}
	s.inFlight = true
	s.sendMu.Unlock()
	defer func() {
		s.sendMu.Lock()
		s.inFlight = false
		s.sendMu.Unlock()
	}()

	if err := s.sendMessage(ctx, text); err != nil {
		s.publish(events.SessionError, map[string]any{"error": err.Error()})
		return err
	}
	return nil
}

func (s *AgentSession) sendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	needsActivation := s.sandbox == nil
	options := s.record.SessionOptions
	resume := s.mainTranscript != ""
	s.mu.Unlock()

	if needsActivation {
		if err := s.activate(ctx); err != nil {
			return err
		}
	}

	s.touch(ctx)
	s.emitUserMessage(text)

	s.mu.Lock()
	adapter := s.adapter
	s.mu.Unlock()

	queryOptions := map[string]any{"resume": resume}
	for k, v := range options {
		queryOptions[k] = v
	}
	stream, err := adapter.ExecuteQuery(ctx, arch.QueryRequest{
		SessionID: s.id,
		Query:     text,
		Options:   queryOptions,
	})
	if err != nil {
		return err
	}

	for ev := range stream.Events() {
		s.forwardStreamEvent(ev)
	}
	if err := stream.Err(); err != nil {
		return err
	}

	s.touch(ctx)
	return nil
}

// emitUserMessage synthesizes the user_message block for a call and emits
// its start and complete pair before any agent output.
func (s *AgentSession) emitUserMessage(text string) {
	block := v1.Block{
		ID:        uuid.New().String(),
		Type:      v1.BlockTypeUserMessage,
		Timestamp: time.Now().UTC(),
		Content:   text,
	}
	s.forwardStreamEvent(v1.StreamEvent{
		Type:           v1.StreamEventBlockStart,
		ConversationID: v1.MainConversationID,
		BlockID:        block.ID,
		Block:          &block,
	})
	s.forwardStreamEvent(v1.StreamEvent{
		Type:           v1.StreamEventBlockComplete,
		ConversationID: v1.MainConversationID,
		BlockID:        block.ID,
		Block:          &block,
	})
}
