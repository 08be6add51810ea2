// Package session implements the core session actor and its manager: the
// state machine from Initialized through Activating and Ready to Destroyed,
// the file watchers, the periodic sync and health loops, and idle garbage
// collection.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/arch"
	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/sandbox"
	"github.com/agentplane/agentplane/internal/session/store"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// Human-readable activation progress, emitted in this order.
const (
	statusPreparing       = "Preparing…"
	statusCreatingSandbox = "Creating sandbox container…"
	statusSettingUpFiles  = "Setting up session files…"
	statusStartingWatch   = "Initializing file watchers…"
	statusReady           = "Ready"
)

// transcriptDebounce coalesces repeated transcript change events for the
// same file before re-parsing.
const transcriptDebounce = 100 * time.Millisecond

// Options are the session runtime intervals and timeouts.
type Options struct {
	IdleTimeout         time.Duration
	SyncInterval        time.Duration
	HealthInterval      time.Duration
	WatcherReadyTimeout time.Duration
}

// OptionsFromConfig converts the millisecond config knobs.
func OptionsFromConfig(cfg config.SessionConfig) Options {
	return Options{
		IdleTimeout:         time.Duration(cfg.IdleTimeoutMs) * time.Millisecond,
		SyncInterval:        time.Duration(cfg.SyncIntervalMs) * time.Millisecond,
		HealthInterval:      time.Duration(cfg.HealthIntervalMs) * time.Millisecond,
		WatcherReadyTimeout: time.Duration(cfg.WatcherReadyTimeoutMs) * time.Millisecond,
	}
}

// Deps are the collaborators injected into every session.
type Deps struct {
	Bus                 bus.EventBus
	Store               store.Store
	Provider            sandbox.Provider
	Options             Options
	OnSandboxTerminated func(sessionID string)
	Logger              *logger.Logger
}

// AgentSession is the per-session actor. Its in-memory state is mutated only
// by SendMessage, the two watcher handlers, the periodic sync task, the
// health task, and Destroy; mu serializes those paths.
type AgentSession struct {
	id      string
	deps    Deps
	profile *v1.AgentProfile
	logger  *logger.Logger

	// parser is a sandbox-free adapter used for offline parsing.
	parser arch.Adapter

	mu             sync.Mutex
	record         v1.SessionRecord
	blocks         []v1.Block
	subagents      []*v1.SubagentState
	workspaceFiles []v1.WorkspaceFile
	mainTranscript string
	destroyed      bool

	// Live sandbox state; all nil/zero while Initialized.
	sandbox             sandbox.Sandbox
	sandboxState        *v1.SandboxState
	adapter             arch.Adapter
	loopCancel          context.CancelFunc
	loopWG              sync.WaitGroup
	stopWorkspaceWatch  sandbox.StopWatch
	stopTranscriptWatch sandbox.StopWatch

	// sendMu admits at most one SendMessage at a time.
	sendMu   sync.Mutex
	inFlight bool

	// Subagent lifecycle bookkeeping for discovered/completed events.
	discovered map[string]bool
	completed  map[string]bool

	// Per-path transcript re-parse debounce timers.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
}

// New builds a session actor from its persisted state. Blocks are parsed
// offline; no sandbox is touched.
func New(persisted *v1.PersistedSession, profile *v1.AgentProfile, deps Deps) (*AgentSession, error) {
	parser, err := arch.New(persisted.Record.Architecture, nil, persisted.Record.SessionID)
	if err != nil {
		return nil, err
	}

	s := &AgentSession{
		id:             persisted.Record.SessionID,
		deps:           deps,
		profile:        profile,
		parser:         parser,
		record:         persisted.Record,
		mainTranscript: persisted.MainTranscript,
		workspaceFiles: persisted.WorkspaceFiles,
		discovered:     make(map[string]bool),
		completed:      make(map[string]bool),
		debounceTimers: make(map[string]*time.Timer),
		logger: deps.Logger.WithFields(
			zap.String("session_id", persisted.Record.SessionID),
		),
	}

	for _, sub := range persisted.Subagents {
		s.subagents = append(s.subagents, &v1.SubagentState{
			ID:            sub.ID,
			RawTranscript: sub.Content,
		})
	}
	s.applyParse(parser.ParseTranscripts(persisted.MainTranscript, persisted.Subagents), false)
	return s, nil
}

// ID returns the session identifier.
func (s *AgentSession) ID() string { return s.id }

// LastActivity returns the session's last activity timestamp.
func (s *AgentSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.LastActivity
}

// GetState returns a snapshot of the session's in-memory state.
func (s *AgentSession) GetState() *v1.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &v1.SessionState{
		Record:         s.record,
		Blocks:         append([]v1.Block(nil), s.blocks...),
		WorkspaceFiles: append([]v1.WorkspaceFile(nil), s.workspaceFiles...),
	}
	for _, sub := range s.subagents {
		// Placeholder subagents have no parsed blocks and stay invisible.
		if len(sub.Blocks) == 0 {
			continue
		}
		state.Subagents = append(state.Subagents, v1.SubagentState{
			ID:     sub.ID,
			Name:   sub.Name,
			Blocks: append([]v1.Block(nil), sub.Blocks...),
		})
	}
	if s.sandboxState != nil {
		snapshot := *s.sandboxState
		state.Sandbox = &snapshot
	}
	return state
}

// touch bumps lastActivity in memory and best-effort in the store.
func (s *AgentSession) touch(ctx context.Context) {
	s.mu.Lock()
	s.record.LastActivity = time.Now().UTC()
	s.mu.Unlock()

	if err := s.deps.Store.UpdateSessionRecord(ctx, s.id, store.RecordPatch{LastActivity: true}); err != nil {
		s.logger.Warn("failed to persist last activity", zap.Error(err))
	}
}

// publish sends a session-scoped event on the bus. Fire and forget.
func (s *AgentSession) publish(eventType string, data map[string]any) {
	subject := events.BuildSessionEventSubject(s.id)
	if eventType == events.SandboxStatus {
		subject = events.BuildSandboxEventSubject(s.id)
	}
	if data == nil {
		data = map[string]any{}
	}
	data["sessionId"] = s.id
	if err := s.deps.Bus.Publish(context.Background(), subject, bus.NewEvent(eventType, "session", data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("event", eventType), zap.Error(err))
	}
}

// publishStatus emits one of the ordered activation progress strings.
func (s *AgentSession) publishStatus(message string) {
	var sandboxData map[string]any
	s.mu.Lock()
	if s.sandboxState != nil {
		s.sandboxState.StatusMessage = message
		sandboxData = map[string]any{
			"status":        string(s.sandboxState.Status),
			"statusMessage": message,
		}
	}
	s.mu.Unlock()
	s.publish(events.SessionStatus, map[string]any{
		"message": message,
		"sandbox": sandboxData,
	})
}

// forwardStreamEvent publishes a StreamEvent as its bus equivalent and folds
// completed blocks into in-memory state.
func (s *AgentSession) forwardStreamEvent(ev v1.StreamEvent) {
	data := map[string]any{
		"conversationId": ev.ConversationID,
	}
	if ev.BlockID != "" {
		data["blockId"] = ev.BlockID
	}
	if ev.Block != nil {
		data["block"] = ev.Block
	}
	if ev.Delta != "" {
		data["delta"] = ev.Delta
	}
	if len(ev.Updates) > 0 {
		data["updates"] = ev.Updates
	}
	if len(ev.Metadata) > 0 {
		data["metadata"] = ev.Metadata
	}

	var eventType string
	switch ev.Type {
	case v1.StreamEventBlockStart:
		eventType = events.SessionBlockStart
	case v1.StreamEventTextDelta:
		eventType = events.SessionBlockDelta
	case v1.StreamEventBlockUpdate:
		eventType = events.SessionBlockUpdate
	case v1.StreamEventBlockComplete:
		eventType = events.SessionBlockComplete
		if ev.Block != nil {
			s.mu.Lock()
			s.upsertBlock(ev.ConversationID, *ev.Block)
			s.mu.Unlock()
		}
	case v1.StreamEventMetadataUpdate:
		eventType = events.SessionMetadataUpdate
	default:
		return
	}
	s.publish(eventType, data)
}

// upsertBlock replaces or appends a block in the named conversation. Caller
// holds mu.
func (s *AgentSession) upsertBlock(conversationID string, block v1.Block) {
	target := &s.blocks
	if conversationID != v1.MainConversationID {
		sub := s.subagentByID(conversationID)
		if sub == nil {
			sub = &v1.SubagentState{ID: conversationID}
			s.subagents = append(s.subagents, sub)
		}
		target = &sub.Blocks
	}
	for i := range *target {
		if (*target)[i].ID == block.ID {
			(*target)[i] = block
			return
		}
	}
	*target = append(*target, block)
}

// subagentByID returns the live subagent state, or nil. Caller holds mu.
func (s *AgentSession) subagentByID(id string) *v1.SubagentState {
	for _, sub := range s.subagents {
		if sub.ID == id {
			return sub
		}
	}
	return nil
}

// applyParse replaces the parsed view of the conversation: main blocks and
// each subagent's blocks, preserving raw transcripts. With notify set,
// subagent discovered/completed events are emitted for transitions.
func (s *AgentSession) applyParse(result arch.ParseResult, notify bool) {
	type transition struct {
		eventType string
		id        string
	}
	var transitions []transition

	s.mu.Lock()
	s.blocks = result.Blocks
	for _, parsed := range result.Subagents {
		sub := s.subagentByID(parsed.ID)
		if sub == nil {
			sub = &v1.SubagentState{ID: parsed.ID}
			s.subagents = append(s.subagents, sub)
		}
		sub.Blocks = parsed.Blocks

		if !s.discovered[parsed.ID] {
			s.discovered[parsed.ID] = true
			if notify {
				transitions = append(transitions, transition{events.SessionSubagentDiscovered, parsed.ID})
			}
		}
		if !s.completed[parsed.ID] && subagentFinished(parsed.Blocks) {
			s.completed[parsed.ID] = true
			if notify {
				transitions = append(transitions, transition{events.SessionSubagentCompleted, parsed.ID})
			}
		}
	}
	s.mu.Unlock()

	for _, tr := range transitions {
		s.publish(tr.eventType, map[string]any{"subagentId": tr.id})
	}
}

// subagentFinished reports whether the last block carries a terminal tool
// status.
func subagentFinished(blocks []v1.Block) bool {
	if len(blocks) == 0 {
		return false
	}
	last := blocks[len(blocks)-1]
	return last.Status == v1.ToolStatusSuccess || last.Status == v1.ToolStatusError
}

// currentTranscripts snapshots the raw transcripts for re-parsing. Caller
// must not hold mu.
func (s *AgentSession) currentTranscripts() (string, []v1.SubagentTranscript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	main := s.mainTranscript
	var subs []v1.SubagentTranscript
	for _, sub := range s.subagents {
		if sub.RawTranscript == "" {
			continue
		}
		subs = append(subs, v1.SubagentTranscript{ID: sub.ID, Content: sub.RawTranscript})
	}
	return main, subs
}
