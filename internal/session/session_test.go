package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/sandbox"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// eventCollector records every event on the sessions hierarchy, in order.
type eventCollector struct {
	mu     sync.Mutex
	events []*bus.Event
}

func collectEvents(t *testing.T, b bus.EventBus) *eventCollector {
	t.Helper()
	c := &eventCollector{}
	sub, err := b.Subscribe(events.SessionSubjectsWildcard, func(ctx context.Context, event *bus.Event) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, event)
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return c
}

func (c *eventCollector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, len(c.events))
	for i, ev := range c.events {
		types[i] = ev.Type
	}
	return types
}

func (c *eventCollector) ofType(eventType string) []*bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []*bus.Event
	for _, ev := range c.events {
		if ev.Type == eventType {
			matched = append(matched, ev)
		}
	}
	return matched
}

func (c *eventCollector) statusMessages() []string {
	var messages []string
	for _, ev := range c.ofType(events.SessionStatus) {
		if msg, ok := ev.Data["message"].(string); ok {
			messages = append(messages, msg)
		}
	}
	return messages
}

func (c *eventCollector) waitFor(t *testing.T, eventType string, timeout time.Duration) *bus.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if matched := c.ofType(eventType); len(matched) > 0 {
			return matched[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", eventType)
	return nil
}

type testEnv struct {
	bus      bus.EventBus
	store    *fakeStore
	provider *fakeProvider
	events   *eventCollector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	b := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	return &testEnv{
		bus:      b,
		store:    newFakeStore(),
		provider: &fakeProvider{},
		events:   collectEvents(t, b),
	}
}

func (e *testEnv) deps(opts Options) Deps {
	return Deps{
		Bus:      e.bus,
		Store:    e.store,
		Provider: e.provider,
		Options:  opts,
		Logger:   logger.Default(),
	}
}

func newTestSession(t *testing.T, env *testEnv, opts Options) *AgentSession {
	t.Helper()
	persisted := &v1.PersistedSession{
		Record: v1.SessionRecord{
			SessionID:    "sess-test",
			Architecture: archFake,
			ProfileRef:   "default",
			CreatedAt:    time.Now().UTC(),
			LastActivity: time.Now().UTC(),
		},
	}
	require.NoError(t, env.store.CreateSessionRecord(context.Background(), &persisted.Record))

	s, err := New(persisted, &v1.AgentProfile{Identifier: "default"}, env.deps(opts))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Destroy(context.Background()) })
	return s
}

func defaultTestOptions() Options {
	return Options{
		IdleTimeout:         time.Minute,
		SyncInterval:        time.Hour,
		HealthInterval:      time.Hour,
		WatcherReadyTimeout: time.Second,
	}
}

func assistantScript() []v1.StreamEvent {
	return []v1.StreamEvent{
		{Type: v1.StreamEventBlockStart, ConversationID: v1.MainConversationID, BlockID: "b1", Block: &v1.Block{ID: "b1", Type: v1.BlockTypeAssistantText}},
		{Type: v1.StreamEventTextDelta, ConversationID: v1.MainConversationID, BlockID: "b1", Delta: "hi there"},
		{Type: v1.StreamEventBlockComplete, ConversationID: v1.MainConversationID, BlockID: "b1", Block: &v1.Block{ID: "b1", Type: v1.BlockTypeAssistantText, Content: "hi there"}},
		{Type: v1.StreamEventMetadataUpdate, ConversationID: v1.MainConversationID, Metadata: map[string]any{"usage": map[string]any{"totalTokens": int64(12)}}},
	}
}

func TestSendMessage_ActivationSequence(t *testing.T) {
	env := newTestEnv(t)
	s := newTestSession(t, env, defaultTestOptions())
	setFakeQuery(assistantScript(), nil)

	before := s.LastActivity()
	time.Sleep(time.Millisecond)
	require.NoError(t, s.SendMessage(context.Background(), "hello"))

	assert.Equal(t, []string{
		statusPreparing,
		statusCreatingSandbox,
		statusSettingUpFiles,
		statusStartingWatch,
		statusReady,
	}, env.events.statusMessages())

	// sandbox:status starting precedes ready.
	sandboxEvents := env.events.ofType(events.SandboxStatus)
	require.Len(t, sandboxEvents, 2)
	assert.Equal(t, string(v1.SandboxStatusStarting), sandboxEvents[0].Data["status"])
	assert.Equal(t, string(v1.SandboxStatusReady), sandboxEvents[1].Data["status"])

	// The user_message start+complete precede any agent output.
	starts := env.events.ofType(events.SessionBlockStart)
	require.NotEmpty(t, starts)
	first, ok := starts[0].Data["block"].(*v1.Block)
	require.True(t, ok)
	assert.Equal(t, v1.BlockTypeUserMessage, first.Type)
	assert.Equal(t, "hello", first.Content)

	// Terminal metadata carries usage.
	metadata := env.events.ofType(events.SessionMetadataUpdate)
	require.Len(t, metadata, 1)

	assert.True(t, s.LastActivity().After(before))

	// Completed blocks land in state.
	state := s.GetState()
	require.NotNil(t, state.Sandbox)
	assert.Equal(t, v1.SandboxStatusReady, state.Sandbox.Status)
	require.Len(t, state.Blocks, 2)
	assert.Equal(t, v1.BlockTypeUserMessage, state.Blocks[0].Type)
	assert.Equal(t, v1.BlockTypeAssistantText, state.Blocks[1].Type)
}

func TestSendMessage_SecondCallSkipsActivation(t *testing.T) {
	env := newTestEnv(t)
	s := newTestSession(t, env, defaultTestOptions())
	setFakeQuery(assistantScript(), nil)

	require.NoError(t, s.SendMessage(context.Background(), "one"))
	require.NoError(t, s.SendMessage(context.Background(), "two"))
	assert.Equal(t, 1, env.provider.createCalls())
}

func TestSendMessage_Busy(t *testing.T) {
	env := newTestEnv(t)
	s := newTestSession(t, env, defaultTestOptions())

	// Simulate an in-flight call.
	s.sendMu.Lock()
	s.inFlight = true
	s.sendMu.Unlock()

	err := s.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrBusy)

	s.sendMu.Lock()
	s.inFlight = false
	s.sendMu.Unlock()
}

func TestSendMessage_SandboxUnavailable(t *testing.T) {
	env := newTestEnv(t)
	s := newTestSession(t, env, defaultTestOptions())
	env.provider.createErr = context.DeadlineExceeded

	err := s.SendMessage(context.Background(), "hello")
	var unavailable *SandboxUnavailableError
	require.ErrorAs(t, err, &unavailable)

	// Session stays in Initialized: no sandbox, error surfaced on the bus.
	state := s.GetState()
	assert.Nil(t, state.Sandbox)
	assert.NotEmpty(t, env.events.ofType(events.SessionError))

	// Retry succeeds once the provider recovers.
	env.provider.createErr = nil
	setFakeQuery(assistantScript(), nil)
	require.NoError(t, s.SendMessage(context.Background(), "hello again"))
}

func TestWorkspaceWatcher_ModifyAndDelete(t *testing.T) {
	env := newTestEnv(t)
	s := newTestSession(t, env, defaultTestOptions())
	setFakeQuery(assistantScript(), nil)
	require.NoError(t, s.SendMessage(context.Background(), "hello"))

	sb := env.provider.lastSandbox()
	require.NotNil(t, sb)

	content := "# Hi"
	sb.fireWorkspaceChange(sandbox.FileChange{Type: sandbox.FileAdded, Path: "README.md", Content: &content})

	modified := env.events.ofType(events.SessionFileModified)
	require.Len(t, modified, 1)
	file := modified[0].Data["file"].(map[string]any)
	assert.Equal(t, "README.md", file["path"])
	assert.Equal(t, "# Hi", file["content"])

	state := s.GetState()
	require.Len(t, state.WorkspaceFiles, 1)

	// Content-less events are suppressed entirely.
	sb.fireWorkspaceChange(sandbox.FileChange{Type: sandbox.FileChanged, Path: "big.bin", Content: nil})
	assert.Len(t, env.events.ofType(events.SessionFileModified), 1)

	sb.fireWorkspaceChange(sandbox.FileChange{Type: sandbox.FileRemoved, Path: "README.md"})
	deleted := env.events.ofType(events.SessionFileDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, "README.md", deleted[0].Data["path"])
	assert.Empty(t, s.GetState().WorkspaceFiles)
}

func TestTranscriptWatcher_MainReparse(t *testing.T) {
	env := newTestEnv(t)
	s := newTestSession(t, env, defaultTestOptions())
	setFakeQuery(assistantScript(), nil)
	require.NoError(t, s.SendMessage(context.Background(), "hello"))

	sb := env.provider.lastSandbox()
	require.NoError(t, sb.WriteFile(context.Background(), "/root/.fake/transcripts/sess-test.txt", "first\nsecond"))

	sb.fireTranscriptChange(sandbox.FileChange{Type: sandbox.FileChanged, Path: "sess-test.txt"})
	env.events.waitFor(t, events.SessionTranscriptChanged, time.Second)

	state := s.GetState()
	require.Len(t, state.Blocks, 2)
	assert.Equal(t, "first", state.Blocks[0].Content)
}

func TestTranscriptWatcher_SubagentDiscovery(t *testing.T) {
	env := newTestEnv(t)
	s := newTestSession(t, env, defaultTestOptions())
	setFakeQuery(assistantScript(), nil)
	require.NoError(t, s.SendMessage(context.Background(), "hello"))

	sb := env.provider.lastSandbox()

	// A single-line transcript is a placeholder and stays invisible.
	require.NoError(t, sb.WriteFile(context.Background(), "/root/.fake/transcripts/sub-1.txt", "only line"))
	sb.fireTranscriptChange(sandbox.FileChange{Type: sandbox.FileChanged, Path: "sub-1.txt"})
	env.events.waitFor(t, events.SessionSubagentChanged, time.Second)
	assert.Empty(t, env.events.ofType(events.SessionSubagentDiscovered))
	assert.Empty(t, s.GetState().Subagents)

	// Real content appears: discovered fires once.
	require.NoError(t, sb.WriteFile(context.Background(), "/root/.fake/transcripts/sub-1.txt", "line one\nline two"))
	sb.fireTranscriptChange(sandbox.FileChange{Type: sandbox.FileChanged, Path: "sub-1.txt"})
	env.events.waitFor(t, events.SessionSubagentDiscovered, time.Second)
	assert.Len(t, env.events.ofType(events.SessionSubagentDiscovered), 1)

	state := s.GetState()
	require.Len(t, state.Subagents, 1)
	assert.Equal(t, "sub-1", state.Subagents[0].ID)
	assert.Len(t, state.Subagents[0].Blocks, 2)
}

func TestHealthLoop_TerminatedSandbox(t *testing.T) {
	env := newTestEnv(t)
	opts := defaultTestOptions()
	opts.HealthInterval = 10 * time.Millisecond

	terminated := make(chan string, 1)
	deps := env.deps(opts)
	deps.OnSandboxTerminated = func(sessionID string) { terminated <- sessionID }

	persisted := &v1.PersistedSession{
		Record: v1.SessionRecord{SessionID: "sess-health", Architecture: archFake},
	}
	require.NoError(t, env.store.CreateSessionRecord(context.Background(), &persisted.Record))
	s, err := New(persisted, nil, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Destroy(context.Background()) })

	setFakeQuery(assistantScript(), nil)
	require.NoError(t, s.SendMessage(context.Background(), "hello"))

	env.provider.lastSandbox().setPollResult(137)

	select {
	case id := <-terminated:
		assert.Equal(t, "sess-health", id)
	case <-time.After(time.Second):
		t.Fatal("onSandboxTerminated was not invoked")
	}

	statuses := env.events.ofType(events.SandboxStatus)
	last := statuses[len(statuses)-1]
	assert.Equal(t, string(v1.SandboxStatusTerminated), last.Data["status"])
}

func TestDestroy_WithoutSandboxNeverTouchesProvider(t *testing.T) {
	env := newTestEnv(t)
	s := newTestSession(t, env, defaultTestOptions())

	require.NoError(t, s.Destroy(context.Background()))
	assert.Equal(t, 0, env.provider.createCalls())

	// Destroy is idempotent.
	require.NoError(t, s.Destroy(context.Background()))
}

func TestDestroy_TerminatesSandbox(t *testing.T) {
	env := newTestEnv(t)
	s := newTestSession(t, env, defaultTestOptions())
	setFakeQuery(assistantScript(), nil)
	require.NoError(t, s.SendMessage(context.Background(), "hello"))

	require.NoError(t, s.Destroy(context.Background()))

	sb := env.provider.lastSandbox()
	sb.mu.Lock()
	defer sb.mu.Unlock()
	assert.True(t, sb.terminated)
}

func TestUpdateOptions_MergesAndPublishes(t *testing.T) {
	env := newTestEnv(t)
	s := newTestSession(t, env, defaultTestOptions())

	require.NoError(t, s.UpdateOptions(context.Background(), map[string]any{"model": "opus"}))
	require.NoError(t, s.UpdateOptions(context.Background(), map[string]any{"temperature": 0.2}))

	updates := env.events.ofType(events.SessionOptionsUpdate)
	require.Len(t, updates, 2)
	merged := updates[1].Data["options"].(map[string]any)
	assert.Equal(t, "opus", merged["model"])
	assert.Equal(t, 0.2, merged["temperature"])

	// Nil removes a key.
	require.NoError(t, s.UpdateOptions(context.Background(), map[string]any{"model": nil}))
	s.mu.Lock()
	_, present := s.record.SessionOptions["model"]
	s.mu.Unlock()
	assert.False(t, present)
}

func TestNew_ParsesPersistedState(t *testing.T) {
	env := newTestEnv(t)
	persisted := &v1.PersistedSession{
		Record:         v1.SessionRecord{SessionID: "sess-restore", Architecture: archFake},
		MainTranscript: "alpha\nbeta",
		Subagents: []v1.SubagentTranscript{
			{ID: "sub-x", Content: "one\ntwo\nthree"},
			{ID: "sub-placeholder", Content: "just one"},
		},
	}

	s, err := New(persisted, nil, env.deps(defaultTestOptions()))
	require.NoError(t, err)

	state := s.GetState()
	assert.Len(t, state.Blocks, 2)
	require.Len(t, state.Subagents, 1)
	assert.Equal(t, "sub-x", state.Subagents[0].ID)
	assert.Len(t, state.Subagents[0].Blocks, 3)
	assert.Nil(t, state.Sandbox)
}
