package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/sandbox"
	"github.com/agentplane/agentplane/internal/session/store"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// CreateRequest describes a new session.
type CreateRequest struct {
	ProfileRef   string
	Architecture v1.Architecture
	Options      map[string]any
}

// Manager owns the map of live sessions and the idle garbage collector.
type Manager struct {
	bus      bus.EventBus
	store    store.Store
	provider sandbox.Provider
	options  Options
	logger   *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*AgentSession

	gcCancel context.CancelFunc
	gcDone   chan struct{}
}

// NewManager creates a Manager and starts its idle GC loop.
func NewManager(eventBus bus.EventBus, st store.Store, provider sandbox.Provider, options Options, log *logger.Logger) *Manager {
	m := &Manager{
		bus:      eventBus,
		store:    st,
		provider: provider,
		options:  options,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		sessions: make(map[string]*AgentSession),
		gcDone:   make(chan struct{}),
	}

	gcCtx, cancel := context.WithCancel(context.Background())
	m.gcCancel = cancel
	go m.gcLoop(gcCtx)
	return m
}

func (m *Manager) deps() Deps {
	return Deps{
		Bus:                 m.bus,
		Store:               m.store,
		Provider:            m.provider,
		Options:             m.options,
		OnSandboxTerminated: m.onSandboxTerminated,
		Logger:              m.logger,
	}
}

// CreateSession creates and registers a new session with no sandbox.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*AgentSession, error) {
	profile, err := m.store.LoadAgentProfile(ctx, req.ProfileRef)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: profile %q", ErrNotFound, req.ProfileRef)
		}
		return nil, err
	}

	record := v1.SessionRecord{
		SessionID:      uuid.New().String(),
		Architecture:   req.Architecture,
		ProfileRef:     req.ProfileRef,
		CreatedAt:      time.Now().UTC(),
		LastActivity:   time.Now().UTC(),
		SessionOptions: req.Options,
	}
	if err := m.store.CreateSessionRecord(ctx, &record); err != nil {
		return nil, fmt.Errorf("failed to persist session record: %w", err)
	}

	session, err := New(&v1.PersistedSession{Record: record}, profile, m.deps())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[record.SessionID] = session
	m.mu.Unlock()

	m.publishLifecycle(events.SessionCreated, record.SessionID)
	m.publishLifecycle(events.SessionsChanged, "")
	m.logger.Info("session created",
		zap.String("session_id", record.SessionID),
		zap.String("architecture", string(req.Architecture)))
	return session, nil
}

// LoadSession brings a persisted session back into the live map. Loading an
// already live session is a no-op.
func (m *Manager) LoadSession(ctx context.Context, sessionID string) (*AgentSession, error) {
	m.mu.RLock()
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.RUnlock()
		return existing, nil
	}
	m.mu.RUnlock()

	persisted, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	profile, err := m.store.LoadAgentProfile(ctx, persisted.Record.ProfileRef)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	session, err := New(persisted, profile, m.deps())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[sessionID] = session
	m.mu.Unlock()

	m.publishLifecycle(events.SessionLoaded, sessionID)
	m.publishLifecycle(events.SessionsChanged, "")
	return session, nil
}

// GetSession returns the live session, or nil.
func (m *Manager) GetSession(sessionID string) *AgentSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// LiveSessions returns the ids of all live sessions.
func (m *Manager) LiveSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// DestroySession destroys a live session and removes it from the map. The
// session is removed even when destruction fails.
func (m *Manager) DestroySession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	err := session.Destroy(ctx)
	if err != nil {
		m.logger.Warn("session destroy failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	m.publishLifecycle(events.SessionDestroyed, sessionID)
	m.publishLifecycle(events.SessionsChanged, "")
	return err
}

// ListAllSessions returns persisted records for every session, live or not.
func (m *Manager) ListAllSessions(ctx context.Context) ([]*v1.SessionRecord, error) {
	return m.store.ListAllSessions(ctx)
}

// onSandboxTerminated unloads a session whose sandbox died. Persisted state
// survives for a later LoadSession.
func (m *Manager) onSandboxTerminated(sessionID string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := session.Destroy(ctx); err != nil {
		m.logger.Warn("failed to unload terminated session",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	m.publishLifecycle(events.SessionsChanged, "")
	m.logger.Info("session unloaded after sandbox termination",
		zap.String("session_id", sessionID))
}

// gcLoop destroys sessions idle past the configured timeout.
func (m *Manager) gcLoop(ctx context.Context) {
	defer close(m.gcDone)

	interval := time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.gcOnce(ctx)
		}
	}
}

func (m *Manager) gcOnce(ctx context.Context) {
	timeout := m.options.IdleTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	cutoff := time.Now().Add(-timeout)

	m.mu.RLock()
	var idle []string
	for id, session := range m.sessions {
		if session.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		m.logger.Info("destroying idle session", zap.String("session_id", id))
		if err := m.DestroySession(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Warn("idle session destroy failed",
				zap.String("session_id", id), zap.Error(err))
		}
	}
}

func (m *Manager) publishLifecycle(eventType, sessionID string) {
	data := map[string]any{}
	if sessionID != "" {
		data["sessionId"] = sessionID
	}
	if err := m.bus.Publish(context.Background(), events.SessionsLifecycleSubject, bus.NewEvent(eventType, "session-manager", data)); err != nil {
		m.logger.Warn("failed to publish lifecycle event",
			zap.String("event", eventType), zap.Error(err))
	}
}

// Close stops the GC loop and destroys every live session.
func (m *Manager) Close(ctx context.Context) {
	m.gcCancel()
	<-m.gcDone

	m.mu.Lock()
	sessions := make([]*AgentSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[string]*AgentSession)
	m.mu.Unlock()

	for _, session := range sessions {
		if err := session.Destroy(ctx); err != nil {
			m.logger.Warn("failed to destroy session on shutdown",
				zap.String("session_id", session.ID()), zap.Error(err))
		}
	}
}
