// Package store persists session records, raw transcripts, workspace files
// and agent profiles.
package store

import (
	"context"
	"errors"

	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// ErrNotFound is returned when a session or profile does not exist.
var ErrNotFound = errors.New("not found")

// RecordPatch is a partial update to a session record. Nil fields are left
// unchanged.
type RecordPatch struct {
	LastActivity   bool // bump to now
	SessionOptions map[string]any
}

// Store is the persistence boundary for sessions.
type Store interface {
	// CreateSessionRecord inserts a new session record. Creating an id that
	// already exists is a no-op.
	CreateSessionRecord(ctx context.Context, record *v1.SessionRecord) error

	// UpdateSessionRecord applies a patch to an existing record.
	UpdateSessionRecord(ctx context.Context, sessionID string, patch RecordPatch) error

	// LoadSession returns the full persisted state of a session, or
	// ErrNotFound.
	LoadSession(ctx context.Context, sessionID string) (*v1.PersistedSession, error)

	// ListAllSessions returns every session record, newest first.
	ListAllSessions(ctx context.Context) ([]*v1.SessionRecord, error)

	// SaveTranscript upserts a raw transcript. An empty subagentID addresses
	// the main transcript.
	SaveTranscript(ctx context.Context, sessionID, subagentID, content string) error

	// SaveWorkspaceFile upserts a workspace file snapshot. A nil content
	// records a binary or oversized file without its body; deleted files are
	// removed with DeleteWorkspaceFile.
	SaveWorkspaceFile(ctx context.Context, sessionID string, file v1.WorkspaceFile) error

	// DeleteWorkspaceFile removes a workspace file snapshot.
	DeleteWorkspaceFile(ctx context.Context, sessionID, path string) error

	// DestroySessionRecord deletes the record and all dependent rows.
	DestroySessionRecord(ctx context.Context, sessionID string) error

	// SaveAgentProfile upserts a profile document by identifier.
	SaveAgentProfile(ctx context.Context, profile *v1.AgentProfile) error

	// LoadAgentProfile returns a profile by identifier, or ErrNotFound.
	LoadAgentProfile(ctx context.Context, identifier string) (*v1.AgentProfile, error)

	Close() error
}
