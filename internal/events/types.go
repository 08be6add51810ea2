// Package events defines the closed catalogue of event types emitted by the
// session runtime, plus the bus subjects they are published on.
package events

// Session lifecycle events.
const (
	SessionCreated   = "session:created"
	SessionLoaded    = "session:loaded"
	SessionDestroyed = "session:destroyed"
	SessionStatus    = "session:status"
	SessionsChanged  = "sessions:changed"
)

// Block streaming events. Emitted while an agent query runs and when
// transcripts are re-parsed.
const (
	SessionBlockStart    = "session:block:start"
	SessionBlockDelta    = "session:block:delta"
	SessionBlockUpdate   = "session:block:update"
	SessionBlockComplete = "session:block:complete"
)

// Session metadata and subagent events.
const (
	SessionMetadataUpdate     = "session:metadata:update"
	SessionSubagentDiscovered = "session:subagent:discovered"
	SessionSubagentCompleted  = "session:subagent:completed"
	SessionSubagentChanged    = "session:subagent:changed"
)

// Workspace and transcript file events.
const (
	SessionFileModified      = "session:file:modified"
	SessionFileDeleted       = "session:file:deleted"
	SessionTranscriptChanged = "session:transcript:changed"
)

// Remaining session events.
const (
	SessionOptionsUpdate = "session:options:update"
	SessionError         = "session:error"
)

// Sandbox events.
const (
	SandboxStatus = "sandbox:status"
)

// Subjects group events into NATS-style dotted topics. The event type string
// travels in Event.Type; the subject only routes it.

// BuildSessionEventSubject returns the subject carrying all per-session
// events for one session.
func BuildSessionEventSubject(sessionID string) string {
	return "sessions." + sessionID + ".events"
}

// BuildSessionEventWildcardSubject matches per-session events for every
// session.
func BuildSessionEventWildcardSubject() string {
	return "sessions.*.events"
}

// BuildSandboxEventSubject returns the subject carrying sandbox status
// events for one session.
func BuildSandboxEventSubject(sessionID string) string {
	return "sessions." + sessionID + ".sandbox"
}

// BuildSandboxEventWildcardSubject matches sandbox events for every session.
func BuildSandboxEventWildcardSubject() string {
	return "sessions.*.sandbox"
}

// SessionsLifecycleSubject carries registry-level events (session:created,
// session:loaded, session:destroyed, sessions:changed) that are not scoped
// to one live session subscription.
const SessionsLifecycleSubject = "sessions.lifecycle"

// SessionSubjectsWildcard matches every subject under the sessions hierarchy.
const SessionSubjectsWildcard = "sessions.>"
