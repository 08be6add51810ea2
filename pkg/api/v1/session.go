package v1

import "time"

// SessionRecord is the persisted list-view of a session.
type SessionRecord struct {
	SessionID      string         `json:"sessionId"`
	Architecture   Architecture   `json:"architecture"`
	ProfileRef     string         `json:"profileRef"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActivity   time.Time      `json:"lastActivity"`
	SessionOptions map[string]any `json:"sessionOptions,omitempty"`
}

// WorkspaceFile is a text file in the session workspace, path relative to
// the workspace root. Binary or oversized files carry a nil Content and are
// not stored.
type WorkspaceFile struct {
	Path    string  `json:"path"`
	Content *string `json:"content"`
}

// SubagentTranscript pairs a subagent id with its raw native transcript.
type SubagentTranscript struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// PersistedSession is the full persisted state of a session: the record plus
// the raw transcripts and workspace files it references.
type PersistedSession struct {
	Record         SessionRecord        `json:"record"`
	MainTranscript string               `json:"mainTranscript"`
	Subagents      []SubagentTranscript `json:"subagents,omitempty"`
	WorkspaceFiles []WorkspaceFile      `json:"workspaceFiles,omitempty"`
}

// SandboxStatus tracks the sandbox lifecycle of a live session.
type SandboxStatus string

const (
	SandboxStatusStarting   SandboxStatus = "starting"
	SandboxStatusReady      SandboxStatus = "ready"
	SandboxStatusTerminated SandboxStatus = "terminated"
)

// SandboxState is the sandbox portion of a session's live state.
type SandboxState struct {
	SandboxID       string        `json:"sandboxId"`
	Status          SandboxStatus `json:"status"`
	StatusMessage   string        `json:"statusMessage,omitempty"`
	RestartCount    int           `json:"restartCount"`
	LastHealthCheck time.Time     `json:"lastHealthCheck"`
}

// SubagentState is one subagent conversation in a session's live state.
type SubagentState struct {
	ID            string  `json:"id"`
	Name          string  `json:"name,omitempty"`
	Blocks        []Block `json:"blocks"`
	RawTranscript string  `json:"-"`
}

// SessionState is the full in-memory view of a live session as returned to
// clients.
type SessionState struct {
	Record         SessionRecord   `json:"record"`
	Blocks         []Block         `json:"blocks"`
	Subagents      []SubagentState `json:"subagents,omitempty"`
	WorkspaceFiles []WorkspaceFile `json:"workspaceFiles,omitempty"`
	Sandbox        *SandboxState   `json:"sandbox,omitempty"`
}
