// Package arch defines the architecture adapter contract: the per-family
// plug-in that knows how an agent CLI lays out its files, how to spawn it,
// and how to parse its native transcript into the unified block model.
// Family implementations live in the claude and opencode subpackages and
// register themselves at init.
package arch

import (
	"context"

	"github.com/agentplane/agentplane/internal/sandbox"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// Paths are the fixed directories an agent family uses inside the sandbox.
type Paths struct {
	// AgentStorageDir is where the agent binary writes session transcripts.
	AgentStorageDir string
	// WorkspaceDir is the session workspace root.
	WorkspaceDir string
	// ProfileDir is where profile assets (subagents, commands, skills) go.
	ProfileDir string
	// MainInstructionsFile receives the profile's main instructions body.
	MainInstructionsFile string
}

// TranscriptFile is the input to transcript classification.
type TranscriptFile struct {
	FileName string
	Content  string
}

// TranscriptClass is the result of classifying a transcript file. Exactly
// one of IsMain or SubagentID is set. A nil *TranscriptClass means the file
// is not a transcript.
type TranscriptClass struct {
	IsMain     bool
	SubagentID string
}

// SessionTranscripts bundles the raw native transcripts of a session.
type SessionTranscripts struct {
	Main      string
	Subagents []v1.SubagentTranscript
}

// ParsedSubagent is one subagent conversation after parsing.
type ParsedSubagent struct {
	ID     string
	Blocks []v1.Block
}

// ParseResult is the output of ParseTranscripts.
type ParseResult struct {
	Blocks    []v1.Block
	Subagents []ParsedSubagent
}

// QueryRequest carries one user query into ExecuteQuery.
type QueryRequest struct {
	SessionID string
	Query     string
	Options   map[string]any
}

// Adapter is the per-family contract. Implementations are bound to one
// sandbox and one session, except ParseTranscripts and
// IdentifyTranscriptFile which are pure and never touch the sandbox.
type Adapter interface {
	// Architecture returns the family tag.
	Architecture() v1.Architecture

	// Paths returns the family's fixed sandbox directories.
	Paths() Paths

	// IdentifyTranscriptFile classifies a file seen by the transcript
	// watcher. Pure.
	IdentifyTranscriptFile(file TranscriptFile) *TranscriptClass

	// SetupAgentProfile materializes profile assets into the sandbox using
	// bulk writes.
	SetupAgentProfile(ctx context.Context, profile *v1.AgentProfile) error

	// SetupSessionTranscripts recreates raw transcripts on a fresh sandbox
	// so the agent can resume.
	SetupSessionTranscripts(ctx context.Context, transcripts SessionTranscripts) error

	// ReadSessionTranscripts reads the transcripts back verbatim, filtering
	// placeholder subagents.
	ReadSessionTranscripts(ctx context.Context) (*SessionTranscripts, error)

	// ExecuteQuery spawns the agent process and returns a lazy stream of
	// StreamEvents. Cancelling ctx terminates the stream and the process.
	ExecuteQuery(ctx context.Context, req QueryRequest) (*QueryStream, error)

	// ParseTranscripts converts raw transcripts into blocks. Pure; never
	// fails, malformed input degrades to an empty result.
	ParseTranscripts(mainRaw string, subagents []v1.SubagentTranscript) ParseResult
}

// Factory constructs an adapter bound to a sandbox and session. A nil
// sandbox is valid for parse-only use.
type Factory func(sb sandbox.Sandbox, sessionID string) Adapter
