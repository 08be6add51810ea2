// Package sandbox defines the provider-agnostic handle to a remote container
// hosting one session's filesystem and subprocesses. Providers live in the
// sprites and docker subpackages.
package sandbox

import (
	"context"
	"io"
)

// BasePaths are the fixed directories inside every sandbox.
type BasePaths struct {
	AppDir       string // helper scripts and agent tooling
	WorkspaceDir string // session workspace mount
	HomeDir      string // agent home, transcript storage lives beneath it
}

// DefaultBasePaths is the layout baked into the reference sandbox image.
var DefaultBasePaths = BasePaths{
	AppDir:       "/opt/agentplane",
	WorkspaceDir: "/workspace",
	HomeDir:      "/root",
}

// Process is a handle to a subprocess running inside the sandbox.
type Process interface {
	// Stdout returns the process stdout stream, usable for line-delimited
	// reading.
	Stdout() io.Reader

	// Stderr returns the process stderr stream.
	Stderr() io.Reader

	// Wait blocks until the process exits. Safe to call once.
	Wait(ctx context.Context) error

	// ExitCode returns the exit code after Wait has returned, -1 before.
	ExitCode() int

	// Kill terminates the process.
	Kill() error
}

// WriteRequest is one file in a bulk write.
type WriteRequest struct {
	Path    string
	Content string
}

// WriteFailure reports one failed file of a bulk write.
type WriteFailure struct {
	Path  string
	Error string
}

// WriteResult reports the outcome of a bulk write. Partial success is
// reported, not fatal.
type WriteResult struct {
	Success []string
	Failed  []WriteFailure
}

// FileChangeType classifies watcher events.
type FileChangeType string

const (
	FileAdded   FileChangeType = "add"
	FileChanged FileChangeType = "change"
	FileRemoved FileChangeType = "unlink"
)

// FileChange is one watcher event. Path is relative to the watched root.
// Content is set for add/change when the file is text and within the size
// limit; otherwise nil.
type FileChange struct {
	Type    FileChangeType
	Path    string
	Content *string
}

// WatchCallback receives watcher events. It may be invoked before Watch
// returns.
type WatchCallback func(change FileChange)

// StopWatch stops a running watcher. Idempotent.
type StopWatch func()

// Sandbox is the uniform handle over a remote container.
type Sandbox interface {
	// GetID returns the provider-assigned sandbox identifier.
	GetID() string

	// GetBasePaths returns the directory layout inside the sandbox.
	GetBasePaths() BasePaths

	// Exec spawns a process inside the sandbox.
	Exec(ctx context.Context, argv []string) (Process, error)

	// ReadFile returns the file content, or nil if the file does not exist.
	ReadFile(ctx context.Context, path string) (*string, error)

	// WriteFile writes one file, creating missing parent directories.
	WriteFile(ctx context.Context, path, content string) error

	// WriteFiles writes many files in one round trip. Per-file failures are
	// reported in the result.
	WriteFiles(ctx context.Context, files []WriteRequest) (*WriteResult, error)

	// CreateDirectory creates the directory and parents. Idempotent.
	CreateDirectory(ctx context.Context, path string) error

	// ListFiles returns file paths under dir, optionally filtered by a glob
	// pattern. A missing directory yields an empty list. Paths are absolute
	// when pattern is used.
	ListFiles(ctx context.Context, dir, pattern string) ([]string, error)

	// Watch starts a recursive watcher on path. It returns once the watcher
	// is known to be running; the callback may fire before that. The watcher
	// stops on StopWatch or Terminate.
	Watch(ctx context.Context, path string, callback WatchCallback) (StopWatch, error)

	// Poll returns the sandbox exit code, or nil while it is still running.
	Poll(ctx context.Context) (*int, error)

	// Terminate tears the sandbox down. Best effort, idempotent.
	Terminate(ctx context.Context) error
}

// Provider creates sandboxes for sessions.
type Provider interface {
	Create(ctx context.Context, sessionID string) (Sandbox, error)
}
