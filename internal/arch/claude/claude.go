// Package claude adapts the Claude CLI family: JSONL transcripts under the
// agent storage directory, profile assets under ~/.claude, and stream-json
// output from the claude binary.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/arch"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/sandbox"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

func init() {
	arch.Register(v1.ArchitectureClaude, func(sb sandbox.Sandbox, sessionID string) arch.Adapter {
		return New(sb, sessionID)
	})
}

// subagentFilePattern matches agent-<uuid>.jsonl transcript files.
var subagentFilePattern = regexp.MustCompile(`^agent-([0-9a-fA-F-]{36})\.jsonl$`)

// Adapter implements the arch contract for the Claude family.
type Adapter struct {
	sb        sandbox.Sandbox
	sessionID string
	paths     arch.Paths
	logger    *logger.Logger
}

// New binds an adapter to a sandbox and session. A nil sandbox is valid for
// parse-only use.
func New(sb sandbox.Sandbox, sessionID string) *Adapter {
	base := sandbox.DefaultBasePaths
	if sb != nil {
		base = sb.GetBasePaths()
	}

	// The CLI stores transcripts under ~/.claude/projects/<munged-cwd>.
	projectKey := strings.ReplaceAll(base.WorkspaceDir, "/", "-")
	return &Adapter{
		sb:        sb,
		sessionID: sessionID,
		paths: arch.Paths{
			AgentStorageDir:      path.Join(base.HomeDir, ".claude", "projects", projectKey),
			WorkspaceDir:         base.WorkspaceDir,
			ProfileDir:           path.Join(base.HomeDir, ".claude"),
			MainInstructionsFile: path.Join(base.WorkspaceDir, "CLAUDE.md"),
		},
		logger: logger.Default().WithFields(
			zap.String("component", "claude-adapter"),
			zap.String("session_id", sessionID),
		),
	}
}

func (a *Adapter) Architecture() v1.Architecture { return v1.ArchitectureClaude }

func (a *Adapter) Paths() arch.Paths { return a.paths }

// IdentifyTranscriptFile classifies files in the agent storage directory.
// The main transcript is <sessionId>.jsonl; subagents are agent-<uuid>.jsonl.
func (a *Adapter) IdentifyTranscriptFile(file arch.TranscriptFile) *arch.TranscriptClass {
	name := path.Base(file.FileName)
	if name == a.sessionID+".jsonl" {
		return &arch.TranscriptClass{IsMain: true}
	}
	if m := subagentFilePattern.FindStringSubmatch(name); m != nil {
		return &arch.TranscriptClass{SubagentID: m[1]}
	}
	return nil
}

// SetupAgentProfile materializes profile assets with one bulk write:
// CLAUDE.md, agents/, commands/, skills/, MCP config, and workspace
// defaults. Per-file failures are logged at warn and not fatal.
func (a *Adapter) SetupAgentProfile(ctx context.Context, profile *v1.AgentProfile) error {
	var files []sandbox.WriteRequest

	if profile.MainInstructions != "" {
		files = append(files, sandbox.WriteRequest{
			Path:    a.paths.MainInstructionsFile,
			Content: profile.MainInstructions,
		})
	}

	for _, sub := range profile.Subagents {
		files = append(files, sandbox.WriteRequest{
			Path:    path.Join(a.paths.ProfileDir, "agents", sub.Name+".md"),
			Content: frontmatter(sub.Name, sub.Description) + sub.Prompt,
		})
	}

	for _, cmd := range profile.Commands {
		files = append(files, sandbox.WriteRequest{
			Path:    path.Join(a.paths.ProfileDir, "commands", cmd.Name+".md"),
			Content: cmd.Content,
		})
	}

	for _, skill := range profile.Skills {
		skillDir := path.Join(a.paths.ProfileDir, "skills", skill.Name)
		files = append(files, sandbox.WriteRequest{
			Path:    path.Join(skillDir, "SKILL.md"),
			Content: frontmatter(skill.Name, skill.Description) + skill.Body,
		})
		for _, f := range skill.Files {
			files = append(files, sandbox.WriteRequest{
				Path:    path.Join(skillDir, f.Path),
				Content: f.Content,
			})
		}
	}

	if len(profile.MCPServers) > 0 {
		mcp, err := json.MarshalIndent(map[string]any{"mcpServers": profile.MCPServers}, "", "  ")
		if err == nil {
			files = append(files, sandbox.WriteRequest{
				Path:    path.Join(a.paths.WorkspaceDir, ".mcp.json"),
				Content: string(mcp),
			})
		}
	}

	for _, f := range profile.WorkspaceFiles {
		files = append(files, sandbox.WriteRequest{
			Path:    path.Join(a.paths.WorkspaceDir, f.Path),
			Content: f.Content,
		})
	}

	if len(files) == 0 {
		return nil
	}
	result, err := a.sb.WriteFiles(ctx, files)
	if err != nil {
		return fmt.Errorf("failed to set up agent profile: %w", err)
	}
	for _, failure := range result.Failed {
		a.logger.Warn("profile file write failed",
			zap.String("path", failure.Path),
			zap.String("error", failure.Error))
	}
	return nil
}

// SetupSessionTranscripts recreates raw transcripts on a fresh sandbox.
func (a *Adapter) SetupSessionTranscripts(ctx context.Context, transcripts arch.SessionTranscripts) error {
	var files []sandbox.WriteRequest
	if transcripts.Main != "" {
		files = append(files, sandbox.WriteRequest{
			Path:    path.Join(a.paths.AgentStorageDir, a.sessionID+".jsonl"),
			Content: transcripts.Main,
		})
	}
	for _, sub := range transcripts.Subagents {
		files = append(files, sandbox.WriteRequest{
			Path:    path.Join(a.paths.AgentStorageDir, "agent-"+sub.ID+".jsonl"),
			Content: sub.Content,
		})
	}

	if err := a.sb.CreateDirectory(ctx, a.paths.AgentStorageDir); err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	result, err := a.sb.WriteFiles(ctx, files)
	if err != nil {
		return fmt.Errorf("failed to set up session transcripts: %w", err)
	}
	for _, failure := range result.Failed {
		a.logger.Warn("transcript write failed",
			zap.String("path", failure.Path),
			zap.String("error", failure.Error))
	}
	return nil
}

// ReadSessionTranscripts reads transcripts back verbatim, filtering
// placeholder subagents.
func (a *Adapter) ReadSessionTranscripts(ctx context.Context) (*arch.SessionTranscripts, error) {
	paths, err := a.sb.ListFiles(ctx, a.paths.AgentStorageDir, "*.jsonl")
	if err != nil {
		return nil, err
	}

	out := &arch.SessionTranscripts{}
	for _, p := range paths {
		class := a.IdentifyTranscriptFile(arch.TranscriptFile{FileName: p})
		if class == nil {
			continue
		}
		content, err := a.sb.ReadFile(ctx, p)
		if err != nil {
			a.logger.Warn("failed to read transcript", zap.String("path", p), zap.Error(err))
			continue
		}
		if content == nil {
			continue
		}
		if class.IsMain {
			out.Main = *content
			continue
		}
		if countNonEmptyLines(*content) <= 1 {
			continue
		}
		out.Subagents = append(out.Subagents, v1.SubagentTranscript{
			ID:      class.SubagentID,
			Content: *content,
		})
	}
	return out, nil
}

func frontmatter(name, description string) string {
	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("name: " + name + "\n")
	if description != "" {
		b.WriteString("description: " + description + "\n")
	}
	b.WriteString("---\n\n")
	return b.String()
}
