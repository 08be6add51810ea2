// Package opencode adapts the OpenCode CLI family: session state exported as
// single JSON documents, profile assets under the opencode config directory,
// and JSON event output from the run command.
package opencode

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
	arch.Register(v1.ArchitectureOpenCode, func(sb sandbox.Sandbox, sessionID string) arch.Adapter {
		return New(sb, sessionID)
	})
}

// subagentFilePattern matches exported child session documents.
var subagentFilePattern = regexp.MustCompile(`^(ses_[A-Za-z0-9]+)\.json$`)

// Adapter implements the arch contract for the OpenCode family.
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
	return &Adapter{
		sb:        sb,
		sessionID: sessionID,
		paths: arch.Paths{
			AgentStorageDir:      path.Join(base.HomeDir, ".local", "share", "opencode", "export"),
			WorkspaceDir:         base.WorkspaceDir,
			ProfileDir:           path.Join(base.HomeDir, ".config", "opencode"),
			MainInstructionsFile: path.Join(base.WorkspaceDir, "AGENTS.md"),
		},
		logger: logger.Default().WithFields(
			zap.String("component", "opencode-adapter"),
			zap.String("session_id", sessionID),
		),
	}
}

func (a *Adapter) Architecture() v1.Architecture { return v1.ArchitectureOpenCode }

func (a *Adapter) Paths() arch.Paths { return a.paths }

// IdentifyTranscriptFile classifies files in the export directory. The main
// document is <sessionId>.json; child sessions keep their ses_ prefixed ids.
func (a *Adapter) IdentifyTranscriptFile(file arch.TranscriptFile) *arch.TranscriptClass {
	name := path.Base(file.FileName)
	if name == a.sessionID+".json" {
		return &arch.TranscriptClass{IsMain: true}
	}
	if m := subagentFilePattern.FindStringSubmatch(name); m != nil {
		return &arch.TranscriptClass{SubagentID: m[1]}
	}
	return nil
}

// SetupAgentProfile materializes profile assets with one bulk write:
// AGENTS.md, agent and command definitions, skills, the MCP config, and
// workspace defaults. Per-file failures are logged at warn and not fatal.
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
			Path:    path.Join(a.paths.ProfileDir, "agent", sub.Name+".md"),
			Content: frontmatter(sub.Description) + sub.Prompt,
		})
	}

	for _, cmd := range profile.Commands {
		files = append(files, sandbox.WriteRequest{
			Path:    path.Join(a.paths.ProfileDir, "command", cmd.Name+".md"),
			Content: cmd.Content,
		})
	}

	for _, skill := range profile.Skills {
		skillDir := path.Join(a.paths.ProfileDir, "skills", skill.Name)
		files = append(files, sandbox.WriteRequest{
			Path:    path.Join(skillDir, "SKILL.md"),
			Content: frontmatter(skill.Description) + skill.Body,
		})
		for _, f := range skill.Files {
			files = append(files, sandbox.WriteRequest{
				Path:    path.Join(skillDir, f.Path),
				Content: f.Content,
			})
		}
	}

	if len(profile.MCPServers) > 0 {
		cfg, err := json.MarshalIndent(map[string]any{"mcp": profile.MCPServers}, "", "  ")
		if err == nil {
			files = append(files, sandbox.WriteRequest{
				Path:    path.Join(a.paths.WorkspaceDir, "opencode.json"),
				Content: string(cfg),
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

// SetupSessionTranscripts recreates exported documents on a fresh sandbox.
func (a *Adapter) SetupSessionTranscripts(ctx context.Context, transcripts arch.SessionTranscripts) error {
	var files []sandbox.WriteRequest
	if transcripts.Main != "" {
		files = append(files, sandbox.WriteRequest{
			Path:    path.Join(a.paths.AgentStorageDir, a.sessionID+".json"),
			Content: transcripts.Main,
		})
	}
	for _, sub := range transcripts.Subagents {
		files = append(files, sandbox.WriteRequest{
			Path:    path.Join(a.paths.AgentStorageDir, sub.ID+".json"),
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

// ReadSessionTranscripts reads exported documents back verbatim, filtering
// placeholder child sessions.
func (a *Adapter) ReadSessionTranscripts(ctx context.Context) (*arch.SessionTranscripts, error) {
	paths, err := a.sb.ListFiles(ctx, a.paths.AgentStorageDir, "*.json")
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
		if isPlaceholder(parseDocument(*content)) {
			continue
		}
		out.Subagents = append(out.Subagents, v1.SubagentTranscript{
			ID:      class.SubagentID,
			Content: *content,
		})
	}
	return out, nil
}

func frontmatter(description string) string {
	var b strings.Builder
	b.WriteString("---\n")
	if description != "" {
		b.WriteString("description: " + description + "\n")
	}
	b.WriteString("---\n\n")
	return b.String()
}
