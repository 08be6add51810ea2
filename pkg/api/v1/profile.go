package v1

// AgentProfile declares an agent's working environment. Immutable after load.
type AgentProfile struct {
	Identifier       string          `json:"identifier" yaml:"identifier"`
	MainInstructions string          `json:"mainInstructions,omitempty" yaml:"mainInstructions"`
	Subagents        []SubagentDef   `json:"subagents,omitempty" yaml:"subagents"`
	Commands         []CommandPrompt `json:"commands,omitempty" yaml:"commands"`
	Skills           []Skill         `json:"skills,omitempty" yaml:"skills"`
	WorkspaceFiles   []ProfileFile   `json:"workspaceFiles,omitempty" yaml:"workspaceFiles"`
	MCPServers       map[string]any  `json:"mcpServers,omitempty" yaml:"mcpServers"`
}

// SubagentDef describes a sub-agent the main agent can delegate to.
type SubagentDef struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Prompt      string `json:"prompt" yaml:"prompt"`
}

// CommandPrompt is a named reusable prompt.
type CommandPrompt struct {
	Name    string `json:"name" yaml:"name"`
	Content string `json:"content" yaml:"content"`
}

// Skill is a named capability with an instruction body and supporting files.
type Skill struct {
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description"`
	Body        string        `json:"body" yaml:"body"`
	Files       []ProfileFile `json:"files,omitempty" yaml:"files"`
}

// ProfileFile is a file materialized into the sandbox, path relative to its
// destination root.
type ProfileFile struct {
	Path    string `json:"path" yaml:"path"`
	Content string `json:"content" yaml:"content"`
}
