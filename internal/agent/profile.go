package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ArchitectVS7/OpenClaw/internal/config"
)

// Bootstrap document names under agents/<id>/agent/.
const (
	SoulFile   = "SOUL.md"
	MemoryFile = "MEMORY.md"
	ToolsFile  = "TOOLS.md"
)

var defaultDocs = map[string]string{
	SoulFile: `# SOUL

You are a capable personal assistant. Be direct and concise. Prefer doing
over explaining. When a task needs a tool, use it; when you are unsure,
ask one short question instead of guessing.
`,
	MemoryFile: `# MEMORY

Durable notes about the operator and ongoing work live here. Update this
file through the workspace tools when you learn something worth keeping.
`,
	ToolsFile: `# TOOLS

Notes on tool usage conventions for this agent. Shell commands run in the
agent workspace; destructive operations require operator approval.
`,
}

// Profile is one agent's resolved runtime identity: model settings from
// config plus the bootstrap documents from its profile directory.
type Profile struct {
	ID            string
	Model         string
	ContextWindow int
	MaxTokens     int
	MaxIterations int
	Lane          string
	Dir           string // agents/<id>/agent
	SystemPrompt  string // base prompt + bootstrap documents
}

// ProfileDir returns the profile directory for an agent under the
// workspace root.
func ProfileDir(workspace, agentID string) string {
	return filepath.Join(workspace, "agents", agentID, "agent")
}

// LoadProfile resolves an agent's profile: seeds missing bootstrap
// documents on first use, reads them, and composes the system prompt.
func LoadProfile(workspace, agentID string, d config.AgentDefaults) (*Profile, error) {
	dir := ProfileDir(workspace, agentID)
	if err := seedDocs(dir); err != nil {
		return nil, fmt.Errorf("seed agent profile %s: %w", agentID, err)
	}

	var sections []string
	for _, name := range []string{SoulFile, MemoryFile, ToolsFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s for agent %s: %w", name, agentID, err)
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			sections = append(sections, text)
		}
	}

	lane := d.Lane
	if lane == "" {
		lane = agentID
	}
	return &Profile{
		ID:            agentID,
		Model:         d.Model,
		ContextWindow: d.ContextWindow,
		MaxTokens:     d.MaxTokens,
		MaxIterations: d.MaxToolIterations,
		Lane:          lane,
		Dir:           dir,
		SystemPrompt:  strings.Join(sections, "\n\n"),
	}, nil
}

// seedDocs creates missing bootstrap documents without touching existing
// ones. O_EXCL makes concurrent first turns race-safe.
func seedDocs(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, content := range defaultDocs {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return err
		}
		_, werr := f.WriteString(content)
		cerr := f.Close()
		if werr != nil {
			return werr
		}
		if cerr != nil {
			return cerr
		}
	}
	return nil
}
