package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArchitectVS7/OpenClaw/internal/config"
)

func TestLoadProfileSeedsDocs(t *testing.T) {
	ws := t.TempDir()
	d := config.Default().Agents.Defaults

	p, err := LoadProfile(ws, "main", d)
	require.NoError(t, err)
	assert.Equal(t, "main", p.Lane)
	assert.Contains(t, p.SystemPrompt, "# SOUL")
	assert.Contains(t, p.SystemPrompt, "# TOOLS")

	for _, name := range []string{SoulFile, MemoryFile, ToolsFile} {
		_, err := os.Stat(filepath.Join(ProfileDir(ws, "main"), name))
		assert.NoError(t, err, name)
	}
}

func TestLoadProfileKeepsExistingDocs(t *testing.T) {
	ws := t.TempDir()
	dir := ProfileDir(ws, "main")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, SoulFile), []byte("custom persona"), 0o644))

	p, err := LoadProfile(ws, "main", config.Default().Agents.Defaults)
	require.NoError(t, err)
	assert.Contains(t, p.SystemPrompt, "custom persona")
	assert.NotContains(t, p.SystemPrompt, "# SOUL")
}

func TestLoadProfileLaneOverride(t *testing.T) {
	d := config.Default().Agents.Defaults
	d.Lane = "browser"
	p, err := LoadProfile(t.TempDir(), "research", d)
	require.NoError(t, err)
	assert.Equal(t, "browser", p.Lane)
}
