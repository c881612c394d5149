package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the loopback WebSocket listener port.
const DefaultPort = 18789

// Default returns a Config with every knob at its documented default.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Model:             "claude-sonnet-4-5",
				Workspace:         "~/.openclaw",
				ContextWindow:     200000,
				MaxTokens:         8192,
				MaxToolIterations: 20,
				ContextManagement: &ContextManagement{
					Enabled: true,
					Budget: BudgetConfig{
						SystemPromptRatio: 0.15,
						BootstrapRatio:    0.10,
						HistoryRatio:      0.45,
						ResponseRatio:     0.20,
						MinResponseTokens: 1024,
					},
					RollingSummary: RollingSummaryConfig{
						Enabled:          true,
						WindowSize:       4,
						SummaryMaxTokens: 1024,
						TriggerThreshold: 60000,
					},
					SemanticHistory: SemanticHistoryConfig{
						Enabled:            false,
						MaxRetrievedChunks: 5,
						MinRelevanceScore:  0.35,
					},
				},
				Sandbox: SandboxConfig{Mode: "host"},
			},
		},
		Gateway: GatewayConfig{
			Bind: "127.0.0.1",
			Port: DefaultPort,
		},
		Tools: ToolsConfig{
			ExecTimeoutSec:  60,
			ApprovalTTLMin:  15,
			ModelTimeoutMin: 10,
		},
	}
}

// configNames are tried in order when no explicit path is given.
var configNames = []string{"openclaw.json", "openclaw.json5", "openclaw.yaml"}

// FindPath resolves the config file: explicit flag, then OPENCLAW_CONFIG,
// then the first recognised name in the workspace root.
func FindPath(explicit, workspace string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv("OPENCLAW_CONFIG"); v != "" {
		return v
	}
	for _, name := range configNames {
		p := filepath.Join(ExpandHome(workspace), name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(ExpandHome(workspace), configNames[0])
}

// Load reads and parses the config file, overlays env vars, and validates.
// A missing file yields the defaults (still env-overlaid and validated).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := unmarshalConfig(path, data, cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// unmarshalConfig decodes by file extension: YAML for .yaml/.yml,
// JSON5 otherwise. YAML goes through a generic document and a JSON
// round-trip so the struct's json tags drive the field mapping.
func unmarshalConfig(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
		return nil
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
		return nil
	}
}

// Parse decodes a config document from raw bytes (config.update path).
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays OPENCLAW_* env vars; env wins over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("OPENCLAW_GATEWAY_TOKEN", &c.Gateway.AuthToken)
	envStr("OPENCLAW_BIND", &c.Gateway.Bind)
	envStr("OPENCLAW_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("OPENCLAW_MODEL", &c.Agents.Defaults.Model)
	if v := os.Getenv("OPENCLAW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
}

// Save writes the config as indented JSON, 0600 since it may carry the
// gateway token.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

const secretMask = "***"

// MaskedCopy deep-copies the config with secrets masked, for config.get.
func (c *Config) MaskedCopy() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return Default()
	}
	cp := &Config{}
	if err := json.Unmarshal(data, cp); err != nil {
		return Default()
	}
	if cp.Gateway.AuthToken != "" {
		cp.Gateway.AuthToken = secretMask
	}
	return cp
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// WorkspacePath returns the expanded, absolute workspace root.
func (c *Config) WorkspacePath() string {
	ws := ExpandHome(c.Agents.Defaults.Workspace)
	if !filepath.IsAbs(ws) {
		if abs, err := filepath.Abs(ws); err == nil {
			ws = abs
		}
	}
	return ws
}
