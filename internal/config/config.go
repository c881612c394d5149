// Package config holds the declarative gateway configuration: parsing
// (JSON5), validation, defaults, env overlay, and hot-reload.
//
// A Config value is immutable once loaded. Live consumers read through the
// Manager, which swaps an atomic pointer on successful reload; a failed
// reload keeps the previous value.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// DefaultAgentID names the implicit agent when none is configured.
const DefaultAgentID = "main"

// Config is the root of the declarative configuration.
type Config struct {
	Agents   AgentsConfig             `json:"agents"`
	Gateway  GatewayConfig            `json:"gateway"`
	Channels map[string]ChannelConfig `json:"channels,omitempty"`
	Lanes    map[string]LaneConfig    `json:"lanes,omitempty"`
	Cron     CronConfig               `json:"cron,omitempty"`
	Tools    ToolsConfig              `json:"tools,omitempty"`
}

// AgentsConfig holds shared defaults plus per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
	List     []AgentSpec   `json:"list,omitempty"`
}

// AgentDefaults apply to every agent unless overridden in the list.
type AgentDefaults struct {
	Model             string             `json:"model"`
	Workspace         string             `json:"workspace"`
	ContextWindow     int                `json:"contextWindow,omitempty"`
	MaxTokens         int                `json:"maxTokens,omitempty"`
	MaxToolIterations int                `json:"maxToolIterations,omitempty"`
	Lane              string             `json:"lane,omitempty"`
	ContextManagement *ContextManagement `json:"contextManagement,omitempty"`
	Sandbox           SandboxConfig      `json:"sandbox,omitempty"`
}

// AgentSpec is a per-agent override; zero values inherit from defaults.
type AgentSpec struct {
	ID                string             `json:"id"`
	Model             string             `json:"model,omitempty"`
	Workspace         string             `json:"workspace,omitempty"`
	ContextWindow     int                `json:"contextWindow,omitempty"`
	MaxTokens         int                `json:"maxTokens,omitempty"`
	MaxToolIterations int                `json:"maxToolIterations,omitempty"`
	Lane              string             `json:"lane,omitempty"`
	ContextManagement *ContextManagement `json:"contextManagement,omitempty"`
	Tools             *ToolsConfig       `json:"tools,omitempty"`
}

// ContextManagement is the master switch plus knobs for the context engine's
// advanced paths. Disabled means plain token-trim only.
type ContextManagement struct {
	Enabled         bool                  `json:"enabled"`
	Budget          BudgetConfig          `json:"budget,omitempty"`
	RollingSummary  RollingSummaryConfig  `json:"rollingSummary,omitempty"`
	SemanticHistory SemanticHistoryConfig `json:"semanticHistory,omitempty"`
}

// BudgetConfig are the token budget ratios. They need not sum to 1; the
// remainder becomes reserve.
type BudgetConfig struct {
	SystemPromptRatio float64 `json:"systemPromptRatio,omitempty"`
	BootstrapRatio    float64 `json:"bootstrapRatio,omitempty"`
	HistoryRatio      float64 `json:"historyRatio,omitempty"`
	ResponseRatio     float64 `json:"responseRatio,omitempty"`
	MinResponseTokens int     `json:"minResponseTokens,omitempty"`
}

// RollingSummaryConfig controls the rolling-summary compactor.
type RollingSummaryConfig struct {
	Enabled          bool `json:"enabled"`
	WindowSize       int  `json:"windowSize,omitempty"`       // recent user turns kept verbatim
	SummaryMaxTokens int  `json:"summaryMaxTokens,omitempty"` // cap on the produced summary
	TriggerThreshold int  `json:"triggerThreshold,omitempty"` // absolute token trigger
}

// SemanticHistoryConfig controls retrieval of prior context.
type SemanticHistoryConfig struct {
	Enabled            bool    `json:"enabled"`
	MaxRetrievedChunks int     `json:"maxRetrievedChunks,omitempty"`
	MinRelevanceScore  float64 `json:"minRelevanceScore,omitempty"`
}

// SandboxConfig selects which sessions run sandboxed shell execution.
type SandboxConfig struct {
	Mode string `json:"mode,omitempty"` // "host" (default) or "non-main"
}

// GatewayConfig configures the WebSocket listener.
type GatewayConfig struct {
	Bind      string `json:"bind,omitempty"` // default 127.0.0.1
	Port      int    `json:"port,omitempty"` // default 18789
	AuthToken string `json:"authToken,omitempty"`
	TLSCert   string `json:"tlsCert,omitempty"` // required for non-loopback binds
	TLSKey    string `json:"tlsKey,omitempty"`
}

// ChannelConfig is the per-provider section under the open-ended channels
// mapping. Provider ids are declared by each adapter; unknown keys are kept
// and validated when the adapter attaches.
type ChannelConfig struct {
	Enabled        bool                `json:"enabled,omitempty"`
	DMPolicy       string              `json:"dmPolicy,omitempty"` // pairing (default), open, closed
	DMHistoryLimit int                 `json:"dmHistoryLimit,omitempty"`
	Allowlist      []string            `json:"allowlist,omitempty"`
	DMs            map[string]DMConfig `json:"dms,omitempty"` // per-correspondent overrides

	// Adapter-specific settings pass through opaquely.
	Settings map[string]any `json:"settings,omitempty"`
}

// DMConfig overrides settings for a single correspondent.
type DMConfig struct {
	HistoryLimit int `json:"historyLimit,omitempty"`
}

// LaneConfig bounds concurrency for one named lane.
type LaneConfig struct {
	Concurrency int `json:"concurrency"`
}

// CronConfig lists scheduled session triggers.
type CronConfig struct {
	Jobs []CronJob `json:"jobs,omitempty"`
}

// CronJob injects a synthetic inbound message on a schedule.
type CronJob struct {
	Name       string `json:"name"`
	Schedule   string `json:"schedule"` // cron expression
	SessionKey string `json:"sessionKey"`
	Message    string `json:"message"`
}

// ToolsConfig is the tool policy plus execution knobs.
type ToolsConfig struct {
	Allow            []string `json:"allow,omitempty"`
	Deny             []string `json:"deny,omitempty"`
	RequiresApproval []string `json:"requiresApproval,omitempty"`
	ExecTimeoutSec   int      `json:"execTimeoutSec,omitempty"`   // default 60
	ApprovalTTLMin   int      `json:"approvalTTLMin,omitempty"`   // default 15
	ModelTimeoutMin  int      `json:"modelTimeoutMin,omitempty"`  // default 10
}

// ResolveAgent merges defaults with the per-agent override.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	d := c.Agents.Defaults
	for _, spec := range c.Agents.List {
		if spec.ID != agentID {
			continue
		}
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if spec.Workspace != "" {
			d.Workspace = spec.Workspace
		}
		if spec.ContextWindow > 0 {
			d.ContextWindow = spec.ContextWindow
		}
		if spec.MaxTokens > 0 {
			d.MaxTokens = spec.MaxTokens
		}
		if spec.MaxToolIterations > 0 {
			d.MaxToolIterations = spec.MaxToolIterations
		}
		if spec.Lane != "" {
			d.Lane = spec.Lane
		}
		if spec.ContextManagement != nil {
			d.ContextManagement = spec.ContextManagement
		}
		break
	}
	return d
}

// AgentIDs lists configured agents, always including the default.
func (c *Config) AgentIDs() []string {
	ids := []string{DefaultAgentID}
	for _, spec := range c.Agents.List {
		if spec.ID != DefaultAgentID && spec.ID != "" {
			ids = append(ids, spec.ID)
		}
	}
	return ids
}

// Channel returns the section for one provider id; missing providers get
// the defaults (dmPolicy pairing, no allowlist).
func (c *Config) Channel(provider string) ChannelConfig {
	if cc, ok := c.Channels[provider]; ok {
		return cc
	}
	return ChannelConfig{}
}

// DMHistoryLimitFor resolves the per-correspondent history limit with the
// channel-wide limit as fallback.
func (c *Config) DMHistoryLimitFor(provider, userID string) int {
	cc := c.Channel(provider)
	if dm, ok := cc.DMs[userID]; ok && dm.HistoryLimit > 0 {
		return dm.HistoryLimit
	}
	return cc.DMHistoryLimit
}

// LaneConcurrency flattens the lanes section for the scheduler.
func (c *Config) LaneConcurrency() map[string]int {
	out := make(map[string]int, len(c.Lanes))
	for name, lane := range c.Lanes {
		out[name] = lane.Concurrency
	}
	return out
}

// Hash fingerprints the config for change detection and optimistic
// concurrency on config.update.
func (c *Config) Hash() string {
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// Equal compares two configs by canonical JSON form.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	a, _ := json.Marshal(c)
	b, _ := json.Marshal(other)
	return string(a) == string(b)
}
