package config

import (
	"fmt"
	"net"

	"github.com/adhocore/gronx"
)

// ValidationError names the config path that failed, so operators can find
// the offending line.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config invalid at %s: %s", e.Path, e.Message)
}

func invalid(path, format string, args ...any) error {
	return &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)}
}

var dmPolicies = map[string]bool{"": true, "pairing": true, "open": true, "closed": true}

// Validate checks the whole document. The first violation wins; hot-reload
// keeps the previous config when this fails.
func (c *Config) Validate() error {
	if c.Agents.Defaults.Model == "" {
		return invalid("agents.defaults.model", "must not be empty")
	}
	if c.Agents.Defaults.Workspace == "" {
		return invalid("agents.defaults.workspace", "must not be empty")
	}
	if c.Agents.Defaults.ContextWindow < 0 {
		return invalid("agents.defaults.contextWindow", "must be >= 0")
	}

	if cm := c.Agents.Defaults.ContextManagement; cm != nil {
		if err := cm.Budget.validate("agents.defaults.contextManagement.budget"); err != nil {
			return err
		}
	}
	for i, spec := range c.Agents.List {
		if spec.ID == "" {
			return invalid(fmt.Sprintf("agents.list[%d].id", i), "must not be empty")
		}
		if cm := spec.ContextManagement; cm != nil {
			path := fmt.Sprintf("agents.list[%d].contextManagement.budget", i)
			if err := cm.Budget.validate(path); err != nil {
				return err
			}
		}
	}

	switch mode := c.Agents.Defaults.Sandbox.Mode; mode {
	case "", "host", "non-main":
	default:
		return invalid("agents.defaults.sandbox.mode", "must be host or non-main, got %q", mode)
	}

	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return invalid("gateway.port", "must be in 0..65535, got %d", c.Gateway.Port)
	}
	if bind := c.Gateway.Bind; bind != "" && bind != "localhost" {
		if ip := net.ParseIP(bind); ip == nil {
			return invalid("gateway.bind", "not a valid IP address: %q", bind)
		}
	}

	for provider, cc := range c.Channels {
		if !dmPolicies[cc.DMPolicy] {
			return invalid("channels."+provider+".dmPolicy",
				"must be pairing, open, or closed, got %q", cc.DMPolicy)
		}
		if cc.DMHistoryLimit < 0 {
			return invalid("channels."+provider+".dmHistoryLimit", "must be >= 0")
		}
	}

	for name, lane := range c.Lanes {
		if lane.Concurrency < 1 {
			return invalid("lanes."+name+".concurrency", "must be >= 1, got %d", lane.Concurrency)
		}
	}

	g := gronx.New()
	for i, job := range c.Cron.Jobs {
		path := fmt.Sprintf("cron.jobs[%d]", i)
		if job.Name == "" {
			return invalid(path+".name", "must not be empty")
		}
		if !g.IsValid(job.Schedule) {
			return invalid(path+".schedule", "not a valid cron expression: %q", job.Schedule)
		}
		if job.SessionKey == "" {
			return invalid(path+".sessionKey", "must not be empty")
		}
	}
	return nil
}

func (b BudgetConfig) validate(path string) error {
	ratios := map[string]float64{
		"systemPromptRatio": b.SystemPromptRatio,
		"bootstrapRatio":    b.BootstrapRatio,
		"historyRatio":      b.HistoryRatio,
		"responseRatio":     b.ResponseRatio,
	}
	sum := 0.0
	for name, r := range ratios {
		if r < 0 || r > 1 {
			return invalid(path+"."+name, "must be in [0,1], got %g", r)
		}
		sum += r
	}
	if sum > 1.0001 {
		return invalid(path, "ratios sum to %g, must be <= 1", sum)
	}
	if b.MinResponseTokens < 0 {
		return invalid(path+".minResponseTokens", "must be >= 0")
	}
	return nil
}
