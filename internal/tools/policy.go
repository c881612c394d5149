package tools

import (
	"log/slog"
	"strings"
)

// Access is a policy verdict for one tool invocation.
type Access int

const (
	// AccessAllow runs the tool immediately.
	AccessAllow Access = iota
	// AccessDeny refuses the invocation.
	AccessDeny
	// AccessRequiresApproval suspends the invocation until the operator
	// grants or denies it.
	AccessRequiresApproval
)

// Tool groups expand "group:x" entries in policy specs.
var toolGroups = map[string][]string{
	"fs":       {"read_file", "write_file", "list_files"},
	"runtime":  {"exec"},
	"memory":   {"memory_search"},
	"sessions": {"sessions_list", "sessions_history", "sessions_send"},
}

// defaultApprovalRequired are tools gated on operator approval unless the
// policy explicitly allows them.
var defaultApprovalRequired = map[string]bool{
	"exec": true,
}

// PolicySpec is the config shape: allow/deny/requiresApproval lists, each
// entry a tool name or "group:x".
type PolicySpec struct {
	Allow            []string `json:"allow,omitempty"`
	Deny             []string `json:"deny,omitempty"`
	RequiresApproval []string `json:"requiresApproval,omitempty"`
}

// PolicyEngine evaluates tool access from a static spec. Deny wins over
// approval, approval over allow.
type PolicyEngine struct {
	deny     map[string]bool
	approval map[string]bool
	allow    map[string]bool // empty = everything registered is allowed
}

// NewPolicyEngine compiles a spec.
func NewPolicyEngine(spec PolicySpec) *PolicyEngine {
	pe := &PolicyEngine{
		deny:     expandSpec(spec.Deny),
		approval: expandSpec(spec.RequiresApproval),
		allow:    expandSpec(spec.Allow),
	}
	for name := range defaultApprovalRequired {
		if !pe.allow[name] && !pe.approval[name] {
			pe.approval[name] = true
		}
	}
	return pe
}

// Check returns the verdict for one tool.
func (pe *PolicyEngine) Check(name string) Access {
	switch {
	case pe.deny[name]:
		return AccessDeny
	case pe.approval[name]:
		return AccessRequiresApproval
	case len(pe.allow) > 0 && !pe.allow[name]:
		slog.Debug("tools.policy_not_listed", "tool", name)
		return AccessDeny
	default:
		return AccessAllow
	}
}

// Filter returns the registered tool names the model may see: everything
// except denied tools. Approval-gated tools stay visible — the gate fires
// at execution time.
func (pe *PolicyEngine) Filter(registry *Registry) []string {
	var out []string
	for _, name := range registry.List() {
		if pe.Check(name) != AccessDeny {
			out = append(out, name)
		}
	}
	return out
}

func expandSpec(spec []string) map[string]bool {
	out := make(map[string]bool)
	for _, s := range spec {
		if group, ok := strings.CutPrefix(s, "group:"); ok {
			members, known := toolGroups[group]
			if !known {
				slog.Warn("tools.unknown_group", "group", group)
				continue
			}
			for _, m := range members {
				out[m] = true
			}
			continue
		}
		out[s] = true
	}
	return out
}
