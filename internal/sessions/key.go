// Package sessions — session key builder, parser, and the append-only
// per-session log with its token-bounded cache.
//
// Session keys follow the canonical grammar:
//
//	agent:(main|sub):{provider}:(dm|group|channel):{userId}[:thread:{n}]
//
// Examples:
//
//	agent:main:telegram:dm:u42
//	agent:main:discord:group:-100123456
//	agent:sub:telegram:dm:u42:thread:3
package sessions

import (
	"fmt"
	"strconv"
	"strings"
)

// AgentScope distinguishes the primary agent from spawned sub-agents.
type AgentScope string

const (
	ScopeMain AgentScope = "main"
	ScopeSub  AgentScope = "sub"
)

// PeerKind classifies the conversation target.
type PeerKind string

const (
	PeerDM      PeerKind = "dm"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

// Key is a parsed session key.
type Key struct {
	Scope    AgentScope
	Provider string
	Kind     PeerKind
	UserID   string
	Thread   int // 0 = no thread suffix
}

// String renders the canonical form.
func (k Key) String() string {
	base := fmt.Sprintf("agent:%s:%s:%s:%s", k.Scope, k.Provider, k.Kind, k.UserID)
	if k.Thread > 0 {
		return fmt.Sprintf("%s:thread:%d", base, k.Thread)
	}
	return base
}

// BuildKey builds the canonical key for a channel conversation.
func BuildKey(scope AgentScope, provider string, kind PeerKind, userID string) string {
	return Key{Scope: scope, Provider: provider, Kind: kind, UserID: userID}.String()
}

// BuildThreadKey builds the key for a thread within the same correspondent.
// Whether threads coalesce into the parent session is an adapter choice;
// adapters that coalesce simply never pass a thread id.
func BuildThreadKey(scope AgentScope, provider string, kind PeerKind, userID string, thread int) string {
	return Key{Scope: scope, Provider: provider, Kind: kind, UserID: userID, Thread: thread}.String()
}

// ParseKey validates and decomposes a session key.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 && len(parts) != 7 {
		return Key{}, fmt.Errorf("session key %q: expected 5 or 7 segments", s)
	}
	if parts[0] != "agent" {
		return Key{}, fmt.Errorf("session key %q: must start with agent:", s)
	}

	k := Key{
		Scope:    AgentScope(parts[1]),
		Provider: parts[2],
		Kind:     PeerKind(parts[3]),
		UserID:   parts[4],
	}
	if k.Scope != ScopeMain && k.Scope != ScopeSub {
		return Key{}, fmt.Errorf("session key %q: scope must be main or sub", s)
	}
	if !isLowerAlnum(k.Provider) {
		return Key{}, fmt.Errorf("session key %q: provider must be lowercase alphanumeric", s)
	}
	switch k.Kind {
	case PeerDM, PeerGroup, PeerChannel:
	default:
		return Key{}, fmt.Errorf("session key %q: kind must be dm, group, or channel", s)
	}
	if k.UserID == "" {
		return Key{}, fmt.Errorf("session key %q: empty userId", s)
	}

	if len(parts) == 7 {
		if parts[5] != "thread" {
			return Key{}, fmt.Errorf("session key %q: expected thread suffix", s)
		}
		n, err := strconv.Atoi(parts[6])
		if err != nil || n < 1 {
			return Key{}, fmt.Errorf("session key %q: thread index must be a positive integer", s)
		}
		k.Thread = n
	}
	return k, nil
}

// Valid reports whether s parses as a canonical session key.
func Valid(s string) bool {
	_, err := ParseKey(s)
	return err == nil
}

func isLowerAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// SafeFilename maps a session key to its on-disk log name.
func SafeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
