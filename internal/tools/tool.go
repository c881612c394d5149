// Package tools is the agent's tool surface: a registry of named tools with
// JSON-schema argument validation, an allow/deny/approval policy layer, and
// the approval broker that gates sensitive invocations on operator consent.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is one callable capability exposed to the model. Schema returns the
// JSON-schema for the arguments object; the top level must be object-typed.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Result is the unified return type from tool execution.
type Result struct {
	Content string `json:"content"`           // content sent to the model
	ForUser string `json:"for_user,omitempty"` // content shown to the user
	IsError bool   `json:"is_error"`
	Err     error  `json:"-"` // internal error, not serialised
}

func NewResult(content string) *Result {
	return &Result{Content: content}
}

func ErrorResult(message string) *Result {
	return &Result{Content: message, IsError: true}
}

func UserResult(content string) *Result {
	return &Result{Content: content, ForUser: content}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

// Registry maps tool names to implementations. Schemas are compiled at
// registration so invalid descriptors fail fast, at startup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its argument schema.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	schema := t.Schema()
	if typ, _ := schema["type"].(string); typ != "object" {
		return fmt.Errorf("tool %s: schema top level must be object-typed", name)
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("tool %s: marshal schema: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("tool %s: add schema: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s: already registered", name)
	}
	r.tools[name] = t
	r.schemas[name] = compiled
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks raw argument JSON against the tool's schema. The returned
// error message is surfaced to the model as a synthetic tool result, so it
// names the violating path.
func (r *Registry) Validate(name string, rawArgs json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}
	if len(rawArgs) == 0 {
		rawArgs = json.RawMessage(`{}`)
	}
	var value any
	if err := json.Unmarshal(rawArgs, &value); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("arguments do not match schema for %s: %w", name, err)
	}
	return nil
}
