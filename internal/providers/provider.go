// Package providers abstracts model backends behind a streaming chat
// interface and layers ordered-profile failover on top.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

// Role values for chat messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of provider input. Tool results travel as RoleTool
// messages referencing the call they answer.
type Message struct {
	Role      string          `json:"role"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCall      `json:"toolCalls,omitempty"`
	ToolID    string          `json:"toolId,omitempty"` // RoleTool: which call this answers
	IsError   bool            `json:"isError,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// ChatRequest is one model call.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// StreamChunk is one increment of a streaming response. Exactly one of the
// fields is meaningful per chunk.
type StreamChunk struct {
	Text     string    // text delta
	ToolCall *ToolCall // complete tool call (emitted at block close)
	Done     bool      // terminal chunk
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ChatResponse is the aggregated result of one call.
type ChatResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string // end_turn, tool_use, max_tokens
	Usage      Usage
}

// Provider is a model backend. ChatStream invokes onChunk for each delta on
// the calling goroutine and returns the aggregated response.
type Provider interface {
	Name() string
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)
}

// Error wraps a provider failure with a wire error kind so the failover
// chain can decide whether to advance profiles.
type Error struct {
	Kind string // protocol.ErrRateLimited, ErrAuthExpired, ErrModelTimeout, ErrModelUnavailable
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a kinded provider error.
func NewError(kind string, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the error kind, defaulting to ModelUnavailable for
// unclassified failures.
func KindOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.ErrModelTimeout
	}
	return protocol.ErrModelUnavailable
}

// DefaultCallTimeout bounds a single model call.
const DefaultCallTimeout = 10 * time.Minute
