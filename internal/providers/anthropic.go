package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

// Anthropic streams chat completions through the official SDK. Safe for
// concurrent use.
type Anthropic struct {
	client anthropic.Client
	label  string
}

// AnthropicOptions configures one Anthropic client. Label distinguishes
// auth profiles in logs without exposing the key.
type AnthropicOptions struct {
	APIKey  string
	BaseURL string
	Label   string
}

// NewAnthropic builds a provider from one auth profile.
func NewAnthropic(opts AnthropicOptions) (*Anthropic, error) {
	if opts.APIKey == "" {
		return nil, errors.New("anthropic: api key required")
	}
	ro := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		ro = append(ro, option.WithBaseURL(opts.BaseURL))
	}
	label := opts.Label
	if label == "" {
		label = "anthropic"
	}
	return &Anthropic{client: anthropic.NewClient(ro...), label: label}, nil
}

func (p *Anthropic) Name() string { return p.label }

// ChatStream runs one streaming model call. onChunk fires for each text
// delta and for each completed tool call block.
func (p *Anthropic) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  convertMessages(req.Messages),
		MaxTokens: int64(req.MaxTokens),
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = 4096
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	resp := &ChatResponse{StopReason: "end_turn"}
	var text strings.Builder
	var pendingTool *ToolCall
	var pendingInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			resp.Usage.InputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				pendingTool = &ToolCall{ID: use.ID, Name: use.Name}
				pendingInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					onChunk(StreamChunk{Text: delta.Text})
				}
			case "input_json_delta":
				pendingInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if pendingTool != nil {
				args := pendingInput.String()
				if args == "" {
					args = "{}"
				}
				pendingTool.Args = json.RawMessage(args)
				resp.ToolCalls = append(resp.ToolCalls, *pendingTool)
				onChunk(StreamChunk{ToolCall: pendingTool})
				pendingTool = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Delta.StopReason != "" {
				resp.StopReason = string(md.Delta.StopReason)
			}
			if md.Usage.OutputTokens > 0 {
				resp.Usage.OutputTokens = int(md.Usage.OutputTokens)
			}

		case "message_stop":
			resp.Content = text.String()
			onChunk(StreamChunk{Done: true})
			return resp, nil

		case "error":
			return nil, p.classify(errors.New("anthropic: stream error"))
		}
	}

	if err := stream.Err(); err != nil {
		return nil, p.classify(err)
	}
	// Stream ended without message_stop; return what accumulated.
	resp.Content = text.String()
	slog.Warn("provider.stream_truncated", "provider", p.label)
	return resp, nil
}

// classify maps SDK failures to wire error kinds for the failover chain.
func (p *Anthropic) classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(protocol.ErrModelTimeout, err)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return NewError(protocol.ErrRateLimited, err)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return NewError(protocol.ErrAuthExpired, err)
		case apiErr.StatusCode >= 500:
			return NewError(protocol.ErrModelUnavailable, err)
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429") {
		return NewError(protocol.ErrRateLimited, err)
	}
	return NewError(protocol.ErrModelUnavailable, err)
}

func convertMessages(messages []Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		switch msg.Role {
		case RoleTool:
			content = append(content, anthropic.NewToolResultBlock(msg.ToolID, msg.Content, msg.IsError))
			result = append(result, anthropic.NewUserMessage(content...))
		case RoleAssistant:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(tc.Args, &input); err != nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) > 0 {
				result = append(result, anthropic.NewAssistantMessage(content...))
			}
		default:
			content = append(content, anthropic.NewTextBlock(msg.Content))
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result
}

func convertTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, t := range tools {
		raw, err := json.Marshal(t.Schema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: marshal schema: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("tool %s: invalid schema: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool %s: missing tool definition", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		result = append(result, param)
	}
	return result, nil
}
