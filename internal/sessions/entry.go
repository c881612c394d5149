package sessions

import (
	"encoding/json"
	"time"
)

// Entry types. Unknown values are preserved on load and skipped by
// selection logic — the log schema is forward-compatible.
const (
	EntryUser             = "user"
	EntryAssistant        = "assistant"
	EntryToolCall         = "tool_call"
	EntryToolResult       = "tool_result"
	EntryToolFailed       = "tool_failed"
	EntrySummary          = "summary"
	EntryMessageTruncated = "message_truncated"
)

// Entry is one line of a session log. Seq numbers are dense and gap-free
// per session; existing lines are never rewritten.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"ts"`
}

// MessageData is the payload of user and assistant entries.
type MessageData struct {
	Text string `json:"text"`
}

// ToolCallData is the payload of tool_call entries.
type ToolCallData struct {
	CallID string          `json:"callId"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
}

// ToolResultData is the payload of tool_result and tool_failed entries.
type ToolResultData struct {
	CallID  string `json:"callId"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}

// SummaryData is the payload of summary entries. A newer summary covering a
// larger prefix supersedes the prior one by referencing its seq; the old
// line is never rewritten.
type SummaryData struct {
	Text           string `json:"text"`
	CoversToSeq    uint64 `json:"coversToSeq"`
	CoversTurns    int    `json:"coversTurns"`
	OriginalTokens int    `json:"originalTokens"`
	Model          string `json:"model,omitempty"`
	Supersedes     uint64 `json:"supersedes,omitempty"`
}

func newEntry(typ string, data any) (Entry, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Type: typ, Data: raw, Timestamp: time.Now().UTC()}, nil
}

// UserEntry builds an unsequenced user entry (seq assigned on append).
func UserEntry(text string) Entry {
	e, _ := newEntry(EntryUser, MessageData{Text: text})
	return e
}

// AssistantEntry builds an unsequenced assistant entry.
func AssistantEntry(text string) Entry {
	e, _ := newEntry(EntryAssistant, MessageData{Text: text})
	return e
}

// ToolCallEntry builds an unsequenced tool_call entry.
func ToolCallEntry(callID, name string, args json.RawMessage) Entry {
	e, _ := newEntry(EntryToolCall, ToolCallData{CallID: callID, Name: name, Args: args})
	return e
}

// ToolResultEntry builds an unsequenced tool_result entry.
func ToolResultEntry(callID, name, content string, isErr bool) Entry {
	e, _ := newEntry(EntryToolResult, ToolResultData{CallID: callID, Name: name, Content: content, IsError: isErr})
	return e
}

// ToolFailedEntry builds the terminal entry for a tool call that will never
// produce a result (cancellation, timeout).
func ToolFailedEntry(callID, name, reason string) Entry {
	e, _ := newEntry(EntryToolFailed, ToolResultData{CallID: callID, Name: name, Content: reason, IsError: true})
	return e
}

// SummaryEntry builds an unsequenced rolling-summary entry.
func SummaryEntry(d SummaryData) Entry {
	e, _ := newEntry(EntrySummary, d)
	return e
}

// TruncatedEntry marks a cancelled turn.
func TruncatedEntry(reason string) Entry {
	e, _ := newEntry(EntryMessageTruncated, MessageData{Text: reason})
	return e
}

// Message decodes a user/assistant payload. Returns zero value for other types.
func (e Entry) Message() MessageData {
	var d MessageData
	_ = json.Unmarshal(e.Data, &d)
	return d
}

// Summary decodes a summary payload.
func (e Entry) Summary() SummaryData {
	var d SummaryData
	_ = json.Unmarshal(e.Data, &d)
	return d
}

// ToolCall decodes a tool_call payload.
func (e Entry) ToolCall() ToolCallData {
	var d ToolCallData
	_ = json.Unmarshal(e.Data, &d)
	return d
}

// ToolResult decodes a tool_result/tool_failed payload.
func (e Entry) ToolResult() ToolResultData {
	var d ToolResultData
	_ = json.Unmarshal(e.Data, &d)
	return d
}
