package agent

import (
	"strings"

	"github.com/ArchitectVS7/OpenClaw/internal/bus"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

// aggregator segments streamed model text into blocks (paragraph, fenced
// code, tool call) and publishes chat.delta / chat.block_end events as
// each block progresses. One aggregator serves one turn; not safe for
// concurrent use.
type aggregator struct {
	events     bus.Publisher
	sessionKey string
	runID      string

	index   int    // next block index to assign
	kind    string // kind of the open block, "" when closed
	open    bool
	pending string // text carried until a full line is available
}

func newAggregator(events bus.Publisher, sessionKey, runID string) *aggregator {
	return &aggregator{events: events, sessionKey: sessionKey, runID: runID}
}

// Write consumes one text delta. Complete lines are classified and
// emitted; the trailing partial line waits for more input or Flush.
func (a *aggregator) Write(text string) {
	a.pending += text
	for {
		nl := strings.IndexByte(a.pending, '\n')
		if nl < 0 {
			return
		}
		line := a.pending[:nl+1]
		a.pending = a.pending[nl+1:]
		a.line(line)
	}
}

func (a *aggregator) line(line string) {
	trimmed := strings.TrimSpace(line)
	fence := strings.HasPrefix(trimmed, "```")

	switch {
	case a.open && a.kind == protocol.BlockCode:
		a.emit(line)
		if fence {
			a.closeBlock()
		}
	case fence:
		a.closeBlock()
		a.openBlock(protocol.BlockCode)
		a.emit(line)
	case trimmed == "":
		// Paragraph boundary. Blank lines between blocks are dropped.
		a.closeBlock()
	default:
		if !a.open {
			a.openBlock(protocol.BlockText)
		}
		a.emit(line)
	}
}

// ToolCall closes any open block and emits a single-delta tool_call block.
func (a *aggregator) ToolCall(name string) {
	a.closeBlock()
	a.openBlock(protocol.BlockToolCall)
	a.emit(name)
	a.closeBlock()
}

// Flush drains the trailing partial line and closes the open block. Called
// at turn end and before tool dispatch.
func (a *aggregator) Flush() {
	if strings.TrimSpace(a.pending) != "" {
		if !a.open {
			a.openBlock(protocol.BlockText)
		}
		a.emit(a.pending)
	}
	a.pending = ""
	a.closeBlock()
}

func (a *aggregator) openBlock(kind string) {
	a.kind = kind
	a.open = true
}

func (a *aggregator) closeBlock() {
	if !a.open {
		return
	}
	a.events.Publish(bus.Event{
		Topic: protocol.EventChatBlockEnd,
		Payload: protocol.ChatBlockEnd{
			SessionKey: a.sessionKey,
			RunID:      a.runID,
			BlockIndex: a.index,
			Kind:       a.kind,
		},
	})
	a.index++
	a.open = false
	a.kind = ""
}

func (a *aggregator) emit(partial string) {
	a.events.Publish(bus.Event{
		Topic: protocol.EventChatDelta,
		Payload: protocol.ChatDelta{
			SessionKey: a.sessionKey,
			RunID:      a.runID,
			BlockIndex: a.index,
			Kind:       a.kind,
			Partial:    partial,
		},
	})
}
