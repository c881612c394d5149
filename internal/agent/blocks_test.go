package agent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArchitectVS7/OpenClaw/internal/bus"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

// recordingPublisher captures published events synchronously.
type recordingPublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *recordingPublisher) Subscribe(string, []string, bus.Handler) {}
func (p *recordingPublisher) Unsubscribe(string)                      {}

func (p *recordingPublisher) Publish(e bus.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) byTopic(topic string) []bus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bus.Event
	for _, e := range p.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

func collectBlocks(t *testing.T, pub *recordingPublisher) []protocol.ChatBlockEnd {
	t.Helper()
	var ends []protocol.ChatBlockEnd
	for _, e := range pub.byTopic(protocol.EventChatBlockEnd) {
		end, ok := e.Payload.(protocol.ChatBlockEnd)
		require.True(t, ok)
		ends = append(ends, end)
	}
	return ends
}

func TestAggregatorParagraphSplit(t *testing.T) {
	pub := &recordingPublisher{}
	agg := newAggregator(pub, "agent:main:telegram:dm:u42", "r1")

	agg.Write("first paragraph\n")
	agg.Write("\nsecond ")
	agg.Write("paragraph\n")
	agg.Flush()

	ends := collectBlocks(t, pub)
	require.Len(t, ends, 2)
	assert.Equal(t, protocol.BlockText, ends[0].Kind)
	assert.Equal(t, 0, ends[0].BlockIndex)
	assert.Equal(t, 1, ends[1].BlockIndex)
}

func TestAggregatorFencedCode(t *testing.T) {
	pub := &recordingPublisher{}
	agg := newAggregator(pub, "agent:main:telegram:dm:u42", "r1")

	agg.Write("intro\n```go\nfmt.Println(1)\n```\noutro\n")
	agg.Flush()

	ends := collectBlocks(t, pub)
	require.Len(t, ends, 3)
	assert.Equal(t, protocol.BlockText, ends[0].Kind)
	assert.Equal(t, protocol.BlockCode, ends[1].Kind)
	assert.Equal(t, protocol.BlockText, ends[2].Kind)
}

func TestAggregatorDeltaSplitAcrossWrites(t *testing.T) {
	pub := &recordingPublisher{}
	agg := newAggregator(pub, "k", "r1")

	// A fence marker arriving in pieces still opens one code block.
	agg.Write("``")
	agg.Write("`\ncode\n``")
	agg.Write("`\n")
	agg.Flush()

	ends := collectBlocks(t, pub)
	require.Len(t, ends, 1)
	assert.Equal(t, protocol.BlockCode, ends[0].Kind)
}

func TestAggregatorToolCallClosesOpenBlock(t *testing.T) {
	pub := &recordingPublisher{}
	agg := newAggregator(pub, "k", "r1")

	agg.Write("thinking about it\n")
	agg.ToolCall("exec")
	agg.Flush()

	ends := collectBlocks(t, pub)
	require.Len(t, ends, 2)
	assert.Equal(t, protocol.BlockText, ends[0].Kind)
	assert.Equal(t, protocol.BlockToolCall, ends[1].Kind)

	deltas := pub.byTopic(protocol.EventChatDelta)
	last := deltas[len(deltas)-1].Payload.(protocol.ChatDelta)
	assert.Equal(t, "exec", last.Partial)
}

func TestAggregatorFlushEmitsTrailingPartial(t *testing.T) {
	pub := &recordingPublisher{}
	agg := newAggregator(pub, "k", "r1")

	agg.Write("no trailing newline")
	agg.Flush()

	ends := collectBlocks(t, pub)
	require.Len(t, ends, 1)
	deltas := pub.byTopic(protocol.EventChatDelta)
	require.Len(t, deltas, 1)
	assert.Equal(t, "no trailing newline", deltas[0].Payload.(protocol.ChatDelta).Partial)
}
