package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArchitectVS7/OpenClaw/internal/agent"
	"github.com/ArchitectVS7/OpenClaw/internal/bus"
	"github.com/ArchitectVS7/OpenClaw/internal/channels"
	"github.com/ArchitectVS7/OpenClaw/internal/config"
	"github.com/ArchitectVS7/OpenClaw/internal/identity"
	"github.com/ArchitectVS7/OpenClaw/internal/nodes"
	"github.com/ArchitectVS7/OpenClaw/internal/providers"
	"github.com/ArchitectVS7/OpenClaw/internal/scheduler"
	"github.com/ArchitectVS7/OpenClaw/internal/sessions"
	"github.com/ArchitectVS7/OpenClaw/internal/tools"
	gwclient "github.com/ArchitectVS7/OpenClaw/pkg/client"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

const operatorToken = "test-operator-token"

// staticProvider answers every call with the same text.
type staticProvider struct {
	text string
}

func (p *staticProvider) Name() string { return "static" }

func (p *staticProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	onChunk(providers.StreamChunk{Text: p.text})
	return &providers.ChatResponse{
		Content:    p.text,
		StopReason: "end_turn",
		Usage:      providers.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

type gwFixture struct {
	addr     string
	pairings *identity.Pairings
	broker   *tools.Broker
	bus      *bus.Bus
}

func startGateway(t *testing.T) *gwFixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Agents.Defaults.Workspace = dir
	cfg.Gateway.AuthToken = operatorToken

	b := bus.New()
	mgr := config.NewManager(filepath.Join(dir, "openclaw.json"), cfg, b)

	pairings, err := identity.NewPairings(dir)
	require.NoError(t, err)

	sess, err := sessions.NewManager(dir, 0)
	require.NoError(t, err)

	broker := tools.NewBroker(b, time.Minute)
	nodeReg := nodes.NewRegistry(b)
	chanMgr := channels.NewManager(b, b, mgr.Current, pairings)

	rt := agent.NewRouter(agent.RouterOptions{
		Config:    mgr.Current,
		Provider:  &staticProvider{text: "pong\n"},
		Sessions:  sess,
		Registry:  tools.NewRegistry(),
		Policy:    tools.NewPolicyEngine(tools.PolicySpec{}),
		Broker:    broker,
		Scheduler: scheduler.New(map[string]int{"main": 1}),
		Events:    b,
		Inbound:   b,
		Workspace: dir,
	})

	srv := NewServer(Options{
		Config:   mgr,
		Pairings: pairings,
		Events:   b,
		Methods: &Methods{
			Config:    mgr,
			Agents:    rt,
			Sessions:  sess,
			Channels:  chanMgr,
			Nodes:     nodeReg,
			Broker:    broker,
			StartedAt: time.Now(),
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addr, err := srv.StartTestListener(ctx)
	require.NoError(t, err)
	return &gwFixture{addr: addr, pairings: pairings, broker: broker, bus: b}
}

func dialOperator(t *testing.T, f *gwFixture) *gwclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := gwclient.Dial(ctx, gwclient.Options{
		URL:   "ws://" + f.addr + "/ws",
		Role:  protocol.RoleOperator,
		Token: operatorToken,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	_, err = c.Connect(ctx, protocol.ConnectParams{})
	require.NoError(t, err)
	return c
}

func TestGatewayInvokeWaitAndEvents(t *testing.T) {
	f := startGateway(t)
	c := dialOperator(t, f)
	ctx := context.Background()
	key := "agent:main:telegram:dm:u1"

	type waitReply struct {
		raw json.RawMessage
		err error
	}
	waitCh := make(chan waitReply, 1)
	go func() {
		raw, err := c.Call(ctx, protocol.MethodAgentWait, protocol.AgentWaitParams{SessionKey: key})
		waitCh <- waitReply{raw, err}
	}()
	time.Sleep(100 * time.Millisecond)

	raw, err := c.Call(ctx, protocol.MethodAgentInvoke, protocol.AgentInvokeParams{SessionKey: key, Message: "ping"})
	require.NoError(t, err)
	var inv protocol.AgentInvokeResult
	require.NoError(t, json.Unmarshal(raw, &inv))
	assert.NotEmpty(t, inv.RunID)

	select {
	case r := <-waitCh:
		require.NoError(t, r.err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(r.raw, &out))
		assert.Equal(t, "end_turn", out["stopReason"])
		assert.Equal(t, "pong", out["content"])
	case <-time.After(5 * time.Second):
		t.Fatal("agent.wait did not return")
	}

	// The subscribed client saw the turn's terminal event.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-c.Events():
			if e.Topic == protocol.EventChatMessageEnd {
				return
			}
		case <-deadline:
			t.Fatal("no chat.message_end event")
		}
	}
}

func TestGatewayChatHistoryAfterTurn(t *testing.T) {
	f := startGateway(t)
	c := dialOperator(t, f)
	ctx := context.Background()
	key := "agent:main:telegram:dm:u2"

	_, err := c.Call(ctx, protocol.MethodAgentInvoke, protocol.AgentInvokeParams{SessionKey: key, Message: "ping"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		raw, err := c.Call(ctx, protocol.MethodChatHistory, protocol.ChatHistoryParams{SessionKey: key})
		if err != nil {
			return false
		}
		var res struct {
			Entries []sessions.Entry `json:"entries"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			return false
		}
		return len(res.Entries) == 2 &&
			res.Entries[0].Type == sessions.EntryUser &&
			res.Entries[1].Type == sessions.EntryAssistant
	}, 5*time.Second, 50*time.Millisecond)
}

func TestGatewayRejectsBadToken(t *testing.T) {
	f := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := gwclient.Dial(ctx, gwclient.Options{
		URL:   "ws://" + f.addr + "/ws",
		Role:  protocol.RoleOperator,
		Token: "wrong",
	})
	require.NoError(t, err) // handshake verdict arrives on first use
	defer c.Close()

	_, err = c.Connect(ctx, protocol.ConnectParams{})
	assert.Error(t, err)
}

func TestGatewayPairingTokenScopesRole(t *testing.T) {
	f := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := f.pairings.Issue(identity.RoleReadOnly, time.Minute)
	require.NoError(t, err)

	c, err := gwclient.Dial(ctx, gwclient.Options{
		URL:   "ws://" + f.addr + "/ws",
		Role:  protocol.RoleReadOnly,
		Token: token,
	})
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Connect(ctx, protocol.ConnectParams{})
	require.NoError(t, err)

	// Reads work, writes are refused for the role.
	_, err = c.Call(ctx, protocol.MethodConfigGet, struct{}{})
	require.NoError(t, err)
	_, err = c.Call(ctx, protocol.MethodConfigReload, struct{}{})
	require.Error(t, err)

	// A pairing token authenticates exactly one connect.
	c2, err := gwclient.Dial(ctx, gwclient.Options{
		URL:   "ws://" + f.addr + "/ws",
		Role:  protocol.RoleReadOnly,
		Token: token,
	})
	require.NoError(t, err)
	defer c2.Close()
	_, err = c2.Connect(ctx, protocol.ConnectParams{})
	assert.Error(t, err)
}

func TestGatewayNodeInvokeRoundTrip(t *testing.T) {
	f := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var gotExecute protocol.NodeExecuteParams
	node, err := gwclient.Dial(ctx, gwclient.Options{
		URL:        "ws://" + f.addr + "/ws",
		Role:       protocol.RoleNode,
		PrivateKey: priv,
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		OnCall: func(method string, params json.RawMessage) (any, error) {
			if method != protocol.MethodNodeExecute {
				return nil, assert.AnError
			}
			if err := json.Unmarshal(params, &gotExecute); err != nil {
				return nil, err
			}
			return protocol.NodeExecuteResult{Content: "42 photos"}, nil
		},
	})
	require.NoError(t, err)
	defer node.Close()

	_, err = node.Connect(ctx, protocol.ConnectParams{
		NodeID:      "phone-1",
		DisplayName: "Pixel",
		Capabilities: []protocol.CapabilitySpec{
			{Name: "camera.count"},
		},
	})
	require.NoError(t, err)

	op := dialOperator(t, f)

	raw, err := op.Call(ctx, protocol.MethodNodeList, struct{}{})
	require.NoError(t, err)
	var listed []nodes.Info
	require.NoError(t, json.Unmarshal(raw, &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "phone-1", listed[0].ID)

	raw, err = op.Call(ctx, protocol.MethodNodeInvoke, protocol.NodeInvokeParams{
		NodeID:     "phone-1",
		Capability: "camera.count",
		Args:       map[string]any{"album": "all"},
		ApprovalID: "appr-1",
		Digest:     "digest-1",
	})
	require.NoError(t, err)
	var res nodes.InvokeResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "42 photos", res.Content)

	// The operator grant travelled with the forwarded call.
	assert.Equal(t, "appr-1", gotExecute.ApprovalID)
	assert.Equal(t, "digest-1", gotExecute.Digest)

	_, err = op.Call(ctx, protocol.MethodNodeInvoke, protocol.NodeInvokeParams{
		NodeID:     "phone-1",
		Capability: "shell.exec",
	})
	assert.Error(t, err)
}

func TestGatewayApprovalDecideOverRPC(t *testing.T) {
	f := startGateway(t)
	c := dialOperator(t, f)
	ctx := context.Background()

	info := f.broker.Request("agent:main:telegram:dm:u1", "exec", json.RawMessage(`{"cmd":"ls"}`), "exec ls")

	raw, err := c.Call(ctx, protocol.MethodApprovalList, struct{}{})
	require.NoError(t, err)
	var pending []tools.ApprovalInfo
	require.NoError(t, json.Unmarshal(raw, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, tools.StatePending, pending[0].State)

	_, err = c.Call(ctx, protocol.MethodApprovalDecide, protocol.ApprovalDecideParams{
		ApprovalID: info.ID,
		Decision:   "grant",
	})
	require.NoError(t, err)

	granted, _, err := f.broker.Await(ctx, info.ID)
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestServerRefusesNonLoopbackWithoutTLS(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Gateway.Bind = "0.0.0.0"
	b := bus.New()
	mgr := config.NewManager(filepath.Join(dir, "openclaw.json"), cfg, b)

	srv := NewServer(Options{Config: mgr, Events: b, Methods: &Methods{}})
	err := srv.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBindRefused)
}
