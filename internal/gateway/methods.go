package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ArchitectVS7/OpenClaw/internal/agent"
	"github.com/ArchitectVS7/OpenClaw/internal/channels"
	"github.com/ArchitectVS7/OpenClaw/internal/config"
	"github.com/ArchitectVS7/OpenClaw/internal/nodes"
	"github.com/ArchitectVS7/OpenClaw/internal/sessions"
	"github.com/ArchitectVS7/OpenClaw/internal/tools"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

const defaultHistoryLimit = 50

// Methods is the RPC surface. Every handler runs on its own goroutine and
// replies by echoing the request ID; out-of-order responses are expected.
type Methods struct {
	Config   *config.Manager
	Agents   *agent.Router
	Sessions *sessions.Manager
	Channels *channels.Manager
	Nodes    *nodes.Registry
	Broker   *tools.Broker

	StartedAt time.Time
}

// readOnlyMethods is the surface available to every authenticated role.
// Everything else requires an operator (or, for connect, a node).
var readOnlyMethods = map[string]bool{
	protocol.MethodConnect:         true,
	protocol.MethodHealth:          true,
	protocol.MethodAgentWait:       true,
	protocol.MethodChatHistory:     true,
	protocol.MethodSessionsList:    true,
	protocol.MethodSessionsHistory: true,
	protocol.MethodChannelsStatus:  true,
	protocol.MethodNodeList:        true,
	protocol.MethodNodeDescribe:    true,
	protocol.MethodApprovalList:    true,
	protocol.MethodConfigGet:       true,
}

func (m *Methods) allowed(role, method string) bool {
	switch role {
	case protocol.RoleOperator:
		return true
	case protocol.RoleChannel:
		// Channel clients drive conversations but never administer.
		switch method {
		case protocol.MethodAgentInvoke, protocol.MethodAgentCancel, protocol.MethodSendOutbound:
			return true
		}
		return readOnlyMethods[method]
	default:
		return readOnlyMethods[method]
	}
}

func (m *Methods) dispatch(ctx context.Context, c *client, f protocol.Frame) {
	if !m.allowed(c.role, f.Method) {
		c.enqueue(protocol.NewErrorResponse(f.ID, protocol.ErrBadRequest, "method not permitted for role "+c.role))
		return
	}

	result, err := m.handle(ctx, c, f)
	if err != nil {
		code := errorCode(err)
		slog.Debug("gateway.method_error", "client", c.id, "method", f.Method, "code", code, "error", err)
		c.enqueue(protocol.NewErrorResponse(f.ID, code, err.Error()))
		return
	}
	c.enqueue(protocol.NewResponse(f.ID, result))
}

func (m *Methods) handle(ctx context.Context, c *client, f protocol.Frame) (any, error) {
	switch f.Method {
	case protocol.MethodConnect:
		return m.connect(c, f.Params)

	case protocol.MethodHealth:
		return map[string]any{
			"status":   "ok",
			"protocol": protocol.ProtocolVersion,
			"uptime":   time.Since(m.StartedAt).Round(time.Second).String(),
		}, nil

	case protocol.MethodAgentInvoke:
		var p protocol.AgentInvokeParams
		if err := decode(f.Params, &p); err != nil {
			return nil, err
		}
		runID, err := m.Agents.Invoke(ctx, p.SessionKey, p.Message)
		if err != nil {
			return nil, err
		}
		return protocol.AgentInvokeResult{SessionKey: p.SessionKey, RunID: runID}, nil

	case protocol.MethodAgentWait:
		var p protocol.AgentWaitParams
		if err := decode(f.Params, &p); err != nil {
			return nil, err
		}
		out, err := m.Agents.Wait(ctx, p.SessionKey)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"sessionKey": out.SessionKey,
			"runId":      out.RunID,
			"stopReason": out.StopReason,
			"content":    out.Content,
			"tokens":     out.Tokens,
		}, nil

	case protocol.MethodAgentCancel:
		var p protocol.AgentCancelParams
		if err := decode(f.Params, &p); err != nil {
			return nil, err
		}
		if err := m.Agents.Cancel(p.SessionKey); err != nil {
			return nil, err
		}
		return map[string]any{"cancelled": true}, nil

	case protocol.MethodChatHistory, protocol.MethodSessionsHistory:
		var p protocol.ChatHistoryParams
		if err := decode(f.Params, &p); err != nil {
			return nil, err
		}
		return m.history(p)

	case protocol.MethodSessionsList:
		return m.listSessions()

	case protocol.MethodSessionsSend:
		var p protocol.SessionsSendParams
		if err := decode(f.Params, &p); err != nil {
			return nil, err
		}
		runID, err := m.Agents.Invoke(ctx, p.SessionKey, p.Message)
		if err != nil {
			return nil, err
		}
		return protocol.AgentInvokeResult{SessionKey: p.SessionKey, RunID: runID}, nil

	case protocol.MethodSendOutbound:
		var p protocol.SendOutboundParams
		if err := decode(f.Params, &p); err != nil {
			return nil, err
		}
		if err := m.Channels.Send(ctx, p.Channel, p.Recipient, p.Body); err != nil {
			return nil, err
		}
		return map[string]any{"sent": true}, nil

	case protocol.MethodConfigGet:
		return m.Config.Current().MaskedCopy(), nil

	case protocol.MethodConfigUpdate:
		var p protocol.ConfigUpdateParams
		if err := decode(f.Params, &p); err != nil {
			return nil, err
		}
		next, err := m.Config.Update(p.Config)
		if err != nil {
			return nil, err
		}
		return next.MaskedCopy(), nil

	case protocol.MethodConfigReload:
		next, err := m.Config.Reload()
		if err != nil {
			return nil, err
		}
		return next.MaskedCopy(), nil

	case protocol.MethodChannelsStatus:
		return m.Channels.Status(), nil

	case protocol.MethodChannelsRestart:
		var p protocol.ChannelsRestartParams
		if err := decode(f.Params, &p); err != nil {
			return nil, err
		}
		if err := m.Channels.Restart(ctx, p.Channel); err != nil {
			return nil, err
		}
		return map[string]any{"restarted": p.Channel}, nil

	case protocol.MethodNodeList:
		return m.Nodes.List(), nil

	case protocol.MethodNodeDescribe:
		var p struct {
			NodeID string `json:"nodeId"`
		}
		if err := decode(f.Params, &p); err != nil {
			return nil, err
		}
		return m.Nodes.Describe(p.NodeID)

	case protocol.MethodNodeInvoke:
		return m.nodeInvoke(ctx, f.Params)

	case protocol.MethodApprovalDecide:
		var p protocol.ApprovalDecideParams
		if err := decode(f.Params, &p); err != nil {
			return nil, err
		}
		if err := m.Broker.Decide(p.ApprovalID, p.Decision == "grant"); err != nil {
			return nil, err
		}
		return map[string]any{"approvalId": p.ApprovalID, "decision": p.Decision}, nil

	case protocol.MethodApprovalList:
		return m.Broker.List(), nil

	default:
		return nil, errors.New(protocol.ErrUnknownMethod + ": " + f.Method)
	}
}

// connect completes session setup. Node connections announce capabilities
// and attach to the registry; their invoker is this connection.
func (m *Methods) connect(c *client, raw json.RawMessage) (any, error) {
	var p protocol.ConnectParams
	if len(raw) > 0 {
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
	}
	if c.role == protocol.RoleNode {
		if p.NodeID == "" {
			return nil, errors.New(protocol.ErrBadRequest + ": node connect requires nodeId")
		}
		caps := make([]nodes.Capability, 0, len(p.Capabilities))
		for _, cs := range p.Capabilities {
			caps = append(caps, nodes.Capability{Name: cs.Name, Description: cs.Description, Schema: cs.Schema})
		}
		c.nodeID = p.NodeID
		m.Nodes.Attach(nodes.Info{ID: p.NodeID, DisplayName: p.DisplayName, Capabilities: caps}, c)
	}
	return protocol.ConnectResult{ConnectionID: c.id, Protocol: protocol.ProtocolVersion}, nil
}

func (m *Methods) history(p protocol.ChatHistoryParams) (any, error) {
	snap, err := m.Sessions.Snapshot(p.SessionKey)
	if err != nil {
		return nil, err
	}
	entries := snap.Entries
	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return map[string]any{"sessionKey": p.SessionKey, "entries": entries}, nil
}

func (m *Methods) listSessions() (any, error) {
	keys, err := m.Sessions.Keys()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		snap, err := m.Sessions.Snapshot(key)
		if err != nil {
			slog.Warn("gateway.session_unreadable", "key", key, "error", err)
			continue
		}
		out = append(out, map[string]any{
			"sessionKey":   key,
			"entries":      len(snap.Entries),
			"model":        snap.Meta.Model,
			"lane":         snap.Meta.Lane,
			"inputTokens":  snap.Meta.InputTokens,
			"outputTokens": snap.Meta.OutputTokens,
			"lastActive":   snap.Meta.LastActive,
		})
	}
	return map[string]any{"sessions": out}, nil
}

func (m *Methods) nodeInvoke(ctx context.Context, raw json.RawMessage) (any, error) {
	var p protocol.NodeInvokeParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	args, err := json.Marshal(p.Args)
	if err != nil {
		return nil, errors.New(protocol.ErrBadRequest + ": unencodable args")
	}
	req := nodes.InvokeRequest{Capability: p.Capability, Args: args}
	if p.ApprovalID != "" {
		req.Grant = &nodes.Grant{ApprovalID: p.ApprovalID, Digest: p.Digest}
	}
	return m.Nodes.Invoke(ctx, p.NodeID, req)
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.New(protocol.ErrBadRequest + ": malformed params")
	}
	return nil
}

// wireKinds are matched against error text to pick the response code.
// Errors are built with their kind as a message prefix throughout.
var wireKinds = []string{
	protocol.ErrAuthFailed,
	protocol.ErrPairingRequired,
	protocol.ErrTokenExpired,
	protocol.ErrUnknownMethod,
	protocol.ErrSchemaViolation,
	protocol.ErrSessionCorrupted,
	protocol.ErrStorageUnavailable,
	protocol.ErrModelTimeout,
	protocol.ErrModelUnavailable,
	protocol.ErrRateLimited,
	protocol.ErrAuthExpired,
	protocol.ErrToolDenied,
	protocol.ErrApprovalExpired,
	protocol.ErrApprovalDigestMismatch,
	protocol.ErrSlowConsumer,
	protocol.ErrConfigInvalid,
	protocol.ErrOverBudget,
	protocol.ErrBadRequest,
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, tools.ErrApprovalExpired):
		return protocol.ErrApprovalExpired
	case errors.Is(err, tools.ErrDigestMismatch):
		return protocol.ErrApprovalDigestMismatch
	}
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		return protocol.ErrConfigInvalid
	}
	msg := err.Error()
	for _, k := range wireKinds {
		if strings.Contains(msg, k) {
			return k
		}
	}
	return protocol.ErrBadRequest
}
