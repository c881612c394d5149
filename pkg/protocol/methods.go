package protocol

// RPC method name constants, grouped by namespace.
const (
	// System
	MethodConnect = "connect"
	MethodHealth  = "health"

	// Agent
	MethodAgentInvoke = "agent.invoke"
	MethodAgentWait   = "agent.wait"
	MethodAgentCancel = "agent.cancel"

	// Chat
	MethodChatHistory = "chat.history"

	// Outbound delivery
	MethodSendOutbound = "send.outbound"

	// Sessions (cross-session coordination)
	MethodSessionsList    = "sessions.list"
	MethodSessionsHistory = "sessions.history"
	MethodSessionsSend    = "sessions.send"

	// Config
	MethodConfigGet    = "config.get"
	MethodConfigUpdate = "config.update"
	MethodConfigReload = "config.reload"

	// Channels
	MethodChannelsStatus  = "channels.status"
	MethodChannelsRestart = "channels.restart"

	// Nodes (device-local capabilities)
	MethodNodeList     = "node.list"
	MethodNodeDescribe = "node.describe"
	MethodNodeInvoke   = "node.invoke"
	// node.execute is server-initiated: the gateway forwards an invocation
	// to the node client over its own connection.
	MethodNodeExecute = "node.execute"

	// Approvals
	MethodApprovalDecide = "approval.decide"
	MethodApprovalList   = "approval.list"
)
