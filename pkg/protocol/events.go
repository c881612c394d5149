package protocol

// Event topics pushed from server to subscribed clients.
const (
	EventChatDelta      = "chat.delta"
	EventChatBlockEnd   = "chat.block_end"
	EventChatMessageEnd = "chat.message_end"

	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"

	EventConfigChanged = "config.changed"
	EventConfigInvalid = "config.invalid"

	EventHealth   = "health"
	EventOps      = "ops"
	EventCron     = "cron"
	EventInbound  = "inbound"
	EventShutdown = "shutdown"

	EventPairingRequested = "pairing.requested"
	EventPairingResolved  = "pairing.resolved"

	EventNodeConnected    = "node.connected"
	EventNodeDisconnected = "node.disconnected"
)

// Stop reasons carried on chat.message_end payloads.
const (
	StopEndTurn   = "end_turn"
	StopCancelled = "cancelled"
	StopMaxTokens = "max_tokens"
	StopError     = "error"
)

// Block kinds carried on chat.delta payloads.
const (
	BlockText     = "text"
	BlockCode     = "code"
	BlockToolCall = "tool_call"
)

// ChatDelta is the payload of a chat.delta event: one incremental piece of
// a single output block. Subscribers joining mid-turn only see future blocks.
type ChatDelta struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
	BlockIndex int    `json:"blockIndex"`
	Kind       string `json:"kind"`
	Partial    string `json:"partial"`
}

// ChatBlockEnd marks the close of one output block.
type ChatBlockEnd struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
	BlockIndex int    `json:"blockIndex"`
	Kind       string `json:"kind"`
}

// ChatMessageEnd terminates a turn.
type ChatMessageEnd struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
	StopReason string `json:"stopReason"`
	Tokens     int    `json:"tokens"`
}

// ApprovalRequested asks the operator to approve one tool invocation. The
// preview is redacted; full arguments never leave the runtime.
type ApprovalRequested struct {
	ApprovalID string `json:"approvalId"`
	SessionKey string `json:"sessionKey"`
	Tool       string `json:"tool"`
	Preview    string `json:"preview"`
	Digest     string `json:"digest"`
	ExpiresAt  string `json:"expiresAt"`
}

// ApprovalResolved reports the outcome of an approval request.
type ApprovalResolved struct {
	ApprovalID string `json:"approvalId"`
	Decision   string `json:"decision"` // granted, denied, expired
}

// NodeEvent is the payload of node.connected / node.disconnected.
type NodeEvent struct {
	NodeID string `json:"nodeId"`
}

// CronFired reports one scheduled trigger on the cron topic.
type CronFired struct {
	Job        string `json:"job"`
	SessionKey string `json:"sessionKey"`
	At         string `json:"at"`
}

// PairingRequested reports that an unknown DM sender was issued a pairing
// challenge. The token itself travels to the sender, never on the bus.
type PairingRequested struct {
	Provider string `json:"provider"`
	SenderID string `json:"senderId"`
}

// PairingResolved reports that a sender completed pairing.
type PairingResolved struct {
	Provider string `json:"provider"`
	SenderID string `json:"senderId"`
}

// OpsEvent is the operator-facing error/warning payload on the ops topic.
// End users never receive these; adapters render their own short form.
type OpsEvent struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey,omitempty"`
}
