package protocol

// Error kinds. These are wire codes, not Go types: the same kind may be
// produced by different packages and is matched by string on both ends.
const (
	// Handshake failures — the connection is closed after sending these.
	ErrAuthFailed      = "AuthFailed"
	ErrPairingRequired = "PairingRequired"
	ErrTokenExpired    = "TokenExpired"

	// Caller errors — returned on the response.error channel.
	ErrBadRequest      = "BadRequest"
	ErrUnknownMethod   = "UnknownMethod"
	ErrSchemaViolation = "SchemaViolation"

	// Storage — the affected key refuses writes, not fatal globally.
	ErrSessionCorrupted   = "SessionCorrupted"
	ErrStorageUnavailable = "StorageUnavailable"

	// Model provider — retried via failover before surfacing.
	ErrModelTimeout     = "ModelTimeout"
	ErrModelUnavailable = "ModelUnavailable"
	ErrRateLimited      = "RateLimited"
	ErrAuthExpired      = "AuthExpired"

	// Tooling — become synthetic tool results fed back to the model.
	ErrToolDenied             = "ToolDenied"
	ErrApprovalExpired        = "ApprovalExpired"
	ErrApprovalDigestMismatch = "ApprovalDigestMismatch"

	// Bus / config / budget.
	ErrSlowConsumer  = "SlowConsumer"
	ErrConfigInvalid = "ConfigInvalid"
	ErrOverBudget    = "OverBudget"
)
