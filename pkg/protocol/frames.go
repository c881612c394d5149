// Package protocol defines the gateway wire format: JSON frames over
// WebSocket, one frame per message, discriminated by the top-level type
// field. Event topic names, RPC method names, and error kinds live here so
// server and clients share one vocabulary.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking frame changes.
const ProtocolVersion = 1

// Frame type discriminators.
const (
	FrameHello      = "hello"
	FrameChallenge  = "challenge"
	FrameProof      = "proof"
	FrameMethodCall = "method_call"
	FrameResponse   = "response"
	FrameEvent      = "event"
	FrameError      = "error"
)

// Connection roles presented in the hello frame.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
	RoleChannel  = "channel"
	RoleReadOnly = "read-only"
)

// Frame is the envelope for every WebSocket message. Only the fields
// relevant to the frame type are populated.
type Frame struct {
	Type string `json:"type"`

	// hello
	Role      string   `json:"role,omitempty"`
	PublicKey string   `json:"publicKey,omitempty"`
	Token     string   `json:"token,omitempty"`
	Topics    []string `json:"topics,omitempty"`

	// challenge / proof: base64 nonce and signature
	Nonce     string `json:"nonce,omitempty"`
	Signature string `json:"signature,omitempty"`

	// method_call / response
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	// event
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// response.error / error
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody carries an error kind (see errors.go) plus a human-readable
// message. Raw payloads never reach end users; adapters render their own
// short form.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEvent marshals the payload eagerly so one encoding is shared by every
// subscriber the frame fans out to.
func NewEvent(topic string, payload any) *Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(`{}`)
	}
	return &Frame{Type: FrameEvent, Topic: topic, Payload: raw}
}

// NewResponse builds a success response echoing the request ID.
func NewResponse(id uint64, result any) *Frame {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, ErrBadRequest, "unencodable result")
	}
	return &Frame{Type: FrameResponse, ID: id, Result: raw}
}

// NewErrorResponse builds an error response echoing the request ID.
func NewErrorResponse(id uint64, code, message string) *Frame {
	return &Frame{Type: FrameResponse, ID: id, Error: &ErrorBody{Code: code, Message: message}}
}

// NewErrorFrame builds an uncorrelated error frame, used before the
// connection has a request to respond to (handshake failures).
func NewErrorFrame(code, message string) *Frame {
	return &Frame{Type: FrameError, Error: &ErrorBody{Code: code, Message: message}}
}
