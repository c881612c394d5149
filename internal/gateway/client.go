package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ArchitectVS7/OpenClaw/internal/identity"
	"github.com/ArchitectVS7/OpenClaw/internal/nodes"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

const (
	handshakeWait = 10 * time.Second
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 50 * time.Second
	maxFrameSize  = 1 << 20

	// sendBuffer bounds the per-client event queue. A client that cannot
	// drain it is dropped rather than allowed to stall the fan-out.
	sendBuffer = 64

	// Per-connection method-call budget. Generous for interactive use;
	// a runaway client gets RateLimited responses instead of service.
	callRate  = rate.Limit(20)
	callBurst = 40
)

// client is one authenticated WebSocket connection.
type client struct {
	id     string
	role   string
	pubKey string
	nodeID string // set when the connection announced itself as a node
	topics []string

	conn  *websocket.Conn
	srv   *Server
	send  chan *protocol.Frame
	done  chan struct{}
	once  sync.Once
	limit *rate.Limiter

	// server-initiated calls on this connection (node.execute)
	callMu sync.Mutex
	nextID uint64
	calls  map[uint64]chan *protocol.Frame
}

func newClient(id string, conn *websocket.Conn, srv *Server) *client {
	return &client{
		id:    id,
		conn:  conn,
		srv:   srv,
		send:  make(chan *protocol.Frame, sendBuffer),
		done:  make(chan struct{}),
		limit: rate.NewLimiter(callRate, callBurst),
		calls: make(map[uint64]chan *protocol.Frame),
	}
}

// run performs the handshake and then pumps frames until the connection
// drops. Dropping a connection only releases its wait registrations and
// subscriptions; in-flight turns keep running.
func (c *client) run(ctx context.Context) {
	defer c.close()

	if err := c.handshake(); err != nil {
		slog.Warn("gateway.auth_failed", "remote", c.conn.RemoteAddr().String(), "error", err)
		c.writeFrame(protocol.NewErrorFrame(protocol.ErrAuthFailed, "authentication failed"))
		return
	}

	c.srv.register(c)
	defer c.srv.unregister(c)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump()
	c.readPump(connCtx)
}

// handshake runs hello → challenge → proof. Any deviation fails closed.
func (c *client) handshake() error {
	var hello protocol.Frame
	if err := c.readFrame(&hello, handshakeWait); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != protocol.FrameHello {
		return fmt.Errorf("expected hello, got %q", hello.Type)
	}
	switch hello.Role {
	case protocol.RoleOperator, protocol.RoleNode, protocol.RoleChannel, protocol.RoleReadOnly:
	default:
		return fmt.Errorf("unknown role %q", hello.Role)
	}

	nonce, err := identity.NewNonce()
	if err != nil {
		return err
	}
	if err := c.writeFrame(&protocol.Frame{
		Type:  protocol.FrameChallenge,
		Nonce: base64.StdEncoding.EncodeToString(nonce),
	}); err != nil {
		return fmt.Errorf("write challenge: %w", err)
	}

	var proof protocol.Frame
	if err := c.readFrame(&proof, handshakeWait); err != nil {
		return fmt.Errorf("read proof: %w", err)
	}
	if proof.Type != protocol.FrameProof {
		return fmt.Errorf("expected proof, got %q", proof.Type)
	}

	if err := c.verify(hello, proof, nonce); err != nil {
		return err
	}
	c.role = hello.Role
	c.pubKey = hello.PublicKey
	c.topics = hello.Topics
	return nil
}

// verify accepts an ed25519 signature over the nonce (node role with a
// public key), the configured operator token, or a single-use pairing token
// scoped to the requested role.
func (c *client) verify(hello, proof protocol.Frame, nonce []byte) error {
	if proof.Signature != "" {
		if hello.Role != protocol.RoleNode || hello.PublicKey == "" {
			return fmt.Errorf("signature proof requires node role with a public key")
		}
		sig, err := base64.StdEncoding.DecodeString(proof.Signature)
		if err != nil {
			return fmt.Errorf("malformed signature")
		}
		if !identity.Verify(hello.PublicKey, nonce, sig) {
			return fmt.Errorf("signature does not verify")
		}
		return nil
	}

	if proof.Token == "" {
		return fmt.Errorf("empty proof")
	}
	if auth := c.srv.opts.Config.Current().Gateway.AuthToken; auth != "" &&
		subtle.ConstantTimeCompare([]byte(proof.Token), []byte(auth)) == 1 {
		if hello.Role == protocol.RoleNode {
			return fmt.Errorf("operator token cannot authenticate a node")
		}
		return nil
	}

	role, err := c.srv.opts.Pairings.Consume(proof.Token)
	if err != nil {
		return fmt.Errorf("pairing token: %w", err)
	}
	if role != hello.Role {
		return fmt.Errorf("pairing token is scoped to %s, not %s", role, hello.Role)
	}
	return nil
}

func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f protocol.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("gateway.read_failed", "client", c.id, "error", err)
			}
			return
		}

		switch f.Type {
		case protocol.FrameMethodCall:
			if !c.limit.Allow() {
				c.enqueue(protocol.NewErrorResponse(f.ID, protocol.ErrRateLimited, "too many calls"))
				continue
			}
			// Each call runs on its own goroutine; responses may arrive
			// out of order and always echo the request ID.
			frame := f
			go c.srv.opts.Methods.dispatch(ctx, c, frame)
		case protocol.FrameResponse:
			c.resolveCall(&f)
		default:
			c.enqueue(protocol.NewErrorFrame(protocol.ErrBadRequest, "unexpected frame type "+f.Type))
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case f := <-c.send:
			if err := c.writeFrame(f); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue hands a frame to the writer without blocking. A full buffer
// means the client is too slow to keep: it is dropped.
func (c *client) enqueue(f *protocol.Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
		slog.Warn("gateway.slow_consumer", "client", c.id, "pending", len(c.send))
		c.close()
	}
}

// call issues a server-initiated method call and waits for the response.
func (c *client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}

	c.callMu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *protocol.Frame, 1)
	c.calls[id] = ch
	c.callMu.Unlock()
	defer func() {
		c.callMu.Lock()
		delete(c.calls, id)
		c.callMu.Unlock()
	}()

	c.enqueue(&protocol.Frame{Type: protocol.FrameMethodCall, ID: id, Method: method, Params: raw})

	select {
	case f := <-ch:
		if f.Error != nil {
			return nil, fmt.Errorf("%s: %s", f.Error.Code, f.Error.Message)
		}
		return f.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("connection closed")
	}
}

func (c *client) resolveCall(f *protocol.Frame) {
	c.callMu.Lock()
	ch, ok := c.calls[f.ID]
	c.callMu.Unlock()
	if ok {
		ch <- f
	}
}

// InvokeCapability forwards one invocation over this connection. It makes
// the authenticated node connection usable as a nodes.Invoker.
func (c *client) InvokeCapability(ctx context.Context, req nodes.InvokeRequest) (*nodes.InvokeResult, error) {
	params := protocol.NodeExecuteParams{
		Capability: req.Capability,
		Args:       req.Args,
	}
	if req.Grant != nil {
		params.ApprovalID = req.Grant.ApprovalID
		params.Digest = req.Grant.Digest
	}
	raw, err := c.call(ctx, protocol.MethodNodeExecute, params)
	if err != nil {
		return nil, err
	}
	var res protocol.NodeExecuteResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode node result: %w", err)
	}
	return &nodes.InvokeResult{Content: res.Content, IsError: res.IsError}, nil
}

func (c *client) readFrame(f *protocol.Frame, wait time.Duration) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	return c.conn.ReadJSON(f)
}

func (c *client) writeFrame(f *protocol.Frame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
