// Package client is a minimal gateway client: connect handshake, correlated
// method calls, and an event stream. It serves tests, node processes, and
// out-of-process channel adapters.
package client

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

const eventBuffer = 256

// CallHandler serves server-initiated method calls (node.execute). The
// returned value becomes the response result; an error becomes a
// response.error with its text as message.
type CallHandler func(method string, params json.RawMessage) (any, error)

// Options configure one connection.
type Options struct {
	URL   string // ws://host:port/ws
	Role  string
	Token string

	// Node identity. When PrivateKey is set the handshake signs the
	// challenge nonce instead of presenting a token.
	PrivateKey ed25519.PrivateKey
	PublicKey  string // base64

	Topics []string
	OnCall CallHandler
}

// Client is one authenticated gateway connection.
type Client struct {
	conn *websocket.Conn
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *protocol.Frame

	events chan protocol.Frame
	once   sync.Once
}

// Dial connects and runs the hello → challenge → proof handshake. The
// returned client is ready for Call; most callers follow with Connect.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	c := &Client{
		conn:    conn,
		opts:    opts,
		pending: make(map[uint64]chan *protocol.Frame),
		events:  make(chan protocol.Frame, eventBuffer),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	hello := protocol.Frame{
		Type:      protocol.FrameHello,
		Role:      c.opts.Role,
		PublicKey: c.opts.PublicKey,
		Topics:    c.opts.Topics,
	}
	if err := wsjson.Write(ctx, c.conn, &hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	var challenge protocol.Frame
	if err := wsjson.Read(ctx, c.conn, &challenge); err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if challenge.Type != protocol.FrameChallenge {
		return fmt.Errorf("expected challenge, got %q", challenge.Type)
	}

	proof := protocol.Frame{Type: protocol.FrameProof}
	if c.opts.PrivateKey != nil {
		nonce, err := base64.StdEncoding.DecodeString(challenge.Nonce)
		if err != nil {
			return fmt.Errorf("malformed challenge nonce: %w", err)
		}
		proof.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(c.opts.PrivateKey, nonce))
	} else {
		proof.Token = c.opts.Token
	}
	if err := wsjson.Write(ctx, c.conn, &proof); err != nil {
		return fmt.Errorf("send proof: %w", err)
	}
	return nil
}

// Connect completes session setup; node clients announce capabilities here.
func (c *Client) Connect(ctx context.Context, params protocol.ConnectParams) (*protocol.ConnectResult, error) {
	raw, err := c.Call(ctx, protocol.MethodConnect, params)
	if err != nil {
		return nil, err
	}
	var res protocol.ConnectResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode connect result: %w", err)
	}
	return &res, nil
}

// Call issues one method call and blocks for its response. Responses
// correlate by ID, so concurrent calls are fine.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *protocol.Frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	call := protocol.Frame{Type: protocol.FrameMethodCall, ID: id, Method: method, Params: raw}
	if err := wsjson.Write(ctx, c.conn, &call); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case f := <-ch:
		if f.Error != nil {
			return nil, &RPCError{Code: f.Error.Code, Message: f.Error.Message}
		}
		return f.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, fmt.Errorf("connection closed")
	}
}

// Events streams event frames. Events arriving faster than the consumer
// drains are dropped client-side; the gateway applies its own drop policy.
func (c *Client) Events() <-chan protocol.Frame {
	return c.events
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()
		_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	})
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var f protocol.Frame
		if err := wsjson.Read(c.ctx, c.conn, &f); err != nil {
			return
		}
		switch f.Type {
		case protocol.FrameResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ch <- &f
			}
		case protocol.FrameEvent:
			select {
			case c.events <- f:
			default:
			}
		case protocol.FrameMethodCall:
			go c.serveCall(f)
		case protocol.FrameError:
			// Uncorrelated server error; the connection is unusable.
			return
		}
	}
}

func (c *Client) serveCall(f protocol.Frame) {
	if c.opts.OnCall == nil {
		c.reply(protocol.NewErrorResponse(f.ID, protocol.ErrUnknownMethod, f.Method))
		return
	}
	result, err := c.opts.OnCall(f.Method, f.Params)
	if err != nil {
		c.reply(protocol.NewErrorResponse(f.ID, protocol.ErrBadRequest, err.Error()))
		return
	}
	c.reply(protocol.NewResponse(f.ID, result))
}

func (c *Client) reply(f *protocol.Frame) {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	_ = wsjson.Write(ctx, c.conn, f)
}

// RPCError is a response.error surfaced to the caller.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	return e.Code + ": " + e.Message
}
