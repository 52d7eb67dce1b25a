// ABOUTME: Reconnecting WebSocket client for the gateway JSON protocol
// ABOUTME: Exponential backoff between attempts, request/response correlation

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/moltis/gateway/internal/protocol"
)

const (
	initialBackoff = protocol.ReconnectInitialBackoffMs * time.Millisecond
	maxBackoff     = protocol.ReconnectMaxBackoffMs * time.Millisecond
	requestTimeout = 30 * time.Second
	eventBuffer    = 64
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("client closed")

// Options configures a Client.
type Options struct {
	// URL is the full WebSocket URL, e.g. "ws://localhost:8080/ws".
	URL string
	// Token or Password authenticates the connect call.
	Token    string
	Password string
	// ClientInfo identifies this client in the handshake.
	ClientInfo protocol.ClientInfo
	Logger     *slog.Logger
}

// Client maintains a gateway connection, redialing with exponential backoff
// on failure. Backoff starts at one second, doubles per attempt, caps at
// eight seconds, and resets after a successful handshake.
type Client struct {
	opts   Options
	logger *slog.Logger

	events chan *protocol.Frame

	mu       sync.Mutex
	ws       *websocket.Conn
	pending  map[string]chan *protocol.Frame
	closed   bool
	protocol int
}

// New creates a client. Run must be called to start the connection loop.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:    opts,
		logger:  logger.With("component", "client"),
		events:  make(chan *protocol.Frame, eventBuffer),
		pending: make(map[string]chan *protocol.Frame),
	}
}

// Events returns the stream of unsolicited event frames. Events that arrive
// faster than the consumer drains them are dropped.
func (c *Client) Events() <-chan *protocol.Frame { return c.events }

// Protocol returns the version negotiated on the current connection.
func (c *Client) Protocol() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// Run dials and re-dials until the context is canceled. Each established
// connection is served until it drops, then backoff applies.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connected, err := c.connectAndServe(ctx)
		if errors.Is(err, ErrClosed) {
			return err
		}
		if connected {
			backoff = initialBackoff
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("connection lost", "error", err, "retry_in", backoff)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// connectAndServe dials, performs the handshake, and serves the connection
// until it drops. connected reports whether the handshake succeeded, which
// resets the caller's backoff.
func (c *Client) connectAndServe(ctx context.Context) (connected bool, _ error) {
	ws, _, err := websocket.Dial(ctx, c.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing: %w", err)
	}

	version, err := c.handshake(ctx, ws)
	if err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "handshake failed")
		return false, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return true, ErrClosed
	}
	c.ws = ws
	c.protocol = version
	c.mu.Unlock()

	c.logger.Info("connected", "protocol", version)
	err = c.readLoop(ctx, ws)

	c.mu.Lock()
	c.ws = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return true, err
}

func (c *Client) handshake(ctx context.Context, ws *websocket.Conn) (int, error) {
	params := protocol.ConnectParams{
		MinProtocol: protocol.VersionMin,
		MaxProtocol: protocol.VersionMax,
		Client:      c.opts.ClientInfo,
	}
	if c.opts.Token != "" || c.opts.Password != "" {
		params.Auth = &protocol.ConnectAuth{Token: c.opts.Token, Password: c.opts.Password}
	}

	req, err := protocol.NewRequest(uuid.New().String(), protocol.MethodConnect, params)
	if err != nil {
		return 0, err
	}
	if err := writeFrame(ctx, ws, req); err != nil {
		return 0, fmt.Errorf("sending connect: %w", err)
	}

	resp, err := readFrame(ctx, ws)
	if err != nil {
		return 0, fmt.Errorf("reading hello: %w", err)
	}
	if resp.Failed() {
		msg := "handshake rejected"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return 0, errors.New(msg)
	}

	var hello protocol.HelloPayload
	if err := json.Unmarshal(resp.Payload, &hello); err != nil {
		return 0, fmt.Errorf("parsing hello: %w", err)
	}
	if hello.Type != "hello-ok" {
		return 0, fmt.Errorf("unexpected hello type %q", hello.Type)
	}
	return hello.Protocol, nil
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		frame, err := readFrame(ctx, ws)
		if err != nil {
			return err
		}
		switch frame.Type {
		case protocol.TypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			if ok {
				delete(c.pending, frame.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- frame
			}
		case protocol.TypeEvent:
			select {
			case c.events <- frame:
			default:
				c.logger.Debug("event dropped, consumer too slow", "event", frame.Event)
			}
		}
	}
}

// Call sends one request and waits for its response. Fails fast when the
// connection is down.
func (c *Client) Call(ctx context.Context, method string, params any) (*protocol.Frame, error) {
	id := uuid.New().String()
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return nil, errors.New("not connected")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := writeFrame(ctx, ws, req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("sending request: %w", err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errors.New("connection dropped before response")
		}
		return resp, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, errors.New("request timed out")
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Close tears down the connection and fails all pending calls.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.ws != nil {
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	}
}

func writeFrame(ctx context.Context, ws *websocket.Conn, f *protocol.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func readFrame(ctx context.Context, ws *websocket.Conn) (*protocol.Frame, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("parsing frame: %w", err)
	}
	return &frame, nil
}
