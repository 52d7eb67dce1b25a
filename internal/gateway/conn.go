// ABOUTME: One WebSocket client connection: handshake, frame loops, sink
// ABOUTME: Enforces connect-first ordering and unique in-flight request IDs

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/moltis/gateway/internal/protocol"
	"github.com/moltis/gateway/internal/session"
)

// outboundQueueSize bounds the per-connection send queue. Events beyond
// this are dropped for the slow connection; responses always get through
// because the handler blocks on them.
const outboundQueueSize = 256

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxFrameBytes    = 4 << 20
)

// conn is one live client connection. The read loop owns all request
// handling; the write loop is the only writer to the socket.
type conn struct {
	id       string
	ws       *websocket.Conn
	gw       *Gateway
	logger   *slog.Logger
	protocol int

	outbound chan *protocol.Frame
	closed   chan struct{}
	once     sync.Once

	mu            sync.Mutex
	authenticated bool
	inflight      map[string]struct{}
	activeSession string
}

// handleWebSocket upgrades the HTTP request and runs the connection until
// it closes.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*", "*.localhost", "*.localhost:*", g.config.Server.HTTPAddr},
	})
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	c := &conn{
		id:       uuid.New().String(),
		ws:       ws,
		gw:       g,
		outbound: make(chan *protocol.Frame, outboundQueueSize),
		closed:   make(chan struct{}),
		inflight: make(map[string]struct{}),
	}
	c.logger = g.logger.With("conn_id", c.id)

	c.run(r.Context())
}

// ConnID implements broadcast.Sink.
func (c *conn) ConnID() string { return c.id }

// TrySend implements broadcast.Sink: non-blocking enqueue, false on
// overflow or after close.
func (c *conn) TrySend(f *protocol.Frame) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.outbound <- f:
		return true
	default:
		return false
	}
}

// send enqueues a frame, blocking until there is room. Used for responses,
// which must not be dropped.
func (c *conn) send(ctx context.Context, f *protocol.Frame) {
	select {
	case c.outbound <- f:
	case <-c.closed:
	case <-ctx.Done():
	}
}

func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop(ctx)
	defer c.shutdown()

	if err := c.handshake(ctx); err != nil {
		c.logger.Info("handshake failed", "error", err)
		return
	}

	c.gw.broadcaster.Register(c)
	c.gw.broadcaster.Subscribe(c.id, session.MainKey)
	c.setActiveSession(session.MainKey)
	c.gw.connsMu.Lock()
	c.gw.conns[c.id] = c
	c.gw.connsMu.Unlock()
	defer func() {
		c.gw.connsMu.Lock()
		delete(c.gw.conns, c.id)
		c.gw.connsMu.Unlock()
		c.gw.broadcaster.Unregister(c.id)
	}()

	c.logger.Info("client connected", "protocol", c.protocol)
	c.readLoop(ctx)
	c.logger.Info("client disconnected")
}

func (c *conn) shutdown() {
	c.once.Do(func() { close(c.closed) })
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

// handshake reads the first frame, which must be a connect request, and
// completes version negotiation and authentication. Any failure closes the
// connection.
func (c *conn) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	frame, err := c.readFrame(ctx)
	if err != nil {
		return fmt.Errorf("reading connect frame: %w", err)
	}
	if frame.Type != protocol.TypeRequest || frame.Method != protocol.MethodConnect {
		c.send(ctx, protocol.NewErrorResponse(frame.ID, protocol.CodeHandshake,
			"first frame must be a connect request"))
		return errors.New("first frame was not connect")
	}

	var params protocol.ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.send(ctx, protocol.NewErrorResponse(frame.ID, protocol.CodeHandshake, "malformed connect params"))
		return fmt.Errorf("parsing connect params: %w", err)
	}

	version, err := protocol.NegotiateVersion(params.MinProtocol, params.MaxProtocol)
	if err != nil {
		c.send(ctx, protocol.NewErrorResponse(frame.ID, protocol.CodeHandshake, err.Error()))
		return err
	}
	c.protocol = version

	if c.gw.auth.Required() {
		if err := c.authenticate(params.Auth); err != nil {
			// The cause stays server-side; the client only learns it failed.
			c.send(ctx, protocol.NewErrorResponse(frame.ID, protocol.CodeUnauthenticated, "authentication failed"))
			return err
		}
	}
	c.setAuthenticated(true)

	hello, err := protocol.NewResponse(frame.ID, &protocol.HelloPayload{
		Type:     "hello-ok",
		Protocol: version,
		Server:   protocol.ServerInfo{Name: "moltis-gateway", Version: Version},
	})
	if err != nil {
		return err
	}
	c.send(ctx, hello)
	return nil
}

func (c *conn) authenticate(a *protocol.ConnectAuth) error {
	if a == nil {
		return errors.New("credentials required")
	}
	if a.Token != "" {
		return c.gw.auth.VerifyToken(a.Token)
	}
	return c.gw.auth.VerifyPassword(a.Password)
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		frame, err := c.readFrame(ctx)
		if err != nil {
			return
		}
		if frame.Type != protocol.TypeRequest {
			c.logger.Debug("ignoring non-request frame", "type", frame.Type)
			continue
		}
		c.handleRequest(ctx, frame)
	}
}

func (c *conn) readFrame(ctx context.Context) (*protocol.Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("parsing frame: %w", err)
	}
	return &frame, nil
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-c.outbound:
			data, err := json.Marshal(frame)
			if err != nil {
				c.logger.Error("encoding frame", "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleRequest validates the envelope and dispatches to the method router.
// Request IDs must be unique among this connection's in-flight requests.
func (c *conn) handleRequest(ctx context.Context, frame *protocol.Frame) {
	if frame.ID == "" {
		c.send(ctx, protocol.NewErrorResponse("", protocol.CodeInvalidParams, "request id is required"))
		return
	}

	c.mu.Lock()
	if _, busy := c.inflight[frame.ID]; busy {
		c.mu.Unlock()
		c.send(ctx, protocol.NewErrorResponse(frame.ID, protocol.CodeDuplicateRequestID,
			"request id already in flight"))
		return
	}
	c.inflight[frame.ID] = struct{}{}
	authed := c.authenticated
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, frame.ID)
		c.mu.Unlock()
	}()

	if !authed {
		c.send(ctx, protocol.NewErrorResponse(frame.ID, protocol.CodeUnauthenticated, "re-authentication required"))
		return
	}

	resp := c.gw.dispatch(ctx, c, frame)
	if resp != nil {
		c.send(ctx, resp)
	}
}

func (c *conn) setAuthenticated(v bool) {
	c.mu.Lock()
	c.authenticated = v
	c.mu.Unlock()
}

func (c *conn) setActiveSession(key string) {
	c.mu.Lock()
	prev := c.activeSession
	c.activeSession = key
	c.mu.Unlock()

	if prev != "" && prev != key {
		c.gw.broadcaster.Unsubscribe(c.id, prev)
	}
	if key != "" && key != prev {
		c.gw.broadcaster.Subscribe(c.id, key)
	}
}

func (c *conn) getActiveSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSession
}
