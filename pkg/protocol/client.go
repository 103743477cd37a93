// ABOUTME: WebSocket client for the crossp2p control protocol
// ABOUTME: Handles connection, handshake, method calls and event routing
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// ControlPath is the HTTP path of the control endpoint
	ControlPath = "/crossp2p"
	// ControlServiceType is the mDNS type daemons advertise their control endpoint under
	ControlServiceType = "_crossp2p._tcp"
)

// ErrClosed is returned for calls on a closed client
var ErrClosed = errors.New("client closed")

// CallError is a structured failure returned by the server
type CallError struct {
	Code    string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets errors.Is match a CallError against the sentinel errors
func (e *CallError) Is(target error) bool {
	return ErrorCode(target) == e.Code && e.Code != CodeInternal
}

// ClientConfig holds client configuration
type ClientConfig struct {
	ServerAddr string
	ClientID   string
	Name       string
	Logger     *zap.Logger
}

// Client is a control connection to a crossp2p daemon
type Client struct {
	config ClientConfig
	log    *zap.Logger

	conn    *websocket.Conn
	mu      sync.RWMutex
	writeMu sync.Mutex

	pending   map[string]chan Result
	pendingMu sync.Mutex

	// Events carries streamed bus events from both channels
	Events chan EventMessage

	server    ServerHello
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a new control client
func NewClient(config ClientConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	if config.ClientID == "" {
		config.ClientID = uuid.New().String()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config:  config,
		log:     logger.Named("client"),
		pending: make(map[string]chan Result),
		Events:  make(chan EventMessage, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect establishes the WebSocket connection and performs the handshake
func (c *Client) Connect() error {
	u := url.URL{Scheme: "ws", Host: c.config.ServerAddr, Path: ControlPath}
	c.log.Debug("connecting", zap.String("url", u.String()))

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()

	return nil
}

// handshake performs the protocol handshake
func (c *Client) handshake() error {
	hello := ClientHello{
		ClientID: c.config.ClientID,
		Name:     c.config.Name,
		Version:  ProtocolVersion,
	}

	if err := c.sendJSON(Message{Type: TypeClientHello, Payload: hello}); err != nil {
		return fmt.Errorf("failed to send client/hello: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read server/hello: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	var serverMsg Message
	if err := json.Unmarshal(data, &serverMsg); err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}

	if serverMsg.Type != TypeServerHello {
		return fmt.Errorf("expected server/hello, got %s", serverMsg.Type)
	}

	if err := DecodePayload(serverMsg.Payload, &c.server); err != nil {
		return fmt.Errorf("failed to decode server/hello: %w", err)
	}

	c.log.Debug("handshake complete", zap.String("server", c.server.Name))
	return nil
}

// Server returns the server hello received during the handshake
func (c *Client) Server() ServerHello {
	return c.server
}

// Call invokes method with args and decodes the result into out (may be nil)
func (c *Client) Call(ctx context.Context, method string, args interface{}, out interface{}) error {
	var argMap map[string]interface{}
	if args != nil {
		if err := DecodePayload(args, &argMap); err != nil {
			return fmt.Errorf("encode args: %w", err)
		}
	}

	id := uuid.New().String()
	ch := make(chan Result, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	msg := Message{Type: TypeCall, ID: id, Payload: Call{Method: method, Args: argMap}}
	if err := c.sendJSON(msg); err != nil {
		return err
	}

	select {
	case res := <-ch:
		if res.Error != nil {
			return &CallError{Code: res.Error.Code, Message: res.Error.Message}
		}
		if out == nil {
			return nil
		}
		return DecodePayload(res.Result, out)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// sendJSON sends a JSON message
func (c *Client) sendJSON(msg Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// readMessages reads and routes incoming messages
func (c *Client) readMessages() {
	defer c.Close()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read error", zap.Error(err))
			}
			return
		}

		c.handleJSONMessage(data)
	}
}

// handleJSONMessage routes JSON messages
func (c *Client) handleJSONMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("failed to parse message", zap.Error(err))
		return
	}

	switch msg.Type {
	case TypeResult:
		var res Result
		if err := DecodePayload(msg.Payload, &res); err != nil {
			c.log.Warn("failed to parse engine/result", zap.Error(err))
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- res
		}

	case TypeEvent:
		var ev EventMessage
		if err := DecodePayload(msg.Payload, &ev); err != nil {
			c.log.Warn("failed to parse engine/event", zap.Error(err))
			return
		}
		select {
		case c.Events <- ev:
		case <-c.ctx.Done():
		}

	case TypeServerError:
		var e ErrorPayload
		_ = DecodePayload(msg.Payload, &e)
		c.log.Warn("server error", zap.String("code", e.Code), zap.String("message", e.Message))

	default:
		c.log.Debug("unknown message type", zap.String("type", msg.Type))
	}
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
		c.log.Debug("connection closed")
	}
}

// Done is closed once the connection has gone away
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
