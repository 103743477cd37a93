// ABOUTME: WebSocket control server for the crossp2p engine
// ABOUTME: Dispatches engine/call messages and streams bus events to controllers
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/upasthiti/crossp2p-go/internal/version"
	"github.com/upasthiti/crossp2p-go/pkg/crossp2p"
	"github.com/upasthiti/crossp2p-go/pkg/platform"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
	"go.uber.org/zap"
)

var errUnknownMethod = errors.New("unknown method")

// Config holds server configuration
type Config struct {
	Port   int
	Name   string
	Engine *crossp2p.Engine
	// Advertiser, when set, advertises the control endpoint as protocol.ControlServiceType
	Advertiser platform.ServiceDiscovery
	Logger     *zap.Logger
}

// Server exposes an engine to remote controllers
type Server struct {
	config   Config
	serverID string
	engine   *crossp2p.Engine
	log      *zap.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux
	advert     platform.Advertisement

	clients   map[string]*Client
	clientsMu sync.RWMutex

	unsubscribe []func()

	ctx    context.Context
	cancel context.CancelFunc

	stopChan   chan struct{}
	stopOnce   sync.Once
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

// Client is a connected controller
type Client struct {
	ID   string
	Name string
	Conn *websocket.Conn

	sendChan chan interface{}
	closed   bool
	mu       sync.Mutex
}

// New creates a server and starts forwarding engine events to its controllers
func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:   config,
		serverID: uuid.New().String(),
		engine:   config.Engine,
		log:      config.Logger.Named("server"),
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// Controllers are CLIs on the local network; browsers are not expected.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[string]*Client),
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
	}
	s.mux.HandleFunc(protocol.ControlPath, s.handleWebSocket)

	s.unsubscribe = []func(){
		s.engine.SubscribeEvents(s.forward(protocol.ChannelEvents)),
		s.engine.SubscribeData(s.forward(protocol.ChannelData)),
	}
	return s
}

// Handler returns the HTTP handler serving the control endpoint
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Stop is called or the listener fails
func (s *Server) Start() error {
	s.log.Info("server starting", zap.String("name", s.config.Name), zap.String("id", s.serverID))

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	s.log.Info("websocket server listening", zap.Int("port", port), zap.String("path", protocol.ControlPath))

	if s.config.Advertiser != nil {
		s.advertise(port)
	}

	s.httpServer = &http.Server{Handler: s.mux}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	var serverErr error
	select {
	case <-s.stopChan:
		s.log.Info("server shutting down")
	case err := <-errChan:
		s.log.Error("http server error", zap.Error(err))
		serverErr = err
	}

	s.shutdownMu.Lock()
	s.isShutdown = true
	s.shutdownMu.Unlock()

	if s.advert != nil {
		if err := s.advert.Close(); err != nil {
			s.log.Warn("stop advertisement", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn("http server shutdown error", zap.Error(err))
	}

	s.shutdown()
	s.log.Info("server stopped cleanly")

	if serverErr != nil {
		return fmt.Errorf("http server failed: %w", serverErr)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// Close releases the event subscriptions and waits for in-flight calls.
// Start does this itself; servers used only through Handler call it directly.
func (s *Server) Close() {
	s.shutdownMu.Lock()
	s.isShutdown = true
	s.shutdownMu.Unlock()
	s.shutdown()
}

func (s *Server) shutdown() {
	for _, unsub := range s.unsubscribe {
		unsub()
	}
	s.unsubscribe = nil
	s.cancel()

	s.clientsMu.RLock()
	for _, c := range s.clients {
		c.Conn.Close()
	}
	s.clientsMu.RUnlock()

	s.wg.Wait()
}

func (s *Server) advertise(port int) {
	adv, err := s.config.Advertiser.Register(s.ctx, platform.ServiceInfo{
		Name: s.config.Name,
		Type: protocol.ControlServiceType,
		Port: port,
		Attributes: map[string]string{
			"id":      s.serverID,
			"version": version.Version,
			"path":    protocol.ControlPath,
		},
	})
	if err != nil {
		s.log.Warn("failed to start mDNS advertisement", zap.Error(err))
		return
	}
	s.advert = adv
	s.log.Info("mDNS advertisement started", zap.String("type", protocol.ControlServiceType))
}

// forward fans one bus channel out to every connected controller
func (s *Server) forward(channel string) func(protocol.Event) {
	return func(ev protocol.Event) {
		msg := protocol.Message{
			Type:    protocol.TypeEvent,
			Payload: protocol.EventMessage{Channel: channel, Event: ev},
		}

		s.clientsMu.RLock()
		defer s.clientsMu.RUnlock()
		for _, c := range s.clients {
			if err := s.send(c, msg); err != nil {
				s.log.Warn("dropping event", zap.String("client", c.Name), zap.String("event", string(ev.Type)), zap.Error(err))
			}
		}
	}
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	s.log.Debug("new websocket connection", zap.String("remote", r.RemoteAddr))
	s.handleConnection(conn)
}

// handleConnection manages a controller connection
func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	s.shutdownMu.RLock()
	if s.isShutdown {
		s.shutdownMu.RUnlock()
		s.log.Debug("rejecting connection during shutdown")
		return
	}
	s.shutdownMu.RUnlock()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.log.Warn("error reading hello", zap.Error(err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("error unmarshaling message", zap.Error(err))
		return
	}
	if msg.Type != protocol.TypeClientHello {
		s.log.Warn("expected client/hello", zap.String("type", msg.Type))
		return
	}

	var hello protocol.ClientHello
	if err := protocol.DecodePayload(msg.Payload, &hello); err != nil {
		s.log.Warn("error decoding client hello", zap.Error(err))
		return
	}
	if hello.ClientID == "" || hello.Name == "" {
		s.log.Warn("client hello missing id or name")
		return
	}

	client := &Client{
		ID:       hello.ClientID,
		Name:     hello.Name,
		Conn:     conn,
		sendChan: make(chan interface{}, 256),
	}

	s.clientsMu.Lock()
	if existing, exists := s.clients[hello.ClientID]; exists {
		s.clientsMu.Unlock()
		s.log.Warn("rejecting duplicate client id", zap.String("id", hello.ClientID), zap.String("existing", existing.Name))
		_ = conn.WriteJSON(protocol.Message{
			Type:    protocol.TypeServerError,
			Payload: protocol.ErrorPayload{Code: "DUPLICATE_CLIENT_ID", Message: "Client ID already connected"},
		})
		return
	}
	s.clients[client.ID] = client
	s.clientsMu.Unlock()

	s.log.Info("controller connected", zap.String("name", client.Name), zap.String("id", client.ID))

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client.ID)
		s.clientsMu.Unlock()

		client.mu.Lock()
		client.closed = true
		close(client.sendChan)
		client.mu.Unlock()

		s.log.Info("controller disconnected", zap.String("name", client.Name))
	}()

	serverHello := protocol.ServerHello{
		ServerID: s.serverID,
		Name:     s.config.Name,
		Version:  protocol.ProtocolVersion,
		Product:  version.Product,
	}
	if err := s.send(client, protocol.Message{Type: protocol.TypeServerHello, Payload: serverHello}); err != nil {
		s.log.Warn("error sending server hello", zap.Error(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.clientWriter(client)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket error", zap.Error(err))
			}
			break
		}

		s.handleClientMessage(client, data)
	}
}

// clientWriter sends queued messages to the controller
func (s *Server) clientWriter(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	const writeDeadline = 10 * time.Second

	for {
		select {
		case msg, ok := <-client.sendChan:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Warn("error marshaling message", zap.Error(err))
				continue
			}
			client.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug("error writing message", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := client.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

// handleClientMessage processes messages from controllers
func (s *Server) handleClientMessage(client *Client, data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("error unmarshaling message", zap.Error(err))
		return
	}

	switch msg.Type {
	case protocol.TypeCall:
		var call protocol.Call
		if err := protocol.DecodePayload(msg.Payload, &call); err != nil {
			s.reply(client, msg.ID, nil, fmt.Errorf("%w: %v", protocol.ErrInvalidArguments, err))
			return
		}
		// Formation can take seconds; keep reading while it runs.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.log.Debug("call", zap.String("client", client.Name), zap.String("method", call.Method))
			result, err := s.dispatch(s.ctx, call)
			s.reply(client, msg.ID, result, err)
		}()
	default:
		s.log.Debug("unknown message type", zap.String("type", msg.Type))
	}
}

func (s *Server) reply(client *Client, id string, result interface{}, err error) {
	res := protocol.Result{Result: result}
	if err != nil {
		res = protocol.Result{Error: &protocol.ErrorPayload{Code: errorCode(err), Message: err.Error()}}
	}
	if err := s.send(client, protocol.Message{Type: protocol.TypeResult, ID: id, Payload: res}); err != nil {
		s.log.Warn("error sending result", zap.String("client", client.Name), zap.Error(err))
	}
}

func errorCode(err error) string {
	if errors.Is(err, errUnknownMethod) {
		return protocol.CodeUnknownMethod
	}
	return protocol.ErrorCode(err)
}

// send queues msg without blocking
func (s *Server) send(client *Client, msg protocol.Message) error {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.closed {
		return fmt.Errorf("client disconnected")
	}
	select {
	case client.sendChan <- msg:
		return nil
	default:
		return fmt.Errorf("client send buffer full")
	}
}

// dispatch maps one engine/call onto the engine
func (s *Server) dispatch(ctx context.Context, call protocol.Call) (interface{}, error) {
	switch call.Method {
	case protocol.MethodInitialize:
		var args protocol.InitializeArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		opts := crossp2p.DefaultInitOptions()
		if args.ServiceType != "" {
			opts.ServiceType = args.ServiceType
		}
		if args.PreferAware != nil {
			opts.PreferAware = *args.PreferAware
		}
		opts.EnableDebugLogs = args.EnableDebugLogs
		return s.engine.Initialize(ctx, opts)

	case protocol.MethodCreateRoom:
		var args protocol.CreateRoomArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		return s.engine.CreateRoom(ctx, args)

	case protocol.MethodJoinNetwork:
		var args protocol.JoinNetworkArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		return s.engine.JoinNetwork(ctx, args)

	case protocol.MethodScanNetworks:
		return s.engine.ScanNetworks(ctx)

	case protocol.MethodSingleScan:
		var args protocol.SingleScanArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		return s.engine.SingleScan(ctx, args)

	case protocol.MethodStartBroadcast:
		var args protocol.StartBroadcastArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		return success(s.engine.StartBroadcast(ctx, args))

	case protocol.MethodStopBroadcast:
		return success(s.engine.StopBroadcast())

	case protocol.MethodStartScan:
		var args protocol.StartScanArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		return success(s.engine.StartScan(ctx, args))

	case protocol.MethodStopScan:
		return success(s.engine.StopScan())

	case protocol.MethodDisconnect:
		return s.engine.Disconnect(ctx)

	case protocol.MethodGetBatteryLevel:
		return protocol.BatteryResult{BatteryLevel: s.engine.BatteryLevel(ctx)}, nil

	case protocol.MethodGetSignalStrength:
		return protocol.SignalResult{SignalStrength: s.engine.SignalStrength(ctx)}, nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownMethod, call.Method)
	}
}

func decodeArgs(call protocol.Call, out interface{}) error {
	if call.Args == nil {
		return nil
	}
	if err := protocol.DecodePayload(call.Args, out); err != nil {
		return fmt.Errorf("%w: %s: %v", protocol.ErrInvalidArguments, call.Method, err)
	}
	return nil
}

func success(err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	return protocol.SuccessResult{Success: true}, nil
}
