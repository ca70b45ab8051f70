package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pairchat/auth"
	"pairchat/replica"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	Store  replica.Store
	Auth   auth.Authenticator
	HostID string

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration

	// CheckOrigin is passed to the WebSocket upgrader. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool

	Logger zerolog.Logger
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	return o
}

func (o ServerOptions) connectionOptions() ConnectionOptions {
	return ConnectionOptions{
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		FrameReadTimeout:  o.FrameReadTimeout,
	}
}

// Server exposes a replica.Store and an auth.Authenticator to remote
// clients over TCP and WebSocket.
type Server struct {
	options  ServerOptions
	log      zerolog.Logger
	upgrader websocket.Upgrader

	listener net.Listener

	mu       sync.Mutex
	sessions map[*serverSession]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer validates options. Use Listen for TCP or WebSocketHandler for
// HTTP upgrades.
func NewServer(options ServerOptions) (*Server, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	opts := options.withDefaults()
	return &Server{
		options: opts,
		log:     opts.Logger.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		sessions: make(map[*serverSession]struct{}),
		closed:   make(chan struct{}),
	}, nil
}

// Listen starts a server with a TCP accept loop on address.
func Listen(address string, options ServerOptions) (*Server, error) {
	server, err := NewServer(options)
	if err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	server.listener = listener

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the TCP listening address, or nil without Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// WebSocketHandler upgrades HTTP requests and serves each as a session.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isClosed() {
			http.Error(w, "server closed", http.StatusServiceUnavailable)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}

		s.mu.Lock()
		if s.isClosed() {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handleInbound(newWSFrameConn(conn))
	})
}

// Close stops accepting, ends every session and waits for them.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closed)
		s.mu.Unlock()
		if s.listener != nil {
			closeErr = s.listener.Close()
		}

		s.mu.Lock()
		sessions := make([]*serverSession, 0, len(s.sessions))
		for session := range s.sessions {
			sessions = append(sessions, session)
		}
		s.mu.Unlock()
		for _, session := range sessions {
			_ = session.conn.Disconnect()
		}

		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInbound(tcpFrameConn{conn: conn})
	}
}

func (s *Server) handleInbound(conn frameConn) {
	defer s.wg.Done()

	if err := s.hello(conn); err != nil {
		s.reportError(fmt.Errorf("hello from %s: %w", conn.remoteAddr(), err))
		_ = conn.close()
		return
	}

	session := &serverSession{
		server: s,
		conn:   newConnection(conn, s.options.connectionOptions()),
		subs:   make(map[string]replica.Subscription),
		log:    s.log.With().Str("remote", conn.remoteAddr()).Logger(),
	}

	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, session)
		s.mu.Unlock()
	}()

	if s.isClosed() {
		_ = session.conn.Disconnect()
	}

	session.serve()
}

// hello reads the client's Hello and answers it under ConnectionTimeout.
func (s *Server) hello(conn frameConn) error {
	if err := conn.setDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		return fmt.Errorf("set hello deadline: %w", err)
	}

	payload, err := conn.readFrame(s.options.ConnectionTimeout)
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return err
	}
	if msgType != TypeHello {
		_ = s.sendError(conn, ErrorMessage{
			Type:      TypeError,
			Code:      CodeUnknownType,
			Message:   fmt.Sprintf("Expected %q, got %q", TypeHello, msgType),
			Timestamp: time.Now().UnixMilli(),
		})
		return ErrInvalidMessageType
	}

	var hello Hello
	if err := json.Unmarshal(payload, &hello); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		_ = s.sendError(conn, makeVersionMismatchError(hello.ProtocolVersion))
		return ErrUnsupportedVersion
	}

	response, err := EncodeJSON(HelloResponse{
		Type:            TypeHelloResponse,
		HostID:          s.options.HostID,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := conn.writeFrame(response); err != nil {
		return fmt.Errorf("write hello response: %w", err)
	}

	if err := conn.setDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear hello deadline: %w", err)
	}

	s.log.Debug().Str("remote", conn.remoteAddr()).Str("client", hello.ClientID).Msg("session opened")
	return nil
}

func (s *Server) sendError(conn frameConn, message ErrorMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return conn.writeFrame(payload)
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}
	s.log.Warn().Err(err).Msg("server error")
}

// serverSession handles the requests of one connection in arrival order.
type serverSession struct {
	server *Server
	conn   *Connection
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[string]replica.Subscription

	// identity is the account this connection last signed in as. Only the
	// request loop reads or writes it.
	identity string
}

func (ss *serverSession) serve() {
	defer ss.closeSubscriptions()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-ss.conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		payload, err := ss.conn.Receive(ctx)
		if err != nil {
			if err := ss.conn.LastError(); err != nil {
				ss.log.Debug().Err(err).Msg("session ended")
			}
			return
		}
		ss.handle(ctx, payload)
	}
}

func (ss *serverSession) handle(ctx context.Context, payload []byte) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		ss.fail("", CodeBadRequest, err)
		return
	}

	if msgType == TypeAuth {
		ss.handleAuth(ctx, payload)
		return
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		ss.fail("", CodeBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	store := ss.server.options.Store
	switch msgType {
	case TypeSubscribe:
		ss.subscribe(ctx, req)
	case TypeUnsubscribe:
		ss.unsubscribe(req)
	case TypeGet:
		snap, err := store.Get(ctx, req.Path)
		ss.replySnapshot(req.RequestID, snap, err)
	case TypeRangeQuery:
		snap, err := store.RangeQuery(ctx, req.Path, req.Field, req.Start, req.End)
		ss.replySnapshot(req.RequestID, snap, err)
	case TypeSet:
		if err := ss.authorizeWrite(ctx, opSet, req.Path, req.Value, nil); err != nil {
			ss.reply(newErrorMessage(req.RequestID, err))
			return
		}
		var value any
		if !isNull(req.Value) {
			value = req.Value
		}
		ss.replyAck(req.RequestID, "", store.Set(ctx, req.Path, value))
	case TypeUpdate:
		if err := ss.authorizeWrite(ctx, opUpdate, req.Path, nil, req.Fields); err != nil {
			ss.reply(newErrorMessage(req.RequestID, err))
			return
		}
		fields := make(map[string]any, len(req.Fields))
		for name, raw := range req.Fields {
			if isNull(raw) {
				fields[name] = nil
				continue
			}
			fields[name] = raw
		}
		ss.replyAck(req.RequestID, "", store.Update(ctx, req.Path, fields))
	case TypeAppend:
		if err := ss.authorizeWrite(ctx, opAppend, req.Path, req.Value, nil); err != nil {
			ss.reply(newErrorMessage(req.RequestID, err))
			return
		}
		key, err := store.Append(ctx, req.Path, req.Value)
		if err != nil {
			ss.reply(newErrorMessage(req.RequestID, err))
			return
		}
		ss.reply(Result{Type: TypeResult, RequestID: req.RequestID, Key: key})
	default:
		ss.reply(ErrorMessage{
			Type:      TypeError,
			Code:      CodeUnknownType,
			Message:   fmt.Sprintf("unknown message type %q", msgType),
			RequestID: req.RequestID,
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

func (ss *serverSession) subscribe(ctx context.Context, req Request) {
	if req.SubscriptionID == "" {
		ss.fail(req.RequestID, CodeBadRequest, errors.New("subscription_id is required"))
		return
	}

	id := req.SubscriptionID
	sub, err := ss.server.options.Store.Subscribe(ctx, req.Path, func(snap replica.Snapshot) {
		if err := ss.conn.Send(SnapshotMessage{
			Type:           TypeSnapshot,
			SubscriptionID: id,
			Path:           snap.Path,
			Data:           snap.Data,
		}); err != nil {
			ss.log.Debug().Err(err).Str("subscription", id).Msg("push snapshot failed")
		}
	})
	if err != nil {
		ss.reply(newErrorMessage(req.RequestID, err))
		return
	}

	ss.mu.Lock()
	previous := ss.subs[id]
	ss.subs[id] = sub
	ss.mu.Unlock()
	if previous != nil {
		_ = previous.Unsubscribe()
	}

	ss.replyAck(req.RequestID, id, nil)
}

func (ss *serverSession) unsubscribe(req Request) {
	ss.mu.Lock()
	sub, ok := ss.subs[req.SubscriptionID]
	delete(ss.subs, req.SubscriptionID)
	ss.mu.Unlock()

	if !ok {
		ss.replyAck(req.RequestID, req.SubscriptionID, replica.ErrUnsubscribed)
		return
	}
	ss.replyAck(req.RequestID, req.SubscriptionID, sub.Unsubscribe())
}

func (ss *serverSession) handleAuth(ctx context.Context, payload []byte) {
	var req AuthRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		ss.fail("", CodeBadRequest, fmt.Errorf("decode auth request: %w", err))
		return
	}

	authenticator := ss.server.options.Auth
	if authenticator == nil {
		ss.fail(req.RequestID, CodeUnsupported, errors.New("auth is not served by this host"))
		return
	}

	var (
		outcome auth.Outcome
		err     error
	)
	switch req.Op {
	case AuthOpRegister:
		outcome, err = authenticator.Register(ctx, req.Identifier, req.Secret)
	case AuthOpAuthenticate:
		outcome, err = authenticator.Authenticate(ctx, req.Identifier, req.Secret)
	case AuthOpChangeSecret:
		outcome, err = authenticator.ChangeSecret(ctx, req.Identifier, req.Secret, req.NewSecret)
	case AuthOpDeleteAccount:
		outcome, err = authenticator.DeleteAccount(ctx, req.Identifier, req.Secret)
	default:
		ss.fail(req.RequestID, CodeBadRequest, fmt.Errorf("unknown auth op %q", req.Op))
		return
	}
	if err != nil {
		ss.reply(newErrorMessage(req.RequestID, err))
		return
	}

	if outcome == auth.OutcomeAuthenticated {
		switch req.Op {
		case AuthOpRegister, AuthOpAuthenticate:
			ss.identity = req.Identifier
		case AuthOpDeleteAccount:
			if ss.identity == req.Identifier {
				ss.identity = ""
			}
		}
	}
	ss.reply(AuthResult{Type: TypeAuthResult, RequestID: req.RequestID, Outcome: string(outcome)})
}

func (ss *serverSession) replySnapshot(requestID string, snap replica.Snapshot, err error) {
	if err != nil {
		ss.reply(newErrorMessage(requestID, err))
		return
	}
	ss.reply(Result{Type: TypeResult, RequestID: requestID, Path: snap.Path, Data: snap.Data})
}

func (ss *serverSession) replyAck(requestID, subscriptionID string, err error) {
	if err != nil {
		ss.reply(newErrorMessage(requestID, err))
		return
	}
	ss.reply(AckMessage{Type: TypeAck, RequestID: requestID, SubscriptionID: subscriptionID})
}

func (ss *serverSession) fail(requestID, code string, err error) {
	ss.reply(ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   err.Error(),
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (ss *serverSession) reply(message any) {
	if err := ss.conn.Send(message); err != nil {
		ss.log.Debug().Err(err).Msg("reply failed")
	}
}

func (ss *serverSession) closeSubscriptions() {
	ss.mu.Lock()
	subs := ss.subs
	ss.subs = make(map[string]replica.Subscription)
	ss.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
