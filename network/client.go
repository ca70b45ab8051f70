package network

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
	"github.com/rs/zerolog"

	"pairchat/auth"
	"pairchat/replica"
)

// ClientOptions configures Dial and DialWebSocket.
type ClientOptions struct {
	ClientID string

	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration

	// Header is sent with the WebSocket upgrade request.
	Header http.Header

	Logger zerolog.Logger
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	return o
}

// Client is a replica.Store and auth.Authenticator served by a remote
// Server. Requests are correlated by id; subscriptions receive pushed
// snapshots on their own goroutine, latest wins.
type Client struct {
	options ClientOptions
	conn    *Connection
	hostID  string
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan []byte
	subs    map[string]*remoteSubscription

	done chan struct{}
}

var (
	_ replica.Store      = (*Client)(nil)
	_ auth.Authenticator = (*Client)(nil)
)

// Dial connects to a Server over TCP.
func Dial(ctx context.Context, address string, options ClientOptions) (*Client, error) {
	opts := options.withDefaults()

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	return newClient(tcpFrameConn{conn: conn}, opts)
}

// DialWebSocket connects to a Server's WebSocketHandler at url.
func DialWebSocket(ctx context.Context, url string, options ClientOptions) (*Client, error) {
	opts := options.withDefaults()

	dialer := websocket.Dialer{HandshakeTimeout: opts.ConnectionTimeout}
	conn, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", url, err)
	}
	return newClient(newWSFrameConn(conn), opts)
}

func newClient(conn frameConn, opts ClientOptions) (*Client, error) {
	hostID, err := clientHello(conn, opts)
	if err != nil {
		_ = conn.close()
		return nil, err
	}

	c := &Client{
		options: opts,
		conn: newConnection(conn, ConnectionOptions{
			KeepAliveInterval: opts.KeepAliveInterval,
			KeepAliveTimeout:  opts.KeepAliveTimeout,
			FrameReadTimeout:  opts.FrameReadTimeout,
		}),
		hostID:  hostID,
		log:     opts.Logger.With().Str("component", "client").Str("host", hostID).Logger(),
		pending: make(map[string]chan []byte),
		subs:    make(map[string]*remoteSubscription),
		done:    make(chan struct{}),
	}
	go c.dispatchLoop()
	return c, nil
}

func clientHello(conn frameConn, opts ClientOptions) (string, error) {
	if err := conn.setDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		return "", fmt.Errorf("set hello deadline: %w", err)
	}

	payload, err := EncodeJSON(Hello{
		Type:            TypeHello,
		ClientID:        opts.ClientID,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	if err := conn.writeFrame(payload); err != nil {
		return "", fmt.Errorf("send hello: %w", err)
	}

	responsePayload, err := conn.readFrame(opts.ConnectionTimeout)
	if err != nil {
		return "", fmt.Errorf("read hello response: %w", err)
	}
	msgType, err := DecodeMessageType(responsePayload)
	if err != nil {
		return "", err
	}
	if msgType == TypeError {
		return "", decodeRemoteError(responsePayload)
	}
	if msgType != TypeHelloResponse {
		return "", fmt.Errorf("expected %q, got %q", TypeHelloResponse, msgType)
	}

	var response HelloResponse
	if err := json.Unmarshal(responsePayload, &response); err != nil {
		return "", fmt.Errorf("decode hello response: %w", err)
	}
	if response.ProtocolVersion != ProtocolVersion {
		return "", ErrUnsupportedVersion
	}

	if err := conn.setDeadline(time.Time{}); err != nil {
		return "", fmt.Errorf("clear hello deadline: %w", err)
	}
	return response.HostID, nil
}

// HostID returns the id the server announced in hello.
func (c *Client) HostID() string {
	return c.hostID
}

// Done is closed once the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close disconnects. Live subscriptions stop receiving snapshots.
func (c *Client) Close() error {
	err := c.conn.Disconnect()
	<-c.done
	return err
}

// Subscribe registers handler for path on the server.
func (c *Client) Subscribe(ctx context.Context, path string, handler replica.Handler) (replica.Subscription, error) {
	if handler == nil {
		return nil, errors.New("network: nil handler")
	}

	sub := &remoteSubscription{
		client:  c,
		id:      uuid.NewString(),
		Mailbox: replica.NewMailbox(handler),
	}
	if !c.addSubscription(sub) {
		sub.Stop()
		return nil, ErrConnectionClosed
	}

	_, err := c.call(ctx, Request{
		Type:           TypeSubscribe,
		SubscriptionID: sub.id,
		Path:           path,
	})
	if err != nil {
		c.removeSubscription(sub.id)
		sub.Stop()
		return nil, err
	}
	return sub, nil
}

// Get reads the value at path.
func (c *Client) Get(ctx context.Context, path string) (replica.Snapshot, error) {
	payload, err := c.call(ctx, Request{Type: TypeGet, Path: path})
	if err != nil {
		return replica.Snapshot{}, err
	}
	return decodeSnapshotResult(payload)
}

// Set replaces the value at path.
func (c *Client) Set(ctx context.Context, path string, value any) error {
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, Request{Type: TypeSet, Path: path, Value: raw})
	return err
}

// Update replaces the named children of path.
func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(fields))
	for name, value := range fields {
		raw, err := encodeValue(value)
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		encoded[name] = raw
	}
	_, err := c.call(ctx, Request{Type: TypeUpdate, Path: path, Fields: encoded})
	return err
}

// Append stores value under a server-assigned key.
func (c *Client) Append(ctx context.Context, path string, value any) (string, error) {
	raw, err := encodeValue(value)
	if err != nil {
		return "", err
	}
	payload, err := c.call(ctx, Request{Type: TypeAppend, Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", fmt.Errorf("decode append result: %w", err)
	}
	return result.Key, nil
}

// RangeQuery filters the children of path on the server.
func (c *Client) RangeQuery(ctx context.Context, path, field, start, end string) (replica.Snapshot, error) {
	payload, err := c.call(ctx, Request{
		Type:  TypeRangeQuery,
		Path:  path,
		Field: field,
		Start: start,
		End:   end,
	})
	if err != nil {
		return replica.Snapshot{}, err
	}
	return decodeSnapshotResult(payload)
}

// Register implements auth.Authenticator.
func (c *Client) Register(ctx context.Context, identifier, secret string) (auth.Outcome, error) {
	return c.authenticate(ctx, AuthRequest{Op: AuthOpRegister, Identifier: identifier, Secret: secret})
}

// Authenticate implements auth.Authenticator.
func (c *Client) Authenticate(ctx context.Context, identifier, secret string) (auth.Outcome, error) {
	return c.authenticate(ctx, AuthRequest{Op: AuthOpAuthenticate, Identifier: identifier, Secret: secret})
}

// ChangeSecret implements auth.Authenticator.
func (c *Client) ChangeSecret(ctx context.Context, identifier, oldSecret, newSecret string) (auth.Outcome, error) {
	return c.authenticate(ctx, AuthRequest{
		Op:         AuthOpChangeSecret,
		Identifier: identifier,
		Secret:     oldSecret,
		NewSecret:  newSecret,
	})
}

// DeleteAccount implements auth.Authenticator.
func (c *Client) DeleteAccount(ctx context.Context, identifier, secret string) (auth.Outcome, error) {
	return c.authenticate(ctx, AuthRequest{Op: AuthOpDeleteAccount, Identifier: identifier, Secret: secret})
}

func (c *Client) authenticate(ctx context.Context, req AuthRequest) (auth.Outcome, error) {
	req.Type = TypeAuth
	payload, err := c.call(ctx, req)
	if err != nil {
		return "", err
	}
	var result AuthResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", fmt.Errorf("decode auth result: %w", err)
	}
	return auth.Outcome(result.Outcome), nil
}

// call sends req with a fresh request id and waits for the matching reply.
// An error reply is returned as *RemoteError.
func (c *Client) call(ctx context.Context, req any) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.RequestTimeout)
		defer cancel()
	}

	requestID := uuid.NewString()
	switch r := req.(type) {
	case Request:
		r.RequestID = requestID
		req = r
	case AuthRequest:
		r.RequestID = requestID
		req = r
	default:
		return nil, fmt.Errorf("unsupported request %T", req)
	}

	reply := make(chan []byte, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[requestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, requestID)
		}
		c.mu.Unlock()
	}()

	if err := c.conn.Send(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case payload := <-reply:
		msgType, err := DecodeMessageType(payload)
		if err != nil {
			return nil, err
		}
		if msgType == TypeError {
			return nil, decodeRemoteError(payload)
		}
		return payload, nil
	case <-c.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// correlation covers every field a reply may be routed by.
type correlation struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id"`
	SubscriptionID string `json:"subscription_id"`
}

func (c *Client) dispatchLoop() {
	defer c.shutdown()

	ctx := context.Background()
	for {
		payload, err := c.conn.Receive(ctx)
		if err != nil {
			if err := c.conn.LastError(); err != nil {
				c.log.Debug().Err(err).Msg("connection ended")
			}
			return
		}

		var routing correlation
		if err := json.Unmarshal(payload, &routing); err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}

		if routing.Type == TypeSnapshot {
			c.deliverSnapshot(routing.SubscriptionID, payload)
			continue
		}

		c.mu.Lock()
		reply, ok := c.pending[routing.RequestID]
		c.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case reply <- payload:
		default:
		}
	}
}

func (c *Client) deliverSnapshot(subscriptionID string, payload []byte) {
	c.mu.Lock()
	sub, ok := c.subs[subscriptionID]
	c.mu.Unlock()
	if !ok {
		return
	}

	var msg SnapshotMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.log.Warn().Err(err).Str("subscription", subscriptionID).Msg("dropping undecodable snapshot")
		return
	}
	sub.Deliver(replica.Snapshot{Path: msg.Path, Data: msg.Data})
}

func (c *Client) shutdown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.pending = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	close(c.done)
}

func (c *Client) addSubscription(sub *remoteSubscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		return false
	}
	c.subs[sub.id] = sub
	return true
}

func (c *Client) removeSubscription(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs != nil {
		delete(c.subs, id)
	}
}

type remoteSubscription struct {
	*replica.Mailbox

	client *Client
	id     string
}

// Unsubscribe stops delivery at once and tells the server without waiting.
func (s *remoteSubscription) Unsubscribe() error {
	if !s.Stop() {
		return replica.ErrUnsubscribed
	}
	s.client.removeSubscription(s.id)

	if err := s.client.conn.Send(Request{
		Type:           TypeUnsubscribe,
		RequestID:      uuid.NewString(),
		SubscriptionID: s.id,
	}); err != nil {
		s.client.log.Debug().Err(err).Str("subscription", s.id).Msg("unsubscribe not sent")
	}
	return nil
}

func encodeValue(value any) (json.RawMessage, error) {
	if value == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", replica.ErrInvalidValue, err)
	}
	return raw, nil
}

func decodeSnapshotResult(payload []byte) (replica.Snapshot, error) {
	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return replica.Snapshot{}, fmt.Errorf("decode result: %w", err)
	}
	data := result.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return replica.Snapshot{Path: result.Path, Data: data}, nil
}
