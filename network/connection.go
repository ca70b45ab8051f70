package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"pairchat/metrics"
)

// ErrPongTimeout indicates keep-alive timed out waiting for pong.
var ErrPongTimeout = errors.New("network: pong timeout")

// ConnectionState represents the lifecycle state of one connection.
type ConnectionState string

const (
	StateConnecting    ConnectionState = "CONNECTING"
	StateReady         ConnectionState = "READY"
	StateIdle          ConnectionState = "IDLE"
	StateDisconnecting ConnectionState = "DISCONNECTING"
	StateDisconnected  ConnectionState = "DISCONNECTED"
)

// ConnectionOptions controls runtime behavior of Connection.
type ConnectionOptions struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if o.FrameReadTimeout <= 0 {
		o.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return o
}

// Connection is a framed session after hello. It answers pings, sends its
// own when idle, and queues every other frame for Receive.
type Connection struct {
	conn frameConn

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConnection(conn frameConn, options ConnectionOptions) *Connection {
	opts := options.withDefaults()
	c := &Connection{
		conn:              conn,
		keepAliveInterval: opts.KeepAliveInterval,
		keepAliveTimeout:  opts.KeepAliveTimeout,
		frameReadTimeout:  opts.FrameReadTimeout,
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
		state:             StateConnecting,
	}

	c.touchActivity()
	c.setState(StateReady)
	go c.readLoop()
	go c.keepAliveLoop()

	return c
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done is closed when the connection is fully disconnected.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal connection error, if any.
func (c *Connection) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// RemoteAddr returns the other side's address.
func (c *Connection) RemoteAddr() string {
	return c.conn.remoteAddr()
}

// Send marshals a protocol message and writes it as one frame.
func (c *Connection) Send(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// SendRaw writes a pre-marshaled payload as one frame.
func (c *Connection) SendRaw(payload []byte) error {
	if c.State() == StateDisconnected {
		if err := c.LastError(); err != nil {
			return err
		}
		return ErrConnectionClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.writeFrame(payload); err != nil {
		c.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}

	c.touchActivity()
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		msgType = "unknown"
	}
	metrics.RecordFrame("out", msgType)
	if msgType != TypePing && msgType != TypePong {
		c.setState(StateReady)
	}
	return nil
}

// Receive waits for the next non-keepalive inbound frame.
func (c *Connection) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.inbound:
		return payload, nil
	case <-c.closed:
		if err := c.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect sends disconnect and closes the connection.
func (c *Connection) Disconnect() error {
	c.setState(StateDisconnecting)

	_ = c.Send(DisconnectMessage{
		Type:      TypeDisconnect,
		Timestamp: time.Now().UnixMilli(),
	})

	return c.Close()
}

// Close terminates the connection.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Connection) readLoop() {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		payload, err := c.conn.readFrame(c.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}

			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		c.touchActivity()
		if len(payload) == 0 {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			metrics.RecordFrame("in", "unknown")
			select {
			case c.inbound <- payload:
			case <-c.closed:
			}
			continue
		}
		metrics.RecordFrame("in", msgType)

		switch msgType {
		case TypePing:
			c.setState(StateIdle)
			_ = c.Send(PongMessage{
				Type:      TypePong,
				Timestamp: time.Now().UnixMilli(),
			})
		case TypePong:
			c.ackPong()
			c.setState(StateIdle)
		case TypeDisconnect:
			c.setState(StateDisconnecting)
			c.closeWithError(nil)
			return
		default:
			c.setState(StateReady)
			select {
			case c.inbound <- payload:
			case <-c.closed:
				return
			}
		}
	}
}

func (c *Connection) keepAliveLoop() {
	checkEvery := c.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = c.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.State() == StateDisconnected {
				return
			}

			if c.waitingPongExpired() {
				c.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idleFor < c.keepAliveInterval {
				continue
			}

			if c.isWaitingPong() {
				continue
			}

			if err := c.Send(PingMessage{
				Type:      TypePing,
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				return
			}
			c.setWaitingPong(time.Now().Add(c.keepAliveTimeout))
			c.setState(StateIdle)
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) setState(state ConnectionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

func (c *Connection) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) setWaitingPong(deadline time.Time) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = true
	c.pongDeadline = deadline
}

func (c *Connection) ackPong() {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = false
	c.pongDeadline = time.Time{}
}

func (c *Connection) isWaitingPong() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong
}

func (c *Connection) waitingPongExpired() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong && time.Now().After(c.pongDeadline)
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.setState(StateDisconnected)
		_ = c.conn.close()
		close(c.closed)
	})
}
