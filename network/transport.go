package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// frameConn moves whole frames over one underlying transport.
type frameConn interface {
	readFrame(timeout time.Duration) ([]byte, error)
	writeFrame(payload []byte) error
	setDeadline(t time.Time) error
	remoteAddr() string
	close() error
}

type tcpFrameConn struct {
	conn net.Conn
}

func (c tcpFrameConn) readFrame(timeout time.Duration) ([]byte, error) {
	return ReadFrameWithTimeout(c.conn, timeout)
}

func (c tcpFrameConn) writeFrame(payload []byte) error {
	return WriteFrame(c.conn, payload)
}

func (c tcpFrameConn) setDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c tcpFrameConn) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c tcpFrameConn) close() error {
	return c.conn.Close()
}

// wsFrameConn carries one frame per WebSocket text message. Read deadlines
// are not used between frames: a timed-out WebSocket read cannot be resumed,
// so idle detection is left to keep-alive.
type wsFrameConn struct {
	conn *websocket.Conn
}

func newWSFrameConn(conn *websocket.Conn) wsFrameConn {
	conn.SetReadLimit(MaxFrameSize)
	return wsFrameConn{conn: conn}
}

func (c wsFrameConn) readFrame(time.Duration) ([]byte, error) {
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, ErrFrameTooLarge
			}
			return nil, fmt.Errorf("read websocket message: %w", err)
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

func (c wsFrameConn) writeFrame(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

func (c wsFrameConn) setDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c wsFrameConn) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c wsFrameConn) close() error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}
