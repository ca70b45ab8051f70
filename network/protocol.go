package network

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"pairchat/auth"
	"pairchat/conversation"
	"pairchat/replica"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size. It leaves
	// room for the envelope around a maximum-size record.
	MaxFrameSize = replica.DefaultMaxRecordBytes + 64*1024
	// DefaultConnectionTimeout bounds dial and hello duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
	// DefaultRequestTimeout bounds a request whose context has no deadline.
	DefaultRequestTimeout = 30 * time.Second
)

const (
	TypeHello         = "hello"
	TypeHelloResponse = "hello_response"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeSnapshot      = "snapshot"
	TypeGet           = "get"
	TypeSet           = "set"
	TypeUpdate        = "update"
	TypeAppend        = "append"
	TypeRangeQuery    = "range_query"
	TypeResult        = "result"
	TypeAck           = "ack"
	TypeError         = "error"
	TypeAuth          = "auth"
	TypeAuthResult    = "auth_result"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeDisconnect    = "disconnect"
)

// Auth operations carried by AuthRequest.
const (
	AuthOpRegister      = "register"
	AuthOpAuthenticate  = "authenticate"
	AuthOpChangeSecret  = "change_secret"
	AuthOpDeleteAccount = "delete_account"
)

// Error codes carried by ErrorMessage.
const (
	CodeUnknownType        = "unknown_type"
	CodeBadRequest         = "bad_request"
	CodeUnsupportedVersion = "unsupported_version"
	CodeUnsupported        = "unsupported"
	CodeRecordTooLarge     = "record_too_large"
	CodeInvalidPath        = "invalid_path"
	CodeInvalidValue       = "invalid_value"
	CodeInvalidIdentifier  = "invalid_identifier"
	CodeEmptySecret        = "empty_secret"
	CodeSecretTooLong      = "secret_too_long"
	CodeForbidden          = "forbidden"
	CodeClosed             = "closed"
	CodeTimeout            = "timeout"
	CodeInternal           = "internal"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrConnectionClosed is returned for requests on a closed connection.
	ErrConnectionClosed = errors.New("network: connection closed")
	// ErrForbidden is returned for a write the connection's identity may not make.
	ErrForbidden = errors.New("network: write not permitted")
)

// codeErrors maps wire codes back to the errors callers test for.
var codeErrors = map[string]error{
	CodeUnsupportedVersion: ErrUnsupportedVersion,
	CodeRecordTooLarge:     replica.ErrRecordTooLarge,
	CodeInvalidPath:        replica.ErrInvalidPath,
	CodeInvalidValue:       replica.ErrInvalidValue,
	CodeInvalidIdentifier:  conversation.ErrInvalidIdentifier,
	CodeEmptySecret:        auth.ErrEmptySecret,
	CodeSecretTooLong:      auth.ErrSecretTooLong,
	CodeForbidden:          ErrForbidden,
	CodeClosed:             replica.ErrClosed,
	CodeTimeout:            context.DeadlineExceeded,
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// Hello opens every session.
type Hello struct {
	Type            string `json:"type"`
	ClientID        string `json:"client_id"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// HelloResponse accepts a session.
type HelloResponse struct {
	Type            string `json:"type"`
	HostID          string `json:"host_id"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// Request is every store operation. Fields unused by Type are omitted.
type Request struct {
	Type           string                     `json:"type"`
	RequestID      string                     `json:"request_id"`
	SubscriptionID string                     `json:"subscription_id,omitempty"`
	Path           string                     `json:"path,omitempty"`
	Value          json.RawMessage            `json:"value,omitempty"`
	Fields         map[string]json.RawMessage `json:"fields,omitempty"`
	Field          string                     `json:"field,omitempty"`
	Start          string                     `json:"start,omitempty"`
	End            string                     `json:"end,omitempty"`
}

// Result answers get, append and range_query.
type Result struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Path      string          `json:"path,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Key       string          `json:"key,omitempty"`
}

// AckMessage answers set, update, subscribe and unsubscribe.
type AckMessage struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// SnapshotMessage pushes the value at a subscribed path.
type SnapshotMessage struct {
	Type           string          `json:"type"`
	SubscriptionID string          `json:"subscription_id"`
	Path           string          `json:"path"`
	Data           json.RawMessage `json:"data"`
}

// AuthRequest carries one auth operation.
type AuthRequest struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	Op         string `json:"op"`
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
	NewSecret  string `json:"new_secret,omitempty"`
}

// AuthResult carries the auth outcome.
type AuthResult struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Outcome   string `json:"outcome"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// DisconnectMessage signals graceful disconnect.
type DisconnectMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports protocol and request errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	RequestID         string `json:"request_id,omitempty"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// RemoteError is an ErrorMessage received from the other side.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// Unwrap returns the local error the code stands for, if any.
func (e *RemoteError) Unwrap() error {
	return codeErrors[e.Code]
}

func newErrorMessage(requestID string, err error) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		Code:      errorCode(err),
		Message:   err.Error(),
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	}
}

func errorCode(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}
	for _, code := range []string{
		CodeRecordTooLarge,
		CodeInvalidPath,
		CodeInvalidValue,
		CodeInvalidIdentifier,
		CodeEmptySecret,
		CodeSecretTooLong,
		CodeForbidden,
		CodeClosed,
		CodeTimeout,
	} {
		if errors.Is(err, codeErrors[code]) {
			return code
		}
	}
	return CodeInternal
}

func makeVersionMismatchError(got int) ErrorMessage {
	return ErrorMessage{
		Type:              TypeError,
		Code:              CodeUnsupportedVersion,
		Message:           fmt.Sprintf("protocol version %d is not supported", got),
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	}
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func decodeRemoteError(payload []byte) error {
	var msg ErrorMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode remote error response: %w", err)
	}
	return &RemoteError{Code: msg.Code, Message: msg.Message}
}
