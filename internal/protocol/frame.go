// Package protocol defines the JSON wire frames exchanged between clients
// and the presence gateway. Every frame is a UTF-8 JSON object of the shape
// {type, payload, timestamp}.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies a frame on the wire.
type MessageType string

// Client → server frame types.
const (
	TypeJoin      MessageType = "join"
	TypeLeave     MessageType = "leave"
	TypeHeartbeat MessageType = "heartbeat"
	TypePing      MessageType = "ping"
)

// Server → client frame types.
const (
	TypeJoined         MessageType = "joined"
	TypeLeft           MessageType = "left"
	TypePresenceUpdate MessageType = "presence_update"
	TypePong           MessageType = "pong"
	TypeError          MessageType = "error"
	TypeRateLimited    MessageType = "rate_limited"
)

// ErrorCode is the closed set of error codes a client can observe. Codes are
// deliberately coarse: auth failures never reveal which specific check failed.
type ErrorCode string

const (
	CodeInvalidToken   ErrorCode = "INVALID_TOKEN"
	CodeSessionExpired ErrorCode = "SESSION_EXPIRED"
	CodeMomentNotFound ErrorCode = "MOMENT_NOT_FOUND"
	CodeMomentNotLive  ErrorCode = "MOMENT_NOT_LIVE"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
	CodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
	CodeServerError    ErrorCode = "SERVER_ERROR"
	CodeAlreadyJoined  ErrorCode = "ALREADY_JOINED"
	CodeNotJoined      ErrorCode = "NOT_JOINED"
)

// Frame is the envelope shared by all wire messages.
type Frame struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ============================================================================
// CLIENT → SERVER PAYLOADS
// ============================================================================

// JoinPayload asks to be counted among a moment's participants.
type JoinPayload struct {
	SessionToken string `json:"sessionToken"`
	MomentID     string `json:"momentId"`
}

// LeavePayload withdraws from the moment.
type LeavePayload struct {
	SessionToken string `json:"sessionToken"`
}

// HeartbeatPayload keeps a presence alive.
type HeartbeatPayload struct {
	SessionToken string `json:"sessionToken"`
	Timestamp    int64  `json:"timestamp"`
}

// PingPayload is a bare liveness probe, valid before join.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ============================================================================
// SERVER → CLIENT PAYLOADS
// ============================================================================

// JoinedPayload confirms a successful join to the joining socket.
type JoinedPayload struct {
	SocketID      string `json:"socketId"`
	MomentID      string `json:"momentId"`
	PresenceCount int    `json:"presenceCount"`
	Timestamp     int64  `json:"timestamp"`
}

// LeftPayload confirms a leave to the leaving socket. Delivery is
// best-effort: the transport may already be closing.
type LeftPayload struct {
	SocketID      string `json:"socketId"`
	MomentID      string `json:"momentId"`
	PresenceCount int    `json:"presenceCount"`
	Timestamp     int64  `json:"timestamp"`
}

// PresenceUpdatePayload is fanned out to every socket in a moment whenever
// the participant count changes.
type PresenceUpdatePayload struct {
	MomentID  string `json:"momentId"`
	Count     int    `json:"count"`
	PeakCount int    `json:"peakCount"`
	Timestamp int64  `json:"timestamp"`
}

// PongPayload answers ping and heartbeat frames.
type PongPayload struct {
	Timestamp  int64 `json:"timestamp"`
	ServerTime int64 `json:"serverTime"`
}

// ErrorPayload carries one of the enumerated error codes.
type ErrorPayload struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Timestamp int64     `json:"timestamp"`
}

// RateLimitedPayload tells the client how long to back off.
type RateLimitedPayload struct {
	RetryAfter int    `json:"retryAfter"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

// ============================================================================
// ENCODING HELPERS
// ============================================================================

// MaxFrameSize bounds a single inbound frame. Anything larger is treated as
// a protocol violation and the transport is closed.
const MaxFrameSize = 4 * 1024

// Encode wraps a payload into a frame and marshals it.
func Encode(t MessageType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return json.Marshal(Frame{
		Type:      t,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	})
}

// MustEncode is Encode for payload types that cannot fail to marshal.
func MustEncode(t MessageType, payload interface{}) []byte {
	data, err := Encode(t, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// ParseFrame decodes an inbound client frame and validates its type tag.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch f.Type {
	case TypeJoin, TypeLeave, TypeHeartbeat, TypePing:
		return &f, nil
	case "":
		return nil, fmt.Errorf("frame missing type")
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

// DecodePayload unmarshals a frame's payload into dst.
func (f *Frame) DecodePayload(dst interface{}) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame %s missing payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// NewError builds an encoded error frame.
func NewError(code ErrorCode, message string) []byte {
	return MustEncode(TypeError, ErrorPayload{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
}

// NewRateLimited builds an encoded rate_limited frame.
func NewRateLimited(retryAfter int) []byte {
	return MustEncode(TypeRateLimited, RateLimitedPayload{
		RetryAfter: retryAfter,
		Message:    "too many messages, slow down",
		Timestamp:  time.Now().UnixMilli(),
	})
}

// NewPong builds an encoded pong frame echoing the client timestamp.
func NewPong(clientTS int64) []byte {
	return MustEncode(TypePong, PongPayload{
		Timestamp:  clientTS,
		ServerTime: time.Now().UnixMilli(),
	})
}
