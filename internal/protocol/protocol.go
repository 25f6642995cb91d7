// Package protocol defines the gateway's wire envelope and its JSON codec.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/gwerrors"
)

// MessageType is the wire-visible, stable integer tag for a WireMessage.
type MessageType int

const (
	TypePublish MessageType = iota
	TypeSubscribe
	TypeUnsubscribe
	TypeMessage
	TypeRequest
	TypeReply
	TypeAck
	TypeError
	TypeAuth
	TypePing
	TypePong
)

func (t MessageType) valid() bool {
	return t >= TypePublish && t <= TypePong
}

// WireMessage is the JSON envelope exchanged over the WebSocket connection.
type WireMessage struct {
	Type          MessageType     `json:"type"`
	Subject       string          `json:"subject,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
	DeviceID      string          `json:"deviceId,omitempty"`
}

// AuthRequest is the payload of an inbound Auth frame.
type AuthRequest struct {
	Token      string `json:"token"`
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
}

// AuthResponse is the payload of the gateway's Auth reply.
type AuthResponse struct {
	Success  bool   `json:"success"`
	ClientID string `json:"clientId,omitempty"`
	Role     string `json:"role,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ErrorPayload is the payload of an Error frame.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Decode parses raw bytes into a WireMessage, enforcing maxSize and type validity.
func Decode(raw []byte, maxSize int) (*WireMessage, error) {
	if maxSize > 0 && len(raw) > maxSize {
		return nil, gwerrors.ErrPayloadTooLarge
	}

	var msg WireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindProtocol, "malformed json", err)
	}
	if !msg.Type.valid() {
		return nil, gwerrors.ErrInvalidType
	}
	return &msg, nil
}

// Encode serializes msg, stamping a UTC millisecond-precision timestamp when
// the caller has not already set one.
func Encode(msg *WireMessage) ([]byte, error) {
	if msg.Timestamp == "" {
		msg.Timestamp = nowStamp()
	}
	return json.Marshal(msg)
}

func nowStamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// NewError builds an Error-typed WireMessage carrying text.
func NewError(text string, correlationID string) *WireMessage {
	payload, _ := json.Marshal(ErrorPayload{Error: text})
	return &WireMessage{Type: TypeError, Payload: payload, CorrelationID: correlationID}
}

// NewAck builds an Ack-typed WireMessage echoing a subject and correlation id.
func NewAck(subject, correlationID string) *WireMessage {
	return &WireMessage{Type: TypeAck, Subject: subject, CorrelationID: correlationID}
}

// NewPong builds a Pong-typed WireMessage echoing a correlation id.
func NewPong(correlationID string) *WireMessage {
	return &WireMessage{Type: TypePong, CorrelationID: correlationID}
}

// NewPing builds a server-initiated Ping-typed WireMessage.
func NewPing() *WireMessage {
	return &WireMessage{Type: TypePing}
}

// NewAuthResponse builds an Auth-typed WireMessage carrying resp.
func NewAuthResponse(resp AuthResponse) *WireMessage {
	payload, _ := json.Marshal(resp)
	return &WireMessage{Type: TypeAuth, Payload: payload}
}

// DecodeAuthRequest parses a frame's payload as an AuthRequest.
func DecodeAuthRequest(msg *WireMessage) (*AuthRequest, error) {
	var req AuthRequest
	if len(msg.Payload) == 0 {
		return nil, gwerrors.ErrInvalidMessage
	}
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindProtocol, "invalid auth payload", err)
	}
	return &req, nil
}
