// Package protocol defines the wire protocol exchanged between realtime
// clients and the gateway over WebSocket.
//
// All frames are JSON-encoded and share a common envelope with a "type" field.
// The first client frame must be a "connect" frame carrying the handshake.
// After the gateway answers with "connect" (or "connect_error"), both sides
// exchange "event" frames. Events that carry an "ack" id expect an "ack"
// frame in return.
package protocol

import (
	"encoding/json"
	"time"
)

// Frame is the top-level wire format for all messages.
type Frame struct {
	Type      string          `json:"type"`
	Event     string          `json:"event,omitempty"`
	Ack       *int64          `json:"ack,omitempty"`
	Auth      *Handshake      `json:"auth,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	Timestamp time.Time       `json:"ts,omitempty"`
}

// Handshake is the client's connection-establishment payload.
type Handshake struct {
	TenantID             string `json:"tenantId"`
	APIKey               string `json:"apiKey,omitempty"`
	SessionToken         string `json:"sessionToken,omitempty"`
	EchoMessages         bool   `json:"echoMessages"`
	PrivilegedCredential string `json:"privilegedCredential,omitempty"`
}

// ConnectAck is the payload of a successful "connect" reply.
type ConnectAck struct {
	ID         string `json:"id"`
	Privileged bool   `json:"privileged,omitempty"`
	UserID     string `json:"userId,omitempty"`
}

// Member is one entry of a room roster.
type Member struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Presence is the payload of channel:join, channel:leave and channel:update.
type Presence struct {
	Channel string `json:"channel"`
	Message Member `json:"message"`
}

// Delivery is the payload of an application message delivered to a room.
// Channel is nil for tenant-wide deliveries.
type Delivery struct {
	Channel *string         `json:"channel"`
	Message json.RawMessage `json:"message"`
}

// Frame types.
const (
	TypeConnect      = "connect"
	TypeConnectError = "connect_error"
	TypeEvent        = "event"
	TypeAck          = "ack"
	TypeDisconnect   = "disconnect"
)

// Presence event names emitted by the gateway.
const (
	EventChannelJoin   = "channel:join"
	EventChannelLeave  = "channel:leave"
	EventChannelUpdate = "channel:update"
)

// NewEventFrame builds an outbound event frame.
func NewEventFrame(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: TypeEvent, Event: event, Data: data, Timestamp: time.Now()}, nil
}

// NewAckFrame builds the reply to an ack-style event.
func NewAckFrame(id int64, payload any, perr *Error) (Frame, error) {
	f := Frame{Type: TypeAck, Ack: &id, Error: perr, Timestamp: time.Now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Data = data
	}
	return f, nil
}
