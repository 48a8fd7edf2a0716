package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Inbound event names.
const (
	EventUserEvent        = "user_event"
	EventSendMessage      = "send_message"
	EventBroadcastMessage = "broadcast_message"
	EventMessage          = "message"
	EventUpdate           = "update"
	EventJoin             = "join"
	EventLeave            = "leave"
	EventGetMembers       = "get_members"
	EventMembers          = "members"
	EventDisconnect       = "disconnect"
	EventError            = "error"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrInvalidEvent = errors.New("invalid event payload")
)

// Event is one of the closed set of inbound event payloads.
type Event interface {
	EventName() string
	validate() error
}

// UserEvent delivers an event to every connection of one user.
// TenantID is honored for privileged connections only.
type UserEvent struct {
	TenantID string          `json:"tenantId,omitempty"`
	UserID   string          `json:"userId"`
	Event    string          `json:"eventName"`
	Session  json.RawMessage `json:"session,omitempty"`
}

// SendMessage delivers a message to every member of a channel, sender included.
type SendMessage struct {
	TenantID    string          `json:"tenantId,omitempty"`
	ChannelName string          `json:"channelName"`
	Event       string          `json:"eventName"`
	Message     json.RawMessage `json:"message,omitempty"`
}

// BroadcastMessage delivers a message to every connection of a tenant.
type BroadcastMessage struct {
	TenantID string          `json:"tenantId,omitempty"`
	Event    string          `json:"eventName"`
	Message  json.RawMessage `json:"message,omitempty"`
}

// Message is an application message to a channel or the whole tenant.
type Message struct {
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"eventName"`
	Message json.RawMessage `json:"message,omitempty"`
	Echo    *bool           `json:"echo,omitempty"`
}

// Update replaces the sender's profile data.
type Update struct {
	Data json.RawMessage `json:"data"`
	Echo *bool           `json:"echo,omitempty"`
}

// Join adds the sender to a channel.
type Join struct {
	Channel string `json:"channel"`
	Echo    *bool  `json:"echo,omitempty"`
}

// Leave removes the sender from a channel.
type Leave struct {
	Channel string `json:"channel"`
	Echo    *bool  `json:"echo,omitempty"`
}

// GetMembers lists a channel's members. TenantID is honored for privileged
// connections only.
type GetMembers struct {
	TenantID string `json:"tenantId,omitempty"`
	Channel  string `json:"channel"`
}

// Members lists a channel's members within the sender's tenant.
type Members struct {
	Channel string `json:"channel"`
}

// Disconnect asks the gateway to close the connection.
type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorReport is a client-reported error routed to the generic error handler.
type ErrorReport struct {
	Message string `json:"message"`
}

func (UserEvent) EventName() string        { return EventUserEvent }
func (SendMessage) EventName() string      { return EventSendMessage }
func (BroadcastMessage) EventName() string { return EventBroadcastMessage }
func (Message) EventName() string          { return EventMessage }
func (Update) EventName() string           { return EventUpdate }
func (Join) EventName() string             { return EventJoin }
func (Leave) EventName() string            { return EventLeave }
func (GetMembers) EventName() string       { return EventGetMembers }
func (Members) EventName() string          { return EventMembers }
func (Disconnect) EventName() string       { return EventDisconnect }
func (ErrorReport) EventName() string      { return EventError }

func (e UserEvent) validate() error {
	if e.UserID == "" || e.Event == "" {
		return fmt.Errorf("%w: userId and eventName are required", ErrInvalidEvent)
	}
	return nil
}

func (e SendMessage) validate() error {
	if e.ChannelName == "" || e.Event == "" {
		return fmt.Errorf("%w: channelName and eventName are required", ErrInvalidEvent)
	}
	return nil
}

func (e BroadcastMessage) validate() error {
	if e.Event == "" {
		return fmt.Errorf("%w: eventName is required", ErrInvalidEvent)
	}
	return nil
}

func (e Message) validate() error {
	if e.Event == "" {
		return fmt.Errorf("%w: eventName is required", ErrInvalidEvent)
	}
	return nil
}

func (Update) validate() error { return nil }

func (e Join) validate() error {
	if e.Channel == "" {
		return fmt.Errorf("%w: channel is required", ErrInvalidEvent)
	}
	return nil
}

func (e Leave) validate() error {
	if e.Channel == "" {
		return fmt.Errorf("%w: channel is required", ErrInvalidEvent)
	}
	return nil
}

func (e GetMembers) validate() error {
	if e.Channel == "" {
		return fmt.Errorf("%w: channel is required", ErrInvalidEvent)
	}
	return nil
}

func (e Members) validate() error {
	if e.Channel == "" {
		return fmt.Errorf("%w: channel is required", ErrInvalidEvent)
	}
	return nil
}

func (Disconnect) validate() error  { return nil }
func (ErrorReport) validate() error { return nil }

// DecodeEvent decodes the payload of an inbound event frame into its variant.
// Unknown event names, unknown payload fields and trailing data are rejected.
func DecodeEvent(name string, data json.RawMessage) (Event, error) {
	switch name {
	case EventUserEvent:
		return decodeInto[UserEvent](data)
	case EventSendMessage:
		return decodeInto[SendMessage](data)
	case EventBroadcastMessage:
		return decodeInto[BroadcastMessage](data)
	case EventMessage:
		return decodeInto[Message](data)
	case EventUpdate:
		return decodeInto[Update](data)
	case EventJoin:
		return decodeInto[Join](data)
	case EventLeave:
		return decodeInto[Leave](data)
	case EventGetMembers:
		return decodeInto[GetMembers](data)
	case EventMembers:
		return decodeInto[Members](data)
	case EventDisconnect:
		return decodeInto[Disconnect](data)
	case EventError:
		return decodeInto[ErrorReport](data)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

func decodeInto[T Event](data json.RawMessage) (Event, error) {
	var v T
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if _, err := dec.Token(); !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: trailing data after payload", ErrInvalidEvent)
		}
	}
	if err := v.validate(); err != nil {
		return nil, err
	}
	return v, nil
}
