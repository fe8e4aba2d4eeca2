package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed    = errors.New("malformed envelope")
	ErrUnknownEvent = errors.New("unknown event type")
)

// Envelope is the wire frame: {"type": "...", "data": {...}}.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes a frame without looking at its data.
func ParseEnvelope(f Frame) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(f, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// NewEnvelope wraps an event for sending.
func NewEnvelope(ev Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", ev.Type(), err)
	}
	return Envelope{Type: ev.Type(), Data: data}, nil
}

// Frame encodes the envelope for the socket.
func (e Envelope) Frame() (Frame, error) {
	return json.Marshal(e)
}

// Decode turns the envelope into its typed event.
func (e Envelope) Decode() (Event, error) {
	switch e.Type {
	case EventOnlineUsers:
		return decode[OnlineUsers](e)
	case EventUserOnline:
		return decode[UserOnline](e)
	case EventUserOffline:
		return decode[UserOffline](e)
	case EventIncomingCall:
		return decode[IncomingCall](e)
	case EventCallAnswered:
		return decode[CallAnswered](e)
	case EventCallRejected:
		return decode[CallRejected](e)
	case EventCallCancelled:
		return decode[CallCancelled](e)
	case EventInviteToCall:
		return decode[InviteToCall](e)
	case EventNewMessage, EventMessageEdited, EventMessageDeleted,
		EventConversationCreated, EventUserCreated, EventUserDeleted:
		return Passthrough{Kind: e.Type, Data: e.Data}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type)
	}
}

func decode[E Event](e Envelope) (Event, error) {
	var ev E
	data := []byte(e.Data)
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, e.Type, err)
	}
	if v, ok := any(ev).(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, e.Type, err)
		}
	}
	return ev, nil
}
