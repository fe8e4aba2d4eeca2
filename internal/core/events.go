package core

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/teamcall/internal/domain"
)

// EventType names every envelope the client understands. Anything else
// is rejected by Decode.
type EventType string

const (
	EventOnlineUsers         EventType = "online_users"
	EventUserOnline          EventType = "user_online"
	EventUserOffline         EventType = "user_offline"
	EventNewMessage          EventType = "new_message"
	EventMessageEdited       EventType = "message_edited"
	EventMessageDeleted      EventType = "message_deleted"
	EventConversationCreated EventType = "conversation_created"
	EventUserCreated         EventType = "user_created"
	EventUserDeleted         EventType = "user_deleted"
	EventIncomingCall        EventType = "incoming_call"
	EventCallAnswered        EventType = "call_answered"
	EventCallRejected        EventType = "call_rejected"
	EventCallCancelled       EventType = "call_cancelled"
	EventInviteToCall        EventType = "invite_to_call"
)

// Event is a decoded envelope payload.
type Event interface {
	Type() EventType
}

type OnlineUsers struct {
	UserIDs []domain.UserID `json:"userIds"`
}

type UserOnline struct {
	UserID domain.UserID `json:"userId"`
}

type UserOffline struct {
	UserID domain.UserID `json:"userId"`
}

// IncomingCall rings the callee. RoomName may be empty on older
// servers; the room is then derived from the conversation and kind.
type IncomingCall struct {
	ConversationID domain.ConversationID `json:"conversationId"`
	RoomName       domain.RoomName       `json:"roomName,omitempty"`
	CallType       domain.CallKind       `json:"callType"`
	From           domain.User           `json:"from"`
}

type CallAnswered struct {
	ConversationID domain.ConversationID `json:"conversationId"`
	From           *domain.User          `json:"from,omitempty"`
}

type CallRejected struct {
	ConversationID domain.ConversationID `json:"conversationId"`
	From           *domain.User          `json:"from,omitempty"`
}

type CallCancelled struct {
	ConversationID domain.ConversationID `json:"conversationId"`
	From           *domain.User          `json:"from,omitempty"`
}

// InviteToCall pulls UserID into a running call.
type InviteToCall struct {
	UserID         domain.UserID         `json:"userId"`
	ConversationID domain.ConversationID `json:"conversationId"`
	CallType       domain.CallKind       `json:"callType"`
	RoomName       domain.RoomName       `json:"roomName"`
	From           domain.User           `json:"from"`
}

// Passthrough carries events the core does not interpret (messages and
// directory changes) to their consumers untouched.
type Passthrough struct {
	Kind EventType
	Data json.RawMessage
}

func (OnlineUsers) Type() EventType   { return EventOnlineUsers }
func (UserOnline) Type() EventType    { return EventUserOnline }
func (UserOffline) Type() EventType   { return EventUserOffline }
func (IncomingCall) Type() EventType  { return EventIncomingCall }
func (CallAnswered) Type() EventType  { return EventCallAnswered }
func (CallRejected) Type() EventType  { return EventCallRejected }
func (CallCancelled) Type() EventType { return EventCallCancelled }
func (InviteToCall) Type() EventType  { return EventInviteToCall }
func (p Passthrough) Type() EventType { return p.Kind }

func (p Passthrough) MarshalJSON() ([]byte, error) {
	if len(p.Data) == 0 {
		return []byte("{}"), nil
	}
	return p.Data, nil
}

var (
	errNoConversation = errors.New("missing conversationId")
	errNoUser         = errors.New("missing user id")
	errNoCaller       = errors.New("missing from.id")
)

func (e UserOnline) validate() error {
	if e.UserID <= 0 {
		return errNoUser
	}
	return nil
}

func (e UserOffline) validate() error {
	if e.UserID <= 0 {
		return errNoUser
	}
	return nil
}

func (e IncomingCall) validate() error {
	switch {
	case e.ConversationID <= 0:
		return errNoConversation
	case !e.CallType.Valid():
		return domain.ErrCallKindInvalid
	case e.From.ID <= 0:
		return errNoCaller
	}
	return nil
}

func (e CallAnswered) validate() error  { return requireConversation(e.ConversationID) }
func (e CallRejected) validate() error  { return requireConversation(e.ConversationID) }
func (e CallCancelled) validate() error { return requireConversation(e.ConversationID) }

func (e InviteToCall) validate() error {
	switch {
	case e.UserID <= 0:
		return errNoUser
	case e.ConversationID <= 0:
		return errNoConversation
	case !e.CallType.Valid():
		return domain.ErrCallKindInvalid
	}
	return nil
}

func requireConversation(id domain.ConversationID) error {
	if id <= 0 {
		return errNoConversation
	}
	return nil
}
