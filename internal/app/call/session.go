package call

import (
	"time"

	"github.com/dkeye/teamcall/internal/clock"
	"github.com/dkeye/teamcall/internal/core"
	"github.com/dkeye/teamcall/internal/domain"
)

// State of a conversation's call. Idle means there is no session.
type State int

const (
	Idle State = iota
	RingingOutgoing
	RingingIncoming
	Active
)

func (s State) String() string {
	switch s {
	case RingingOutgoing:
		return "ringing_outgoing"
	case RingingIncoming:
		return "ringing_incoming"
	case Active:
		return "active"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Session is a read-only view of one call.
type Session struct {
	ConversationID domain.ConversationID `json:"conversationId"`
	Kind           domain.CallKind       `json:"callType"`
	Room           domain.RoomName       `json:"roomName"`
	URL            string                `json:"url,omitempty"`
	Role           domain.Role           `json:"role"`
	State          State                 `json:"state"`
	Peer           domain.User           `json:"peer"`
	PeerEnded      bool                  `json:"peerEnded,omitempty"`
	Since          time.Time             `json:"since"`
}

// session is the mutable record behind a Session. id changes never; a
// timer or window callback carrying another id is stale.
type session struct {
	Session

	id        string
	timer     *clock.Timer
	window    core.Window
	stopWatch func()

	// announced is set once incoming_call went out for an outgoing call.
	announced bool
	// accepting is set while Accept provisions the room.
	accepting bool
}
