package signal

import "github.com/dkeye/teamcall/internal/core"

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	CloseConnection
)

// Policy decides what happens when the outbound queue is full.
type Policy interface {
	OnBackpressure(env core.Envelope) BackpressureAction
}

// DropPolicy drops the frame and keeps the connection.
type DropPolicy struct{}

func (DropPolicy) OnBackpressure(core.Envelope) BackpressureAction { return DropFrame }

// StrictPolicy closes the connection rather than lose call signaling;
// other frames are dropped.
type StrictPolicy struct{}

func (StrictPolicy) OnBackpressure(env core.Envelope) BackpressureAction {
	switch env.Type {
	case core.EventIncomingCall, core.EventCallAnswered, core.EventCallRejected,
		core.EventCallCancelled, core.EventInviteToCall:
		return CloseConnection
	default:
		return DropFrame
	}
}

// PolicyByName maps a config value to a Policy.
func PolicyByName(name string) Policy {
	if name == "strict" {
		return StrictPolicy{}
	}
	return DropPolicy{}
}
