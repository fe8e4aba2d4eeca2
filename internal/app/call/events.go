package call

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/teamcall/internal/app/mux"
	"github.com/dkeye/teamcall/internal/app/notice"
	"github.com/dkeye/teamcall/internal/core"
	"github.com/dkeye/teamcall/internal/domain"
)

var callEvents = []core.EventType{
	core.EventIncomingCall,
	core.EventCallAnswered,
	core.EventCallRejected,
	core.EventCallCancelled,
	core.EventInviteToCall,
}

// Bind subscribes the machine to the call events of m.
func (m *Machine) Bind(mx *mux.Multiplexer) []mux.Token {
	toks := make([]mux.Token, 0, len(callEvents))
	for _, t := range callEvents {
		toks = append(toks, mx.Subscribe(t, m.HandleEvent))
	}
	return toks
}

// HandleEvent applies a server event. Events that do not fit the current
// state are ignored.
func (m *Machine) HandleEvent(ev core.Event) {
	switch e := ev.(type) {
	case core.IncomingCall:
		m.ring(e.ConversationID, e.CallType, e.RoomName, e.From)
	case core.InviteToCall:
		if e.UserID != m.self.ID {
			return
		}
		m.ring(e.ConversationID, e.CallType, e.RoomName, e.From)
	case core.CallAnswered:
		m.answered(e)
	case core.CallRejected:
		m.rejected(e)
	case core.CallCancelled:
		m.cancelled(e)
	default:
		log.Debug().Str("module", "app.call").Str("type", string(ev.Type())).Msg("not a call event")
	}
}

func (m *Machine) ring(conv domain.ConversationID, kind domain.CallKind, room domain.RoomName, from domain.User) {
	if from.ID == m.self.ID {
		return
	}
	if room == "" {
		room = domain.RoomFor(conv, kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if s, ok := m.sessions[conv]; ok {
		m.logger(s).Debug().Msg("ignoring ring for busy conversation")
		return
	}

	s := m.newSession(conv, kind, domain.RoleCallee, RingingIncoming, from, room)
	m.armTimer(s)
	m.cueOwner = s.id
	m.cues.StartIncoming(fmt.Sprintf("Incoming %s call", kind), from.Name)
	m.publish(notice.IncomingCall, conv, "Incoming call", from.Name)
	m.logger(s).Info().Int64("from", int64(from.ID)).Msg("incoming call ringing")
}

func (m *Machine) answered(e core.CallAnswered) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[e.ConversationID]
	if !ok || s.State != RingingOutgoing || !s.announced {
		return
	}
	m.stopCue(s)
	m.stopTimer(s)
	if e.From != nil {
		s.Peer = *e.From
	}
	m.transition(s, Active)
}

func (m *Machine) rejected(e core.CallRejected) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[e.ConversationID]
	if !ok || s.State != RingingOutgoing || !s.announced {
		return
	}
	m.teardown(s)
	m.publish(notice.Declined, e.ConversationID, "Call declined", s.Peer.Name)
}

func (m *Machine) cancelled(e core.CallCancelled) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[e.ConversationID]
	if !ok {
		return
	}
	switch s.State {
	case RingingIncoming:
		m.teardown(s)
		m.publish(notice.Missed, e.ConversationID, "Missed call", s.Peer.Name)
	case Active:
		s.PeerEnded = true
		m.logger(s).Info().Msg("peer left call")
	}
}
