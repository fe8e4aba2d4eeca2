package orch

import (
	"context"
	"encoding/json"

	"github.com/dkeye/teamcall/internal/app/call"
	"github.com/dkeye/teamcall/internal/core"
	"github.com/dkeye/teamcall/internal/domain"
)

func (o *Orchestrator) StartCall(ctx context.Context, conv domain.ConversationID, kind domain.CallKind, peer domain.User) (call.Session, error) {
	m, err := o.machine()
	if err != nil {
		return call.Session{}, err
	}
	if err := m.StartCall(ctx, conv, kind, peer); err != nil {
		return call.Session{}, err
	}
	s, _ := m.Session(conv)
	return s, nil
}

func (o *Orchestrator) Accept(ctx context.Context, conv domain.ConversationID) error {
	m, err := o.machine()
	if err != nil {
		return err
	}
	return m.Accept(ctx, conv)
}

func (o *Orchestrator) Reject(conv domain.ConversationID) error {
	return o.with(func(m *call.Machine) error { return m.Reject(conv) })
}

func (o *Orchestrator) Cancel(conv domain.ConversationID) error {
	return o.with(func(m *call.Machine) error { return m.Cancel(conv) })
}

func (o *Orchestrator) End(conv domain.ConversationID) error {
	return o.with(func(m *call.Machine) error { return m.End(conv) })
}

func (o *Orchestrator) Hangup(conv domain.ConversationID) error {
	return o.with(func(m *call.Machine) error { return m.Hangup(conv) })
}

func (o *Orchestrator) Invite(conv domain.ConversationID, user domain.UserID) error {
	return o.with(func(m *call.Machine) error { return m.Invite(conv, user) })
}

func (o *Orchestrator) Sessions() ([]call.Session, error) {
	m, err := o.machine()
	if err != nil {
		return nil, err
	}
	return m.Sessions(), nil
}

// SendMessage forwards a chat message payload as new_message.
func (o *Orchestrator) SendMessage(data json.RawMessage) error {
	if _, err := o.machine(); err != nil {
		return err
	}
	o.Transport.Send(core.Envelope{Type: core.EventNewMessage, Data: data})
	return nil
}

func (o *Orchestrator) with(fn func(*call.Machine) error) error {
	m, err := o.machine()
	if err != nil {
		return err
	}
	return fn(m)
}
