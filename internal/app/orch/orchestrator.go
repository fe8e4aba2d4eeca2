// Package orch wires one logged-in session: transport, multiplexer,
// presence and the call machine.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/teamcall/internal/adapters/signal"
	"github.com/dkeye/teamcall/internal/app/call"
	"github.com/dkeye/teamcall/internal/app/cue"
	"github.com/dkeye/teamcall/internal/app/mux"
	"github.com/dkeye/teamcall/internal/app/notice"
	"github.com/dkeye/teamcall/internal/app/presence"
	"github.com/dkeye/teamcall/internal/clock"
	"github.com/dkeye/teamcall/internal/core"
	"github.com/dkeye/teamcall/internal/domain"
)

var (
	ErrLoggedIn    = errors.New("already logged in")
	ErrNotLoggedIn = errors.New("not logged in")
)

// passthroughEvents reach the UI untouched.
var passthroughEvents = []core.EventType{
	core.EventNewMessage,
	core.EventMessageEdited,
	core.EventMessageDeleted,
	core.EventConversationCreated,
	core.EventUserCreated,
	core.EventUserDeleted,
}

type Orchestrator struct {
	Mux       *mux.Multiplexer
	Presence  *presence.Tracker
	Notices   *notice.Hub
	Cues      *cue.Driver
	Transport *signal.Transport
	Watcher   call.Watcher
	Rooms     core.RoomProvider
	Windows   core.WindowOpener
	Clock     clock.Clock
	Call      call.Config

	mu    sync.RWMutex
	calls *call.Machine
	self  *domain.User
}

// Start hooks the orchestrator to transport status changes. Call once
// before the first Login.
func (o *Orchestrator) Start() {
	o.Transport.OnStatus(o.onStatus)
}

func (o *Orchestrator) onStatus(st core.Status) {
	switch st {
	case core.StatusOpen:
		o.bind()
	case core.StatusClosed:
		// nothing may fire on behalf of a dead socket
		o.Mux.Reset()
		o.Presence.Reset()
	}
	log.Info().Str("module", "app.orch").Stringer("status", st).Msg("transport status")
}

func (o *Orchestrator) bind() {
	o.mu.RLock()
	m := o.calls
	o.mu.RUnlock()

	o.Mux.Reset()
	o.Presence.Bind(o.Mux)
	if m != nil {
		m.Bind(o.Mux)
	}
	for _, t := range passthroughEvents {
		mux.On(o.Mux, t, func(e core.Passthrough) {
			o.Notices.Publish(notice.Notice{Kind: notice.ServerEvent, Title: string(e.Kind), Data: e.Data})
		})
	}
}

// Login connects as self with a bearer token. A session whose connection
// died for good (closed, no reconnect pending) is replaced.
func (o *Orchestrator) Login(ctx context.Context, self domain.User, token string) error {
	o.mu.Lock()
	if o.calls != nil {
		if o.Transport.Status() != core.StatusClosed || o.Transport.PendingReconnect() {
			o.mu.Unlock()
			return ErrLoggedIn
		}
		stale := o.calls
		o.calls = nil
		o.self = nil
		o.mu.Unlock()
		stale.Close()
		log.Info().Str("module", "app.orch").Msg("replacing session of a dead connection")
		o.mu.Lock()
		if o.calls != nil {
			o.mu.Unlock()
			return ErrLoggedIn
		}
	}
	m := call.NewMachine(o.Call, call.Deps{
		Self:    self,
		Sender:  o.Transport,
		Rooms:   o.Rooms,
		Windows: o.Windows,
		Cues:    o.Cues,
		Watcher: o.Watcher,
		Notices: o.Notices,
		Clock:   o.Clock,
	})
	o.calls = m
	o.self = &self
	o.mu.Unlock()

	if err := o.Transport.Connect(ctx, token); err != nil {
		o.mu.Lock()
		if o.calls == m {
			o.calls = nil
			o.self = nil
		}
		o.mu.Unlock()
		m.Close()
		return fmt.Errorf("login: %w", err)
	}
	log.Info().Str("module", "app.orch").Int64("user", int64(self.ID)).Msg("logged in")
	return nil
}

// Logout ends every call, then closes the connection.
func (o *Orchestrator) Logout() {
	o.mu.Lock()
	m := o.calls
	o.calls = nil
	o.self = nil
	o.mu.Unlock()

	if m != nil {
		m.Close()
	}
	o.Transport.Close()
	o.Mux.Reset()
	o.Presence.Reset()
	log.Info().Str("module", "app.orch").Msg("logged out")
}

// Shutdown logs out and silences cues for good.
func (o *Orchestrator) Shutdown() {
	o.Logout()
	o.Cues.Close()
}

// Self returns the logged-in user.
func (o *Orchestrator) Self() (domain.User, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.self == nil {
		return domain.User{}, false
	}
	return *o.self, true
}

type Status struct {
	Connection       string       `json:"connection"`
	PendingReconnect bool         `json:"pendingReconnect"`
	User             *domain.User `json:"user,omitempty"`
	Online           int          `json:"online"`
	Calls            int          `json:"calls"`
}

func (o *Orchestrator) Status() Status {
	st := Status{
		Connection:       o.Transport.Status().String(),
		PendingReconnect: o.Transport.PendingReconnect(),
		Online:           o.Presence.Len(),
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.self != nil {
		u := *o.self
		st.User = &u
	}
	if o.calls != nil {
		st.Calls = len(o.calls.Sessions())
	}
	return st
}

func (o *Orchestrator) machine() (*call.Machine, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.calls == nil {
		return nil, ErrNotLoggedIn
	}
	return o.calls, nil
}
