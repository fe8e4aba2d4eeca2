// Package call runs the per-conversation call signaling state machine.
package call

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/teamcall/internal/app/notice"
	"github.com/dkeye/teamcall/internal/clock"
	"github.com/dkeye/teamcall/internal/core"
	"github.com/dkeye/teamcall/internal/domain"
)

const DefaultRingTimeout = 30 * time.Second

var (
	ErrBusy         = errors.New("call already in progress")
	ErrInvalidState = errors.New("action not allowed in current call state")
	ErrRateLimited  = errors.New("too many call attempts")
	ErrClosed       = errors.New("call machine closed")
)

// Cues is the audio/visual side of ringing.
type Cues interface {
	StartOutgoing()
	StartIncoming(title, body string)
	Stop()
}

// Watcher reports when a call window is closed by the user.
type Watcher interface {
	Watch(w core.Window, onClosed func()) (stop func())
}

// Notifier shows transient notices.
type Notifier interface {
	Publish(notice.Notice)
}

type Config struct {
	RingTimeout   time.Duration
	MaxAttempts   int
	AttemptWindow time.Duration
}

type Deps struct {
	Self    domain.User
	Sender  core.Sender
	Rooms   core.RoomProvider
	Windows core.WindowOpener
	Cues    Cues
	Watcher Watcher
	Notices Notifier
	Clock   clock.Clock
}

// Machine owns every call session of the logged-in user. All inputs
// (local actions, server events, timers, window callbacks) are
// serialised by mu; slow provisioning runs outside it and re-checks the
// session afterwards.
type Machine struct {
	self    domain.User
	sender  core.Sender
	rooms   core.RoomProvider
	windows core.WindowOpener
	cues    Cues
	watcher Watcher
	notices Notifier
	clk     clock.Clock
	limiter *attemptLimiter

	ringTimeout time.Duration

	mu       sync.Mutex
	sessions map[domain.ConversationID]*session
	// cueOwner is the session whose cue is playing.
	cueOwner string
	closed   bool
}

func NewMachine(cfg Config, deps Deps) *Machine {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &Machine{
		self:        deps.Self,
		sender:      deps.Sender,
		rooms:       deps.Rooms,
		windows:     deps.Windows,
		cues:        deps.Cues,
		watcher:     deps.Watcher,
		notices:     deps.Notices,
		clk:         deps.Clock,
		limiter:     newAttemptLimiter(deps.Clock, cfg.MaxAttempts, cfg.AttemptWindow),
		ringTimeout: cfg.RingTimeout,
		sessions:    make(map[domain.ConversationID]*session),
	}
}

// Self is the local user the machine signals as.
func (m *Machine) Self() domain.User { return m.self }

// Session returns the call for conv, if any.
func (m *Machine) Session(conv domain.ConversationID) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conv]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// State returns Idle when conv has no call.
func (m *Machine) State(conv domain.ConversationID) State {
	s, _ := m.Session(conv)
	return s.State
}

// Sessions lists all calls ordered by conversation.
func (m *Machine) Sessions() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Session)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Session) int {
		return cmp.Compare(a.ConversationID, b.ConversationID)
	})
	return out
}

// StartCall rings the other members of conv. peer is who the caller is
// calling and may be zero for group conversations.
func (m *Machine) StartCall(ctx context.Context, conv domain.ConversationID, kind domain.CallKind, peer domain.User) error {
	if !kind.Valid() {
		return domain.ErrCallKindInvalid
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, busy := m.sessions[conv]; busy {
		m.mu.Unlock()
		return fmt.Errorf("conversation %d: %w", conv, ErrBusy)
	}
	if !m.limiter.Allow(conv) {
		m.mu.Unlock()
		return fmt.Errorf("conversation %d: %w", conv, ErrRateLimited)
	}
	s := m.newSession(conv, kind, domain.RoleCaller, RingingOutgoing, peer, domain.RoomFor(conv, kind))
	m.mu.Unlock()

	room, w, err := m.provision(ctx, s.Room, kind)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current(conv, s.id, RingingOutgoing) {
		// cancelled while provisioning
		closeWindow(w)
		return nil
	}
	if err != nil {
		m.teardown(s)
		m.publish(notice.CallFailed, conv, "Call failed", err.Error())
		return err
	}

	s.URL = room.URL
	s.announced = true
	m.attachWindow(s, w)
	m.send(core.IncomingCall{
		ConversationID: conv,
		RoomName:       s.Room,
		CallType:       kind,
		From:           m.self,
	})
	m.armTimer(s)
	m.cueOwner = s.id
	m.cues.StartOutgoing()
	m.logger(s).Info().Msg("outgoing call ringing")
	return nil
}

// Accept answers a ringing incoming call. It is a no-op when the call
// was cancelled or timed out first.
func (m *Machine) Accept(ctx context.Context, conv domain.ConversationID) error {
	m.mu.Lock()
	s, ok := m.sessions[conv]
	if !ok || s.accepting {
		m.mu.Unlock()
		return nil
	}
	if s.State != RingingIncoming {
		m.mu.Unlock()
		if s.State == Active {
			return nil
		}
		return fmt.Errorf("accept in %s: %w", s.State, ErrInvalidState)
	}
	s.accepting = true
	m.mu.Unlock()

	room, w, err := m.provision(ctx, s.Room, s.Kind)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current(conv, s.id, RingingIncoming) {
		closeWindow(w)
		log.Debug().Str("module", "app.call").Int64("conversation", int64(conv)).Msg("accept lost race")
		return nil
	}
	s.accepting = false
	if err != nil {
		m.send(core.CallRejected{ConversationID: conv, From: &m.self})
		m.teardown(s)
		m.publish(notice.CallFailed, conv, "Could not join call", err.Error())
		return err
	}

	m.stopTimer(s)
	s.URL = room.URL
	m.send(core.CallAnswered{ConversationID: conv, From: &m.self})
	m.stopCue(s)
	m.attachWindow(s, w)
	m.transition(s, Active)
	return nil
}

// Reject declines a ringing incoming call.
func (m *Machine) Reject(conv domain.ConversationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conv]
	if !ok {
		return nil
	}
	if s.State != RingingIncoming {
		return fmt.Errorf("reject in %s: %w", s.State, ErrInvalidState)
	}
	m.send(core.CallRejected{ConversationID: conv, From: &m.self})
	m.teardown(s)
	return nil
}

// Cancel withdraws an outgoing call that is still ringing.
func (m *Machine) Cancel(conv domain.ConversationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conv]
	if !ok {
		return nil
	}
	if s.State != RingingOutgoing {
		return fmt.Errorf("cancel in %s: %w", s.State, ErrInvalidState)
	}
	if s.announced {
		m.send(core.CallCancelled{ConversationID: conv, From: &m.self})
	}
	m.teardown(s)
	return nil
}

// End leaves an active call.
func (m *Machine) End(conv domain.ConversationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conv]
	if !ok {
		return nil
	}
	if s.State != Active {
		return fmt.Errorf("end in %s: %w", s.State, ErrInvalidState)
	}
	m.send(core.CallCancelled{ConversationID: conv, From: &m.self})
	m.teardown(s)
	return nil
}

// Hangup cancels, rejects or ends the call depending on its state.
func (m *Machine) Hangup(conv domain.ConversationID) error {
	switch m.State(conv) {
	case RingingOutgoing:
		return m.Cancel(conv)
	case RingingIncoming:
		return m.Reject(conv)
	case Active:
		return m.End(conv)
	default:
		return nil
	}
}

// Invite asks user to join the active call in conv.
func (m *Machine) Invite(conv domain.ConversationID, user domain.UserID) error {
	if user <= 0 {
		return domain.ErrUserIDInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conv]
	if !ok || s.State != Active {
		return fmt.Errorf("invite: %w", ErrInvalidState)
	}
	m.send(core.InviteToCall{
		UserID:         user,
		ConversationID: conv,
		CallType:       s.Kind,
		RoomName:       s.Room,
		From:           m.self,
	})
	m.logger(s).Info().Int64("invitee", int64(user)).Msg("invited to call")
	return nil
}

// Close tears down every call, telling peers where it still can. Later
// events and actions are ignored.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for conv, s := range m.sessions {
		switch {
		case s.State == RingingIncoming:
			m.send(core.CallRejected{ConversationID: conv, From: &m.self})
		case s.State == RingingOutgoing && s.announced,
			s.State == Active && !s.PeerEnded:
			m.send(core.CallCancelled{ConversationID: conv, From: &m.self})
		}
		m.teardown(s)
	}
	log.Info().Str("module", "app.call").Msg("call machine closed")
}

func (m *Machine) onRingTimeout(conv domain.ConversationID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conv]
	if !ok || s.id != id {
		return
	}
	switch s.State {
	case RingingOutgoing:
		m.send(core.CallCancelled{ConversationID: conv, From: &m.self})
		m.teardown(s)
		m.publish(notice.NoAnswer, conv, "No answer", s.Peer.Name)
	case RingingIncoming:
		if s.accepting {
			// the user answered; provisioning decides
			return
		}
		m.send(core.CallRejected{ConversationID: conv, From: &m.self})
		m.teardown(s)
		m.publish(notice.Missed, conv, "Missed call", s.Peer.Name)
	}
}

func (m *Machine) onWindowClosed(conv domain.ConversationID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conv]
	if !ok || s.id != id {
		return
	}
	s.window = nil
	switch s.State {
	case Active:
		if !s.PeerEnded {
			m.send(core.CallCancelled{ConversationID: conv, From: &m.self})
		}
		m.teardown(s)
	case RingingOutgoing:
		if s.announced {
			m.send(core.CallCancelled{ConversationID: conv, From: &m.self})
		}
		m.teardown(s)
	}
}

// provision creates the room and opens a window on it.
func (m *Machine) provision(ctx context.Context, name domain.RoomName, kind domain.CallKind) (domain.Room, core.Window, error) {
	room, err := m.rooms.CreateRoom(ctx, name)
	if err != nil {
		return domain.Room{}, nil, fmt.Errorf("create room %s: %w", name, err)
	}
	w, err := m.windows.Open(ctx, room, core.JoinOptions{DisplayName: m.self.Name, Kind: kind})
	if err != nil {
		return domain.Room{}, nil, fmt.Errorf("open call window: %w", err)
	}
	return room, w, nil
}

func (m *Machine) newSession(conv domain.ConversationID, kind domain.CallKind, role domain.Role, st State, peer domain.User, room domain.RoomName) *session {
	s := &session{
		Session: Session{
			ConversationID: conv,
			Kind:           kind,
			Room:           room,
			Role:           role,
			State:          st,
			Peer:           peer,
			Since:          m.clk.Now(),
		},
		id: uuid.NewString(),
	}
	m.sessions[conv] = s
	m.logger(s).Debug().Msg("session created")
	return s
}

func (m *Machine) current(conv domain.ConversationID, id string, st State) bool {
	s, ok := m.sessions[conv]
	return ok && s.id == id && s.State == st
}

func (m *Machine) transition(s *session, to State) {
	from := s.State
	s.State = to
	s.Since = m.clk.Now()
	m.logger(s).Info().Stringer("from", from).Msg("call state changed")
}

func (m *Machine) armTimer(s *session) {
	conv, id := s.ConversationID, s.id
	s.timer = m.clk.AfterFunc(m.ringTimeout, func() { m.onRingTimeout(conv, id) })
}

func (m *Machine) stopTimer(s *session) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (m *Machine) stopCue(s *session) {
	if m.cueOwner == s.id {
		m.cues.Stop()
		m.cueOwner = ""
	}
}

func (m *Machine) attachWindow(s *session, w core.Window) {
	s.window = w
	conv, id := s.ConversationID, s.id
	s.stopWatch = m.watcher.Watch(w, func() { m.onWindowClosed(conv, id) })
}

// teardown returns conv to Idle and releases everything s holds.
func (m *Machine) teardown(s *session) {
	m.stopTimer(s)
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	m.stopCue(s)
	closeWindow(s.window)
	s.window = nil
	if m.sessions[s.ConversationID] == s {
		delete(m.sessions, s.ConversationID)
	}
	m.logger(s).Info().Msg("call ended")
	s.State = Idle
}

func (m *Machine) send(ev core.Event) {
	env, err := core.NewEnvelope(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "app.call").Msg("encode event")
		return
	}
	m.sender.Send(env)
}

func (m *Machine) publish(kind notice.Kind, conv domain.ConversationID, title, body string) {
	if m.notices == nil {
		return
	}
	m.notices.Publish(notice.Notice{Kind: kind, Title: title, Body: body, ConversationID: conv})
}

func (m *Machine) logger(s *session) *zerolog.Logger {
	l := log.With().
		Str("module", "app.call").
		Int64("conversation", int64(s.ConversationID)).
		Str("state", s.State.String()).
		Str("role", string(s.Role)).
		Logger()
	return &l
}

func closeWindow(w core.Window) {
	if w == nil {
		return
	}
	if err := w.Close(); err != nil {
		log.Warn().Err(err).Str("module", "app.call").Msg("close call window")
	}
}
