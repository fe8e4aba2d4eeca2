// Package mux fans decoded server events out to in-process listeners.
package mux

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/teamcall/internal/core"
)

// Token identifies one registration. Unsubscribe with it.
type Token string

type registration struct {
	token Token
	fn    func(core.Event)
}

// Multiplexer routes each inbound envelope to the listeners registered
// for its type, in registration order, on the dispatching goroutine.
type Multiplexer struct {
	mu        sync.RWMutex
	listeners map[core.EventType][]registration
	index     map[Token]core.EventType

	// dispatchMu keeps frames from interleaving when more than one
	// goroutine dispatches.
	dispatchMu sync.Mutex
}

func New() *Multiplexer {
	return &Multiplexer{
		listeners: make(map[core.EventType][]registration),
		index:     make(map[Token]core.EventType),
	}
}

// Subscribe registers fn for t. Registrations are independent even when
// fn is the same function.
func (m *Multiplexer) Subscribe(t core.EventType, fn func(core.Event)) Token {
	tok := Token(uuid.NewString())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[t] = append(m.listeners[t], registration{token: tok, fn: fn})
	m.index[tok] = t
	log.Debug().Str("module", "app.mux").Str("type", string(t)).Str("token", string(tok)).Msg("subscribed")
	return tok
}

// Unsubscribe removes exactly the registration behind tok. Unknown or
// already removed tokens are ignored.
func (m *Multiplexer) Unsubscribe(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.index[tok]
	if !ok {
		return
	}
	delete(m.index, tok)
	regs := m.listeners[t]
	for i, r := range regs {
		if r.token == tok {
			// copy so an in-flight dispatch keeps its snapshot intact
			next := make([]registration, 0, len(regs)-1)
			next = append(next, regs[:i]...)
			next = append(next, regs[i+1:]...)
			m.listeners[t] = next
			break
		}
	}
	if len(m.listeners[t]) == 0 {
		delete(m.listeners, t)
	}
}

// Reset drops every registration. Used when the connection goes away so
// nothing is delivered on behalf of a dead socket.
func (m *Multiplexer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = make(map[core.EventType][]registration)
	m.index = make(map[Token]core.EventType)
	log.Debug().Str("module", "app.mux").Msg("reset")
}

// Count returns the number of listeners for t.
func (m *Multiplexer) Count(t core.EventType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners[t])
}

// Dispatch decodes env once and runs every listener for its type before
// returning. Undecodable envelopes are logged and dropped. A panicking
// listener is logged and the rest still run.
func (m *Multiplexer) Dispatch(env core.Envelope) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.RLock()
	regs := m.listeners[env.Type]
	m.mu.RUnlock()
	if len(regs) == 0 {
		log.Debug().Str("module", "app.mux").Str("type", string(env.Type)).Msg("no listeners")
		return
	}

	ev, err := env.Decode()
	if err != nil {
		log.Warn().Err(err).Str("module", "app.mux").Str("type", string(env.Type)).Msg("drop event")
		return
	}

	for _, r := range regs {
		var pc panics.Catcher
		pc.Try(func() { r.fn(ev) })
		if rec := pc.Recovered(); rec != nil {
			log.Error().Str("module", "app.mux").
				Str("type", string(env.Type)).
				Str("token", string(r.token)).
				Str("panic", rec.String()).
				Msg("listener panicked")
		}
	}
}

// On subscribes a handler typed to the concrete event of t. Events of
// another concrete type are ignored.
func On[E core.Event](m *Multiplexer, t core.EventType, fn func(E)) Token {
	return m.Subscribe(t, func(ev core.Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}
