// Package presence keeps the set of online users.
package presence

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/teamcall/internal/app/mux"
	"github.com/dkeye/teamcall/internal/core"
	"github.com/dkeye/teamcall/internal/domain"
)

// Tracker is written only by the handlers Bind registers; reads are safe
// from any goroutine.
type Tracker struct {
	mu     sync.RWMutex
	online map[domain.UserID]struct{}
	subs   []func(domain.UserID, bool)
}

func New() *Tracker {
	return &Tracker{online: make(map[domain.UserID]struct{})}
}

// Bind subscribes the tracker to the presence events of m.
func (t *Tracker) Bind(m *mux.Multiplexer) []mux.Token {
	return []mux.Token{
		mux.On(m, core.EventOnlineUsers, func(e core.OnlineUsers) { t.replace(e.UserIDs) }),
		mux.On(m, core.EventUserOnline, func(e core.UserOnline) { t.set(e.UserID, true) }),
		mux.On(m, core.EventUserOffline, func(e core.UserOffline) { t.set(e.UserID, false) }),
	}
}

// OnChange registers fn for individual transitions (not snapshots).
func (t *Tracker) OnChange(fn func(id domain.UserID, online bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, fn)
}

func (t *Tracker) IsOnline(id domain.UserID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[id]
	return ok
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.online)
}

// Online returns a sorted copy of the set.
func (t *Tracker) Online() []domain.UserID {
	t.mu.RLock()
	out := make([]domain.UserID, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	t.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Reset forgets everyone; the next snapshot after reconnecting refills it.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.online)
}

func (t *Tracker) replace(ids []domain.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = make(map[domain.UserID]struct{}, len(ids))
	for _, id := range ids {
		t.online[id] = struct{}{}
	}
	log.Debug().Str("module", "app.presence").Int("online", len(t.online)).Msg("snapshot")
}

func (t *Tracker) set(id domain.UserID, online bool) {
	t.mu.Lock()
	_, was := t.online[id]
	if online {
		t.online[id] = struct{}{}
	} else {
		delete(t.online, id)
	}
	subs := t.subs
	t.mu.Unlock()

	if was == online {
		return
	}
	log.Debug().Str("module", "app.presence").Int64("user", int64(id)).Bool("online", online).Msg("presence changed")
	for _, fn := range subs {
		fn(id, online)
	}
}
