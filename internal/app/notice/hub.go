// Package notice delivers transient user-facing messages such as "missed
// call" to whoever renders them.
package notice

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/teamcall/internal/clock"
	"github.com/dkeye/teamcall/internal/domain"
)

type Kind string

const (
	Declined     Kind = "declined"
	Missed       Kind = "missed"
	NoAnswer     Kind = "no_answer"
	CallFailed   Kind = "call_failed"
	IncomingCall Kind = "incoming_call"
	// ServerEvent carries a message or directory event verbatim.
	ServerEvent Kind = "server_event"
)

type Notice struct {
	Kind           Kind                  `json:"kind"`
	Title          string                `json:"title"`
	Body           string                `json:"body,omitempty"`
	ConversationID domain.ConversationID `json:"conversationId,omitempty"`
	Data           json.RawMessage       `json:"data,omitempty"`
	At             time.Time             `json:"at"`
}

const subscriberBuffer = 32

// Hub fans notices out to subscribers. Slow subscribers lose notices
// rather than block the publisher.
type Hub struct {
	clk clock.Clock

	mu   sync.Mutex
	subs map[chan Notice]struct{}
}

func NewHub(clk clock.Clock) *Hub {
	return &Hub{clk: clk, subs: make(map[chan Notice]struct{})}
}

// Subscribe returns a channel of notices and an idempotent cancel that
// closes it.
func (h *Hub) Subscribe() (<-chan Notice, func()) {
	ch := make(chan Notice, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (h *Hub) Publish(n Notice) {
	if n.At.IsZero() {
		n.At = h.clk.Now()
	}
	log.Info().Str("module", "app.notice").Str("kind", string(n.Kind)).Str("title", n.Title).Msg("notice")

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- n:
		default:
			log.Warn().Str("module", "app.notice").Str("kind", string(n.Kind)).Msg("subscriber full, notice dropped")
		}
	}
}
