package call

import (
	"sync"
	"time"

	"github.com/dkeye/teamcall/internal/clock"
	"github.com/dkeye/teamcall/internal/domain"
)

// attemptLimiter caps outgoing call attempts per conversation within a
// sliding window. A non-positive limit disables it.
type attemptLimiter struct {
	mu       sync.Mutex
	clk      clock.Clock
	history  map[domain.ConversationID][]time.Time
	limit    int
	interval time.Duration
}

func newAttemptLimiter(clk clock.Clock, limit int, interval time.Duration) *attemptLimiter {
	return &attemptLimiter{
		clk:      clk,
		history:  make(map[domain.ConversationID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *attemptLimiter) Allow(conv domain.ConversationID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clk.Now()
	windowStart := now.Add(-rl.interval)
	rl.prune(conv, windowStart)

	attempts := rl.history[conv]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[conv] = fresh
		return false
	}

	rl.history[conv] = append(fresh, now)
	return true
}

// prune forgets conversations other than conv whose newest attempt has
// left the window.
func (rl *attemptLimiter) prune(conv domain.ConversationID, windowStart time.Time) {
	for c, attempts := range rl.history {
		if c == conv {
			continue
		}
		if n := len(attempts); n == 0 || !attempts[n-1].After(windowStart) {
			delete(rl.history, c)
		}
	}
}

func (rl *attemptLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.history)
}
