// Package window watches call windows and reports when the user closes
// them.
package window

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/teamcall/internal/clock"
	"github.com/dkeye/teamcall/internal/core"
)

const DefaultPollInterval = 500 * time.Millisecond

type Monitor struct {
	clk      clock.Clock
	interval time.Duration
}

func NewMonitor(clk clock.Clock, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Monitor{clk: clk, interval: interval}
}

// Watch polls w until it reports closed, then calls onClosed once and
// stops. The returned stop ends polling without waiting for the poller,
// so it is safe to call from onClosed. A nil window is not watched.
func (m *Monitor) Watch(w core.Window, onClosed func()) (stop func()) {
	if w == nil {
		return func() {}
	}

	done := make(chan struct{})
	var (
		once    sync.Once
		stopped atomic.Bool
	)
	stop = func() {
		once.Do(func() {
			stopped.Store(true)
			close(done)
		})
	}

	ticker := m.clk.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !w.Closed() {
					continue
				}
				if stopped.CompareAndSwap(false, true) {
					log.Debug().Str("module", "app.window").Msg("window closed")
					onClosed()
				}
				return
			}
		}
	}()
	return stop
}
