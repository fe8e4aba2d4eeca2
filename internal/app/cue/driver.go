// Package cue plays ringtones and raises alerts for call state changes.
// At most one cue plays at a time.
package cue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/teamcall/internal/clock"
	"github.com/dkeye/teamcall/internal/core"
)

type Kind int

const (
	None Kind = iota
	Outgoing
	Incoming
)

func (k Kind) String() string {
	switch k {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	default:
		return "none"
	}
}

// pattern repeats tone every period.
type pattern struct {
	tone   core.Tone
	period time.Duration
}

var (
	ringback = pattern{tone: core.Tone{Frequency: 440, Duration: time.Second}, period: 4 * time.Second}
	ring     = pattern{tone: core.Tone{Frequency: 880, Duration: 400 * time.Millisecond}, period: 600 * time.Millisecond}
)

type playback struct {
	kind Kind
	stop chan struct{}
	done chan struct{}
	// ended is set once the player goroutine returns, including when the
	// voice could not be acquired.
	ended atomic.Bool
}

func (p *playback) halt() {
	close(p.stop)
	<-p.done
}

type Driver struct {
	sink    core.AudioSink
	alerter core.Alerter
	clk     clock.Clock

	mu     sync.Mutex
	cur    *playback
	closed bool
}

func NewDriver(sink core.AudioSink, alerter core.Alerter, clk clock.Clock) *Driver {
	return &Driver{sink: sink, alerter: alerter, clk: clk}
}

// StartOutgoing plays ringback while the local user waits for an answer.
func (d *Driver) StartOutgoing() {
	d.start(Outgoing, ringback)
}

// StartIncoming rings and raises an alert with title and body.
func (d *Driver) StartIncoming(title, body string) {
	if !d.start(Incoming, ring) {
		return
	}
	if d.alerter != nil {
		var pc panics.Catcher
		pc.Try(func() { d.alerter.Alert(title, body) })
		if r := pc.Recovered(); r != nil {
			log.Error().Str("module", "app.cue").Str("panic", r.String()).Msg("alert failed")
		}
	}
}

// Stop silences the current cue. The voice has been released when Stop
// returns.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// Close stops playback for good; later starts are ignored.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.closed = true
}

// Active reports whether a cue is audibly playing. A cue whose voice
// could not be acquired is not active.
func (d *Driver) Active() bool {
	return d.Kind() != None
}

func (d *Driver) Kind() Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur == nil || d.cur.ended.Load() {
		return None
	}
	return d.cur.kind
}

func (d *Driver) start(kind Kind, p pattern) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.stopLocked()

	pb := &playback{kind: kind, stop: make(chan struct{}), done: make(chan struct{})}
	d.cur = pb
	go d.play(pb, p)
	log.Debug().Str("module", "app.cue").Stringer("kind", kind).Msg("cue started")
	return true
}

func (d *Driver) stopLocked() {
	if d.cur == nil {
		return
	}
	d.cur.halt()
	log.Debug().Str("module", "app.cue").Stringer("kind", d.cur.kind).Msg("cue stopped")
	d.cur = nil
}

func (d *Driver) play(pb *playback, p pattern) {
	defer close(pb.done)
	defer pb.ended.Store(true)

	select {
	case <-pb.stop:
		return
	default:
	}

	voice, err := d.sink.Acquire()
	if err != nil {
		log.Warn().Err(err).Str("module", "app.cue").Msg("audio unavailable")
		return
	}
	defer release(voice)

	var pc panics.Catcher
	pc.Try(func() {
		ticker := d.clk.NewTicker(p.period)
		defer ticker.Stop()
		for {
			if err := voice.Play(p.tone); err != nil {
				log.Warn().Err(err).Str("module", "app.cue").Msg("play tone")
			}
			select {
			case <-pb.stop:
				return
			case <-ticker.C:
			}
		}
	})
	if r := pc.Recovered(); r != nil {
		log.Error().Str("module", "app.cue").Str("panic", r.String()).Msg("playback panicked")
	}
}

func release(v core.Voice) {
	var pc panics.Catcher
	pc.Try(func() {
		if err := v.Release(); err != nil {
			log.Warn().Err(err).Str("module", "app.cue").Msg("release voice")
		}
	})
	if r := pc.Recovered(); r != nil {
		log.Error().Str("module", "app.cue").Str("panic", r.String()).Msg("release panicked")
	}
}
