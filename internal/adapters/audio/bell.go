// Package audio provides the output devices cues play on.
package audio

import (
	"errors"
	"io"
	"sync"

	"github.com/dkeye/teamcall/internal/core"
)

var (
	ErrBusy     = errors.New("audio output busy")
	ErrReleased = errors.New("voice already released")
)

// Bell rings the terminal bell once per tone. It has a single voice.
type Bell struct {
	mu   sync.Mutex
	out  io.Writer
	busy bool
}

func NewBell(out io.Writer) *Bell {
	return &Bell{out: out}
}

func (b *Bell) Acquire() (core.Voice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busy {
		return nil, ErrBusy
	}
	b.busy = true
	return &bellVoice{bell: b}, nil
}

type bellVoice struct {
	bell     *Bell
	released bool
}

func (v *bellVoice) Play(core.Tone) error {
	v.bell.mu.Lock()
	defer v.bell.mu.Unlock()
	if v.released {
		return ErrReleased
	}
	_, err := io.WriteString(v.bell.out, "\a")
	return err
}

func (v *bellVoice) Release() error {
	v.bell.mu.Lock()
	defer v.bell.mu.Unlock()
	if v.released {
		return ErrReleased
	}
	v.released = true
	v.bell.busy = false
	return nil
}

// Silent accepts every tone and plays nothing.
type Silent struct{}

func (Silent) Acquire() (core.Voice, error) { return silentVoice{}, nil }

type silentVoice struct{}

func (silentVoice) Play(core.Tone) error { return nil }
func (silentVoice) Release() error       { return nil }

// NewSink picks a sink by config name: "bell" or "none".
func NewSink(name string, out io.Writer) core.AudioSink {
	if name == "bell" {
		return NewBell(out)
	}
	return Silent{}
}
