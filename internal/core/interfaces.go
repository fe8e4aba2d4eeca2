package core

import (
	"context"
	"time"

	"github.com/dkeye/teamcall/internal/domain"
)

// RoomProvider provisions video rooms. CreateRoom is idempotent by name.
type RoomProvider interface {
	CreateRoom(ctx context.Context, name domain.RoomName) (domain.Room, error)
}

// Window is a call window the user may close at any time.
type Window interface {
	Closed() bool
	Close() error
}

// JoinOptions configure how the local user enters a room.
type JoinOptions struct {
	DisplayName string
	Kind        domain.CallKind
}

// WindowOpener opens a window on a room. A nil Window with a nil error
// means the window was opened but cannot be tracked.
type WindowOpener interface {
	Open(ctx context.Context, room domain.Room, opts JoinOptions) (Window, error)
}

// Tone is one beep of a cue pattern.
type Tone struct {
	Frequency int
	Duration  time.Duration
}

// Voice is an acquired audio output. It must be released exactly once.
type Voice interface {
	Play(Tone) error
	Release() error
}

// AudioSink hands out voices.
type AudioSink interface {
	Acquire() (Voice, error)
}

// Alerter raises a desktop-style notification.
type Alerter interface {
	Alert(title, body string)
}
