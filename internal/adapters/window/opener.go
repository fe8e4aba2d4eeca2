// Package window opens call windows on the local desktop.
package window

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/browser"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/teamcall/internal/adapters/room"
	"github.com/dkeye/teamcall/internal/core"
	"github.com/dkeye/teamcall/internal/domain"
)

const urlPlaceholder = "{url}"

// Opener starts a dedicated browser process per call so the window can be
// tracked. Without a command it hands the URL to the system browser,
// which cannot be tracked.
type Opener struct {
	command []string
	openURL func(string) error
}

// NewOpener parses command, e.g. "chromium --app={url}". The URL is
// appended when the command has no placeholder.
func NewOpener(command string) *Opener {
	return &Opener{command: strings.Fields(command), openURL: browser.OpenURL}
}

func (o *Opener) Open(_ context.Context, r domain.Room, opts core.JoinOptions) (core.Window, error) {
	target, err := room.JoinURL(r, opts)
	if err != nil {
		return nil, err
	}

	if len(o.command) == 0 {
		if err := o.openURL(target); err != nil {
			return nil, fmt.Errorf("open browser: %w", err)
		}
		log.Info().Str("module", "adapters.window").Str("room", string(r.Name)).Msg("opened in system browser")
		return nil, nil
	}

	args := make([]string, 0, len(o.command)+1)
	substituted := false
	for _, a := range o.command {
		if strings.Contains(a, urlPlaceholder) {
			a = strings.ReplaceAll(a, urlPlaceholder, target)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, target)
	}

	// not tied to ctx: the window outlives the request that opened it
	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start window: %w", err)
	}
	w := &processWindow{cmd: cmd, done: make(chan struct{})}
	go w.wait()
	log.Info().Str("module", "adapters.window").Str("room", string(r.Name)).Int("pid", cmd.Process.Pid).Msg("window opened")
	return w, nil
}

type processWindow struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
}

func (w *processWindow) wait() {
	err := w.cmd.Wait()
	log.Debug().Err(err).Str("module", "adapters.window").Msg("window process exited")
	close(w.done)
}

func (w *processWindow) Closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Close kills the process if it is still running.
func (w *processWindow) Close() error {
	var err error
	w.once.Do(func() {
		if w.Closed() {
			return
		}
		if kerr := w.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = kerr
			return
		}
		<-w.done
	})
	return err
}
