package audio

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// ConsoleAlerter prints alerts as one line on a terminal. It stands in
// for a desktop notification when the client runs headless.
type ConsoleAlerter struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleAlerter(out io.Writer) *ConsoleAlerter {
	return &ConsoleAlerter{out: out}
}

func (a *ConsoleAlerter) Alert(title, body string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := fmt.Fprintf(a.out, "[%s] %s\n", title, body); err != nil {
		log.Warn().Err(err).Str("module", "adapters.audio").Msg("write alert")
	}
}
