package signal

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/teamcall/internal/core"
)

// run starts both pumps of c and reports the disconnect once they exit.
func (t *Transport) run(c *wsConn) {
	var wg conc.WaitGroup
	wg.Go(func() { t.writePump(c) })
	wg.Go(func() { t.readPump(c) })
	go func() {
		defer close(c.done)
		if r := wg.WaitAndRecover(); r != nil {
			log.Error().Str("module", "adapters.signal").Str("panic", r.String()).Msg("pump panicked")
		}
		t.disconnected(c)
	}()
}

func (t *Transport) writePump(c *wsConn) {
	defer func() { _ = c.conn.Close() }()

	var ping <-chan time.Time
	if t.cfg.PingPeriod > 0 {
		ticker := t.clk.NewTicker(t.cfg.PingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Msg("writePump set deadline")
				return
			}
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
				log.Debug().Str("module", "adapters.signal").Msg("writePump drained")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Msg("writePump write error")
				return
			}
		case <-ping:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Warn().Err(err).Str("module", "adapters.signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (t *Transport) readPump(c *wsConn) {
	defer func() {
		log.Debug().Str("module", "adapters.signal").Msg("readPump closing")
		c.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "adapters.signal").Msg("readPump read error")
			}
			return
		}
		t.extendReadDeadline(c)
		t.handleFrame(data)
	}
}

// handleFrame drops frames that are not envelopes; everything else goes
// to the dispatcher before the next frame is read.
func (t *Transport) handleFrame(data []byte) {
	env, err := core.ParseEnvelope(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Int("len", len(data)).Msg("bad frame")
		return
	}
	t.dispatch.Dispatch(env)
}
