package signal

import "time"

// keepalive applies the read limit and arms the pong-driven read
// deadline. Without a ping period the connection has no deadline.
func (t *Transport) keepalive(c *wsConn) {
	if t.cfg.ReadLimit > 0 {
		c.conn.SetReadLimit(t.cfg.ReadLimit)
	}
	if t.cfg.PingPeriod <= 0 {
		return
	}
	t.extendReadDeadline(c)
	c.conn.SetPongHandler(func(string) error {
		t.extendReadDeadline(c)
		return nil
	})
}

func (t *Transport) extendReadDeadline(c *wsConn) {
	if t.cfg.PingPeriod <= 0 {
		return
	}
	pongWait := t.cfg.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
}
