// Package signal is the client side of the signaling WebSocket: one
// duplex connection per logged-in session.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/teamcall/internal/clock"
	"github.com/dkeye/teamcall/internal/core"
)

var (
	ErrBackpressure     = errors.New("backpressure")
	ErrConnClosed       = errors.New("connection closed")
	ErrAlreadyConnected = errors.New("already connected")
	ErrTransportClosed  = errors.New("transport closed")
)

// Dispatcher receives every inbound envelope on the read pump.
type Dispatcher interface {
	Dispatch(core.Envelope)
}

type Config struct {
	URL            string
	TokenParam     string
	ReadLimit      int64
	PingPeriod     time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	Reconnect      bool
	ReconnectDelay time.Duration
	Policy         Policy
}

func (c *Config) setDefaults() {
	if c.TokenParam == "" {
		c.TokenParam = "token"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.Policy == nil {
		c.Policy = DropPolicy{}
	}
}

// wsConn is one socket with its bounded outbound queue.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// shutdown stops accepting frames; the write pump drains the queue and
// closes the socket.
func (c *wsConn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsConn) Close() {
	c.shutdown()
	_ = c.conn.Close()
}

// Transport owns the signaling connection. Send is safe from any
// goroutine; inbound frames are dispatched one at a time in arrival
// order.
type Transport struct {
	cfg      Config
	dialer   *websocket.Dialer
	dispatch Dispatcher
	clk      clock.Clock

	mu               sync.RWMutex
	status           core.Status
	conn             *wsConn
	token            string
	closing          bool
	pendingReconnect bool
	cancelRetry      context.CancelFunc
	hooks            []func(core.Status)
}

func NewTransport(cfg Config, d Dispatcher, clk clock.Clock) *Transport {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &Transport{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		dispatch: d,
		clk:      clk,
	}
}

// OnStatus registers fn for status changes. Hooks run synchronously; an
// Open hook completes before the first frame is dispatched.
func (t *Transport) OnStatus(fn func(core.Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, fn)
}

func (t *Transport) Status() core.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// PendingReconnect reports whether a reconnect is scheduled.
func (t *Transport) PendingReconnect() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pendingReconnect
}

// Connect dials the server with token in the URL query.
func (t *Transport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	if t.status != core.StatusClosed {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.status = core.StatusConnecting
	t.token = token
	t.closing = false
	t.mu.Unlock()
	t.notify(core.StatusConnecting)

	target, err := t.endpoint(token)
	if err != nil {
		t.setClosed()
		return err
	}

	ws, _, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		t.setClosed()
		log.Warn().Err(err).Str("module", "adapters.signal").Msg("dial failed")
		return fmt.Errorf("dial signaling: %w", err)
	}

	c := &wsConn{
		conn: ws,
		send: make(chan core.Frame, t.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	t.keepalive(c)

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		_ = ws.Close()
		t.setClosed()
		return ErrTransportClosed
	}
	t.conn = c
	t.status = core.StatusOpen
	t.pendingReconnect = false
	t.mu.Unlock()

	log.Info().Str("module", "adapters.signal").Str("url", t.cfg.URL).Msg("connected")
	t.notify(core.StatusOpen)
	t.run(c)
	return nil
}

// Send queues env for writing. It does nothing unless the connection is
// open and never reports failure to the caller.
func (t *Transport) Send(env core.Envelope) {
	t.mu.RLock()
	c, st := t.conn, t.status
	t.mu.RUnlock()
	if st != core.StatusOpen || c == nil {
		log.Debug().Str("module", "adapters.signal").Str("type", string(env.Type)).Msg("send while not open, dropped")
		return
	}

	f, err := env.Frame()
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("encode frame")
		return
	}
	err = c.TrySend(f)
	switch {
	case err == nil:
	case errors.Is(err, ErrBackpressure):
		if t.cfg.Policy.OnBackpressure(env) == CloseConnection {
			log.Warn().Str("module", "adapters.signal").Str("type", string(env.Type)).Msg("send queue full, closing connection")
			c.Close()
			return
		}
		log.Warn().Str("module", "adapters.signal").Str("type", string(env.Type)).Msg("send queue full, frame dropped")
	default:
		log.Debug().Err(err).Str("module", "adapters.signal").Msg("send on closing connection")
	}
}

// Close flushes queued frames, closes the socket and cancels any pending
// reconnect. Used on logout.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closing = true
	t.pendingReconnect = false
	if t.cancelRetry != nil {
		t.cancelRetry()
		t.cancelRetry = nil
	}
	c := t.conn
	t.mu.Unlock()

	if c == nil {
		return
	}
	c.shutdown()
	select {
	case <-c.done:
	case <-time.After(t.cfg.WriteTimeout + time.Second):
		c.Close()
		<-c.done
	}
}

func (t *Transport) endpoint(token string) (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("signaling url: %w", err)
	}
	q := u.Query()
	q.Set(t.cfg.TokenParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Transport) setClosed() {
	t.mu.Lock()
	t.status = core.StatusClosed
	t.conn = nil
	t.mu.Unlock()
	t.notify(core.StatusClosed)
}

func (t *Transport) notify(st core.Status) {
	t.mu.RLock()
	hooks := t.hooks
	t.mu.RUnlock()
	for _, fn := range hooks {
		fn(st)
	}
}

// disconnected runs once both pumps of c have exited.
func (t *Transport) disconnected(c *wsConn) {
	t.mu.Lock()
	if t.conn != c {
		t.mu.Unlock()
		return
	}
	retry := t.cfg.Reconnect && !t.closing && t.token != ""
	t.pendingReconnect = retry
	token := t.token
	var ctx context.Context
	if retry {
		ctx, t.cancelRetry = context.WithCancel(context.Background())
	}
	t.mu.Unlock()

	log.Info().Str("module", "adapters.signal").Bool("reconnect", retry).Msg("disconnected")
	t.setClosed()
	if retry {
		go t.reconnect(ctx, token)
	}
}

// reconnect retries at a fixed delay until connected or cancelled.
func (t *Transport) reconnect(ctx context.Context, token string) {
	for {
		wait := make(chan struct{})
		timer := t.clk.AfterFunc(t.cfg.ReconnectDelay, func() { close(wait) })
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wait:
		}

		err := t.Connect(ctx, token)
		if err == nil || errors.Is(err, ErrAlreadyConnected) || errors.Is(err, ErrTransportClosed) {
			return
		}
		t.mu.Lock()
		t.pendingReconnect = ctx.Err() == nil
		t.mu.Unlock()
		log.Warn().Err(err).Str("module", "adapters.signal").Dur("delay", t.cfg.ReconnectDelay).Msg("reconnect failed")
	}
}
