package orch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/teamcall/internal/adapters/audio"
	"github.com/dkeye/teamcall/internal/adapters/signal"
	"github.com/dkeye/teamcall/internal/app/call"
	"github.com/dkeye/teamcall/internal/app/cue"
	"github.com/dkeye/teamcall/internal/app/mux"
	"github.com/dkeye/teamcall/internal/app/notice"
	"github.com/dkeye/teamcall/internal/app/presence"
	"github.com/dkeye/teamcall/internal/app/window"
	"github.com/dkeye/teamcall/internal/clock"
	"github.com/dkeye/teamcall/internal/core"
	"github.com/dkeye/teamcall/internal/domain"
)

// relay is a minimal signaling server: it announces presence and
// forwards every frame a client sends to all other clients.
type relay struct {
	*httptest.Server

	mu    sync.Mutex
	conns map[string]*relayConn
}

type relayConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *relayConn) write(v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, []byte(v))
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	r := &relay{conns: map[string]*relayConn{}}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token := req.URL.Query().Get("token")
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		c := &relayConn{ws: ws}

		r.mu.Lock()
		ids := []string{token}
		for other, oc := range r.conns {
			ids = append(ids, other)
			oc.write(fmt.Sprintf(`{"type":"user_online","data":{"userId":%s}}`, token))
		}
		r.conns[token] = c
		r.mu.Unlock()
		c.write(fmt.Sprintf(`{"type":"online_users","data":{"userIds":[%s]}}`, strings.Join(ids, ",")))

		go func() {
			defer func() {
				r.mu.Lock()
				if r.conns[token] == c {
					delete(r.conns, token)
				}
				for _, oc := range r.conns {
					oc.write(fmt.Sprintf(`{"type":"user_offline","data":{"userId":%s}}`, token))
				}
				r.mu.Unlock()
				_ = ws.Close()
			}()
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					return
				}
				r.mu.Lock()
				for other, oc := range r.conns {
					if other != token {
						oc.write(string(data))
					}
				}
				r.mu.Unlock()
			}
		}()
	}))
	t.Cleanup(r.Close)
	return r
}

// drop closes the server side of token's connection.
func (r *relay) drop(token string) {
	r.mu.Lock()
	c := r.conns[token]
	r.mu.Unlock()
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.Close()
}

type stubRooms struct{}

func (stubRooms) CreateRoom(_ context.Context, name domain.RoomName) (domain.Room, error) {
	return domain.Room{Name: name, URL: "https://meet.test/" + string(name)}, nil
}

type stubWindow struct {
	mu     sync.Mutex
	closed bool
}

func (w *stubWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *stubWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type stubWindows struct {
	mu   sync.Mutex
	last *stubWindow
}

func (o *stubWindows) Open(context.Context, domain.Room, core.JoinOptions) (core.Window, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = &stubWindow{}
	return o.last, nil
}

func newClient(t *testing.T, url string) (*Orchestrator, *stubWindows, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mx := mux.New()
	hub := notice.NewHub(clk)
	windows := &stubWindows{}
	o := &Orchestrator{
		Mux:       mx,
		Presence:  presence.New(),
		Notices:   hub,
		Cues:      cue.NewDriver(audio.Silent{}, audio.NewConsoleAlerter(io.Discard), clk),
		Transport: signal.NewTransport(signal.Config{URL: url}, mx, clk),
		Watcher:   window.NewMonitor(clk, window.DefaultPollInterval),
		Rooms:     stubRooms{},
		Windows:   windows,
		Clock:     clk,
	}
	o.Start()
	t.Cleanup(o.Shutdown)
	return o, windows, clk
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func stateOf(o *Orchestrator, conv domain.ConversationID) call.State {
	m, err := o.machine()
	if err != nil {
		return call.Idle
	}
	return m.State(conv)
}

func TestCallBetweenTwoClients(t *testing.T) {
	r := newRelay(t)
	url := "ws" + strings.TrimPrefix(r.URL, "http")
	alice := domain.User{ID: 1, Name: "Alice"}
	bob := domain.User{ID: 2, Name: "Bob"}

	a, _, _ := newClient(t, url)
	b, bobWindows, _ := newClient(t, url)
	ctx := context.Background()

	if err := a.Login(ctx, alice, "1"); err != nil {
		t.Fatal(err)
	}
	if err := b.Login(ctx, bob, "2"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "alice sees bob online", func() bool { return a.Presence.IsOnline(2) })
	eventually(t, "bob sees alice online", func() bool { return b.Presence.IsOnline(1) })

	bobNotices, cancel := b.Notices.Subscribe()
	defer cancel()

	if _, err := a.StartCall(ctx, 10, domain.CallVideo, bob); err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob ringing", func() bool { return stateOf(b, 10) == call.RingingIncoming })
	// the ring publishes under the machine lock, so it is queued by now
	var rings []notice.Notice
	for drained := false; !drained; {
		select {
		case n := <-bobNotices:
			rings = append(rings, n)
		default:
			drained = true
		}
	}
	if len(rings) != 1 || rings[0].Kind != notice.IncomingCall || rings[0].ConversationID != 10 {
		t.Fatalf("notices for one ring = %+v", rings)
	}
	if a.Cues.Kind() != cue.Outgoing || b.Cues.Kind() != cue.Incoming {
		t.Fatalf("cues: alice %s, bob %s", a.Cues.Kind(), b.Cues.Kind())
	}

	if err := b.Accept(ctx, 10); err != nil {
		t.Fatal(err)
	}
	eventually(t, "alice active", func() bool { return stateOf(a, 10) == call.Active })
	if a.Cues.Active() || b.Cues.Active() {
		t.Fatal("cue still playing in active call")
	}
	sessions, _ := b.Sessions()
	if len(sessions) != 1 || sessions[0].Room != "conversation-10-video" {
		t.Fatalf("bob sessions = %+v", sessions)
	}

	if err := b.End(10); err != nil {
		t.Fatal(err)
	}
	eventually(t, "alice sees peer left", func() bool {
		m, _ := a.machine()
		s, ok := m.Session(10)
		return ok && s.PeerEnded
	})
	if !bobWindows.last.Closed() {
		t.Fatal("bob window left open")
	}
	if err := a.End(10); err != nil {
		t.Fatal(err)
	}
	if stateOf(a, 10) != call.Idle {
		t.Fatal("alice still in call")
	}
}

func TestCallerRingTimeout(t *testing.T) {
	r := newRelay(t)
	url := "ws" + strings.TrimPrefix(r.URL, "http")
	a, _, aclk := newClient(t, url)
	b, _, _ := newClient(t, url)
	ctx := context.Background()

	notices, cancel := a.Notices.Subscribe()
	defer cancel()

	if err := a.Login(ctx, domain.User{ID: 1, Name: "Alice"}, "1"); err != nil {
		t.Fatal(err)
	}
	if err := b.Login(ctx, domain.User{ID: 2, Name: "Bob"}, "2"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "presence", func() bool { return a.Presence.IsOnline(2) })

	if _, err := a.StartCall(ctx, 11, domain.CallAudio, domain.User{ID: 2, Name: "Bob"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob ringing", func() bool { return stateOf(b, 11) == call.RingingIncoming })

	aclk.Advance(call.DefaultRingTimeout)
	if stateOf(a, 11) != call.Idle {
		t.Fatal("caller still ringing after timeout")
	}
	eventually(t, "bob stops ringing", func() bool { return stateOf(b, 11) == call.Idle })

	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-notices:
			if n.Kind == notice.NoAnswer {
				return
			}
		case <-deadline:
			t.Fatal("no 'no answer' notice")
		}
	}
}

func TestLogoutTearsDown(t *testing.T) {
	r := newRelay(t)
	url := "ws" + strings.TrimPrefix(r.URL, "http")
	a, _, _ := newClient(t, url)
	ctx := context.Background()

	if err := a.Login(ctx, domain.User{ID: 1, Name: "Alice"}, "1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Login(ctx, domain.User{ID: 1, Name: "Alice"}, "1"); !errors.Is(err, ErrLoggedIn) {
		t.Fatalf("second login = %v", err)
	}
	eventually(t, "snapshot", func() bool { return a.Presence.IsOnline(1) })
	if a.Mux.Count(core.EventIncomingCall) != 1 {
		t.Fatal("call machine not bound")
	}

	a.Logout()
	if a.Transport.Status() != core.StatusClosed {
		t.Fatalf("status = %s", a.Transport.Status())
	}
	if a.Mux.Count(core.EventIncomingCall) != 0 || a.Presence.Len() != 0 {
		t.Fatal("listeners or presence survived logout")
	}
	if _, err := a.Sessions(); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("sessions after logout = %v", err)
	}
	if _, ok := a.Self(); ok {
		t.Fatal("self survived logout")
	}
}

func TestLoginFailure(t *testing.T) {
	a, _, _ := newClient(t, "ws://127.0.0.1:1/ws")
	if err := a.Login(context.Background(), domain.User{ID: 1, Name: "Alice"}, "1"); err == nil {
		t.Fatal("expected login error")
	}
	if _, ok := a.Self(); ok {
		t.Fatal("self set after failed login")
	}
	if err := a.SendMessage([]byte(`{}`)); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("send = %v", err)
	}
}

func TestLoginAfterServerDroppedConnection(t *testing.T) {
	r := newRelay(t)
	url := "ws" + strings.TrimPrefix(r.URL, "http")
	a, _, _ := newClient(t, url)
	ctx := context.Background()
	alice := domain.User{ID: 1, Name: "Alice"}

	if err := a.Login(ctx, alice, "1"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "snapshot", func() bool { return a.Presence.IsOnline(1) })

	r.drop("1")
	eventually(t, "connection closed", func() bool { return a.Transport.Status() == core.StatusClosed })

	if err := a.Login(ctx, alice, "1"); err != nil {
		t.Fatalf("login after drop = %v", err)
	}
	if a.Transport.Status() != core.StatusOpen {
		t.Fatalf("status = %s", a.Transport.Status())
	}
	if a.Mux.Count(core.EventIncomingCall) != 1 {
		t.Fatal("new call machine not bound")
	}
	eventually(t, "fresh snapshot", func() bool { return a.Presence.IsOnline(1) })
}
