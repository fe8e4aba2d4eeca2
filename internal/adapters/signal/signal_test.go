package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/teamcall/internal/clock"
	"github.com/dkeye/teamcall/internal/core"
)

type testServer struct {
	*httptest.Server
	conns  chan *websocket.Conn
	tokens chan string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		conns:  make(chan *websocket.Conn, 8),
		tokens: make(chan string, 8),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.tokens <- r.URL.Query().Get("token")
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- c
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ts.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

type recorder struct {
	ch chan core.Envelope
}

func newRecorder() *recorder { return &recorder{ch: make(chan core.Envelope, 16)} }

func (r *recorder) Dispatch(env core.Envelope) { r.ch <- env }

func (r *recorder) next(t *testing.T) core.Envelope {
	t.Helper()
	select {
	case env := <-r.ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dispatch")
		return core.Envelope{}
	}
}

type statusLog struct {
	mu  sync.Mutex
	got []core.Status
	ch  chan core.Status
}

func newStatusLog(tr *Transport) *statusLog {
	l := &statusLog{ch: make(chan core.Status, 16)}
	tr.OnStatus(func(s core.Status) {
		l.mu.Lock()
		l.got = append(l.got, s)
		l.mu.Unlock()
		l.ch <- s
	})
	return l
}

func (l *statusLog) waitFor(t *testing.T, want core.Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-l.ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for status %s", want)
		}
	}
}

func newTransport(ts *testServer, d Dispatcher, cfg Config) *Transport {
	cfg.URL = ts.wsURL() + "/ws"
	return NewTransport(cfg, d, clock.Real())
}

func TestConnectCarriesToken(t *testing.T) {
	ts := newTestServer(t)
	tr := newTransport(ts, newRecorder(), Config{})
	statuses := newStatusLog(tr)

	if err := tr.Connect(context.Background(), "secret-token"); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	ts.accept(t)

	if got := <-ts.tokens; got != "secret-token" {
		t.Fatalf("token = %q", got)
	}
	if tr.Status() != core.StatusOpen {
		t.Fatalf("status = %s", tr.Status())
	}
	statuses.mu.Lock()
	got := append([]core.Status(nil), statuses.got...)
	statuses.mu.Unlock()
	if len(got) != 2 || got[0] != core.StatusConnecting || got[1] != core.StatusOpen {
		t.Fatalf("statuses = %v", got)
	}
	if err := tr.Connect(context.Background(), "again"); err != ErrAlreadyConnected {
		t.Fatalf("second connect = %v", err)
	}
}

func TestInboundFramesDispatchedInOrder(t *testing.T) {
	ts := newTestServer(t)
	rec := newRecorder()
	tr := newTransport(ts, rec, Config{})
	if err := tr.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	srv := ts.accept(t)

	frames := []string{
		`{"type":"user_online","data":{"userId":1}}`,
		`garbage`,
		`{"data":{}}`,
		`{"type":"user_offline","data":{"userId":1}}`,
	}
	for _, f := range frames {
		if err := srv.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatal(err)
		}
	}

	if env := rec.next(t); env.Type != core.EventUserOnline {
		t.Fatalf("first = %s", env.Type)
	}
	if env := rec.next(t); env.Type != core.EventUserOffline {
		t.Fatalf("second = %s", env.Type)
	}
	if tr.Status() != core.StatusOpen {
		t.Fatal("malformed frame closed the connection")
	}
}

func TestSendDeliversWhenOpen(t *testing.T) {
	ts := newTestServer(t)
	tr := newTransport(ts, newRecorder(), Config{})

	env, _ := core.NewEnvelope(core.CallCancelled{ConversationID: 3})
	tr.Send(env)

	if err := tr.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	srv := ts.accept(t)

	tr.Send(env)
	_ = srv.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := srv.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"call_cancelled","data":{"conversationId":3}}` {
		t.Fatalf("server got %s", data)
	}
}

func TestServerCloseWithoutReconnect(t *testing.T) {
	ts := newTestServer(t)
	tr := newTransport(ts, newRecorder(), Config{})
	statuses := newStatusLog(tr)
	if err := tr.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	srv := ts.accept(t)
	statuses.waitFor(t, core.StatusOpen)

	_ = srv.Close()
	statuses.waitFor(t, core.StatusClosed)
	if tr.PendingReconnect() {
		t.Fatal("reconnect scheduled while disabled")
	}

	env, _ := core.NewEnvelope(core.CallCancelled{ConversationID: 3})
	tr.Send(env)
}

func TestReconnectAfterDrop(t *testing.T) {
	ts := newTestServer(t)
	tr := newTransport(ts, newRecorder(), Config{Reconnect: true, ReconnectDelay: 20 * time.Millisecond})
	statuses := newStatusLog(tr)
	if err := tr.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	first := ts.accept(t)
	<-ts.tokens

	_ = first.Close()
	statuses.waitFor(t, core.StatusClosed)
	statuses.waitFor(t, core.StatusOpen)
	ts.accept(t)
	if got := <-ts.tokens; got != "tok" {
		t.Fatalf("reconnect token = %q", got)
	}
	if tr.PendingReconnect() {
		t.Fatal("pending flag left set")
	}
}

func TestCloseFlushesQueue(t *testing.T) {
	ts := newTestServer(t)
	tr := newTransport(ts, newRecorder(), Config{SendBuffer: 64})
	if err := tr.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	srv := ts.accept(t)

	received := make(chan int, 1)
	go func() {
		n := 0
		for {
			if _, _, err := srv.ReadMessage(); err != nil {
				received <- n
				return
			}
			n++
		}
	}()

	env, _ := core.NewEnvelope(core.CallRejected{ConversationID: 1})
	for i := 0; i < 10; i++ {
		tr.Send(env)
	}
	tr.Close()

	select {
	case n := <-received:
		if n != 10 {
			t.Fatalf("server got %d frames, want 10", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server reader did not finish")
	}
	if tr.Status() != core.StatusClosed {
		t.Fatalf("status = %s", tr.Status())
	}
}

func TestDialFailure(t *testing.T) {
	tr := NewTransport(Config{URL: "ws://127.0.0.1:1/ws"}, newRecorder(), clock.Real())
	if err := tr.Connect(context.Background(), "tok"); err == nil {
		t.Fatal("expected dial error")
	}
	if tr.Status() != core.StatusClosed {
		t.Fatalf("status = %s", tr.Status())
	}
}

func TestStrictPolicy(t *testing.T) {
	call, _ := core.NewEnvelope(core.CallAnswered{ConversationID: 1})
	msg := core.Envelope{Type: core.EventNewMessage}
	if (StrictPolicy{}).OnBackpressure(call) != CloseConnection {
		t.Fatal("call signaling should close")
	}
	if (StrictPolicy{}).OnBackpressure(msg) != DropFrame {
		t.Fatal("messages should drop")
	}
	if _, ok := PolicyByName("drop").(DropPolicy); !ok {
		t.Fatal("default policy")
	}
}
