package window

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/teamcall/internal/core"
	"github.com/dkeye/teamcall/internal/domain"
)

// TestHelperProcess stands in for a browser window when run as a child.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("TEAMCALL_HELPER_PROCESS") != "1" {
		return
	}
	if os.Getenv("TEAMCALL_HELPER_EXIT") == "1" {
		os.Exit(0)
	}
	time.Sleep(30 * time.Second)
	os.Exit(0)
}

func helperCommand() string {
	return os.Args[0] + " -test.run=TestHelperProcess -- {url}"
}

var testRoom = domain.Room{Name: "conversation-1-video", URL: "https://meet.test/conversation-1-video"}

func TestOpenTracksProcess(t *testing.T) {
	t.Setenv("TEAMCALL_HELPER_PROCESS", "1")
	o := NewOpener(helperCommand())

	w, err := o.Open(context.Background(), testRoom, core.JoinOptions{DisplayName: "Bob", Kind: domain.CallVideo})
	if err != nil {
		t.Fatal(err)
	}
	if w == nil {
		t.Fatal("process window not tracked")
	}
	if w.Closed() {
		t.Fatal("closed right after open")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if !w.Closed() {
		t.Fatal("not closed after Close")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestWindowReportsUserClose(t *testing.T) {
	t.Setenv("TEAMCALL_HELPER_PROCESS", "1")
	t.Setenv("TEAMCALL_HELPER_EXIT", "1")
	o := NewOpener(helperCommand())

	w, err := o.Open(context.Background(), testRoom, core.JoinOptions{})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !w.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("exit not observed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSystemBrowserFallback(t *testing.T) {
	o := NewOpener("")
	var opened string
	o.openURL = func(u string) error { opened = u; return nil }

	w, err := o.Open(context.Background(), testRoom, core.JoinOptions{DisplayName: "Bob", Kind: domain.CallAudio})
	if err != nil {
		t.Fatal(err)
	}
	if w != nil {
		t.Fatal("system browser window should be untracked")
	}
	if !strings.HasPrefix(opened, testRoom.URL) || !strings.Contains(opened, "video=off") {
		t.Fatalf("opened %q", opened)
	}

	o.openURL = func(string) error { return errors.New("no browser") }
	if _, err := o.Open(context.Background(), testRoom, core.JoinOptions{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestStartFailure(t *testing.T) {
	o := NewOpener("/nonexistent/browser-binary")
	if _, err := o.Open(context.Background(), testRoom, core.JoinOptions{}); err == nil {
		t.Fatal("expected start error")
	}
}
