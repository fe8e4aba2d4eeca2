package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Call.RingTimeout != 30*time.Second {
		t.Fatalf("ring timeout = %s", cfg.Call.RingTimeout)
	}
	if cfg.Call.WindowPoll != 500*time.Millisecond {
		t.Fatalf("window poll = %s", cfg.Call.WindowPoll)
	}
	if cfg.Signal.Reconnect {
		t.Fatal("reconnect must default to off")
	}
	if cfg.Signal.TokenParam != "token" || cfg.Signal.ReadLimit != 32768 {
		t.Fatalf("signal = %+v", cfg.Signal)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("CONFIG_ENV", "test")
	if err := os.Mkdir(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := []byte(`
mode: debug
port: 9000
signal:
  url: wss://chat.example/ws
  reconnect: true
call:
  ring_timeout: 45s
`)
	if err := os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), yaml, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEAMCALL_CALL_MAX_ATTEMPTS", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "debug" || cfg.Port != 9000 || cfg.Addr() != "127.0.0.1:9000" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Signal.URL != "wss://chat.example/ws" || !cfg.Signal.Reconnect {
		t.Fatalf("signal = %+v", cfg.Signal)
	}
	if cfg.Call.RingTimeout != 45*time.Second || cfg.Call.MaxAttempts != 2 {
		t.Fatalf("call = %+v", cfg.Call)
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{Port: 0}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation errors")
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
