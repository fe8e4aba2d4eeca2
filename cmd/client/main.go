package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/teamcall/internal/adapters/audio"
	router "github.com/dkeye/teamcall/internal/adapters/http"
	"github.com/dkeye/teamcall/internal/adapters/room"
	sig "github.com/dkeye/teamcall/internal/adapters/signal"
	"github.com/dkeye/teamcall/internal/adapters/window"
	"github.com/dkeye/teamcall/internal/app/call"
	"github.com/dkeye/teamcall/internal/app/cue"
	"github.com/dkeye/teamcall/internal/app/mux"
	"github.com/dkeye/teamcall/internal/app/notice"
	"github.com/dkeye/teamcall/internal/app/orch"
	"github.com/dkeye/teamcall/internal/app/presence"
	monitor "github.com/dkeye/teamcall/internal/app/window"
	"github.com/dkeye/teamcall/internal/clock"
	"github.com/dkeye/teamcall/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logging goes through a diode so a slow terminal never stalls the
	// signaling pumps.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	wr := diode.NewWriter(os.Stderr, 1000, 10*time.Millisecond, func(missed int) {
		fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
	})
	defer wr.Close()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: wr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadAndWatch(func(next *config.Config) {
		setLevel(next.LogLevel)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setLevel(cfg.LogLevel)

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("client stopped")
		os.Exit(1)
	}
	log.Info().Msg("client exited gracefully")
}

func setLevel(name string) {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func run(ctx context.Context, cfg *config.Config) error {
	clk := clock.Real()
	notices := notice.NewHub(clk)
	mx := mux.New()

	rooms, err := room.New(room.Config{
		BaseURL: cfg.Rooms.BaseURL,
		APIKey:  cfg.Rooms.APIKey,
		Timeout: cfg.Rooms.Timeout,
	})
	if err != nil {
		return err
	}

	transport := sig.NewTransport(sig.Config{
		URL:            cfg.Signal.URL,
		TokenParam:     cfg.Signal.TokenParam,
		ReadLimit:      cfg.Signal.ReadLimit,
		PingPeriod:     cfg.Signal.PingPeriod,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBuffer:     cfg.Signal.SendBuffer,
		Reconnect:      cfg.Signal.Reconnect,
		ReconnectDelay: cfg.Signal.ReconnectDelay,
		Policy:         sig.PolicyByName(cfg.Signal.Backpressure),
	}, mx, clk)

	o := &orch.Orchestrator{
		Mux:       mx,
		Presence:  presence.New(),
		Notices:   notices,
		Cues:      cue.NewDriver(audio.NewSink(cfg.Audio, os.Stdout), audio.NewConsoleAlerter(os.Stderr), clk),
		Transport: transport,
		Watcher:   monitor.NewMonitor(clk, cfg.Call.WindowPoll),
		Rooms:     rooms,
		Windows:   window.NewOpener(cfg.Call.BrowserCommand),
		Clock:     clk,
		Call: call.Config{
			RingTimeout:   cfg.Call.RingTimeout,
			MaxAttempts:   cfg.Call.MaxAttempts,
			AttemptWindow: cfg.Call.AttemptWindow,
		},
	}
	o.Start()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router.SetupRouter(ctx, cfg, o),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("control api started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		o.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("control api forced to shutdown")
		}
		return nil
	})
	return g.Wait()
}
