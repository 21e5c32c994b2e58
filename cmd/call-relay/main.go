package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/opalchat/call-relay/internal/config"
	"github.com/opalchat/call-relay/internal/httpserver"
	"github.com/opalchat/call-relay/internal/metrics"
	"github.com/opalchat/call-relay/internal/presence"
	"github.com/opalchat/call-relay/internal/ratelimit"
	"github.com/opalchat/call-relay/internal/relay"
	"github.com/opalchat/call-relay/internal/ws"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting call-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"allowed_origins", cfg.AllowedOrigins,
		"tick_interval", cfg.TickInterval,
		"signal_stale_after", cfg.SignalStaleAfter,
		"signal_max_retries", cfg.SignalMaxRetries,
		"end_call_debounce", cfg.EndCallDebounce,
		"presence_liveness_window", cfg.PresenceLiveness,
		"ice_servers", len(cfg.ICEServers),
	)

	if cfg.Mode == config.ModeProd && cfg.AuthMode == "none" {
		logger.Warn("running in prod mode without authentication; any client can claim any username")
	}

	m := metrics.New()
	pres := presence.NewTracker(cfg.PresenceLiveness)
	rel := relay.New(relay.Config{
		TickInterval:      cfg.TickInterval,
		SignalStaleAfter:  cfg.SignalStaleAfter,
		SignalMaxRetries:  cfg.SignalMaxRetries,
		EndCallDebounce:   cfg.EndCallDebounce,
		IdleCallReapAfter: cfg.IdleCallReap,
	}, logger, m, pres, ratelimit.RealClock{})

	signaling, err := ws.NewServer(ws.Config{
		AuthMode:          ws.AuthMode(cfg.AuthMode),
		APIKey:            cfg.APIKey,
		JWTSecret:         cfg.JWTSecret,
		AuthTimeout:       cfg.AuthTimeout,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: int64(cfg.MaxMessagesPerSecond),
		MessageBurst:      int64(2 * cfg.MaxMessagesPerSecond),
	}, logger, m, rel)
	if err != nil {
		logger.Error("failed to configure signaling", "err", err)
		os.Exit(2)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, m, signaling)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go rel.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}

	return commit, built
}
