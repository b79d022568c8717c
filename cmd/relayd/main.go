// Command relayd runs a line-oriented JSON-RPC engine as a child process and
// serves it to concurrent HTTP clients: a broadcast SSE stream, an
// id-correlated request endpoint, and a health probe.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/pipebridge/relay/bus"
	busmemory "github.com/pipebridge/relay/bus/memory"
	busredis "github.com/pipebridge/relay/bus/redis"
	"github.com/pipebridge/relay/engine"
	"github.com/pipebridge/relay/internal/logctx"
	"github.com/pipebridge/relay/relay"
)

// Config is populated from the environment via envdecode. Defaults match a
// single-node development deployment.
type Config struct {
	// ListenAddr is the HTTP bind address. ENV: RELAY_LISTEN_ADDR
	ListenAddr string `env:"RELAY_LISTEN_ADDR,default=:8000"`
	// EngineCommand is the child process command line, split on spaces.
	// ENV: RELAY_ENGINE_COMMAND
	EngineCommand string `env:"RELAY_ENGINE_COMMAND,required"`
	// RequestTimeout bounds waiting for a correlated engine response.
	// ENV: RELAY_REQUEST_TIMEOUT
	RequestTimeout time.Duration `env:"RELAY_REQUEST_TIMEOUT,default=30s"`
	// ShutdownGrace is how long the engine gets between SIGTERM and SIGKILL.
	// ENV: RELAY_SHUTDOWN_GRACE
	ShutdownGrace time.Duration `env:"RELAY_SHUTDOWN_GRACE,default=5s"`
	// QueueCapacity is the per-subscriber buffered message budget.
	// ENV: RELAY_QUEUE_CAPACITY
	QueueCapacity int `env:"RELAY_QUEUE_CAPACITY,default=128"`
	// ReplayWindow is how many recent events the in-memory bus retains for
	// Last-Event-ID resumption. ENV: RELAY_REPLAY_WINDOW
	ReplayWindow int `env:"RELAY_REPLAY_WINDOW,default=256"`
	// RedisAddr switches the bus to Redis Streams when set, letting multiple
	// relay instances share one engine's broadcast. ENV: RELAY_REDIS_ADDR
	RedisAddr string `env:"RELAY_REDIS_ADDR,default="`
	// AuthSecret enables HS256 bearer auth when non-empty.
	// ENV: RELAY_AUTH_SECRET
	AuthSecret string `env:"RELAY_AUTH_SECRET,default="`
	// WatchEngine restarts the engine when its binary changes on disk.
	// Intended for development. ENV: RELAY_WATCH_ENGINE
	WatchEngine bool `env:"RELAY_WATCH_ENGINE,default=false"`
	// LogLevel is one of debug, info, warn, error. ENV: RELAY_LOG_LEVEL
	LogLevel string `env:"RELAY_LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("invalid RELAY_LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := strings.Fields(cfg.EngineCommand)
	if len(command) == 0 {
		return fmt.Errorf("RELAY_ENGINE_COMMAND must not be empty")
	}

	var b bus.Bus
	if cfg.RedisAddr != "" {
		b = busredis.New(busredis.Config{Addr: cfg.RedisAddr})
		log.Info("bus.redis.ready", slog.String("addr", cfg.RedisAddr))
	} else {
		b = busmemory.New(
			busmemory.WithQueueCapacity(cfg.QueueCapacity),
			busmemory.WithReplayWindow(cfg.ReplayWindow),
		)
	}
	defer b.Close()

	eng := engine.New(engine.Config{
		Command:       command,
		ShutdownGrace: cfg.ShutdownGrace,
	}, b, engine.WithLogger(log))

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+time.Second)
		defer cancel()
		if err := eng.Stop(stopCtx); err != nil {
			log.Warn("engine.stop.fail", slog.String("err", err.Error()))
		}
	}()

	if cfg.WatchEngine {
		w, err := engine.NewWatcher(command[0], func() {
			restartCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+time.Second)
			defer cancel()
			if err := eng.Stop(restartCtx); err != nil {
				log.Warn("engine.restart.stop_fail", slog.String("err", err.Error()))
			}
			if err := eng.Start(restartCtx); err != nil {
				log.Error("engine.restart.fail", slog.String("err", err.Error()))
				return
			}
			log.Info("engine.restart.ok")
		}, engine.WithWatcherLogger(log))
		if err != nil {
			return fmt.Errorf("watch engine binary: %w", err)
		}
		go w.Run(ctx)
	}

	h, err := relay.New(b, eng,
		relay.WithLogger(log),
		relay.WithRequestTimeout(cfg.RequestTimeout),
		relay.WithAuthSecret([]byte(cfg.AuthSecret)),
	)
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown.http.fail", slog.String("err", err.Error()))
	}
	log.Info("shutdown.done")
	return nil
}
