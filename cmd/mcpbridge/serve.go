package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-streaming-bridge/codec"
	"github.com/ggoodman/mcp-streaming-bridge/config"
	"github.com/ggoodman/mcp-streaming-bridge/disposition"
	"github.com/ggoodman/mcp-streaming-bridge/eventstore"
	"github.com/ggoodman/mcp-streaming-bridge/eventstore/memory"
	"github.com/ggoodman/mcp-streaming-bridge/eventstore/redis"
	"github.com/ggoodman/mcp-streaming-bridge/intercept"
	"github.com/ggoodman/mcp-streaming-bridge/internal/logctx"
	"github.com/ggoodman/mcp-streaming-bridge/internal/metrics"
	"github.com/ggoodman/mcp-streaming-bridge/multiplexer"
	"github.com/ggoodman/mcp-streaming-bridge/protocol"
	"github.com/ggoodman/mcp-streaming-bridge/recording"
	"github.com/ggoodman/mcp-streaming-bridge/sessions"
	"github.com/ggoodman/mcp-streaming-bridge/streaminghttp"
	"github.com/ggoodman/mcp-streaming-bridge/upstream"
	"github.com/ggoodman/mcp-streaming-bridge/upstream/httpstream"
)

func serveCmd() *cobra.Command {
	var (
		logLevel        string
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			log := slog.New(logctx.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, log, cfg, shutdownTimeout)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "Time allowed for draining sessions on shutdown")

	return cmd
}

func serve(ctx context.Context, log *slog.Logger, cfg config.Config, shutdownTimeout time.Duration) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var store eventstore.Store = memory.New(cfg.ReplayWindow)
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		rs := redis.New(redis.Config{Client: client, KeyPrefix: cfg.RedisPrefix, Window: cfg.ReplayWindow, TTL: cfg.RedisTTL})
		defer rs.Close()
		store = rs
		log.InfoContext(ctx, "eventstore.redis.ok", slog.String("addr", cfg.RedisAddr))
	}

	registry := sessions.NewRegistry(protocol.DefaultRegistry(),
		append(cfg.SessionOptions(), sessions.WithLogger(log), sessions.WithMetrics(m))...,
	)
	streams := multiplexer.New(
		append(cfg.MultiplexerOptions(), multiplexer.WithLogger(log), multiplexer.WithMetrics(m), multiplexer.WithStore(store))...,
	)

	rules, err := cfg.Rules()
	if err != nil {
		return err
	}
	engine, err := disposition.New(rules, disposition.WithLogger(log), disposition.WithMetrics(m))
	if err != nil {
		return err
	}
	if cfg.RulesFile != "" {
		if err := config.WatchRules(ctx, log, cfg.RulesFile, rules, engine.SetRules); err != nil {
			return err
		}
	}

	popts := cfg.PoolOptions(m)
	popts.Logger = log
	pool := upstream.NewPool(popts, upstream.Hooks[upstream.Transport]{})
	dial := httpstream.Dialer(cfg.UpstreamURL,
		httpstream.WithLogger(log),
		httpstream.WithStandaloneStream(cfg.UpstreamStandalone),
		httpstream.WithMaxFrameBytes(cfg.MaxFrameBytes),
	)

	var recorder recording.Sink = recording.Discard
	var async *recording.AsyncSink
	if cfg.RecordingLog {
		async = recording.NewAsyncSink(recording.LogSink{Log: log}, cfg.RecordingBuffer, m)
		recorder = async
	}

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithMetrics(m),
		streaminghttp.WithRecorder(recorder),
		streaminghttp.WithRequestTimeout(cfg.RequestTimeout),
		streaminghttp.WithMaxBodyBytes(int64(cfg.MaxFrameBytes)),
	}
	if len(cfg.BlockMethods) > 0 {
		opts = append(opts, streaminghttp.WithInterceptors(intercept.MethodFilter{
			Direction: codec.ClientToServer,
			Patterns:  cfg.BlockMethods,
		}))
	}
	h, err := streaminghttp.New(cfg.PublicURL, registry, streams, engine, pool, dial, opts...)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.PublicPath(), h)
	if cfg.MetricsPath != "" {
		mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() { _ = registry.Run(sweepCtx) }()

	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "http.listen.ok",
			slog.String("addr", cfg.Listen),
			slog.String("endpoint", cfg.PublicURL),
			slog.String("upstream", cfg.UpstreamURL),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Open streams only end with their session.
	stopSweep()
	if err := registry.Close(shutdownCtx); err != nil {
		log.Warn("sessions.close.fail", slog.String("err", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http.shutdown.fail", slog.String("err", err.Error()))
	}
	if err := pool.Close(shutdownCtx); err != nil {
		log.Warn("upstream.pool.close.fail", slog.String("err", err.Error()))
	}
	if async != nil {
		if err := async.Close(shutdownCtx); err != nil {
			log.Warn("recording.close.fail", slog.String("err", err.Error()))
		}
	}
	log.Info("shutdown.ok", slog.Int("sessions", h.Sessions()))
	return nil
}
