package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"golang.org/x/sync/errgroup"

	"taskpilot/internal/app"
	"taskpilot/internal/config"
	"taskpilot/internal/logging"
	"taskpilot/internal/sweeper"
	"taskpilot/internal/tracing"
	"taskpilot/internal/web"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := logging.Init("gateway", nil)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := run(ctx, os.Args[1:], logger); err != nil {
		fatalf("gateway: %v", err)
	}
}

var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var loadConfig = config.LoadConfig
var openStore = app.OpenStore
var newTemporalClient = app.NewTemporalClient
var initTracing = tracing.Init
var serveHTTP = func(srv *http.Server) error { return srv.ListenAndServe() }

func run(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	shutdownTracing, err := initTracing(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  "taskpilot-gateway",
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	store, ping, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	tc, err := newTemporalClient(cfg.Orchestrator)
	if err != nil {
		logger.Warn("temporal client connection failed, approved plans run in-process", "error", err)
		tc = nil
	}
	if tc != nil {
		defer tc.Close()
	}

	a, err := app.Build(cfg, store, tc, logger)
	if err != nil {
		return err
	}

	srv := newServer(cfg, a, ping, tc, logger)

	sw := sweeper.New(logger)
	if err := sw.AddStandardJobs(a.Idempotency, cfg.Idempotency.SweepCron, a.Approvals, cfg.Approvals.SweepCron); err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Gateway.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Goroutines.Track(gctx, "http", func(context.Context) error {
		logger.Info("gateway listening", "addr", httpSrv.Addr, "storage", cfg.Storage.Driver)
		if err := serveHTTP(httpSrv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}))
	g.Go(srv.Goroutines.Track(gctx, "sweeper", func(ctx context.Context) error {
		if err := sw.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}))
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}

func newServer(cfg config.Config, a *app.App, ping func(context.Context) error, tc client.Client, logger *slog.Logger) *web.Server {
	srv := web.NewServer(a.Pipeline, a.Approvals, a.Limiter)
	srv.Logger = logger
	srv.ServiceToken = cfg.Gateway.ServiceToken
	srv.Limiter = web.NewIPLimiter(cfg.Gateway.IPRatePerSec, cfg.Gateway.IPBurst)
	srv.Limiter.TrustForwarded = cfg.Gateway.TrustForwarded
	srv.Goroutines = web.NewGoroutineTracker()
	for name, inv := range a.Invalidators() {
		srv.Invalidators[name] = inv
	}
	if ping != nil {
		srv.Checks["db"] = ping
	}
	if tc != nil {
		srv.Checks["temporal"] = func(ctx context.Context) error {
			_, err := tc.CheckHealth(ctx, nil)
			return err
		}
	}
	return srv
}
