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
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"golang.org/x/sync/errgroup"

	"taskpilot/internal/app"
	"taskpilot/internal/config"
	"taskpilot/internal/logging"
	"taskpilot/internal/tracing"
	"taskpilot/internal/web"
	"taskpilot/internal/workflows"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := logging.Init("orchestrator", nil)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := run(ctx, os.Args[1:], logger); err != nil {
		fatalf("orchestrator: %v", err)
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

var newWorker = func(c client.Client, taskQueue string) worker.Worker {
	return worker.New(c, taskQueue, worker.Options{})
}

// runWorker polls until ctx ends.
var runWorker = func(ctx context.Context, w worker.Worker) error {
	if err := w.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

func registerWorker(w worker.Worker, a *app.App) {
	w.RegisterWorkflowWithOptions(workflows.ApprovedPlanWorkflow, workflow.RegisterOptions{Name: workflows.ApprovedPlanWorkflowName})
	w.RegisterActivity(&workflows.Activities{Approvals: a.Store, Executor: a.Pipeline})
}

func run(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("orchestrator", flag.ContinueOnError)
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
	if cfg.Orchestrator.TemporalAddr == "" {
		return errors.New("orchestrator.temporal_addr required")
	}
	// The worker shares approval and run state with the gateway.
	if cfg.Storage.Driver != config.DriverPostgres {
		return fmt.Errorf("orchestrator requires storage.driver %q", config.DriverPostgres)
	}

	shutdownTracing, err := initTracing(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  "taskpilot-orchestrator",
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
		return err
	}
	if tc == nil {
		return errors.New("temporal client unavailable")
	}
	defer tc.Close()

	a, err := app.Build(cfg, store, tc, logger)
	if err != nil {
		return err
	}

	w := newWorker(tc, cfg.Orchestrator.TaskQueue)
	registerWorker(w, a)

	tracker := web.NewGoroutineTracker()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(tracker.Track(gctx, "worker", func(ctx context.Context) error {
		defer cancel()
		logger.Info("orchestrator ready", "temporal_addr", cfg.Orchestrator.TemporalAddr, "task_queue", cfg.Orchestrator.TaskQueue)
		return runWorker(ctx, w)
	}))

	if cfg.Orchestrator.HealthAddr != "" {
		checks := map[string]web.ReadyCheck{
			"temporal": func(ctx context.Context) error {
				_, err := tc.CheckHealth(ctx, nil)
				return err
			},
		}
		if ping != nil {
			checks["db"] = ping
		}
		healthSrv := &http.Server{
			Addr:              cfg.Orchestrator.HealthAddr,
			Handler:           web.HealthHandler(checks, tracker),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := serveHTTP(healthSrv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return healthSrv.Shutdown(sctx)
		})
	}
	return g.Wait()
}
