package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"

	"taskpilot/internal/app"
	"taskpilot/internal/config"
	"taskpilot/internal/memstore"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	file := t.TempDir() + "/cfg.json"
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return file
}

const memoryConfig = `{"gateway":{"http_addr":":9090","service_token":"tok"},"storage":{"driver":"memory"}}`

func stubServe(t *testing.T, fn func(srv *http.Server) error) {
	t.Helper()
	orig := serveHTTP
	serveHTTP = fn
	t.Cleanup(func() { serveHTTP = orig })
}

func TestRunRequiresConfig(t *testing.T) {
	if err := run(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected error")
	}
	if err := run(context.Background(), []string{"-config", t.TempDir() + "/missing.json"}, nil); err == nil {
		t.Fatalf("expected load error")
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var served *http.Server
	stubServe(t, func(srv *http.Server) error {
		served = srv
		cancel()
		return http.ErrServerClosed
	})
	if err := run(ctx, []string{"-config", writeConfig(t, memoryConfig)}, nil); err != nil {
		t.Fatalf("err: %v", err)
	}
	if served == nil || served.Addr != ":9090" || served.Handler == nil {
		t.Fatalf("server not started: %+v", served)
	}
}

func TestRunReturnsServeError(t *testing.T) {
	stubServe(t, func(srv *http.Server) error { return errors.New("bind: address in use") })
	err := run(context.Background(), []string{"-config", writeConfig(t, memoryConfig)}, nil)
	if err == nil || err.Error() != "bind: address in use" {
		t.Fatalf("err: %v", err)
	}
}

func TestRunFallsBackWhenTemporalUnavailable(t *testing.T) {
	orig := newTemporalClient
	newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
		return nil, errors.New("dial failed")
	}
	defer func() { newTemporalClient = orig }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stubServe(t, func(srv *http.Server) error {
		cancel()
		return nil
	})
	cfg := `{"gateway":{"http_addr":":9091"},"storage":{"driver":"memory"},"orchestrator":{"temporal_addr":"temporal:7233"}}`
	if err := run(ctx, []string{"-config", writeConfig(t, cfg)}, nil); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestRunRejectsBadStorage(t *testing.T) {
	orig := openStore
	openStore = func(cfg config.Config) (app.Store, func(context.Context) error, func() error, error) {
		return nil, nil, nil, errors.New("connect failed")
	}
	defer func() { openStore = orig }()
	if err := run(context.Background(), []string{"-config", writeConfig(t, memoryConfig)}, nil); err == nil {
		t.Fatalf("expected storage error")
	}
}

func TestNewServerWiresChecksAndCaches(t *testing.T) {
	cfg := config.Config{}
	cfg.Gateway.HTTPAddr = ":0"
	cfg.Gateway.ServiceToken = "tok"
	cfg.Gateway.TrustForwarded = true
	cfg.Storage.Driver = config.DriverMemory
	cfg = cfg.WithDefaults()
	a, err := app.Build(cfg, memstore.New(), nil, nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	ping := func(context.Context) error { return nil }
	srv := newServer(cfg, a, ping, &mocks.Client{}, nil)
	if srv.ServiceToken != "tok" || srv.Limiter == nil || !srv.Limiter.TrustForwarded || srv.Goroutines == nil {
		t.Fatalf("server: %+v", srv)
	}
	if _, ok := srv.Checks["db"]; !ok {
		t.Fatalf("missing db check")
	}
	if _, ok := srv.Checks["temporal"]; !ok {
		t.Fatalf("missing temporal check")
	}
	for _, name := range []string{"memory", "policy", "entitlements"} {
		if srv.Invalidators[name] == nil {
			t.Fatalf("missing invalidator %s", name)
		}
	}

	bare := newServer(cfg, a, nil, nil, nil)
	if len(bare.Checks) != 0 {
		t.Fatalf("checks: %v", bare.Checks)
	}
}
