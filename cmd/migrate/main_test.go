package main

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"taskpilot/internal/config"
)

func stubGoose(t *testing.T) *[]string {
	t.Helper()
	var calls []string
	oldOpen, oldRun := openDB, runGoose
	t.Cleanup(func() { openDB, runGoose = oldOpen, oldRun })
	openDB = func(dsn string) (*sql.DB, error) {
		calls = append(calls, "open "+dsn)
		return sql.Open("postgres", dsn)
	}
	runGoose = func(ctx context.Context, command string, db *sql.DB, dir string, args ...string) error {
		calls = append(calls, command+" "+dir)
		return nil
	}
	return &calls
}

func TestRunMissingDSN(t *testing.T) {
	if err := run(context.Background(), []string{"-action", "up"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunMissingAction(t *testing.T) {
	if err := run(context.Background(), []string{"-dsn", "postgres://example"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunUnknownAction(t *testing.T) {
	calls := stubGoose(t)
	if err := run(context.Background(), []string{"-dsn", "postgres://example", "-action", "nope"}); err == nil {
		t.Fatalf("expected error")
	}
	if len(*calls) != 0 {
		t.Fatalf("unknown action should not open the database: %v", *calls)
	}
}

func TestRunUsesEmbeddedMigrations(t *testing.T) {
	calls := stubGoose(t)
	if err := run(context.Background(), []string{"-dsn", "postgres://example", "-action", "up"}); err != nil {
		t.Fatalf("err: %v", err)
	}
	want := []string{"open postgres://example", "up ."}
	if len(*calls) != 2 || (*calls)[0] != want[0] || (*calls)[1] != want[1] {
		t.Fatalf("calls: %v", *calls)
	}
}

func TestRunReadsDSNFromConfig(t *testing.T) {
	calls := stubGoose(t)
	oldLoad := loadConfig
	defer func() { loadConfig = oldLoad }()
	loadConfig = func(path string) (config.Config, error) {
		var cfg config.Config
		cfg.Storage.PostgresDSN = "postgres://from-config"
		return cfg, nil
	}
	if err := run(context.Background(), []string{"-config", "cfg.json", "-action", "status", "-dir", "./migrations"}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if (*calls)[0] != "open postgres://from-config" || (*calls)[1] != "status ./migrations" {
		t.Fatalf("calls: %v", *calls)
	}

	loadConfig = func(path string) (config.Config, error) { return config.Config{}, errors.New("boom") }
	if err := run(context.Background(), []string{"-config", "cfg.json", "-action", "up"}); err == nil {
		t.Fatalf("expected config error")
	}
}
