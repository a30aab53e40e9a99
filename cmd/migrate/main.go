package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"taskpilot/internal/config"
	"taskpilot/migrations"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

var actions = map[string]bool{"up": true, "down": true, "status": true, "version": true, "redo": true, "reset": true}

var loadConfig = config.LoadConfig
var openDB = func(dsn string) (*sql.DB, error) { return sql.Open("postgres", dsn) }
var runGoose = goose.RunContext

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dsn := fs.String("dsn", "", "postgres DSN (overrides -config)")
	configPath := fs.String("config", "", "read storage.postgres_dsn from this config")
	dir := fs.String("dir", "", "migrations dir on disk (default: embedded)")
	action := fs.String("action", "", "up/down/status/version/redo/reset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) == "" && *configPath != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		*dsn = cfg.Storage.PostgresDSN
	}
	if strings.TrimSpace(*dsn) == "" {
		return errors.New("dsn required")
	}
	if strings.TrimSpace(*action) == "" {
		return errors.New("action required")
	}
	if !actions[*action] {
		return fmt.Errorf("unknown action %q", *action)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if *dir == "" {
		goose.SetBaseFS(migrations.EmbeddedFS)
		*dir = "."
	} else {
		goose.SetBaseFS(nil)
	}

	db, err := openDB(*dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return runGoose(ctx, *action, db, *dir)
}
