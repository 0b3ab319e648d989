package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/basket/remindbot/internal/config"
	"github.com/basket/remindbot/internal/persistence"
)

func newMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Apply database migrations and print the schema version",
		Action: runMigrate,
	}
}

func runMigrate(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return startupErr(nil, "E_CONFIG_LOAD", err)
	}
	// Open applies pending migrations.
	store, err := persistence.Open(config.DBPath(cfg.HomeDir), nil)
	if err != nil {
		return startupErr(nil, "E_STORE_OPEN", err)
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	_, err = fmt.Fprintf(cmd.Root().Writer, "%s: schema version %d\n", config.DBPath(cfg.HomeDir), version)
	return err
}
