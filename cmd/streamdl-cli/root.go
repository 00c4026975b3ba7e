package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vrsandeep/streamdl/internal/config"
	"github.com/vrsandeep/streamdl/internal/db"
	"github.com/vrsandeep/streamdl/internal/downloader"
	"github.com/vrsandeep/streamdl/internal/store"
)

type commandContext struct {
	dbPath        string
	downloadsPath string
	cfg           *config.Config

	// statter is nil outside tests.
	statter downloader.DiskStatter
}

func (c *commandContext) config() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if c.dbPath != "" {
		cfg.Database.Path = c.dbPath
	}
	if c.downloadsPath != "" {
		cfg.Downloads.Path = c.downloadsPath
	}
	c.cfg = cfg
	return cfg, nil
}

// withStore opens the database, applies pending migrations and hands a
// store to fn.
func (c *commandContext) withStore(fn func(cfg *config.Config, st *store.Store) error) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func(database *sql.DB) { _ = database.Close() }(database)
	if err := db.RunMigrations(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	return fn(cfg, store.New(database))
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(&commandContext{})
}

func newRootCommandWith(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "streamdl-cli",
		Short:         "Inspect streamdl downloads and storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.dbPath, "db", "", "Database path (overrides database.path)")
	rootCmd.PersistentFlags().StringVar(&ctx.downloadsPath, "downloads", "", "Downloads directory (overrides downloads.path)")

	rootCmd.AddCommand(newQueueCommand(ctx))
	rootCmd.AddCommand(newStorageCommand(ctx))
	rootCmd.AddCommand(newReconcileCommand(ctx))

	return rootCmd
}
