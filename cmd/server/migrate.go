package main

import (
	"github.com/spf13/cobra"

	"github.com/quillpost/api/internal/config"
	"github.com/quillpost/api/internal/logger"
	"github.com/quillpost/api/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the import_jobs and posts tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logger.New(&cfg.Log)

			db, err := store.OpenGorm(&cfg.Database)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}

			if err := store.Migrate(db); err != nil {
				return err
			}
			log.Info("Migrations applied")
			return nil
		},
	}
}
