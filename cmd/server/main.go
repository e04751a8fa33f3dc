package main

import (
	"os"

	"github.com/spf13/cobra"

	"learnova.app/backend/internal/config"
	"learnova.app/backend/internal/logger"
	"learnova.app/backend/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "learnova",
		Short:        "Learnova study assistant backend",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newPremiumCmd(),
		newQuotaCmd(),
	)
	return rootCmd
}

// openStore loads configuration and opens the database for admin commands.
func openStore() (*config.Config, *store.SQLiteStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(cfg.AppEnv, cfg.LogLevel)
	s, err := store.NewSQLiteStore(cfg.DatabaseURL, store.WithLimits(cfg.Limits()), store.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	return cfg, s, nil
}
