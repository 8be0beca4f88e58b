package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"doit/internal/config"
	"doit/internal/kvstore"
	appLog "doit/internal/log"
	"doit/internal/timenorm"
)

var Version = "0.1.0-dev"

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		appLog.Error("command failed", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "doit",
		Short:         "Do It - study planner engine: dashboard, reminders and event notifications",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "~/.config/doit/config.yaml", "path to config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(nextIDCmd())
	return rootCmd
}

// loadConfig reads the config file and applies its log level.
func loadConfig() (*config.Config, error) {
	path := config.ExpandHome(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	level, err := appLog.ParseLevel(cfg.LogLevel)
	if err != nil {
		appLog.Warn("unknown log level; using info", "log_level", cfg.LogLevel)
	}
	appLog.SetLevel(level)
	return cfg, nil
}

func correctionFor(cfg *config.Config) (timenorm.Correction, error) {
	loc, err := cfg.Location()
	if err != nil {
		return timenorm.Correction{}, err
	}
	return timenorm.Correction{
		Normalizer: timenorm.Normalizer{Location: loc},
		Hours:      cfg.RegionalOffsetHours,
	}, nil
}

func openIDStore(ctx context.Context, cfg *config.Config) (kvstore.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := kvstore.Open(ctx, kvstore.Options{
		Driver:        cfg.IDStore.Driver,
		Path:          config.ExpandHome(cfg.IDStore.Path),
		RedisAddr:     cfg.IDStore.Redis.Addr,
		RedisPassword: cfg.IDStore.Redis.Password,
		RedisDB:       cfg.IDStore.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("open id store (%s): %w", cfg.IDStore.Driver, err)
	}
	return store, nil
}
