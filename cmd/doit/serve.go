package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"doit/internal/app"
	"doit/internal/config"
	"doit/internal/docstore"
	"doit/internal/ics"
	appLog "doit/internal/log"
	"doit/internal/notify"
	"doit/internal/notifyid"
	"doit/internal/web"
)

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// --listen overrides the config file.
			if listen != "" {
				cfg.Listen = listen
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLog.Info("doit starting", "version", Version)
	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"regional_offset_hours", cfg.RegionalOffsetHours,
		"reminder_horizon_hours", cfg.ReminderHorizonHours,
		"sweep", cfg.SweepCron,
		"id_store", cfg.IDStore.Driver,
		"ics_count", len(cfg.ICS),
		"seed", cfg.SeedPath,
	)

	correction, err := correctionFor(cfg)
	if err != nil {
		return err
	}

	ids, err := openIDStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer ids.Close()

	local := notify.NewLocal(notify.LocalOptions{
		Granted:  cfg.Notifications.PermissionGranted,
		Location: correction.Location(),
	})
	local.Start()
	defer func() { <-local.Stop().Done() }()

	store := docstore.NewMemory()
	var users []string
	if cfg.SeedPath != "" {
		seed, err := docstore.LoadSeed(config.ExpandHome(cfg.SeedPath))
		if err != nil {
			return err
		}
		if err := seed.Apply(ctx, store); err != nil {
			return err
		}
		users = append(users, seed.UserIDs()...)
	}

	subs := make([]ics.Subscription, 0, len(cfg.ICS))
	for _, c := range cfg.ICS {
		if c.URL == "" || c.UserID == "" {
			appLog.Warn("ics subscription ignored; url and user_id are required", "id", c.ID)
			continue
		}
		id := c.ID
		if id == "" {
			id = c.URL
		}
		subs = append(subs, ics.Subscription{ID: id, URL: c.URL, UserID: c.UserID})
		users = append(users, c.UserID)
	}

	engine := app.New(app.Options{
		Store:      store,
		Correction: correction,
		Notifier:   local,
		Allocator:  notifyid.New(ids, cfg.IDStore.Key, 0),
		Horizon:    cfg.ReminderHorizon(),
		SweepSpec:  cfg.SweepCron,
		Importer: ics.NewImporter(ics.ImporterOptions{
			Fetcher:    ics.NewFetcher(config.ExpandHome(cfg.ICSCacheDir), cfg.ICSTimeout.Duration()),
			Store:      store,
			Correction: correction,
			Horizon:    time.Duration(cfg.ICSHorizonDays) * 24 * time.Hour,
		}),
		Subscriptions: subs,
		RefreshSpec:   cfg.ICSRefreshCron,
	})
	local.OnFire(engine.Fired)

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	for _, uid := range users {
		if err := engine.Watch(uid); err != nil {
			appLog.Error("watch failed", err, "user", uid)
		}
	}

	if err := web.NewServer(cfg, engine).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server: %w", err)
	}
	appLog.Info("doit exiting")
	return nil
}
