package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"doit/internal/dashboard"
	"doit/internal/docstore"
	"doit/internal/model"
)

func dashboardCmd() *cobra.Command {
	var (
		seedPath string
		userID   string
		at       string
	)
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Print the dashboard of one user from a seed file",
		Long: `Load a seed file into an in-memory store and print the dashboard of
one user as JSON. Nothing is scheduled or written back.

Example:
  doit dashboard --seed testdata/seed.yaml --user alice --at 2024-12-02T09:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			correction, err := correctionFor(cfg)
			if err != nil {
				return err
			}

			now := time.Now()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}

			seed, err := docstore.LoadSeed(seedPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store := docstore.NewMemory()
			if err := seed.Apply(ctx, store); err != nil {
				return err
			}
			if userID == "" {
				ids := seed.UserIDs()
				if len(ids) != 1 {
					return fmt.Errorf("--user is required when the seed has %d users", len(ids))
				}
				userID = ids[0]
			}

			sum, err := summarize(ctx, store, userID, func(groups []dashboard.SubjectTasks, rs []model.Reminder, evs []model.CalendarEvent) dashboard.Summary {
				return dashboard.Compute(correction, groups, rs, evs, now, cfg.ReminderHorizon())
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "seed YAML file")
	cmd.Flags().StringVar(&userID, "user", "", "user id (optional when the seed has one user)")
	cmd.Flags().StringVar(&at, "at", "", "evaluate at this RFC3339 instant instead of now")
	_ = cmd.MarkFlagRequired("seed")
	return cmd
}

// summarize reads every stream of a user once, in subject order.
func summarize(ctx context.Context, store docstore.Reader, userID string, compute func([]dashboard.SubjectTasks, []model.Reminder, []model.CalendarEvent) dashboard.Summary) (dashboard.Summary, error) {
	subjects, err := store.Subjects(ctx, userID)
	if err != nil {
		return dashboard.Summary{}, err
	}
	groups := make([]dashboard.SubjectTasks, 0, len(subjects))
	for _, s := range subjects {
		tasks, err := store.Tasks(ctx, userID, s.ID)
		if err != nil {
			return dashboard.Summary{}, err
		}
		groups = append(groups, dashboard.SubjectTasks{Subject: s, Tasks: tasks})
	}
	reminders, err := store.Reminders(ctx, userID)
	if err != nil {
		return dashboard.Summary{}, err
	}
	events, err := store.Events(ctx, userID)
	if err != nil {
		return dashboard.Summary{}, err
	}
	return compute(groups, reminders, events), nil
}
