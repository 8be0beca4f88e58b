package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"doit/internal/notifyid"
)

func nextIDCmd() *cobra.Command {
	var (
		step   int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "nextid",
		Short: "Allocate a notification id from the configured id store",
		Long: `Allocate one notification id the way event scheduling does and print
it. With --dry-run only the stored value is printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openIDStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			alloc := notifyid.New(store, cfg.IDStore.Key, 0)
			if dryRun {
				last, err := alloc.Last(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", last)
				return nil
			}
			id, err := alloc.NextID(ctx, step)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", id)
			return nil
		},
	}
	cmd.Flags().IntVar(&step, "step", 1, "id step (1..3 for the event tiers)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the stored value without allocating")
	return cmd
}
