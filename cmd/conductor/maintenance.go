package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/conductor/internal/store"
)

func migrateCmd(c *cli) *cobra.Command {
	var vacuum bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			// openStore migrates.
			return withStore(cmd.Context(), c, func(ctx context.Context, st store.Store) error {
				if vacuum {
					if err := st.Vacuum(ctx); err != nil {
						return fmt.Errorf("vacuum: %w", err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", c.cfg.DBPath)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "also reclaim free space")
	return cmd
}

func archiveCmd(c *cli) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive terminal runs that finished before the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				olderThan = c.cfg.Archive.Retention
			}
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			cutoff := time.Now().UTC().Add(-olderThan)
			return withStore(cmd.Context(), c, func(ctx context.Context, st store.Store) error {
				n, err := st.ArchiveRuns(ctx, cutoff)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "archived %d runs completed before %s\n", n, cutoff.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window (default archive.retention)")
	return cmd
}
