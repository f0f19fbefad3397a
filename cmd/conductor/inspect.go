package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/pkg/schema"
)

// withStore opens the configured store for a read-only command.
func withStore(ctx context.Context, c *cli, fn func(context.Context, store.Store) error) error {
	st, err := openStore(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func statusCmd(c *cli) *cobra.Command {
	var diagramFormat string
	cmd := &cobra.Command{
		Use:   "status <task_id>",
		Short: "Show the last persisted snapshot of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), c, func(ctx context.Context, st store.Store) error {
				run, err := st.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				snap := run.Snapshot
				if snap == nil {
					snap = &schema.RunSnapshot{
						RunID:             run.ID,
						CorrelationID:     run.CorrelationID,
						ContextID:         run.ContextID,
						OriginalObjective: run.Objective,
						OutputMode:        run.OutputMode,
						TerminalStatus:    run.TerminalStatus,
						BlockReason:       run.BlockReason,
						CreatedAt:         run.CreatedAt,
					}
				}
				if diagramFormat != "" {
					return printDiagram(cmd.Context(), cmd.OutOrStdout(), snap, diagramFormat)
				}
				if c.v.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), snap)
				}
				printSnapshot(cmd.OutOrStdout(), snap)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&diagramFormat, "diagram", "", "print the agenda graph instead (ascii, mermaid or svg)")
	return cmd
}

func eventsCmd(c *cli) *cobra.Command {
	var (
		since int64
		kind  string
	)
	cmd := &cobra.Command{
		Use:   "events <task_id>",
		Short: "List the event log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), c, func(ctx context.Context, st store.Store) error {
				if _, err := st.GetRun(ctx, args[0]); err != nil {
					return err
				}
				var (
					events []*schema.Event
					err    error
				)
				if kind != "" {
					events, err = st.GetEventsByKind(ctx, kind, store.EventFilter{RunID: args[0]})
				} else {
					events, err = st.GetEvents(ctx, args[0], since)
				}
				if err != nil {
					return err
				}
				if c.v.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), events)
				}
				printEvents(cmd.OutOrStdout(), events)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "only events with a greater sequence")
	cmd.Flags().StringVar(&kind, "kind", "", "only events of this kind")
	return cmd
}

func listCmd(c *cli) *cobra.Command {
	var (
		contextID string
		status    string
		limit     int
		archived  bool
		sinceDur  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.RunFilter{
				ContextID:       contextID,
				IncludeArchived: archived,
				Limit:           limit,
			}
			switch status {
			case "":
			case "running":
				none := schema.TerminalNone
				filter.TerminalStatus = &none
			default:
				ts := schema.TerminalStatus(status)
				filter.TerminalStatus = &ts
			}
			if sinceDur > 0 {
				t := time.Now().UTC().Add(-sinceDur)
				filter.Since = &t
			}
			return withStore(cmd.Context(), c, func(ctx context.Context, st store.Store) error {
				runs, err := st.ListRuns(ctx, filter)
				if err != nil {
					return err
				}
				if c.v.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), runs)
				}
				printRuns(cmd.OutOrStdout(), runs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contextID, "context", "", "only runs of this context")
	cmd.Flags().StringVar(&status, "status", "", "running, completed or blocked")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum runs to list")
	cmd.Flags().BoolVar(&archived, "archived", false, "include archived runs")
	cmd.Flags().DurationVar(&sinceDur, "since", 0, "only runs created within this window")
	return cmd
}
