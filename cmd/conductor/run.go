package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/conductor/pkg/schema"
)

// readPlanFile loads a submission from YAML. The file may hold a full
// submission or just a list of worker plan items.
func readPlanFile(path string) (schema.Submission, error) {
	var sub schema.Submission
	data, err := os.ReadFile(path)
	if err != nil {
		return sub, fmt.Errorf("read plan: %w", err)
	}
	var items []schema.AgendaItem
	if err := yaml.Unmarshal(data, &items); err == nil {
		sub.WorkerPlan = items
		return sub, nil
	}
	if err := yaml.Unmarshal(data, &sub); err != nil {
		return sub, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return sub, nil
}

func runCmd(c *cli) *cobra.Command {
	var (
		planPath  string
		contextID string
		mode      string
		timeout   time.Duration
		follow    bool
	)
	cmd := &cobra.Command{
		Use:   "run [objective]",
		Short: "Run one objective in-process and wait for its outcome",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sub schema.Submission
			if planPath != "" {
				var err error
				if sub, err = readPlanFile(planPath); err != nil {
					return err
				}
			}
			if len(args) == 1 {
				sub.Objective = args[0]
			}
			if cmd.Flags().Changed("context") || sub.ContextID == "" {
				sub.ContextID = contextID
			}
			if mode != "" {
				sub.OutputMode = schema.OutputMode(mode)
			}
			if strings.TrimSpace(sub.Objective) == "" {
				return fmt.Errorf("an objective is required, as an argument or in --plan")
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			snap, err := runOnce(ctx, c, sub, follow)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.v.GetBool("json") {
				if err := printJSON(out, snap); err != nil {
					return err
				}
			} else {
				printSnapshot(out, snap)
			}
			if snap.TerminalStatus == schema.TerminalBlocked {
				return fmt.Errorf("run blocked: %s", snap.BlockReason)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&planPath, "plan", "p", "", "YAML file with a submission or worker plan")
	cmd.Flags().StringVar(&contextID, "context", "cli", "context id the run belongs to")
	cmd.Flags().StringVar(&mode, "mode", "", "output mode: auto, summary or markdown_report")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long (the run is cancelled)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print events to stderr as they happen")
	return cmd
}

func runOnce(ctx context.Context, c *cli, sub schema.Submission, follow bool) (*schema.RunSnapshot, error) {
	rt, err := newRuntime(ctx, c.cfg, c.logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			c.logger.Error("runtime shutdown", slog.String("error", err.Error()))
		}
	}()

	res, err := rt.manager.Submit(ctx, sub)
	if err != nil {
		return nil, err
	}
	if follow {
		ch, unsubscribe, err := rt.manager.Subscribe(ctx, res.TaskID)
		if err == nil {
			defer unsubscribe()
			go func() {
				for e := range ch {
					fmt.Fprintf(os.Stderr, "%4d %s %s %s\n", e.Sequence, e.Kind, e.ItemID, e.CallID)
				}
			}()
		}
	}

	snap, err := rt.manager.Wait(ctx, res.TaskID)
	if err == nil {
		return snap, nil
	}
	if ctx.Err() == nil {
		return nil, err
	}
	// Timed out or interrupted: cancel and report the final state.
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = rt.manager.Cancel(waitCtx, res.TaskID, "cancelled from the command line")
	return rt.manager.Wait(waitCtx, res.TaskID)
}
