package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rendis/conductor/pkg/mcp"
)

func mcpCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the conductor tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := rt.Close(shutdownCtx); err != nil {
					c.logger.Error("runtime shutdown", slog.String("error", err.Error()))
				}
			}()

			srv := mcp.NewConductorServer(mcp.ConductorServerDeps{
				Conductor: rt.manager,
				Logger:    c.logger,
			})
			return srv.Serve(ctx)
		},
	}
}
