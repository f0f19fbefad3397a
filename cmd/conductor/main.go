package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/conductor/internal/logging"
)

// cli carries the settings resolved before any subcommand runs.
type cli struct {
	v      *viper.Viper
	cfg    Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: newViper()}
	var configPath string

	root := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor runs objectives to completion through capability workers",
		Long: `Conductor decomposes a natural-language objective into an agenda of work
items, dispatches each item to a capability worker (command, research), asks a
decision oracle what to do after every completion, and ends each run either
completed with a synthesized result or blocked with an explicit reason.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(c.v, configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			slog.SetDefault(c.logger)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (default ~/.conductor/config.yaml)")
	flags.String("db", "", "database path, or :memory:")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")
	flags.Bool("json", false, "output JSON")
	_ = c.v.BindPFlag("db_path", flags.Lookup("db"))
	_ = c.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("log_format", flags.Lookup("log-format"))
	_ = c.v.BindPFlag("json", flags.Lookup("json"))

	root.AddCommand(
		serveCmd(c),
		mcpCmd(c),
		runCmd(c),
		statusCmd(c),
		eventsCmd(c),
		listCmd(c),
		migrateCmd(c),
		archiveCmd(c),
		versionCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
