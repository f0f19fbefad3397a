package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rendis/conductor/internal/api"
	"github.com/rendis/conductor/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

func serveCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the scheduler and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				c.cfg.ListenAddr = addr
			}
			return serve(cmd.Context(), c)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides listen_addr)")
	return cmd
}

func serve(ctx context.Context, c *cli) error {
	rt, err := newRuntime(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}

	sched, err := scheduler.NewScheduler(c.cfg.schedulerConfig(), rt.manager, rt.store, c.logger)
	if err != nil {
		_ = rt.Close(context.Background())
		return err
	}
	if err := sched.Start(ctx); err != nil {
		_ = rt.Close(context.Background())
		return err
	}

	var metricsHandler http.Handler
	if rt.registry != nil {
		metricsHandler = promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{})
	}
	// Cancelled on shutdown so long-lived streams return.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	handler := api.NewServer(api.Deps{
		Conductor: rt.manager,
		Metrics:   metricsHandler,
		Logger:    c.logger,
	}).Handler()
	srv := &http.Server{
		Addr:              c.cfg.ListenAddr,
		Handler:           handler,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("listening", slog.String("addr", c.cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	c.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = sched.Stop()
	if err := rt.Close(shutdownCtx); err != nil {
		c.logger.Error("runtime shutdown", slog.String("error", err.Error()))
	}
	cancelBase()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.logger.Error("http shutdown", slog.String("error", err.Error()))
	}
	return serveErr
}
