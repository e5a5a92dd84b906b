package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/foliosync/internal/config"
	"github.com/openmined/foliosync/internal/metrics"
	foliosync "github.com/openmined/foliosync/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (c *cli) newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Refresh on an interval and print every sync state change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())

			return c.runWithApp(cmd, reg, func(ctx context.Context, a *app) error {
				return watch(ctx, cmd.OutOrStdout(), a, cfg, reg)
			})
		},
	}

	cmd.Flags().Duration("interval", config.DefaultInterval, "refresh interval")
	cmd.Flags().String("metrics-addr", config.DefaultMetricsAddr, "serve prometheus metrics on this address")

	return cmd
}

func watch(ctx context.Context, out io.Writer, a *app, cfg *config.Config, reg *prometheus.Registry) error {
	states, unsubscribe := a.engine.Subscribe()
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, reg)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	g.Go(func() error {
		printStates(ctx, out, states)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.RefreshInterval)
		defer ticker.Stop()

		for {
			if err := a.engine.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if !errors.Is(err, context.Canceled) {
					slog.Warn("watch refresh", "error", err, "retry", cfg.RefreshInterval)
				}
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printStates(ctx context.Context, out io.Writer, states <-chan foliosync.State) {
	var lastLoaded time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			now := time.Now()
			stamp := gray.Render(now.Format(time.TimeOnly))

			switch s := state.(type) {
			case foliosync.LoadingState:
				fmt.Fprintf(out, "%s syncing\n", stamp)
			case foliosync.LoadedState:
				lastLoaded = now
				fmt.Fprintf(out, "%s %s %d private, %d shared\n", stamp, green.Render("loaded"), len(s.Private), len(s.Shared))
			case foliosync.ErrorState:
				line := fmt.Sprintf("%s %s %v", stamp, red.Render("error"), s.Err)
				if !lastLoaded.IsZero() {
					line += gray.Render(", last synced " + humanize.Time(lastLoaded))
				}
				fmt.Fprintln(out, line)
			}
		}
	}
}
