package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"meridian/internal/api"
)

var runDryRun bool

// runCmd runs the scheduler and the status listeners.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the session scheduler and status servers",
	Long: `Run the daemon: read the market clock, fire the before-open hook, one
decision cycle per session and the after-close hook, and serve /metrics,
/v1/state and gRPC health until interrupted.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Journal intents without submitting them")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{dryRun: runDryRun})
	if err != nil {
		return err
	}
	defer a.Close()

	srv := api.NewServer(a.cfg.Server, a.trader, a.metrics, a.log)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	g.Go(func() error { return a.trader.Run(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.log.Info("shutdown complete")
	return nil
}
