package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"meridian/internal/trader"
)

var (
	cycleDryRun bool
	cycleForce  bool
)

// cycleCmd runs a single decision pass now.
var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one decision cycle now",
	Long: `Run one decision cycle immediately and print its report as JSON.

Examples:
  meridian cycle --dry-run
  meridian cycle --force      # ignore the market clock`,
	RunE: runCycle,
}

func init() {
	rootCmd.AddCommand(cycleCmd)
	cycleCmd.Flags().BoolVar(&cycleDryRun, "dry-run", false, "Journal intents without submitting them")
	cycleCmd.Flags().BoolVar(&cycleForce, "force", false, "Run even when the market is closed")
}

func runCycle(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{dryRun: cycleDryRun, ignoreMarketHours: cycleForce})
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.trader.RunCycle(ctx)
	if errors.Is(err, trader.ErrMarketClosed) {
		return fmt.Errorf("%w (use --force to run anyway)", err)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
