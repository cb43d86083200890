// Command meridian runs the momentum decision engine against Alpaca or the
// in-memory simulator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
)

// rootCmd is the base command for the meridian CLI.
var rootCmd = &cobra.Command{
	Use:   "meridian",
	Short: "Regime-aware momentum trading engine",
	Long: `meridian classifies the market regime from a benchmark, ranks a universe
by risk-adjusted momentum and sizes ATR-based positions under a drawdown
guard. Intents are submitted to Alpaca (or the simulator) once per session.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $MERIDIAN_CONFIG or config/meridian.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
