package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"meridian/internal/store"
)

var stateIntents int

// stateCmd prints the persisted state without contacting the broker.
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the persisted engine state, last report and recent intents",
	RunE:  runState,
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.Flags().IntVar(&stateIntents, "intents", 20, "Number of journaled intents to show")
}

func runState(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", cfg.Storage.SQLitePath, err)
	}
	defer db.Close()

	st, ok, err := db.LoadState(ctx)
	if err != nil {
		return err
	}
	rep, err := db.LatestReport(ctx)
	if err != nil {
		return err
	}
	intents, err := db.ListIntents(ctx, stateIntents)
	if err != nil {
		return err
	}

	out := map[string]any{"saved": ok, "intents": intents}
	if ok {
		out["state"] = st
	}
	if rep != nil {
		out["last_report"] = rep
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
