package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"meridian/pkg/meridian"
)

var (
	statusURL     string
	statusGRPC    string
	statusTimeout time.Duration
)

// statusCmd queries a running daemon.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running daemon's health and state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusURL, "url", "http://127.0.0.1:8080", "HTTP status listener")
	statusCmd.Flags().StringVar(&statusGRPC, "grpc", "127.0.0.1:9090", "gRPC status listener")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "Request timeout")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()

	c := meridian.NewClient(statusURL, statusGRPC)
	health, err := c.Health(ctx)
	if err != nil {
		return err
	}
	st, err := c.GetState(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("health: %s\n", health)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}
