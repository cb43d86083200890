package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"meridian/internal/strategy"
)

// presetsCmd lists the built-in strategy presets.
var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List strategy presets",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg := strategy.DefaultRegistry()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tUNIVERSE\tTOP_K\tENTRY\tDESCRIPTION")
		for _, name := range reg.List() {
			p, _ := reg.Get(name)
			entry := "-"
			if p.Entry.Enabled() {
				entry = fmt.Sprintf("rsi<%g adx>%g", p.Entry.MaxRSI, p.Entry.MinADX)
				if p.Entry.RequireMACD {
					entry += " macd"
				}
			}
			topK := "all"
			if p.TopK > 0 {
				topK = fmt.Sprint(p.TopK)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, strings.Join(p.Universe, ","), topK, entry, p.Description)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(presetsCmd)
}
