// Package cmd implements CLI commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/netstack/internal/metrics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show stack statistics",
	Long: `Build the stack from the configuration and print its counters as JSON:
interfaces, drop reasons, buffer pool, queues, sockets and ARP entries.

Useful for checking what a configuration attaches before running it.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("failed to load config", err)
		}
		s, err := startStack(cfg)
		if err != nil {
			exitWithError("failed to start stack", err)
		}
		defer s.Stop()
		if err := runStats(s, cmd.OutOrStdout()); err != nil {
			s.Stop()
			exitWithError("failed to format stats", err)
		}
	},
}

func runStats(src metrics.Source, w io.Writer) error {
	resultJSON, err := json.MarshalIndent(src.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(resultJSON))
	return nil
}
