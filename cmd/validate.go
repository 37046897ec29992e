// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/netstack/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a netstack configuration file without starting the stack.

Defaults are applied before validation, so the file only needs the keys it
overrides.

Examples:
  netstack validate -f netstack.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(validateConfigFile, cmd.OutOrStdout()); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

var validateConfigFile string

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "file", "f", "",
		"configuration file to validate (required)")
	validateCmd.MarkFlagRequired("file")
}

func runValidate(path string, w io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "VALID: %d interface(s), pool %d x %d bytes, %d socket(s), dhcp %v\n",
		len(cfg.Interfaces),
		cfg.Pool.Size,
		cfg.Pool.BufferSize,
		cfg.Socket.MaxSockets,
		cfg.DHCP.Enabled,
	)
	return nil
}
