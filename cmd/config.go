package cmd

import (
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/netstack/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, environment overrides and
validation, as YAML under the netstack root key.

Examples:
  netstack config
  NETSTACK_TCP_MSS=256 netstack config -c netstack.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("failed to load config", err)
		}
		if err := runConfig(cfg, cmd.OutOrStdout()); err != nil {
			exitWithError("failed to render config", err)
		}
	},
}

func runConfig(cfg *config.Config, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(map[string]*config.Config{"netstack": cfg})
}
