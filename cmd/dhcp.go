package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var dhcpCmd = &cobra.Command{
	Use:   "dhcp",
	Short: "Acquire a DHCP lease and print it",
	Long: `Start the stack, run the DHCP client on dhcp.interface (or the default
interface) and print the lease. The stack is stopped afterwards; the lease
is not renewed.

Examples:
  netstack dhcp -c netstack.yaml`,
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

		client, err := newDHCPClient(s, cfg.DHCP)
		if err == nil {
			err = runDHCP(cmd.Context(), client, cmd.OutOrStdout())
		}
		if err != nil {
			s.Stop()
			exitWithError("dhcp failed", err)
		}
	},
}

func runDHCP(ctx context.Context, l Leaser, w io.Writer) error {
	lease, err := l.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "ip:      %s\n", lease.IP)
	fmt.Fprintf(w, "netmask: %s\n", lease.Netmask)
	fmt.Fprintf(w, "gateway: %s\n", lease.Gateway)
	fmt.Fprintf(w, "dns:     %s\n", lease.DNS)
	fmt.Fprintf(w, "server:  %s\n", lease.Server)
	return nil
}
