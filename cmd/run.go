package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/netstack/internal/config"
	"firestige.xyz/netstack/internal/dhcp"
	"firestige.xyz/netstack/internal/log"
	"firestige.xyz/netstack/internal/metrics"
	"firestige.xyz/netstack/internal/stack"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the stack in the foreground",
	Long: `Start the stack with the interfaces from the configuration file and
keep it running until SIGINT or SIGTERM.

When dhcp.enabled is set, the DHCP client configures its interface before
the stack is reported ready. When metrics.enabled is set, Prometheus
metrics are served on metrics.listen.

Examples:
  netstack run -c netstack.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("failed to load config", err)
		}
		if err := runStack(cmd.Context(), cfg); err != nil {
			exitWithError("stack failed", err)
		}
	},
}

// startStack installs the configured logger and brings the stack up.
func startStack(cfg *config.Config) (*stack.Stack, error) {
	if err := log.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	s, err := stack.FromConfig(cfg, log.GetLogger())
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		s.Stop()
		return nil, err
	}
	return s, nil
}

// newDHCPClient builds a client for the configured DHCP interface.
func newDHCPClient(s *stack.Stack, cfg config.DHCPConfig) (*dhcp.Client, error) {
	if cfg.Interface == "" {
		return dhcp.New(s, nil), nil
	}
	ifc, ok := s.Interface(cfg.Interface)
	if !ok {
		return nil, fmt.Errorf("dhcp interface %q not found", cfg.Interface)
	}
	return dhcp.New(s, ifc), nil
}

// runStack runs the stack until ctx is done.
func runStack(ctx context.Context, cfg *config.Config) error {
	s, err := startStack(cfg)
	if err != nil {
		return err
	}
	defer s.Stop()
	logger := log.GetLogger().WithField("component", "cmd")

	if cfg.DHCP.Enabled {
		client, err := newDHCPClient(s, cfg.DHCP)
		if err != nil {
			return err
		}
		if _, err := client.Run(ctx); err != nil {
			return fmt.Errorf("dhcp: %w", err)
		}
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, metrics.NewRegistry(s), logger)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				logger.WithError(err).Warn("metrics server shutdown failed")
			}
		}()
	}

	snap := s.Snapshot()
	logger.WithFields(map[string]interface{}{
		"interfaces": len(snap.Interfaces),
		"sockets":    cfg.Socket.MaxSockets,
		"pool":       snap.Pool.Capacity,
	}).Info("netstack running")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case <-s.Done():
	}
	return nil
}
