package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/netstack/internal/core"
)

var pingCmd = &cobra.Command{
	Use:   "ping [address]",
	Short: "Send ICMP echo requests through the stack",
	Long: `Send ICMP echo requests from a stack built from the configuration and
print the replies. The address defaults to 127.0.0.1, which is answered by
the stack's own loopback interface.

Examples:
  netstack ping
  netstack ping -n 3 -c netstack.yaml 10.0.0.2`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dst := netip.MustParseAddr("127.0.0.1")
		if len(args) == 1 {
			a, err := netip.ParseAddr(args[0])
			if err != nil || !a.Is4() {
				exitWithError(fmt.Sprintf("invalid IPv4 address %q", args[0]), err)
			}
			dst = a
		}
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("failed to load config", err)
		}
		s, err := startStack(cfg)
		if err != nil {
			exitWithError("failed to start stack", err)
		}
		defer s.Stop()

		if cfg.DHCP.Enabled && !dst.IsLoopback() {
			client, err := newDHCPClient(s, cfg.DHCP)
			if err != nil {
				exitWithError("dhcp", err)
			}
			if _, err := client.Run(cmd.Context()); err != nil {
				exitWithError("dhcp", err)
			}
		}

		if err := runPing(cmd.Context(), s, dst, pingOpts, cmd.OutOrStdout()); err != nil {
			s.Stop()
			exitWithError("ping failed", err)
		}
	},
}

type pingOptions struct {
	Count    int
	Interval time.Duration
	Timeout  time.Duration
	Size     int
}

var pingOpts = pingOptions{}

func init() {
	pingCmd.Flags().IntVarP(&pingOpts.Count, "count", "n", 4, "number of echo requests")
	pingCmd.Flags().DurationVarP(&pingOpts.Interval, "interval", "i", time.Second, "wait between requests")
	pingCmd.Flags().DurationVarP(&pingOpts.Timeout, "timeout", "W", 2*time.Second, "wait for each reply")
	pingCmd.Flags().IntVarP(&pingOpts.Size, "size", "s", 56, "payload bytes")
}

// runPing sends opts.Count echo requests and prints one line per reply
// followed by a summary. It fails when no reply arrives.
func runPing(ctx context.Context, p Pinger, dst netip.Addr, opts pingOptions, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Count <= 0 {
		return fmt.Errorf("count must be positive, got %d", opts.Count)
	}
	payload := make([]byte, opts.Size)
	for i := range payload {
		payload[i] = byte(i)
	}
	id := uint16(os.Getpid())

	fmt.Fprintf(w, "PING %s: %d data bytes\n", dst, opts.Size)
	var received int
	for seq := 1; seq <= opts.Count; seq++ {
		if seq > 1 && opts.Interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.Interval):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		start := time.Now()
		reply, err := p.Ping(reqCtx, dst, id, uint16(seq), payload)
		cancel()
		switch {
		case err == nil:
			received++
			fmt.Fprintf(w, "%d bytes from %s: icmp_seq=%d ttl=%d time=%s\n",
				len(reply.Payload), reply.From, reply.Seq, reply.TTL, time.Since(start).Round(time.Microsecond))
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, core.ErrTimedOut):
			fmt.Fprintf(w, "request timeout for icmp_seq=%d\n", seq)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return err
		}
	}

	loss := float64(opts.Count-received) / float64(opts.Count) * 100
	fmt.Fprintf(w, "--- %s ping statistics ---\n", dst)
	fmt.Fprintf(w, "%d packets transmitted, %d received, %.0f%% packet loss\n", opts.Count, received, loss)
	if received == 0 {
		return fmt.Errorf("no reply from %s: %w", dst, core.ErrTimedOut)
	}
	return nil
}
