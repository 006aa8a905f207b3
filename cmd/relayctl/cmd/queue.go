package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/api"
	"github.com/austindbirch/harbor_relay/internal/dispatch"
	"github.com/austindbirch/harbor_relay/internal/queue"
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue [channel]",
	Short: "Show queue depth for a channel",
	Long: `Show ready entries per priority for a channel and the number of
scheduled entries waiting across all channels.

Example:
  relayctl queue email`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var resp api.QueueResponse
		if _, err := newClient().do(ctx, http.MethodGet, "/v1/queue/"+url.PathEscape(args[0]), nil, &resp); err != nil {
			return fmt.Errorf("failed to get queue depth: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Queue %s:\n", resp.Channel)
		for _, p := range queue.Priorities {
			fmt.Fprintf(w, "  %-7s %d\n", p, resp.Ready[p])
		}
		fmt.Fprintf(w, "  Scheduled (all channels): %d\n", resp.Scheduled)
		return nil
	},
}

// drainCmd represents the drain command
var drainCmd = &cobra.Command{
	Use:   "drain [channel]",
	Short: "Drain a channel's ready entries once",
	Long: `Send every ready entry of a channel, high priority first, then normal,
then low.

Example:
  relayctl drain email`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var report dispatch.DrainReport
		if _, err := newClient().do(ctx, http.MethodPost, "/v1/drain/"+url.PathEscape(args[0]), nil, &report); err != nil {
			return fmt.Errorf("failed to drain: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), report)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Drained %s: %d processed, %d errors\n", report.Channel, report.Processed, report.Errors)
		for _, p := range queue.Priorities {
			if n := report.ByPriority[p]; n > 0 {
				fmt.Fprintf(w, "  %-7s %d\n", p, n)
			}
		}
		for status, n := range report.ByStatus {
			fmt.Fprintf(w, "  %s: %d\n", status, n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(drainCmd)
}
