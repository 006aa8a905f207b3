package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect delivery history",
	Long:  `List recorded delivery attempts and final delivery records, newest first.`,
}

// attemptsCmd represents the history attempts command
var attemptsCmd = &cobra.Command{
	Use:   "attempts [target-id]",
	Short: "List attempts made to a target",
	Long: `List individual network attempts made to a target.

Example:
  relayctl history attempts orders-hook --limit 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := requestContext()
		defer cancel()

		var attempts []delivery.Attempt
		path := "/v1/targets/" + url.PathEscape(args[0]) + "/attempts" + limitQuery(limit)
		if _, err := newClient().do(ctx, http.MethodGet, path, nil, &attempts); err != nil {
			return fmt.Errorf("failed to list attempts: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), attempts)
		}
		w := cmd.OutOrStdout()
		if len(attempts) == 0 {
			fmt.Fprintln(w, "No attempts found")
			return nil
		}
		for _, a := range attempts {
			fmt.Fprintf(w, "%s  %s #%d", a.AttemptedAt.Format(time.RFC3339), a.DeliveryID, a.Number)
			if a.HTTPStatus > 0 {
				fmt.Fprintf(w, " http=%d", a.HTTPStatus)
			}
			if a.ErrorKind != delivery.ErrorNone {
				fmt.Fprintf(w, " %s", a.ErrorKind)
			}
			fmt.Fprintf(w, " %s\n", a.Duration)
		}
		return nil
	},
}

// deliveriesCmd represents the history deliveries command
var deliveriesCmd = &cobra.Command{
	Use:   "deliveries [target-id]",
	Short: "List final delivery records",
	Long: `List delivery records for one target, or for every target when no id is given.

Examples:
  relayctl history deliveries
  relayctl history deliveries orders-hook --limit 5`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		path := "/v1/deliveries" + limitQuery(limit)
		if len(args) == 1 {
			path = "/v1/targets/" + url.PathEscape(args[0]) + "/deliveries" + limitQuery(limit)
		}

		ctx, cancel := requestContext()
		defer cancel()

		var records []delivery.Record
		if _, err := newClient().do(ctx, http.MethodGet, path, nil, &records); err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), records)
		}
		w := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintln(w, "No deliveries found")
			return nil
		}
		for _, r := range records {
			fmt.Fprintf(w, "%s  %s -> %s: %s", r.FinishedAt.Format(time.RFC3339), r.DeliveryID, r.TargetID, r.Status)
			if r.Reason != "" {
				fmt.Fprintf(w, " (%s)", r.Reason)
			}
			fmt.Fprintf(w, " attempts=%d\n", r.Attempts)
		}
		return nil
	},
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(attemptsCmd)
	historyCmd.AddCommand(deliveriesCmd)

	attemptsCmd.Flags().Int("limit", 0, "maximum number of attempts (server default when 0)")
	deliveriesCmd.Flags().Int("limit", 0, "maximum number of records (server default when 0)")
}
