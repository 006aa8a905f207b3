package cmd

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Harbor Relay service",
	Long:  `Check the health of the relay and the stores it depends on.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var st health.Status
		code, err := newClient().do(ctx, http.MethodGet, "/healthz", nil, &st)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}

		w := cmd.OutOrStdout()
		if code == http.StatusOK && st.OK {
			fmt.Fprintln(w, "✓ Service is healthy")
		} else {
			fmt.Fprintf(w, "✗ Service is unhealthy (HTTP %d): %s\n", code, st.Message)
		}
		names := make([]string, 0, len(st.Checks))
		for name := range st.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			mark := "✓"
			if !st.Checks[name] {
				mark = "✗"
			}
			fmt.Fprintf(w, "  %s %s\n", mark, name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
