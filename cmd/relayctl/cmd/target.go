package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/api"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/executor"
)

// targetCmd represents the target command
var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Manage delivery targets",
	Long:  `Show, create or update targets and probe their health endpoints.`,
}

// getTargetCmd represents the target get command
var getTargetCmd = &cobra.Command{
	Use:   "get [target-id]",
	Short: "Show a target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var t delivery.Target
		if _, err := newClient().do(ctx, http.MethodGet, "/v1/targets/"+url.PathEscape(args[0]), nil, &t); err != nil {
			return fmt.Errorf("failed to get target: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), t)
		}
		printTarget(cmd, t)
		return nil
	},
}

// putTargetCmd represents the target put command
var putTargetCmd = &cobra.Command{
	Use:   "put [target-id] [url]",
	Short: "Create or replace a target",
	Long: `Create or replace a target.

Examples:
  relayctl target put orders-hook https://example.com/hooks --event-types order.created,order.paid --secret s3cret
  relayctl target put crm https://api.example.com --kind api --bearer tok_123 --rate-limit sliding:60s:100`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := targetFromFlags(cmd, args[0], args[1])
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		var t delivery.Target
		if _, err := newClient().do(ctx, http.MethodPut, "/v1/targets/"+url.PathEscape(args[0]), req, &t); err != nil {
			return fmt.Errorf("failed to put target: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), t)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved target: %s\n", t.ID)
		printTarget(cmd, t)
		return nil
	},
}

// probeTargetCmd represents the target probe command
var probeTargetCmd = &cobra.Command{
	Use:   "probe [target-id]",
	Short: "Check a target's health endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var res executor.ProbeResult
		if _, err := newClient().do(ctx, http.MethodGet, "/v1/targets/"+url.PathEscape(args[0])+"/probe", nil, &res); err != nil {
			return fmt.Errorf("failed to probe target: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		if res.Healthy {
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is healthy (HTTP %d, %s)\n", args[0], res.Status, res.Duration)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✗ %s is unhealthy", args[0])
		if res.Status > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), " (HTTP %d)", res.Status)
		}
		if res.Error != "" {
			fmt.Fprintf(cmd.OutOrStdout(), ": %s", res.Error)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

func targetFromFlags(cmd *cobra.Command, id, rawURL string) (api.TargetRequest, error) {
	f := cmd.Flags()
	name, _ := f.GetString("name")
	kind, _ := f.GetString("kind")
	secret, _ := f.GetString("secret")
	eventTypes, _ := f.GetStringSlice("event-types")
	inactive, _ := f.GetBool("inactive")
	sign, _ := f.GetBool("sign")
	bearer, _ := f.GetString("bearer")
	apiKey, _ := f.GetString("api-key")
	healthURL, _ := f.GetString("health-url")
	channel, _ := f.GetString("channel")
	rl, _ := f.GetString("rate-limit")
	attemptTimeout, _ := f.GetDuration("attempt-timeout")

	t := delivery.Target{
		ID:                  id,
		Name:                name,
		Kind:                delivery.TargetKind(kind),
		Active:              !inactive,
		URL:                 rawURL,
		EventTypes:          eventTypes,
		SignatureValidation: sign,
		HealthCheckURL:      healthURL,
		Channel:             channel,
		Timeout:             attemptTimeout,
		Auth:                delivery.Auth{Scheme: delivery.AuthNone},
	}
	switch {
	case bearer != "":
		t.Auth = delivery.Auth{Scheme: delivery.AuthBearer, Token: bearer}
	case apiKey != "":
		t.Auth = delivery.Auth{Scheme: delivery.AuthAPIKey, APIKey: apiKey}
	}
	if f.Changed("max-retries") {
		n, _ := f.GetInt("max-retries")
		t.MaxRetries = &n
	}
	if f.Changed("base-delay") {
		d, _ := f.GetDuration("base-delay")
		t.BaseDelay = &d
	}
	if rl != "" {
		limit, err := parseRateLimit(rl)
		if err != nil {
			return api.TargetRequest{}, err
		}
		t.RateLimit = &limit
	}
	return api.TargetRequest{Target: t, Secret: secret}, nil
}

// parseRateLimit parses "algorithm:window:max", e.g. "fixed:1m:60".
func parseRateLimit(s string) (delivery.RateLimit, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return delivery.RateLimit{}, fmt.Errorf("invalid rate limit %q (expected algorithm:window:max)", s)
	}
	if parts[0] != "fixed" && parts[0] != "sliding" {
		return delivery.RateLimit{}, fmt.Errorf("invalid rate limit algorithm %q (use fixed or sliding)", parts[0])
	}
	window, err := time.ParseDuration(parts[1])
	if err != nil || window <= 0 {
		return delivery.RateLimit{}, fmt.Errorf("invalid rate limit window %q", parts[1])
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil || n <= 0 {
		return delivery.RateLimit{}, fmt.Errorf("invalid rate limit maximum %q", parts[2])
	}
	return delivery.RateLimit{Algorithm: parts[0], Window: window, MaxRequests: n}, nil
}

func printTarget(cmd *cobra.Command, t delivery.Target) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "  ID: %s\n", t.ID)
	if t.Name != "" {
		fmt.Fprintf(w, "  Name: %s\n", t.Name)
	}
	fmt.Fprintf(w, "  Kind: %s\n", t.Kind)
	fmt.Fprintf(w, "  URL: %s\n", t.URL)
	fmt.Fprintf(w, "  Active: %v\n", t.Active)
	if len(t.EventTypes) > 0 {
		fmt.Fprintf(w, "  Event types: %s\n", strings.Join(t.EventTypes, ", "))
	}
	if t.RateLimit != nil {
		fmt.Fprintf(w, "  Rate limit: %s %d per %s\n", t.RateLimit.Algorithm, t.RateLimit.MaxRequests, t.RateLimit.Window)
	}
}

func init() {
	rootCmd.AddCommand(targetCmd)
	targetCmd.AddCommand(getTargetCmd)
	targetCmd.AddCommand(putTargetCmd)
	targetCmd.AddCommand(probeTargetCmd)

	f := putTargetCmd.Flags()
	f.String("name", "", "display name recorded in history")
	f.String("kind", string(delivery.KindWebhook), "target kind: webhook or api")
	f.String("secret", "", "HMAC signing secret")
	f.StringSlice("event-types", nil, "subscribed event types (use * for all)")
	f.Bool("inactive", false, "create the target inactive")
	f.Bool("sign", false, "sign requests with the secret")
	f.String("bearer", "", "bearer token for API targets")
	f.String("api-key", "", "API key for API targets")
	f.String("health-url", "", "health check URL used by probe")
	f.String("channel", "", "notification channel served by this target")
	f.String("rate-limit", "", "admission limit algorithm:window:max, e.g. fixed:1m:60")
	f.Int("max-retries", 0, "retry count override")
	f.Duration("base-delay", 0, "backoff base delay override")
	f.Duration("attempt-timeout", 0, "per-attempt timeout")
}
