package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/api"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/events"
	"github.com/austindbirch/harbor_relay/internal/queue"
)

// payloadFlags are shared by send and enqueue.
type payloadFlags struct {
	eventType string
	data      string
	method    string
	path      string
	headers   []string
}

func (f *payloadFlags) register(c *cobra.Command) {
	c.Flags().StringVar(&f.eventType, "event-type", "", "event type used for subscription checks")
	c.Flags().StringVar(&f.data, "data", "", "JSON request body")
	c.Flags().StringVar(&f.method, "method", "", "HTTP method for API targets (default POST)")
	c.Flags().StringVar(&f.path, "path", "", "path appended to an API target's base URL")
	c.Flags().StringArrayVar(&f.headers, "header", nil, "extra request header Key=Value (repeatable)")
}

func (f *payloadFlags) payload() (delivery.Payload, error) {
	body, err := parseData(f.data)
	if err != nil {
		return delivery.Payload{}, err
	}
	headers, err := parseHeaders(f.headers)
	if err != nil {
		return delivery.Payload{}, err
	}
	return delivery.Payload{
		EventType: f.eventType,
		Method:    f.method,
		Path:      f.path,
		Headers:   headers,
		Body:      body,
	}, nil
}

var (
	sendPayload    payloadFlags
	enqueuePayload payloadFlags
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one delivery",
	Long: `Send one logical delivery to a target, immediately or through a channel.

Examples:
  relayctl send --target orders-hook --event-type order.created --data '{"id":1}'
  relayctl send --channel email --priority high --target mailer --data '{"to":"a@b.c"}'
  relayctl send --channel sms --at +15m --data '{"text":"reminder"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		channel, _ := cmd.Flags().GetString("channel")
		priority, _ := cmd.Flags().GetString("priority")
		at, _ := cmd.Flags().GetString("at")
		attemptTimeout, _ := cmd.Flags().GetDuration("attempt-timeout")
		if at != "" && channel == "" {
			return fmt.Errorf("--at requires --channel")
		}

		p, err := sendPayload.payload()
		if err != nil {
			return err
		}
		scheduledAt, err := parseTimestamp(at, time.Now())
		if err != nil {
			return err
		}
		req := api.SendRequest{
			TargetID:    target,
			Channel:     channel,
			Priority:    queue.Priority(priority),
			ScheduledAt: scheduledAt,
			Payload:     p,
		}
		if cmd.Flags().Changed("max-retries") {
			n, _ := cmd.Flags().GetInt("max-retries")
			req.MaxRetries = &n
		}
		if attemptTimeout > 0 {
			req.Timeout = attemptTimeout.String()
		}

		ctx, cancel := requestContext()
		defer cancel()
		var out delivery.Outcome
		if _, err := newClient().do(ctx, http.MethodPost, "/v1/send", req, &out); err != nil {
			return fmt.Errorf("failed to send: %w", err)
		}

		if outputJSON {
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
		} else {
			printOutcome(cmd.OutOrStdout(), out)
		}
		return outcomeError(out)
	},
}

// broadcastCmd represents the broadcast command
var broadcastCmd = &cobra.Command{
	Use:   "broadcast [event-type]",
	Short: "Broadcast an event to every subscribed target",
	Long: `Broadcast an event to every active target subscribed to its type.

With --nsqd the event is published to the relay's events topic instead of
being sent through the HTTP API.

Examples:
  relayctl broadcast order.created --data '{"id":1}'
  relayctl broadcast user.deleted --id evt_42 --nsqd localhost:4150`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		dataStr, _ := cmd.Flags().GetString("data")
		nsqd, _ := cmd.Flags().GetString("nsqd")
		topic, _ := cmd.Flags().GetString("topic")

		data, err := parseData(dataStr)
		if err != nil {
			return err
		}
		if data == nil {
			data = []byte(`{}`)
		}
		if id == "" {
			id = "evt_" + uuid.NewString()
		}
		ev := delivery.Event{ID: id, Type: args[0], Data: data}

		ctx, cancel := requestContext()
		defer cancel()

		if nsqd != "" {
			pub, err := events.NewPublisher(nsqd, topic)
			if err != nil {
				return err
			}
			defer pub.Stop()
			if err := pub.Publish(ctx, ev); err != nil {
				return fmt.Errorf("failed to publish event: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published event %s (%s) to nsqd %s\n", ev.ID, ev.Type, nsqd)
			return nil
		}

		var resp api.BroadcastResponse
		if _, err := newClient().do(ctx, http.MethodPost, "/v1/broadcast", ev, &resp); err != nil {
			return fmt.Errorf("failed to broadcast: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Event %s: %d/%d targets delivered\n", resp.EventID, resp.Delivered, resp.Targets)
		for _, o := range resp.Outcomes {
			fmt.Fprint(w, "  ")
			printOutcome(w, o)
		}
		return nil
	},
}

// enqueueCmd represents the enqueue command
var enqueueCmd = &cobra.Command{
	Use:   "enqueue [channel]",
	Short: "Enqueue a delivery on a notification channel",
	Long: `Park a delivery in a channel's queue for the scheduler or a drain.

Examples:
  relayctl enqueue email --priority high --target mailer --data '{"to":"a@b.c"}'
  relayctl enqueue push --at 2026-11-01T09:00:00Z --data '{"title":"hi"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		priority, _ := cmd.Flags().GetString("priority")
		at, _ := cmd.Flags().GetString("at")

		p, err := enqueuePayload.payload()
		if err != nil {
			return err
		}
		scheduledAt, err := parseTimestamp(at, time.Now())
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()
		var e queue.Entry
		req := api.EnqueueRequest{
			Channel:     args[0],
			Priority:    queue.Priority(priority),
			TargetID:    target,
			ScheduledAt: scheduledAt,
			Payload:     p,
		}
		if _, err := newClient().do(ctx, http.MethodPost, "/v1/enqueue", req, &e); err != nil {
			return fmt.Errorf("failed to enqueue: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), e)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s on %s/%s for target %s\n", e.ID, e.Channel, e.Priority, e.TargetID)
		if !e.ScheduledAt.IsZero() {
			fmt.Fprintf(cmd.OutOrStdout(), "  Scheduled at: %s\n", e.ScheduledAt.Format(time.RFC3339))
		}
		return nil
	},
}

func printOutcome(w io.Writer, o delivery.Outcome) {
	fmt.Fprintf(w, "%s -> %s: %s", o.DeliveryID, o.TargetID, o.Status)
	if o.Reason != "" {
		fmt.Fprintf(w, " (%s)", o.Reason)
	}
	if o.Attempts > 0 {
		fmt.Fprintf(w, " attempts=%d", o.Attempts)
	}
	if o.HTTPStatus > 0 {
		fmt.Fprintf(w, " http=%d", o.HTTPStatus)
	}
	if !o.ScheduledAt.IsZero() {
		fmt.Fprintf(w, " at=%s", o.ScheduledAt.Format(time.RFC3339))
	}
	if o.LastError != "" {
		fmt.Fprintf(w, " error=%q", o.LastError)
	}
	fmt.Fprintln(w)
}

// outcomeError makes terminal failures visible in the exit status.
func outcomeError(o delivery.Outcome) error {
	switch o.Status {
	case delivery.StatusDelivered, delivery.StatusScheduled, delivery.StatusQueued:
		return nil
	}
	if o.Reason != "" {
		return fmt.Errorf("delivery %s: %s", o.Status, o.Reason)
	}
	return fmt.Errorf("delivery %s", o.Status)
}

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(broadcastCmd)
	rootCmd.AddCommand(enqueueCmd)

	sendCmd.Flags().String("target", "", "target id (defaults to the channel's target)")
	sendCmd.Flags().String("channel", "", "send through this notification channel")
	sendCmd.Flags().String("priority", "", "queue priority: high, normal or low")
	sendCmd.Flags().String("at", "", "schedule time (RFC3339 or +duration); requires --channel")
	sendCmd.Flags().Int("max-retries", 0, "override the retry count")
	sendCmd.Flags().Duration("attempt-timeout", 0, "override the per-attempt timeout")
	sendPayload.register(sendCmd)

	broadcastCmd.Flags().String("id", "", "event id (generated when empty)")
	broadcastCmd.Flags().String("data", "", "JSON event data")
	broadcastCmd.Flags().String("nsqd", "", "publish to this nsqd TCP address instead of the API")
	broadcastCmd.Flags().String("topic", events.DefaultTopic, "events topic used with --nsqd")

	enqueueCmd.Flags().String("target", "", "target id (defaults to the channel's target)")
	enqueueCmd.Flags().String("priority", "", "queue priority: high, normal or low")
	enqueueCmd.Flags().String("at", "", "schedule time (RFC3339 or +duration)")
	enqueuePayload.register(enqueueCmd)
}
