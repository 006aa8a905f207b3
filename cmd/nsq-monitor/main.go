package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

// NSQStats represents the JSON structure returned by the nsqd stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// monitor exports the relay's NSQ backlog: unconsumed events waiting for
// broadcast and dead letters waiting for an operator.
type monitor struct {
	eventsTopic   string
	workerChannel string
	dlqTopic      string
	client        *http.Client

	eventBacklog    prometheus.Gauge
	deadLetters     prometheus.Gauge
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
}

func newMonitor(nsq config.NSQ, reg prometheus.Registerer) *monitor {
	m := &monitor{
		eventsTopic:   nsq.EventsTopic,
		workerChannel: nsq.WorkerChannel,
		dlqTopic:      nsq.DLQTopic,
		client:        &http.Client{Timeout: 5 * time.Second},
		eventBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harborrelay_event_backlog",
			Help: "Events waiting on the relay's consumer channel",
		}),
		deadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harborrelay_dead_letter_backlog",
			Help: "Dead letters waiting in the DLQ topic",
		}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborrelay_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborrelay_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
	}
	reg.MustRegister(m.eventBacklog, m.deadLetters, m.channelDepth, m.channelInflight)
	return m
}

func main() {
	logging.SetDefaultService("nsq-monitor")
	cfg := config.FromEnv()

	nsqdHost := getEnv("NSQD_HTTP_ADDR", "nsqd:4151")
	port := getEnv("PORT", "8084")
	interval := getEnvInt("POLL_INTERVAL_SECONDS", 15)

	reg := prometheus.NewRegistry()
	m := newMonitor(cfg.NSQ, reg)

	logging.WithFields(map[string]any{
		"nsqd":     nsqdHost,
		"events":   cfg.NSQ.EventsTopic,
		"dlq":      cfg.NSQ.DLQTopic,
		"interval": interval,
	}).Infof("nsq monitor starting on port %s", port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go m.run(ctx, nsqdHost, time.Duration(interval)*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Plain().WithError(err).Fatal("http server failed")
	}
}

func (m *monitor) run(ctx context.Context, nsqdHost string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.update(ctx, nsqdHost); err != nil {
			logging.WithContext(ctx).WithError(err).Warn("failed to update nsq metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *monitor) update(ctx context.Context, nsqdHost string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json", nsqdHost), nil)
	if err != nil {
		return fmt.Errorf("build stats request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats returned %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		switch topic.TopicName {
		case m.dlqTopic:
			// Dead letters are read by operators, so the topic depth plus any
			// channel backlog is what is waiting.
			waiting := topic.Depth
			for _, ch := range topic.Channels {
				waiting += ch.Depth
			}
			m.deadLetters.Set(float64(waiting))
		case m.eventsTopic:
			for _, ch := range topic.Channels {
				if ch.ChannelName == m.workerChannel {
					m.eventBacklog.Set(float64(ch.Depth))
				}
			}
		default:
			continue
		}
		for _, ch := range topic.Channels {
			m.channelDepth.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.Depth))
			m.channelInflight.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.InFlightCount))
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
