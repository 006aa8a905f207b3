package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Redis struct {
	Addr      string // e.g. redis:6379
	Password  string
	DB        int
	KeyPrefix string // namespace for counters and queues
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	EventsTopic    string // inbound events fanned out by Broadcast
	DLQTopic       string // dead letters for exhausted deliveries
	WorkerChannel  string // NSQ channel name for relay workers
	PublishDLQ     bool   // whether to publish exhausted deliveries
}

type Dispatch struct {
	MaxRetries           int           // default retries when neither call nor target overrides
	BaseDelay            time.Duration // default backoff base
	MaxDelay             time.Duration // cap on a single backoff sleep
	JitterPercent        float64       // backoff jitter (0.0-1.0), 0 disables
	AttemptTimeout       time.Duration // default per-attempt deadline
	MaxElapsed           time.Duration // overall retry-sequence deadline, 0 = unbounded
	BreakerThreshold     int           // consecutive terminal failures before opening
	BreakerRecovery      time.Duration // open -> half-open after this long
	SignatureHeader      string        // HMAC signature header
	BroadcastConcurrency int           // parallel targets per broadcast
	MaxQueueLength       int           // admission limit per channel+priority
	ChannelTargets       map[string]string
}

type Scheduler struct {
	Channels    []string      // channels drained by the background loop
	Interval    time.Duration // promote + drain cadence
	DrainPerSec float64       // pacing of queue drains
	DrainBurst  int
	Enabled     bool
}

type Config struct {
	AppName   string
	HTTPPort  string // :8080
	DB        DB
	Redis     Redis
	NSQ       NSQ
	Dispatch  Dispatch
	Scheduler Scheduler
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseList(s string, def []string) []string {
	if s == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// parseChannelTargets parses "email=target-1,sms=target-2" into a channel -> target id map.
func parseChannelTargets(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "harborrelay"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "harborrelay"),
		},
		Redis: Redis{
			Addr:      getenv("REDIS_ADDR", "redis:6379"),
			Password:  getenv("REDIS_PASSWORD", ""),
			DB:        getenvInt("REDIS_DB", 0),
			KeyPrefix: getenv("REDIS_KEY_PREFIX", "relay"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EventsTopic:    getenv("NSQ_EVENTS_TOPIC", "events"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "relay"),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Dispatch: Dispatch{
			MaxRetries:           getenvInt("MAX_RETRIES", 3),
			BaseDelay:            getenvDuration("BACKOFF_BASE_DELAY", time.Second),
			MaxDelay:             getenvDuration("BACKOFF_MAX_DELAY", 5*time.Minute),
			JitterPercent:        getenvFloat("BACKOFF_JITTER_PCT", 0),
			AttemptTimeout:       getenvDuration("ATTEMPT_TIMEOUT", 10*time.Second),
			MaxElapsed:           getenvDuration("DELIVERY_MAX_ELAPSED", 0),
			BreakerThreshold:     getenvInt("BREAKER_THRESHOLD", 5),
			BreakerRecovery:      getenvDuration("BREAKER_RECOVERY", 30*time.Second),
			SignatureHeader:      getenv("WEBHOOK_SIGNATURE_HEADER", "x-webhook-signature"),
			BroadcastConcurrency: getenvInt("BROADCAST_CONCURRENCY", 16),
			MaxQueueLength:       getenvInt("MAX_QUEUE_LENGTH", 10000),
			ChannelTargets:       parseChannelTargets(getenv("CHANNEL_TARGETS", "")),
		},
		Scheduler: Scheduler{
			Channels:    parseList(getenv("SCHEDULER_CHANNELS", ""), []string{"email", "sms", "push", "webhook"}),
			Interval:    getenvDuration("SCHEDULER_INTERVAL", time.Second),
			DrainPerSec: getenvFloat("SCHEDULER_DRAIN_PER_SEC", 50),
			DrainBurst:  getenvInt("SCHEDULER_DRAIN_BURST", 10),
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
