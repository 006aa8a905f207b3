package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/harbor_relay/internal/api"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/counter"
	"github.com/austindbirch/harbor_relay/internal/db"
	"github.com/austindbirch/harbor_relay/internal/deadletter"
	"github.com/austindbirch/harbor_relay/internal/dispatch"
	"github.com/austindbirch/harbor_relay/internal/events"
	"github.com/austindbirch/harbor_relay/internal/executor"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/ratelimit"
	"github.com/austindbirch/harbor_relay/internal/retry"
	"github.com/austindbirch/harbor_relay/internal/store/postgres"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const serviceName = "harborrelay"

// retryConfig maps the environment onto the retry policy.
func retryConfig(c config.Dispatch) retry.Config {
	return retry.Config{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.BaseDelay,
		MaxDelay:   c.MaxDelay,
		Jitter:     c.JitterPercent,
		MaxElapsed: c.MaxElapsed,
	}
}

// healthDeps lists what /healthz pings. A nil dead-letter publisher is skipped.
func healthDeps(pg, redis health.Pinger, dlq *deadletter.NSQ) map[string]health.Pinger {
	deps := map[string]health.Pinger{
		"postgres": pg,
		"redis":    redis,
	}
	if dlq != nil {
		deps["nsqd"] = dlq
	}
	return deps
}

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New(serviceName)
	logging.SetDefaultService(serviceName)

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	pg := postgres.New(pool)
	if err := pg.Migrate(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}

	counters, err := counter.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix)
	if err != nil {
		logger.Plain().WithError(err).Fatal("redis connect failed")
	}
	defer counters.Client().Close()

	var dlq *deadletter.NSQ
	if cfg.NSQ.PublishDLQ {
		dlq, err = deadletter.NewNSQ(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DLQTopic)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer dlq.Stop()
	}

	exec := executor.New(pg,
		executor.WithDefaultTimeout(cfg.Dispatch.AttemptTimeout),
		executor.WithSignatureHeader(cfg.Dispatch.SignatureHeader),
		executor.WithLogger(logging.New(serviceName+"-executor")),
	)
	deps := dispatch.Deps{
		Targets:   pg,
		History:   pg,
		Admission: ratelimit.New(counters, ratelimit.WithLogger(logging.New(serviceName+"-ratelimit"))),
		Retrier:   retry.New(exec, retryConfig(cfg.Dispatch)),
		Queue:     queue.NewRedis(counters.Client(), cfg.Redis.KeyPrefix),
		Prober:    exec,
	}
	if dlq != nil {
		deps.DeadLetters = dlq
	}
	svc := dispatch.New(dispatch.ConfigFrom(cfg), deps,
		dispatch.WithLogger(logger),
		dispatch.WithDrainRate(cfg.Scheduler.DrainPerSec, cfg.Scheduler.DrainBurst),
	)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	httpSrv := &http.Server{
		Addr: cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Service:  svc,
			History:  pg,
			Targets:  pg,
			Health:   healthDeps(pool, counters, dlq),
			Registry: reg,
			Logger:   logging.New(serviceName + "-api"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP server failed")
		}
	}()

	handler := events.NewHandler(ctx, svc, events.WithLogger(logging.New(serviceName+"-events")))
	consumer, err := events.Subscribe(cfg.NSQ.EventsTopic, cfg.NSQ.WorkerChannel,
		cfg.NSQ.NsqdTCPAddr, cfg.NSQ.LookupHTTPAddr, 100, handler)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer failed")
	}

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if !cfg.Scheduler.Enabled {
			return
		}
		if err := svc.RunScheduler(ctx, cfg.Scheduler.Interval, cfg.Scheduler.Channels); err != nil {
			logger.Plain().WithError(err).Error("scheduler exited")
		}
	}()

	logger.Plain().WithFields(map[string]any{
		"events_topic": cfg.NSQ.EventsTopic,
		"publish_dlq":  cfg.NSQ.PublishDLQ,
		"scheduler":    cfg.Scheduler.Enabled,
	}).Info("relay service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down relay service")
	consumer.Stop()
	<-consumer.StopChan
	cancel()
	<-schedulerDone

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("relay service stopped")
}
