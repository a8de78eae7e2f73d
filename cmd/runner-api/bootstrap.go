package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/RunnerWatch/config"
	runnersapi "github.com/BearBump/RunnerWatch/internal/api/runners_api"
	"github.com/BearBump/RunnerWatch/internal/broker/kafka"
	"github.com/BearBump/RunnerWatch/internal/cache/rediscache"
	"github.com/BearBump/RunnerWatch/internal/integrations/delivery"
	"github.com/BearBump/RunnerWatch/internal/integrations/delivery/fake"
	"github.com/BearBump/RunnerWatch/internal/integrations/delivery/tradeethttp"
	"github.com/BearBump/RunnerWatch/internal/metrics"
	"github.com/BearBump/RunnerWatch/internal/notify"
	"github.com/BearBump/RunnerWatch/internal/services/runners"
	"github.com/BearBump/RunnerWatch/internal/session"
	"github.com/BearBump/RunnerWatch/internal/storage/pgrunner"
)

type runnerAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   runnerAPIOpts
	deps   runnerAPIDeps

	closers []func()
}

func mustBootstrapRunnerAPI(args []string) *runnerAPIApp {
	paths, err := config.ResolvePaths("runner-api", args)
	if err != nil {
		panic(err)
	}
	cfg, err := config.LoadConfig(paths.Config)
	if err != nil {
		panic(fmt.Sprintf("failed to parse config: %v", err))
	}

	httpAddr := cfg.RunnerWatch.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.RunnerWatch.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "runner-api"
	}
	watchTopic := cfg.Kafka.WatchTopicName
	if watchTopic == "" {
		watchTopic = "runner.watch"
	}
	outcomeTopic := cfg.Kafka.OutcomeTopicName
	if outcomeTopic == "" {
		outcomeTopic = "runner.outcome"
	}
	cacheTTL := time.Duration(cfg.RunnerWatch.CurrentStatusTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	rps := cfg.RunnerWatch.APIRateLimitRPS
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RunnerWatch.APIRateLimitBurst
	if burst <= 0 {
		burst = 20
	}
	watchInterval := time.Duration(cfg.RunnerWatch.WatchIntervalMS) * time.Millisecond
	watchTimeout := time.Duration(cfg.RunnerWatch.WatchTimeoutMS) * time.Millisecond
	if watchTimeout <= 0 {
		watchTimeout = 120 * time.Second
	}

	expireEvery := time.Duration(cfg.RunnerWatch.ExpireSweepSeconds) * time.Second
	if expireEvery <= 0 {
		expireEvery = 30 * time.Second
	}
	expireGrace := time.Duration(cfg.RunnerWatch.ExpireGraceSeconds) * time.Second

	st := mustOpenPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second)
	rc := rediscache.New(cfg.Redis.Addr())
	producer := kafka.NewProducer(cfg.Kafka.Brokers())
	consumer := kafka.NewConsumer(cfg.Kafka.Brokers(), outcomeTopic, consumerGroup).
		WithHandlerRetry(5, 500*time.Millisecond)

	sess := session.New()
	if cfg.RunnerWatch.DeliveryToken != "" {
		// without store_id every create must carry its own storeId
		login := func() error { return sess.LoginToken(cfg.RunnerWatch.DeliveryToken) }
		if cfg.RunnerWatch.StoreID != "" {
			login = func() error { return sess.Login(cfg.RunnerWatch.DeliveryToken, cfg.RunnerWatch.StoreID) }
		}
		if err := login(); err != nil {
			panic(fmt.Sprintf("delivery session: %v", err))
		}
	}

	hub := notify.NewHub()
	svc := runners.New(st, newDeliveryClient(cfg, sess), producer, watchTopic).
		WithCache(rc, cacheTTL).
		WithNotifier(hub).
		WithStoreProvider(sess).
		WithWatchSettings(watchInterval, watchTimeout, cfg.RunnerWatch.RunnerSpeedKmh).
		WithExpireGrace(expireGrace)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &runnerAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: runnerAPIOpts{
			httpAddr:      httpAddr,
			swaggerPath:   paths.Swagger,
			topic:         outcomeTopic,
			consumerGroup: consumerGroup,
			expireEvery:   expireEvery,
		},
		deps: runnerAPIDeps{
			svc:      svc,
			hub:      hub,
			metrics:  metrics.New(),
			limiter:  runnersapi.NewClientLimiter(rps, burst),
			consumer: consumer,
		},
		closers: []func(){
			func() { _ = consumer.Close() },
			func() { _ = producer.Close() },
			func() { _ = rc.Close() },
			st.Close,
			sess.Logout,
		},
	}
}

// newDeliveryClient talks to the Tradeet backend when a base URL is
// configured and falls back to the local fake otherwise.
func newDeliveryClient(cfg *config.Config, sess *session.Session) delivery.Client {
	if cfg.RunnerWatch.DeliveryBaseURL != "" {
		return tradeethttp.New(cfg.RunnerWatch.DeliveryBaseURL, sess)
	}
	slog.Warn("delivery_base_url is empty, using fake delivery backend")
	return fake.New()
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgrunner.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgrunner.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *runnerAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for _, c := range a.closers {
		c()
	}
}

func (a *runnerAPIApp) Run() error {
	return runRunnerAPI(a.ctx, a.opts, a.deps)
}
