package main

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/BearBump/RunnerWatch/config"
	"github.com/BearBump/RunnerWatch/internal/broker/kafka"
	"github.com/BearBump/RunnerWatch/internal/cache/rediscache"
	"github.com/BearBump/RunnerWatch/internal/integrations/delivery"
	"github.com/BearBump/RunnerWatch/internal/integrations/delivery/fake"
	"github.com/BearBump/RunnerWatch/internal/integrations/delivery/tradeethttp"
	"github.com/BearBump/RunnerWatch/internal/metrics"
	"github.com/BearBump/RunnerWatch/internal/services/dispatcher"
	"github.com/BearBump/RunnerWatch/internal/services/watcher"
	"github.com/BearBump/RunnerWatch/internal/session"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type workerFactories struct {
	newProducer       func(cfg *config.Config) (p dispatcher.Producer, closeFn func())
	newRateLimiter    func(cfg *config.Config) (rl watcher.RateLimiter, closeFn func())
	newDeliveryClient func(cfg *config.Config) (c delivery.Client, backend string)
	newConsumer       func(cfg *config.Config, topic, group string) (c kafkaConsumer, closeFn func())
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newProducer: func(cfg *config.Config) (dispatcher.Producer, func()) {
			p := kafka.NewProducer(cfg.Kafka.Brokers())
			return p, func() { _ = p.Close() }
		},
		newRateLimiter: func(cfg *config.Config) (watcher.RateLimiter, func()) {
			rl := rediscache.NewRateLimiter(cfg.Redis.Addr())
			return rl, func() { _ = rl.Close() }
		},
		newDeliveryClient: func(cfg *config.Config) (delivery.Client, string) {
			// without a backend URL the worker answers from the local fake
			if cfg.RunnerWatch.DeliveryBaseURL == "" {
				return fake.New(), "fake"
			}
			// status polling needs the token only; the store id is optional here
			sess := session.New()
			if cfg.RunnerWatch.DeliveryToken != "" {
				_ = sess.LoginToken(cfg.RunnerWatch.DeliveryToken)
				if cfg.RunnerWatch.StoreID != "" {
					_ = sess.SelectStore(cfg.RunnerWatch.StoreID)
				}
			} else {
				slog.Warn("delivery_token is empty, status polls go out without Authorization")
			}
			return tradeethttp.New(cfg.RunnerWatch.DeliveryBaseURL, sess), "tradeet"
		},
		newConsumer: func(cfg *config.Config, topic, group string) (kafkaConsumer, func()) {
			c := kafka.NewConsumer(cfg.Kafka.Brokers(), topic, group)
			return c, func() { _ = c.Close() }
		},
	}
}

func newDispatcher(cfg *config.Config, f workerFactories, m *metrics.Metrics) (*dispatcher.Dispatcher, func()) {
	outcomeTopic := cfg.Kafka.OutcomeTopicName
	if outcomeTopic == "" {
		outcomeTopic = "runner.outcome"
	}
	interval := time.Duration(cfg.RunnerWatch.WatchIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = watcher.DefaultInterval
	}
	timeout := time.Duration(cfg.RunnerWatch.WatchTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = watcher.DefaultTimeout
	}
	maxTimeout := time.Duration(cfg.RunnerWatch.WorkerMaxTimeoutSeconds) * time.Second
	if maxTimeout <= 0 {
		maxTimeout = 10 * time.Minute
	}
	concurrency := cfg.RunnerWatch.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 100
	}
	rlPerMin := int64(cfg.RunnerWatch.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 600
	}

	producer, closeProducer := f.newProducer(cfg)
	rl, closeRL := f.newRateLimiter(cfg)
	client, backend := f.newDeliveryClient(cfg)

	src := watcher.NewLimitedSource(client, rl, backend, rlPerMin)
	d := dispatcher.New(src, producer, outcomeTopic).
		WithSettings(interval, timeout, maxTimeout, concurrency).
		WithMetrics(m)

	return d, func() {
		if closeRL != nil {
			closeRL()
		}
		if closeProducer != nil {
			closeProducer()
		}
	}
}

func RunRunnerWorker(ctx context.Context, cfg *config.Config, f workerFactories, httpOpts workerHTTPOpts) error {
	watchTopic := cfg.Kafka.WatchTopicName
	if watchTopic == "" {
		watchTopic = "runner.watch"
	}
	group := cfg.RunnerWatch.WorkerKafkaConsumerGroup
	if group == "" {
		group = "runner-worker"
	}

	m := metrics.New()
	d, closeDeps := newDispatcher(cfg, f, m)
	defer closeDeps()

	consumer, closeConsumer := f.newConsumer(cfg, watchTopic, group)
	if closeConsumer != nil {
		defer closeConsumer()
	}

	httpOpts.dispatcher = d
	httpOpts.metrics = m
	httpOpts.cfg = cfg
	var consuming atomic.Bool
	if httpOpts.ready == nil {
		httpOpts.ready = consuming.Load
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runWorkerHTTPServer(gctx, httpOpts)
	})
	g.Go(func() error {
		slog.Info("kafka consumer started", "topic", watchTopic, "group", group)
		consuming.Store(true)
		defer consuming.Store(false)
		err := consumer.Consume(gctx, func(key, value []byte) error {
			return d.HandleMessage(gctx, key, value)
		})
		if gctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "watch command consumer")
	})

	err := g.Wait()
	// every watch is bound to gctx, so this returns once they have unwound
	d.Wait()
	if err != nil {
		return err
	}
	return ctx.Err()
}
