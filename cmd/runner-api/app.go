package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	runnersapi "github.com/BearBump/RunnerWatch/internal/api/runners_api"
	"github.com/BearBump/RunnerWatch/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/sync/errgroup"
)

type runnerAPIOpts struct {
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string

	// how often watching requests past their deadline are closed
	expireEvery time.Duration

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type runnerService interface {
	runnersapi.Service
	HandleOutcomeMessage(ctx context.Context, key, value []byte) error
	ResumeWatching(ctx context.Context) (int, error)
	ExpireOverdue(ctx context.Context) (int, error)
}

type runnerAPIDeps struct {
	svc      runnerService
	hub      runnersapi.Subscriber
	metrics  *metrics.Metrics
	limiter  *runnersapi.ClientLimiter
	consumer kafkaConsumer
}

func runRunnerAPI(ctx context.Context, opts runnerAPIOpts, deps runnerAPIDeps) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{
		Handler:           newRouter(opts.swaggerPath, deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("HTTP server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	})

	g.Go(func() error {
		slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
		err := deps.consumer.Consume(gctx, func(key, value []byte) error {
			return deps.svc.HandleOutcomeMessage(gctx, key, value)
		})
		if gctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "outcome consumer")
	})

	g.Go(func() error {
		n, err := deps.svc.ResumeWatching(gctx)
		if err != nil && gctx.Err() == nil {
			slog.Error("resume watching runner requests", "error", err.Error())
			return nil
		}
		if n > 0 {
			slog.Info("resumed runner watches", "count", n)
		}
		return nil
	})

	if opts.expireEvery > 0 {
		g.Go(func() error {
			t := time.NewTicker(opts.expireEvery)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					if _, err := deps.svc.ExpireOverdue(gctx); err != nil && gctx.Err() == nil {
						slog.Error("expire overdue runner requests", "error", err.Error())
					}
				}
			}
		})
	}

	if deps.limiter != nil {
		g.Go(func() error {
			t := time.NewTicker(time.Minute)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case now := <-t.C:
					deps.limiter.Sweep(now)
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func newRouter(swaggerPath string, deps runnerAPIDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(deps.metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if deps.metrics != nil {
		r.Handle("/metrics", deps.metrics.Handler())
	}

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, swaggerPath)
	})
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger.json"),
	))

	runnersapi.New(deps.svc, deps.hub).WithLimiter(deps.limiter).Register(r)
	return r
}
