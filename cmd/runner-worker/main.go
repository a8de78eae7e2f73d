package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/RunnerWatch/config"
)

func main() {
	paths, err := config.ResolvePaths("runner-worker", os.Args[1:])
	if err != nil {
		panic(err)
	}
	cfg, err := config.LoadConfig(paths.Config)
	if err != nil {
		panic(fmt.Sprintf("failed to parse config: %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = RunRunnerWorker(ctx, cfg, defaultWorkerFactories(), workerHTTPOpts{
		httpAddr:    cfg.RunnerWatch.WorkerHTTPAddr,
		swaggerPath: paths.Swagger,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
