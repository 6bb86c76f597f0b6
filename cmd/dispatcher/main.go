package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/aiflow/internal/config"
	"github.com/swarmguard/aiflow/internal/dispatcher"
	"github.com/swarmguard/aiflow/internal/logging"
	"github.com/swarmguard/aiflow/internal/otelinit"
	"github.com/swarmguard/aiflow/internal/registry"
	"github.com/swarmguard/aiflow/internal/taskqueue"
	"github.com/swarmguard/aiflow/internal/tss"
)

func main() {
	service := "dispatcher"
	logger := logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)

	cfg := config.Load(os.Getenv("AIFLOW_ENV_FILE"))
	defer cfg.Close()
	settings := cfg.Current()

	store, err := tss.Open(settings.TSSDBPath, otel.GetMeterProvider().Meter("aiflow"))
	if err != nil {
		logger.Error("tss open failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	queue, err := taskqueue.Open(settings.NATSURL)
	if err != nil {
		logger.Error("task queue open failed", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	reg, err := registry.Open(settings.ConsulAddr, settings.RegistryMirrorPath, logger)
	if err != nil {
		logger.Error("registry open failed", "error", err)
		os.Exit(1)
	}
	defer reg.Close()
	if err := reg.StartHealthResweep(settings.RegistryResweepSchedule); err != nil {
		logger.Error("registry resweep start failed", "error", err)
		os.Exit(1)
	}

	d := dispatcher.New(queue, reg, store, logger, otel.GetMeterProvider().Meter("aiflow"),
		settings.SchedulerMaxPending, settings.SchedulerRetryDelay)

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	logger.Info("service started")
	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil {
			logger.Error("dispatcher run exited", "error", err)
		}
	}

	logger.Info("shutdown initiated")
	d.Shutdown()
	ctxSd, cancelSd := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSd()
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	logger.Info("shutdown complete")
}
