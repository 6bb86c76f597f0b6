package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/aiflow/internal/config"
	"github.com/swarmguard/aiflow/internal/icc"
	"github.com/swarmguard/aiflow/internal/logbus"
	"github.com/swarmguard/aiflow/internal/logging"
	"github.com/swarmguard/aiflow/internal/objectstore"
	"github.com/swarmguard/aiflow/internal/otelinit"
	"github.com/swarmguard/aiflow/internal/taskqueue"
	"github.com/swarmguard/aiflow/internal/tss"

	nats "github.com/nats-io/nats.go"
)

func main() {
	service := "icc"
	logger := logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, metrics := otelinit.InitMetrics(ctx, service)
	_ = metrics

	cfg := config.Load(os.Getenv("AIFLOW_ENV_FILE"))
	defer cfg.Close()
	settings := cfg.Current()

	store, err := tss.Open(settings.TSSDBPath, otel.GetMeterProvider().Meter("aiflow"))
	if err != nil {
		logger.Error("tss open failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	reaper, err := tss.StartReaper(store, settings.TSSReaperSchedule, logger)
	if err != nil {
		logger.Error("tss reaper start failed", "error", err)
		os.Exit(1)
	}
	defer reaper.Stop()

	queue, err := taskqueue.Open(settings.NATSURL)
	if err != nil {
		logger.Error("task queue open failed", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	objects, err := objectstore.New(settings.ObjectStoreRoot, "http://127.0.0.1:"+strconv.Itoa(settings.ICCPort)+"/objects")
	if err != nil {
		logger.Error("object store open failed", "error", err)
		os.Exit(1)
	}

	nc, err := nats.Connect(settings.NATSURL, nats.Name("aiflow-icc-logbus"))
	if err != nil {
		logger.Error("logbus nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	bus := logbus.Open(nc, service, logger)

	ctl := icc.New(store, queue, objects, bus, logger,
		settings.TaskTTL, settings.TaskMaxWaitTime, settings.TaskMaxRetries,
		settings.ICCInternalCallbackURL, settings.APIGatewayInternalKey)

	gateway := icc.NewGateway(ctl, settings.APIGatewayAPIKeys, settings.APIGatewayInternalKey, logger, otel.GetMeterProvider().Meter("aiflow"))

	srv := &http.Server{Addr: ":" + strconv.Itoa(settings.ICCPort), Handler: gateway.Mux()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()
	logger.Info("service started", "port", settings.ICCPort)

	<-ctx.Done()
	logger.Info("shutdown initiated")
	ctxSd, cancelSd := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSd()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	logger.Info("shutdown complete")
}
