package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/aiflow/internal/config"
	"github.com/swarmguard/aiflow/internal/logbus"
	"github.com/swarmguard/aiflow/internal/logging"
	"github.com/swarmguard/aiflow/internal/otelinit"
	"github.com/swarmguard/aiflow/internal/registry"
	"github.com/swarmguard/aiflow/internal/worker"
)

func main() {
	service := "worker"
	logger := logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)

	cfg := config.Load(os.Getenv("AIFLOW_ENV_FILE"))
	defer cfg.Close()
	settings := cfg.Current()

	nc, err := nats.Connect(settings.NATSURL, nats.Name("aiflow-worker-logbus"))
	if err != nil {
		logger.Error("logbus nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	bus := logbus.Open(nc, service, logger)

	allowedCommands := make(map[string]bool, len(settings.WorkerAllowedCommands))
	for _, c := range settings.WorkerAllowedCommands {
		if c = strings.TrimSpace(c); c != "" {
			allowedCommands[c] = true
		}
	}
	adapters := worker.NewAdapterTable(allowedCommands)

	w := worker.New(adapters, logger, bus)
	go w.Run(ctx)

	reg, err := registry.Open(settings.ConsulAddr, settings.RegistryMirrorPath, logger)
	if err != nil {
		logger.Error("registry open failed", "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	addr := worker.DiscoverExternalAddress(strings.Split(settings.ConsulAddr, ":")[0])
	workerID, err := worker.Register(reg, addr, settings.WorkerPort, settings.WorkerTaskTypes)
	if err != nil {
		logger.Error("worker registration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("registered with service registry", "worker_id", workerID, "address", addr, "port", settings.WorkerPort)

	srv := &http.Server{Addr: ":" + strconv.Itoa(settings.WorkerPort), Handler: w.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()
	logger.Info("service started", "port", settings.WorkerPort, "task_types", settings.WorkerTaskTypes)

	<-ctx.Done()
	logger.Info("shutdown initiated")
	if err := reg.Deregister(workerID); err != nil {
		logger.Warn("deregister failed", "error", err)
	}
	w.Shutdown(10 * time.Second)
	ctxSd, cancelSd := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSd()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	logger.Info("shutdown complete")
}
