// Command logsink is a reference Log Bus consumer: it subscribes to every
// event published by the platform's services and persists them to a durable,
// hash-chained append log, exposing a small HTTP surface to query it. Log
// ingestion itself is out of scope for the platform proper; this exists as
// the corpus's own downstream-of-the-bus pattern and gives operators a place
// to go looking for history once messages have left the bus.
package main

import (
	"context"
	"encoding/json"
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
	"github.com/swarmguard/aiflow/internal/logsink"
	"github.com/swarmguard/aiflow/internal/otelinit"
)

func main() {
	service := "logsink"
	logger := logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)

	cfg := config.Load(os.Getenv("AIFLOW_ENV_FILE"))
	defer cfg.Close()
	settings := cfg.Current()

	sink, err := logsink.Open(logsink.Config{WALDir: settings.LogSinkWALDir})
	if err != nil {
		logger.Error("logsink open failed", "error", err)
		os.Exit(1)
	}
	defer sink.Close()

	nc, err := nats.Connect(settings.NATSURL, nats.Name("aiflow-logsink"))
	if err != nil {
		logger.Error("nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	sub, err := logbus.Subscribe(nc, "logsink-workers", func(_ context.Context, ev logbus.Event) {
		if _, err := sink.Append(ev.Service, ev.TaskID, ev.Level, ev.Message, ev.Fields); err != nil {
			logger.Error("append failed", "service", ev.Service, "error", err)
		}
	})
	if err != nil {
		logger.Error("logbus subscribe failed", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "chain_valid": sink.Verify()})
	})
	mux.HandleFunc("/api/v1/logs", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := logsink.QueryFilter{
			Service: q.Get("service"),
			TaskID:  q.Get("task_id"),
			Level:   q.Get("level"),
		}
		if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
			filter.Limit = limit
		}
		if start := q.Get("start_time"); start != "" {
			if t, err := time.Parse(time.RFC3339, start); err == nil {
				filter.StartTime = t
			}
		}
		if end := q.Get("end_time"); end != "" {
			if t, err := time.Parse(time.RFC3339, end); err == nil {
				filter.EndTime = t
			}
		}
		writeJSON(w, http.StatusOK, sink.Query(filter))
	})
	mux.HandleFunc("/api/v1/logs/latest", func(w http.ResponseWriter, r *http.Request) {
		entry, ok := sink.Latest()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "log is empty"})
			return
		}
		writeJSON(w, http.StatusOK, entry)
	})
	if h := otelinit.PrometheusHandler(); h != nil {
		mux.Handle("/metrics", h)
	}

	srv := &http.Server{Addr: ":" + strconv.Itoa(settings.LogSinkPort), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()
	logger.Info("service started", "port", settings.LogSinkPort, "wal_dir", strings.TrimSpace(settings.LogSinkWALDir))

	<-ctx.Done()
	logger.Info("shutdown initiated")
	ctxSd, cancelSd := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSd()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	logger.Info("shutdown complete")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
