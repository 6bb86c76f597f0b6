// Package config loads platform settings from the environment (optionally
// layered with a .env-style file), watches that file for changes via
// fsnotify, and publishes updates through an atomically-swapped pointer.
// There is no package-level mutable global: callers hold a *Watcher and
// call Current() explicitly, per the spec's "no hidden global state" note.
package config

import (
	"bufio"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Settings is the read-mostly configuration snapshot used across services.
type Settings struct {
	TaskTTL                time.Duration
	TaskMaxRetries         int
	TaskMaxWaitTime        time.Duration
	SchedulerMaxPending    int
	SchedulerRetryDelay    time.Duration
	LogBatchSize           int
	LogBatchTimeout        time.Duration
	APIGatewayAPIKeys      []string
	APIGatewayInternalKey  string
	NATSURL                string
	ConsulAddr             string
	TSSDBPath              string
	ObjectStoreRoot        string

	ICCPort                 int
	ICCInternalCallbackURL  string
	WorkerPort              int
	WorkerTaskTypes         []string
	WorkerAllowedCommands   []string
	RegistryMirrorPath      string
	TSSReaperSchedule       string
	RegistryResweepSchedule string
	LogSinkPort             int
	LogSinkWALDir           string

	Raw map[string]string
}

func defaults() Settings {
	return Settings{
		TaskTTL:               86400 * time.Second,
		TaskMaxRetries:        3,
		TaskMaxWaitTime:       120 * time.Second,
		SchedulerMaxPending:   2,
		SchedulerRetryDelay:   5 * time.Second,
		LogBatchSize:          50,
		LogBatchTimeout:       2 * time.Second,
		NATSURL:               "nats://127.0.0.1:4222",
		ConsulAddr:            "127.0.0.1:8500",
		TSSDBPath:             "./data/tss.db",
		ObjectStoreRoot:       "./data/objects",

		ICCPort:                 8080,
		ICCInternalCallbackURL:  "http://127.0.0.1:8080/api/v1/internal/task-callback",
		WorkerPort:              9090,
		WorkerTaskTypes:         []string{"echo"},
		RegistryMirrorPath:      "./data/registry_mirror.db",
		TSSReaperSchedule:       "@every 1m",
		RegistryResweepSchedule: "@every 30s",
		LogSinkPort:             9100,
		LogSinkWALDir:           "./data/logsink",

		Raw: map[string]string{},
	}
}

// Watcher owns the current Settings snapshot and, optionally, an fsnotify
// watch on an env file that triggers a reload-and-swap on mtime change.
type Watcher struct {
	current  atomic.Pointer[Settings]
	envFile  string
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
}

// Load builds a Watcher from the process environment, overlaying envFile if
// it exists, and starts a background watch for changes (best-effort: a
// missing file or failed watch never prevents startup).
func Load(envFile string) *Watcher {
	w := &Watcher{envFile: envFile, stopCh: make(chan struct{})}
	w.reload()

	if envFile == "" {
		return w
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watcher init failed", "error", err)
		return w
	}
	if err := fw.Add(envFile); err != nil {
		slog.Warn("config watch add failed", "file", envFile, "error", err)
		fw.Close()
		return w
	}
	w.watcher = fw
	go w.loop()
	return w
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	s := defaults()
	envOverlay(&s, os.Environ())

	if w.envFile != "" {
		if f, err := os.Open(w.envFile); err == nil {
			lines := readLines(f)
			f.Close()
			envOverlay(&s, lines)
		}
	}
	w.current.Store(&s)
	slog.Info("configuration loaded")
}

func readLines(f *os.File) []string {
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func envOverlay(s *Settings, kvLines []string) {
	for _, line := range kvLines {
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key, val := strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:])
		s.Raw[key] = val
		switch key {
		case "TASK_TTL":
			s.TaskTTL = durationSeconds(val, s.TaskTTL)
		case "TASK_MAX_RETRIES":
			s.TaskMaxRetries = intOr(val, s.TaskMaxRetries)
		case "TASK_MAX_WAIT_TIME":
			s.TaskMaxWaitTime = durationSeconds(val, s.TaskMaxWaitTime)
		case "SCHEDULER_MAX_PENDING_TASKS":
			s.SchedulerMaxPending = intOr(val, s.SchedulerMaxPending)
		case "SCHEDULER_RETRY_DELAY":
			s.SchedulerRetryDelay = durationSeconds(val, s.SchedulerRetryDelay)
		case "LOG_BATCH_SIZE":
			s.LogBatchSize = intOr(val, s.LogBatchSize)
		case "LOG_BATCH_TIMEOUT":
			s.LogBatchTimeout = durationSeconds(val, s.LogBatchTimeout)
		case "API_GATEWAY_API_KEYS":
			if val != "" {
				s.APIGatewayAPIKeys = strings.Split(val, ",")
			}
		case "API_GATEWAY_INTERNAL_KEY":
			s.APIGatewayInternalKey = val
		case "NATS_URL":
			s.NATSURL = val
		case "CONSUL_ADDR":
			s.ConsulAddr = val
		case "TSS_DB_PATH":
			s.TSSDBPath = val
		case "OBJECT_STORE_ROOT":
			s.ObjectStoreRoot = val
		case "ICC_PORT":
			s.ICCPort = intOr(val, s.ICCPort)
		case "ICC_INTERNAL_CALLBACK_URL":
			s.ICCInternalCallbackURL = val
		case "WORKER_PORT":
			s.WorkerPort = intOr(val, s.WorkerPort)
		case "WORKER_TASK_TYPES":
			if val != "" {
				s.WorkerTaskTypes = strings.Split(val, ",")
			}
		case "WORKER_ALLOWED_COMMANDS":
			if val != "" {
				s.WorkerAllowedCommands = strings.Split(val, ",")
			}
		case "REGISTRY_MIRROR_PATH":
			s.RegistryMirrorPath = val
		case "TSS_REAPER_SCHEDULE":
			s.TSSReaperSchedule = val
		case "REGISTRY_RESWEEP_SCHEDULE":
			s.RegistryResweepSchedule = val
		case "LOGSINK_PORT":
			s.LogSinkPort = intOr(val, s.LogSinkPort)
		case "LOGSINK_WAL_DIR":
			s.LogSinkWALDir = val
		}
	}
}

func intOr(v string, fallback int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func durationSeconds(v string, fallback time.Duration) time.Duration {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// Current returns the latest snapshot. Safe for concurrent use.
func (w *Watcher) Current() *Settings {
	return w.current.Load()
}

// Close stops the background watch, if any.
func (w *Watcher) Close() {
	close(w.stopCh)
	if w.watcher != nil {
		w.watcher.Close()
	}
}
