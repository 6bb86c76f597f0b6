package icc

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	aerrors "github.com/swarmguard/aiflow/internal/errors"
	"github.com/swarmguard/aiflow/internal/otelinit"
	"github.com/swarmguard/aiflow/internal/tss"
)

const tracerName = "aiflow/icc"

// maxFormMemory bounds the in-memory part of a parsed multipart form before
// ParseMultipartForm spills additional parts to temp files.
const maxFormMemory = 16 << 20

// Gateway wraps a Controller with its HTTP surface: public submission/status
// routes behind API-key middleware, the shared-secret-authenticated internal
// callback route, and the unauthenticated operational routes (health, stats,
// metrics).
type Gateway struct {
	ctl         *Controller
	apiKeys     map[string]bool
	internalKey string
	logger      *slog.Logger

	reqCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
	authDenied  metric.Int64Counter

	totalRequests atomic.Int64
	authDeniedLocal atomic.Int64
	started       time.Time
}

// NewGateway builds the ICC's HTTP surface.
func NewGateway(ctl *Controller, apiKeys []string, internalKey string, logger *slog.Logger, meter metric.Meter) *Gateway {
	keys := make(map[string]bool, len(apiKeys))
	for _, k := range apiKeys {
		if k != "" {
			keys[k] = true
		}
	}
	reqCounter, _ := meter.Int64Counter("aiflow_icc_requests_total")
	latencyHist, _ := meter.Float64Histogram("aiflow_icc_latency_ms")
	authDenied, _ := meter.Int64Counter("aiflow_icc_auth_denied_total")
	return &Gateway{ctl: ctl, apiKeys: keys, internalKey: internalKey, logger: logger,
		reqCounter: reqCounter, latencyHist: latencyHist, authDenied: authDenied, started: time.Now()}
}

// Mux builds the ICC's HTTP handler.
func (g *Gateway) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("/internal/stats", g.handleStats)
	if h := otelinit.PrometheusHandler(); h != nil {
		mux.Handle("/metrics", h)
	}
	mux.Handle("/objects/", http.StripPrefix("/objects/", g.ctl.ObjectsHandler()))

	mux.Handle("/api/v1/tasks_json", g.loggingMiddleware(g.authMiddleware(http.HandlerFunc(g.handleSubmitJSON))))
	mux.Handle("/api/v1/tasks_form", g.loggingMiddleware(g.authMiddleware(http.HandlerFunc(g.handleSubmitForm))))
	mux.Handle("/api/v1/tasks/", g.loggingMiddleware(g.authMiddleware(http.HandlerFunc(g.handleTaskRoutes))))
	mux.Handle("/api/v1/internal/task-callback", g.loggingMiddleware(http.HandlerFunc(g.handleInternalCallback)))

	return mux
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(g.apiKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		key, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || key == "" || !g.apiKeys[key] {
			g.authDenied.Add(r.Context(), 1)
			g.authDeniedLocal.Add(1)
			writeError(w, aerrors.New(aerrors.CodeInvalidAPIKey, ""))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := otel.Tracer(tracerName).Start(r.Context(), r.URL.Path)
		defer span.End()

		g.totalRequests.Add(1)
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		duration := float64(time.Since(start).Milliseconds())
		g.reqCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", r.URL.Path),
			attribute.Int("status", rw.status),
		))
		g.latencyHist.Record(ctx, duration, metric.WithAttributes(attribute.String("path", r.URL.Path)))
		g.logger.Info("request completed", "method", r.Method, "path", r.URL.Path, "status", rw.status, "duration_ms", duration)
	})
}

// handleSubmitJSON is POST /api/v1/tasks_json.
func (g *Gateway) handleSubmitJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, aerrors.New(aerrors.CodeInvalidJSON, err.Error()))
		return
	}

	taskID, aerr := g.ctl.Submit(r.Context(), req)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID, "status": "PENDING", "message": "task accepted"})
}

// handleSubmitForm is POST /api/v1/tasks_form: a multipart submission whose
// task_type/model_spec fields are required, payload/inference_params/
// callback are optional JSON-encoded fields, and files[] are uploaded to the
// Object Store and surfaced as payload.files.
func (g *Gateway) handleSubmitForm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		writeError(w, aerrors.New(aerrors.CodeInvalidRequest, err.Error()))
		return
	}

	taskType := r.FormValue("task_type")
	if taskType == "" {
		writeError(w, aerrors.New(aerrors.CodeInvalidTaskType, "task_type is required"))
		return
	}

	var modelSpec tss.ModelSpec
	rawSpec := r.FormValue("model_spec")
	if rawSpec == "" {
		writeError(w, aerrors.New(aerrors.CodeInvalidModelSpec, "model_spec is required"))
		return
	}
	if err := json.Unmarshal([]byte(rawSpec), &modelSpec); err != nil {
		writeError(w, aerrors.New(aerrors.CodeInvalidModelSpec, err.Error()))
		return
	}

	var payloadFields map[string]any
	if raw := r.FormValue("payload"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &payloadFields); err != nil {
			writeError(w, aerrors.New(aerrors.CodeInvalidPayload, err.Error()))
			return
		}
	}

	var inferenceParams any
	if raw := r.FormValue("inference_params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &inferenceParams); err != nil {
			writeError(w, aerrors.New(aerrors.CodeInvalidInferenceArgs, err.Error()))
			return
		}
	}

	var callback *tss.Callback
	if raw := r.FormValue("callback"); raw != "" {
		var cb tss.Callback
		if err := json.Unmarshal([]byte(raw), &cb); err != nil {
			writeError(w, aerrors.New(aerrors.CodeInvalidCallback, err.Error()))
			return
		}
		callback = &cb
	}

	var files []FormFile
	if r.MultipartForm != nil {
		for _, headers := range r.MultipartForm.File {
			for _, fh := range headers {
				f, err := fh.Open()
				if err != nil {
					writeError(w, aerrors.New(aerrors.CodeInvalidFileFormat, err.Error()))
					return
				}
				data, err := io.ReadAll(io.LimitReader(f, 64<<20))
				f.Close()
				if err != nil {
					writeError(w, aerrors.New(aerrors.CodeFileTooLarge, err.Error()))
					return
				}
				contentType := fh.Header.Get("Content-Type")
				if contentType == "" {
					contentType = "application/octet-stream"
				}
				files = append(files, FormFile{Filename: fh.Filename, ContentType: contentType, Data: data})
			}
		}
	}

	taskID, aerr := g.ctl.SubmitMultipart(r.Context(), taskType, modelSpec, payloadFields, inferenceParams, callback, files)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID, "status": "PENDING", "message": "task accepted"})
}

func (g *Gateway) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, aerrors.New(aerrors.CodeInvalidRequest, "missing task_id"))
		return
	}
	taskID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		rec, aerr := g.ctl.Get(taskID)
		if aerr != nil {
			writeError(w, aerr)
			return
		}
		writeJSON(w, http.StatusOK, rec)

	case len(parts) == 1 && r.Method == http.MethodDelete:
		if aerr := g.ctl.Delete(r.Context(), taskID); aerr != nil {
			writeError(w, aerr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "deleted"})

	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		rec, aerr := g.ctl.Get(taskID)
		if aerr != nil {
			writeError(w, aerr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "status": rec.Status,
			"created_at": rec.CreatedAt, "updated_at": rec.UpdatedAt})

	case len(parts) == 2 && parts[1] == "result" && r.Method == http.MethodGet:
		view, aerr := g.ctl.GetResult(r.Context(), taskID)
		if aerr != nil {
			writeError(w, aerr)
			return
		}
		status := http.StatusOK
		switch view.Status {
		case tss.StatusPending, tss.StatusProcessing:
			status = http.StatusAccepted
		case tss.StatusFailed:
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, view)

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (g *Gateway) handleInternalCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	auth := r.Header.Get("Authorization")
	if auth != "Bearer "+g.internalKey {
		writeError(w, aerrors.New(aerrors.CodeInvalidInternalKey, ""))
		return
	}

	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, aerrors.New(aerrors.CodeInvalidJSON, err.Error()))
		return
	}
	if req.TaskID == "" {
		writeError(w, aerrors.New(aerrors.CodeMissingParameter, "task_id"))
		return
	}

	if aerr := g.ctl.InternalCallback(r.Context(), req); aerr != nil {
		writeError(w, aerr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats is GET /internal/stats: unauthenticated-by-API-key (it is
// reachable only from inside the cluster in practice), exposing request and
// auth-denial counters the way the platform's other internal introspection
// endpoints do.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":    time.Since(g.started).Seconds(),
		"requests_total":    g.totalRequests.Load(),
		"auth_denied_total": g.authDeniedLocal.Load(),
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, aerr *aerrors.Error) {
	writeJSON(w, aerrors.HTTPStatus(aerr.Code), aerr)
}
