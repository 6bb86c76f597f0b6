package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	osExec "os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/aiflow/internal/tss"
)

// InferenceFunc runs one task's inference and returns its raw output. The
// caller wraps the result/error into the standard SUCCESS/FAILED packet.
type InferenceFunc func(ctx context.Context, spec tss.ModelSpec, payload any, params any) (any, error)

// AdapterTable maps task_type to the inference function that executes it.
// New task types are added by registering another descriptor here, never by
// branching inside the inference loop.
type AdapterTable map[string]InferenceFunc

// NewAdapterTable builds the built-in adapter set: echo, http-model, script.
func NewAdapterTable(allowedCommands map[string]bool) AdapterTable {
	return AdapterTable{
		"echo":       echoAdapter,
		"http-model": httpModelAdapter,
		"script":     scriptAdapter(allowedCommands),
	}
}

// echoAdapter returns the payload unchanged, for local testing.
func echoAdapter(ctx context.Context, spec tss.ModelSpec, payload any, params any) (any, error) {
	return payload, nil
}

// httpModelAdapter forwards to model_spec.endpoint over HTTP — the
// production shape for a real model-serving backend.
func httpModelAdapter(ctx context.Context, spec tss.ModelSpec, payload any, params any) (any, error) {
	if spec.Endpoint == "" {
		return nil, fmt.Errorf("model spec has no endpoint")
	}

	tracer := otel.Tracer("aiflow/worker/adapters")
	ctx, span := tracer.Start(ctx, "http_model.invoke",
		trace.WithAttributes(attribute.String("model", spec.Name)))
	defer span.End()

	reqBody, err := json.Marshal(map[string]any{
		"model":            spec.Name,
		"version":          spec.Version,
		"payload":          payload,
		"inference_params": params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if spec.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+spec.APIKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model endpoint request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, fmt.Errorf("read model response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("model endpoint error %d: %s", resp.StatusCode, string(body))
	}

	var result any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			result = map[string]any{"raw": string(body)}
		}
	}
	return result, nil
}

// scriptAdapter shells out to a whitelisted local command, mirroring the
// teacher's shell-plugin allow-list idea. model_spec.name selects the
// command; payload.args (if present) is passed as arguments.
func scriptAdapter(allowed map[string]bool) InferenceFunc {
	return func(ctx context.Context, spec tss.ModelSpec, payload any, params any) (any, error) {
		command := spec.Name
		if command == "" {
			return nil, fmt.Errorf("script adapter requires model_spec.name")
		}
		if !allowed[command] {
			return nil, fmt.Errorf("command not allowed: %s", command)
		}

		var args []string
		if m, ok := payload.(map[string]any); ok {
			if raw, ok := m["args"].([]any); ok {
				for _, a := range raw {
					args = append(args, fmt.Sprintf("%v", a))
				}
			}
		}

		cmd := osExec.CommandContext(ctx, command, args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		}

		output := stdout.String()
		var result any
		if err := json.Unmarshal([]byte(output), &result); err != nil {
			result = map[string]any{"stdout": output, "stderr": stderr.String()}
		}
		return result, nil
	}
}
