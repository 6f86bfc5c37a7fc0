package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"agent-scheduler/internal/config"
	"agent-scheduler/internal/services/monitor"

	"go.uber.org/zap"
)

// maxOutput bounds the output kept from a single invocation.
const maxOutput = 64 * 1024

// RegisterBuiltins installs the agents shipped with the service.
func RegisterBuiltins(r *Registry, cfg config.AgentsConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	builtins := []struct {
		agentType string
		handler   Handler
		desc      Descriptor
		enabled   bool
	}{
		{"noop", HandlerFunc(noop), noopDescriptor, true},
		{"webhook", &Webhook{Client: &http.Client{Timeout: cfg.Webhook.Timeout}}, webhookDescriptor, true},
		{"system_monitor", &SystemMonitor{Sampler: monitor.Sampler{Paths: cfg.SystemMonitor.Paths}}, systemMonitorDescriptor, true},
		{"shell", &Shell{Allowed: cfg.Shell.Allowed}, shellDescriptor, cfg.Shell.Enabled},
	}
	for _, b := range builtins {
		if !b.enabled {
			logger.Info("agent disabled", zap.String("agentType", b.agentType))
			continue
		}
		if err := r.Register(b.agentType, b.handler, b.desc); err != nil {
			return err
		}
		logger.Debug("agent registered", zap.String("agentType", b.agentType))
	}
	return nil
}

var noopDescriptor = Descriptor{
	DisplayName: "No-op",
	Icon:        "circle",
	Description: "Completes immediately. Useful for testing schedules.",
	ConfigSchema: []ConfigField{
		{Name: "message", Type: FieldString, Description: "Echoed back as output"},
	},
}

func noop(ctx context.Context, cfg map[string]interface{}) (Result, error) {
	msg, _ := cfg["message"].(string)
	return Result{Output: msg}, ctx.Err()
}

var shellDescriptor = Descriptor{
	DisplayName: "Shell Command",
	Icon:        "terminal",
	Description: "Runs a command through the system shell.",
	ConfigSchema: []ConfigField{
		{Name: "command", Type: FieldString, Required: true, Description: "Command line to run"},
		{Name: "workdir", Type: FieldString, Description: "Working directory"},
	},
}

// Shell runs a command line. The process is killed when ctx is done.
// With an allowlist the line is split on whitespace and executed directly,
// so shell operators and expansions are passed through as plain arguments.
type Shell struct {
	Allowed []string
}

func (s *Shell) Invoke(ctx context.Context, cfg map[string]interface{}) (Result, error) {
	command, _ := cfg["command"].(string)
	if strings.TrimSpace(command) == "" {
		return Result{}, &Failure{Code: "invalid_config", Message: "command is empty"}
	}

	var cmd *exec.Cmd
	if len(s.Allowed) > 0 {
		// an allowlist only holds when no shell interprets the line
		fields := strings.Fields(command)
		exe := filepath.Base(fields[0])
		if !contains(s.Allowed, exe) {
			return Result{}, &Failure{Code: "forbidden", Message: exe + " is not an allowed command"}
		}
		cmd = exec.CommandContext(ctx, fields[0], fields[1:]...)
	} else if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	if dir, _ := cfg["workdir"].(string); dir != "" {
		cmd.Dir = dir
	}
	// children of the shell may keep the output pipe open after a kill
	cmd.WaitDelay = time.Second

	output, err := cmd.CombinedOutput()
	result := Result{Output: truncate(string(output))}
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, &Failure{Code: "exit", Message: strings.TrimSpace(result.Output), Err: err}
	}
	return result, nil
}

var webhookDescriptor = Descriptor{
	DisplayName: "Webhook",
	Icon:        "globe",
	Description: "Sends the configured payload to an HTTP endpoint.",
	ConfigSchema: []ConfigField{
		{Name: "url", Type: FieldString, Required: true, Description: "Target URL"},
		{Name: "method", Type: FieldString, Default: http.MethodPost, Options: []string{http.MethodGet, http.MethodPost, http.MethodPut}},
		{Name: "headers", Type: FieldObject, Description: "Extra request headers"},
		{Name: "payload", Type: FieldObject, Description: "JSON body"},
	},
}

// Webhook posts a JSON payload. Non-2xx responses are failures.
type Webhook struct {
	Client *http.Client
}

func (w *Webhook) Invoke(ctx context.Context, cfg map[string]interface{}) (Result, error) {
	url, _ := cfg["url"].(string)
	if url == "" {
		return Result{}, &Failure{Code: "invalid_config", Message: "url is empty"}
	}
	method, _ := cfg["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if payload, ok := cfg["payload"]; ok && method != http.MethodGet {
		data, err := json.Marshal(payload)
		if err != nil {
			return Result{}, &Failure{Code: "invalid_config", Message: "payload is not JSON", Err: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Result{}, &Failure{Code: "invalid_config", Message: "bad request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := cfg["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &Failure{Code: "transport", Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxOutput))
	result := Result{
		Output: string(data),
		Data:   map[string]interface{}{"status": resp.StatusCode},
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, &Failure{Code: "http_status", Message: fmt.Sprintf("%s %s returned %d", method, url, resp.StatusCode)}
	}
	return result, nil
}

var systemMonitorDescriptor = Descriptor{
	DisplayName: "System Monitor",
	Icon:        "activity",
	Description: "Samples host CPU, memory and disk usage and fails when a threshold is crossed.",
	ConfigSchema: []ConfigField{
		{Name: "cpuThreshold", Type: FieldNumber, Description: "CPU usage percent"},
		{Name: "memoryThreshold", Type: FieldNumber, Description: "Memory usage percent"},
		{Name: "diskThreshold", Type: FieldNumber, Description: "Disk usage percent"},
	},
}

type SystemMonitor struct {
	Sampler monitor.Sampler
}

func (m *SystemMonitor) Invoke(ctx context.Context, cfg map[string]interface{}) (Result, error) {
	snap, err := m.Sampler.Take(ctx)
	if err != nil {
		return Result{}, err
	}
	data := map[string]interface{}{
		"cpuPercent":    snap.CPU.UsagePercent,
		"memoryPercent": snap.Memory.UsedPercent,
		"hostname":      snap.Host.Hostname,
		"sampledAt":     snap.At.Format(time.RFC3339),
	}
	result := Result{Data: data}

	var breaches []string
	if limit, ok := number(cfg["cpuThreshold"]); ok && snap.CPU.UsagePercent > limit {
		breaches = append(breaches, fmt.Sprintf("cpu %.1f%% > %.1f%%", snap.CPU.UsagePercent, limit))
	}
	if limit, ok := number(cfg["memoryThreshold"]); ok && snap.Memory.UsedPercent > limit {
		breaches = append(breaches, fmt.Sprintf("memory %.1f%% > %.1f%%", snap.Memory.UsedPercent, limit))
	}
	if limit, ok := number(cfg["diskThreshold"]); ok {
		for _, d := range snap.Disk {
			if d.UsedPercent > limit {
				breaches = append(breaches, fmt.Sprintf("disk %s %.1f%% > %.1f%%", d.Path, d.UsedPercent, limit))
			}
		}
	}
	result.Output = fmt.Sprintf("cpu %.1f%%, memory %.1f%%", snap.CPU.UsagePercent, snap.Memory.UsedPercent)
	if len(breaches) > 0 {
		return result, &Failure{Code: "threshold", Message: strings.Join(breaches, "; ")}
	}
	return result, nil
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput]
}
