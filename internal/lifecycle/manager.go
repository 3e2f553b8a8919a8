// Package lifecycle manages the local embedding backend for zero-config
// startup: detection, spawning, health checking, and model pulls.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	ragerr "github.com/coderag-io/coderag/internal/errors"
)

// Backend type identifiers.
type BackendType string

const (
	BackendNative        BackendType = "native"
	BackendContainerized BackendType = "containerized"
)

// GPU modes.
type GPUMode string

const (
	// GPUAuto probes for an accelerator and uses it when present.
	GPUAuto GPUMode = "auto"
	// GPUExplicit always requests the accelerator.
	GPUExplicit GPUMode = "explicit-accelerator"
	// GPUNone never requests an accelerator.
	GPUNone GPUMode = "none"
)

// Defaults for backend management.
const (
	DefaultBaseURL      = "http://localhost:11434"
	DefaultBackendImage = "ollama/ollama:latest"
	DefaultBinaryName   = "ollama"

	// DefaultHealthTimeout bounds the wait for a spawned backend.
	DefaultHealthTimeout = 30 * time.Second
	// DefaultHealthInterval is the wait-healthy polling cadence.
	DefaultHealthInterval = 250 * time.Millisecond

	// probeTimeout bounds a single health probe GET.
	probeTimeout = 3 * time.Second
	// showTimeout bounds the model metadata request.
	showTimeout = 5 * time.Second
	// pullTimeout bounds a streaming model pull.
	pullTimeout = 10 * time.Minute
	// execProbeTimeout bounds process-existence probes (runtime info,
	// accelerator probe).
	execProbeTimeout = 10 * time.Second
)

// Config enumerates the manager's options.
type Config struct {
	// Model is the embedding model to ensure.
	Model string

	// AutoStart enables starting a backend when none responds.
	AutoStart bool

	// AutoStop stops a backend we started when the engine tears down.
	AutoStop bool

	// BackendImage is the container image used when falling back to a
	// container runtime.
	BackendImage string

	// GPU selects accelerator handling for the container path.
	GPU GPUMode

	// HealthTimeout bounds the wait for a spawned backend to respond.
	HealthTimeout time.Duration

	// HealthInterval is the polling cadence while waiting.
	HealthInterval time.Duration

	// BaseURL is the backend API endpoint.
	BaseURL string
}

// BackendInfo describes the active backend. Singleton per Manager;
// transitions detect -> start -> healthy -> stop.
type BackendInfo struct {
	Type        BackendType
	BaseURL     string
	Process     *exec.Cmd // native, when we spawned it
	ContainerID string    // containerized, when we started it
	ManagedByUs bool
}

// PullProgress is one record of a streaming model pull.
type PullProgress struct {
	Status    string
	Completed int64
	Total     int64
}

// Manager detects, starts, and monitors a local embedding backend.
// It owns at most one child process or container; transitions are
// linearised behind a mutex.
type Manager struct {
	config Config
	client *http.Client

	mu      sync.Mutex
	backend *BackendInfo

	// Seams for testing.
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
	lookPath    func(file string) (string, error)
}

// NewManager creates a lifecycle manager.
func NewManager(cfg Config) *Manager {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.BackendImage == "" {
		cfg.BackendImage = DefaultBackendImage
	}
	if cfg.GPU == "" {
		cfg.GPU = GPUAuto
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}

	return &Manager{
		config:      cfg,
		client:      &http.Client{},
		execCommand: exec.CommandContext,
		lookPath:    exec.LookPath,
	}
}

// BaseURL returns the configured backend endpoint.
func (m *Manager) BaseURL() string {
	return m.config.BaseURL
}

// Backend returns the active backend info, or nil before EnsureRunning.
func (m *Manager) Backend() *BackendInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend
}

// IsRunning checks whether a backend responds at the configured
// base_url. A probe failure means "not running", never an error.
func (m *Manager) IsRunning(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, m.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode == http.StatusOK
}

// nativeInstalled checks whether the backend binary is discoverable.
func (m *Manager) nativeInstalled() (string, bool) {
	path, err := m.lookPath(DefaultBinaryName)
	if err != nil {
		return "", false
	}
	return path, true
}

// containerRuntime probes for an operational container runtime and
// returns its command name.
func (m *Manager) containerRuntime(ctx context.Context) (string, bool) {
	for _, runtimeCmd := range []string{"docker", "podman"} {
		if _, err := m.lookPath(runtimeCmd); err != nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, execProbeTimeout)
		err := m.execCommand(probeCtx, runtimeCmd, "info").Run()
		cancel()
		if err == nil {
			return runtimeCmd, true
		}
	}
	return "", false
}

// acceleratorAvailable probes for a usable GPU accelerator.
func (m *Manager) acceleratorAvailable(ctx context.Context) bool {
	if _, err := m.lookPath("nvidia-smi"); err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, execProbeTimeout)
	defer cancel()
	return m.execCommand(probeCtx, "nvidia-smi", "-L").Run() == nil
}

// EnsureRunning drives the ensure-running state machine: an already
// responding backend is adopted unmanaged; otherwise, with AutoStart,
// the native binary is spawned or a container is run, then health is
// awaited. With no path available the error carries installation
// instructions.
func (m *Manager) EnsureRunning(ctx context.Context) (*BackendInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, ragerr.Cancelled(err)
	}

	if m.IsRunning(ctx) {
		m.backend = &BackendInfo{
			Type:        BackendNative,
			BaseURL:     m.config.BaseURL,
			ManagedByUs: false,
		}
		slog.Debug("backend_adopted", slog.String("base_url", m.config.BaseURL))
		return m.backend, nil
	}

	if !m.config.AutoStart {
		return nil, ragerr.LifecycleError(ragerr.ErrCodeBackendHealth,
			fmt.Sprintf("no embedding backend responding at %s and auto_start is disabled", m.config.BaseURL), nil)
	}

	if path, ok := m.nativeInstalled(); ok {
		info, err := m.startNative(ctx, path)
		if err != nil {
			return nil, err
		}
		m.backend = info
		return info, nil
	}

	if runtimeCmd, ok := m.containerRuntime(ctx); ok {
		info, err := m.startContainer(ctx, runtimeCmd)
		if err != nil {
			return nil, err
		}
		m.backend = info
		return info, nil
	}

	return nil, ragerr.LifecycleError(ragerr.ErrCodeBackendAbsent,
		"no embedding backend available", nil).
		WithSuggestion(InstallInstructions())
}

// startNative spawns the backend binary detached and waits for health.
func (m *Manager) startNative(ctx context.Context, path string) (*BackendInfo, error) {
	// Deliberately not CommandContext: the server must outlive this call
	// and must not be torn down by request-scoped cancellation.
	cmd := exec.Command(path, "serve")
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, ragerr.LifecycleError(ragerr.ErrCodeBackendStart,
			fmt.Sprintf("failed to start %s serve", path), err)
	}

	// Reap in the background so the child never blocks parent exit.
	go func() { _ = cmd.Wait() }()

	slog.Info("backend_spawned",
		slog.String("binary", path),
		slog.Int("pid", cmd.Process.Pid))

	if err := m.waitHealthy(ctx); err != nil {
		return nil, err
	}

	return &BackendInfo{
		Type:        BackendNative,
		BaseURL:     m.config.BaseURL,
		Process:     cmd,
		ManagedByUs: true,
	}, nil
}

// startContainer runs the backend image and waits for health.
func (m *Manager) startContainer(ctx context.Context, runtimeCmd string) (*BackendInfo, error) {
	args := []string{"run", "-d", "--rm", "-p", "11434:11434"}

	useGPU := m.config.GPU == GPUExplicit ||
		(m.config.GPU == GPUAuto && m.acceleratorAvailable(ctx))
	if useGPU {
		args = append(args, "--gpus=all")
	}
	args = append(args, m.config.BackendImage)

	runCtx, cancel := context.WithTimeout(ctx, execProbeTimeout)
	defer cancel()

	var out bytes.Buffer
	cmd := m.execCommand(runCtx, runtimeCmd, args...)
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return nil, ragerr.LifecycleError(ragerr.ErrCodeBackendStart,
			fmt.Sprintf("failed to run backend container %s", m.config.BackendImage), err)
	}

	containerID := strings.TrimSpace(out.String())
	slog.Info("backend_container_started",
		slog.String("runtime", runtimeCmd),
		slog.String("container_id", containerID),
		slog.Bool("gpu", useGPU))

	if err := m.waitHealthy(ctx); err != nil {
		return nil, err
	}

	return &BackendInfo{
		Type:        BackendContainerized,
		BaseURL:     m.config.BaseURL,
		ContainerID: containerID,
		ManagedByUs: true,
	}, nil
}

// waitHealthy polls at HealthInterval until the backend responds or
// HealthTimeout elapses.
func (m *Manager) waitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(m.config.HealthTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return ragerr.Cancelled(err)
		}
		if m.IsRunning(ctx) {
			return nil
		}
		if time.Now().After(deadline) {
			return ragerr.LifecycleError(ragerr.ErrCodeBackendHealth,
				fmt.Sprintf("backend did not become healthy at %s within %s",
					m.config.BaseURL, m.config.HealthTimeout), nil)
		}

		select {
		case <-ctx.Done():
			return ragerr.Cancelled(ctx.Err())
		case <-time.After(m.config.HealthInterval):
		}
	}
}

// HasModel checks whether the model is present via a single metadata
// request.
func (m *Manager) HasModel(ctx context.Context, model string) (bool, error) {
	body, err := json.Marshal(map[string]string{"name": model})
	if err != nil {
		return false, ragerr.LifecycleError(ragerr.ErrCodeInternal, "marshal show request", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, showTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		m.config.BaseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return false, ragerr.LifecycleError(ragerr.ErrCodeInternal, "create show request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ragerr.Cancelled(ctx.Err())
		}
		return false, ragerr.LifecycleError(ragerr.ErrCodeBackendHealth,
			fmt.Sprintf("model metadata request to %s failed", m.config.BaseURL), err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return false, ragerr.LifecycleError(ragerr.ErrCodeBackendHealth,
			fmt.Sprintf("model metadata request failed with status %d: %s",
				resp.StatusCode, string(respBody)), nil)
	}
}

// EnsureModel checks for the model and issues a streaming pull when
// absent. The progress callback is invoked for every parsed record.
func (m *Manager) EnsureModel(ctx context.Context, model string, progress func(PullProgress)) error {
	if model == "" {
		model = m.config.Model
	}
	if model == "" {
		return ragerr.LifecycleError(ragerr.ErrCodeInvalidInput, "no model configured", nil)
	}

	has, err := m.HasModel(ctx, model)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	return m.pullModel(ctx, model, progress)
}

// pullModel streams the NDJSON pull response. Each record optionally
// carries {status, completed, total, error}; an error record fails the
// pull, unparseable lines are skipped.
func (m *Manager) pullModel(ctx context.Context, model string, progress func(PullProgress)) error {
	body, err := json.Marshal(map[string]any{"name": model, "stream": true})
	if err != nil {
		return ragerr.LifecycleError(ragerr.ErrCodeInternal, "marshal pull request", err)
	}

	pullCtx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pullCtx, http.MethodPost,
		m.config.BaseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return ragerr.LifecycleError(ragerr.ErrCodeInternal, "create pull request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ragerr.Cancelled(ctx.Err())
		}
		return ragerr.LifecycleError(ragerr.ErrCodeModelPull,
			fmt.Sprintf("failed to start pull of %s", model), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return ragerr.LifecycleError(ragerr.ErrCodeModelPull,
			fmt.Sprintf("pull of %s failed with status %d: %s", model, resp.StatusCode, string(respBody)), nil)
	}

	splitter := newLineSplitter(resp.Body)
	for {
		if err := ctx.Err(); err != nil {
			return ragerr.Cancelled(err)
		}

		line, err := splitter.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return ragerr.LifecycleError(ragerr.ErrCodeModelPull, "error reading pull stream", err)
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var record struct {
			Status    string `json:"status"`
			Completed int64  `json:"completed"`
			Total     int64  `json:"total"`
			Error     string `json:"error"`
		}
		if err := json.Unmarshal(line, &record); err != nil {
			continue // skip unparseable lines
		}
		if record.Error != "" {
			return ragerr.LifecycleError(ragerr.ErrCodeModelPull,
				fmt.Sprintf("pull of %s failed: %s", model, record.Error), nil)
		}

		if progress != nil {
			progress(PullProgress{
				Status:    record.Status,
				Completed: record.Completed,
				Total:     record.Total,
			})
		}
	}
}

// Stop terminates the owned backend, if any. Errors during termination
// are swallowed: the backend may already be gone. Backends we did not
// start are left running.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend == nil {
		return
	}
	if !m.backend.ManagedByUs {
		// Release the handle but leave the backend running.
		m.backend = nil
		return
	}

	switch m.backend.Type {
	case BackendNative:
		if m.backend.Process != nil && m.backend.Process.Process != nil {
			_ = m.backend.Process.Process.Kill()
		}
	case BackendContainerized:
		if m.backend.ContainerID != "" {
			if runtimeCmd, ok := m.containerRuntime(ctx); ok {
				stopCtx, cancel := context.WithTimeout(ctx, execProbeTimeout)
				_ = m.execCommand(stopCtx, runtimeCmd, "stop", m.backend.ContainerID).Run()
				cancel()
			}
		}
	}

	slog.Info("backend_stopped", slog.String("type", string(m.backend.Type)))
	m.backend = nil
}

// StopOnTeardown stops the owned backend only when AutoStop is
// configured. Engine teardown paths use this; explicit Stop is always
// honoured.
func (m *Manager) StopOnTeardown(ctx context.Context) {
	if !m.config.AutoStop {
		return
	}
	m.Stop(ctx)
}

// InstallInstructions returns platform-specific install instructions,
// attached to the failure when no backend path exists.
func InstallInstructions() string {
	switch runtime.GOOS {
	case "darwin":
		return `An embedding backend is required for semantic search.

Install options:
  1. Download from: https://ollama.com/download
  2. Or via Homebrew: brew install ollama

Then re-run your command.`
	case "linux":
		return `An embedding backend is required for semantic search.

Install:
  curl -fsSL https://ollama.com/install.sh | sh

Or run the container image: docker run -d -p 11434:11434 ollama/ollama

Then re-run your command.`
	default:
		return `An embedding backend is required for semantic search.

Download from: https://ollama.com/download

Then re-run your command.`
	}
}
