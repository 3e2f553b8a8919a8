package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ragerr "github.com/coderag-io/coderag/internal/errors"
)

// backendStub simulates the backend API surface.
type backendStub struct {
	srv       *httptest.Server
	healthy   bool
	models    map[string]bool
	pullLines []string
	pullCalls int
}

func newBackendStub(t *testing.T) *backendStub {
	t.Helper()
	stub := &backendStub{models: map[string]bool{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		if !stub.healthy {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"models": []}`))
	})
	mux.HandleFunc("/api/show", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		_ = readJSON(r, &req)
		if stub.models[req.Name] {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		http.Error(w, `{"error": "model not found"}`, http.StatusNotFound)
	})
	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		stub.pullCalls++
		flusher := w.(http.Flusher)
		for _, line := range stub.pullLines {
			_, _ = w.Write([]byte(line + "\n"))
			flusher.Flush()
		}
	})

	stub.srv = httptest.NewServer(mux)
	t.Cleanup(stub.srv.Close)
	return stub
}

func readJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// errNotFound stands in for exec.LookPath failures in tests.
var errNotFound = errors.New("executable file not found in $PATH")

func newTestManager(stub *backendStub, cfg Config) *Manager {
	cfg.BaseURL = stub.srv.URL
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = 500 * time.Millisecond
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 10 * time.Millisecond
	}
	return NewManager(cfg)
}

func TestManager_IsRunning(t *testing.T) {
	stub := newBackendStub(t)
	m := newTestManager(stub, Config{})

	assert.False(t, m.IsRunning(context.Background()))

	stub.healthy = true
	assert.True(t, m.IsRunning(context.Background()))
}

func TestManager_EnsureRunning_AdoptsRunningBackend(t *testing.T) {
	// Given: a backend already responding at base_url
	stub := newBackendStub(t)
	stub.healthy = true
	m := newTestManager(stub, Config{AutoStart: false})

	// When: ensure_running
	info, err := m.EnsureRunning(context.Background())
	require.NoError(t, err)

	// Then: adopted as native and unmanaged
	assert.Equal(t, BackendNative, info.Type)
	assert.False(t, info.ManagedByUs)
	assert.Equal(t, stub.srv.URL, info.BaseURL)
}

func TestManager_EnsureRunning_AutoStartDisabledFails(t *testing.T) {
	stub := newBackendStub(t)
	m := newTestManager(stub, Config{AutoStart: false})

	_, err := m.EnsureRunning(context.Background())

	require.Error(t, err)
	assert.Equal(t, ragerr.KindLifecycle, ragerr.KindOf(err))
	assert.Contains(t, err.Error(), "auto_start")
}

func TestManager_EnsureRunning_NoBackendEmitsInstallInstructions(t *testing.T) {
	// Given: no running backend, no binary, no container runtime
	stub := newBackendStub(t)
	m := newTestManager(stub, Config{AutoStart: true})
	m.lookPath = func(string) (string, error) { return "", errNotFound }

	_, err := m.EnsureRunning(context.Background())

	require.Error(t, err)
	var re *ragerr.RagError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ragerr.ErrCodeBackendAbsent, re.Code)
	assert.Contains(t, re.Suggestion, "embedding backend is required")
}

func TestManager_WaitHealthy_TimeoutNamesBaseURL(t *testing.T) {
	stub := newBackendStub(t) // never healthy
	m := newTestManager(stub, Config{
		HealthTimeout:  50 * time.Millisecond,
		HealthInterval: 10 * time.Millisecond,
	})

	err := m.waitHealthy(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), stub.srv.URL)
}

func TestManager_HasModel(t *testing.T) {
	stub := newBackendStub(t)
	stub.healthy = true
	stub.models["qwen3-embedding:0.6b"] = true
	m := newTestManager(stub, Config{})

	has, err := m.HasModel(context.Background(), "qwen3-embedding:0.6b")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = m.HasModel(context.Background(), "missing-model")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestManager_EnsureModel_PresentModelSkipsPull(t *testing.T) {
	stub := newBackendStub(t)
	stub.healthy = true
	stub.models["m1"] = true
	m := newTestManager(stub, Config{})

	require.NoError(t, m.EnsureModel(context.Background(), "m1", nil))
	assert.Zero(t, stub.pullCalls)
}

func TestManager_EnsureModel_StreamsPullProgress(t *testing.T) {
	// Given: a pull stream with two records
	stub := newBackendStub(t)
	stub.healthy = true
	stub.pullLines = []string{
		`{"status":"downloading","completed":50,"total":100}`,
		`{"status":"verifying","completed":100,"total":100}`,
	}
	m := newTestManager(stub, Config{})

	// When: ensuring an absent model
	var seen []PullProgress
	err := m.EnsureModel(context.Background(), "new-model", func(p PullProgress) {
		seen = append(seen, p)
	})

	// Then: success, and the callback fired exactly twice with those values
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, PullProgress{Status: "downloading", Completed: 50, Total: 100}, seen[0])
	assert.Equal(t, PullProgress{Status: "verifying", Completed: 100, Total: 100}, seen[1])
}

func TestManager_EnsureModel_ErrorRecordFailsPull(t *testing.T) {
	stub := newBackendStub(t)
	stub.healthy = true
	stub.pullLines = []string{
		`{"status":"downloading","completed":10,"total":100}`,
		`{"error":"manifest not found"}`,
	}
	m := newTestManager(stub, Config{})

	err := m.EnsureModel(context.Background(), "broken-model", nil)

	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeModelPull, ragerr.GetCode(err))
	assert.Contains(t, err.Error(), "manifest not found")
}

func TestManager_EnsureModel_SkipsUnparseableLines(t *testing.T) {
	stub := newBackendStub(t)
	stub.healthy = true
	stub.pullLines = []string{
		`this is not json`,
		`{"status":"success"}`,
	}
	m := newTestManager(stub, Config{})

	var seen []PullProgress
	err := m.EnsureModel(context.Background(), "m", func(p PullProgress) {
		seen = append(seen, p)
	})

	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, "success", seen[0].Status)
}

func TestManager_Stop_UnmanagedBackendLeftRunning(t *testing.T) {
	stub := newBackendStub(t)
	stub.healthy = true
	m := newTestManager(stub, Config{})

	_, err := m.EnsureRunning(context.Background())
	require.NoError(t, err)

	m.Stop(context.Background())

	// The stub still answers: nothing was terminated.
	assert.True(t, m.IsRunning(context.Background()))
	assert.Nil(t, m.Backend())
}
