package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/docbridge/internal/config"
	"github.com/woxQAQ/docbridge/internal/converter"
	"github.com/woxQAQ/docbridge/internal/engine"
	"github.com/woxQAQ/docbridge/internal/logging"
	"github.com/woxQAQ/docbridge/internal/wasm/wasmtest"
	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// engineDir lays out an engine directory around the fake wasm engine.
func engineDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine.wasm"), wasmtest.FakeEngine(), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "instdir", "program"), 0o755))
	manifest := "name: fake\nversion: 0.0.1\nwasm:\n  file: engine.wasm\n  vfs_image: instdir\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, engine.ManifestFile), []byte(manifest), 0o644))
	return dir
}

func testConfig(t *testing.T) *config.ServerConfig {
	t.Helper()
	return &config.ServerConfig{
		LogLevel: "debug",
		Engine:   config.EngineConfig{Path: engineDir(t)},
		Wasm:     config.WasmConfig{MemoryPages: 16, StagingDir: t.TempDir()},
		Host: config.HostConfig{
			Isolation:      "thread",
			InitTimeout:    30 * time.Second,
			ConvertTimeout: 30 * time.Second,
			DestroyTimeout: 2 * time.Second,
		},
		Pool: config.PoolConfig{Size: 2},
	}
}

func TestServiceEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	svc, err := New(cfg, "", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	assert.Equal(t, 2, svc.Stats().Total)
	assert.Equal(t, 2, svc.Stats().Idle)

	// The fake engine loads documents but never writes output.
	_, err = svc.Convert(ctx, []byte("hello"), converter.Options{OutputFormat: "pdf"}, "notes.txt")
	assert.ErrorIs(t, err, protocol.ErrDocumentSaveFailed)
	assert.Equal(t, 2, svc.Stats().Idle, "a document error keeps the host")

	_, err = svc.Convert(ctx, nil, converter.Options{OutputFormat: "pdf"}, "empty.txt")
	assert.ErrorIs(t, err, protocol.ErrInvalidInput)

	rec := httptest.NewRecorder()
	svc.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `docbridge_pool_conversions_total{result="document_save_failed"} 1`)
	assert.Contains(t, body, "go_goroutines")

	require.NoError(t, svc.Close(ctx))
	assert.Equal(t, 0, svc.Stats().Total)

	_, err = svc.Convert(ctx, []byte("late"), converter.Options{OutputFormat: "pdf"}, "late.txt")
	assert.ErrorIs(t, err, protocol.ErrPoolDestroyed)
}

func TestServiceStartBadEngine(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Path = filepath.Join(t.TempDir(), "missing")

	svc, err := New(cfg, "", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer svc.Close(context.Background())

	err = svc.Start(context.Background())
	assert.ErrorIs(t, err, protocol.ErrEngineInitFailed)
}

func TestConfigMapping(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Verbose = true
	cfg.Pool.RecycleAfter = 7
	cfg.Pool.ReplaceFailed = true

	hc := HostConfig(cfg)
	assert.Equal(t, cfg.Engine.Path, hc.EnginePath)
	assert.True(t, hc.Verbose)
	assert.Equal(t, 30*time.Second, hc.InitTimeout)
	assert.Equal(t, 2*time.Second, hc.DestroyTimeout)

	pc := PoolConfig(cfg)
	assert.Equal(t, 2, pc.Size)
	assert.Equal(t, 7, pc.RecycleAfter)
	assert.True(t, pc.ReplaceFailed)
	assert.Equal(t, hc, pc.Host)
}

func TestTransportFactory(t *testing.T) {
	cfg := testConfig(t)
	loader := NewLoader(cfg, nil, zaptest.NewLogger(t))

	factory, err := TransportFactory(cfg, "", loader)
	require.NoError(t, err)
	assert.Equal(t, "thread", factory("h", zaptest.NewLogger(t)).Kind())

	cfg.Host.Isolation = "process"
	cfg.Host.WorkerBinary = "/usr/local/bin/docbridge"
	factory, err = TransportFactory(cfg, "/etc/docbridge.yaml", loader)
	require.NoError(t, err)
	assert.Equal(t, "process", factory("h", zaptest.NewLogger(t)).Kind())

	cfg.Host.Isolation = "vm"
	_, err = TransportFactory(cfg, "", loader)
	assert.Error(t, err)
}

func TestWorkerArgs(t *testing.T) {
	assert.Equal(t, []string{"worker"}, WorkerArgs(""))
	assert.Equal(t, []string{"worker", "-config", "c.yaml"}, WorkerArgs("c.yaml"))
}

func TestRunWorker(t *testing.T) {
	cfg := testConfig(t)

	var in bytes.Buffer
	enc := protocol.NewEncoder(&in)
	require.NoError(t, enc.WriteRequest(&protocol.InitRequest{ID: "i", Payload: protocol.InitPayload{EnginePath: cfg.Engine.Path}}))
	require.NoError(t, enc.WriteRequest(&protocol.DestroyRequest{ID: "d"}))

	var out bytes.Buffer
	require.NoError(t, RunWorker(context.Background(), cfg, &in, &out, zaptest.NewLogger(t)))

	dec := protocol.NewDecoder(&out)
	var seen []string
	for {
		ev, err := dec.ReadEvent()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		switch e := ev.(type) {
		case *protocol.Ready:
			seen = append(seen, "ready")
		case *protocol.Response:
			assert.True(t, e.Success, "response %s failed: %v", e.ID, e.Err)
			seen = append(seen, e.ID)
		case *protocol.Fault:
			t.Fatalf("unexpected fault: %s", e.Reason)
		}
	}
	assert.Equal(t, "ready,i,d", strings.Join(seen, ","))
}

func TestLoggingOptionsWorkerSkipsLogFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogFile = filepath.Join(t.TempDir(), "docbridge.log")

	parent := LoggingOptions(cfg, false)
	assert.Equal(t, cfg.LogFile, parent.File)
	assert.True(t, parent.Development)

	opts := LoggingOptions(cfg, true)
	assert.Empty(t, opts.File)
	assert.Equal(t, "debug", opts.Level)

	var stderr bytes.Buffer
	opts.Console = &stderr
	logger, closeLog, err := logging.New(opts)
	require.NoError(t, err)

	var in, out bytes.Buffer
	require.NoError(t, RunWorker(context.Background(), cfg, &in, &out, logger))
	logger.Info("worker done")
	require.NoError(t, closeLog())

	_, err = os.Stat(cfg.LogFile)
	assert.True(t, os.IsNotExist(err), "worker must not open the log file, stat err = %v", err)
	assert.Contains(t, stderr.String(), "worker done")
}
