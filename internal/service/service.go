// Package service wires configuration into a running conversion pool.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/woxQAQ/docbridge/internal/config"
	"github.com/woxQAQ/docbridge/internal/converter"
	"github.com/woxQAQ/docbridge/internal/engine"
	"github.com/woxQAQ/docbridge/internal/formats"
	"github.com/woxQAQ/docbridge/internal/host"
	"github.com/woxQAQ/docbridge/internal/logging"
	"github.com/woxQAQ/docbridge/internal/pool"
	"github.com/woxQAQ/docbridge/internal/wasm"
	"github.com/woxQAQ/docbridge/internal/worker"
)

// WorkerCommand is the subcommand that runs a process-isolated worker.
const WorkerCommand = "worker"

// Service owns the pool and everything it shares between hosts.
type Service struct {
	cfg      *config.ServerConfig
	logger   *zap.Logger
	cache    wazero.CompilationCache
	formats  *formats.Registry
	registry *prometheus.Registry
	pool     *pool.Pool
}

// New builds a service from cfg. configPath is handed to worker
// processes so they load the same settings.
func New(cfg *config.ServerConfig, configPath string, logger *zap.Logger) (*Service, error) {
	cache, err := wasm.NewCompilationCache(cfg.Wasm.CacheDir)
	if err != nil {
		return nil, err
	}

	loader := NewLoader(cfg, cache, logger)
	factory, err := TransportFactory(cfg, configPath, loader)
	if err != nil {
		_ = cache.Close(context.Background())
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	formatRegistry := formats.NewDefaultRegistry(logger)
	p, err := pool.New(factory, PoolConfig(cfg), formatRegistry, registry, logger)
	if err != nil {
		_ = cache.Close(context.Background())
		return nil, err
	}

	return &Service{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "service")),
		cache:    cache,
		formats:  formatRegistry,
		registry: registry,
		pool:     p,
	}, nil
}

// Start brings up the configured number of hosts.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting conversion pool",
		zap.Int("size", s.cfg.Pool.Size),
		zap.String("isolation", s.cfg.Host.Isolation),
		zap.String("engine", s.cfg.Engine.Path),
	)
	return s.pool.Initialize(ctx, s.cfg.Pool.Size)
}

// Convert runs one conversion on the pool.
func (s *Service) Convert(ctx context.Context, input []byte, opts converter.Options, filename string) (*converter.Result, error) {
	return s.pool.Convert(ctx, input, opts, filename)
}

func (s *Service) Stats() pool.Stats { return s.pool.Stats() }

// Formats returns the output format registry.
func (s *Service) Formats() *formats.Registry { return s.formats }

// MetricsHandler serves the service's prometheus registry.
func (s *Service) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// Close destroys the pool and releases the compilation cache.
func (s *Service) Close(ctx context.Context) error {
	s.pool.Destroy(ctx)
	return s.cache.Close(ctx)
}

// HostConfig maps cfg onto per-host settings.
func HostConfig(cfg *config.ServerConfig) host.Config {
	return host.Config{
		EnginePath:     cfg.Engine.Path,
		Verbose:        cfg.Engine.Verbose,
		InitTimeout:    cfg.Host.InitTimeout,
		ConvertTimeout: cfg.Host.ConvertTimeout,
		DestroyTimeout: cfg.Host.DestroyTimeout,
	}
}

// PoolConfig maps cfg onto pool settings.
func PoolConfig(cfg *config.ServerConfig) pool.Config {
	return pool.Config{
		Size:          cfg.Pool.Size,
		RecycleAfter:  cfg.Pool.RecycleAfter,
		ReplaceFailed: cfg.Pool.ReplaceFailed,
		Host:          HostConfig(cfg),
	}
}

// LoggingOptions maps cfg onto logger settings. A worker process logs
// to stderr only: the parent captures that stream into its own log, so
// log_file has exactly one writer.
func LoggingOptions(cfg *config.ServerConfig, worker bool) logging.Options {
	opts := logging.Options{
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
		Development: cfg.LogLevel == "debug",
	}
	if worker {
		opts.File = ""
	}
	return opts
}

// NewLoader returns the wasm engine loader used by in-process hosts and
// by worker processes.
func NewLoader(cfg *config.ServerConfig, cache wazero.CompilationCache, logger *zap.Logger) *engine.Loader {
	return engine.NewLoader(engine.LoaderConfig{
		Cache:        cache,
		MemoryPages:  cfg.Wasm.MemoryPages,
		DebugEnabled: cfg.Wasm.Debug,
		StagingDir:   cfg.Wasm.StagingDir,
	}, logger)
}

// TransportFactory selects the isolation mode. Process isolation
// re-executes this binary (or host.worker_binary) as a worker.
func TransportFactory(cfg *config.ServerConfig, configPath string, loader worker.Loader) (host.TransportFactory, error) {
	switch cfg.Host.Isolation {
	case "", "thread":
		return host.NewThreadFactory(loader), nil
	case "process":
		binary := cfg.Host.WorkerBinary
		if binary == "" {
			self, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("failed to locate worker binary: %w", err)
			}
			binary = self
		}
		return host.NewProcessFactory(binary, WorkerArgs(configPath), nil), nil
	default:
		return nil, fmt.Errorf("unknown isolation mode %q", cfg.Host.Isolation)
	}
}

// WorkerArgs returns the command line of a worker process.
func WorkerArgs(configPath string) []string {
	args := []string{WorkerCommand}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	return args
}

// RunWorker serves the worker protocol on r and w until the parent
// destroys the host or closes the stream.
func RunWorker(ctx context.Context, cfg *config.ServerConfig, r io.Reader, w io.Writer, logger *zap.Logger) error {
	cache, err := wasm.NewCompilationCache(cfg.Wasm.CacheDir)
	if err != nil {
		return err
	}
	defer cache.Close(context.WithoutCancel(ctx))

	wk := worker.New(NewLoader(cfg, cache, logger), logger)
	if err := worker.ServeStream(ctx, r, w, wk); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
