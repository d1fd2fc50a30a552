package engine

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/afero"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/woxQAQ/docbridge/internal/bridge"
	"github.com/woxQAQ/docbridge/internal/wasm"
	"github.com/woxQAQ/docbridge/internal/worker"
	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// LoaderConfig holds settings shared by every engine a Loader creates.
type LoaderConfig struct {
	// Cache is shared by all runtimes so only the first host compiles.
	Cache wazero.CompilationCache

	MemoryPages  uint32
	DebugEnabled bool

	// StagingDir is the parent of the per-engine scratch directories
	// mounted at the guest root. Defaults to the OS temp dir.
	StagingDir string
}

// Loader brings up wasm engines. Each Load gets its own wazero runtime,
// so no guest state is shared between hosts.
type Loader struct {
	cfg    LoaderConfig
	logger *zap.Logger
	base   *zap.Logger
}

var _ worker.Loader = (*Loader)(nil)

// NewLoader creates a new engine loader.
func NewLoader(cfg LoaderConfig, logger *zap.Logger) *Loader {
	return &Loader{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "engine-loader")),
		base:   logger,
	}
}

// Load parses the manifest at payload.EnginePath, instantiates the module
// and binds a bridge to it. The instance is ready when Load returns.
func (l *Loader) Load(ctx context.Context, payload protocol.InitPayload) (worker.Module, error) {
	manifest, err := ParseManifest(payload.EnginePath)
	if err != nil {
		return nil, err
	}
	bridgeCfg, err := manifest.BridgeConfig()
	if err != nil {
		return nil, err
	}

	l.logger.Info("Loading engine",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.String("abi", manifest.ABI),
	)

	m := &Module{manifest: manifest}
	ok := false
	defer func() {
		if !ok {
			_ = m.Close(context.WithoutCancel(ctx))
		}
	}()

	if m.staging, err = os.MkdirTemp(l.cfg.StagingDir, "docbridge-"); err != nil {
		return nil, &LoadError{EngineName: manifest.Name, Stage: "staging", Err: err}
	}

	m.runtime, err = wasm.NewRuntime(ctx, l.base, &wasm.RuntimeConfig{
		MemoryPages:  l.cfg.MemoryPages,
		DebugEnabled: l.cfg.DebugEnabled,
		Cache:        l.cfg.Cache,
	})
	if err != nil {
		return nil, &LoadError{EngineName: manifest.Name, Stage: "runtime", Err: err}
	}

	compiled, err := wasm.NewModuleLoader(m.runtime, l.base).LoadModuleFromFile(ctx, manifest.WasmPath())
	if err != nil {
		return nil, &LoadError{EngineName: manifest.Name, Stage: "compile", Err: err}
	}
	if missing, found := compiled.Exports(bridgeCfg.HookExport, bridgeCfg.MallocExport, bridgeCfg.FreeExport); !found {
		return nil, &LoadError{
			EngineName: manifest.Name,
			Stage:      "compile",
			Err:        &wasm.FunctionNotFoundError{ModuleName: compiled.Name, FunctionName: missing},
		}
	}

	guestLevel := zap.DebugLevel
	if payload.Verbose {
		guestLevel = zap.InfoLevel
	}
	guestLog := l.logger.With(zap.String("engine", manifest.Name))
	m.stdout = &zapio.Writer{Log: guestLog.With(zap.String("stream", "guest-stdout")), Level: guestLevel}
	m.stderr = &zapio.Writer{Log: guestLog.With(zap.String("stream", "guest-stderr")), Level: zap.WarnLevel}

	mounts := []wasm.Mount{{HostDir: m.staging, GuestPath: "/"}}
	if image := manifest.VFSImagePath(); image != "" {
		mounts = append(mounts, wasm.Mount{HostDir: image, GuestPath: "/instdir", ReadOnly: true})
	}

	m.instance, err = wasm.NewInstanceManager(m.runtime, wasm.NewHostFunctions(l.base), l.base).
		Instantiate(ctx, &wasm.InstanceConfig{
			ModuleName: compiled.Name,
			Mounts:     mounts,
			Stdout:     m.stdout,
			Stderr:     m.stderr,
			Env:        manifest.Env,
		})
	if err != nil {
		return nil, &LoadError{EngineName: manifest.Name, Stage: "instantiate", Err: err}
	}

	m.bridge, err = bridge.New(m.instance, bridgeCfg, l.base)
	if err != nil {
		return nil, &LoadError{EngineName: manifest.Name, Stage: "bind", Err: err}
	}
	m.fs = afero.NewBasePathFs(afero.NewOsFs(), m.staging)

	ok = true
	l.logger.Info("Engine loaded",
		zap.String("name", manifest.Name),
		zap.String("instance_id", m.instance.ID),
		zap.String("staging", m.staging),
	)
	return m, nil
}

// Module is a loaded engine. Its guest root is a private staging
// directory on the host.
type Module struct {
	manifest *Manifest
	staging  string
	runtime  *wasm.Runtime
	instance *wasm.Instance
	bridge   *bridge.Bridge
	fs       afero.Fs
	stdout   *zapio.Writer
	stderr   *zapio.Writer
}

var _ worker.Module = (*Module)(nil)

func (m *Module) Engine() bridge.ForeignEngine { return m.bridge }
func (m *Module) FS() afero.Fs                 { return m.fs }
func (m *Module) InstallPath() string          { return m.manifest.InstallPath }

// Manifest returns the parsed engine manifest.
func (m *Module) Manifest() *Manifest { return m.manifest }

// Bridge returns the bridge bound to the instance.
func (m *Module) Bridge() *bridge.Bridge { return m.bridge }

// Close tears down the instance and runtime and removes the staging
// directory. Safe on a partially loaded module.
func (m *Module) Close(ctx context.Context) error {
	var errs []error
	if m.instance != nil {
		errs = append(errs, m.instance.Close(ctx))
	}
	if m.runtime != nil {
		errs = append(errs, m.runtime.Close(ctx))
	}
	for _, w := range []*zapio.Writer{m.stdout, m.stderr} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	if m.staging != "" {
		errs = append(errs, os.RemoveAll(m.staging))
	}
	return errors.Join(errs...)
}
