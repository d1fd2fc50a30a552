package wasm

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/emscripten"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// InstanceManager creates and manages module instances.
//
// Host modules (WASI, the "host" namespace, emscripten's "env") can only be
// instantiated once per runtime, so the manager tracks which are present.
type InstanceManager struct {
	runtime   *Runtime
	logger    *zap.Logger
	hostFuncs *HostFunctionsImpl

	mu        sync.Mutex
	hostReady map[string]bool
}

// NewInstanceManager creates a new instance manager.
func NewInstanceManager(runtime *Runtime, hostFuncs *HostFunctionsImpl, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime:   runtime,
		hostFuncs: hostFuncs,
		logger:    logger.With(zap.String("component", "wasm-instance")),
		hostReady: make(map[string]bool),
	}
}

// Mount exposes a host directory inside the guest filesystem.
type Mount struct {
	HostDir   string
	GuestPath string
	ReadOnly  bool
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Module name to instantiate.
	ModuleName string

	// Instance ID (if empty, generates UUID).
	InstanceID string

	// Directories visible to the guest through WASI.
	Mounts []Mount

	// Guest stdout and stderr. Discarded when nil.
	Stdout io.Writer
	Stderr io.Writer

	// Environment variables visible to the guest.
	Env map[string]string
}

// Instance represents an instantiated Wasm module.
type Instance struct {
	module api.Module

	ID        string
	Name      string
	CreatedAt int64

	runtime   *Runtime
	closeOnce sync.Once
	closeErr  error
}

// Instantiate creates a new instance from a compiled module.
// Reactor modules have their "_initialize" export run before this returns,
// so a returned instance is ready to be called.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	m.logger.Debug("Instantiating Wasm module",
		zap.String("module", config.ModuleName),
		zap.String("instance_id", instanceID),
	)

	if err := m.ensureHostModules(ctx, compiled); err != nil {
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	fsConfig := wazero.NewFSConfig()
	for _, mnt := range config.Mounts {
		if mnt.ReadOnly {
			fsConfig = fsConfig.WithReadOnlyDirMount(mnt.HostDir, mnt.GuestPath)
		} else {
			fsConfig = fsConfig.WithDirMount(mnt.HostDir, mnt.GuestPath)
		}
	}

	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithFSConfig(fsConfig).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader).
		WithStartFunctions("_initialize")
	if config.Stdout != nil {
		moduleConfig = moduleConfig.WithStdout(config.Stdout)
	}
	if config.Stderr != nil {
		moduleConfig = moduleConfig.WithStderr(config.Stderr)
	}
	for k, v := range config.Env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	instance := &Instance{
		module:    module,
		ID:        instanceID,
		Name:      config.ModuleName,
		CreatedAt: time.Now().Unix(),
		runtime:   m.runtime,
	}

	m.runtime.StoreInstance(instance)

	m.logger.Info("Module instantiated",
		zap.String("instance_id", instanceID),
		zap.Int("exported_functions", len(module.ExportedFunctionDefinitions())),
	)

	return instance, nil
}

// ensureHostModules instantiates the host modules the guest imports.
func (m *InstanceManager) ensureHostModules(ctx context.Context, compiled *CompiledModule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.runtime.runtime

	if compiled.ImportsModule(wasi_snapshot_preview1.ModuleName) && !m.hostReady[wasi_snapshot_preview1.ModuleName] {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
			return fmt.Errorf("failed to instantiate WASI: %w", err)
		}
		m.hostReady[wasi_snapshot_preview1.ModuleName] = true
	}

	if compiled.ImportsModule(HostModuleName) && !m.hostReady[HostModuleName] {
		builder := m.hostFuncs.Export(r.NewHostModuleBuilder(HostModuleName))
		if _, err := builder.Instantiate(ctx); err != nil {
			return fmt.Errorf("failed to instantiate host module: %w", err)
		}
		m.hostReady[HostModuleName] = true
	}

	if compiled.ImportsModule("env") && !m.hostReady["env"] {
		if _, err := emscripten.InstantiateForModule(ctx, r, compiled.Module); err != nil {
			return fmt.Errorf("failed to instantiate emscripten env: %w", err)
		}
		m.hostReady["env"] = true
	}

	return nil
}

// Module returns the underlying wazero module.
func (i *Instance) Module() api.Module {
	return i.module
}

// Function returns an exported function.
func (i *Instance) Function(name string) (api.Function, error) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, &FunctionNotFoundError{ModuleName: i.Name, FunctionName: name}
	}
	return fn, nil
}

// RequireExports fails with FunctionNotFoundError on the first missing name.
func (i *Instance) RequireExports(names ...string) error {
	for _, name := range names {
		if _, err := i.Function(name); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the instance and releases resources.
// Safe to call multiple times.
func (i *Instance) Close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		i.closeErr = i.module.Close(ctx)
		if i.runtime != nil {
			i.runtime.DeleteInstance(i.ID)
		}
	})
	return i.closeErr
}
