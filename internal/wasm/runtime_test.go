package wasm

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/docbridge/internal/wasm/wasmtest"
)

// startEngine loads and instantiates the fake engine in a runtime built
// from cfg.
func startEngine(t *testing.T, cfg *RuntimeConfig) (*Runtime, *Instance) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, cfg)
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	t.Cleanup(func() { runtime.Close(ctx) })

	if _, err := NewModuleLoader(runtime, logger).LoadModuleFromMemory(ctx, "engine", wasmtest.FakeEngine()); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	inst, err := NewInstanceManager(runtime, NewHostFunctions(logger), logger).
		Instantiate(ctx, &InstanceConfig{ModuleName: "engine"})
	if err != nil {
		t.Fatalf("instantiate failed: %v", err)
	}
	return runtime, inst
}

func liveAllocs(t *testing.T, inst *Instance) uint64 {
	t.Helper()
	res, err := inst.Module().ExportedFunction("live_allocs").Call(context.Background())
	if err != nil {
		t.Fatalf("live_allocs failed: %v", err)
	}
	return res[0]
}

func TestDefaultRuntimeConfig(t *testing.T) {
	cfg := DefaultRuntimeConfig()
	if cfg.MemoryPages != 32768 {
		t.Errorf("MemoryPages = %d, want the 2GB engine heap", cfg.MemoryPages)
	}
	if cfg.DebugEnabled || cfg.Cache != nil || cfg.CacheDir != "" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestHostsShareCodeNotState(t *testing.T) {
	ctx := context.Background()
	cache, err := NewCompilationCache("")
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close(ctx)

	runtimeA, a := startEngine(t, &RuntimeConfig{MemoryPages: 16, Cache: cache})
	_, b := startEngine(t, &RuntimeConfig{MemoryPages: 16, Cache: cache})

	mem, err := NewMemory(a, "malloc", "free")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.AllocString(ctx, "/instdir/program"); err != nil {
		t.Fatalf("AllocString failed: %v", err)
	}

	if got := liveAllocs(t, a); got != 1 {
		t.Errorf("host A live_allocs = %d, want 1", got)
	}
	if got := liveAllocs(t, b); got != 0 {
		t.Errorf("host B saw host A's heap: live_allocs = %d", got)
	}

	// Retiring one host leaves the other and the shared cache usable.
	if err := runtimeA.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := liveAllocs(t, b); got != 0 {
		t.Errorf("host B live_allocs = %d after A closed", got)
	}
	startEngine(t, &RuntimeConfig{MemoryPages: 16, Cache: cache})
}

func TestCacheDirReusedAcrossRuntimes(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		_, inst := startEngine(t, &RuntimeConfig{MemoryPages: 16, CacheDir: dir})
		if got := liveAllocs(t, inst); got != 0 {
			t.Errorf("run %d: live_allocs = %d", i, got)
		}
	}
}

func TestCancelledCallClosesInstance(t *testing.T) {
	_, inst := startEngine(t, &RuntimeConfig{MemoryPages: 16})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fn := inst.Module().ExportedFunction("live_allocs")
	if _, err := fn.Call(ctx); err == nil {
		t.Fatal("call with a cancelled context should fail")
	}
	if _, err := fn.Call(context.Background()); err == nil {
		t.Error("instance should stay closed after a cancelled call")
	}
}

func TestRuntimeCloseReleasesInstances(t *testing.T) {
	ctx := context.Background()
	runtime, inst := startEngine(t, &RuntimeConfig{MemoryPages: 16})

	if runtime.IsClosed() {
		t.Fatal("new runtime reports closed")
	}
	if _, ok := runtime.GetInstance(inst.ID); !ok {
		t.Error("instance should be tracked by its runtime")
	}

	if err := runtime.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := runtime.Close(ctx); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if !runtime.IsClosed() {
		t.Error("runtime should report closed")
	}
	if _, err := inst.Module().ExportedFunction("live_allocs").Call(ctx); err == nil {
		t.Error("instance should be unusable once its runtime is closed")
	}
}

func TestErrorsUnwrapToCause(t *testing.T) {
	cause := errors.New("trap")
	cases := []error{
		&CompilationError{ModuleName: "engine", Err: cause},
		&InstantiationError{ModuleName: "engine", InstanceID: "h1", Err: cause},
		&MemoryAccessError{Operation: "read", Address: 8, Length: 4, Err: cause},
		&GuestCallError{FunctionName: "malloc", Err: cause},
	}
	for _, err := range cases {
		if !errors.Is(err, cause) {
			t.Errorf("%T does not unwrap to its cause", err)
		}
	}

	oom := &MemoryAccessError{Operation: "malloc", Length: 64, Err: ErrOutOfMemory}
	if !errors.Is(oom, ErrOutOfMemory) {
		t.Error("allocation failure should match ErrOutOfMemory")
	}
}
