package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental/table"
	"go.uber.org/zap"

	"github.com/woxQAQ/docbridge/internal/wasm"
	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// Config names the guest exports the bridge binds to.
type Config struct {
	Layout       Layout
	HookExport   string
	MallocExport string
	FreeExport   string
}

// DefaultConfig returns the export names of a LibreOfficeKit wasm build.
func DefaultConfig() Config {
	return Config{
		Layout:       Lok32(),
		HookExport:   "libreofficekit_hook",
		MallocExport: "malloc",
		FreeExport:   "free",
	}
}

// Bridge implements ForeignEngine on a wazero instance.
//
// Every vtable entry is re-read from guest memory and signature-checked
// against the function table on each call. A Bridge is not safe for
// concurrent use; the engine is single-threaded.
type Bridge struct {
	inst   *wasm.Instance
	mem    *wasm.Memory
	hook   api.Function
	layout Layout
	logger *zap.Logger

	// engine is remembered so document-level failures can fetch the
	// engine's error message.
	engine EngineHandle
}

var (
	_ ForeignEngine = (*Bridge)(nil)
	_ Verifier      = (*Bridge)(nil)
)

// New binds a bridge to inst.
func New(inst *wasm.Instance, cfg Config, logger *zap.Logger) (*Bridge, error) {
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if err := inst.RequireExports(cfg.HookExport, cfg.MallocExport, cfg.FreeExport); err != nil {
		return nil, err
	}
	mem, err := wasm.NewMemory(inst, cfg.MallocExport, cfg.FreeExport)
	if err != nil {
		return nil, err
	}
	hook, err := inst.Function(cfg.HookExport)
	if err != nil {
		return nil, err
	}
	return &Bridge{
		inst:   inst,
		mem:    mem,
		hook:   hook,
		layout: cfg.Layout,
		logger: logger.With(zap.String("component", "bridge"), zap.String("instance_id", inst.ID)),
	}, nil
}

// Memory exposes the allocator, mainly for leak checks.
func (b *Bridge) Memory() *wasm.Memory {
	return b.mem
}

func (b *Bridge) InitializeEngine(ctx context.Context, installPath string) (EngineHandle, error) {
	scope := b.mem.Scope()
	defer b.release(ctx, scope)

	path, err := scope.String(ctx, installPath)
	if err != nil {
		return 0, b.guestErr("initialize", err)
	}

	// Newer hooks take a user profile URL as second argument.
	args := []uint64{uint64(path)}
	if len(b.hook.Definition().ParamTypes()) == 2 {
		args = append(args, 0)
	}

	results, err := b.hook.Call(ctx, args...)
	if err != nil {
		return 0, &TrapError{Op: "initialize", Err: err}
	}
	eng := EngineHandle(uint32(results[0]))
	if eng == 0 {
		return 0, protocol.NewError(protocol.KindEngineInitFailed, "engine hook returned null for %s", installPath)
	}

	b.engine = eng
	b.logger.Debug("Engine initialized", zap.Uint32("handle", uint32(eng)))
	return eng, nil
}

func (b *Bridge) GetLastError(ctx context.Context, eng EngineHandle) (string, error) {
	if eng == 0 {
		return "", nil
	}
	fn, err := b.resolve(uint32(eng), b.layout.GetError)
	if err != nil || fn == nil {
		return "", err
	}
	results, err := fn.Call(ctx, uint64(eng))
	if err != nil {
		return "", &TrapError{Op: "getError", Err: err}
	}
	// The engine owns the returned string.
	msg, _ := b.mem.ReadString(uint32(results[0]))
	return msg, nil
}

func (b *Bridge) LoadDocument(ctx context.Context, eng EngineHandle, path, options string) (DocumentHandle, error) {
	if eng == 0 {
		return 0, protocol.NewError(protocol.KindDocumentLoadFailed, "engine not initialized")
	}

	scope := b.mem.Scope()
	defer b.release(ctx, scope)

	pathPtr, err := scope.String(ctx, path)
	if err != nil {
		return 0, b.guestErr("documentLoad", err)
	}

	var results []uint64
	withOptions, err := b.resolve(uint32(eng), b.layout.DocumentLoadWithOptions)
	if err != nil {
		return 0, err
	}
	if options != "" && withOptions != nil {
		optPtr, err := scope.String(ctx, options)
		if err != nil {
			return 0, b.guestErr("documentLoadWithOptions", err)
		}
		if results, err = withOptions.Call(ctx, uint64(eng), uint64(pathPtr), uint64(optPtr)); err != nil {
			return 0, &TrapError{Op: "documentLoadWithOptions", Err: err}
		}
	} else {
		load, err := b.resolve(uint32(eng), b.layout.DocumentLoad)
		if err != nil {
			return 0, err
		}
		if load == nil {
			return 0, protocol.NewError(protocol.KindDocumentLoadFailed, "engine has no documentLoad entry")
		}
		if results, err = load.Call(ctx, uint64(eng), uint64(pathPtr)); err != nil {
			return 0, &TrapError{Op: "documentLoad", Err: err}
		}
	}

	doc := DocumentHandle(uint32(results[0]))
	if doc == 0 {
		msg, err := b.GetLastError(ctx, eng)
		if err != nil {
			return 0, err
		}
		if msg == "" {
			msg = "engine returned no document"
		}
		return 0, protocol.NewError(protocol.KindDocumentLoadFailed, "%s", msg)
	}
	return doc, nil
}

func (b *Bridge) SaveDocumentAs(ctx context.Context, doc DocumentHandle, outPath, format, filterOptions string) error {
	if doc == 0 {
		return protocol.NewError(protocol.KindDocumentSaveFailed, "no document")
	}

	scope := b.mem.Scope()
	defer b.release(ctx, scope)

	urlPtr, err := scope.String(ctx, outPath)
	if err != nil {
		return b.guestErr("saveAs", err)
	}
	fmtPtr, err := scope.String(ctx, format)
	if err != nil {
		return b.guestErr("saveAs", err)
	}
	filterPtr, err := scope.OptionalString(ctx, filterOptions)
	if err != nil {
		return b.guestErr("saveAs", err)
	}

	save, err := b.resolve(uint32(doc), b.layout.SaveAs)
	if err != nil {
		return err
	}
	if save == nil {
		return protocol.NewError(protocol.KindDocumentSaveFailed, "document has no saveAs entry")
	}

	results, err := save.Call(ctx, uint64(doc), uint64(urlPtr), uint64(fmtPtr), uint64(filterPtr))
	if err != nil {
		return &TrapError{Op: "saveAs", Err: err}
	}
	if uint32(results[0]) == 0 {
		msg, err := b.GetLastError(ctx, b.engine)
		if err != nil {
			return err
		}
		if msg == "" {
			msg = fmt.Sprintf("engine could not save as %s", format)
		}
		return protocol.NewError(protocol.KindDocumentSaveFailed, "%s", msg)
	}
	return nil
}

func (b *Bridge) DestroyDocument(ctx context.Context, doc DocumentHandle) error {
	return b.destroy(ctx, uint32(doc), b.layout.DocumentDestroy)
}

func (b *Bridge) DestroyEngine(ctx context.Context, eng EngineHandle) error {
	if err := b.destroy(ctx, uint32(eng), b.layout.EngineDestroy); err != nil {
		return err
	}
	if eng == b.engine {
		b.engine = 0
	}
	return nil
}

// Verify resolves every engine slot against the function table and calls
// getError once. Document slots are checked when first used.
func (b *Bridge) Verify(ctx context.Context, eng EngineHandle) error {
	if eng == 0 {
		return protocol.NewError(protocol.KindEngineInitFailed, "engine not initialized")
	}
	slots := []Slot{b.layout.EngineDestroy, b.layout.DocumentLoad, b.layout.GetError, b.layout.DocumentLoadWithOptions}
	for _, s := range slots {
		if _, err := b.resolve(uint32(eng), s); err != nil {
			return err
		}
	}
	if fn, _ := b.resolve(uint32(eng), b.layout.DocumentLoad); fn == nil {
		return &ABIMismatchError{Slot: b.layout.DocumentLoad.Name, Reason: "required slot is null"}
	}
	if _, err := b.GetLastError(ctx, eng); err != nil {
		return err
	}
	b.logger.Debug("ABI verified", zap.String("abi", b.layout.ABI))
	return nil
}

func (b *Bridge) destroy(ctx context.Context, obj uint32, slot Slot) error {
	if obj == 0 {
		return nil
	}
	fn, err := b.resolve(obj, slot)
	if err != nil || fn == nil {
		return err
	}
	if _, err := fn.Call(ctx, uint64(obj)); err != nil {
		return &TrapError{Op: slot.Name, Err: err}
	}
	return nil
}

// resolve follows obj -> class -> slot and returns the function stored at
// that table index. A null class or slot resolves to nil without error.
func (b *Bridge) resolve(obj uint32, slot Slot) (api.Function, error) {
	class, err := b.mem.ReadPtr32(obj)
	if err != nil {
		return nil, &ABIMismatchError{Slot: slot.Name, Reason: err.Error()}
	}
	if class == 0 {
		return nil, nil
	}
	idx, err := b.mem.ReadPtr32(class + slot.Offset)
	if err != nil {
		return nil, &ABIMismatchError{Slot: slot.Name, Reason: err.Error()}
	}
	if idx == 0 {
		return nil, nil
	}
	return b.lookup(idx, slot)
}

// lookup converts table.LookupFunction's panics into errors.
func (b *Bridge) lookup(idx uint32, slot Slot) (fn api.Function, err error) {
	defer func() {
		if r := recover(); r != nil {
			fn = nil
			err = &ABIMismatchError{Slot: slot.Name, Index: idx, Reason: fmt.Sprint(r)}
		}
	}()
	return table.LookupFunction(b.inst.Module(), 0, idx, slot.Params, slot.Results), nil
}

func (b *Bridge) release(ctx context.Context, scope *wasm.Scope) {
	if err := scope.Release(context.WithoutCancel(ctx)); err != nil {
		b.logger.Warn("Failed to release guest allocations", zap.Error(err))
	}
}

// guestErr marks allocator traps as engine traps.
func (b *Bridge) guestErr(op string, err error) error {
	var callErr *wasm.GuestCallError
	if errors.As(err, &callErr) {
		return &TrapError{Op: op, Err: err}
	}
	return protocol.NewError(protocol.KindInternal, "%s: %v", op, err)
}
