// Package worker is the isolated side of a host: it owns one engine
// module and answers protocol requests one at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/woxQAQ/docbridge/internal/bridge"
	"github.com/woxQAQ/docbridge/internal/pipeline"
	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// Module is a loaded engine together with its filesystem.
type Module interface {
	Engine() bridge.ForeignEngine
	// FS is the host view of the guest filesystem rooted at "/".
	FS() afero.Fs
	// InstallPath is the guest path passed to InitializeEngine.
	InstallPath() string
	Close(ctx context.Context) error
}

// Loader loads an engine module.
type Loader interface {
	Load(ctx context.Context, payload protocol.InitPayload) (Module, error)
}

// EmitFunc delivers an event to the parent.
type EmitFunc func(protocol.Event) error

// errStop ends Serve after a fault was reported.
var errStop = errors.New("worker stopped")

// Worker handles requests for one engine instance.
type Worker struct {
	loader Loader
	logger *zap.Logger
	base   *zap.Logger

	module   Module
	engine   bridge.EngineHandle
	pipeline *pipeline.Pipeline
}

// New creates a worker.
func New(loader Loader, logger *zap.Logger) *Worker {
	return &Worker{
		loader: loader,
		logger: logger.With(zap.String("component", "worker")),
		base:   logger,
	}
}

// Serve handles requests until a destroy request, a fault, or the end of
// requests. ctx bounds every guest call; cancelling it aborts a running
// call.
func (w *Worker) Serve(ctx context.Context, requests <-chan protocol.Request, emit EmitFunc) error {
	defer w.shutdown(context.WithoutCancel(ctx))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-requests:
			if !ok {
				return nil
			}
			stop, err := w.handle(ctx, req, emit)
			if errors.Is(err, errStop) {
				return nil
			}
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	}
}

// handle processes one request. Panics and traps become a Fault event.
func (w *Worker) handle(ctx context.Context, req protocol.Request, emit EmitFunc) (stop bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Engine panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			if emitErr := emit(&protocol.Fault{Reason: fmt.Sprintf("panic: %v", r)}); emitErr != nil {
				err = emitErr
				return
			}
			err = errStop
		}
	}()

	var resp *protocol.Response
	switch r := req.(type) {
	case *protocol.InitRequest:
		resp, err = w.init(ctx, r, emit)
	case *protocol.ConvertRequest:
		resp, err = w.convert(ctx, r)
	case *protocol.DestroyRequest:
		w.shutdown(context.WithoutCancel(ctx))
		resp, stop = &protocol.Response{ID: r.ID, Success: true}, true
	default:
		return false, fmt.Errorf("unsupported request %T", req)
	}

	if bridge.IsTrap(err) {
		w.logger.Error("Engine trapped", zap.String("request_id", req.RequestID()), zap.Error(err))
		if emitErr := emit(&protocol.Fault{Reason: err.Error()}); emitErr != nil {
			return true, emitErr
		}
		return true, errStop
	}
	if err != nil {
		return true, err
	}
	return stop, emit(resp)
}

func (w *Worker) init(ctx context.Context, req *protocol.InitRequest, emit EmitFunc) (*protocol.Response, error) {
	if w.pipeline != nil {
		return &protocol.Response{ID: req.ID, Success: true}, nil
	}

	module, err := w.loader.Load(ctx, req.Payload)
	if err != nil {
		w.logger.Error("Failed to load engine module", zap.String("engine_path", req.Payload.EnginePath), zap.Error(err))
		return failure(req.ID, protocol.KindEngineInitFailed, err), nil
	}
	w.module = module

	engine := module.Engine()
	handle, err := engine.InitializeEngine(ctx, module.InstallPath())
	if err != nil {
		if bridge.IsTrap(err) {
			return nil, err
		}
		w.closeModule(ctx)
		return failure(req.ID, protocol.KindEngineInitFailed, err), nil
	}
	w.engine = handle

	if v, ok := engine.(bridge.Verifier); ok {
		if err := v.Verify(ctx, handle); err != nil {
			if bridge.IsTrap(err) {
				return nil, err
			}
			w.shutdown(ctx)
			return failure(req.ID, protocol.KindEngineInitFailed, err), nil
		}
	}

	w.pipeline = pipeline.New(engine, handle, module.FS(), w.base)
	if err := emit(&protocol.Ready{}); err != nil {
		return nil, err
	}
	w.logger.Info("Engine ready", zap.String("install_path", module.InstallPath()))
	return &protocol.Response{ID: req.ID, Success: true}, nil
}

func (w *Worker) convert(ctx context.Context, req *protocol.ConvertRequest) (*protocol.Response, error) {
	if w.pipeline == nil {
		return failure(req.ID, protocol.KindWasmNotInitialized, errors.New("engine not initialized")), nil
	}

	p := req.Payload
	data, err := w.pipeline.Run(ctx, pipeline.Job{
		Input:         p.Input,
		SourceExt:     p.SourceExt,
		TargetFormat:  p.TargetFormat,
		TargetExt:     p.TargetExt,
		FilterOptions: p.FilterOptions,
	})
	if err != nil {
		if bridge.IsTrap(err) {
			return nil, err
		}
		return &protocol.Response{ID: req.ID, Err: pipeline.ToProtocolError(err)}, nil
	}
	return &protocol.Response{
		ID:      req.ID,
		Success: true,
		Result:  &protocol.ConvertResult{Data: data},
	}, nil
}

// shutdown destroys the engine and closes the module. Safe to repeat.
func (w *Worker) shutdown(ctx context.Context) {
	w.pipeline = nil
	if w.module != nil && w.engine != 0 {
		if err := w.module.Engine().DestroyEngine(ctx, w.engine); err != nil {
			w.logger.Warn("Failed to destroy engine", zap.Error(err))
		}
	}
	w.engine = 0
	w.closeModule(ctx)
}

func (w *Worker) closeModule(ctx context.Context) {
	if w.module == nil {
		return
	}
	if err := w.module.Close(ctx); err != nil {
		w.logger.Warn("Failed to close engine module", zap.Error(err))
	}
	w.module = nil
}

// failure builds an error response, keeping a specific protocol kind.
func failure(id string, kind protocol.ErrorKind, err error) *protocol.Response {
	var pe *protocol.Error
	if errors.As(err, &pe) && pe.Kind != protocol.KindInternal {
		return &protocol.Response{ID: id, Err: pe}
	}
	return &protocol.Response{ID: id, Err: &protocol.Error{Kind: kind, Message: err.Error()}}
}
