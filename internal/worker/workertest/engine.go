// Package workertest provides an in-memory engine for exercising the
// conversion stack without a wasm build.
//
// The fake reads markers from the input document:
//
//	#crash     panic inside documentLoad
//	#trap      documentLoad reports a guest trap
//	#hang      documentLoad blocks until the host context ends
//	#loadfail  documentLoad fails with an engine error
//	#nooutput  saveAs succeeds without writing a file
//	#empty     saveAs writes an empty file
//	#badmagic  saveAs writes bytes that do not match the target format
//	#slow      saveAs sleeps for Loader.SlowDelay
//	#exit      the process exits with status 70
package workertest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/woxQAQ/docbridge/internal/bridge"
	"github.com/woxQAQ/docbridge/internal/worker"
	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// InstallPath is what the fake reports as its install path.
const InstallPath = "/instdir/program"

// Stats is shared by every engine created from one Loader.
type Stats struct {
	Active    atomic.Int32
	MaxActive atomic.Int32
	Loaded    atomic.Int32
	Destroyed atomic.Int32
}

func (s *Stats) enter() {
	n := s.Active.Add(1)
	for {
		peak := s.MaxActive.Load()
		if n <= peak || s.MaxActive.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (s *Stats) leave() {
	s.Active.Add(-1)
}

// Loader creates fake modules. The zero value is usable.
type Loader struct {
	Stats     *Stats
	SlowDelay time.Duration

	// FailLoad makes Load fail; FailInit makes InitializeEngine fail.
	FailLoad bool
	FailInit bool

	once sync.Once
}

var _ worker.Loader = (*Loader)(nil)

func (l *Loader) Load(_ context.Context, payload protocol.InitPayload) (worker.Module, error) {
	if l.FailLoad {
		return nil, errors.New("engine module not found at " + payload.EnginePath)
	}
	l.once.Do(func() {
		if l.Stats == nil {
			l.Stats = &Stats{}
		}
	})
	delay := l.SlowDelay
	if delay == 0 {
		delay = 200 * time.Millisecond
	}
	l.Stats.Loaded.Add(1)
	return &Module{
		engine: &Engine{
			fs:       afero.NewMemMapFs(),
			stats:    l.Stats,
			slow:     delay,
			failInit: l.FailInit,
			docs:     make(map[bridge.DocumentHandle][]byte),
		},
	}, nil
}

// Module is a fake engine module.
type Module struct {
	engine *Engine
}

func (m *Module) Engine() bridge.ForeignEngine { return m.engine }
func (m *Module) FS() afero.Fs                 { return m.engine.fs }
func (m *Module) InstallPath() string          { return InstallPath }

func (m *Module) Close(context.Context) error { return nil }

// Engine is the fake engine.
type Engine struct {
	fs       afero.Fs
	stats    *Stats
	slow     time.Duration
	failInit bool

	mu        sync.Mutex
	next      uint32
	docs      map[bridge.DocumentHandle][]byte
	destroyed bool
}

var _ bridge.ForeignEngine = (*Engine)(nil)

func (e *Engine) InitializeEngine(_ context.Context, installPath string) (bridge.EngineHandle, error) {
	if e.failInit || installPath == "" {
		return 0, protocol.NewError(protocol.KindEngineInitFailed, "engine hook returned null for %s", installPath)
	}
	return 1024, nil
}

func (e *Engine) GetLastError(context.Context, bridge.EngineHandle) (string, error) {
	return "", nil
}

func (e *Engine) LoadDocument(ctx context.Context, _ bridge.EngineHandle, path, _ string) (bridge.DocumentHandle, error) {
	data, err := afero.ReadFile(e.fs, path)
	if err != nil {
		return 0, protocol.NewError(protocol.KindDocumentLoadFailed, "cannot open %s", path)
	}

	switch {
	case bytes.Contains(data, []byte("#crash")):
		panic("simulated engine crash")
	case bytes.Contains(data, []byte("#exit")):
		os.Exit(70)
	case bytes.Contains(data, []byte("#trap")):
		return 0, &bridge.TrapError{Op: "documentLoad", Err: errors.New("wasm error: unreachable")}
	case bytes.Contains(data, []byte("#hang")):
		<-ctx.Done()
		return 0, &bridge.TrapError{Op: "documentLoad", Err: ctx.Err()}
	case bytes.Contains(data, []byte("#loadfail")):
		return 0, protocol.NewError(protocol.KindDocumentLoadFailed, "unsupported file format")
	}

	e.stats.enter()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	doc := bridge.DocumentHandle(4096 + e.next)
	e.docs[doc] = data
	return doc, nil
}

func (e *Engine) SaveDocumentAs(ctx context.Context, doc bridge.DocumentHandle, outPath, format, _ string) error {
	e.mu.Lock()
	data, ok := e.docs[doc]
	e.mu.Unlock()
	if !ok {
		return protocol.NewError(protocol.KindDocumentSaveFailed, "unknown document")
	}

	if bytes.Contains(data, []byte("#slow")) {
		select {
		case <-time.After(e.slow):
		case <-ctx.Done():
			return &bridge.TrapError{Op: "saveAs", Err: ctx.Err()}
		}
	}

	switch {
	case bytes.Contains(data, []byte("#nooutput")):
		return nil
	case bytes.Contains(data, []byte("#empty")):
		return afero.WriteFile(e.fs, outPath, nil, 0o644)
	case bytes.Contains(data, []byte("#badmagic")):
		return afero.WriteFile(e.fs, outPath, []byte("<html>not what you asked for"), 0o644)
	}

	out, err := render(format, data)
	if err != nil {
		return err
	}
	return afero.WriteFile(e.fs, outPath, out, 0o644)
}

func (e *Engine) DestroyDocument(_ context.Context, doc bridge.DocumentHandle) error {
	if doc == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.docs[doc]; ok {
		delete(e.docs, doc)
		e.stats.leave()
	}
	return nil
}

func (e *Engine) DestroyEngine(_ context.Context, eng bridge.EngineHandle) error {
	if eng == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.destroyed {
		e.destroyed = true
		e.stats.Destroyed.Add(1)
	}
	return nil
}

// OpenDocuments reports documents not yet destroyed.
func (e *Engine) OpenDocuments() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.docs)
}

// FakeEngine returns the engine behind a module created by Loader.
func FakeEngine(m worker.Module) *Engine {
	return m.(*Module).engine
}

// render produces output starting with the signature of format.
func render(format string, data []byte) ([]byte, error) {
	var head []byte
	switch format {
	case "pdf", "writer_pdf_Export", "calc_pdf_Export", "impress_pdf_Export":
		head = []byte("%PDF-1.7\n")
	case "docx", "xlsx", "pptx", "odt", "ods", "odp", "epub",
		"MS Word 2007 XML", "Calc MS Excel 2007 XML", "Impress MS PowerPoint 2007 XML", "writer8", "calc8", "impress8":
		head = []byte("PK\x03\x04")
	case "png", "writer_png_Export":
		head = []byte("\x89PNG\r\n\x1a\n")
	case "rtf", "Rich Text Format":
		head = []byte("{\\rtf1 ")
	case "txt", "Text", "csv", "html", "HTML (StarWriter)", "svg":
		head = nil
	default:
		return nil, protocol.NewError(protocol.KindDocumentSaveFailed, "no export filter for '%s'", format)
	}
	out := make([]byte, 0, len(head)+len(data))
	out = append(out, head...)
	return append(out, data...), nil
}
