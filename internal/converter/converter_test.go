package converter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/docbridge/internal/converter"
	"github.com/woxQAQ/docbridge/internal/formats"
	"github.com/woxQAQ/docbridge/internal/host"
	"github.com/woxQAQ/docbridge/internal/worker/workertest"
	"github.com/woxQAQ/docbridge/pkg/protocol"
)

func hostConfig() host.Config {
	return host.Config{
		EnginePath:     "fake",
		InitTimeout:    10 * time.Second,
		ConvertTimeout: 10 * time.Second,
		DestroyTimeout: 2 * time.Second,
	}
}

func newConverter(t *testing.T, loader *workertest.Loader) *converter.Converter {
	t.Helper()
	logger := zaptest.NewLogger(t)
	c := converter.New(host.NewThreadFactory(loader), hostConfig(), formats.NewDefaultRegistry(logger), logger)
	t.Cleanup(func() { c.Destroy(context.Background()) })
	return c
}

func TestPrepare(t *testing.T) {
	registry := formats.NewDefaultRegistry(zap.NewNop())

	tests := []struct {
		name     string
		input    string
		opts     converter.Options
		filename string
		wantKind protocol.ErrorKind
		wantSrc  string
		wantName string
	}{
		{name: "empty input", input: "", opts: converter.Options{OutputFormat: "pdf"}, wantKind: protocol.KindInvalidInput},
		{name: "missing output format", input: "x", wantKind: protocol.KindInvalidInput},
		{name: "unknown output format", input: "x", opts: converter.Options{OutputFormat: "wpd"}, wantKind: protocol.KindInvalidInput},
		{name: "bad pdf options", input: "x", opts: converter.Options{OutputFormat: "pdf", PDF: &formats.PDFOptions{Quality: 400}}, wantKind: protocol.KindInvalidInput},
		{name: "hint wins", input: "x", opts: converter.Options{InputFormat: ".DOCX", OutputFormat: "pdf"}, filename: "a.odt", wantSrc: "docx", wantName: "a.pdf"},
		{name: "from filename", input: "x", opts: converter.Options{OutputFormat: "odt"}, filename: "/reports/q3.Doc", wantSrc: "doc", wantName: "q3.odt"},
		{name: "detected text", input: "hello world\n", opts: converter.Options{OutputFormat: "pdf"}, wantSrc: "txt", wantName: "document.pdf"},
		{name: "detected pdf", input: "%PDF-1.4\n%\xe2\xe3\xcf\xd3\n", opts: converter.Options{OutputFormat: "docx"}, wantSrc: "pdf", wantName: "document.docx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := converter.Prepare(registry, []byte(tt.input), tt.opts, tt.filename)
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, protocol.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSrc, req.Payload.SourceExt)
			assert.Equal(t, tt.wantName, req.Filename)
		})
	}
}

func TestPrepareFilterOptions(t *testing.T) {
	registry := formats.NewDefaultRegistry(zap.NewNop())
	pdf := &formats.PDFOptions{PDFALevel: "PDF/A-1b"}

	req, err := converter.Prepare(registry, []byte("x"), converter.Options{OutputFormat: "pdf", PDF: pdf}, "")
	require.NoError(t, err)
	assert.Equal(t, `{"SelectPdfVersion":{"type":"long","value":"1"}}`, req.Payload.FilterOptions)
	assert.Equal(t, "pdf", req.Payload.TargetFormat)
	assert.Equal(t, "pdf", req.Payload.TargetExt)

	req, err = converter.Prepare(registry, []byte("x"), converter.Options{OutputFormat: "pdf", PDF: pdf, FilterOptions: "raw"}, "")
	require.NoError(t, err)
	assert.Equal(t, "raw", req.Payload.FilterOptions)

	req, err = converter.Prepare(registry, []byte("x"), converter.Options{OutputFormat: "docx", PDF: pdf}, "")
	require.NoError(t, err)
	assert.Empty(t, req.Payload.FilterOptions)
}

func TestComplete(t *testing.T) {
	registry := formats.NewDefaultRegistry(zap.NewNop())
	req, err := converter.Prepare(registry, []byte("x"), converter.Options{OutputFormat: "pdf"}, "memo.txt")
	require.NoError(t, err)

	_, err = req.Complete(nil, time.Now())
	assert.ErrorIs(t, err, protocol.ErrDocumentSaveFailed)

	_, err = req.Complete([]byte("<html>"), time.Now())
	assert.ErrorIs(t, err, protocol.ErrDocumentSaveFailed)

	res, err := req.Complete([]byte("%PDF-1.7\n"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", res.MimeType)
	assert.Equal(t, "memo.pdf", res.Filename)
}

func TestConvertPlainTextToPDF(t *testing.T) {
	c := newConverter(t, &workertest.Loader{})
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	res, err := c.Convert(ctx, []byte("Hello, world."), converter.Options{OutputFormat: "pdf"}, "notes.txt")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(res.Data), 5)
	assert.Equal(t, []byte("%PDF-"), res.Data[:5])
	assert.Equal(t, "application/pdf", res.MimeType)
	assert.Equal(t, "notes.pdf", res.Filename)
	assert.Positive(t, res.Duration)
}

func TestConvertRejectsEmptyInputBeforeDispatch(t *testing.T) {
	stats := &workertest.Stats{}
	c := newConverter(t, &workertest.Loader{Stats: stats})

	// Not initialized: the input check must come first.
	_, err := c.Convert(context.Background(), nil, converter.Options{OutputFormat: "pdf"}, "")
	assert.ErrorIs(t, err, protocol.ErrInvalidInput)

	require.NoError(t, c.Initialize(context.Background()))
	_, err = c.Convert(context.Background(), []byte{}, converter.Options{OutputFormat: "pdf"}, "")
	assert.ErrorIs(t, err, protocol.ErrInvalidInput)
	assert.Zero(t, stats.MaxActive.Load())
}

func TestConvertBeforeInitialize(t *testing.T) {
	c := newConverter(t, &workertest.Loader{})

	_, err := c.Convert(context.Background(), []byte("x"), converter.Options{OutputFormat: "pdf"}, "")
	assert.ErrorIs(t, err, protocol.ErrWasmNotInitialized)
}

func TestConcurrentInitializeSharesOneStart(t *testing.T) {
	stats := &workertest.Stats{}
	c := newConverter(t, &workertest.Loader{Stats: stats})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Initialize(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), stats.Loaded.Load())

	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, int32(1), stats.Loaded.Load())
}

func TestInitializeFailure(t *testing.T) {
	c := newConverter(t, &workertest.Loader{FailInit: true})

	err := c.Initialize(context.Background())
	assert.ErrorIs(t, err, protocol.ErrEngineInitFailed)
	assert.Nil(t, c.Host())
}

func TestConvertBadMagic(t *testing.T) {
	c := newConverter(t, &workertest.Loader{})
	require.NoError(t, c.Initialize(context.Background()))

	_, err := c.Convert(context.Background(), []byte("#badmagic"), converter.Options{OutputFormat: "pdf"}, "x.txt")
	assert.ErrorIs(t, err, protocol.ErrDocumentSaveFailed)

	// The host is still usable.
	_, err = c.Convert(context.Background(), []byte("fine"), converter.Options{OutputFormat: "pdf"}, "x.txt")
	assert.NoError(t, err)
}

func TestConvertSerializes(t *testing.T) {
	stats := &workertest.Stats{}
	c := newConverter(t, &workertest.Loader{Stats: stats, SlowDelay: 50 * time.Millisecond})
	require.NoError(t, c.Initialize(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Convert(context.Background(), []byte("#slow"), converter.Options{OutputFormat: "pdf"}, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), stats.MaxActive.Load())
	assert.Equal(t, 4, c.Host().Conversions())
}

func TestRestartAfterCrash(t *testing.T) {
	stats := &workertest.Stats{}
	c := newConverter(t, &workertest.Loader{Stats: stats})
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	_, err := c.Convert(ctx, []byte("#crash"), converter.Options{OutputFormat: "pdf"}, "")
	assert.ErrorIs(t, err, protocol.ErrHostCrashed)

	_, err = c.Convert(ctx, []byte("again"), converter.Options{OutputFormat: "pdf"}, "")
	assert.ErrorIs(t, err, protocol.ErrHostCrashed)

	require.NoError(t, c.Restart(ctx))
	res, err := c.Convert(ctx, []byte("again"), converter.Options{OutputFormat: "pdf"}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Data)
	assert.Equal(t, int32(2), stats.Loaded.Load())
}

func TestInitializeReplacesTimedOutHost(t *testing.T) {
	stats := &workertest.Stats{}
	logger := zaptest.NewLogger(t)
	cfg := hostConfig()
	cfg.ConvertTimeout = 200 * time.Millisecond
	c := converter.New(host.NewThreadFactory(&workertest.Loader{Stats: stats}), cfg, formats.NewDefaultRegistry(logger), logger)
	t.Cleanup(func() { c.Destroy(context.Background()) })

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	hung := c.Host()

	_, err := c.Convert(ctx, []byte("#hang"), converter.Options{OutputFormat: "pdf"}, "")
	require.ErrorIs(t, err, protocol.ErrOperationTimedOut)
	require.True(t, hung.Suspect())

	require.NoError(t, c.Initialize(ctx))
	assert.NotSame(t, hung, c.Host(), "a suspect host is not reused")

	res, err := c.Convert(ctx, []byte("after timeout"), converter.Options{OutputFormat: "pdf"}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Data)
	assert.Equal(t, int32(2), stats.Loaded.Load())

	select {
	case <-hung.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("suspect host still running")
	}
}

func TestDestroyIdempotent(t *testing.T) {
	stats := &workertest.Stats{}
	c := newConverter(t, &workertest.Loader{Stats: stats})
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	h := c.Host()

	c.Destroy(ctx)
	c.Destroy(ctx)

	assert.Equal(t, host.StateDestroyed, h.State())
	assert.Equal(t, int32(1), stats.Destroyed.Load())

	_, err := c.Convert(ctx, []byte("x"), converter.Options{OutputFormat: "pdf"}, "")
	assert.ErrorIs(t, err, protocol.ErrWasmNotInitialized)
	assert.ErrorIs(t, c.Initialize(ctx), protocol.ErrWasmNotInitialized)
	assert.ErrorIs(t, c.Restart(ctx), protocol.ErrWasmNotInitialized)
}
