// Package converter is the single-host conversion API.
package converter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/woxQAQ/docbridge/internal/formats"
	"github.com/woxQAQ/docbridge/internal/host"
	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// Converter runs conversions on one isolated host, one at a time.
type Converter struct {
	newTransport host.TransportFactory
	cfg          host.Config
	formats      *formats.Registry
	logger       *zap.Logger
	base         *zap.Logger

	init singleflight.Group
	sem  chan struct{}

	mu        sync.Mutex
	host      *host.Host
	destroyed bool
}

// New creates a converter. Call Initialize before Convert.
func New(newTransport host.TransportFactory, cfg host.Config, registry *formats.Registry, logger *zap.Logger) *Converter {
	return &Converter{
		newTransport: newTransport,
		cfg:          cfg,
		formats:      registry,
		logger:       logger.With(zap.String("component", "converter")),
		base:         logger,
		sem:          make(chan struct{}, 1),
	}
}

// Initialize starts the host. It is idempotent, and concurrent callers
// share one in-flight start. A crashed host, or one left suspect by a
// timeout, is replaced. A caller whose ctx ends stops waiting but
// does not abort the start for the others.
func (c *Converter) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return protocol.NewError(protocol.KindWasmNotInitialized, "converter was destroyed")
	}
	if usable(c.host) {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	startCtx := context.WithoutCancel(ctx)
	ch := c.init.DoChan("init", func() (any, error) {
		return nil, c.start(startCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// usable reports whether h can take another conversion. A suspect host
// may still be running a native call that never returns.
func usable(h *host.Host) bool {
	return h != nil && h.Alive() && !h.Suspect()
}

func (c *Converter) start(ctx context.Context) error {
	c.mu.Lock()
	if usable(c.host) {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	h := host.New(c.newTransport, c.cfg, c.base)
	if err := h.Start(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		go h.Destroy(ctx)
		return protocol.NewError(protocol.KindWasmNotInitialized, "converter was destroyed")
	}
	if old := c.host; old != nil {
		c.logger.Info("Retiring host", zap.String("host_id", old.ID()),
			zap.Bool("suspect", old.Suspect()), zap.Stringer("state", old.State()))
		go old.Destroy(ctx)
	}
	c.host = h
	c.logger.Info("Converter initialized", zap.String("host_id", h.ID()))
	return nil
}

// Convert converts input to opts.OutputFormat. filename is optional and
// only used to infer the input format and name the result.
func (c *Converter) Convert(ctx context.Context, input []byte, opts Options, filename string) (*Result, error) {
	req, err := Prepare(c.formats, input, opts, filename)
	if err != nil {
		return nil, err
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	h, err := c.current()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := h.Convert(ctx, req.Payload)
	if err != nil {
		c.logger.Warn("Conversion failed",
			zap.String("source", req.Payload.SourceExt),
			zap.String("target", req.Format.Name),
			zap.Error(err),
		)
		return nil, err
	}

	result, err := req.Complete(data, start)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Conversion finished",
		zap.String("source", req.Payload.SourceExt),
		zap.String("target", req.Format.Name),
		zap.Int("bytes", len(result.Data)),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func (c *Converter) current() (*host.Host, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, protocol.NewError(protocol.KindWasmNotInitialized, "converter was destroyed")
	}
	if c.host == nil {
		return nil, protocol.NewError(protocol.KindWasmNotInitialized, "converter is not initialized")
	}
	return c.host, nil
}

// Restart replaces the host with a fresh one. Use it after a crash or a
// timeout left the host suspect.
func (c *Converter) Restart(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return protocol.NewError(protocol.KindWasmNotInitialized, "converter was destroyed")
	}
	old := c.host
	c.host = nil
	c.mu.Unlock()

	if old != nil {
		old.Destroy(ctx)
	}
	return c.Initialize(ctx)
}

// Destroy stops the host. Idempotent; the converter cannot be reused.
func (c *Converter) Destroy(ctx context.Context) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	h := c.host
	c.host = nil
	c.mu.Unlock()

	if h != nil {
		h.Destroy(ctx)
	}
	c.logger.Info("Converter destroyed")
}

// Host returns the current host, or nil.
func (c *Converter) Host() *host.Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}
