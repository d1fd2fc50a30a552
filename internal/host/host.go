// Package host manages one isolated engine from the parent side.
package host

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/woxQAQ/docbridge/internal/correlator"
	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// State is the lifecycle state of a host.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateBusy
	StateCrashed
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateCrashed:
		return "crashed"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Config holds per-host settings.
type Config struct {
	EnginePath string
	Verbose    bool

	InitTimeout    time.Duration
	ConvertTimeout time.Duration
	DestroyTimeout time.Duration
}

// DefaultConfig returns the default timeouts. Engine start-up can take
// minutes on a cold compilation cache.
func DefaultConfig() Config {
	return Config{
		InitTimeout:    10 * time.Minute,
		ConvertTimeout: 5 * time.Minute,
		DestroyTimeout: 5 * time.Second,
	}
}

// Host owns one isolated engine. Convert calls are accepted only while the
// host is ready; callers serialize them.
type Host struct {
	id        string
	cfg       Config
	transport Transport
	corr      *correlator.Correlator
	logger    *zap.Logger

	mu          sync.Mutex
	state       State
	suspect     bool
	conversions int
	started     bool

	ready       chan struct{}
	readyOnce   sync.Once
	exited      chan struct{}
	destroyOnce sync.Once
}

// New creates an unstarted host.
func New(newTransport TransportFactory, cfg Config, logger *zap.Logger) *Host {
	id := uuid.NewString()[:8]

	h := &Host{
		id:     id,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "host"), zap.String("host_id", id)),
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	h.transport = newTransport(id, logger)
	h.corr = correlator.New(h.transport.Send)
	return h
}

// ID returns the host identifier.
func (h *Host) ID() string { return h.id }

// Start launches the isolated context and initializes the engine.
// A failed start leaves the host destroyed.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateUninitialized {
		state := h.state
		h.mu.Unlock()
		if state == StateReady || state == StateBusy {
			return nil
		}
		return protocol.NewError(protocol.KindEngineInitFailed, "host is %s", state)
	}
	h.state = StateInitializing
	h.mu.Unlock()

	start := time.Now()
	if err := h.transport.Start(ctx); err != nil {
		close(h.exited)
		h.Destroy(ctx)
		return protocol.NewError(protocol.KindEngineInitFailed, "%v", err)
	}
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	go h.readLoop()

	resp, err := h.corr.Send(ctx, h.cfg.InitTimeout, func(id string) protocol.Request {
		return &protocol.InitRequest{ID: id, Payload: protocol.InitPayload{
			EnginePath: h.cfg.EnginePath,
			Verbose:    h.cfg.Verbose,
		}}
	})
	if err == nil && !resp.Success {
		err = resp.Err
	}
	if err != nil {
		h.logger.Error("Host failed to start", zap.Error(err))
		h.Destroy(context.WithoutCancel(ctx))
		if errors.Is(err, protocol.ErrOperationTimedOut) || errors.Is(err, protocol.ErrEngineInitFailed) {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return protocol.NewError(protocol.KindEngineInitFailed, "%v", err)
	}

	h.mu.Lock()
	if h.state == StateInitializing {
		h.state = StateReady
	}
	h.mu.Unlock()

	h.logger.Info("Host ready",
		zap.String("transport", h.transport.Kind()),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// Convert runs one conversion on the host.
//
// On timeout or caller cancellation the error is returned immediately but
// the engine keeps working; the host stays busy until the late response
// arrives and is marked suspect.
func (h *Host) Convert(ctx context.Context, payload protocol.ConvertPayload) ([]byte, error) {
	h.mu.Lock()
	switch h.state {
	case StateReady:
		h.state = StateBusy
	case StateBusy:
		h.mu.Unlock()
		return nil, protocol.NewError(protocol.KindHostBusy, "host %s is busy", h.id)
	case StateCrashed:
		h.mu.Unlock()
		return nil, protocol.NewError(protocol.KindHostCrashed, "host %s has crashed", h.id)
	case StateDestroyed:
		h.mu.Unlock()
		return nil, protocol.NewError(protocol.KindHostCrashed, "host %s was destroyed", h.id)
	default:
		h.mu.Unlock()
		return nil, protocol.NewError(protocol.KindWasmNotInitialized, "host %s is %s", h.id, h.state)
	}
	h.mu.Unlock()

	resp, err := h.corr.Send(ctx, h.cfg.ConvertTimeout, func(id string) protocol.Request {
		return &protocol.ConvertRequest{ID: id, Payload: payload}
	})
	if err != nil {
		if errors.Is(err, protocol.ErrOperationTimedOut) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			h.mu.Lock()
			h.suspect = true
			h.mu.Unlock()
			h.logger.Warn("Conversion abandoned, host marked suspect", zap.Error(err))
		}
		return nil, err
	}

	h.mu.Lock()
	if h.state == StateBusy {
		h.state = StateReady
	}
	h.conversions++
	h.mu.Unlock()

	if !resp.Success {
		if resp.Err == nil {
			return nil, protocol.NewError(protocol.KindInternal, "worker returned failure without error")
		}
		return nil, resp.Err
	}
	if resp.Result == nil {
		return nil, protocol.NewError(protocol.KindDocumentSaveFailed, "worker returned no data")
	}
	return resp.Result.Data, nil
}

// Destroy stops the host: a graceful destroy request when the engine is
// idle, then a kill. Pending requests are rejected. Idempotent and never
// fails.
func (h *Host) Destroy(ctx context.Context) {
	h.destroyOnce.Do(func() {
		h.mu.Lock()
		prev := h.state
		h.state = StateDestroyed
		started := h.started
		h.mu.Unlock()

		wait := h.cfg.DestroyTimeout
		if wait <= 0 {
			wait = 5 * time.Second
		}

		if started && prev == StateReady {
			_, err := h.corr.Send(ctx, wait, func(id string) protocol.Request {
				return &protocol.DestroyRequest{ID: id}
			})
			if err != nil {
				h.logger.Debug("Graceful destroy failed", zap.Error(err))
			}
		}

		h.transport.Kill()
		h.corr.FailAll(protocol.NewError(protocol.KindHostCrashed, "host %s was destroyed", h.id))

		if started {
			select {
			case <-h.exited:
			case <-time.After(wait):
				h.logger.Warn("Isolated context did not exit in time")
			}
		}

		h.logger.Debug("Host destroyed", zap.Stringer("previous_state", prev))
	})
}

// State returns the current state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Suspect reports whether a conversion was abandoned while the engine may
// still have been running it.
func (h *Host) Suspect() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.suspect
}

// Alive reports whether the host can still serve conversions now or later.
func (h *Host) Alive() bool {
	switch h.State() {
	case StateInitializing, StateReady, StateBusy:
		return true
	default:
		return false
	}
}

// Conversions returns the number of completed conversions.
func (h *Host) Conversions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conversions
}

// Loaded is closed once the engine has initialized.
func (h *Host) Loaded() <-chan struct{} {
	return h.ready
}

// Exited is closed once the isolated context is gone.
func (h *Host) Exited() <-chan struct{} {
	return h.exited
}

func (h *Host) readLoop() {
	defer close(h.exited)

	for ev := range h.transport.Events() {
		switch e := ev.(type) {
		case *protocol.Ready:
			h.readyOnce.Do(func() { close(h.ready) })
			h.logger.Debug("Engine initialized")
		case *protocol.Response:
			if !h.corr.Deliver(e) {
				h.lateResponse(e)
			}
		case *protocol.Fault:
			h.crash(e.Reason)
		}
	}

	reason := "isolated context exited"
	if err := h.transport.Err(); err != nil {
		reason = err.Error()
	}
	h.crash(reason)
}

// lateResponse handles a response whose caller already gave up.
func (h *Host) lateResponse(resp *protocol.Response) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateBusy {
		h.state = StateReady
		h.conversions++
	}
	h.logger.Debug("Dropped late response", zap.String("request_id", resp.ID))
}

func (h *Host) crash(reason string) {
	h.mu.Lock()
	wasAlive := h.state != StateDestroyed && h.state != StateCrashed
	if h.state != StateDestroyed {
		h.state = StateCrashed
	}
	h.mu.Unlock()

	if wasAlive {
		h.logger.Error("Host crashed", zap.String("reason", reason))
	}
	h.corr.FailAll(protocol.NewError(protocol.KindHostCrashed, "%s", reason))
}
