package host

import (
	"context"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/docbridge/internal/worker"
	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// ThreadTransport runs the worker on a dedicated OS thread in this
// process. Each worker loads its own module into its own wazero runtime,
// so a trapped guest only takes down its host. A Go panic escaping the
// worker would still take down the process; the worker recovers them.
type ThreadTransport struct {
	loader worker.Loader
	logger *zap.Logger

	requests chan protocol.Request
	events   chan protocol.Event
	done     chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	err    error
}

var _ Transport = (*ThreadTransport)(nil)

// NewThreadFactory returns a factory for thread-isolated hosts.
func NewThreadFactory(loader worker.Loader) TransportFactory {
	return func(hostID string, logger *zap.Logger) Transport {
		return NewThreadTransport(loader, logger.With(zap.String("host_id", hostID)))
	}
}

// NewThreadTransport creates an unstarted thread transport.
func NewThreadTransport(loader worker.Loader, logger *zap.Logger) *ThreadTransport {
	return &ThreadTransport{
		loader:   loader,
		logger:   logger,
		requests: make(chan protocol.Request, 4),
		events:   make(chan protocol.Event, 4),
		done:     make(chan struct{}),
	}
}

func (t *ThreadTransport) Kind() string { return "thread" }

// Start launches the worker goroutine. The host lifetime is detached from
// ctx; use Kill to stop it.
func (t *ThreadTransport) Start(ctx context.Context) error {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		// The thread is never unlocked, so it exits together with the
		// goroutine instead of returning to the scheduler's pool.
		runtime.LockOSThread()
		defer close(t.events)
		defer close(t.done)

		w := worker.New(t.loader, t.logger)
		err := w.Serve(wctx, t.requests, func(ev protocol.Event) error {
			select {
			case t.events <- ev:
				return nil
			case <-wctx.Done():
				return wctx.Err()
			}
		})

		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
	}()

	return nil
}

func (t *ThreadTransport) Send(ctx context.Context, req protocol.Request) error {
	select {
	case t.requests <- req:
		return nil
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *ThreadTransport) Events() <-chan protocol.Event {
	return t.events
}

func (t *ThreadTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Kill cancels the worker context, which closes the guest module and
// aborts a running guest call.
func (t *ThreadTransport) Kill() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
