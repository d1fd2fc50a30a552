// Package pool runs conversions across several isolated hosts.
package pool

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/woxQAQ/docbridge/internal/converter"
	"github.com/woxQAQ/docbridge/internal/formats"
	"github.com/woxQAQ/docbridge/internal/host"
	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// Config holds pool settings.
type Config struct {
	// Size is the number of hosts used when Initialize gets size <= 0.
	Size int

	// RecycleAfter replaces a host after it completed this many
	// conversions. Zero disables recycling.
	RecycleAfter int

	// ReplaceFailed starts a new host when one crashes or is left
	// suspect by a timeout. When false the pool runs with reduced
	// capacity.
	ReplaceFailed bool

	Host host.Config
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Total       int `json:"total"`
	Idle        int `json:"idle"`
	Busy        int `json:"busy"`
	Queued      int `json:"queued"`
	Unavailable int `json:"unavailable"`
}

type member struct {
	host    *host.Host
	busy    bool
	retired bool
}

// workItem is owned by the queue until dispatched, then by one host.
type workItem struct {
	ctx      context.Context
	req      *converter.Request
	enqueued time.Time
	result   chan outcome
	elem     *list.Element
}

type outcome struct {
	res *converter.Result
	err error
}

// Pool dispatches conversions to idle hosts and queues the rest in FIFO
// order. A host never receives a second conversion while busy.
type Pool struct {
	cfg          Config
	newTransport host.TransportFactory
	formats      *formats.Registry
	logger       *zap.Logger
	base         *zap.Logger
	metrics      *metrics

	ctx    context.Context
	cancel context.CancelFunc

	initMu sync.Mutex

	mu          sync.Mutex
	members     []*member
	queue       *list.List
	starting    int
	initialized bool
	closed      bool

	wg          sync.WaitGroup
	destroyOnce sync.Once
}

// New creates an empty pool. Metrics are registered with reg when it is
// non-nil.
func New(newTransport host.TransportFactory, cfg Config, registry *formats.Registry, reg prometheus.Registerer, logger *zap.Logger) (*Pool, error) {
	m, err := newMetrics(reg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:          cfg,
		newTransport: newTransport,
		formats:      registry,
		logger:       logger.With(zap.String("component", "pool")),
		base:         logger,
		metrics:      m,
		ctx:          ctx,
		cancel:       cancel,
		queue:        list.New(),
	}, nil
}

// Initialize starts size hosts concurrently and waits until all are
// ready. If any fails, the others are destroyed and the error returned.
func (p *Pool) Initialize(ctx context.Context, size int) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	p.mu.Lock()
	closed, initialized := p.closed, p.initialized
	p.mu.Unlock()
	if closed {
		return protocol.NewError(protocol.KindPoolDestroyed, "pool was destroyed")
	}
	if initialized {
		return nil
	}

	if size <= 0 {
		size = p.cfg.Size
	}
	if size <= 0 {
		return protocol.NewError(protocol.KindInvalidInput, "pool size must be positive, got %d", size)
	}

	start := time.Now()
	hosts := make([]*host.Host, size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range hosts {
		g.Go(func() error {
			h := host.New(p.newTransport, p.cfg.Host, p.base)
			if err := h.Start(gctx); err != nil {
				return err
			}
			hosts[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Error("Pool failed to start", zap.Int("size", size), zap.Error(err))
		p.destroyHosts(context.WithoutCancel(ctx), hosts)
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroyHosts(context.WithoutCancel(ctx), hosts)
		return protocol.NewError(protocol.KindPoolDestroyed, "pool was destroyed")
	}
	for _, h := range hosts {
		p.addLocked(h)
	}
	p.initialized = true
	p.observeLocked()
	p.mu.Unlock()

	p.logger.Info("Pool ready", zap.Int("size", size), zap.Duration("duration", time.Since(start)))
	return nil
}

// Convert runs one conversion on the first idle host, waiting in the
// queue when all are busy. Invalid input is rejected before dispatch.
func (p *Pool) Convert(ctx context.Context, input []byte, opts converter.Options, filename string) (*converter.Result, error) {
	req, err := converter.Prepare(p.formats, input, opts, filename)
	if err != nil {
		p.metrics.conversions.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}

	item := &workItem{
		ctx:      ctx,
		req:      req,
		enqueued: time.Now(),
		result:   make(chan outcome, 1),
	}

	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return nil, protocol.NewError(protocol.KindPoolDestroyed, "pool was destroyed")
	case !p.initialized:
		p.mu.Unlock()
		return nil, protocol.NewError(protocol.KindWasmNotInitialized, "pool is not initialized")
	}
	if m := p.idleLocked(); m != nil {
		p.dispatchLocked(m, item)
	} else if p.viableLocked() {
		item.elem = p.queue.PushBack(item)
	} else {
		p.mu.Unlock()
		return nil, protocol.NewError(protocol.KindHostCrashed, "no hosts available")
	}
	p.observeLocked()
	p.mu.Unlock()
	p.metrics.inputBytes.Add(float64(len(input)))

	var out outcome
	select {
	case out = <-item.result:
	case <-ctx.Done():
		p.mu.Lock()
		if item.elem != nil {
			p.queue.Remove(item.elem)
			item.elem = nil
			p.observeLocked()
			p.mu.Unlock()
			out = outcome{err: ctx.Err()}
			break
		}
		p.mu.Unlock()
		// Already dispatched; the host gives up on ctx promptly.
		out = <-item.result
	}

	p.metrics.conversions.WithLabelValues(resultLabel(out.err)).Inc()
	p.metrics.duration.Observe(time.Since(item.enqueued).Seconds())
	if out.err == nil {
		p.metrics.outputBytes.Add(float64(len(out.res.Data)))
	}
	return out.res, out.err
}

// Stats returns a snapshot of host and queue state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Hosts returns the hosts currently owned by the pool.
func (p *Pool) Hosts() []*host.Host {
	p.mu.Lock()
	defer p.mu.Unlock()
	hosts := make([]*host.Host, len(p.members))
	for i, m := range p.members {
		hosts[i] = m.host
	}
	return hosts
}

// Destroy rejects queued conversions with PoolDestroyed, destroys every
// host and waits for in-flight conversions to settle. Idempotent.
func (p *Pool) Destroy(ctx context.Context) {
	p.destroyOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		rejected := p.queue.Len()
		for e := p.queue.Front(); e != nil; e = e.Next() {
			item := e.Value.(*workItem)
			item.elem = nil
			item.result <- outcome{err: protocol.NewError(protocol.KindPoolDestroyed, "pool was destroyed")}
		}
		p.queue.Init()
		members := p.members
		p.members = nil
		p.observeLocked()
		p.mu.Unlock()

		p.cancel()

		hosts := make([]*host.Host, len(members))
		for i, m := range members {
			hosts[i] = m.host
		}
		p.destroyHosts(ctx, hosts)
		p.wg.Wait()

		p.logger.Info("Pool destroyed",
			zap.Int("hosts", len(hosts)),
			zap.Int("rejected", rejected),
		)
	})
}

func (p *Pool) destroyHosts(ctx context.Context, hosts []*host.Host) {
	var g errgroup.Group
	for _, h := range hosts {
		if h == nil {
			continue
		}
		g.Go(func() error {
			h.Destroy(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) addLocked(h *host.Host) {
	m := &member{host: h}
	p.members = append(p.members, m)
	go p.watch(m)
}

// watch handles a host whose isolated context exits while idle.
func (p *Pool) watch(m *member) {
	<-m.host.Exited()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || m.retired || m.busy {
		return
	}
	p.logger.Warn("Idle host exited", zap.String("host_id", m.host.ID()))
	p.failLocked(m)
	p.drainLocked()
	p.observeLocked()
}

func (p *Pool) dispatchLocked(m *member, item *workItem) {
	m.busy = true
	p.wg.Add(1)
	go p.run(m, item)
}

func (p *Pool) run(m *member, item *workItem) {
	defer p.wg.Done()

	data, err := m.host.Convert(item.ctx, item.req.Payload)
	var res *converter.Result
	if err == nil {
		res, err = item.req.Complete(data, item.enqueued)
	}

	closed := p.release(m)
	if closed && errors.Is(err, protocol.ErrHostCrashed) {
		err = protocol.NewError(protocol.KindPoolDestroyed, "pool was destroyed during conversion")
	}
	item.result <- outcome{res: res, err: err}
}

// release returns m to the pool after a conversion and hands it the next
// queued item. It reports whether the pool is closed.
func (p *Pool) release(m *member) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	m.busy = false
	if p.closed {
		return true
	}

	h := m.host
	switch {
	case !h.Alive() || h.Suspect():
		p.failLocked(m)
	case p.cfg.RecycleAfter > 0 && h.Conversions() >= p.cfg.RecycleAfter:
		p.logger.Debug("Recycling host",
			zap.String("host_id", h.ID()),
			zap.Int("conversions", h.Conversions()),
		)
		p.retireLocked(m, true)
		p.replaceLocked("recycled")
	}

	p.drainLocked()
	p.observeLocked()
	return false
}

// failLocked takes a crashed or suspect host out of rotation.
func (p *Pool) failLocked(m *member) {
	if p.cfg.ReplaceFailed {
		p.retireLocked(m, true)
		p.replaceLocked("failed")
	} else {
		p.retireLocked(m, false)
	}
}

// retireLocked destroys m in the background. A removed member no longer
// counts towards Stats.
func (p *Pool) retireLocked(m *member, remove bool) {
	m.retired = true
	if remove {
		for i, other := range p.members {
			if other == m {
				p.members = append(p.members[:i], p.members[i+1:]...)
				break
			}
		}
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		m.host.Destroy(p.ctx)
	}()
}

func (p *Pool) replaceLocked(reason string) {
	p.starting++
	p.metrics.replacements.WithLabelValues(reason).Inc()
	p.wg.Add(1)
	go p.spawn()
}

func (p *Pool) spawn() {
	defer p.wg.Done()

	h := host.New(p.newTransport, p.cfg.Host, p.base)
	err := h.Start(p.ctx)

	p.mu.Lock()
	p.starting--
	if err != nil {
		p.logger.Error("Replacement host failed to start", zap.Error(err))
		p.drainLocked()
		p.observeLocked()
		p.mu.Unlock()
		return
	}
	if p.closed {
		p.mu.Unlock()
		h.Destroy(context.Background())
		return
	}
	p.addLocked(h)
	p.drainLocked()
	p.observeLocked()
	p.mu.Unlock()
}

// drainLocked dispatches queued items onto idle hosts, then rejects the
// rest if no host can ever serve them.
func (p *Pool) drainLocked() {
	for p.queue.Len() > 0 {
		m := p.idleLocked()
		if m == nil {
			break
		}
		item := p.queue.Remove(p.queue.Front()).(*workItem)
		item.elem = nil
		if err := item.ctx.Err(); err != nil {
			item.result <- outcome{err: err}
			continue
		}
		p.dispatchLocked(m, item)
	}

	if p.queue.Len() > 0 && !p.viableLocked() {
		p.logger.Error("No hosts left, rejecting queued conversions", zap.Int("queued", p.queue.Len()))
		for e := p.queue.Front(); e != nil; e = e.Next() {
			item := e.Value.(*workItem)
			item.elem = nil
			item.result <- outcome{err: protocol.NewError(protocol.KindHostCrashed, "no hosts available")}
		}
		p.queue.Init()
	}
}

func (p *Pool) idleLocked() *member {
	for _, m := range p.members {
		if !m.busy && !m.retired && m.host.State() == host.StateReady {
			return m
		}
	}
	return nil
}

// viableLocked reports whether a host is alive or being started.
func (p *Pool) viableLocked() bool {
	if p.starting > 0 {
		return true
	}
	for _, m := range p.members {
		if !m.retired && m.host.Alive() {
			return true
		}
	}
	return false
}

func (p *Pool) statsLocked() Stats {
	s := Stats{Total: len(p.members), Queued: p.queue.Len()}
	for _, m := range p.members {
		switch {
		case m.retired || !m.host.Alive():
			s.Unavailable++
		case m.busy || m.host.State() != host.StateReady:
			s.Busy++
		default:
			s.Idle++
		}
	}
	return s
}

func (p *Pool) observeLocked() {
	p.metrics.observe(p.statsLocked())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return string(protocol.KindOf(err))
	}
}
