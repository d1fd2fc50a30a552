// Package correlator matches responses to outstanding requests by id.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// TransmitFunc sends a request to the isolated side.
type TransmitFunc func(ctx context.Context, req protocol.Request) error

type result struct {
	resp *protocol.Response
	err  error
}

type pending struct {
	ch       chan result
	timer    *time.Timer
	deadline time.Time
}

// Correlator tracks in-flight requests. Each pending entry is removed
// exactly once: by its response, its timeout, its caller's cancellation,
// or FailAll.
type Correlator struct {
	transmit TransmitFunc

	mu      sync.Mutex
	pending map[string]*pending
}

// New creates a correlator that sends through transmit.
func New(transmit TransmitFunc) *Correlator {
	return &Correlator{
		transmit: transmit,
		pending:  make(map[string]*pending),
	}
}

// Send assigns a fresh id, registers it with a deadline, transmits the
// request built by build and waits for the matching response.
//
// A timeout yields operation_timed_out. Cancelling ctx returns ctx.Err().
// Neither stops the work on the isolated side.
func (c *Correlator) Send(ctx context.Context, timeout time.Duration, build func(id string) protocol.Request) (*protocol.Response, error) {
	id := uuid.NewString()
	p := &pending{
		ch:       make(chan result, 1),
		deadline: time.Now().Add(timeout),
	}

	c.mu.Lock()
	c.pending[id] = p
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			c.complete(id, result{err: protocol.NewError(protocol.KindOperationTimedOut, "no response within %s", timeout)})
		})
	}
	c.mu.Unlock()

	if err := c.transmit(ctx, build(id)); err != nil {
		c.remove(id)
		return nil, err
	}

	select {
	case r := <-p.ch:
		return r.resp, r.err
	case <-ctx.Done():
		c.remove(id)
		return nil, ctx.Err()
	}
}

// Deliver routes resp to its waiter. It reports false for unknown ids,
// such as responses arriving after a timeout.
func (c *Correlator) Deliver(resp *protocol.Response) bool {
	return c.complete(resp.ID, result{resp: resp})
}

// FailAll rejects every pending request with err.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	for _, p := range all {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- result{err: err}
	}
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) complete(id string, r result) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	p.ch <- r
	return true
}

func (c *Correlator) remove(id string) {
	c.take(id)
}

func (c *Correlator) take(id string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}
