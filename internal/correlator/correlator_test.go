package correlator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// capture records transmitted requests.
type capture struct {
	mu   sync.Mutex
	reqs []protocol.Request
	sent chan string
}

func newCapture() *capture {
	return &capture{sent: make(chan string, 16)}
}

func (c *capture) transmit(_ context.Context, req protocol.Request) error {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	c.sent <- req.RequestID()
	return nil
}

func destroyReq(id string) protocol.Request {
	return &protocol.DestroyRequest{ID: id}
}

func TestSendDeliver(t *testing.T) {
	tx := newCapture()
	c := New(tx.transmit)

	done := make(chan *protocol.Response)
	go func() {
		resp, err := c.Send(context.Background(), time.Second, destroyReq)
		assert.NoError(t, err)
		done <- resp
	}()

	id := <-tx.sent
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Deliver(&protocol.Response{ID: id, Success: true}))

	resp := <-done
	require.NotNil(t, resp)
	assert.True(t, resp.Success)
	assert.Equal(t, 0, c.Len())
}

func TestOutOfOrderResponses(t *testing.T) {
	tx := newCapture()
	c := New(tx.transmit)

	const n = 5
	type outcome struct {
		id   string
		resp *protocol.Response
	}
	results := make(chan outcome, n)

	for i := 0; i < n; i++ {
		go func() {
			var sentID string
			resp, err := c.Send(context.Background(), 5*time.Second, func(id string) protocol.Request {
				sentID = id
				return destroyReq(id)
			})
			assert.NoError(t, err)
			results <- outcome{id: sentID, resp: resp}
		}()
	}

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, <-tx.sent)
	}

	// Answer in reverse order.
	for i := n - 1; i >= 0; i-- {
		require.True(t, c.Deliver(&protocol.Response{ID: ids[i], Success: true}))
	}

	for i := 0; i < n; i++ {
		o := <-results
		assert.Equal(t, o.id, o.resp.ID, "each caller receives its own response")
	}
	assert.Equal(t, 0, c.Len())
}

func TestTimeout(t *testing.T) {
	tx := newCapture()
	c := New(tx.transmit)

	start := time.Now()
	_, err := c.Send(context.Background(), 50*time.Millisecond, destroyReq)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrOperationTimedOut))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, c.Len(), "timed out entry is removed")

	id := <-tx.sent
	assert.False(t, c.Deliver(&protocol.Response{ID: id}), "late response is dropped")
}

func TestCancel(t *testing.T) {
	tx := newCapture()
	c := New(tx.transmit)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-tx.sent
		cancel()
	}()

	_, err := c.Send(ctx, time.Minute, destroyReq)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Len())
}

func TestFailAll(t *testing.T) {
	tx := newCapture()
	c := New(tx.transmit)

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Send(context.Background(), time.Minute, destroyReq)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		<-tx.sent
	}

	c.FailAll(protocol.NewError(protocol.KindHostCrashed, "wasm error: unreachable"))

	for i := 0; i < n; i++ {
		assert.ErrorIs(t, <-errs, protocol.ErrHostCrashed)
	}
	assert.Equal(t, 0, c.Len())
}

func TestTransmitError(t *testing.T) {
	boom := errors.New("pipe closed")
	c := New(func(context.Context, protocol.Request) error { return boom })

	_, err := c.Send(context.Background(), time.Second, destroyReq)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}
