package worker

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// ServeStream runs w over a JSON message stream, as used by a worker
// process talking to its parent over stdin and stdout. It returns when
// the worker stops or r reaches EOF.
func ServeStream(ctx context.Context, r io.Reader, wr io.Writer, w *Worker) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dec := protocol.NewDecoder(r)
	enc := protocol.NewEncoder(wr)

	var mu sync.Mutex
	emit := func(ev protocol.Event) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.WriteEvent(ev)
	}

	requests := make(chan protocol.Request)
	readErr := make(chan error, 1)
	go func() {
		defer close(requests)
		for {
			req, err := dec.ReadRequest()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := w.Serve(ctx, requests, emit); err != nil {
		return err
	}

	select {
	case err := <-readErr:
		w.logger.Error("Malformed request stream", zap.Error(err))
		return err
	default:
		return nil
	}
}
