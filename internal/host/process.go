package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// ProcessTransport runs the worker in a child process speaking the JSON
// protocol over stdin and stdout. A crash of any kind, including a Go
// runtime fault in the child, is contained in the child.
type ProcessTransport struct {
	binary string
	args   []string
	env    []string
	logger *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *zapio.Writer

	sendMu sync.Mutex
	enc    *protocol.Encoder

	events chan protocol.Event
	done   chan struct{}

	mu  sync.Mutex
	err error
}

var _ Transport = (*ProcessTransport)(nil)

// NewProcessFactory returns a factory for process-isolated hosts running
// binary with args. env is appended to the parent's environment.
func NewProcessFactory(binary string, args, env []string) TransportFactory {
	return func(hostID string, logger *zap.Logger) Transport {
		return NewProcessTransport(binary, args, env, logger.With(zap.String("host_id", hostID)))
	}
}

// NewProcessTransport creates an unstarted process transport.
func NewProcessTransport(binary string, args, env []string, logger *zap.Logger) *ProcessTransport {
	return &ProcessTransport{
		binary: binary,
		args:   args,
		env:    env,
		logger: logger,
		events: make(chan protocol.Event, 4),
		done:   make(chan struct{}),
	}
}

func (p *ProcessTransport) Kind() string { return "process" }

// Start spawns the child. The child's lifetime is detached from ctx.
func (p *ProcessTransport) Start(_ context.Context) error {
	cmd := exec.Command(p.binary, p.args...)
	cmd.Env = append(os.Environ(), p.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open worker stdout: %w", err)
	}
	p.stderr = &zapio.Writer{Log: p.logger.With(zap.String("stream", "worker-stderr")), Level: zap.InfoLevel}
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker %s: %w", p.binary, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.enc = protocol.NewEncoder(stdin)

	p.logger.Debug("Worker process started", zap.Int("pid", cmd.Process.Pid))

	go p.readLoop(stdout)
	return nil
}

func (p *ProcessTransport) readLoop(stdout io.Reader) {
	defer close(p.events)
	defer close(p.done)

	dec := protocol.NewDecoder(stdout)
	var readErr error
	for {
		ev, err := dec.ReadEvent()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		p.events <- ev
	}

	// Unblock a child still writing before reaping it.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := p.cmd.Wait()
	_ = p.stderr.Close()

	p.mu.Lock()
	switch {
	case waitErr != nil:
		p.err = fmt.Errorf("worker process exited: %w", waitErr)
	case readErr != nil:
		p.err = fmt.Errorf("malformed worker output: %w", readErr)
	}
	p.mu.Unlock()

	p.logger.Debug("Worker process exited", zap.Error(p.Err()))
}

func (p *ProcessTransport) Send(ctx context.Context, req protocol.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrTransportClosed
	default:
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := p.enc.WriteRequest(req); err != nil {
		return fmt.Errorf("failed to write to worker: %w", err)
	}
	return nil
}

func (p *ProcessTransport) Events() <-chan protocol.Event {
	return p.events
}

func (p *ProcessTransport) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Kill terminates the child process.
func (p *ProcessTransport) Kill() {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	_ = p.stdin.Close()
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("Failed to kill worker process", zap.Error(err))
	}
}
