package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
)

// Memory moves data across the guest boundary through the guest's own
// allocator.
//
// Every pointer handed out by AllocBytes or AllocString is owned by the
// caller until Free. Scope groups allocations so a single deferred
// Release frees all of them on every path.
type Memory struct {
	mem    api.Memory
	malloc api.Function
	free   api.Function

	mu   sync.Mutex
	live map[uint32]struct{}
}

// NewMemory creates a memory helper bound to the named allocator exports.
func NewMemory(inst *Instance, mallocName, freeName string) (*Memory, error) {
	mem := inst.Module().Memory()
	if mem == nil {
		return nil, fmt.Errorf("module '%s' exports no memory", inst.Name)
	}
	malloc, err := inst.Function(mallocName)
	if err != nil {
		return nil, err
	}
	free, err := inst.Function(freeName)
	if err != nil {
		return nil, err
	}
	return &Memory{
		mem:    mem,
		malloc: malloc,
		free:   free,
		live:   make(map[uint32]struct{}),
	}, nil
}

// AllocBytes copies b into a fresh guest allocation.
func (m *Memory) AllocBytes(ctx context.Context, b []byte) (uint32, error) {
	size := uint32(len(b))
	results, err := m.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, &GuestCallError{FunctionName: "malloc", Err: err}
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, &MemoryAccessError{Operation: "malloc", Length: size, Err: ErrOutOfMemory}
	}

	m.mu.Lock()
	m.live[ptr] = struct{}{}
	m.mu.Unlock()

	if !m.mem.Write(ptr, b) {
		_ = m.Free(ctx, ptr)
		return 0, &MemoryAccessError{Operation: "write", Address: ptr, Length: size, Err: errors.New("out of range")}
	}
	return ptr, nil
}

// AllocString copies s into guest memory as a NUL-terminated UTF-8 string.
func (m *Memory) AllocString(ctx context.Context, s string) (uint32, error) {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return m.AllocBytes(ctx, buf)
}

// Free releases a guest allocation. Freeing 0 is a no-op.
func (m *Memory) Free(ctx context.Context, ptr uint32) error {
	if ptr == 0 {
		return nil
	}

	m.mu.Lock()
	delete(m.live, ptr)
	m.mu.Unlock()

	if _, err := m.free.Call(ctx, uint64(ptr)); err != nil {
		return &GuestCallError{FunctionName: "free", Err: err}
	}
	return nil
}

// ReadString reads a NUL-terminated string. ok is false for a null pointer,
// an out-of-range pointer, or a missing terminator.
func (m *Memory) ReadString(ptr uint32) (string, bool) {
	if ptr == 0 {
		return "", false
	}
	size := m.mem.Size()
	if ptr >= size {
		return "", false
	}
	buf, ok := m.mem.Read(ptr, size-ptr)
	if !ok {
		return "", false
	}
	end := bytes.IndexByte(buf, 0)
	if end < 0 {
		return "", false
	}
	return string(buf[:end]), true
}

// ReadPtr32 reads a little-endian 32-bit pointer stored at addr.
func (m *Memory) ReadPtr32(addr uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(addr)
	if !ok {
		return 0, &MemoryAccessError{Operation: "read", Address: addr, Length: 4, Err: errors.New("out of range")}
	}
	return v, nil
}

// Outstanding reports how many allocations have not been freed yet.
func (m *Memory) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Scope starts a group of allocations released together.
func (m *Memory) Scope() *Scope {
	return &Scope{mem: m}
}

// Scope tracks the pointers allocated through it.
type Scope struct {
	mem  *Memory
	ptrs []uint32
}

// String allocates s as a C string owned by the scope.
func (s *Scope) String(ctx context.Context, str string) (uint32, error) {
	ptr, err := s.mem.AllocString(ctx, str)
	if err != nil {
		return 0, err
	}
	s.ptrs = append(s.ptrs, ptr)
	return ptr, nil
}

// OptionalString is like String but maps "" to a null pointer.
func (s *Scope) OptionalString(ctx context.Context, str string) (uint32, error) {
	if str == "" {
		return 0, nil
	}
	return s.String(ctx, str)
}

// Release frees every pointer in the scope, most recent first.
// All frees are attempted even when one fails.
func (s *Scope) Release(ctx context.Context) error {
	var errs []error
	for i := len(s.ptrs) - 1; i >= 0; i-- {
		if err := s.mem.Free(ctx, s.ptrs[i]); err != nil {
			errs = append(errs, err)
		}
	}
	s.ptrs = nil
	return errors.Join(errs...)
}
