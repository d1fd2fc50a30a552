package wasm

import (
	"errors"
	"fmt"
)

// ErrOutOfMemory is returned when the guest allocator returns a null pointer.
var ErrOutOfMemory = errors.New("guest allocator returned null")

// CompilationError reports engine bytes that wazero refused to compile.
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// InstantiationError reports a failed start of a compiled module,
// including a failing _start or _initialize.
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("instantiate %s as %s: %v", e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error { return e.Err }

// ModuleNotFoundError means Instantiate ran before the module was loaded
// into this runtime.
type ModuleNotFoundError struct {
	ModuleName string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module %s is not loaded in this runtime", e.ModuleName)
}

// FunctionNotFoundError names an export the engine does not provide.
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("module %s does not export %s", e.ModuleName, e.FunctionName)
}

// MemoryAccessError is a guest heap operation outside linear memory or
// an allocation the guest could not satisfy.
type MemoryAccessError struct {
	Operation string
	Address   uint32
	Length    uint32
	Err       error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("guest memory %s at %#x (%d bytes): %v",
		e.Operation, e.Address, e.Length, e.Err)
}

func (e *MemoryAccessError) Unwrap() error { return e.Err }

// GuestCallError wraps a failed call into the guest. wazero reports
// traps, exits and closed modules this way.
type GuestCallError struct {
	FunctionName string
	Err          error
}

func (e *GuestCallError) Error() string {
	return fmt.Sprintf("guest call %s: %v", e.FunctionName, e.Err)
}

func (e *GuestCallError) Unwrap() error { return e.Err }
