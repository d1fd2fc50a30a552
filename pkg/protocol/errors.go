package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind identifies the category of a conversion error.
type ErrorKind string

const (
	KindEngineInitFailed   ErrorKind = "engine_init_failed"
	KindDocumentLoadFailed ErrorKind = "document_load_failed"
	KindDocumentSaveFailed ErrorKind = "document_save_failed"
	KindInvalidInput       ErrorKind = "invalid_input"
	KindOperationTimedOut  ErrorKind = "operation_timed_out"
	KindHostCrashed        ErrorKind = "host_crashed"
	KindHostBusy           ErrorKind = "host_busy"
	KindPoolDestroyed      ErrorKind = "pool_destroyed"
	KindWasmNotInitialized ErrorKind = "wasm_not_initialized"
	KindInternal           ErrorKind = "internal"
)

// Error is the single typed error surfaced to callers.
// It is serializable so it can cross a process boundary unchanged.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
	Stage   string    `json:"stage,omitempty"`
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrEngineInitFailed   = &Error{Kind: KindEngineInitFailed}
	ErrDocumentLoadFailed = &Error{Kind: KindDocumentLoadFailed}
	ErrDocumentSaveFailed = &Error{Kind: KindDocumentSaveFailed}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
	ErrOperationTimedOut  = &Error{Kind: KindOperationTimedOut}
	ErrHostCrashed        = &Error{Kind: KindHostCrashed}
	ErrHostBusy           = &Error{Kind: KindHostBusy}
	ErrPoolDestroyed      = &Error{Kind: KindPoolDestroyed}
	ErrWasmNotInitialized = &Error{Kind: KindWasmNotInitialized}
)

// NewError builds an *Error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg += " (stage: " + e.Stage + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Is reports whether target is an *Error of the same kind. A target with
// a message only matches an identical message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// AsError converts any error to an *Error, keeping an existing one.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}
