// Package bridge calls into the engine's C ABI.
//
// ForeignEngine is the capability the rest of the system depends on.
// Bridge is its only implementation that touches guest memory; everything
// unsafe about the ABI (vtable offsets, pointer reads, string marshaling)
// stays in this package.
package bridge

import "context"

// EngineHandle is the guest address of the engine object. Zero is invalid.
type EngineHandle uint32

// DocumentHandle is the guest address of a loaded document. Zero is invalid.
type DocumentHandle uint32

// ForeignEngine is the set of engine operations.
//
// Methods return *protocol.Error for engine-reported failures and
// *TrapError when the guest trapped, after which the module must not be
// called again.
type ForeignEngine interface {
	// InitializeEngine constructs the engine rooted at installPath.
	InitializeEngine(ctx context.Context, installPath string) (EngineHandle, error)

	// GetLastError returns the engine's last error message, "" when none.
	GetLastError(ctx context.Context, eng EngineHandle) (string, error)

	// LoadDocument opens the file at path. Non-empty options select the
	// options-taking entry point when the engine provides one.
	LoadDocument(ctx context.Context, eng EngineHandle, path, options string) (DocumentHandle, error)

	// SaveDocumentAs writes doc to outPath in format.
	SaveDocumentAs(ctx context.Context, doc DocumentHandle, outPath, format, filterOptions string) error

	// DestroyDocument releases doc. Zero handles are ignored.
	DestroyDocument(ctx context.Context, doc DocumentHandle) error

	// DestroyEngine releases eng. Zero handles are ignored.
	DestroyEngine(ctx context.Context, eng EngineHandle) error
}

// Verifier is implemented by engines that can check their ABI before use.
type Verifier interface {
	Verify(ctx context.Context, eng EngineHandle) error
}
