package engine

import (
	"fmt"
)

// ManifestNotFoundError occurs when engine.yaml is not found.
type ManifestNotFoundError struct {
	Path string
	Err  error
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("engine manifest not found at '%s': %v", e.Path, e.Err)
}

func (e *ManifestNotFoundError) Unwrap() error {
	return e.Err
}

// ManifestParseError occurs when engine.yaml is not valid YAML.
type ManifestParseError struct {
	Path string
	Err  error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("failed to parse engine manifest at '%s': %v", e.Path, e.Err)
}

func (e *ManifestParseError) Unwrap() error {
	return e.Err
}

// ManifestValidationError occurs when engine.yaml fails validation.
type ManifestValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *ManifestValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("engine manifest validation failed at '%s': %s (field: %s)",
			e.Path, e.Message, e.Field)
	}
	return fmt.Sprintf("engine manifest validation failed at '%s': %s", e.Path, e.Message)
}

// WasmNotFoundError occurs when the module file named in the manifest
// doesn't exist.
type WasmNotFoundError struct {
	ManifestPath string
	WasmFile     string
}

func (e *WasmNotFoundError) Error() string {
	return fmt.Sprintf("Wasm file '%s' not found (referenced in manifest '%s')",
		e.WasmFile, e.ManifestPath)
}

// LoadError occurs when an engine module cannot be brought up.
type LoadError struct {
	EngineName string
	Stage      string
	Err        error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load engine '%s' (%s): %v", e.EngineName, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
