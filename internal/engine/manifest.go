// Package engine loads a wasm document engine described by engine.yaml.
package engine

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/woxQAQ/docbridge/internal/bridge"
)

// ManifestFile is the manifest name inside an engine directory.
const ManifestFile = "engine.yaml"

// DefaultInstallPath is where a LibreOfficeKit build expects its program
// directory inside the guest filesystem.
const DefaultInstallPath = "/instdir/program"

// Manifest represents the engine.yaml structure.
type Manifest struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// ABI selects the vtable layout. Defaults to lok-32.
	ABI string `yaml:"abi"`

	Wasm    WasmConfig    `yaml:"wasm"`
	Exports ExportsConfig `yaml:"exports"`

	// InstallPath is the guest path passed to the engine hook.
	InstallPath string `yaml:"install_path"`

	// Offsets overrides vtable slot offsets by slot name, for builds
	// whose layout differs from the ABI default.
	Offsets map[string]uint32 `yaml:"offsets"`

	// Env is visible to the guest.
	Env map[string]string `yaml:"env"`

	// Internal fields
	dir  string
	path string
}

// WasmConfig holds module file locations, relative to the manifest.
type WasmConfig struct {
	File string `yaml:"file"`

	// VFSImage is a directory mounted read-only at /instdir.
	VFSImage string `yaml:"vfs_image"`
}

// ExportsConfig names the guest exports. Empty fields use the defaults
// of a LibreOfficeKit build.
type ExportsConfig struct {
	Hook   string `yaml:"hook"`
	Malloc string `yaml:"malloc"`
	Free   string `yaml:"free"`
}

// ParseManifest reads engine.yaml. location is either the manifest
// itself or the directory containing it.
func ParseManifest(location string) (*Manifest, error) {
	dir, manifestPath := location, filepath.Join(location, ManifestFile)
	if info, err := os.Stat(location); err == nil && !info.IsDir() {
		dir, manifestPath = filepath.Dir(location), location
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir
	m.path = manifestPath
	if m.ABI == "" {
		m.ABI = bridge.ABILok32
	}
	if m.InstallPath == "" {
		m.InstallPath = DefaultInstallPath
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest fields.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   "name",
			Message: "name is required",
		}
	}

	if m.Version == "" {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   "version",
			Message: "version is required",
		}
	}

	if _, err := m.Layout(); err != nil {
		field := "offsets"
		if _, abiErr := bridge.LayoutFor(m.ABI); abiErr != nil {
			field = "abi"
		}
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   field,
			Message: err.Error(),
		}
	}

	if !path.IsAbs(m.InstallPath) {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   "install_path",
			Message: fmt.Sprintf("install_path must be an absolute guest path, got %q", m.InstallPath),
		}
	}

	if m.Wasm.File == "" {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   "wasm.file",
			Message: "wasm.file is required",
		}
	}

	if _, err := os.Stat(m.WasmPath()); os.IsNotExist(err) {
		return &WasmNotFoundError{
			ManifestPath: m.Path(),
			WasmFile:     m.Wasm.File,
		}
	}

	if m.Wasm.VFSImage != "" {
		info, err := os.Stat(m.VFSImagePath())
		if err != nil || !info.IsDir() {
			return &ManifestValidationError{
				Path:    m.Path(),
				Field:   "wasm.vfs_image",
				Message: fmt.Sprintf("%s is not a directory", m.Wasm.VFSImage),
			}
		}
	}

	return nil
}

// Layout returns the vtable layout with overrides applied.
func (m *Manifest) Layout() (bridge.Layout, error) {
	layout, err := bridge.LayoutFor(m.ABI)
	if err != nil {
		return bridge.Layout{}, err
	}
	if len(m.Offsets) == 0 {
		return layout, nil
	}
	return layout.WithOffsets(m.Offsets)
}

// BridgeConfig returns the bridge settings for this engine.
func (m *Manifest) BridgeConfig() (bridge.Config, error) {
	cfg := bridge.DefaultConfig()
	layout, err := m.Layout()
	if err != nil {
		return cfg, err
	}
	cfg.Layout = layout
	if m.Exports.Hook != "" {
		cfg.HookExport = m.Exports.Hook
	}
	if m.Exports.Malloc != "" {
		cfg.MallocExport = m.Exports.Malloc
	}
	if m.Exports.Free != "" {
		cfg.FreeExport = m.Exports.Free
	}
	return cfg, nil
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	if m.path != "" {
		return m.path
	}
	return filepath.Join(m.dir, ManifestFile)
}

// WasmPath returns the path to the module file.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}

// VFSImagePath returns the host directory of the VFS image, or "".
func (m *Manifest) VFSImagePath() string {
	if m.Wasm.VFSImage == "" {
		return ""
	}
	return filepath.Join(m.dir, m.Wasm.VFSImage)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}
