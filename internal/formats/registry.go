// Package formats describes the document formats the engine can write.
package formats

import (
	"bytes"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Family groups formats by the kind of document they hold.
type Family string

const (
	FamilyText         Family = "text"
	FamilySpreadsheet  Family = "spreadsheet"
	FamilyPresentation Family = "presentation"
	FamilyDrawing      Family = "drawing"
	FamilyAny          Family = "any"
)

// Families returns every family in listing order.
func Families() []Family {
	return []Family{FamilyText, FamilySpreadsheet, FamilyPresentation, FamilyDrawing, FamilyAny}
}

// Format is an output format.
type Format struct {
	// Name is the format code passed to the engine's saveAs.
	Name      string
	Extension string
	MimeType  string
	Family    Family

	// Magic is the required prefix of a valid output file. Empty for
	// text formats that have none.
	Magic []byte
}

// Matches reports whether data starts with the format's signature.
func (f *Format) Matches(data []byte) bool {
	return len(f.Magic) == 0 || bytes.HasPrefix(data, f.Magic)
}

// Registry indexes known formats.
type Registry struct {
	sync.RWMutex
	formats  map[string]*Format   // name -> format
	byFamily map[Family][]*Format // family -> formats
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		formats:  make(map[string]*Format),
		byFamily: make(map[Family][]*Format),
		logger:   logger.With(zap.String("component", "format-registry")),
	}
}

// Register adds a format.
func (r *Registry) Register(f *Format) error {
	r.Lock()
	defer r.Unlock()

	name := normalize(f.Name)
	if _, exists := r.formats[name]; exists {
		return &FormatAlreadyRegisteredError{Name: name}
	}
	if f.Extension == "" {
		f.Extension = name
	}

	r.formats[name] = f
	r.byFamily[f.Family] = append(r.byFamily[f.Family], f)

	r.logger.Debug("Format registered",
		zap.String("name", name),
		zap.String("family", string(f.Family)),
	)
	return nil
}

// Lookup finds a format by name or extension, ignoring case and a
// leading dot.
func (r *Registry) Lookup(name string) (*Format, error) {
	r.RLock()
	defer r.RUnlock()

	f, ok := r.formats[normalize(name)]
	if !ok {
		return nil, &UnknownFormatError{Name: name}
	}
	return f, nil
}

// LookupByFamily lists formats of one family.
func (r *Registry) LookupByFamily(family Family) []*Format {
	r.RLock()
	defer r.RUnlock()

	formats := r.byFamily[family]
	result := make([]*Format, len(formats))
	copy(result, formats)
	return result
}

// List returns all formats sorted by name.
func (r *Registry) List() []*Format {
	r.RLock()
	defer r.RUnlock()

	result := make([]*Format, 0, len(r.formats))
	for _, f := range r.formats {
		result = append(result, f)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Count returns the number of registered formats.
func (r *Registry) Count() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.formats)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "."))
}

var (
	magicPDF = []byte("%PDF-")
	magicZip = []byte("PK\x03\x04")
	magicOLE = []byte("\xd0\xcf\x11\xe0\xa1\xb1\x1a\xe1")
	magicRTF = []byte("{\\rtf")
	magicPNG = []byte("\x89PNG\r\n\x1a\n")
	magicJPG = []byte("\xff\xd8\xff")
)

// Defaults lists the built-in output formats.
func Defaults() []*Format {
	return []*Format{
		{Name: "pdf", MimeType: "application/pdf", Family: FamilyAny, Magic: magicPDF},
		{Name: "docx", MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Family: FamilyText, Magic: magicZip},
		{Name: "doc", MimeType: "application/msword", Family: FamilyText, Magic: magicOLE},
		{Name: "odt", MimeType: "application/vnd.oasis.opendocument.text", Family: FamilyText, Magic: magicZip},
		{Name: "rtf", MimeType: "application/rtf", Family: FamilyText, Magic: magicRTF},
		{Name: "txt", MimeType: "text/plain; charset=utf-8", Family: FamilyText},
		{Name: "html", MimeType: "text/html; charset=utf-8", Family: FamilyText},
		{Name: "epub", MimeType: "application/epub+zip", Family: FamilyText, Magic: magicZip},
		{Name: "xlsx", MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", Family: FamilySpreadsheet, Magic: magicZip},
		{Name: "xls", MimeType: "application/vnd.ms-excel", Family: FamilySpreadsheet, Magic: magicOLE},
		{Name: "ods", MimeType: "application/vnd.oasis.opendocument.spreadsheet", Family: FamilySpreadsheet, Magic: magicZip},
		{Name: "csv", MimeType: "text/csv; charset=utf-8", Family: FamilySpreadsheet},
		{Name: "pptx", MimeType: "application/vnd.openxmlformats-officedocument.presentationml.presentation", Family: FamilyPresentation, Magic: magicZip},
		{Name: "ppt", MimeType: "application/vnd.ms-powerpoint", Family: FamilyPresentation, Magic: magicOLE},
		{Name: "odp", MimeType: "application/vnd.oasis.opendocument.presentation", Family: FamilyPresentation, Magic: magicZip},
		{Name: "png", MimeType: "image/png", Family: FamilyDrawing, Magic: magicPNG},
		{Name: "jpg", MimeType: "image/jpeg", Family: FamilyDrawing, Magic: magicJPG},
		{Name: "svg", MimeType: "image/svg+xml", Family: FamilyDrawing},
	}
}

// NewDefaultRegistry returns a registry holding Defaults.
func NewDefaultRegistry(logger *zap.Logger) *Registry {
	r := NewRegistry(logger)
	for _, f := range Defaults() {
		// Defaults have unique names.
		_ = r.Register(f)
	}
	return r
}
