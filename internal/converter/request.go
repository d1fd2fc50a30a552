package converter

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"

	"github.com/woxQAQ/docbridge/internal/formats"
	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// Options describes the requested conversion.
type Options struct {
	// InputFormat is the source extension, e.g. "docx". When empty it is
	// taken from the filename, then detected from the content.
	InputFormat string `json:"inputFormat,omitempty" validate:"omitempty,max=16"`

	// OutputFormat is a registered format name, e.g. "pdf".
	OutputFormat string `json:"outputFormat" validate:"required,max=16"`

	// FilterOptions is passed to the engine's export filter as is.
	FilterOptions string `json:"filterOptions,omitempty"`

	// PDF builds FilterOptions for PDF output when FilterOptions is empty.
	PDF *formats.PDFOptions `json:"pdf,omitempty"`
}

// Result is a finished conversion.
type Result struct {
	Data     []byte
	MimeType string
	Filename string
	Duration time.Duration
}

// Request is a validated conversion ready to be dispatched to a host.
type Request struct {
	Payload  protocol.ConvertPayload
	Format   *formats.Format
	Filename string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Prepare validates a conversion and resolves its formats. It never
// touches a host, so bad input is rejected before dispatch.
func Prepare(registry *formats.Registry, input []byte, opts Options, filename string) (*Request, error) {
	if len(input) == 0 {
		return nil, protocol.NewError(protocol.KindInvalidInput, "input is empty")
	}
	if err := validate.Struct(opts); err != nil {
		return nil, protocol.NewError(protocol.KindInvalidInput, "invalid options: %v", err)
	}

	target, err := registry.Lookup(opts.OutputFormat)
	if err != nil {
		return nil, protocol.NewError(protocol.KindInvalidInput, "%v", err)
	}

	filterOptions := opts.FilterOptions
	if filterOptions == "" && target.Name == "pdf" {
		filterOptions, err = opts.PDF.FilterOptions()
		if err != nil {
			return nil, protocol.NewError(protocol.KindInvalidInput, "%v", err)
		}
	}

	return &Request{
		Payload: protocol.ConvertPayload{
			Input:         input,
			SourceExt:     sourceExt(input, opts.InputFormat, filename),
			TargetFormat:  target.Name,
			TargetExt:     target.Extension,
			FilterOptions: filterOptions,
		},
		Format:   target,
		Filename: outputName(filename, target.Extension),
	}, nil
}

// Complete checks the engine output and builds the result.
func (r *Request) Complete(data []byte, start time.Time) (*Result, error) {
	if len(data) == 0 {
		return nil, protocol.NewError(protocol.KindDocumentSaveFailed, "engine produced empty %s output", r.Format.Name)
	}
	if !r.Format.Matches(data) {
		return nil, protocol.NewError(protocol.KindDocumentSaveFailed, "output is not a valid %s file", r.Format.Name)
	}
	return &Result{
		Data:     data,
		MimeType: r.Format.MimeType,
		Filename: r.Filename,
		Duration: time.Since(start),
	}, nil
}

func sourceExt(input []byte, hint, filename string) string {
	if ext := strings.TrimPrefix(hint, "."); ext != "" {
		return strings.ToLower(ext)
	}
	if ext := strings.TrimPrefix(filepath.Ext(filename), "."); ext != "" {
		return strings.ToLower(ext)
	}
	return strings.TrimPrefix(mimetype.Detect(input).Extension(), ".")
}

func outputName(filename, ext string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if filename == "" || base == "" || base == "." || base == string(filepath.Separator) {
		base = "document"
	}
	return base + "." + ext
}
