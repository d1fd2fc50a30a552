package formats

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// PDFOptions configures the PDF export filter.
type PDFOptions struct {
	// PDFALevel selects an archival profile: "PDF/A-1b", "PDF/A-2b" or
	// "PDF/A-3b". Empty means plain PDF.
	PDFALevel string `json:"pdfaLevel,omitempty" validate:"omitempty,oneof=PDF/A-1b PDF/A-2b PDF/A-3b"`

	// Quality is the JPEG quality for embedded images, 1-100.
	Quality int `json:"quality,omitempty" validate:"omitempty,min=1,max=100"`

	TaggedPDF       bool `json:"taggedPdf,omitempty"`
	ExportBookmarks bool `json:"exportBookmarks,omitempty"`
}

var pdfaVersions = map[string]int{
	"PDF/A-1b": 1,
	"PDF/A-2b": 2,
	"PDF/A-3b": 3,
}

// filterProperty is one entry of the engine's JSON filter options.
type filterProperty struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// FilterOptions renders o as the engine's JSON filter-options string.
// Nil or zero options render as "".
func (o *PDFOptions) FilterOptions() (string, error) {
	if o == nil {
		return "", nil
	}
	if err := validate.Struct(o); err != nil {
		return "", fmt.Errorf("invalid PDF options: %w", err)
	}

	props := make(map[string]filterProperty)
	if v, ok := pdfaVersions[o.PDFALevel]; ok {
		props["SelectPdfVersion"] = filterProperty{Type: "long", Value: strconv.Itoa(v)}
	}
	if o.Quality > 0 {
		props["Quality"] = filterProperty{Type: "long", Value: strconv.Itoa(o.Quality)}
	}
	if o.TaggedPDF {
		props["UseTaggedPDF"] = filterProperty{Type: "boolean", Value: "true"}
	}
	if o.ExportBookmarks {
		props["ExportBookmarks"] = filterProperty{Type: "boolean", Value: "true"}
	}
	if len(props) == 0 {
		return "", nil
	}

	// Map keys are marshaled in sorted order.
	out, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
