package formats

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	err := registry.Register(&Format{Name: "pdf", MimeType: "application/pdf", Family: FamilyAny, Magic: []byte("%PDF-")})
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	if registry.Count() != 1 {
		t.Errorf("expected count 1, got %d", registry.Count())
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	if err := registry.Register(&Format{Name: "pdf"}); err != nil {
		t.Fatalf("First Register() failed: %v", err)
	}

	err := registry.Register(&Format{Name: "PDF"})
	var dup *FormatAlreadyRegisteredError
	if !errors.As(err, &dup) {
		t.Fatalf("expected FormatAlreadyRegisteredError, got %v", err)
	}
}

func TestRegistry_Lookup(t *testing.T) {
	registry := NewDefaultRegistry(zap.NewNop())

	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"pdf", "pdf", false},
		{".DOCX", "docx", false},
		{" xlsx ", "xlsx", false},
		{"wpd", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := registry.Lookup(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Lookup() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && f.Name != tt.want {
				t.Errorf("Lookup() = %s, want %s", f.Name, tt.want)
			}
		})
	}
}

func TestRegistry_LookupByFamily(t *testing.T) {
	registry := NewDefaultRegistry(zap.NewNop())

	sheets := registry.LookupByFamily(FamilySpreadsheet)
	if len(sheets) != 4 {
		t.Errorf("expected 4 spreadsheet formats, got %d", len(sheets))
	}

	if len(registry.LookupByFamily(Family("audio"))) != 0 {
		t.Error("unknown family should have no formats")
	}
}

func TestFamiliesCoverDefaults(t *testing.T) {
	registry := NewDefaultRegistry(zap.NewNop())

	total := 0
	for _, family := range Families() {
		formats := registry.LookupByFamily(family)
		if len(formats) == 0 {
			t.Errorf("family %s has no default formats", family)
		}
		total += len(formats)
	}
	if total != registry.Count() {
		t.Errorf("families list %d formats, registry holds %d", total, registry.Count())
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	list := NewDefaultRegistry(zap.NewNop()).List()
	for i := 1; i < len(list); i++ {
		if list[i-1].Name > list[i].Name {
			t.Fatalf("List() not sorted at %d: %s > %s", i, list[i-1].Name, list[i].Name)
		}
	}
}

func TestFormatMatches(t *testing.T) {
	registry := NewDefaultRegistry(zap.NewNop())

	pdf, _ := registry.Lookup("pdf")
	if !pdf.Matches([]byte("%PDF-1.7\n...")) {
		t.Error("PDF signature not recognized")
	}
	if pdf.Matches([]byte("<html>")) {
		t.Error("HTML accepted as PDF")
	}

	txt, _ := registry.Lookup("txt")
	if !txt.Matches([]byte("anything")) {
		t.Error("formats without a signature accept any bytes")
	}
}
