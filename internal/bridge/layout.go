package bridge

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// ABILok32 names the LibreOfficeKit vtable layout on wasm32.
const ABILok32 = "lok-32"

// Slot is one vtable entry: a byte offset into the class struct and the
// signature the function stored there must have.
type Slot struct {
	Name    string
	Offset  uint32
	Params  []api.ValueType
	Results []api.ValueType
}

// Layout locates every vtable entry the bridge calls.
type Layout struct {
	ABI string

	// Engine class.
	EngineDestroy           Slot
	DocumentLoad            Slot
	GetError                Slot
	DocumentLoadWithOptions Slot

	// Document class.
	DocumentDestroy Slot
	SaveAs          Slot
}

var i32 = api.ValueTypeI32

// Lok32 returns the wasm32 LibreOfficeKit layout. Offset 0 of each class
// holds nSize, so no slot lives there.
func Lok32() Layout {
	return Layout{
		ABI:                     ABILok32,
		EngineDestroy:           Slot{Name: "destroy", Offset: 4, Params: []api.ValueType{i32}},
		DocumentLoad:            Slot{Name: "documentLoad", Offset: 8, Params: []api.ValueType{i32, i32}, Results: []api.ValueType{i32}},
		GetError:                Slot{Name: "getError", Offset: 12, Params: []api.ValueType{i32}, Results: []api.ValueType{i32}},
		DocumentLoadWithOptions: Slot{Name: "documentLoadWithOptions", Offset: 16, Params: []api.ValueType{i32, i32, i32}, Results: []api.ValueType{i32}},
		DocumentDestroy:         Slot{Name: "document.destroy", Offset: 4, Params: []api.ValueType{i32}},
		SaveAs:                  Slot{Name: "saveAs", Offset: 8, Params: []api.ValueType{i32, i32, i32, i32}, Results: []api.ValueType{i32}},
	}
}

// LayoutFor returns the layout registered for abi.
func LayoutFor(abi string) (Layout, error) {
	switch abi {
	case ABILok32, "":
		return Lok32(), nil
	default:
		return Layout{}, fmt.Errorf("unsupported ABI '%s'", abi)
	}
}

// WithOffsets returns a copy of l with the named slot offsets replaced.
func (l Layout) WithOffsets(offsets map[string]uint32) (Layout, error) {
	for name, off := range offsets {
		slot := l.slot(name)
		if slot == nil {
			return l, &LayoutError{Slot: name, Message: "unknown slot"}
		}
		slot.Offset = off
	}
	return l, l.Validate()
}

// Validate checks that offsets are non-zero, 4-byte aligned and unique
// within each class.
func (l Layout) Validate() error {
	classes := [][]Slot{
		{l.EngineDestroy, l.DocumentLoad, l.GetError, l.DocumentLoadWithOptions},
		{l.DocumentDestroy, l.SaveAs},
	}
	for _, class := range classes {
		seen := make(map[uint32]string, len(class))
		for _, s := range class {
			if s.Offset == 0 {
				return &LayoutError{Slot: s.Name, Message: "offset 0 is reserved for nSize"}
			}
			if s.Offset%4 != 0 {
				return &LayoutError{Slot: s.Name, Message: fmt.Sprintf("offset %d is not 4-byte aligned", s.Offset)}
			}
			if other, dup := seen[s.Offset]; dup {
				return &LayoutError{Slot: s.Name, Message: fmt.Sprintf("offset %d already used by '%s'", s.Offset, other)}
			}
			seen[s.Offset] = s.Name
		}
	}
	return nil
}

func (l *Layout) slot(name string) *Slot {
	switch name {
	case l.EngineDestroy.Name:
		return &l.EngineDestroy
	case l.DocumentLoad.Name:
		return &l.DocumentLoad
	case l.GetError.Name:
		return &l.GetError
	case l.DocumentLoadWithOptions.Name:
		return &l.DocumentLoadWithOptions
	case l.DocumentDestroy.Name:
		return &l.DocumentDestroy
	case l.SaveAs.Name:
		return &l.SaveAs
	default:
		return nil
	}
}
