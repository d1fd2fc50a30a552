// Package wasmtest builds small Wasm binaries for tests.
//
// It covers the subset of the binary format needed to stand in for an
// engine: i32 functions, one funcref table, one memory, mutable globals,
// function imports, exports and active element segments.
package wasmtest

// ValType is a Wasm value type.
type ValType byte

const I32 ValType = 0x7f

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Func is a function body. Body holds instructions without the final end.
type Func struct {
	Type   uint32
	Locals uint32 // extra i32 locals
	Body   []byte
	Export string
}

// Import is a function imported from another module.
type Import struct {
	Module string
	Name   string
	Type   uint32
}

// Global is a mutable or immutable i32 global.
type Global struct {
	Mutable bool
	Init    int32
}

// Elem places function indices into table 0 starting at Offset.
type Elem struct {
	Offset int32
	Funcs  []uint32
}

// Module describes a Wasm module.
type Module struct {
	Types        []FuncType
	Imports      []Import
	Funcs        []Func
	TableMin     uint32
	MemoryPages  uint32
	MemoryExport string
	Globals      []Global
	Elems        []Elem
}

const (
	secType     = 1
	secImport   = 2
	secFunction = 3
	secTable    = 4
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secElement  = 9
	secCode     = 10
)

const (
	exportFunc   = 0x00
	exportMemory = 0x02
)

// Encode serializes m to the Wasm binary format.
func (m *Module) Encode() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(m.Types) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.Types)))
		for _, t := range m.Types {
			b = append(b, 0x60)
			b = appendU32(b, uint32(len(t.Params)))
			for _, p := range t.Params {
				b = append(b, byte(p))
			}
			b = appendU32(b, uint32(len(t.Results)))
			for _, r := range t.Results {
				b = append(b, byte(r))
			}
		}
		out = appendSection(out, secType, b)
	}

	if len(m.Imports) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.Imports)))
		for _, imp := range m.Imports {
			b = appendName(b, imp.Module)
			b = appendName(b, imp.Name)
			b = append(b, exportFunc)
			b = appendU32(b, imp.Type)
		}
		out = appendSection(out, secImport, b)
	}

	if len(m.Funcs) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.Funcs)))
		for _, f := range m.Funcs {
			b = appendU32(b, f.Type)
		}
		out = appendSection(out, secFunction, b)
	}

	if m.TableMin > 0 {
		b := []byte{0x01, 0x70, 0x00}
		b = appendU32(b, m.TableMin)
		out = appendSection(out, secTable, b)
	}

	if m.MemoryPages > 0 {
		b := []byte{0x01, 0x00}
		b = appendU32(b, m.MemoryPages)
		out = appendSection(out, secMemory, b)
	}

	if len(m.Globals) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.Globals)))
		for _, g := range m.Globals {
			b = append(b, byte(I32))
			if g.Mutable {
				b = append(b, 0x01)
			} else {
				b = append(b, 0x00)
			}
			b = append(b, opI32Const)
			b = appendS32(b, g.Init)
			b = append(b, opEnd)
		}
		out = appendSection(out, secGlobal, b)
	}

	var exports []byte
	var exportCount uint32
	if m.MemoryExport != "" {
		exports = appendName(exports, m.MemoryExport)
		exports = append(exports, exportMemory, 0x00)
		exportCount++
	}
	for i, f := range m.Funcs {
		if f.Export == "" {
			continue
		}
		exports = appendName(exports, f.Export)
		exports = append(exports, exportFunc)
		exports = appendU32(exports, uint32(len(m.Imports)+i))
		exportCount++
	}
	if exportCount > 0 {
		b := appendU32(nil, exportCount)
		out = appendSection(out, secExport, append(b, exports...))
	}

	if len(m.Elems) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.Elems)))
		for _, e := range m.Elems {
			b = append(b, 0x00, opI32Const)
			b = appendS32(b, e.Offset)
			b = append(b, opEnd)
			b = appendU32(b, uint32(len(e.Funcs)))
			for _, idx := range e.Funcs {
				b = appendU32(b, idx)
			}
		}
		out = appendSection(out, secElement, b)
	}

	if len(m.Funcs) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.Funcs)))
		for _, f := range m.Funcs {
			var body []byte
			if f.Locals > 0 {
				body = appendU32(body, 1)
				body = appendU32(body, f.Locals)
				body = append(body, byte(I32))
			} else {
				body = appendU32(body, 0)
			}
			body = append(body, f.Body...)
			body = append(body, opEnd)
			b = appendU32(b, uint32(len(body)))
			b = append(b, body...)
		}
		out = appendSection(out, secCode, b)
	}

	return out
}

func appendSection(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = appendU32(out, uint32(len(content)))
	return append(out, content...)
}

func appendName(b []byte, name string) []byte {
	b = appendU32(b, uint32(len(name)))
	return append(b, name...)
}

// appendU32 appends v as unsigned LEB128.
func appendU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}

// appendS32 appends v as signed LEB128.
func appendS32(b []byte, v int32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if done {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
