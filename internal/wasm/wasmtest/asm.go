package wasmtest

const (
	opUnreachable = 0x00
	opIf          = 0x04
	opCall        = 0x10
	opElse        = 0x05
	opEnd         = 0x0b
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Load     = 0x28
	opI32Load8U   = 0x2d
	opI32Store    = 0x36
	opI32Const    = 0x41
	opI32Eqz      = 0x45
	opI32Eq       = 0x46
	opI32Ne       = 0x47
	opI32Add      = 0x6a
	opI32Sub      = 0x6b

	blockEmpty = 0x40
)

// Asm assembles a function body.
type Asm struct {
	buf []byte
}

func (a *Asm) op(b ...byte) *Asm {
	a.buf = append(a.buf, b...)
	return a
}

func (a *Asm) I32Const(v int32) *Asm {
	a.buf = append(a.buf, opI32Const)
	a.buf = appendS32(a.buf, v)
	return a
}

func (a *Asm) LocalGet(i uint32) *Asm  { return a.op(opLocalGet).u32(i) }
func (a *Asm) LocalSet(i uint32) *Asm  { return a.op(opLocalSet).u32(i) }
func (a *Asm) GlobalGet(i uint32) *Asm { return a.op(opGlobalGet).u32(i) }
func (a *Asm) GlobalSet(i uint32) *Asm { return a.op(opGlobalSet).u32(i) }

// I32Load loads from the address on the stack plus offset.
func (a *Asm) I32Load(offset uint32) *Asm { return a.op(opI32Load, 0x02).u32(offset) }

// I32Load8U loads one byte from the address on the stack plus offset.
func (a *Asm) I32Load8U(offset uint32) *Asm { return a.op(opI32Load8U, 0x00).u32(offset) }

// I32Store pops value then address and stores at address plus offset.
func (a *Asm) I32Store(offset uint32) *Asm { return a.op(opI32Store, 0x02).u32(offset) }

func (a *Asm) Add() *Asm { return a.op(opI32Add) }
func (a *Asm) Sub() *Asm { return a.op(opI32Sub) }
func (a *Asm) Eq() *Asm  { return a.op(opI32Eq) }
func (a *Asm) Ne() *Asm  { return a.op(opI32Ne) }
func (a *Asm) Eqz() *Asm { return a.op(opI32Eqz) }

// If opens a block without a result.
func (a *Asm) If() *Asm { return a.op(opIf, blockEmpty) }

// IfI32 opens a block producing one i32.
func (a *Asm) IfI32() *Asm { return a.op(opIf, byte(I32)) }

// Call invokes the function at index idx. Imports come first.
func (a *Asm) Call(idx uint32) *Asm { return a.op(opCall).u32(idx) }

func (a *Asm) Else() *Asm        { return a.op(opElse) }
func (a *Asm) End() *Asm         { return a.op(opEnd) }
func (a *Asm) Unreachable() *Asm { return a.op(opUnreachable) }

// Bytes returns the assembled instructions.
func (a *Asm) Bytes() []byte {
	return a.buf
}

func (a *Asm) u32(v uint32) *Asm {
	a.buf = appendU32(a.buf, v)
	return a
}
