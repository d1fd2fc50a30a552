package wasmtest

// Addresses used by the fake engine.
const (
	EngineHandle   = 1024
	EngineClass    = 1100
	DocumentHandle = 1200
	DocumentClass  = 1300
	ErrorMessage   = 1500
	HeapBase       = 4096
)

// FakeErrorMessage is what the fake engine's getError returns.
const FakeErrorMessage = "load failed"

// Function indices inside the fake engine.
const (
	fnMalloc = iota
	fnFree
	fnHook
	fnOfficeDestroy
	fnOfficeLoad
	fnGetError
	fnLoadWithOptions
	fnDocDestroy
	fnSaveAs
	fnDestroyedDocs
	fnLiveAllocs
	fnEngineDestroyed
)

// Type indices.
const (
	tI32ToI32 = iota
	tI32ToNone
	tI32x2ToI32
	tI32x3ToI32
	tI32x4ToI32
	tNoneToI32
)

// Globals.
const (
	gHeap = iota
	gLive
	gDestroyedDocs
	gEngineDestroyed
)

// FakeEngine returns a module that follows the lok-32 vtable layout.
//
// Behavior:
//   - libreofficekit_hook returns 0 when the install path is empty.
//   - documentLoad succeeds only for absolute paths.
//   - saveAs traps when the format starts with 'X' and fails when the
//     format is empty.
//   - destroyed_docs, live_allocs and engine_destroyed expose counters.
//
// No file is actually read or written.
func FakeEngine() []byte {
	return fakeEngine(false)
}

// FakeEngineMismatched is FakeEngine with the documentLoad slot pointing at
// a function of the wrong signature.
func FakeEngineMismatched() []byte {
	return fakeEngine(true)
}

func fakeEngine(mismatch bool) []byte {
	i32 := []ValType{I32}

	loadSlot := uint32(fnOfficeLoad)
	if mismatch {
		loadSlot = fnGetError
	}

	m := &Module{
		Types: []FuncType{
			tI32ToI32:   {Params: i32, Results: i32},
			tI32ToNone:  {Params: i32},
			tI32x2ToI32: {Params: []ValType{I32, I32}, Results: i32},
			tI32x3ToI32: {Params: []ValType{I32, I32, I32}, Results: i32},
			tI32x4ToI32: {Params: []ValType{I32, I32, I32, I32}, Results: i32},
			tNoneToI32:  {Results: i32},
		},
		Funcs: []Func{
			fnMalloc:          {Type: tI32ToI32, Locals: 1, Body: mallocBody(), Export: "malloc"},
			fnFree:            {Type: tI32ToNone, Body: freeBody(), Export: "free"},
			fnHook:            {Type: tI32ToI32, Body: hookBody(), Export: "libreofficekit_hook"},
			fnOfficeDestroy:   {Type: tI32ToNone, Body: new(Asm).I32Const(1).GlobalSet(gEngineDestroyed).Bytes()},
			fnOfficeLoad:      {Type: tI32x2ToI32, Body: loadBody(1)},
			fnGetError:        {Type: tI32ToI32, Body: new(Asm).I32Const(ErrorMessage).Bytes()},
			fnLoadWithOptions: {Type: tI32x3ToI32, Body: loadBody(1)},
			fnDocDestroy:      {Type: tI32ToNone, Body: counterIncrement(gDestroyedDocs)},
			fnSaveAs:          {Type: tI32x4ToI32, Body: saveAsBody()},
			fnDestroyedDocs:   {Type: tNoneToI32, Body: new(Asm).GlobalGet(gDestroyedDocs).Bytes(), Export: "destroyed_docs"},
			fnLiveAllocs:      {Type: tNoneToI32, Body: new(Asm).GlobalGet(gLive).Bytes(), Export: "live_allocs"},
			fnEngineDestroyed: {Type: tNoneToI32, Body: new(Asm).GlobalGet(gEngineDestroyed).Bytes(), Export: "engine_destroyed"},
		},
		TableMin:     8,
		MemoryPages:  4,
		MemoryExport: "memory",
		Globals: []Global{
			gHeap:            {Mutable: true, Init: HeapBase},
			gLive:            {Mutable: true},
			gDestroyedDocs:   {Mutable: true},
			gEngineDestroyed: {Mutable: true},
		},
		Elems: []Elem{{
			Offset: 1,
			Funcs: []uint32{
				fnOfficeDestroy,   // table[1]
				loadSlot,          // table[2]
				fnGetError,        // table[3]
				fnLoadWithOptions, // table[4]
				fnDocDestroy,      // table[5]
				fnSaveAs,          // table[6]
			},
		}},
	}
	return m.Encode()
}

// malloc(size): bump allocator, never reuses memory.
func mallocBody() []byte {
	return new(Asm).
		GlobalGet(gHeap).LocalSet(1).
		GlobalGet(gHeap).LocalGet(0).Add().I32Const(8).Add().GlobalSet(gHeap).
		GlobalGet(gLive).I32Const(1).Add().GlobalSet(gLive).
		LocalGet(1).
		Bytes()
}

// free(ptr): only counts.
func freeBody() []byte {
	return new(Asm).
		LocalGet(0).If().
		GlobalGet(gLive).I32Const(1).Sub().GlobalSet(gLive).
		End().
		Bytes()
}

// libreofficekit_hook(installPath) writes both vtables and the error string.
func hookBody() []byte {
	a := new(Asm)
	store := func(addr, val int32) {
		a.I32Const(addr).I32Const(val).I32Store(0)
	}

	store(EngineHandle, EngineClass)
	store(EngineClass, 20) // nSize
	store(EngineClass+4, 1)
	store(EngineClass+8, 2)
	store(EngineClass+12, 3)
	store(EngineClass+16, 4)

	store(DocumentHandle, DocumentClass)
	store(DocumentClass, 12) // nSize
	store(DocumentClass+4, 5)
	store(DocumentClass+8, 6)

	// "load failed\0", little-endian words.
	store(ErrorMessage, 0x64616f6c)
	store(ErrorMessage+4, 0x69616620)
	store(ErrorMessage+8, 0x0064656c)

	return a.
		LocalGet(0).I32Load8U(0).
		IfI32().I32Const(EngineHandle).Else().I32Const(0).End().
		Bytes()
}

// documentLoad(engine, path[, options]) accepts absolute paths only.
func loadBody(pathLocal uint32) []byte {
	return new(Asm).
		LocalGet(pathLocal).I32Load8U(0).I32Const('/').Eq().
		IfI32().I32Const(DocumentHandle).Else().I32Const(0).End().
		Bytes()
}

func counterIncrement(global uint32) []byte {
	return new(Asm).GlobalGet(global).I32Const(1).Add().GlobalSet(global).Bytes()
}

// saveAs(doc, url, format, filter)
func saveAsBody() []byte {
	return new(Asm).
		LocalGet(2).I32Load8U(0).I32Const('X').Eq().
		If().Unreachable().End().
		LocalGet(2).I32Load8U(0).I32Const(0).Ne().
		Bytes()
}
