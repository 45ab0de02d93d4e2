package wasm

import "strings"

// ValType is a value type.
type ValType byte

const (
	ValI32       ValType = 0x7F
	ValI64       ValType = 0x7E
	ValF32       ValType = 0x7D
	ValF64       ValType = 0x7C
	ValV128      ValType = 0x7B
	ValFuncRef   ValType = 0x70
	ValExternRef ValType = 0x6F
)

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExternRef:
		return "externref"
	}
	return "invalid"
}

// Valid reports whether v is a value type this package can encode.
func (v ValType) Valid() bool {
	switch v {
	case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExternRef:
		return true
	}
	return false
}

// IsRef reports whether v is a reference type.
func (v ValType) IsRef() bool {
	return v == ValFuncRef || v == ValExternRef
}

// BlockTypeOf returns the single-result block type encoding of v.
func BlockTypeOf(v ValType) int64 {
	return int64(v) - 0x80
}

// BlockValType decodes a single-result block type. ok is false for type
// indices and the empty block type.
func BlockValType(bt int64) (v ValType, ok bool) {
	if bt >= 0 || bt == BlockEmpty {
		return 0, false
	}
	v = ValType(bt + 0x80)
	return v, v.Valid()
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether both signatures have the same params and results.
func (f *FuncType) Equal(o *FuncType) bool {
	return valTypesEqual(f.Params, o.Params) && valTypesEqual(f.Results, o.Results)
}

// Clone returns a deep copy.
func (f *FuncType) Clone() FuncType {
	return FuncType{
		Params:  append([]ValType(nil), f.Params...),
		Results: append([]ValType(nil), f.Results...),
	}
}

func (f FuncType) String() string {
	var b strings.Builder
	b.WriteByte('(')
	formatValTypes(&b, f.Params)
	b.WriteString(") -> (")
	formatValTypes(&b, f.Results)
	b.WriteByte(')')
	return b.String()
}

func formatValTypes(b *strings.Builder, ts []ValType) {
	for i, t := range ts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.String())
	}
}

func valTypesEqual(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Limits bound a table or memory.
type Limits struct {
	Max      *uint64
	Min      uint64
	Shared   bool
	Memory64 bool
}

// TableType describes a table. Init holds the optional initializer
// expression (including its end opcode).
type TableType struct {
	Init     []byte
	Limits   Limits
	ElemType ValType
}

// GlobalType describes a global.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// Global is a module-defined global with its constant initializer.
type Global struct {
	Init []byte
	Type GlobalType
}

// Import is one entry of the import section. Exactly one of the
// descriptor fields matching Kind is meaningful.
type Import struct {
	Table   *TableType
	Memory  *Limits
	Global  *GlobalType
	Module  string
	Name    string
	TypeIdx uint32
	Kind    ExternKind
}

// Export is one entry of the export section.
type Export struct {
	Name  string
	Index uint32
	Kind  ExternKind
}

// Element is an element segment, kept in the encoding form it was read
// from. Flags follow the binary format: bit 0 passive/declarative, bit 1
// explicit table index or declarative, bit 2 expression elements.
type Element struct {
	Offset      []byte
	FuncIndices []uint32
	Exprs       [][]byte
	Table       uint32
	Flags       uint32
	RefType     ValType
}

// Active reports whether the segment initializes a table at instantiation.
func (e *Element) Active() bool {
	return e.Flags&1 == 0
}

// UsesExprs reports whether elements are constant expressions rather than
// function indices.
func (e *Element) UsesExprs() bool {
	return e.Flags&4 != 0
}

// LocalEntry is a run of locals with the same type.
type LocalEntry struct {
	Count uint32
	Type  ValType
}

// FuncBody is a code section entry. Code holds the instruction bytes,
// including the final end opcode.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte
}

// DataSegment is a data section entry.
type DataSegment struct {
	Offset []byte
	Init   []byte
	Memory uint32
	Flags  uint32
}

// CustomSection is a custom section. After is the ID of the last standard
// section that preceded it in the input, or 0 when it came first.
type CustomSection struct {
	Name  string
	Data  []byte
	After byte
}

// Module is a decoded core module.
type Module struct {
	Start     *uint32
	DataCount *uint32
	Types     []FuncType
	Imports   []Import
	Funcs     []uint32
	Tables    []TableType
	Memories  []Limits
	Globals   []Global
	Exports   []Export
	Elements  []Element
	Code      []FuncBody
	Data      []DataSegment
	Customs   []CustomSection
}

// NumImported returns the number of imports of the given kind.
func (m *Module) NumImported(kind ExternKind) int {
	n := 0
	for i := range m.Imports {
		if m.Imports[i].Kind == kind {
			n++
		}
	}
	return n
}

// FuncType returns the signature of the function with the given index in
// the function index space.
func (m *Module) FuncType(idx uint32) (*FuncType, bool) {
	n := uint32(0)
	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Kind != KindFunc {
			continue
		}
		if n == idx {
			return m.typeAt(imp.TypeIdx)
		}
		n++
	}
	local := idx - n
	if local >= uint32(len(m.Funcs)) {
		return nil, false
	}
	return m.typeAt(m.Funcs[local])
}

func (m *Module) typeAt(idx uint32) (*FuncType, bool) {
	if idx >= uint32(len(m.Types)) {
		return nil, false
	}
	return &m.Types[idx], true
}

// ExportByName returns the export with the given name.
func (m *Module) ExportByName(name string) (*Export, bool) {
	for i := range m.Exports {
		if m.Exports[i].Name == name {
			return &m.Exports[i], true
		}
	}
	return nil, false
}

// Custom returns the first custom section with the given name.
func (m *Module) Custom(name string) (*CustomSection, bool) {
	for i := range m.Customs {
		if m.Customs[i].Name == name {
			return &m.Customs[i], true
		}
	}
	return nil, false
}
