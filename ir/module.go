package ir

import (
	"fmt"

	"github.com/wippyai/wasm-externref/wasm"
)

// ImportName is the two-part name of an import.
type ImportName struct {
	Module string
	Name   string
}

func (n ImportName) String() string {
	return n.Module + "." + n.Name
}

// Function is a function in the arena. Imported functions have no body.
type Function struct {
	Import     *ImportName
	LocalNames map[uint32]string
	Name       string
	Locals     []wasm.ValType
	Body       []wasm.Instruction
	ID         FuncID
	Type       TypeID
	State      State
	removed    bool
}

// Imported reports whether the function is an import.
func (f *Function) Imported() bool {
	return f.Import != nil
}

// Removed reports whether the function was pruned from the module.
func (f *Function) Removed() bool {
	return f.removed
}

// Label identifies the function in diagnostics.
func (f *Function) Label() string {
	switch {
	case f.Name != "":
		return fmt.Sprintf("func %d (%s)", f.ID, f.Name)
	case f.Import != nil:
		return fmt.Sprintf("func %d (import %s)", f.ID, f.Import)
	}
	return fmt.Sprintf("func %d", f.ID)
}

// Table is a table in the arena.
type Table struct {
	Import   *ImportName
	Init     []wasm.Instruction
	Limits   wasm.Limits
	ID       TableID
	ElemType wasm.ValType
}

// Imported reports whether the table is an import.
func (t *Table) Imported() bool {
	return t.Import != nil
}

// ImportEntry keeps the import section order across kinds. Func and Table
// are set for function and table imports; Raw holds memory and global
// imports, whose index spaces the pass never changes.
type ImportEntry struct {
	Raw   *wasm.Import
	Func  FuncID
	Table TableID
	Kind  wasm.ExternKind
}

// Export binds a name to a function, table, memory or global.
type Export struct {
	Name  string
	Func  FuncID
	Table TableID
	Index uint32
	Kind  wasm.ExternKind
}

// Global is a module-defined global.
type Global struct {
	Init []wasm.Instruction
	Type wasm.GlobalType
}

// Element is an element segment with handle references.
type Element struct {
	Offset  []wasm.Instruction
	Funcs   []FuncID
	Exprs   [][]wasm.Instruction
	Table   TableID
	Flags   uint32
	RefType wasm.ValType
}

// Module is the mutable model the pass works on. Slices indexed by handle
// only grow; pruned imports are flagged, not removed.
type Module struct {
	Start      *FuncID
	DataCount  *uint32
	ModuleName *string
	Types      []wasm.FuncType
	Funcs      []*Function
	Tables     []*Table
	Imports    []ImportEntry
	Exports    []Export
	Elements   []Element
	Globals    []Global
	Memories   []wasm.Limits
	Data       []wasm.DataSegment
	Customs    []wasm.CustomSection
	// nameSection holds the subsections kept verbatim and where the name
	// section sat; nil when the input had none.
	nameSection *nameSection
}

// Func returns the function for id.
func (m *Module) Func(id FuncID) (*Function, bool) {
	if int(id) >= len(m.Funcs) {
		return nil, false
	}
	return m.Funcs[id], true
}

// Type returns the signature for id.
func (m *Module) Type(id TypeID) (*wasm.FuncType, bool) {
	if int(id) >= len(m.Types) {
		return nil, false
	}
	return &m.Types[id], true
}

// Table returns the table for id.
func (m *Module) Table(id TableID) (*Table, bool) {
	if int(id) >= len(m.Tables) {
		return nil, false
	}
	return m.Tables[id], true
}

// Signature returns the declared type of f.
func (m *Module) Signature(f *Function) *wasm.FuncType {
	t, ok := m.Type(f.Type)
	if !ok {
		return &wasm.FuncType{}
	}
	return t
}

// AddType returns the TypeID of an equal signature, adding ft when none
// exists.
func (m *Module) AddType(ft wasm.FuncType) TypeID {
	for i := range m.Types {
		if m.Types[i].Equal(&ft) {
			return TypeID(i)
		}
	}
	m.Types = append(m.Types, ft.Clone())
	return TypeID(len(m.Types) - 1)
}

// AddFunction appends a defined function.
func (m *Module) AddFunction(name string, typ TypeID, locals []wasm.ValType, body []wasm.Instruction) *Function {
	f := &Function{
		ID:     FuncID(len(m.Funcs)),
		Name:   name,
		Type:   typ,
		Locals: locals,
		Body:   body,
	}
	m.Funcs = append(m.Funcs, f)
	return f
}

// AddTable appends a defined table.
func (m *Module) AddTable(elem wasm.ValType, limits wasm.Limits) *Table {
	t := &Table{ID: TableID(len(m.Tables)), ElemType: elem, Limits: limits}
	m.Tables = append(m.Tables, t)
	return t
}

// AddLocal appends a local of type t to f and returns its index.
func (m *Module) AddLocal(f *Function, t wasm.ValType) uint32 {
	idx := uint32(len(m.Signature(f).Params) + len(f.Locals))
	f.Locals = append(f.Locals, t)
	return idx
}

// LocalType returns the type of local idx in f, parameters included.
func (m *Module) LocalType(f *Function, idx uint32) (wasm.ValType, bool) {
	params := m.Signature(f).Params
	if int(idx) < len(params) {
		return params[idx], true
	}
	idx -= uint32(len(params))
	if int(idx) < len(f.Locals) {
		return f.Locals[idx], true
	}
	return 0, false
}

// ImportedFunc finds a live function import by name.
func (m *Module) ImportedFunc(module, name string) (*Function, bool) {
	for _, e := range m.Imports {
		if e.Kind != wasm.KindFunc {
			continue
		}
		f := m.Funcs[e.Func]
		if f.Import.Module == module && f.Import.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Export returns the export with the given name.
func (m *Module) Export(name string) (*Export, bool) {
	for i := range m.Exports {
		if m.Exports[i].Name == name {
			return &m.Exports[i], true
		}
	}
	return nil, false
}

// ExportedFunc returns the function bound to a function export.
func (m *Module) ExportedFunc(name string) (*Function, bool) {
	e, ok := m.Export(name)
	if !ok || e.Kind != wasm.KindFunc {
		return nil, false
	}
	return m.Func(e.Func)
}

// RemoveImport prunes a function import. The arena slot stays so handles
// remain stable; Lower fails if anything still references it.
func (m *Module) RemoveImport(id FuncID) {
	for i, e := range m.Imports {
		if e.Kind == wasm.KindFunc && e.Func == id {
			m.Imports = append(m.Imports[:i], m.Imports[i+1:]...)
			break
		}
	}
	if f, ok := m.Func(id); ok {
		f.removed = true
	}
}

// Defined returns the live defined functions in arena order.
func (m *Module) Defined() []*Function {
	out := make([]*Function, 0, len(m.Funcs))
	for _, f := range m.Funcs {
		if !f.Imported() && !f.removed {
			out = append(out, f)
		}
	}
	return out
}

// GlobalType returns the type of global idx, imports first.
func (m *Module) GlobalType(idx uint32) (wasm.GlobalType, bool) {
	n := uint32(0)
	for _, e := range m.Imports {
		if e.Kind != wasm.KindGlobal {
			continue
		}
		if n == idx {
			return *e.Raw.Global, true
		}
		n++
	}
	idx -= n
	if int(idx) < len(m.Globals) {
		return m.Globals[idx].Type, true
	}
	return wasm.GlobalType{}, false
}

// Memory64 reports whether memory idx uses 64-bit addresses.
func (m *Module) Memory64(idx uint32) bool {
	n := uint32(0)
	for _, e := range m.Imports {
		if e.Kind != wasm.KindMemory {
			continue
		}
		if n == idx {
			return e.Raw.Memory.Memory64
		}
		n++
	}
	idx -= n
	return int(idx) < len(m.Memories) && m.Memories[idx].Memory64
}

// TableElem returns the element type of a table. PendingTable resolves to
// externref.
func (m *Module) TableElem(id TableID) (wasm.ValType, bool) {
	if id == PendingTable {
		return wasm.ValExternRef, true
	}
	t, ok := m.Table(id)
	if !ok {
		return 0, false
	}
	return t.ElemType, true
}

// FuncType returns the signature of function id.
func (m *Module) FuncType(id FuncID) (*wasm.FuncType, bool) {
	f, ok := m.Func(id)
	if !ok || f.removed {
		return nil, false
	}
	return m.Type(f.Type)
}

// AddImport appends a function import. Imports added after lifting keep
// arena order but are emitted in import order.
func (m *Module) AddImport(module, name string, typ TypeID) *Function {
	f := &Function{
		ID:     FuncID(len(m.Funcs)),
		Type:   typ,
		Import: &ImportName{Module: module, Name: name},
	}
	m.Funcs = append(m.Funcs, f)
	m.Imports = append(m.Imports, ImportEntry{Kind: wasm.KindFunc, Func: f.ID})
	return f
}

// ExportFunc binds name to function id.
func (m *Module) ExportFunc(name string, id FuncID) {
	m.Exports = append(m.Exports, Export{Name: name, Kind: wasm.KindFunc, Func: id})
}

// ExportTable binds name to table id.
func (m *Module) ExportTable(name string, id TableID) {
	m.Exports = append(m.Exports, Export{Name: name, Kind: wasm.KindTable, Table: id})
}
