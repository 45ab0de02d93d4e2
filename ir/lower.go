package ir

import (
	"github.com/wippyai/wasm-externref/errors"
	"github.com/wippyai/wasm-externref/wasm"
)

// Encode lowers the model and serializes it.
func Encode(m *Module) ([]byte, error) {
	wm, err := Lower(m)
	if err != nil {
		return nil, err
	}
	out, err := wm.Encode()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseEmit, errors.KindInvalidData, err, "encode module")
	}
	return out, nil
}

// relabel maps handles to final indices.
type relabel struct {
	funcs  map[FuncID]uint32
	types  map[TypeID]uint32
	tables map[TableID]uint32
}

// Lower produces a decoded module with final indices: live imported
// functions in import order, then defined functions in arena order;
// only referenced signatures, deduplicated, in arena order.
func Lower(m *Module) (*wasm.Module, error) {
	rl := relabel{
		funcs:  map[FuncID]uint32{},
		types:  map[TypeID]uint32{},
		tables: map[TableID]uint32{},
	}

	var order []*Function
	for _, e := range m.Imports {
		if e.Kind == wasm.KindFunc {
			order = append(order, m.Funcs[e.Func])
		}
	}
	order = append(order, m.Defined()...)
	for i, f := range order {
		rl.funcs[f.ID] = uint32(i)
	}

	var tables []*Table
	for _, e := range m.Imports {
		if e.Kind == wasm.KindTable {
			tables = append(tables, m.Tables[e.Table])
		}
	}
	for _, t := range m.Tables {
		if !t.Imported() {
			tables = append(tables, t)
		}
	}
	for i, t := range tables {
		rl.tables[t.ID] = uint32(i)
	}

	used, err := m.usedTypes(order)
	if err != nil {
		return nil, err
	}
	wm := &wasm.Module{DataCount: m.DataCount}
	for id := range m.Types {
		tid := TypeID(id)
		if !used[tid] {
			continue
		}
		ft := &m.Types[id]
		idx := -1
		for j := range wm.Types {
			if wm.Types[j].Equal(ft) {
				idx = j
				break
			}
		}
		if idx < 0 {
			wm.Types = append(wm.Types, ft.Clone())
			idx = len(wm.Types) - 1
		}
		rl.types[tid] = uint32(idx)
	}

	for _, e := range m.Imports {
		switch e.Kind {
		case wasm.KindFunc:
			f := m.Funcs[e.Func]
			wm.Imports = append(wm.Imports, wasm.Import{
				Module:  f.Import.Module,
				Name:    f.Import.Name,
				Kind:    wasm.KindFunc,
				TypeIdx: rl.types[f.Type],
			})
		case wasm.KindTable:
			t := m.Tables[e.Table]
			wm.Imports = append(wm.Imports, wasm.Import{
				Module: t.Import.Module,
				Name:   t.Import.Name,
				Kind:   wasm.KindTable,
				Table:  &wasm.TableType{ElemType: t.ElemType, Limits: t.Limits},
			})
		default:
			wm.Imports = append(wm.Imports, *e.Raw)
		}
	}

	for _, f := range order {
		if f.Imported() {
			continue
		}
		code, err := rl.body(f.Body)
		if err != nil {
			return nil, withFunc(err, f)
		}
		wm.Funcs = append(wm.Funcs, rl.types[f.Type])
		wm.Code = append(wm.Code, wasm.FuncBody{Locals: compressLocals(f.Locals), Code: code})
	}

	for _, t := range tables {
		if t.Imported() {
			continue
		}
		tt := wasm.TableType{ElemType: t.ElemType, Limits: t.Limits}
		if t.Init != nil {
			init, err := rl.body(t.Init)
			if err != nil {
				return nil, err
			}
			tt.Init = init
		}
		wm.Tables = append(wm.Tables, tt)
	}

	wm.Memories = append(wm.Memories, m.Memories...)
	for _, g := range m.Globals {
		init, err := rl.body(g.Init)
		if err != nil {
			return nil, err
		}
		wm.Globals = append(wm.Globals, wasm.Global{Type: g.Type, Init: init})
	}

	for _, e := range m.Exports {
		we := wasm.Export{Name: e.Name, Kind: e.Kind, Index: e.Index}
		switch e.Kind {
		case wasm.KindFunc:
			idx, err := rl.fn(e.Func)
			if err != nil {
				return nil, err
			}
			we.Index = idx
		case wasm.KindTable:
			idx, err := rl.table(e.Table)
			if err != nil {
				return nil, err
			}
			we.Index = idx
		}
		wm.Exports = append(wm.Exports, we)
	}

	if m.Start != nil {
		idx, err := rl.fn(*m.Start)
		if err != nil {
			return nil, err
		}
		wm.Start = &idx
	}

	for i := range m.Elements {
		we, err := rl.element(&m.Elements[i])
		if err != nil {
			return nil, err
		}
		wm.Elements = append(wm.Elements, we)
	}

	wm.Data = append(wm.Data, m.Data...)
	wm.Customs = append(wm.Customs, m.Customs...)
	if m.nameSection == nil && m.hasNames() {
		m.nameSection = &nameSection{after: wasm.SectionData}
	}
	if m.nameSection != nil {
		wm.Customs = append(wm.Customs, m.lowerNames(rl.funcs))
	}
	return wm, nil
}

func withFunc(err error, f *Function) error {
	if e, ok := err.(*errors.Error); ok && e.Func == "" {
		e.Func = f.Label()
	}
	return err
}

// usedTypes collects the signatures referenced by live functions, typed
// blocks and call_indirect.
func (m *Module) usedTypes(order []*Function) (map[TypeID]bool, error) {
	used := map[TypeID]bool{}
	mark := func(id TypeID) error {
		if int(id) >= len(m.Types) {
			return errors.Dangling(errors.PhaseEmit, "type", uint32(id))
		}
		used[id] = true
		return nil
	}
	for _, f := range order {
		if err := mark(f.Type); err != nil {
			return nil, withFunc(err, f)
		}
		for i := range f.Body {
			var err error
			switch imm := f.Body[i].Imm.(type) {
			case wasm.BlockImm:
				if imm.Type >= 0 {
					err = mark(TypeID(imm.Type))
				}
			case wasm.CallIndirectImm:
				err = mark(TypeID(imm.Type))
			}
			if err != nil {
				return nil, withFunc(err, f)
			}
		}
	}
	return used, nil
}

func (rl *relabel) fn(id FuncID) (uint32, error) {
	idx, ok := rl.funcs[id]
	if !ok {
		return 0, errors.Dangling(errors.PhaseEmit, "func", uint32(id))
	}
	return idx, nil
}

func (rl *relabel) table(id TableID) (uint32, error) {
	idx, ok := rl.tables[id]
	if !ok {
		if id == PendingTable {
			return 0, errors.New(errors.PhaseEmit, errors.KindDanglingRef).
				Detail("table operand was never provisioned").
				Build()
		}
		return 0, errors.Dangling(errors.PhaseEmit, "table", uint32(id))
	}
	return idx, nil
}

func (rl *relabel) typ(id TypeID) (uint32, error) {
	idx, ok := rl.types[id]
	if !ok {
		return 0, errors.Dangling(errors.PhaseEmit, "type", uint32(id))
	}
	return idx, nil
}

// body relabels and encodes an instruction sequence.
func (rl *relabel) body(instrs []wasm.Instruction) ([]byte, error) {
	out := make([]wasm.Instruction, len(instrs))
	for i, ins := range instrs {
		mapped, err := rl.instr(ins)
		if err != nil {
			if e, ok := err.(*errors.Error); ok {
				e.Instr = i
			}
			return nil, err
		}
		out[i] = mapped
	}
	code, err := wasm.EncodeInstructions(out)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseEmit, errors.KindInvalidData, err, "encode instructions")
	}
	return code, nil
}

func (rl *relabel) instr(ins wasm.Instruction) (wasm.Instruction, error) {
	var err error
	switch imm := ins.Imm.(type) {
	case wasm.CallImm:
		imm.Func, err = rl.fn(FuncID(imm.Func))
		ins.Imm = imm
	case wasm.RefFuncImm:
		imm.Func, err = rl.fn(FuncID(imm.Func))
		ins.Imm = imm
	case wasm.CallIndirectImm:
		if imm.Type, err = rl.typ(TypeID(imm.Type)); err == nil {
			imm.Table, err = rl.table(TableID(imm.Table))
		}
		ins.Imm = imm
	case wasm.BlockImm:
		if imm.Type >= 0 {
			var idx uint32
			idx, err = rl.typ(TypeID(imm.Type))
			imm.Type = int64(idx)
		}
		ins.Imm = imm
	case wasm.TableImm:
		imm.Table, err = rl.table(TableID(imm.Table))
		ins.Imm = imm
	case wasm.MiscImm:
		ops := append([]uint32(nil), imm.Operands...)
		for _, pos := range TableOperands(imm.Sub) {
			if ops[pos], err = rl.table(TableID(ops[pos])); err != nil {
				break
			}
		}
		imm.Operands = ops
		ins.Imm = imm
	}
	return ins, err
}

// TableOperands lists the operand positions of a 0xFC instruction that
// hold table handles.
func TableOperands(sub uint32) []int {
	switch sub {
	case wasm.MiscTableInit:
		return []int{1}
	case wasm.MiscTableCopy:
		return []int{0, 1}
	case wasm.MiscTableGrow, wasm.MiscTableSize, wasm.MiscTableFill:
		return []int{0}
	}
	return nil
}

func (rl *relabel) element(el *Element) (wasm.Element, error) {
	we := wasm.Element{Flags: el.Flags, RefType: el.RefType}
	if el.Flags&0x01 == 0 {
		idx, err := rl.table(el.Table)
		if err != nil {
			return we, err
		}
		we.Table = idx
		if we.Offset, err = rl.body(el.Offset); err != nil {
			return we, err
		}
	}
	// The short form implies table 0.
	if el.Flags&0x02 == 0 && el.Flags&0x01 == 0 && we.Table != 0 {
		we.Flags |= 0x02
	}
	for _, f := range el.Funcs {
		idx, err := rl.fn(f)
		if err != nil {
			return we, err
		}
		we.FuncIndices = append(we.FuncIndices, idx)
	}
	for _, expr := range el.Exprs {
		code, err := rl.body(expr)
		if err != nil {
			return we, err
		}
		we.Exprs = append(we.Exprs, code)
	}
	return we, nil
}

// compressLocals groups consecutive locals of the same type.
func compressLocals(locals []wasm.ValType) []wasm.LocalEntry {
	var out []wasm.LocalEntry
	for _, t := range locals {
		if n := len(out); n > 0 && out[n-1].Type == t {
			out[n-1].Count++
			continue
		}
		out = append(out, wasm.LocalEntry{Count: 1, Type: t})
	}
	return out
}
