package ir

import (
	"github.com/wippyai/wasm-externref/errors"
	"github.com/wippyai/wasm-externref/wasm"
)

// Parse decodes a binary module and lifts it.
func Parse(data []byte) (*Module, error) {
	wm, err := wasm.ParseModule(data)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseParse, errors.KindInvalidData, err, "decode module")
	}
	return Lift(wm)
}

// Lift builds the model from a decoded module. Handles equal the input
// indices, so decoded instruction immediates are already handles.
func Lift(wm *wasm.Module) (*Module, error) {
	m := &Module{
		Types:     make([]wasm.FuncType, len(wm.Types)),
		Memories:  append([]wasm.Limits(nil), wm.Memories...),
		Data:      append([]wasm.DataSegment(nil), wm.Data...),
		DataCount: wm.DataCount,
	}
	for i := range wm.Types {
		m.Types[i] = wm.Types[i].Clone()
	}

	for i := range wm.Imports {
		imp := wm.Imports[i]
		name := &ImportName{Module: imp.Module, Name: imp.Name}
		switch imp.Kind {
		case wasm.KindFunc:
			if int(imp.TypeIdx) >= len(m.Types) {
				return nil, errors.Dangling(errors.PhaseParse, "type", imp.TypeIdx)
			}
			f := &Function{ID: FuncID(len(m.Funcs)), Type: TypeID(imp.TypeIdx), Import: name}
			m.Funcs = append(m.Funcs, f)
			m.Imports = append(m.Imports, ImportEntry{Kind: imp.Kind, Func: f.ID})
		case wasm.KindTable:
			t := &Table{ID: TableID(len(m.Tables)), Import: name, ElemType: imp.Table.ElemType, Limits: imp.Table.Limits}
			m.Tables = append(m.Tables, t)
			m.Imports = append(m.Imports, ImportEntry{Kind: imp.Kind, Table: t.ID})
		default:
			m.Imports = append(m.Imports, ImportEntry{Kind: imp.Kind, Raw: &imp})
		}
	}

	for i, typeIdx := range wm.Funcs {
		if int(typeIdx) >= len(m.Types) {
			return nil, errors.Dangling(errors.PhaseParse, "type", typeIdx)
		}
		body := &wm.Code[i]
		instrs, err := wasm.DecodeInstructions(body.Code)
		if err != nil {
			return nil, errors.New(errors.PhaseParse, errors.KindInvalidData).
				Func((&Function{ID: FuncID(len(m.Funcs))}).Label()).
				Cause(err).
				Build()
		}
		var locals []wasm.ValType
		for _, l := range body.Locals {
			for j := uint32(0); j < l.Count; j++ {
				locals = append(locals, l.Type)
			}
		}
		m.Funcs = append(m.Funcs, &Function{
			ID:     FuncID(len(m.Funcs)),
			Type:   TypeID(typeIdx),
			Locals: locals,
			Body:   instrs,
		})
	}

	for i := range wm.Tables {
		tt := &wm.Tables[i]
		t := &Table{ID: TableID(len(m.Tables)), ElemType: tt.ElemType, Limits: tt.Limits}
		if tt.Init != nil {
			init, err := liftExpr(tt.Init)
			if err != nil {
				return nil, err
			}
			t.Init = init
		}
		m.Tables = append(m.Tables, t)
	}

	for i := range wm.Globals {
		init, err := liftExpr(wm.Globals[i].Init)
		if err != nil {
			return nil, err
		}
		m.Globals = append(m.Globals, Global{Type: wm.Globals[i].Type, Init: init})
	}

	for _, e := range wm.Exports {
		ex := Export{Name: e.Name, Kind: e.Kind}
		switch e.Kind {
		case wasm.KindFunc:
			if int(e.Index) >= len(m.Funcs) {
				return nil, errors.Dangling(errors.PhaseParse, "func", e.Index)
			}
			ex.Func = FuncID(e.Index)
		case wasm.KindTable:
			if int(e.Index) >= len(m.Tables) {
				return nil, errors.Dangling(errors.PhaseParse, "table", e.Index)
			}
			ex.Table = TableID(e.Index)
		default:
			ex.Index = e.Index
		}
		m.Exports = append(m.Exports, ex)
	}

	if wm.Start != nil {
		if int(*wm.Start) >= len(m.Funcs) {
			return nil, errors.Dangling(errors.PhaseParse, "func", *wm.Start)
		}
		start := FuncID(*wm.Start)
		m.Start = &start
	}

	for i := range wm.Elements {
		el, err := m.liftElement(&wm.Elements[i])
		if err != nil {
			return nil, err
		}
		m.Elements = append(m.Elements, el)
	}

	for i := range wm.Customs {
		cs := wm.Customs[i]
		if cs.Name == nameSectionName {
			if m.nameSection == nil {
				m.liftNames(&cs)
			}
			continue
		}
		m.Customs = append(m.Customs, cs)
	}
	return m, nil
}

func liftExpr(raw []byte) ([]wasm.Instruction, error) {
	instrs, err := wasm.DecodeInstructions(raw)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseParse, errors.KindInvalidData, err, "constant expression")
	}
	return instrs, nil
}

func (m *Module) liftElement(we *wasm.Element) (Element, error) {
	el := Element{Flags: we.Flags, Table: TableID(we.Table), RefType: we.RefType}
	if we.Active() {
		if int(we.Table) >= len(m.Tables) {
			return el, errors.Dangling(errors.PhaseParse, "table", we.Table)
		}
		off, err := liftExpr(we.Offset)
		if err != nil {
			return el, err
		}
		el.Offset = off
	}
	for _, idx := range we.FuncIndices {
		if int(idx) >= len(m.Funcs) {
			return el, errors.Dangling(errors.PhaseParse, "func", idx)
		}
		el.Funcs = append(el.Funcs, FuncID(idx))
	}
	for _, raw := range we.Exprs {
		expr, err := liftExpr(raw)
		if err != nil {
			return el, err
		}
		el.Exprs = append(el.Exprs, expr)
	}
	return el, nil
}
