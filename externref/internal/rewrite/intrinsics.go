package rewrite

import (
	"github.com/wippyai/wasm-externref/errors"
	"github.com/wippyai/wasm-externref/ir"
	"github.com/wippyai/wasm-externref/wasm"
)

// Op is a recognized intrinsic operation.
type Op uint8

const (
	OpAllocate Op = iota + 1
	OpDeallocate
	OpGrow
	OpSetNull
	OpGet
	OpSet
	OpDropRange
)

// Names maps the import names the front end emits to operations.
var Names = map[string]Op{
	"allocate":   OpAllocate,
	"deallocate": OpDeallocate,
	"grow":       OpGrow,
	"set_null":   OpSetNull,
	"get":        OpGet,
	"set":        OpSet,
	"drop_range": OpDropRange,
}

var opNames = [...]string{"unknown", "allocate", "deallocate", "grow", "set_null", "get", "set", "drop_range"}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return opNames[0]
}

var (
	i32 = wasm.ValI32
	ext = wasm.ValExternRef
)

func sig(params, results []wasm.ValType) wasm.FuncType {
	return wasm.FuncType{Params: params, Results: results}
}

// signatures lists the accepted import types per operation.
var signatures = map[Op][]wasm.FuncType{
	OpAllocate:   {sig(nil, []wasm.ValType{i32})},
	OpDeallocate: {sig([]wasm.ValType{i32}, nil)},
	OpGrow: {
		sig([]wasm.ValType{i32}, []wasm.ValType{i32}),
		sig([]wasm.ValType{ext, i32}, []wasm.ValType{i32}),
	},
	OpSetNull:   {sig([]wasm.ValType{i32}, nil)},
	OpGet:       {sig([]wasm.ValType{i32}, []wasm.ValType{ext})},
	OpSet:       {sig([]wasm.ValType{i32, ext}, nil)},
	OpDropRange: {sig([]wasm.ValType{i32, i32}, nil)},
}

// Resolve finds the live imports in module and checks their names and
// signatures.
func Resolve(m *ir.Module, module string) (map[ir.FuncID]Op, error) {
	ops := map[ir.FuncID]Op{}
	for _, e := range m.Imports {
		if e.Kind != wasm.KindFunc {
			continue
		}
		f := m.Funcs[e.Func]
		if f.Import.Module != module {
			continue
		}
		op, ok := Names[f.Import.Name]
		if !ok {
			return nil, errors.New(errors.PhaseConfig, errors.KindBadIntrinsic).
				Func(f.Label()).
				Detail("unknown intrinsic %q", f.Import.Name).
				Build()
		}
		got := m.Signature(f)
		match := false
		for i := range signatures[op] {
			if signatures[op][i].Equal(got) {
				match = true
				break
			}
		}
		if !match {
			return nil, errors.New(errors.PhaseConfig, errors.KindBadIntrinsic).
				Func(f.Label()).
				Value(got.String()).
				Detail("intrinsic %s has signature %s, expected %s", op, got, signatures[op][0].String()).
				Build()
		}
		ops[f.ID] = op
	}
	return ops, nil
}

// checkNoEscapes rejects references to intrinsics other than direct calls.
func checkNoEscapes(m *ir.Module, ops map[ir.FuncID]Op) error {
	escape := func(where string, id ir.FuncID) error {
		f, _ := m.Func(id)
		return errors.New(errors.PhaseRewrite, errors.KindBadIntrinsic).
			Func(f.Label()).
			Detail("intrinsic referenced by %s", where).
			Build()
	}
	refFunc := func(where string, instrs []wasm.Instruction) error {
		for i := range instrs {
			if imm, ok := instrs[i].Imm.(wasm.RefFuncImm); ok {
				if _, hit := ops[ir.FuncID(imm.Func)]; hit {
					return escape(where, ir.FuncID(imm.Func))
				}
			}
		}
		return nil
	}

	for _, f := range m.Defined() {
		if err := refFunc("ref.func in "+f.Label(), f.Body); err != nil {
			return err
		}
	}
	for i := range m.Globals {
		if err := refFunc("global initializer", m.Globals[i].Init); err != nil {
			return err
		}
	}
	for _, t := range m.Tables {
		if err := refFunc("table initializer", t.Init); err != nil {
			return err
		}
	}
	for i := range m.Elements {
		el := &m.Elements[i]
		for _, id := range el.Funcs {
			if _, hit := ops[id]; hit {
				return escape("element segment", id)
			}
		}
		for _, expr := range el.Exprs {
			if err := refFunc("element segment", expr); err != nil {
				return err
			}
		}
	}
	for _, e := range m.Exports {
		if e.Kind != wasm.KindFunc {
			continue
		}
		if _, hit := ops[e.Func]; hit {
			return escape("export "+e.Name, e.Func)
		}
	}
	if m.Start != nil {
		if _, hit := ops[*m.Start]; hit {
			return escape("start", *m.Start)
		}
	}
	return nil
}
