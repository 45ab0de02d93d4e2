package shim

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-externref/errors"
	"github.com/wippyai/wasm-externref/externref/internal/codegen"
	"github.com/wippyai/wasm-externref/externref/internal/stack"
	"github.com/wippyai/wasm-externref/ir"
	"github.com/wippyai/wasm-externref/wasm"
)

// Suffix is appended to the boundary name to name a wrapper.
const Suffix = " externref shim"

// Options configures synthesis.
type Options struct {
	Logger *zap.Logger
	// Table is the provisioned externref table.
	Table    ir.TableID
	Sentinel int32
}

// Wrapper records one synthesized function.
type Wrapper struct {
	Directive string
	// Target is the function the wrapper calls: the internal function for
	// an export, the retyped import for an import.
	Target ir.FuncID
	Func   ir.FuncID
}

// Synthesize creates a wrapper for every directive with a reference
// position and rebinds the boundary to it. Directives with only plain
// positions are skipped.
func Synthesize(m *ir.Module, dirs []Directive, opts Options) ([]Wrapper, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	var out []Wrapper
	for i := range dirs {
		d := &dirs[i]
		if !d.NeedsShim() {
			continue
		}
		var (
			target, w *ir.Function
			err       error
		)
		if d.Direction == Import {
			target, w, err = wrapImport(m, d, opts)
		} else {
			target, w, err = wrapExport(m, d, opts)
		}
		if err != nil {
			return nil, err
		}
		if w == nil {
			log.Debug("boundary already carries externref", zap.String("directive", d.String()))
			continue
		}
		if _, err := stack.Simulate(m, w); err != nil {
			return nil, errors.Wrap(errors.PhaseShim, errors.KindStackMismatch, err, "wrapper for "+d.String())
		}
		if err := target.Advance(ir.Wrapped); err != nil {
			return nil, err
		}
		if err := w.Advance(ir.Finalized); err != nil {
			return nil, err
		}
		out = append(out, Wrapper{Directive: d.String(), Target: target.ID, Func: w.ID})
		log.Debug("synthesized wrapper",
			zap.String("directive", d.String()),
			zap.String("wrapper", w.Label()),
			zap.String("target", target.Label()))
	}
	return out, nil
}

// Converts reports whether d changes the boundary signature of its target,
// which is when a wrapper, and so the table, is needed. A directive whose
// target cannot be resolved reports true and fails later in Synthesize.
func Converts(m *ir.Module, d *Directive) bool {
	if !d.NeedsShim() {
		return false
	}
	var (
		f  *ir.Function
		ok bool
	)
	if d.Direction == Import {
		f, ok = m.ImportedFunc(d.Module, d.Name)
	} else {
		f, ok = m.ExportedFunc(d.Name)
	}
	if !ok {
		return true
	}
	_, changed, err := boundaryType(d, m.Signature(f))
	return err != nil || changed
}

// boundaryType is ft with every reference position turned into externref.
// Positions that already carry externref are left alone; changed is false
// when there was nothing to convert, as on a second run over the output.
func boundaryType(d *Directive, ft *wasm.FuncType) (out wasm.FuncType, changed bool, err error) {
	if len(d.Params) > len(ft.Params) || len(d.Results) > len(ft.Results) {
		return wasm.FuncType{}, false, errors.InvalidDirective(d.String(),
			"%d params and %d results given for signature %s", len(d.Params), len(d.Results), ft)
	}
	out = ft.Clone()
	convert := func(what string, roles []Role, types []wasm.ValType) error {
		for i, r := range roles {
			if !r.IsRef() {
				continue
			}
			switch types[i] {
			case wasm.ValI32:
				types[i] = wasm.ValExternRef
				changed = true
			case wasm.ValExternRef:
			default:
				return errors.InvalidDirective(d.String(), "%s %d is %s, references travel as i32", what, i, types[i])
			}
		}
		return nil
	}
	if err := convert("param", d.Params, out.Params); err != nil {
		return wasm.FuncType{}, false, err
	}
	if err := convert("result", d.Results, out.Results); err != nil {
		return wasm.FuncType{}, false, err
	}
	return out, changed, nil
}

type builder struct {
	m        *ir.Module
	fn       *ir.Function
	e        *codegen.Emitter
	table    ir.TableID
	sentinel int32
}

func newBuilder(m *ir.Module, fn *ir.Function, opts Options) *builder {
	return &builder{m: m, fn: fn, e: codegen.NewEmitter(), table: opts.Table, sentinel: opts.Sentinel}
}

func (b *builder) local(t wasm.ValType) uint32 {
	return b.m.AddLocal(b.fn, t)
}

// spill pops the call results into fresh locals, first result first.
func (b *builder) spill(results []wasm.ValType) []uint32 {
	locals := make([]uint32, len(results))
	for j, t := range results {
		locals[j] = b.local(t)
	}
	for j := len(locals) - 1; j >= 0; j-- {
		b.e.LocalSet(locals[j])
	}
	return locals
}

// store parks the externref in local v in a fresh slot and pushes the
// slot index. The returned local holds the index.
func (b *builder) store(v uint32) uint32 {
	slot := b.local(wasm.ValI32)
	b.e.Alloc(b.table, slot).LocalGet(v).TableSet(b.table).LocalGet(slot)
	return slot
}

// load pushes the reference in slot idx, or null for the sentinel. With
// release set the slot is nulled after the read.
func (b *builder) load(idx uint32, release bool) {
	b.e.IfNotSentinel(idx, b.sentinel, codegen.BlockExternRef).
		LocalGet(idx).TableGet(b.table)
	if release {
		b.e.LocalGet(idx).RefNullExtern().TableSet(b.table)
	}
	b.e.Else().RefNullExtern().End()
}

// release nulls slot idx unless it holds the sentinel.
func (b *builder) release(idx uint32) {
	b.e.IfNotSentinel(idx, b.sentinel, codegen.BlockVoid).
		LocalGet(idx).RefNullExtern().TableSet(b.table).
		End()
}

func (b *builder) finish() {
	b.fn.Body = b.e.End().Instrs()
}

// wrapExport puts an externref-typed wrapper in front of an export.
func wrapExport(m *ir.Module, d *Directive, opts Options) (*ir.Function, *ir.Function, error) {
	exp, ok := m.Export(d.Name)
	if !ok || exp.Kind != wasm.KindFunc {
		return nil, nil, errors.New(errors.PhaseConfig, errors.KindNotFound).
			Directive(d.String()).
			Detail("no function export named %q", d.Name).
			Build()
	}
	target := m.Funcs[exp.Func]
	inner := m.Signature(target).Clone()
	outer, changed, err := boundaryType(d, &inner)
	if err != nil || !changed {
		return nil, nil, err
	}
	w := m.AddFunction(d.Name+Suffix, m.AddType(outer), nil, nil)
	exp.Func = w.ID

	b := newBuilder(m, w, opts)
	slots := make([]uint32, len(inner.Params))
	for i := range inner.Params {
		if !roleAt(d.Params, i).IsRef() {
			b.e.LocalGet(uint32(i))
			continue
		}
		slots[i] = b.store(uint32(i))
	}
	b.e.Call(target.ID)
	results := b.spill(inner.Results)
	for j, loc := range results {
		switch roleAt(d.Results, j) {
		case Plain:
			b.e.LocalGet(loc)
		case Borrowed:
			b.load(loc, false)
		case Owned:
			b.load(loc, true)
		}
	}
	// Borrowed slots are released only after the results are read, since a
	// borrowed result may name the same slot.
	for i := range inner.Params {
		if roleAt(d.Params, i) == Borrowed {
			b.e.LocalGet(slots[i]).RefNullExtern().TableSet(b.table)
		}
	}
	b.finish()
	return target, w, nil
}

// wrapImport retypes an import to carry externref and adds a wrapper with
// the old slot-based signature for internal callers.
func wrapImport(m *ir.Module, d *Directive, opts Options) (*ir.Function, *ir.Function, error) {
	imp, ok := m.ImportedFunc(d.Module, d.Name)
	if !ok {
		return nil, nil, errors.New(errors.PhaseConfig, errors.KindNotFound).
			Directive(d.String()).
			Detail("no function import %s.%s", d.Module, d.Name).
			Build()
	}
	inner := m.Signature(imp).Clone()
	outer, changed, err := boundaryType(d, &inner)
	if err != nil || !changed {
		return nil, nil, err
	}
	w := m.AddFunction(d.Name+Suffix, imp.Type, nil, nil)
	imp.Type = m.AddType(outer)

	b := newBuilder(m, w, opts)
	for i := range inner.Params {
		if roleAt(d.Params, i).IsRef() {
			b.load(uint32(i), false)
		} else {
			b.e.LocalGet(uint32(i))
		}
	}
	b.e.Call(imp.ID)
	results := b.spill(outer.Results)
	for i := range inner.Params {
		if roleAt(d.Params, i) == Owned {
			b.release(uint32(i))
		}
	}
	// Borrowed results are stored like owned ones; the wrapper has no way
	// to hand out a slot it does not own.
	for j, loc := range results {
		if roleAt(d.Results, j).IsRef() {
			b.store(loc)
		} else {
			b.e.LocalGet(loc)
		}
	}
	b.finish()
	redirect(m, imp.ID, w.ID)
	return imp, w, nil
}

// redirect points every reference to from at to, except inside to itself.
func redirect(m *ir.Module, from, to ir.FuncID) int {
	n := 0
	swap := func(instrs []wasm.Instruction) {
		for i := range instrs {
			switch imm := instrs[i].Imm.(type) {
			case wasm.CallImm:
				if ir.FuncID(imm.Func) == from {
					instrs[i].Imm = wasm.CallImm{Func: uint32(to)}
					n++
				}
			case wasm.RefFuncImm:
				if ir.FuncID(imm.Func) == from {
					instrs[i].Imm = wasm.RefFuncImm{Func: uint32(to)}
					n++
				}
			}
		}
	}
	for _, f := range m.Defined() {
		if f.ID != to {
			swap(f.Body)
		}
	}
	for i := range m.Globals {
		swap(m.Globals[i].Init)
	}
	for _, t := range m.Tables {
		swap(t.Init)
	}
	for i := range m.Elements {
		el := &m.Elements[i]
		for j, id := range el.Funcs {
			if id == from {
				el.Funcs[j] = to
				n++
			}
		}
		for _, expr := range el.Exprs {
			swap(expr)
		}
	}
	for i := range m.Exports {
		if e := &m.Exports[i]; e.Kind == wasm.KindFunc && e.Func == from {
			e.Func = to
			n++
		}
	}
	if m.Start != nil && *m.Start == from {
		*m.Start = to
		n++
	}
	return n
}
