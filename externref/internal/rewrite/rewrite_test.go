package rewrite

import (
	stderrors "errors"
	"testing"

	"github.com/wippyai/wasm-externref/errors"
	"github.com/wippyai/wasm-externref/ir"
	"github.com/wippyai/wasm-externref/wasm"
)

const xform = "__externref_xform__"

func op(o byte) wasm.Instruction { return wasm.Instruction{Opcode: o} }

func i32c(v int32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}}
}

func localGet(idx uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{Index: idx}}
}

func call(id ir.FuncID) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{Func: uint32(id)}}
}

func vt(ts ...wasm.ValType) []wasm.ValType { return ts }

// fixture holds a module with intrinsic imports added on demand.
type fixture struct {
	m     *ir.Module
	funcs map[string]*ir.Function
}

func newFixture() *fixture {
	return &fixture{m: &ir.Module{}, funcs: map[string]*ir.Function{}}
}

func (fx *fixture) intrinsic(name string, params, results []wasm.ValType) ir.FuncID {
	typ := fx.m.AddType(wasm.FuncType{Params: params, Results: results})
	f := fx.m.AddImport(xform, name, typ)
	fx.funcs[name] = f
	return f.ID
}

func (fx *fixture) define(name string, params, results []wasm.ValType, body ...wasm.Instruction) *ir.Function {
	typ := fx.m.AddType(wasm.FuncType{Params: params, Results: results})
	return fx.m.AddFunction(name, typ, nil, body)
}

func (fx *fixture) run(t *testing.T, roots ...ir.FuncID) *Result {
	t.Helper()
	res, err := Run(fx.m, Options{Module: xform, Sentinel: -1, Roots: roots})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func opcodes(body []wasm.Instruction) []byte {
	out := make([]byte, len(body))
	for i := range body {
		out[i] = body[i].Opcode
	}
	return out
}

func assertOpcodes(t *testing.T, body []wasm.Instruction, want ...byte) {
	t.Helper()
	got := opcodes(body)
	if string(got) != string(want) {
		t.Fatalf("opcodes = % x, want % x", got, want)
	}
}

func miscSub(ins wasm.Instruction) uint32 {
	return ins.Imm.(wasm.MiscImm).Sub
}

func TestRunGrow(t *testing.T) {
	fx := newFixture()
	grow := fx.intrinsic("grow", vt(wasm.ValI32), vt(wasm.ValI32))
	f := fx.define("f", vt(wasm.ValI32), nil, i32c(1), call(grow), op(wasm.OpDrop), op(wasm.OpEnd))

	res := fx.run(t)
	assertOpcodes(t, f.Body,
		wasm.OpI32Const, wasm.OpLocalSet, wasm.OpRefNull, wasm.OpLocalGet,
		wasm.OpPrefixMisc, wasm.OpDrop, wasm.OpEnd)
	if miscSub(f.Body[4]) != wasm.MiscTableGrow {
		t.Error("expected table.grow")
	}
	if got := f.Body[4].Imm.(wasm.MiscImm).Operands[0]; got != uint32(ir.PendingTable) {
		t.Errorf("table operand = %d, want pending", got)
	}
	// Param 0 is the i32 parameter; the scratch local follows it.
	if got := f.Body[1].Imm.(wasm.LocalImm).Index; got != 1 {
		t.Errorf("scratch local = %d, want 1", got)
	}
	if len(f.Locals) != 1 || f.Locals[0] != wasm.ValI32 {
		t.Errorf("locals = %v", f.Locals)
	}
	if !res.UsesTable || res.Calls != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(res.Pruned) != 1 || res.Pruned[0].Name != "grow" {
		t.Errorf("pruned = %v", res.Pruned)
	}
	if _, ok := fx.m.ImportedFunc(xform, "grow"); ok {
		t.Error("grow import still present")
	}
	if f.State != ir.Rewritten {
		t.Errorf("state = %s", f.State)
	}
}

func TestRunGrowWithFill(t *testing.T) {
	fx := newFixture()
	grow := fx.intrinsic("grow", vt(wasm.ValExternRef, wasm.ValI32), vt(wasm.ValI32))
	f := fx.define("f", vt(wasm.ValExternRef), vt(wasm.ValI32), localGet(0), i32c(4), call(grow), op(wasm.OpEnd))

	fx.run(t)
	assertOpcodes(t, f.Body, wasm.OpLocalGet, wasm.OpI32Const, wasm.OpPrefixMisc, wasm.OpEnd)
}

func TestRunAllocate(t *testing.T) {
	fx := newFixture()
	alloc := fx.intrinsic("allocate", nil, vt(wasm.ValI32))
	f := fx.define("f", nil, vt(wasm.ValI32), call(alloc), op(wasm.OpEnd))

	fx.run(t)
	assertOpcodes(t, f.Body,
		wasm.OpRefNull, wasm.OpI32Const, wasm.OpPrefixMisc,
		wasm.OpLocalTee, wasm.OpI32Const, wasm.OpI32Eq,
		wasm.OpIf, wasm.OpUnreachable, wasm.OpEnd,
		wasm.OpLocalGet, wasm.OpEnd)
}

func TestRunSentinelGuards(t *testing.T) {
	fx := newFixture()
	get := fx.intrinsic("get", vt(wasm.ValI32), vt(wasm.ValExternRef))
	setNull := fx.intrinsic("set_null", vt(wasm.ValI32), nil)
	f := fx.define("f", vt(wasm.ValI32), vt(wasm.ValExternRef),
		localGet(0), call(setNull),
		localGet(0), call(get),
		op(wasm.OpEnd))

	fx.run(t)
	assertOpcodes(t, f.Body,
		wasm.OpLocalGet, wasm.OpLocalSet,
		wasm.OpLocalGet, wasm.OpI32Const, wasm.OpI32Ne, wasm.OpIf,
		wasm.OpLocalGet, wasm.OpRefNull, wasm.OpTableSet,
		wasm.OpEnd,
		wasm.OpLocalGet, wasm.OpLocalSet,
		wasm.OpLocalGet, wasm.OpI32Const, wasm.OpI32Ne, wasm.OpIf,
		wasm.OpLocalGet, wasm.OpTableGet,
		wasm.OpElse, wasm.OpRefNull,
		wasm.OpEnd,
		wasm.OpEnd)
	if got := f.Body[3].Imm.(wasm.I32Imm).Value; got != -1 {
		t.Errorf("sentinel = %d", got)
	}
	// Both sites share one scratch local.
	if len(f.Locals) != 1 {
		t.Errorf("locals = %v", f.Locals)
	}
}

func TestRunFoldsLiterals(t *testing.T) {
	fx := newFixture()
	get := fx.intrinsic("get", vt(wasm.ValI32), vt(wasm.ValExternRef))
	set := fx.intrinsic("set", vt(wasm.ValI32, wasm.ValExternRef), nil)
	dealloc := fx.intrinsic("deallocate", vt(wasm.ValI32), nil)
	f := fx.define("f", vt(wasm.ValExternRef), vt(wasm.ValExternRef),
		i32c(7), localGet(0), call(set),
		i32c(-1), call(dealloc),
		i32c(-1), localGet(0), call(set),
		i32c(3), call(get),
		op(wasm.OpEnd))

	res := fx.run(t)
	assertOpcodes(t, f.Body,
		wasm.OpI32Const, wasm.OpLocalGet, wasm.OpTableSet,
		wasm.OpI32Const, wasm.OpTableGet,
		wasm.OpEnd)
	if res.MaxSlot != 7 {
		t.Errorf("max slot = %d, want 7", res.MaxSlot)
	}
	if res.Folded != 4 || res.Calls != 4 {
		t.Errorf("folded %d of %d", res.Folded, res.Calls)
	}
	if len(f.Locals) != 0 {
		t.Errorf("folded sites should not need scratch locals: %v", f.Locals)
	}
}

func TestRunSentinelGetNeedsNoTable(t *testing.T) {
	fx := newFixture()
	get := fx.intrinsic("get", vt(wasm.ValI32), vt(wasm.ValExternRef))
	f := fx.define("f", nil, vt(wasm.ValExternRef), i32c(-1), call(get), op(wasm.OpEnd))

	res := fx.run(t)
	assertOpcodes(t, f.Body, wasm.OpRefNull, wasm.OpEnd)
	if res.UsesTable {
		t.Error("sentinel fold should not use the table")
	}
}

func TestRunDropRange(t *testing.T) {
	fx := newFixture()
	drop := fx.intrinsic("drop_range", vt(wasm.ValI32, wasm.ValI32), nil)
	unrolled := fx.define("unrolled", nil, nil, i32c(2), i32c(3), call(drop), op(wasm.OpEnd))
	empty := fx.define("empty", nil, nil, i32c(2), i32c(0), call(drop), op(wasm.OpEnd))
	filled := fx.define("filled", nil, nil, i32c(10), i32c(6), call(drop), op(wasm.OpEnd))
	looped := fx.define("looped", vt(wasm.ValI32, wasm.ValI32), nil, localGet(0), localGet(1), call(drop), op(wasm.OpEnd))

	res := fx.run(t)
	assertOpcodes(t, unrolled.Body,
		wasm.OpI32Const, wasm.OpRefNull, wasm.OpTableSet,
		wasm.OpI32Const, wasm.OpRefNull, wasm.OpTableSet,
		wasm.OpI32Const, wasm.OpRefNull, wasm.OpTableSet,
		wasm.OpEnd)
	if got := unrolled.Body[6].Imm.(wasm.I32Imm).Value; got != 4 {
		t.Errorf("last slot = %d, want 4", got)
	}
	assertOpcodes(t, empty.Body, wasm.OpEnd)
	assertOpcodes(t, filled.Body, wasm.OpI32Const, wasm.OpRefNull, wasm.OpI32Const, wasm.OpPrefixMisc, wasm.OpEnd)
	if sub := filled.Body[3].Imm.(wasm.MiscImm).Sub; sub != wasm.MiscTableFill {
		t.Errorf("long literal range should use table.fill, got sub %d", sub)
	}
	if looped.Body[len(looped.Body)-2].Opcode != wasm.OpEnd {
		t.Error("loop sequence should close its block")
	}
	if len(looped.Locals) != 2 {
		t.Errorf("loop locals = %v", looped.Locals)
	}
	if res.MaxSlot != 15 {
		t.Errorf("max slot = %d", res.MaxSlot)
	}
}

func TestRunReturnCall(t *testing.T) {
	fx := newFixture()
	get := fx.intrinsic("get", vt(wasm.ValI32), vt(wasm.ValExternRef))
	f := fx.define("f", vt(wasm.ValI32), vt(wasm.ValExternRef),
		localGet(0),
		wasm.Instruction{Opcode: wasm.OpReturnCall, Imm: wasm.CallImm{Func: uint32(get)}},
		op(wasm.OpEnd))

	fx.run(t)
	if f.Body[len(f.Body)-2].Opcode != wasm.OpReturn {
		t.Errorf("return_call should end with return, body %v", opcodes(f.Body))
	}
}

func TestRunWorklistFromRoots(t *testing.T) {
	fx := newFixture()
	leaf := fx.define("leaf", nil, nil, op(wasm.OpEnd))
	root := fx.define("root", nil, nil, call(leaf.ID), op(wasm.OpEnd))
	other := fx.define("other", nil, nil, op(wasm.OpEnd))

	res := fx.run(t, root.ID)
	if leaf.State != ir.Rewritten || root.State != ir.Rewritten {
		t.Errorf("reachable states = %s, %s", root.State, leaf.State)
	}
	if other.State != ir.Untouched {
		t.Errorf("unreachable state = %s", other.State)
	}
	if len(res.Rewritten) != 0 || res.UsesTable {
		t.Errorf("nothing should be rewritten: %+v", res)
	}
}

func TestRunPrunesUnusedIntrinsics(t *testing.T) {
	fx := newFixture()
	fx.intrinsic("allocate", nil, vt(wasm.ValI32))
	res := fx.run(t)
	if len(res.Pruned) != 1 {
		t.Errorf("pruned = %v", res.Pruned)
	}
	if len(fx.m.Imports) != 0 {
		t.Errorf("imports = %v", fx.m.Imports)
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name    string
		importName string
		params  []wasm.ValType
		results []wasm.ValType
	}{
		{name: "unknown name", importName: "frobnicate", params: vt(wasm.ValI32)},
		{name: "bad get result", importName: "get", params: vt(wasm.ValI32), results: vt(wasm.ValI32)},
		{name: "set operand order", importName: "set", params: vt(wasm.ValExternRef, wasm.ValI32)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture()
			fx.intrinsic(tt.importName, tt.params, tt.results)
			_, err := Run(fx.m, Options{Module: xform, Sentinel: -1})
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.IsConfig(err) {
				t.Errorf("should be a configuration error: %v", err)
			}
			if !stderrors.Is(err, errors.New(errors.PhaseConfig, errors.KindBadIntrinsic).Build()) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestRunRejectsEscapes(t *testing.T) {
	fx := newFixture()
	get := fx.intrinsic("get", vt(wasm.ValI32), vt(wasm.ValExternRef))
	fx.define("f", nil, vt(wasm.ValFuncRef),
		wasm.Instruction{Opcode: wasm.OpRefFunc, Imm: wasm.RefFuncImm{Func: uint32(get)}},
		op(wasm.OpEnd))
	_, err := Run(fx.m, Options{Module: xform, Sentinel: -1})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsInternal(err) {
		t.Errorf("escape should be internal: %v", err)
	}

	fx = newFixture()
	get = fx.intrinsic("get", vt(wasm.ValI32), vt(wasm.ValExternRef))
	fx.m.ExportFunc("leak", get)
	if _, err := Run(fx.m, Options{Module: xform, Sentinel: -1}); err == nil {
		t.Fatal("exported intrinsic accepted")
	}
}

func TestRunStackMismatch(t *testing.T) {
	fx := newFixture()
	get := fx.intrinsic("get", vt(wasm.ValI32), vt(wasm.ValExternRef))
	fx.define("f", nil, vt(wasm.ValExternRef),
		wasm.Instruction{Opcode: wasm.OpF32Const, Imm: wasm.F32Imm{}},
		call(get),
		op(wasm.OpEnd))
	_, err := Run(fx.m, Options{Module: xform, Sentinel: -1})
	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("error = %v", err)
	}
	if e.Kind != errors.KindStackMismatch || e.Instr != 1 {
		t.Errorf("got %s at %d", e.Kind, e.Instr)
	}
	if !errors.IsInternal(err) {
		t.Error("stack mismatch should be internal")
	}
}

func TestCallGraph(t *testing.T) {
	fx := newFixture()
	c := fx.define("c", nil, nil, op(wasm.OpEnd))
	b := fx.define("b", nil, nil, call(c.ID), call(c.ID), op(wasm.OpEnd))
	a := fx.define("a", nil, nil, call(b.ID), op(wasm.OpEnd))

	cg := BuildCallGraph(fx.m)
	if len(cg[b.ID]) != 1 {
		t.Errorf("duplicate edges: %v", cg[b.ID])
	}
	reach := cg.TransitiveCallees(map[ir.FuncID]bool{a.ID: true})
	if !reach[a.ID] || !reach[b.ID] || !reach[c.ID] {
		t.Errorf("reach = %v", reach)
	}
	callers := cg.Callers(map[ir.FuncID]bool{c.ID: true})
	if !callers[b.ID] || callers[a.ID] {
		t.Errorf("callers = %v", callers)
	}
}
