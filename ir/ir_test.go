package ir

import (
	stderrors "errors"
	"testing"

	"github.com/wippyai/wasm-externref/errors"
	"github.com/wippyai/wasm-externref/wasm"
)

func i32(v int32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}}
}

func call(id FuncID) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{Func: uint32(id)}}
}

var end = wasm.Instruction{Opcode: wasm.OpEnd}

// sample builds: import env.log (i32)->(), defined "main" ()->() calling it,
// export "main".
func sample() *Module {
	m := &Module{}
	logT := m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}})
	voidT := m.AddType(wasm.FuncType{})
	log := m.AddImport("env", "log", logT)
	main := m.AddFunction("", voidT, nil, []wasm.Instruction{i32(7), call(log.ID), end})
	m.ExportFunc("main", main.ID)
	return m
}

func TestLowerLiftRoundTrip(t *testing.T) {
	data, err := Encode(sample())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Funcs) != 2 {
		t.Fatalf("funcs = %d, want 2", len(m.Funcs))
	}
	if !m.Funcs[0].Imported() || m.Funcs[0].Import.String() != "env.log" {
		t.Errorf("func 0 = %s, want import env.log", m.Funcs[0].Label())
	}
	main, ok := m.ExportedFunc("main")
	if !ok || main.ID != 1 {
		t.Fatalf("export main not bound to func 1")
	}
	if got := main.Body[1].Imm.(wasm.CallImm).Func; got != 0 {
		t.Errorf("call target = %d, want 0", got)
	}

	again, err := Encode(m)
	if err != nil {
		t.Fatalf("re-Encode: %v", err)
	}
	if string(again) != string(data) {
		t.Error("lift/lower is not byte-identical")
	}
}

func TestLowerDedupsAndPrunesTypes(t *testing.T) {
	m := sample()
	// Duplicate and unused signatures.
	m.Types = append(m.Types, wasm.FuncType{}, wasm.FuncType{Results: []wasm.ValType{wasm.ValI64}})
	extra := m.AddFunction("", TypeID(2), nil, []wasm.Instruction{end})
	m.ExportFunc("extra", extra.ID)

	wm, err := Lower(m)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	if len(wm.Types) != 2 {
		t.Fatalf("types = %d, want 2", len(wm.Types))
	}
	if wm.Funcs[0] != wm.Funcs[1] {
		t.Errorf("equal signatures not merged: %v", wm.Funcs)
	}
}

func TestLowerRenumbersAfterImportRemoval(t *testing.T) {
	m := &Module{}
	voidT := m.AddType(wasm.FuncType{})
	dead := m.AddImport("x", "dead", voidT)
	live := m.AddImport("x", "live", voidT)
	fn := m.AddFunction("", voidT, nil, []wasm.Instruction{call(live.ID), end})
	m.ExportFunc("f", fn.ID)
	m.RemoveImport(dead.ID)

	wm, err := Lower(m)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	if len(wm.Imports) != 1 || wm.Imports[0].Name != "live" {
		t.Fatalf("imports = %+v", wm.Imports)
	}
	if wm.Exports[0].Index != 1 {
		t.Errorf("export index = %d, want 1", wm.Exports[0].Index)
	}
	body, err := wasm.DecodeInstructions(wm.Code[0].Code)
	if err != nil {
		t.Fatal(err)
	}
	if got := body[0].Imm.(wasm.CallImm).Func; got != 0 {
		t.Errorf("call target = %d, want 0", got)
	}
	if !dead.Removed() {
		t.Error("removed import not flagged")
	}
}

func TestLowerDanglingCall(t *testing.T) {
	m := &Module{}
	voidT := m.AddType(wasm.FuncType{})
	dead := m.AddImport("x", "dead", voidT)
	m.AddFunction("caller", voidT, nil, []wasm.Instruction{call(dead.ID), end})
	m.RemoveImport(dead.ID)

	_, err := Lower(m)
	if err == nil {
		t.Fatal("expected dangling reference error")
	}
	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("error type = %T", err)
	}
	if e.Kind != errors.KindDanglingRef || e.Phase != errors.PhaseEmit {
		t.Errorf("got %s/%s", e.Phase, e.Kind)
	}
	if e.Instr != 0 || e.Func != "func 1 (caller)" {
		t.Errorf("location = %q at %d", e.Func, e.Instr)
	}
	if !errors.IsInternal(err) {
		t.Error("dangling reference should be internal")
	}
}

func TestLowerPendingTable(t *testing.T) {
	m := &Module{}
	t0 := m.AddType(wasm.FuncType{Results: []wasm.ValType{wasm.ValI32}})
	m.AddFunction("", t0, nil, []wasm.Instruction{
		{Opcode: wasm.OpPrefixMisc, Imm: wasm.MiscImm{Sub: wasm.MiscTableSize, Operands: []uint32{uint32(PendingTable)}}},
		end,
	})
	_, err := Lower(m)
	if err == nil {
		t.Fatal("expected error for unprovisioned table")
	}
	if !stderrors.Is(err, errors.New(errors.PhaseEmit, errors.KindDanglingRef).Build()) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLowerTableOrder(t *testing.T) {
	m := &Module{}
	t0 := m.AddType(wasm.FuncType{Results: []wasm.ValType{wasm.ValI32}})
	defined := m.AddTable(wasm.ValExternRef, wasm.Limits{})
	m.AddFunction("", t0, nil, []wasm.Instruction{
		{Opcode: wasm.OpPrefixMisc, Imm: wasm.MiscImm{Sub: wasm.MiscTableSize, Operands: []uint32{uint32(defined.ID)}}},
		end,
	})
	imported := &Table{ID: TableID(len(m.Tables)), Import: &ImportName{Module: "env", Name: "t"}, ElemType: wasm.ValFuncRef}
	m.Tables = append(m.Tables, imported)
	m.Imports = append(m.Imports, ImportEntry{Kind: wasm.KindTable, Table: imported.ID})

	wm, err := Lower(m)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	body, err := wasm.DecodeInstructions(wm.Code[0].Code)
	if err != nil {
		t.Fatal(err)
	}
	if got := body[0].Imm.(wasm.MiscImm).Operands[0]; got != 1 {
		t.Errorf("table operand = %d, want 1 (imports first)", got)
	}
}

func TestNameSectionRegenerated(t *testing.T) {
	m := sample()
	m.Funcs[1].Name = "main"
	m.Funcs[1].LocalNames = map[uint32]string{0: "tmp"}
	m.Funcs[1].Locals = []wasm.ValType{wasm.ValI32}
	name := "demo"
	m.ModuleName = &name

	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if back.ModuleName == nil || *back.ModuleName != "demo" {
		t.Errorf("module name = %v", back.ModuleName)
	}
	if back.Funcs[1].Name != "main" {
		t.Errorf("func name = %q", back.Funcs[1].Name)
	}
	if back.Funcs[1].LocalNames[0] != "tmp" {
		t.Errorf("local names = %v", back.Funcs[1].LocalNames)
	}

	// Names follow functions when indices shift.
	back.RemoveImport(0)
	back.Funcs[1].Body = []wasm.Instruction{end}
	data, err = Encode(back)
	if err != nil {
		t.Fatalf("Encode after removal: %v", err)
	}
	again, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse after removal: %v", err)
	}
	if again.Funcs[0].Name != "main" {
		t.Errorf("renumbered name = %q, want main", again.Funcs[0].Name)
	}
}

func TestCompressLocals(t *testing.T) {
	got := compressLocals([]wasm.ValType{wasm.ValI32, wasm.ValI32, wasm.ValExternRef, wasm.ValI32})
	want := []wasm.LocalEntry{{Count: 2, Type: wasm.ValI32}, {Count: 1, Type: wasm.ValExternRef}, {Count: 1, Type: wasm.ValI32}}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestAddLocalIndex(t *testing.T) {
	m := &Module{}
	typ := m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI64}})
	f := m.AddFunction("", typ, []wasm.ValType{wasm.ValF32}, []wasm.Instruction{end})
	idx := m.AddLocal(f, wasm.ValExternRef)
	if idx != 3 {
		t.Errorf("index = %d, want 3", idx)
	}
	if lt, ok := m.LocalType(f, 3); !ok || lt != wasm.ValExternRef {
		t.Errorf("LocalType(3) = %v %v", lt, ok)
	}
	if lt, ok := m.LocalType(f, 1); !ok || lt != wasm.ValI64 {
		t.Errorf("LocalType(1) = %v %v", lt, ok)
	}
	if _, ok := m.LocalType(f, 4); ok {
		t.Error("LocalType(4) should not resolve")
	}
}

func TestAdvance(t *testing.T) {
	f := &Function{ID: 3}
	if err := f.Advance(Rewritten); err != nil {
		t.Fatalf("Advance(Rewritten): %v", err)
	}
	if err := f.Advance(Wrapped); err != nil {
		t.Fatalf("Advance(Wrapped): %v", err)
	}
	if err := f.Advance(Wrapped); err != nil {
		t.Errorf("same-state advance should be allowed: %v", err)
	}
	err := f.Advance(Finalized)
	if err == nil {
		t.Fatal("backward transition accepted")
	}
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindStateTransition {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLiftRejectsDanglingExport(t *testing.T) {
	wm := &wasm.Module{
		Exports: []wasm.Export{{Name: "f", Kind: wasm.KindFunc, Index: 4}},
	}
	_, err := Lift(wm)
	if err == nil {
		t.Fatal("expected error")
	}
	if !stderrors.Is(err, errors.New(errors.PhaseParse, errors.KindDanglingRef).Build()) {
		t.Errorf("unexpected error: %v", err)
	}
}
