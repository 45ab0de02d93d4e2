package wasm_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/wippyai/wasm-externref/wasm"
)

func TestEncodeEmptyModule(t *testing.T) {
	m := &wasm.Module{}
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	if !bytes.Equal(data, want) {
		t.Errorf("empty module = %x, want %x", data, want)
	}
}

func sampleModule() *wasm.Module {
	max := uint64(10)
	start := uint32(1)
	return &wasm.Module{
		Types: []wasm.FuncType{
			{},
			{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValExternRef}},
		},
		Imports: []wasm.Import{
			{Module: "env", Name: "f", Kind: wasm.KindFunc, TypeIdx: 1},
			{Module: "env", Name: "mem", Kind: wasm.KindMemory, Memory: &wasm.Limits{Min: 1, Max: &max}},
			{Module: "env", Name: "tab", Kind: wasm.KindTable, Table: &wasm.TableType{ElemType: wasm.ValExternRef, Limits: wasm.Limits{Min: 2}}},
		},
		Funcs:  []uint32{0},
		Tables: []wasm.TableType{{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 1}}},
		Globals: []wasm.Global{
			{Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}, Init: []byte{wasm.OpI32Const, 0x2A, wasm.OpEnd}},
		},
		Exports: []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Index: 1}},
		Start:   &start,
		Elements: []wasm.Element{
			{Flags: 0, Offset: []byte{wasm.OpI32Const, 0x00, wasm.OpEnd}, FuncIndices: []uint32{1}},
			{Flags: 5, RefType: wasm.ValExternRef, Exprs: [][]byte{{wasm.OpRefNull, byte(wasm.ValExternRef), wasm.OpEnd}}},
		},
		Code: []wasm.FuncBody{
			{Locals: []wasm.LocalEntry{{Count: 2, Type: wasm.ValI64}}, Code: []byte{wasm.OpNop, wasm.OpEnd}},
		},
		Data: []wasm.DataSegment{
			{Flags: 0, Offset: []byte{wasm.OpI32Const, 0x08, wasm.OpEnd}, Init: []byte("hi")},
		},
		Customs: []wasm.CustomSection{
			{Name: "first", Data: []byte{1}, After: 0},
			{Name: "target_features", Data: []byte{0x01, 0x2B, 0x03, 'a', 'b', 'c'}, After: wasm.SectionData},
		},
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	m := sampleModule()
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	parsed, err := wasm.ParseModule(data)
	if err != nil {
		t.Fatalf("ParseModule: %v", err)
	}
	again, err := parsed.Encode()
	if err != nil {
		t.Fatalf("re-Encode: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Fatalf("round trip changed bytes:\n%x\n%x", data, again)
	}

	if len(parsed.Imports) != 3 || parsed.NumImported(wasm.KindFunc) != 1 {
		t.Errorf("imports = %+v", parsed.Imports)
	}
	if parsed.Imports[1].Memory.Max == nil || *parsed.Imports[1].Memory.Max != 10 {
		t.Errorf("memory max lost")
	}
	if parsed.Imports[2].Table.ElemType != wasm.ValExternRef {
		t.Errorf("table import elem type = %v", parsed.Imports[2].Table.ElemType)
	}
	if parsed.Start == nil || *parsed.Start != 1 {
		t.Errorf("start = %v", parsed.Start)
	}
	if got := parsed.Elements[1]; !got.UsesExprs() || got.Active() || got.RefType != wasm.ValExternRef {
		t.Errorf("element 1 = %+v", got)
	}
	if len(parsed.Customs) != 2 || parsed.Customs[0].After != 0 || parsed.Customs[1].After != wasm.SectionData {
		t.Errorf("customs = %+v", parsed.Customs)
	}
}

func TestFuncTypeLookup(t *testing.T) {
	m := sampleModule()
	ft, ok := m.FuncType(0)
	if !ok || len(ft.Results) != 1 || ft.Results[0] != wasm.ValExternRef {
		t.Errorf("FuncType(0) = %v, %v", ft, ok)
	}
	ft, ok = m.FuncType(1)
	if !ok || len(ft.Params) != 0 {
		t.Errorf("FuncType(1) = %v, %v", ft, ok)
	}
	if _, ok := m.FuncType(2); ok {
		t.Error("FuncType(2) should not exist")
	}
}

func TestFuncTypeEqual(t *testing.T) {
	a := wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}
	b := a.Clone()
	if !a.Equal(&b) {
		t.Error("clone should be equal")
	}
	b.Results[0] = wasm.ValI64
	if a.Equal(&b) {
		t.Error("different results should not be equal")
	}
	if a.Results[0] != wasm.ValI32 {
		t.Error("clone shares storage")
	}
	if got := a.String(); got != "(i32) -> (i32)" {
		t.Errorf("String() = %q", got)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"bad magic", []byte{0x00, 0x61, 0x73, 0x00, 0x01, 0x00, 0x00, 0x00}},
		{"bad version", []byte{0x00, 0x61, 0x73, 0x6D, 0x02, 0x00, 0x00, 0x00}},
		{"truncated", []byte{0x00, 0x61, 0x73}},
		{"out of order", []byte{
			0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00,
			wasm.SectionFunction, 0x01, 0x00,
			wasm.SectionType, 0x01, 0x00,
		}},
		{"function without code", []byte{
			0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00,
			wasm.SectionType, 0x04, 0x01, 0x60, 0x00, 0x00,
			wasm.SectionFunction, 0x02, 0x01, 0x00,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := wasm.ParseModule(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseRejectsGCTypes(t *testing.T) {
	data := []byte{
		0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00,
		wasm.SectionType, 0x03, 0x01, 0x5F, 0x00, // struct type
	}
	_, err := wasm.ParseModule(data)
	if !errors.Is(err, wasm.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestTableInitializerForm(t *testing.T) {
	m := &wasm.Module{
		Tables: []wasm.TableType{{
			ElemType: wasm.ValExternRef,
			Limits:   wasm.Limits{Min: 1},
			Init:     []byte{wasm.OpRefNull, byte(wasm.ValExternRef), wasm.OpEnd},
		}},
	}
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	parsed, err := wasm.ParseModule(data)
	if err != nil {
		t.Fatalf("ParseModule: %v", err)
	}
	if !bytes.Equal(parsed.Tables[0].Init, m.Tables[0].Init) {
		t.Errorf("init = %x, want %x", parsed.Tables[0].Init, m.Tables[0].Init)
	}
}
