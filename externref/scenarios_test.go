package externref

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-externref/ir"
	"github.com/wippyai/wasm-externref/wasm"
)

func countMisc(f *ir.Function, sub uint32) int {
	n := 0
	for _, ins := range f.Body {
		if imm, ok := ins.Imm.(wasm.MiscImm); ok && imm.Sub == sub {
			n++
		}
	}
	return n
}

func countOp(f *ir.Function, op byte) int {
	n := 0
	for _, ins := range f.Body {
		if ins.Opcode == op {
			n++
		}
	}
	return n
}

// A grow call with a plain boundary needs the table but no wrapper.
func TestScenarioGrowWithoutWrapper(t *testing.T) {
	m := &ir.Module{}
	grow := m.AddImport(DefaultModule, "grow", m.AddType(sig(oneI32, oneI32)))
	f := m.AddFunction("", m.AddType(sig(oneI32, none)), nil, []wasm.Instruction{
		i32(1), call(grow), {Opcode: wasm.OpDrop}, end,
	})
	m.ExportFunc("f", f.ID)

	out, err := Transform(encode(t, m), Config{
		Directives: []BoundaryDirective{{Direction: Export, Name: "f", Params: []Role{RolePlain}}},
		Validate:   true,
	})
	require.NoError(t, err)

	back, err := ir.Parse(out)
	require.NoError(t, err)
	require.Len(t, back.Tables, 1)
	assert.Equal(t, wasm.ValExternRef, back.Tables[0].ElemType)
	assert.Empty(t, back.Imports)

	fn, ok := back.ExportedFunc("f")
	require.True(t, ok)
	assert.Equal(t, 1, countMisc(fn, wasm.MiscTableGrow))
	assert.Equal(t, 1, countOp(fn, wasm.OpRefNull), "grow fills with null")
	assert.Len(t, back.Funcs, 1, "no wrapper")
}

// An owned slot result is read and freed by a wrapper exported under the
// original name.
func TestScenarioOwnedResult(t *testing.T) {
	m := &ir.Module{}
	allocate := m.AddImport(DefaultModule, "allocate", m.AddType(sig(none, oneI32)))
	mk := m.AddFunction("make", m.AddType(sig(none, oneI32)), nil, []wasm.Instruction{call(allocate), end})
	m.ExportFunc("make", mk.ID)

	m2, err := ir.Parse(encode(t, m))
	require.NoError(t, err)
	rep, err := TransformModule(m2, Config{
		Directives: []BoundaryDirective{{Direction: Export, Name: "make", Results: []Role{RoleOwned}}},
	})
	require.NoError(t, err)
	require.Len(t, rep.Wrappers, 1)

	w := m2.Funcs[rep.Wrappers[0].Func]
	inner := m2.Funcs[rep.Wrappers[0].Target]
	assert.Equal(t, "make", inner.Name)
	assert.Equal(t, ir.Wrapped, inner.State)

	exp, ok := m2.Export("make")
	require.True(t, ok)
	assert.Equal(t, w.ID, exp.Func)
	for _, e := range m2.Exports {
		assert.NotEqual(t, inner.ID, e.Func, "internal function is no longer exported")
	}
	assert.Equal(t, []wasm.ValType{wasm.ValExternRef}, m2.Signature(w).Results)
	assert.Equal(t, 1, countOp(w, wasm.OpTableGet))
	assert.Equal(t, 1, countOp(w, wasm.OpTableSet), "slot is freed")

	out, err := ir.Encode(m2)
	require.NoError(t, err)
	mod := instantiate(t, out)
	assert.Equal(t, []uint64{0}, invoke(t, mod, "make"), "a fresh slot holds null")
}

// An owned parameter lands in a slot that the body nulls through set_null.
func TestScenarioOwnedParamSetNull(t *testing.T) {
	m := &ir.Module{}
	setNull := m.AddImport(DefaultModule, "set_null", m.AddType(sig(oneI32, none)))
	get := m.AddImport(DefaultModule, "get", m.AddType(sig(oneI32, oneRef)))
	consume := m.AddFunction("consume", m.AddType(sig(oneI32, oneRef)), nil, []wasm.Instruction{
		localGet(0), call(setNull),
		localGet(0), call(get),
		end,
	})
	m.ExportFunc("consume", consume.ID)

	m2, err := ir.Parse(encode(t, m))
	require.NoError(t, err)
	_, err = TransformModule(m2, Config{
		Directives: []BoundaryDirective{{Direction: Export, Name: "consume", Params: []Role{RoleOwned}}},
	})
	require.NoError(t, err)

	inner := m2.Funcs[consume.ID]
	assert.Equal(t, 0, countOp(inner, wasm.OpCall), "intrinsic calls are gone")
	assert.Equal(t, 1, countOp(inner, wasm.OpTableSet))

	out, err := ir.Encode(m2)
	require.NoError(t, err)
	require.NoError(t, Validate(t.Context(), out))
	mod := instantiate(t, out)
	assert.Equal(t, []uint64{0}, invoke(t, mod, "consume", api.EncodeExternref(7)), "slot was nulled before the read")
}
