package externref

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bytecodealliance.org/wit"
)

func TestRoleOf(t *testing.T) {
	own := &wit.TypeDef{Kind: &wit.Own{}}
	borrow := &wit.TypeDef{Kind: &wit.Borrow{}}
	alias := &wit.TypeDef{Kind: own}

	tests := []struct {
		name string
		typ  wit.Type
		want Role
	}{
		{"own", own, RoleOwned},
		{"borrow", borrow, RoleBorrowed},
		{"alias", alias, RoleOwned},
		{"u32", wit.U32{}, RolePlain},
		{"string", wit.String{}, RolePlain},
		{"list", &wit.TypeDef{Kind: &wit.List{Type: wit.U8{}}}, RolePlain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RoleOf(tt.typ))
		})
	}
}

func TestDirectiveFromWIT(t *testing.T) {
	own := &wit.TypeDef{Kind: &wit.Own{}}
	borrow := &wit.TypeDef{Kind: &wit.Borrow{}}
	record := &wit.TypeDef{Kind: &wit.Record{Fields: []wit.Field{
		{Name: "label", Type: wit.String{}},
		{Name: "target", Type: borrow},
	}}}

	d := DirectiveFromWIT(Export, "", "send", []wit.Type{wit.U32{}, record}, []wit.Type{own})
	assert.Equal(t, []Role{RolePlain, RolePlain, RolePlain, RoleBorrowed}, d.Params)
	assert.Equal(t, []Role{RoleOwned}, d.Results)
	assert.Equal(t, "export send", d.String())

	opt := &wit.TypeDef{Kind: &wit.Option{Type: own}}
	d = DirectiveFromWIT(Import, "host", "find", []wit.Type{own, wit.U64{}}, []wit.Type{opt})
	assert.Equal(t, []Role{RoleOwned}, d.Params, "trailing plain positions are trimmed")
	assert.Nil(t, d.Results, "multi-value results travel through memory")
}

func TestDirectiveFromWITSpilledParams(t *testing.T) {
	params := make([]wit.Type, maxFlatParams)
	for i := range params {
		params[i] = wit.U32{}
	}
	params = append(params, &wit.TypeDef{Kind: &wit.Own{}})
	d := DirectiveFromWIT(Export, "", "wide", params, nil)
	assert.Nil(t, d.Params)
}

func TestDirectivesFromWorld(t *testing.T) {
	pkgName, err := wit.ParseIdent("demo:refs@0.1.0")
	require.NoError(t, err)
	pkg := &wit.Package{Name: pkgName}

	own := &wit.TypeDef{Kind: &wit.Own{}}
	borrow := &wit.TypeDef{Kind: &wit.Borrow{}}

	name := "store"
	store := &wit.Interface{Name: &name, Package: pkg}
	store.Functions.Set("put", &wit.Function{
		Name:    "put",
		Kind:    &wit.Freestanding{},
		Params:  []wit.Param{{Name: "key", Type: wit.String{}}, {Name: "value", Type: own}},
		Results: []wit.Param{{Type: wit.Bool{}}},
	})
	store.Functions.Set("size", &wit.Function{
		Name:    "size",
		Kind:    &wit.Freestanding{},
		Results: []wit.Param{{Type: wit.U32{}}},
	})

	w := &wit.World{Name: "app", Package: pkg}
	w.Imports.Set("log", &wit.Function{
		Name:   "log",
		Kind:   &wit.Freestanding{},
		Params: []wit.Param{{Name: "target", Type: borrow}},
	})
	w.Imports.Set("demo:refs/store@0.1.0", &wit.InterfaceRef{Interface: store})
	w.Exports.Set("demo:refs/store@0.1.0", &wit.InterfaceRef{Interface: store})
	w.Exports.Set("make", &wit.Function{
		Name:    "make",
		Kind:    &wit.Freestanding{},
		Results: []wit.Param{{Type: own}},
	})

	got := DirectivesFromWorld(w)
	require.Len(t, got, 4, "functions without handles are skipped")

	assert.Equal(t, BoundaryDirective{Direction: Import, Module: "$root", Name: "log", Params: []Role{RoleBorrowed}}, got[0])
	assert.Equal(t, BoundaryDirective{
		Direction: Import, Module: "demo:refs/store@0.1.0", Name: "put",
		Params: []Role{RolePlain, RolePlain, RoleOwned},
	}, got[1])
	assert.Equal(t, "export demo:refs/store@0.1.0#put", got[2].String())
	assert.Equal(t, []Role{RolePlain, RolePlain, RoleOwned}, got[2].Params)
	assert.Equal(t, BoundaryDirective{Direction: Export, Name: "make", Results: []Role{RoleOwned}}, got[3])
}
