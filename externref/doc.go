// Package externref lets a front end that cannot emit reference-table
// instructions still produce modules whose boundary carries externref.
//
// The front end calls placeholder imports from the intrinsic module
// (__externref_xform__ by default) and keeps host references as i32 slot
// indices. Transform rewrites those calls into table.grow, table.get and
// table.set on a single externref table, then wraps the exports and
// imports named by boundary directives so the host sees externref values:
//
//	out, err := externref.Transform(in, externref.Config{
//		Directives: []externref.BoundaryDirective{
//			{Direction: externref.Export, Name: "greet", Params: []externref.Role{externref.RoleOwned}},
//		},
//	})
//
// Errors are *errors.Error values. errors.IsConfig separates bad
// directives and options from invariant violations inside the pass.
package externref
