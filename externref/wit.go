package externref

import "go.bytecodealliance.org/wit"

// Canonical ABI limits on flattened values; past them the values travel
// through linear memory and the core signature carries a pointer.
const (
	maxFlatParams  = 16
	maxFlatResults = 1
)

// RoleOf maps a WIT type to the role of its single core value: own<T> is
// owned, borrow<T> is borrowed, aliases are followed, and everything else
// is plain.
func RoleOf(t wit.Type) Role {
	if roles := flatRoles(t); len(roles) == 1 {
		return roles[0]
	}
	return RolePlain
}

// DirectiveFromWIT builds a directive for a function whose WIT params and
// results are given. Handles nested in records and tuples keep their
// flattened position; handles inside variants share joined slots and are
// treated as plain.
func DirectiveFromWIT(dir Direction, module, name string, params, results []wit.Type) BoundaryDirective {
	return BoundaryDirective{
		Direction: dir,
		Module:    module,
		Name:      name,
		Params:    flatten(params, maxFlatParams),
		Results:   flatten(results, maxFlatResults),
	}
}

// DirectivesFromWorld derives a directive for every function w imports or
// exports that carries a handle. Core names follow the component
// toolchain's lowering: freestanding imports live in module "$root",
// interface functions are imported from the interface name and exported
// as "interface#function".
func DirectivesFromWorld(w *wit.World) []BoundaryDirective {
	var out []BoundaryDirective
	add := func(dir Direction, module, name string, f *wit.Function) {
		d := DirectiveFromWIT(dir, module, name, paramTypes(f.Params), paramTypes(f.Results))
		if sd := d.internal(); sd.NeedsShim() {
			out = append(out, d)
		}
	}
	for key, item := range w.Imports.All() {
		switch item := item.(type) {
		case *wit.Function:
			add(Import, "$root", item.Name, item)
		case *wit.InterfaceRef:
			module := interfaceName(key, item.Interface)
			for _, f := range item.Interface.Functions.All() {
				add(Import, module, f.Name, f)
			}
		}
	}
	for key, item := range w.Exports.All() {
		switch item := item.(type) {
		case *wit.Function:
			add(Export, "", item.Name, item)
		case *wit.InterfaceRef:
			prefix := interfaceName(key, item.Interface)
			for _, f := range item.Interface.Functions.All() {
				add(Export, "", prefix+"#"+f.Name, f)
			}
		}
	}
	return out
}

// interfaceName is the qualified name of i, or key for an interface
// declared inline in a world.
func interfaceName(key string, i *wit.Interface) string {
	if i.Name == nil || i.Package == nil {
		return key
	}
	id := i.Package.Name
	id.Extension = *i.Name
	return id.String()
}

func paramTypes(params []wit.Param) []wit.Type {
	types := make([]wit.Type, len(params))
	for i, p := range params {
		types[i] = p.Type
	}
	return types
}

func flatten(types []wit.Type, limit int) []Role {
	var roles []Role
	for _, t := range types {
		roles = append(roles, flatRoles(t)...)
	}
	if len(roles) > limit {
		return nil
	}
	last := len(roles)
	for last > 0 && roles[last-1] == RolePlain {
		last--
	}
	if last == 0 {
		return nil
	}
	return roles[:last]
}

func plain(n int) []Role {
	return make([]Role, n)
}

// flatRoles returns one role per flattened core value of t.
func flatRoles(t wit.Type) []Role {
	switch t := t.(type) {
	case wit.String:
		return plain(2)
	case *wit.TypeDef:
		switch kind := t.Kind.(type) {
		case *wit.Own:
			return []Role{RoleOwned}
		case *wit.Borrow:
			return []Role{RoleBorrowed}
		case *wit.Record:
			var roles []Role
			for _, f := range kind.Fields {
				roles = append(roles, flatRoles(f.Type)...)
			}
			return roles
		case *wit.Tuple:
			var roles []Role
			for _, elem := range kind.Types {
				roles = append(roles, flatRoles(elem)...)
			}
			return roles
		case *wit.List:
			return plain(2)
		case *wit.Option:
			return plain(1 + len(flatRoles(kind.Type)))
		case *wit.Result:
			payload := 0
			if kind.OK != nil {
				payload = len(flatRoles(kind.OK))
			}
			if kind.Err != nil {
				payload = max(payload, len(flatRoles(kind.Err)))
			}
			return plain(1 + payload)
		case *wit.Variant:
			payload := 0
			for _, c := range kind.Cases {
				if c.Type != nil {
					payload = max(payload, len(flatRoles(c.Type)))
				}
			}
			return plain(1 + payload)
		case wit.Type:
			return flatRoles(kind)
		}
	}
	return plain(1)
}
