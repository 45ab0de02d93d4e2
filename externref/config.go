package externref

import (
	"go.uber.org/multierr"

	"github.com/wippyai/wasm-externref/errors"
	"github.com/wippyai/wasm-externref/externref/internal/shim"
	"github.com/wippyai/wasm-externref/ir"
	"github.com/wippyai/wasm-externref/wasm"
)

const (
	// DefaultModule is the import module of the intrinsics.
	DefaultModule = "__externref_xform__"
	// DefaultSentinel is the slot index meaning "no value".
	DefaultSentinel int32 = -1
)

// IntrinsicSet names the intrinsic import module and the sentinel slot.
type IntrinsicSet struct {
	Module   string
	Sentinel int32
}

// DefaultIntrinsics returns the intrinsic set front ends emit by default.
func DefaultIntrinsics() IntrinsicSet {
	return IntrinsicSet{Module: DefaultModule, Sentinel: DefaultSentinel}
}

// Role is how a boundary position carries a host reference.
type Role = shim.Role

const (
	RolePlain    = shim.Plain
	RoleBorrowed = shim.Borrowed
	RoleOwned    = shim.Owned
)

// ParseRole parses "plain", "borrowed" or "owned".
func ParseRole(s string) (Role, error) {
	return shim.ParseRole(s)
}

// Direction tells whether a directive targets an export or an import.
type Direction = shim.Direction

const (
	Export = shim.Export
	Import = shim.Import
)

// BoundaryDirective assigns roles to the params and results of one export
// or import. Missing trailing roles are plain.
type BoundaryDirective struct {
	Module    string    `json:"module,omitempty"`
	Name      string    `json:"name"`
	Params    []Role    `json:"params,omitempty"`
	Results   []Role    `json:"results,omitempty"`
	Direction Direction `json:"direction"`
}

func (d BoundaryDirective) internal() shim.Directive {
	return shim.Directive{
		Direction: d.Direction,
		Module:    d.Module,
		Name:      d.Name,
		Params:    d.Params,
		Results:   d.Results,
	}
}

func (d BoundaryDirective) String() string {
	sd := d.internal()
	return sd.String()
}

// Config configures one transform.
type Config struct {
	Directives []BoundaryDirective
	// Intrinsics defaults to DefaultIntrinsics when Module is empty.
	Intrinsics IntrinsicSet
	// Table is the export name of an existing externref table to reuse.
	Table string
	// ExportTable exports the table under this name.
	ExportTable string
	// ReservedSlots is a lower bound on the table's initial size.
	ReservedSlots uint32
	// Validate compiles the output with wazero before returning it.
	Validate bool
}

func (c Config) withDefaults() Config {
	if c.Intrinsics.Module == "" {
		c.Intrinsics = DefaultIntrinsics()
	}
	return c
}

// check validates every directive against m and reports all offenders.
func (c *Config) check(m *ir.Module) error {
	var errs error
	seen := make(map[string]bool, len(c.Directives))
	for _, d := range c.Directives {
		label := d.String()
		bad := func(format string, args ...any) {
			errs = multierr.Append(errs, errors.InvalidDirective(label, format, args...))
		}
		if seen[label] {
			bad("duplicate directive")
			continue
		}
		seen[label] = true

		var fn *ir.Function
		switch d.Direction {
		case Import:
			if d.Module == c.Intrinsics.Module {
				bad("%s is the intrinsic module", d.Module)
				continue
			}
			f, ok := m.ImportedFunc(d.Module, d.Name)
			if !ok {
				bad("no function import %s.%s", d.Module, d.Name)
				continue
			}
			fn = f
		case Export:
			f, ok := m.ExportedFunc(d.Name)
			if !ok {
				bad("no function export %q", d.Name)
				continue
			}
			fn = f
		default:
			bad("unknown direction %d", uint8(d.Direction))
			continue
		}

		sig := m.Signature(fn)
		if len(d.Params) > len(sig.Params) {
			bad("%d param roles for %d params", len(d.Params), len(sig.Params))
		}
		if len(d.Results) > len(sig.Results) {
			bad("%d result roles for %d results", len(d.Results), len(sig.Results))
		}
		checkRoles := func(what string, roles []Role, types []wasm.ValType) {
			for i, r := range roles {
				if r > RoleOwned {
					bad("%s %d has unknown role %d", what, i, uint8(r))
					continue
				}
				if !r.IsRef() || i >= len(types) {
					continue
				}
				if t := types[i]; t != wasm.ValI32 && t != wasm.ValExternRef {
					bad("%s %d is %s, references travel as i32", what, i, t)
				}
			}
		}
		checkRoles("param", d.Params, sig.Params)
		checkRoles("result", d.Results, sig.Results)
	}
	return errs
}
