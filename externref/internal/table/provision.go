package table

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-externref/errors"
	"github.com/wippyai/wasm-externref/ir"
	"github.com/wippyai/wasm-externref/wasm"
)

// Options configures provisioning.
type Options struct {
	Logger *zap.Logger
	// Name selects an existing table by export name.
	Name string
	// Export exports the table under this name when set.
	Export        string
	ReservedSlots uint32
	// MaxSlot is the largest slot index the code references literally,
	// or -1.
	MaxSlot int64
	// Needed is false when nothing references the table; the module is
	// then left without one.
	Needed bool
}

// Result describes the provisioned table.
type Result struct {
	Table   ir.TableID
	Min     uint64
	Patched int
	Created bool
}

// Provision selects or creates the table, patches pending operands and
// moves rewritten functions to Finalized.
func Provision(m *ir.Module, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	res := &Result{Table: ir.PendingTable}
	if opts.Needed {
		t, created, err := choose(m, opts.Name)
		if err != nil {
			return nil, err
		}
		res.Table, res.Created = t.ID, created
		if err := size(t, opts); err != nil {
			return nil, err
		}
		res.Min = t.Limits.Min
		if err := export(m, t, opts.Export); err != nil {
			return nil, err
		}
		log.Debug("externref table",
			zap.Uint32("handle", uint32(t.ID)),
			zap.Bool("created", created),
			zap.Uint64("min", t.Limits.Min))
	}

	for _, f := range m.Defined() {
		n := Patch(f.Body, res.Table)
		if n > 0 && !opts.Needed {
			return nil, errors.New(errors.PhaseProvision, errors.KindDanglingRef).
				Func(f.Label()).
				Detail("pending table operand but no table was requested").
				Build()
		}
		res.Patched += n
		if f.State == ir.Rewritten {
			if err := f.Advance(ir.Finalized); err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

func choose(m *ir.Module, name string) (*ir.Table, bool, error) {
	if name != "" {
		e, ok := m.Export(name)
		if !ok || e.Kind != wasm.KindTable {
			return nil, false, errors.New(errors.PhaseProvision, errors.KindNotFound).
				Directive(name).
				Detail("no table exported as %q", name).
				Build()
		}
		t, ok := m.Table(e.Table)
		if !ok {
			return nil, false, errors.Dangling(errors.PhaseProvision, "table", uint32(e.Table))
		}
		if t.ElemType != wasm.ValExternRef {
			return nil, false, errors.New(errors.PhaseProvision, errors.KindTableMismatch).
				Directive(name).
				Detail("table %q holds %s, expected externref", name, t.ElemType).
				Build()
		}
		return t, false, nil
	}

	var found []*ir.Table
	for _, t := range m.Tables {
		if t.ElemType == wasm.ValExternRef {
			found = append(found, t)
		}
	}
	switch len(found) {
	case 0:
		return m.AddTable(wasm.ValExternRef, wasm.Limits{}), true, nil
	case 1:
		return found[0], false, nil
	}
	return nil, false, errors.New(errors.PhaseProvision, errors.KindAmbiguous).
		Detail("%d externref tables; select one by export name", len(found)).
		Build()
}

// size raises the minimum to cover reserved and literal slots. Imported
// tables keep their declared limits.
func size(t *ir.Table, opts Options) error {
	want := uint64(opts.ReservedSlots)
	if opts.MaxSlot >= 0 && uint64(opts.MaxSlot)+1 > want {
		want = uint64(opts.MaxSlot) + 1
	}
	if want <= t.Limits.Min || t.Imported() {
		return nil
	}
	if t.Limits.Max != nil && *t.Limits.Max < want {
		return errors.New(errors.PhaseProvision, errors.KindTableMismatch).
			Detail("table maximum %d is below the %d slots required", *t.Limits.Max, want).
			Build()
	}
	t.Limits.Min = want
	return nil
}

func export(m *ir.Module, t *ir.Table, name string) error {
	if name == "" {
		return nil
	}
	if e, ok := m.Export(name); ok {
		if e.Kind == wasm.KindTable && e.Table == t.ID {
			return nil
		}
		return errors.New(errors.PhaseConfig, errors.KindInvalidDirective).
			Directive(name).
			Detail("export name %q is already used by a %s", name, e.Kind).
			Build()
	}
	m.ExportTable(name, t.ID)
	return nil
}

// Patch replaces pending table operands in instrs with id and returns how
// many it replaced.
func Patch(instrs []wasm.Instruction, id ir.TableID) int {
	n := 0
	for i := range instrs {
		switch imm := instrs[i].Imm.(type) {
		case wasm.TableImm:
			if ir.TableID(imm.Table) == ir.PendingTable {
				imm.Table = uint32(id)
				instrs[i].Imm = imm
				n++
			}
		case wasm.CallIndirectImm:
			if ir.TableID(imm.Table) == ir.PendingTable {
				imm.Table = uint32(id)
				instrs[i].Imm = imm
				n++
			}
		case wasm.MiscImm:
			for _, pos := range ir.TableOperands(imm.Sub) {
				if ir.TableID(imm.Operands[pos]) == ir.PendingTable {
					imm.Operands[pos] = uint32(id)
					n++
				}
			}
		}
	}
	return n
}
