package externref

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-externref/errors"
	"github.com/wippyai/wasm-externref/externref/internal/rewrite"
	"github.com/wippyai/wasm-externref/externref/internal/shim"
	"github.com/wippyai/wasm-externref/externref/internal/table"
	"github.com/wippyai/wasm-externref/ir"
)

// Wrapper is a synthesized boundary function.
type Wrapper struct {
	Directive string
	Func      ir.FuncID
	Target    ir.FuncID
}

// Report summarizes a transform.
type Report struct {
	Rewritten []ir.FuncID
	Pruned    []ir.ImportName
	Wrappers  []Wrapper
	// Calls counts rewritten intrinsic call sites, Folded those resolved
	// from literal operands.
	Calls  int
	Folded int
	// Table is meaningful only when TableUsed is set.
	Table        ir.TableID
	TableMin     uint64
	TableUsed    bool
	TableCreated bool
}

// Transform rewrites a binary module. On error no output is returned.
func Transform(wasmBytes []byte, cfg Config) ([]byte, error) {
	m, err := ir.Parse(wasmBytes)
	if err != nil {
		return nil, err
	}
	if _, err := TransformModule(m, cfg); err != nil {
		return nil, err
	}
	out, err := ir.Encode(m)
	if err != nil {
		return nil, err
	}
	if cfg.Validate {
		if err := Validate(context.Background(), out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TransformModule runs the pass over a lifted module in place. On error
// the module is left in an unspecified state.
func TransformModule(m *ir.Module, cfg Config) (*Report, error) {
	cfg = cfg.withDefaults()
	log := Logger()

	if err := cfg.check(m); err != nil {
		return nil, err
	}
	dirs := make([]shim.Directive, len(cfg.Directives))
	var roots []ir.FuncID
	needShims := false
	for i, d := range cfg.Directives {
		dirs[i] = d.internal()
		if shim.Converts(m, &dirs[i]) {
			needShims = true
		}
		if d.Direction == Export {
			if f, ok := m.ExportedFunc(d.Name); ok {
				roots = append(roots, f.ID)
			}
		}
	}

	rw, err := rewrite.Run(m, rewrite.Options{
		Logger:   log,
		Module:   cfg.Intrinsics.Module,
		Roots:    roots,
		Sentinel: cfg.Intrinsics.Sentinel,
	})
	if err != nil {
		return nil, err
	}

	tab, err := table.Provision(m, table.Options{
		Logger:        log,
		Name:          cfg.Table,
		Export:        cfg.ExportTable,
		ReservedSlots: cfg.ReservedSlots,
		MaxSlot:       rw.MaxSlot,
		Needed:        rw.UsesTable || needShims,
	})
	if err != nil {
		return nil, err
	}

	ws, err := shim.Synthesize(m, dirs, shim.Options{
		Logger:   log,
		Table:    tab.Table,
		Sentinel: cfg.Intrinsics.Sentinel,
	})
	if err != nil {
		return nil, err
	}

	rep := &Report{
		Rewritten:    rw.Rewritten,
		Pruned:       rw.Pruned,
		Calls:        rw.Calls,
		Folded:       rw.Folded,
		Table:        tab.Table,
		TableMin:     tab.Min,
		TableUsed:    rw.UsesTable || needShims,
		TableCreated: tab.Created,
	}
	for _, w := range ws {
		rep.Wrappers = append(rep.Wrappers, Wrapper{Directive: w.Directive, Func: w.Func, Target: w.Target})
	}
	log.Debug("externref transform done",
		zap.Int("rewritten", len(rep.Rewritten)),
		zap.Int("calls", rep.Calls),
		zap.Int("folded", rep.Folded),
		zap.Int("pruned", len(rep.Pruned)),
		zap.Int("wrappers", len(rep.Wrappers)),
		zap.Bool("table_created", rep.TableCreated))
	return rep, nil
}

// Validate compiles bin with wazero, enabling the features the pass may
// emit or pass through.
func Validate(ctx context.Context, bin []byte) error {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter().
		WithCoreFeatures(api.CoreFeaturesV2|experimental.CoreFeaturesThreads))
	defer rt.Close(ctx)

	if _, err := rt.CompileModule(ctx, bin); err != nil {
		return errors.Wrap(errors.PhaseValidate, errors.KindInvalidData, err, "output does not compile")
	}
	return nil
}
