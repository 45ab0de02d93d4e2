package rewrite

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-externref/errors"
	"github.com/wippyai/wasm-externref/externref/internal/codegen"
	"github.com/wippyai/wasm-externref/externref/internal/stack"
	"github.com/wippyai/wasm-externref/ir"
	"github.com/wippyai/wasm-externref/wasm"
)

// unrollLimit is the largest literal drop_range count expanded into
// single stores; longer literal ranges use table.fill.
const unrollLimit = 4

// Options configures a rewrite run.
type Options struct {
	Logger *zap.Logger
	// Module is the import module name of the intrinsics.
	Module string
	// Roots are the functions behind directive-bearing exports.
	Roots []ir.FuncID
	// Sentinel is the slot index meaning "no value".
	Sentinel int32
}

// Result summarizes a rewrite run.
type Result struct {
	Rewritten []ir.FuncID
	Pruned    []ir.ImportName
	// Calls counts rewritten call sites, Folded those resolved statically.
	Calls  int
	Folded int
	// MaxSlot is the largest literal slot index seen, or -1.
	MaxSlot int64
	// UsesTable is set when any emitted code touches the table.
	UsesTable bool
}

// Run rewrites every intrinsic call in m.
func Run(m *ir.Module, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ops, err := Resolve(m, opts.Module)
	if err != nil {
		return nil, err
	}
	if err := checkNoEscapes(m, ops); err != nil {
		return nil, err
	}

	cg := BuildCallGraph(m)
	targets := make(map[ir.FuncID]bool, len(ops))
	for id := range ops {
		targets[id] = true
	}
	work := cg.Callers(targets)
	roots := make(map[ir.FuncID]bool, len(opts.Roots))
	for _, id := range opts.Roots {
		roots[id] = true
	}
	for id := range cg.TransitiveCallees(roots) {
		if f, ok := m.Func(id); ok && !f.Imported() && !f.Removed() {
			work[id] = true
		}
	}
	log.Debug("rewrite worklist",
		zap.Int("intrinsics", len(ops)),
		zap.Int("functions", len(work)))

	res := &Result{MaxSlot: -1}
	for _, id := range sortedIDs(work) {
		f := m.Funcs[id]
		fr := &funcRewriter{m: m, fn: f, ops: ops, sentinel: opts.Sentinel, res: res}
		n, err := fr.run()
		if err != nil {
			return nil, err
		}
		if err := f.Advance(ir.Rewritten); err != nil {
			return nil, err
		}
		if n > 0 {
			res.Rewritten = append(res.Rewritten, id)
			log.Debug("rewrote intrinsic calls", zap.String("func", f.Label()), zap.Int("calls", n))
		}
	}

	for _, id := range sortedIDs(targets) {
		f := m.Funcs[id]
		res.Pruned = append(res.Pruned, *f.Import)
		m.RemoveImport(id)
	}
	if len(res.Pruned) > 0 {
		log.Debug("pruned intrinsic imports", zap.Int("count", len(res.Pruned)))
	}
	return res, nil
}

// funcRewriter rewrites one body. Scratch locals are added on first use
// and shared by every call site, since each sequence consumes them before
// the next begins.
type funcRewriter struct {
	m        *ir.Module
	fn       *ir.Function
	ops      map[ir.FuncID]Op
	res      *Result
	scratchA *uint32
	scratchB *uint32
	scratchV *uint32
	sentinel int32
}

func (r *funcRewriter) local(slot **uint32, t wasm.ValType) uint32 {
	if *slot == nil {
		idx := r.m.AddLocal(r.fn, t)
		*slot = &idx
	}
	return **slot
}

func (r *funcRewriter) a() uint32 { return r.local(&r.scratchA, wasm.ValI32) }
func (r *funcRewriter) b() uint32 { return r.local(&r.scratchB, wasm.ValI32) }
func (r *funcRewriter) v() uint32 { return r.local(&r.scratchV, wasm.ValExternRef) }

func (r *funcRewriter) run() (int, error) {
	tr, err := stack.Simulate(r.m, r.fn)
	if err != nil {
		return 0, err
	}
	body := r.fn.Body
	out := make([]wasm.Instruction, 0, len(body))
	calls := 0
	for i := range body {
		ins := &body[i]
		if ins.Opcode != wasm.OpCall && ins.Opcode != wasm.OpReturnCall {
			out = append(out, *ins)
			continue
		}
		callee := ir.FuncID(ins.Imm.(wasm.CallImm).Func)
		op, ok := r.ops[callee]
		if !ok {
			out = append(out, *ins)
			continue
		}
		params := r.m.Signature(r.m.Funcs[callee]).Params
		if shape := tr.Before(i); !shape.Accepts(params) {
			return 0, errors.New(errors.PhaseRewrite, errors.KindStackMismatch).
				Func(r.fn.Label()).
				Instr(i).
				Detail("%s expects %s on the stack, found %s", op, stack.Shape{Kinds: params}, shape).
				Build()
		}
		out = r.replace(out, body, i, op, len(params) == 2)
		if ins.Opcode == wasm.OpReturnCall {
			out = append(out, wasm.Instruction{Opcode: wasm.OpReturn})
		}
		calls++
	}
	if calls == 0 {
		return 0, nil
	}
	r.fn.Body = out
	r.res.Calls += calls
	if _, err := stack.Simulate(r.m, r.fn); err != nil {
		return 0, err
	}
	return calls, nil
}

// constAt returns the value of body[j] when it is an i32.const. Operand
// producers before an intrinsic call are copied to the output verbatim, so
// a hit at j = i-n is also the n-th instruction from the end of out.
func constAt(body []wasm.Instruction, j int) (int32, bool) {
	if j < 0 || body[j].Opcode != wasm.OpI32Const {
		return 0, false
	}
	return body[j].Imm.(wasm.I32Imm).Value, true
}

// pure reports whether ins pushes one value without popping or side
// effects, so it may be dropped together with its consumer.
func pure(ins *wasm.Instruction) bool {
	switch ins.Opcode {
	case wasm.OpLocalGet, wasm.OpGlobalGet, wasm.OpRefNull:
		return true
	}
	return false
}

func (r *funcRewriter) slot(k int32) {
	if int64(k) > r.res.MaxSlot {
		r.res.MaxSlot = int64(k)
	}
}

// replace appends the sequence for one intrinsic call. It may pop already
// copied operand producers off out when they fold away.
func (r *funcRewriter) replace(out []wasm.Instruction, body []wasm.Instruction, i int, op Op, twoArgs bool) []wasm.Instruction {
	e := codegen.NewEmitter()
	t := ir.PendingTable
	table := true

	switch op {
	case OpAllocate:
		e.Alloc(t, r.a())

	case OpGrow:
		if twoArgs {
			e.TableGrow(t)
		} else {
			e.LocalSet(r.a()).RefNullExtern().LocalGet(r.a()).TableGrow(t)
		}

	case OpDeallocate, OpSetNull:
		if k, ok := constAt(body, i-1); ok {
			out = out[:len(out)-1]
			r.res.Folded++
			if k == r.sentinel {
				table = false
				break
			}
			r.slot(k)
			e.I32Const(k).RefNullExtern().TableSet(t)
			break
		}
		idx := r.a()
		e.LocalSet(idx).
			IfNotSentinel(idx, r.sentinel, codegen.BlockVoid).
			LocalGet(idx).RefNullExtern().TableSet(t).
			End()

	case OpGet:
		if k, ok := constAt(body, i-1); ok {
			out = out[:len(out)-1]
			r.res.Folded++
			if k == r.sentinel {
				table = false
				e.RefNullExtern()
				break
			}
			r.slot(k)
			e.I32Const(k).TableGet(t)
			break
		}
		idx := r.a()
		e.LocalSet(idx).
			IfNotSentinel(idx, r.sentinel, codegen.BlockExternRef).
			LocalGet(idx).TableGet(t).
			Else().
			RefNullExtern().
			End()

	case OpSet:
		if i >= 1 && pure(&body[i-1]) {
			if k, ok := constAt(body, i-2); ok {
				value := out[len(out)-1]
				out = out[:len(out)-2]
				r.res.Folded++
				if k == r.sentinel {
					table = false
					break
				}
				r.slot(k)
				e.I32Const(k).Emit(value).TableSet(t)
				break
			}
		}
		idx, val := r.a(), r.v()
		e.LocalSet(val).LocalSet(idx).
			IfNotSentinel(idx, r.sentinel, codegen.BlockVoid).
			LocalGet(idx).LocalGet(val).TableSet(t).
			End()

	case OpDropRange:
		start, sok := constAt(body, i-2)
		count, cok := constAt(body, i-1)
		if sok && cok && (start == r.sentinel || count == 0) {
			out = out[:len(out)-2]
			r.res.Folded++
			table = false
			break
		}
		if sok && cok && count > 0 {
			out = out[:len(out)-2]
			r.res.Folded++
			if count <= unrollLimit {
				for j := int32(0); j < count; j++ {
					e.I32Const(start + j).RefNullExtern().TableSet(t)
				}
			} else {
				e.I32Const(start).RefNullExtern().I32Const(count).TableFill(t)
			}
			r.slot(start + count - 1)
			break
		}
		r.dropLoop(e, t)
	}

	if table {
		r.res.UsesTable = true
	}
	return append(out, e.Instrs()...)
}

// dropLoop nulls [start, start+count) with start and count on the stack.
func (r *funcRewriter) dropLoop(e *codegen.Emitter, t ir.TableID) {
	idx, cnt := r.a(), r.b()
	e.LocalSet(cnt).LocalSet(idx).
		Block(codegen.BlockVoid).
		LocalGet(idx).I32Const(r.sentinel).I32Eq().BrIf(0).
		Loop(codegen.BlockVoid).
		LocalGet(cnt).I32Eqz().BrIf(1).
		LocalGet(idx).RefNullExtern().TableSet(t).
		LocalGet(idx).I32Const(1).I32Add().LocalSet(idx).
		LocalGet(cnt).I32Const(1).I32Sub().LocalSet(cnt).
		Br(0).
		End().
		End()
}
