package stack

import (
	"strings"

	"github.com/wippyai/wasm-externref/errors"
	"github.com/wippyai/wasm-externref/ir"
	"github.com/wippyai/wasm-externref/wasm"
)

// Unknown is the kind of a value popped from a polymorphic stack. It
// matches every kind.
const Unknown wasm.ValType = 0

// Env resolves the module-level facts the simulator needs. *ir.Module
// satisfies it.
type Env interface {
	FuncType(id ir.FuncID) (*wasm.FuncType, bool)
	Type(id ir.TypeID) (*wasm.FuncType, bool)
	GlobalType(idx uint32) (wasm.GlobalType, bool)
	TableElem(id ir.TableID) (wasm.ValType, bool)
	Memory64(idx uint32) bool
	LocalType(f *ir.Function, idx uint32) (wasm.ValType, bool)
	Signature(f *ir.Function) *wasm.FuncType
}

// Shape is the operand stack visible to one instruction.
type Shape struct {
	Kinds []wasm.ValType
	// Polymorphic is set in unreachable code: operands missing below
	// Kinds are Unknown.
	Polymorphic bool
}

// Tail returns the top n kinds, padding with Unknown when the shape is
// polymorphic. ok is false if the stack is too short.
func (s Shape) Tail(n int) ([]wasm.ValType, bool) {
	if n <= len(s.Kinds) {
		return s.Kinds[len(s.Kinds)-n:], true
	}
	if !s.Polymorphic {
		return nil, false
	}
	out := make([]wasm.ValType, n-len(s.Kinds), n)
	return append(out, s.Kinds...), true
}

// Accepts reports whether the top of the stack can feed operands of the
// given kinds.
func (s Shape) Accepts(want []wasm.ValType) bool {
	tail, ok := s.Tail(len(want))
	if !ok {
		return false
	}
	for i, k := range tail {
		if !compatible(k, want[i]) {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s.Kinds))
	for i, k := range s.Kinds {
		parts[i] = kindName(k)
	}
	out := "[" + strings.Join(parts, " ") + "]"
	if s.Polymorphic {
		out = "..." + out
	}
	return out
}

func kindName(k wasm.ValType) string {
	if k == Unknown {
		return "?"
	}
	return k.String()
}

func compatible(got, want wasm.ValType) bool {
	return got == Unknown || want == Unknown || got == want
}

// Trace holds the shape before every instruction of a body.
type Trace struct {
	shapes []Shape
	final  Shape
}

// Before returns the shape before instruction i.
func (t *Trace) Before(i int) Shape {
	return t.shapes[i]
}

// Len is the number of instructions traced.
func (t *Trace) Len() int {
	return len(t.shapes)
}

// Final returns the shape after the closing end: the function results.
func (t *Trace) Final() Shape {
	return t.final
}

type frame struct {
	params      []wasm.ValType
	results     []wasm.ValType
	height      int
	opcode      byte
	unreachable bool
}

// labelTypes are the kinds a branch to the frame carries.
func (f *frame) labelTypes() []wasm.ValType {
	if f.opcode == wasm.OpLoop {
		return f.params
	}
	return f.results
}

type simulator struct {
	env    Env
	fn     *ir.Function
	sig    *wasm.FuncType
	stack  []wasm.ValType
	frames []frame
	pc     int
}

// Simulate replays fn and records the operand stack before each
// instruction. Control frames live on an explicit stack, so nesting depth
// is bounded only by memory.
func Simulate(env Env, fn *ir.Function) (*Trace, error) {
	if fn.Imported() {
		return nil, errors.New(errors.PhaseSimulate, errors.KindInvalidData).
			Func(fn.Label()).
			Detail("imported function has no body").
			Build()
	}
	s := &simulator{env: env, fn: fn, sig: env.Signature(fn)}
	s.frames = append(s.frames, frame{results: s.sig.Results, opcode: wasm.OpBlock})

	tr := &Trace{shapes: make([]Shape, 0, len(fn.Body))}
	for i := range fn.Body {
		s.pc = i
		if len(s.frames) == 0 {
			return nil, s.fail("instruction after function end")
		}
		tr.shapes = append(tr.shapes, s.shape())
		if err := s.step(&fn.Body[i]); err != nil {
			return nil, err
		}
	}
	if len(s.frames) != 0 {
		s.pc = len(fn.Body)
		return nil, s.fail("body ends with %d open frames", len(s.frames))
	}
	tr.final = Shape{Kinds: append([]wasm.ValType(nil), s.stack...)}
	return tr, nil
}

func (s *simulator) shape() Shape {
	top := &s.frames[len(s.frames)-1]
	return Shape{
		Kinds:       append([]wasm.ValType(nil), s.stack...),
		Polymorphic: top.unreachable,
	}
}

func (s *simulator) fail(format string, args ...any) error {
	return errors.StackMismatch(s.fn.Label(), s.pc, format, args...)
}

func (s *simulator) top() *frame {
	return &s.frames[len(s.frames)-1]
}

func (s *simulator) push(ts ...wasm.ValType) {
	s.stack = append(s.stack, ts...)
}

func (s *simulator) pop(want wasm.ValType) (wasm.ValType, error) {
	f := s.top()
	if len(s.stack) == f.height {
		if f.unreachable {
			return Unknown, nil
		}
		return 0, s.fail("stack underflow, expected %s", kindName(want))
	}
	got := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	if !compatible(got, want) {
		return 0, s.fail("expected %s, found %s", kindName(want), kindName(got))
	}
	return got, nil
}

// popAll pops want in reverse, so want reads bottom to top.
func (s *simulator) popAll(want []wasm.ValType) error {
	for i := len(want) - 1; i >= 0; i-- {
		if _, err := s.pop(want[i]); err != nil {
			return err
		}
	}
	return nil
}

// drain checks that exactly want sits above the frame height.
func (s *simulator) drain(want []wasm.ValType) error {
	if err := s.popAll(want); err != nil {
		return err
	}
	if f := s.top(); len(s.stack) != f.height {
		return s.fail("%d extra values at end of frame, expected %s",
			len(s.stack)-f.height, Shape{Kinds: want})
	}
	return nil
}

func (s *simulator) setUnreachable() {
	f := s.top()
	s.stack = s.stack[:f.height]
	f.unreachable = true
}

func (s *simulator) label(depth uint32) (*frame, error) {
	if int(depth) >= len(s.frames) {
		return nil, s.fail("branch depth %d exceeds %d frames", depth, len(s.frames))
	}
	return &s.frames[len(s.frames)-1-int(depth)], nil
}

func (s *simulator) blockSig(bt int64) ([]wasm.ValType, []wasm.ValType, error) {
	if bt == wasm.BlockEmpty {
		return nil, nil, nil
	}
	if v, ok := wasm.BlockValType(bt); ok {
		return nil, vals(v), nil
	}
	if bt < 0 {
		return nil, nil, s.fail("invalid block type %d", bt)
	}
	ft, ok := s.env.Type(ir.TypeID(bt))
	if !ok {
		return nil, nil, s.dangling("type", uint32(bt))
	}
	return ft.Params, ft.Results, nil
}

func (s *simulator) dangling(what string, handle uint32) error {
	e := errors.Dangling(errors.PhaseSimulate, what, handle)
	e.Func = s.fn.Label()
	e.Instr = s.pc
	return e
}

func (s *simulator) addrType(mem uint32) wasm.ValType {
	if s.env.Memory64(mem) {
		return i64
	}
	return i32
}

func (s *simulator) tableElem(id uint32) (wasm.ValType, error) {
	t, ok := s.env.TableElem(ir.TableID(id))
	if !ok {
		return 0, s.dangling("table", id)
	}
	return t, nil
}

func (s *simulator) apply(e effect) error {
	if err := s.popAll(e.pops); err != nil {
		return err
	}
	s.push(e.pushes...)
	return nil
}

func (s *simulator) call(ft *wasm.FuncType) error {
	if err := s.popAll(ft.Params); err != nil {
		return err
	}
	s.push(ft.Results...)
	return nil
}

func (s *simulator) step(ins *wasm.Instruction) error {
	op := ins.Opcode
	switch op {
	case wasm.OpUnreachable:
		s.setUnreachable()
	case wasm.OpNop:

	case wasm.OpBlock, wasm.OpLoop, wasm.OpIf:
		params, results, err := s.blockSig(ins.Imm.(wasm.BlockImm).Type)
		if err != nil {
			return err
		}
		if op == wasm.OpIf {
			if _, err := s.pop(i32); err != nil {
				return err
			}
		}
		if err := s.popAll(params); err != nil {
			return err
		}
		s.frames = append(s.frames, frame{
			params:  params,
			results: results,
			height:  len(s.stack),
			opcode:  op,
		})
		s.push(params...)

	case wasm.OpElse:
		f := s.top()
		if f.opcode != wasm.OpIf {
			return s.fail("else without matching if")
		}
		if err := s.drain(f.results); err != nil {
			return err
		}
		f.opcode = wasm.OpElse
		f.unreachable = false
		s.push(f.params...)

	case wasm.OpEnd:
		f := s.top()
		if err := s.drain(f.results); err != nil {
			return err
		}
		if f.opcode == wasm.OpIf && !valTypesEqual(f.params, f.results) {
			return s.fail("if without else must not change the stack")
		}
		results := f.results
		s.frames = s.frames[:len(s.frames)-1]
		s.push(results...)

	case wasm.OpBr:
		f, err := s.label(ins.Imm.(wasm.BranchImm).Label)
		if err != nil {
			return err
		}
		if err := s.popAll(f.labelTypes()); err != nil {
			return err
		}
		s.setUnreachable()

	case wasm.OpBrIf:
		f, err := s.label(ins.Imm.(wasm.BranchImm).Label)
		if err != nil {
			return err
		}
		if _, err := s.pop(i32); err != nil {
			return err
		}
		types := f.labelTypes()
		if err := s.popAll(types); err != nil {
			return err
		}
		s.push(types...)

	case wasm.OpBrTable:
		return s.brTable(ins.Imm.(wasm.BrTableImm))

	case wasm.OpReturn:
		if err := s.popAll(s.sig.Results); err != nil {
			return err
		}
		s.setUnreachable()

	case wasm.OpCall, wasm.OpReturnCall:
		id := ins.Imm.(wasm.CallImm).Func
		ft, ok := s.env.FuncType(ir.FuncID(id))
		if !ok {
			return s.dangling("func", id)
		}
		if err := s.call(ft); err != nil {
			return err
		}
		if op == wasm.OpReturnCall {
			return s.tailCall(ft)
		}

	case wasm.OpCallIndirect, wasm.OpReturnCallIndirect:
		imm := ins.Imm.(wasm.CallIndirectImm)
		ft, ok := s.env.Type(ir.TypeID(imm.Type))
		if !ok {
			return s.dangling("type", imm.Type)
		}
		if _, err := s.tableElem(imm.Table); err != nil {
			return err
		}
		if _, err := s.pop(i32); err != nil {
			return err
		}
		if err := s.call(ft); err != nil {
			return err
		}
		if op == wasm.OpReturnCallIndirect {
			return s.tailCall(ft)
		}

	case wasm.OpDrop:
		_, err := s.pop(Unknown)
		return err

	case wasm.OpSelect:
		if _, err := s.pop(i32); err != nil {
			return err
		}
		a, err := s.pop(Unknown)
		if err != nil {
			return err
		}
		b, err := s.pop(a)
		if err != nil {
			return err
		}
		if a == Unknown {
			a = b
		}
		s.push(a)

	case wasm.OpSelectType:
		types := ins.Imm.(wasm.SelectTypeImm).Types
		if len(types) != 1 {
			return s.fail("typed select with %d types", len(types))
		}
		return s.apply(effect{pops: vals(types[0], types[0], i32), pushes: types})

	case wasm.OpLocalGet, wasm.OpLocalSet, wasm.OpLocalTee:
		idx := ins.Imm.(wasm.LocalImm).Index
		t, ok := s.env.LocalType(s.fn, idx)
		if !ok {
			return s.fail("local %d out of range", idx)
		}
		switch op {
		case wasm.OpLocalGet:
			s.push(t)
		case wasm.OpLocalSet:
			_, err := s.pop(t)
			return err
		default:
			return s.apply(unary(t, t))
		}

	case wasm.OpGlobalGet, wasm.OpGlobalSet:
		idx := ins.Imm.(wasm.GlobalImm).Index
		g, ok := s.env.GlobalType(idx)
		if !ok {
			return s.dangling("global", idx)
		}
		if op == wasm.OpGlobalGet {
			s.push(g.ValType)
			return nil
		}
		_, err := s.pop(g.ValType)
		return err

	case wasm.OpTableGet, wasm.OpTableSet:
		elem, err := s.tableElem(ins.Imm.(wasm.TableImm).Table)
		if err != nil {
			return err
		}
		if op == wasm.OpTableGet {
			return s.apply(unary(i32, elem))
		}
		return s.apply(effect{pops: vals(i32, elem)})

	case wasm.OpMemorySize:
		s.push(s.addrType(ins.Imm.(wasm.MemoryImm).Memory))
	case wasm.OpMemoryGrow:
		a := s.addrType(ins.Imm.(wasm.MemoryImm).Memory)
		return s.apply(unary(a, a))

	case wasm.OpI32Const:
		s.push(i32)
	case wasm.OpI64Const:
		s.push(i64)
	case wasm.OpF32Const:
		s.push(f32)
	case wasm.OpF64Const:
		s.push(f64)

	case wasm.OpRefNull:
		s.push(ins.Imm.(wasm.RefNullImm).Type)
	case wasm.OpRefIsNull:
		t, err := s.pop(Unknown)
		if err != nil {
			return err
		}
		if t != Unknown && !t.IsRef() {
			return s.fail("ref.is_null on %s", t)
		}
		s.push(i32)
	case wasm.OpRefFunc:
		s.push(wasm.ValFuncRef)

	case wasm.OpPrefixMisc:
		return s.misc(ins.Imm.(wasm.MiscImm))
	case wasm.OpPrefixSIMD:
		imm := ins.Imm.(wasm.SIMDImm)
		addr := i32
		if imm.Mem != nil {
			addr = s.addrType(imm.Mem.Memory)
		}
		return s.apply(simdEffect(imm, addr))
	case wasm.OpPrefixAtomic:
		imm := ins.Imm.(wasm.AtomicImm)
		e, ok := atomicEffect(imm.Sub, s.addrType(imm.Mem.Memory))
		if !ok {
			return s.fail("unknown atomic opcode 0x%02x", imm.Sub)
		}
		return s.apply(e)

	default:
		if op >= wasm.OpI32Load && op <= wasm.OpI64Store32 {
			e, _ := memoryEffect(op, s.addrType(ins.Imm.(wasm.MemArg).Memory))
			return s.apply(e)
		}
		if e, ok := numericEffect(op); ok {
			return s.apply(e)
		}
		return s.fail("unhandled opcode 0x%02x", op)
	}
	return nil
}

func (s *simulator) brTable(imm wasm.BrTableImm) error {
	if _, err := s.pop(i32); err != nil {
		return err
	}
	def, err := s.label(imm.Default)
	if err != nil {
		return err
	}
	want := def.labelTypes()
	for _, l := range imm.Labels {
		f, err := s.label(l)
		if err != nil {
			return err
		}
		types := f.labelTypes()
		if len(types) != len(want) {
			return s.fail("br_table label %d carries %d values, default carries %d", l, len(types), len(want))
		}
		shape := s.shape()
		if !shape.Accepts(types) {
			return s.fail("br_table label %d expects %s, stack is %s", l, Shape{Kinds: types}, shape)
		}
	}
	if err := s.popAll(want); err != nil {
		return err
	}
	s.setUnreachable()
	return nil
}

// tailCall checks the callee results against the caller's and ends the
// reachable region.
func (s *simulator) tailCall(ft *wasm.FuncType) error {
	if !valTypesEqual(ft.Results, s.sig.Results) {
		return s.fail("tail call returns %s, function returns %s",
			Shape{Kinds: ft.Results}, Shape{Kinds: s.sig.Results})
	}
	s.stack = s.stack[:len(s.stack)-len(ft.Results)]
	s.setUnreachable()
	return nil
}

func (s *simulator) misc(imm wasm.MiscImm) error {
	sub := imm.Sub
	if sub < uint32(len(truncSat)) {
		c := truncSat[sub]
		return s.apply(unary(c[0], c[1]))
	}
	switch sub {
	case wasm.MiscMemoryInit:
		return s.apply(effect{pops: vals(s.addrType(imm.Operands[1]), i32, i32)})
	case wasm.MiscDataDrop, wasm.MiscElemDrop:
		return nil
	case wasm.MiscMemoryCopy:
		dst, src := s.addrType(imm.Operands[0]), s.addrType(imm.Operands[1])
		n := i32
		if dst == i64 && src == i64 {
			n = i64
		}
		return s.apply(effect{pops: vals(dst, src, n)})
	case wasm.MiscMemoryFill:
		a := s.addrType(imm.Operands[0])
		return s.apply(effect{pops: vals(a, i32, a)})
	case wasm.MiscTableInit:
		if _, err := s.tableElem(imm.Operands[1]); err != nil {
			return err
		}
		return s.apply(effect{pops: vals(i32, i32, i32)})
	case wasm.MiscTableCopy:
		for _, t := range imm.Operands {
			if _, err := s.tableElem(t); err != nil {
				return err
			}
		}
		return s.apply(effect{pops: vals(i32, i32, i32)})
	case wasm.MiscTableGrow:
		elem, err := s.tableElem(imm.Operands[0])
		if err != nil {
			return err
		}
		return s.apply(effect{pops: vals(elem, i32), pushes: vals(i32)})
	case wasm.MiscTableSize:
		if _, err := s.tableElem(imm.Operands[0]); err != nil {
			return err
		}
		s.push(i32)
		return nil
	case wasm.MiscTableFill:
		elem, err := s.tableElem(imm.Operands[0])
		if err != nil {
			return err
		}
		return s.apply(effect{pops: vals(i32, elem, i32)})
	}
	return s.fail("unknown misc opcode 0x%02x", sub)
}

func valTypesEqual(a, b []wasm.ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
