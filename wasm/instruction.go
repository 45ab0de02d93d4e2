package wasm

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/wippyai/wasm-externref/internal/binary"
)

// ErrUnsupported marks input that uses a feature outside the supported
// proposal set.
var ErrUnsupported = errors.New("unsupported feature")

// Instruction is a decoded instruction. Imm holds one of the *Imm types
// below, or nil when the opcode takes no immediate.
type Instruction struct {
	Imm    any
	Opcode byte
}

// BlockImm is the block type of block, loop and if. Negative values are
// the single-byte encodings (see BlockEmpty, BlockTypeOf); non-negative
// values are type indices.
type BlockImm struct {
	Type int64
}

// BranchImm is the label of br and br_if.
type BranchImm struct {
	Label uint32
}

// BrTableImm is the label vector of br_table.
type BrTableImm struct {
	Labels  []uint32
	Default uint32
}

// CallImm is the target of call and return_call.
type CallImm struct {
	Func uint32
}

// CallIndirectImm is the signature and table of call_indirect.
type CallIndirectImm struct {
	Type  uint32
	Table uint32
}

// LocalImm is a local index.
type LocalImm struct {
	Index uint32
}

// GlobalImm is a global index.
type GlobalImm struct {
	Index uint32
}

// TableImm is the table of table.get and table.set.
type TableImm struct {
	Table uint32
}

// MemArg is a load/store memory operand.
type MemArg struct {
	Offset uint64
	Align  uint32
	Memory uint32
}

// MemoryImm is the memory of memory.size and memory.grow.
type MemoryImm struct {
	Memory uint32
}

// I32Imm is the operand of i32.const.
type I32Imm struct {
	Value int32
}

// I64Imm is the operand of i64.const.
type I64Imm struct {
	Value int64
}

// F32Imm holds the raw bits of f32.const.
type F32Imm struct {
	Bits uint32
}

// F64Imm holds the raw bits of f64.const.
type F64Imm struct {
	Bits uint64
}

// RefNullImm is the heap type of ref.null.
type RefNullImm struct {
	Type ValType
}

// RefFuncImm is the function of ref.func.
type RefFuncImm struct {
	Func uint32
}

// SelectTypeImm is the explicit result type vector of typed select.
type SelectTypeImm struct {
	Types []ValType
}

// MiscImm is a 0xFC prefixed instruction.
type MiscImm struct {
	Operands []uint32
	Sub      uint32
}

// SIMDImm is a 0xFD prefixed instruction.
type SIMDImm struct {
	Mem   *MemArg
	Lane  *byte
	Bytes []byte
	Sub   uint32
}

// AtomicImm is a 0xFE prefixed instruction. Mem is unused by
// atomic.fence.
type AtomicImm struct {
	Mem MemArg
	Sub uint32
}

type immKind uint8

const (
	immInvalid immKind = iota
	immNone
	immBlock
	immBranch
	immBrTable
	immCall
	immCallIndirect
	immLocal
	immGlobal
	immTable
	immMem
	immMemIdx
	immI32
	immI64
	immF32
	immF64
	immRefNull
	immRefFunc
	immSelectType
	immMisc
	immSIMD
	immAtomic
)

var opImm [256]immKind

func init() {
	set := func(k immKind, ops ...byte) {
		for _, op := range ops {
			opImm[op] = k
		}
	}
	span := func(k immKind, lo, hi byte) {
		for op := int(lo); op <= int(hi); op++ {
			opImm[op] = k
		}
	}
	set(immNone, OpUnreachable, OpNop, OpElse, OpEnd, OpReturn, OpDrop, OpSelect, OpRefIsNull)
	span(immNone, OpI32Eqz, OpI64Extend32S)
	span(immBlock, OpBlock, OpIf)
	set(immBranch, OpBr, OpBrIf)
	set(immBrTable, OpBrTable)
	set(immCall, OpCall, OpReturnCall)
	set(immCallIndirect, OpCallIndirect, OpReturnCallIndirect)
	set(immSelectType, OpSelectType)
	span(immLocal, OpLocalGet, OpLocalTee)
	set(immGlobal, OpGlobalGet, OpGlobalSet)
	set(immTable, OpTableGet, OpTableSet)
	span(immMem, OpI32Load, OpI64Store32)
	set(immMemIdx, OpMemorySize, OpMemoryGrow)
	set(immI32, OpI32Const)
	set(immI64, OpI64Const)
	set(immF32, OpF32Const)
	set(immF64, OpF64Const)
	set(immRefNull, OpRefNull)
	set(immRefFunc, OpRefFunc)
	set(immMisc, OpPrefixMisc)
	set(immSIMD, OpPrefixSIMD)
	set(immAtomic, OpPrefixAtomic)
}

// DecodeInstructions decodes an instruction sequence.
func DecodeInstructions(code []byte) ([]Instruction, error) {
	return decodeInstructionsAt(code, 0)
}

func decodeInstructionsAt(code []byte, base int) ([]Instruction, error) {
	r := binary.NewReader(code, base)
	out := make([]Instruction, 0, len(code)/2)
	for r.Len() > 0 {
		ins, err := readInstruction(r)
		if err != nil {
			return nil, r.WrapError("code", err)
		}
		out = append(out, ins)
	}
	return out, nil
}

func readInstruction(r *binary.Reader) (Instruction, error) {
	op, err := r.ReadByte()
	if err != nil {
		return Instruction{}, err
	}
	ins := Instruction{Opcode: op}
	switch opImm[op] {
	case immNone:
	case immBlock:
		bt, err := r.ReadS33()
		if err != nil {
			return ins, err
		}
		if bt < 0 && bt != BlockEmpty {
			if _, ok := BlockValType(bt); !ok {
				return ins, fmt.Errorf("%w: block type %d", ErrUnsupported, bt)
			}
		}
		ins.Imm = BlockImm{Type: bt}
	case immBranch:
		l, err := r.ReadU32()
		ins.Imm = BranchImm{Label: l}
		return ins, err
	case immBrTable:
		n, err := r.ReadU32()
		if err != nil {
			return ins, err
		}
		if int(n) > r.Len() {
			return ins, io.ErrUnexpectedEOF
		}
		labels := make([]uint32, n)
		for i := range labels {
			if labels[i], err = r.ReadU32(); err != nil {
				return ins, err
			}
		}
		def, err := r.ReadU32()
		ins.Imm = BrTableImm{Labels: labels, Default: def}
		return ins, err
	case immCall:
		f, err := r.ReadU32()
		ins.Imm = CallImm{Func: f}
		return ins, err
	case immCallIndirect:
		t, err := r.ReadU32()
		if err != nil {
			return ins, err
		}
		tab, err := r.ReadU32()
		ins.Imm = CallIndirectImm{Type: t, Table: tab}
		return ins, err
	case immLocal:
		i, err := r.ReadU32()
		ins.Imm = LocalImm{Index: i}
		return ins, err
	case immGlobal:
		i, err := r.ReadU32()
		ins.Imm = GlobalImm{Index: i}
		return ins, err
	case immTable:
		i, err := r.ReadU32()
		ins.Imm = TableImm{Table: i}
		return ins, err
	case immMem:
		m, err := readMemArg(r)
		ins.Imm = m
		return ins, err
	case immMemIdx:
		i, err := r.ReadU32()
		ins.Imm = MemoryImm{Memory: i}
		return ins, err
	case immI32:
		v, err := r.ReadS32()
		ins.Imm = I32Imm{Value: v}
		return ins, err
	case immI64:
		v, err := r.ReadS64()
		ins.Imm = I64Imm{Value: v}
		return ins, err
	case immF32:
		v, err := r.ReadU32LE()
		ins.Imm = F32Imm{Bits: v}
		return ins, err
	case immF64:
		v, err := r.ReadU64LE()
		ins.Imm = F64Imm{Bits: v}
		return ins, err
	case immRefNull:
		ht, err := r.ReadS33()
		if err != nil {
			return ins, err
		}
		t := ValType(ht + 0x80)
		if !t.IsRef() {
			return ins, fmt.Errorf("%w: heap type %d", ErrUnsupported, ht)
		}
		ins.Imm = RefNullImm{Type: t}
	case immRefFunc:
		f, err := r.ReadU32()
		ins.Imm = RefFuncImm{Func: f}
		return ins, err
	case immSelectType:
		n, err := r.ReadU32()
		if err != nil {
			return ins, err
		}
		if int(n) > r.Len() {
			return ins, io.ErrUnexpectedEOF
		}
		ts := make([]ValType, n)
		for i := range ts {
			b, err := r.ReadByte()
			if err != nil {
				return ins, err
			}
			if ts[i] = ValType(b); !ts[i].Valid() {
				return ins, fmt.Errorf("%w: value type 0x%02x", ErrUnsupported, b)
			}
		}
		ins.Imm = SelectTypeImm{Types: ts}
	case immMisc:
		imm, err := readMisc(r)
		ins.Imm = imm
		return ins, err
	case immSIMD:
		imm, err := readSIMD(r)
		ins.Imm = imm
		return ins, err
	case immAtomic:
		imm, err := readAtomic(r)
		ins.Imm = imm
		return ins, err
	default:
		return ins, fmt.Errorf("%w: opcode 0x%02x", ErrUnsupported, op)
	}
	return ins, nil
}

func readMemArg(r *binary.Reader) (MemArg, error) {
	var m MemArg
	align, err := r.ReadU32()
	if err != nil {
		return m, err
	}
	if align&0x40 != 0 {
		align &^= 0x40
		if m.Memory, err = r.ReadU32(); err != nil {
			return m, err
		}
	}
	m.Align = align
	m.Offset, err = r.ReadU64()
	return m, err
}

func readMisc(r *binary.Reader) (MiscImm, error) {
	sub, err := r.ReadU32()
	if err != nil {
		return MiscImm{}, err
	}
	if sub >= uint32(len(miscOperands)) {
		return MiscImm{Sub: sub}, fmt.Errorf("%w: 0xfc %d", ErrUnsupported, sub)
	}
	imm := MiscImm{Sub: sub}
	if n := miscOperands[sub]; n > 0 {
		imm.Operands = make([]uint32, n)
		for i := range imm.Operands {
			if imm.Operands[i], err = r.ReadU32(); err != nil {
				return imm, err
			}
		}
	}
	return imm, nil
}

// simdMemArg reports whether a SIMD sub-opcode carries a memarg.
func simdMemArg(sub uint32) bool {
	return sub <= 11 || (sub >= 84 && sub <= 93)
}

// simdLane reports whether a SIMD sub-opcode carries a lane index.
func simdLane(sub uint32) bool {
	return (sub >= 21 && sub <= 34) || (sub >= 84 && sub <= 91)
}

func readSIMD(r *binary.Reader) (SIMDImm, error) {
	sub, err := r.ReadU32()
	if err != nil {
		return SIMDImm{}, err
	}
	imm := SIMDImm{Sub: sub}
	if simdMemArg(sub) {
		m, err := readMemArg(r)
		if err != nil {
			return imm, err
		}
		imm.Mem = &m
	}
	if simdLane(sub) {
		lane, err := r.ReadByte()
		if err != nil {
			return imm, err
		}
		imm.Lane = &lane
	}
	if sub == 12 || sub == 13 {
		b, err := r.ReadBytes(16)
		if err != nil {
			return imm, err
		}
		imm.Bytes = append([]byte(nil), b...)
	}
	return imm, nil
}

func readAtomic(r *binary.Reader) (AtomicImm, error) {
	sub, err := r.ReadU32()
	if err != nil {
		return AtomicImm{}, err
	}
	imm := AtomicImm{Sub: sub}
	switch {
	case sub == AtomicFence:
		if _, err := r.ReadByte(); err != nil {
			return imm, err
		}
	case sub <= AtomicWait64, sub >= AtomicLoadMin && sub <= AtomicLast:
		imm.Mem, err = readMemArg(r)
		return imm, err
	default:
		return imm, fmt.Errorf("%w: 0xfe %d", ErrUnsupported, sub)
	}
	return imm, nil
}

// EncodeInstructions encodes an instruction sequence.
func EncodeInstructions(instrs []Instruction) ([]byte, error) {
	w := binary.NewWriter()
	for i := range instrs {
		if err := writeInstruction(w, &instrs[i]); err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
	}
	return w.Bytes(), nil
}

func writeInstruction(w *binary.Writer, ins *Instruction) error {
	w.Byte(ins.Opcode)
	kind := opImm[ins.Opcode]
	if kind == immNone {
		return nil
	}
	switch imm := ins.Imm.(type) {
	case BlockImm:
		w.WriteS64(imm.Type)
	case BranchImm:
		w.WriteU32(imm.Label)
	case BrTableImm:
		w.WriteU32(uint32(len(imm.Labels)))
		for _, l := range imm.Labels {
			w.WriteU32(l)
		}
		w.WriteU32(imm.Default)
	case CallImm:
		w.WriteU32(imm.Func)
	case CallIndirectImm:
		w.WriteU32(imm.Type)
		w.WriteU32(imm.Table)
	case LocalImm:
		w.WriteU32(imm.Index)
	case GlobalImm:
		w.WriteU32(imm.Index)
	case TableImm:
		w.WriteU32(imm.Table)
	case MemArg:
		writeMemArg(w, imm)
	case MemoryImm:
		w.WriteU32(imm.Memory)
	case I32Imm:
		w.WriteS32(imm.Value)
	case I64Imm:
		w.WriteS64(imm.Value)
	case F32Imm:
		w.WriteU32LE(imm.Bits)
	case F64Imm:
		w.WriteU64LE(imm.Bits)
	case RefNullImm:
		w.Byte(byte(imm.Type))
	case RefFuncImm:
		w.WriteU32(imm.Func)
	case SelectTypeImm:
		w.WriteU32(uint32(len(imm.Types)))
		for _, t := range imm.Types {
			w.Byte(byte(t))
		}
	case MiscImm:
		w.WriteU32(imm.Sub)
		for _, o := range imm.Operands {
			w.WriteU32(o)
		}
	case SIMDImm:
		w.WriteU32(imm.Sub)
		if imm.Mem != nil {
			writeMemArg(w, *imm.Mem)
		}
		if imm.Lane != nil {
			w.Byte(*imm.Lane)
		}
		w.WriteBytes(imm.Bytes)
	case AtomicImm:
		w.WriteU32(imm.Sub)
		if imm.Sub == AtomicFence {
			w.Byte(0)
		} else {
			writeMemArg(w, imm.Mem)
		}
	default:
		return fmt.Errorf("opcode 0x%02x: immediate %T does not match", ins.Opcode, ins.Imm)
	}
	return nil
}

func writeMemArg(w *binary.Writer, m MemArg) {
	if m.Memory != 0 {
		w.WriteU32(m.Align | 0x40)
		w.WriteU32(m.Memory)
	} else {
		w.WriteU32(m.Align)
	}
	w.WriteU64(m.Offset)
}

// F32 returns the float value of an f32.const immediate.
func (i F32Imm) F32() float32 {
	return math.Float32frombits(i.Bits)
}

// F64 returns the float value of an f64.const immediate.
func (i F64Imm) F64() float64 {
	return math.Float64frombits(i.Bits)
}

// String renders the opcode and immediate for diagnostics.
func (i Instruction) String() string {
	name, ok := opNames[i.Opcode]
	if !ok {
		name = fmt.Sprintf("op(0x%02x)", i.Opcode)
	}
	if i.Imm == nil {
		return name
	}
	return fmt.Sprintf("%s %+v", name, i.Imm)
}

var opNames = map[byte]string{
	OpUnreachable:        "unreachable",
	OpNop:                "nop",
	OpBlock:              "block",
	OpLoop:               "loop",
	OpIf:                 "if",
	OpElse:               "else",
	OpEnd:                "end",
	OpBr:                 "br",
	OpBrIf:               "br_if",
	OpBrTable:            "br_table",
	OpReturn:             "return",
	OpCall:               "call",
	OpCallIndirect:       "call_indirect",
	OpReturnCall:         "return_call",
	OpReturnCallIndirect: "return_call_indirect",
	OpDrop:               "drop",
	OpSelect:             "select",
	OpSelectType:         "select",
	OpLocalGet:           "local.get",
	OpLocalSet:           "local.set",
	OpLocalTee:           "local.tee",
	OpGlobalGet:          "global.get",
	OpGlobalSet:          "global.set",
	OpTableGet:           "table.get",
	OpTableSet:           "table.set",
	OpMemorySize:         "memory.size",
	OpMemoryGrow:         "memory.grow",
	OpI32Const:           "i32.const",
	OpI64Const:           "i64.const",
	OpF32Const:           "f32.const",
	OpF64Const:           "f64.const",
	OpI32Eqz:             "i32.eqz",
	OpI32Eq:              "i32.eq",
	OpI32Ne:              "i32.ne",
	OpI32Add:             "i32.add",
	OpI32Sub:             "i32.sub",
	OpRefNull:            "ref.null",
	OpRefIsNull:          "ref.is_null",
	OpRefFunc:            "ref.func",
	OpPrefixMisc:         "misc",
	OpPrefixSIMD:         "simd",
	OpPrefixAtomic:       "atomic",
}
