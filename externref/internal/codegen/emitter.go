package codegen

import (
	"github.com/wippyai/wasm-externref/ir"
	"github.com/wippyai/wasm-externref/wasm"
)

// Block types.
var (
	BlockVoid      = wasm.BlockEmpty
	BlockI32       = wasm.BlockTypeOf(wasm.ValI32)
	BlockExternRef = wasm.BlockTypeOf(wasm.ValExternRef)
)

// Emitter accumulates instructions.
type Emitter struct {
	instrs []wasm.Instruction
}

// NewEmitter returns an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Instrs returns the emitted instructions. The slice is shared with the
// emitter.
func (e *Emitter) Instrs() []wasm.Instruction {
	return e.instrs
}

// Emit appends raw instructions.
func (e *Emitter) Emit(ins ...wasm.Instruction) *Emitter {
	e.instrs = append(e.instrs, ins...)
	return e
}

func (e *Emitter) op(o byte) *Emitter {
	return e.Emit(wasm.Instruction{Opcode: o})
}

func (e *Emitter) Unreachable() *Emitter { return e.op(wasm.OpUnreachable) }
func (e *Emitter) Else() *Emitter        { return e.op(wasm.OpElse) }
func (e *Emitter) End() *Emitter         { return e.op(wasm.OpEnd) }
func (e *Emitter) Return() *Emitter      { return e.op(wasm.OpReturn) }
func (e *Emitter) Drop() *Emitter        { return e.op(wasm.OpDrop) }

func (e *Emitter) Block(bt int64) *Emitter {
	return e.Emit(wasm.Instruction{Opcode: wasm.OpBlock, Imm: wasm.BlockImm{Type: bt}})
}

func (e *Emitter) Loop(bt int64) *Emitter {
	return e.Emit(wasm.Instruction{Opcode: wasm.OpLoop, Imm: wasm.BlockImm{Type: bt}})
}

func (e *Emitter) If(bt int64) *Emitter {
	return e.Emit(wasm.Instruction{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: bt}})
}

func (e *Emitter) Br(label uint32) *Emitter {
	return e.Emit(wasm.Instruction{Opcode: wasm.OpBr, Imm: wasm.BranchImm{Label: label}})
}

func (e *Emitter) BrIf(label uint32) *Emitter {
	return e.Emit(wasm.Instruction{Opcode: wasm.OpBrIf, Imm: wasm.BranchImm{Label: label}})
}

func (e *Emitter) Call(fn ir.FuncID) *Emitter {
	return e.Emit(wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{Func: uint32(fn)}})
}

func (e *Emitter) LocalGet(idx uint32) *Emitter {
	return e.Emit(wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{Index: idx}})
}

func (e *Emitter) LocalSet(idx uint32) *Emitter {
	return e.Emit(wasm.Instruction{Opcode: wasm.OpLocalSet, Imm: wasm.LocalImm{Index: idx}})
}

func (e *Emitter) LocalTee(idx uint32) *Emitter {
	return e.Emit(wasm.Instruction{Opcode: wasm.OpLocalTee, Imm: wasm.LocalImm{Index: idx}})
}

func (e *Emitter) I32Const(v int32) *Emitter {
	return e.Emit(wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}})
}

func (e *Emitter) I32Eqz() *Emitter { return e.op(wasm.OpI32Eqz) }
func (e *Emitter) I32Eq() *Emitter  { return e.op(wasm.OpI32Eq) }
func (e *Emitter) I32Ne() *Emitter  { return e.op(wasm.OpI32Ne) }
func (e *Emitter) I32Add() *Emitter { return e.op(wasm.OpI32Add) }
func (e *Emitter) I32Sub() *Emitter { return e.op(wasm.OpI32Sub) }

// RefNullExtern pushes a null externref.
func (e *Emitter) RefNullExtern() *Emitter {
	return e.Emit(wasm.Instruction{Opcode: wasm.OpRefNull, Imm: wasm.RefNullImm{Type: wasm.ValExternRef}})
}

func (e *Emitter) TableGet(t ir.TableID) *Emitter {
	return e.Emit(wasm.Instruction{Opcode: wasm.OpTableGet, Imm: wasm.TableImm{Table: uint32(t)}})
}

func (e *Emitter) TableSet(t ir.TableID) *Emitter {
	return e.Emit(wasm.Instruction{Opcode: wasm.OpTableSet, Imm: wasm.TableImm{Table: uint32(t)}})
}

func (e *Emitter) misc(sub uint32, t ir.TableID) *Emitter {
	return e.Emit(wasm.Instruction{
		Opcode: wasm.OpPrefixMisc,
		Imm:    wasm.MiscImm{Sub: sub, Operands: []uint32{uint32(t)}},
	})
}

// TableGrow pops a fill value and a delta and pushes the old size or -1.
func (e *Emitter) TableGrow(t ir.TableID) *Emitter { return e.misc(wasm.MiscTableGrow, t) }

// TableFill pops index, value and count.
func (e *Emitter) TableFill(t ir.TableID) *Emitter { return e.misc(wasm.MiscTableFill, t) }

// IfNotSentinel opens an if block taken when local idx differs from the
// sentinel slot value.
func (e *Emitter) IfNotSentinel(idx uint32, sentinel int32, bt int64) *Emitter {
	return e.LocalGet(idx).I32Const(sentinel).I32Ne().If(bt)
}

// Alloc grows t by one null slot and leaves the new index on the stack,
// trapping when the table cannot grow.
func (e *Emitter) Alloc(t ir.TableID, tmp uint32) *Emitter {
	return e.RefNullExtern().I32Const(1).TableGrow(t).
		LocalTee(tmp).I32Const(-1).I32Eq().If(BlockVoid).Unreachable().End().
		LocalGet(tmp)
}
