package stack

import (
	"github.com/wippyai/wasm-externref/wasm"
)

// effect is the fixed stack signature of an instruction: operands popped
// (bottom to top) and results pushed.
type effect struct {
	pops   []wasm.ValType
	pushes []wasm.ValType
}

var (
	i32  = wasm.ValI32
	i64  = wasm.ValI64
	f32  = wasm.ValF32
	f64  = wasm.ValF64
	v128 = wasm.ValV128
)

func vals(ts ...wasm.ValType) []wasm.ValType { return ts }

func unary(in, out wasm.ValType) effect  { return effect{pops: vals(in), pushes: vals(out)} }
func binary(in, out wasm.ValType) effect { return effect{pops: vals(in, in), pushes: vals(out)} }

// numericEffect covers the plain numeric opcodes 0x45 through 0xC4.
func numericEffect(op byte) (effect, bool) {
	switch {
	case op == 0x45:
		return unary(i32, i32), true
	case op >= 0x46 && op <= 0x4F:
		return binary(i32, i32), true
	case op == 0x50:
		return unary(i64, i32), true
	case op >= 0x51 && op <= 0x5A:
		return binary(i64, i32), true
	case op >= 0x5B && op <= 0x60:
		return binary(f32, i32), true
	case op >= 0x61 && op <= 0x66:
		return binary(f64, i32), true
	case op >= 0x67 && op <= 0x69:
		return unary(i32, i32), true
	case op >= 0x6A && op <= 0x78:
		return binary(i32, i32), true
	case op >= 0x79 && op <= 0x7B:
		return unary(i64, i64), true
	case op >= 0x7C && op <= 0x8A:
		return binary(i64, i64), true
	case op >= 0x8B && op <= 0x91:
		return unary(f32, f32), true
	case op >= 0x92 && op <= 0x98:
		return binary(f32, f32), true
	case op >= 0x99 && op <= 0x9F:
		return unary(f64, f64), true
	case op >= 0xA0 && op <= 0xA6:
		return binary(f64, f64), true
	}
	if op >= 0xA7 && op <= 0xC4 {
		c := conversions[op-0xA7]
		return unary(c[0], c[1]), true
	}
	return effect{}, false
}

// conversions maps 0xA7..0xC4 to {input, output}.
var conversions = [...][2]wasm.ValType{
	{i64, i32},             // i32.wrap_i64
	{f32, i32}, {f32, i32}, // i32.trunc_f32
	{f64, i32}, {f64, i32}, // i32.trunc_f64
	{i32, i64}, {i32, i64}, // i64.extend_i32
	{f32, i64}, {f32, i64}, // i64.trunc_f32
	{f64, i64}, {f64, i64}, // i64.trunc_f64
	{i32, f32}, {i32, f32}, // f32.convert_i32
	{i64, f32}, {i64, f32}, // f32.convert_i64
	{f64, f32},             // f32.demote_f64
	{i32, f64}, {i32, f64}, // f64.convert_i32
	{i64, f64}, {i64, f64}, // f64.convert_i64
	{f32, f64},             // f64.promote_f32
	{f32, i32},             // i32.reinterpret_f32
	{f64, i64},             // i64.reinterpret_f64
	{i32, f32},             // f32.reinterpret_i32
	{i64, f64},             // f64.reinterpret_i64
	{i32, i32}, {i32, i32}, // i32.extend8_s, extend16_s
	{i64, i64}, {i64, i64}, {i64, i64}, // i64.extend8_s .. extend32_s
}

// memoryEffect covers loads and stores 0x28 through 0x3E. addr is the
// address type of the accessed memory.
func memoryEffect(op byte, addr wasm.ValType) (effect, bool) {
	var t wasm.ValType
	switch op {
	case 0x28, 0x2C, 0x2D, 0x2E, 0x2F, 0x36, 0x3A, 0x3B:
		t = i32
	case 0x29, 0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x37, 0x3C, 0x3D, 0x3E:
		t = i64
	case 0x2A, 0x38:
		t = f32
	case 0x2B, 0x39:
		t = f64
	default:
		return effect{}, false
	}
	if op <= 0x35 {
		return unary(addr, t), true
	}
	return effect{pops: vals(addr, t)}, true
}

// truncSat maps 0xFC 0..7 to {input, output}.
var truncSat = [...][2]wasm.ValType{
	{f32, i32}, {f32, i32}, {f64, i32}, {f64, i32},
	{f32, i64}, {f32, i64}, {f64, i64}, {f64, i64},
}

// atomicType is the value type of the atomic load/store/rmw family at sub,
// which repeats every seven opcodes from 0x10.
func atomicType(sub uint32) wasm.ValType {
	switch (sub - wasm.AtomicLoadMin) % 7 {
	case 0, 2, 3:
		return i32
	}
	return i64
}

func atomicEffect(sub uint32, addr wasm.ValType) (effect, bool) {
	switch {
	case sub == wasm.AtomicNotify:
		return effect{pops: vals(addr, i32), pushes: vals(i32)}, true
	case sub == wasm.AtomicWait32:
		return effect{pops: vals(addr, i32, i64), pushes: vals(i32)}, true
	case sub == wasm.AtomicWait64:
		return effect{pops: vals(addr, i64, i64), pushes: vals(i32)}, true
	case sub == wasm.AtomicFence:
		return effect{}, true
	case sub >= 0x10 && sub <= 0x16:
		return unary(addr, atomicType(sub)), true
	case sub >= 0x17 && sub <= 0x1D:
		return effect{pops: vals(addr, atomicType(sub))}, true
	case sub >= 0x1E && sub <= 0x47:
		t := atomicType(sub)
		return effect{pops: vals(addr, t), pushes: vals(t)}, true
	case sub >= 0x48 && sub <= wasm.AtomicLast:
		t := atomicType(sub)
		return effect{pops: vals(addr, t, t), pushes: vals(t)}, true
	}
	return effect{}, false
}

// SIMD sub-opcode classes. Anything not listed is a binary v128 operation.
var (
	simdSplat = map[uint32]wasm.ValType{15: i32, 16: i32, 17: i32, 18: i64, 19: f32, 20: f64}

	simdExtract = map[uint32]wasm.ValType{
		21: i32, 22: i32, 24: i32, 25: i32, 27: i32, 29: i64, 31: f32, 33: f64,
	}

	simdReplace = map[uint32]wasm.ValType{
		23: i32, 26: i32, 28: i32, 30: i64, 32: f32, 34: f64,
	}

	simdTest = set(83, 99, 100, 131, 132, 163, 164, 195, 196)

	simdShift = set(107, 108, 109, 139, 140, 141, 171, 172, 173, 203, 204, 205)

	simdTernary = set(82, 261, 262, 263, 264, 265, 266, 267, 268, 275)

	simdUnary = set(
		77, 94, 95, 96, 97, 98, 103, 104, 105, 106, 116, 117, 122,
		124, 125, 126, 127, 128, 129, 135, 136, 137, 138, 148, 160, 161,
		167, 168, 169, 170, 192, 193, 199, 200, 201, 202, 224, 225, 227,
		236, 237, 239, 248, 249, 250, 251, 252, 253, 254, 255,
		257, 258, 259, 260,
	)
)

func set(subs ...uint32) map[uint32]bool {
	m := make(map[uint32]bool, len(subs))
	for _, s := range subs {
		m[s] = true
	}
	return m
}

func simdEffect(imm wasm.SIMDImm, addr wasm.ValType) effect {
	sub := imm.Sub
	switch {
	case sub <= 10 || sub == 92 || sub == 93:
		return unary(addr, v128)
	case sub == 11:
		return effect{pops: vals(addr, v128)}
	case sub == 12:
		return effect{pushes: vals(v128)}
	case sub >= 84 && sub <= 87:
		return effect{pops: vals(addr, v128), pushes: vals(v128)}
	case sub >= 88 && sub <= 91:
		return effect{pops: vals(addr, v128)}
	}
	if t, ok := simdSplat[sub]; ok {
		return unary(t, v128)
	}
	if t, ok := simdExtract[sub]; ok {
		return unary(v128, t)
	}
	if t, ok := simdReplace[sub]; ok {
		return effect{pops: vals(v128, t), pushes: vals(v128)}
	}
	switch {
	case simdTest[sub]:
		return unary(v128, i32)
	case simdShift[sub]:
		return effect{pops: vals(v128, i32), pushes: vals(v128)}
	case simdTernary[sub]:
		return effect{pops: vals(v128, v128, v128), pushes: vals(v128)}
	case simdUnary[sub]:
		return unary(v128, v128)
	}
	return binary(v128, v128)
}
