// Package stack simulates the operand stack of a function body.
//
// Simulate walks the instructions once, tracking value kinds through
// blocks, loops, conditionals and branches with an explicit frame stack,
// and records the shape before every instruction. After an unconditional
// transfer the rest of the frame is polymorphic: missing operands read as
// Unknown, which matches any kind. Any disagreement with declared block,
// branch, call or local types is reported as a stack mismatch carrying the
// function label and instruction index.
package stack
