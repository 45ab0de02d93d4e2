// Package table provisions the single externref table the rewritten code
// and the boundary shims operate on.
//
// Provision picks an existing externref table (by export name, or the only
// one present) or defines a new one, raises its minimum size to cover the
// reserved and statically referenced slots, and patches every pending
// table operand to the chosen handle.
package table
