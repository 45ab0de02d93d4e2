// Package rewrite replaces calls to the intrinsic placeholder imports with
// reference-table instructions.
//
// Run resolves the intrinsic imports, builds a worklist from the functions
// that call them plus everything reachable from directive-bearing exports,
// simulates each body to learn the operand kinds at every call site, and
// splices in the matching table sequence. Table operands are left as
// ir.PendingTable for the provisioner. Intrinsic imports that end up with
// no callers are pruned.
package rewrite
