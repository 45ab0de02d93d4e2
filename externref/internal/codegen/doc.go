// Package codegen builds the instruction sequences the externref pass
// splices into function bodies.
//
// Emitter is a chained builder over decoded instructions. Table operands
// are handles, usually ir.PendingTable until the table is provisioned;
// call targets are function handles. Nothing here is encoded to bytes:
// the module emitter relabels and encodes the final bodies.
package codegen
