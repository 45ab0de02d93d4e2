// Package ir is the mutable module model the externref pass works on.
//
// Functions, signatures and tables live in arenas addressed by FuncID,
// TypeID and TableID. Lift assigns handles equal to the input indices, so
// decoded instruction immediates already name handles; the pass then only
// appends to the arenas. Lower is the single renumbering step: it orders
// functions and tables, deduplicates and prunes signatures, and relabels
// every immediate, export, element and name entry. A handle that does not
// resolve at that point is an internal error.
package ir
