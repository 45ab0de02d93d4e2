// Package shim synthesizes boundary wrappers for functions whose exported
// or imported signature carries host references.
//
// Inside the module a host reference travels as an i32 slot index into the
// externref table. An export wrapper takes externref parameters, parks
// them in fresh slots and calls the internal function with the indices;
// reference results are read back out of their slots. An import wrapper
// does the reverse: it keeps the old slot-based signature for internal
// callers while the import itself is retyped to carry externref directly.
package shim
