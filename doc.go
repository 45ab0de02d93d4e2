// Package wasmexternref is the externref transform: a post-compilation
// pass that rewrites a core WebAssembly module so host references cross
// its boundary as externref values instead of integer slot indices.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	wasmexternref/
//	├── externref/       Public API: Config, directives, Transform
//	│   └── internal/
//	│       ├── stack/   Operand stack shape simulation
//	│       ├── codegen/ Instruction emitter
//	│       ├── rewrite/ Intrinsic call rewriting and call graph
//	│       ├── table/   Externref table selection and sizing
//	│       └── shim/    Boundary wrapper synthesis
//	├── ir/              Module model with stable handles (lift/lower)
//	├── wasm/            Core WASM binary decoding and encoding
//	├── errors/          Structured errors with phase and kind
//	├── internal/binary/ LEB128 reader and writer
//	└── cmd/externref/   Command line driver
//
// # Pipeline
//
// A run lifts the decoded module into ir, checks the boundary directives,
// rewrites intrinsic calls function by function, provisions the table,
// synthesizes wrappers, and lowers the model back to binary. Each defined
// function moves monotonically through Untouched, Rewritten, Finalized
// and Wrapped.
//
// # Intrinsics
//
// The front end imports these from the intrinsic module
// (__externref_xform__ by default):
//
//	allocate   () -> i32
//	deallocate (i32) -> ()
//	grow       (i32) -> i32 or (externref, i32) -> i32
//	set_null   (i32) -> ()
//	get        (i32) -> externref
//	set        (i32, externref) -> ()
//	drop_range (i32 start, i32 count) -> ()
//
// A slot equal to the sentinel (-1 by default) means "no value": reads
// yield null and writes are skipped.
package wasmexternref
