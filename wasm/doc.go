// Package wasm decodes and encodes WebAssembly core modules.
//
// The codec covers WebAssembly 2.0 plus the proposals the externref pass
// needs to pass through untouched: tail calls, SIMD, threads, multi-memory
// and memory64. GC types, exception handling tags and their opcodes are
// rejected with ErrUnsupported.
//
// # Parsing
//
//	module, err := wasm.ParseModule(data)
//
// Function bodies stay as raw bytes in Module.Code until a caller decodes
// them:
//
//	instrs, err := wasm.DecodeInstructions(module.Code[0].Code)
//
// # Encoding
//
//	code, err := wasm.EncodeInstructions(instrs)
//	data, err := module.Encode()
//
// Custom sections are re-emitted after the same standard section they
// followed in the input, so passthrough metadata keeps its position.
package wasm
