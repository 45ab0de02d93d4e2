// Package errors provides the structured error type of the externref pass.
//
// Errors carry a Phase (which step failed) and a Kind (what went wrong),
// plus the implicated function, instruction index or directive.
//
//	err := errors.New(errors.PhaseSimulate, errors.KindStackMismatch).
//		Func("func 3 (alloc_and_store)").
//		Instr(12).
//		Detail("end expects [i32], stack has [externref]").
//		Build()
//
// Callers sort failures into the two classes with IsConfig and IsInternal.
// All errors support errors.Is (matching Phase and Kind) and errors.As.
package errors
