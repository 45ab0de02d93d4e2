package errors

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Phase indicates which step of the pass produced the error
type Phase string

const (
	PhaseParse     Phase = "parse"     // binary decode and lifting
	PhaseConfig    Phase = "config"    // directive and option checks
	PhaseSimulate  Phase = "simulate"  // operand stack simulation
	PhaseRewrite   Phase = "rewrite"   // intrinsic call rewriting
	PhaseProvision Phase = "provision" // table selection and sizing
	PhaseShim      Phase = "shim"      // boundary wrapper synthesis
	PhaseEmit      Phase = "emit"      // lowering and encoding
	PhaseValidate  Phase = "validate"  // output compilation check
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidDirective Kind = "invalid_directive"
	KindNotFound         Kind = "not_found"
	KindTypeMismatch     Kind = "type_mismatch"
	KindTableMismatch    Kind = "table_mismatch"
	KindAmbiguous        Kind = "ambiguous"
	KindStackMismatch    Kind = "stack_mismatch"
	KindDanglingRef      Kind = "dangling_ref"
	KindBadIntrinsic     Kind = "bad_intrinsic"
	KindStateTransition  Kind = "state_transition"
	KindUnsupported      Kind = "unsupported"
	KindInvalidData      Kind = "invalid_data"
)

// NoInstr marks an error that is not tied to an instruction.
const NoInstr = -1

// Error is the structured error type used throughout the pass
type Error struct {
	Value     any
	Cause     error
	Phase     Phase
	Kind      Kind
	Func      string
	Directive string
	Detail    string
	Instr     int
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Directive != "" {
		b.WriteString(" directive ")
		b.WriteString(e.Directive)
	}
	if e.Func != "" {
		b.WriteString(" in ")
		b.WriteString(e.Func)
		if e.Instr >= 0 {
			b.WriteString(" at instr ")
			b.WriteString(strconv.Itoa(e.Instr))
		}
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
			Instr: NoInstr,
		},
	}
}

// Func sets the implicated function label
func (b *Builder) Func(label string) *Builder {
	b.err.Func = label
	return b
}

// Instr sets the implicated instruction index
func (b *Builder) Instr(i int) *Builder {
	b.err.Instr = i
	return b
}

// Directive sets the offending directive
func (b *Builder) Directive(d string) *Builder {
	b.err.Directive = d
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// InvalidDirective creates a configuration error for a directive
func InvalidDirective(directive, detail string, args ...any) *Error {
	return New(PhaseConfig, KindInvalidDirective).Directive(directive).Detail(detail, args...).Build()
}

// StackMismatch creates a simulation error at an instruction
func StackMismatch(fn string, instr int, detail string, args ...any) *Error {
	return New(PhaseSimulate, KindStackMismatch).Func(fn).Instr(instr).Detail(detail, args...).Build()
}

// Dangling creates an error for a handle that does not resolve
func Dangling(phase Phase, what string, handle uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindDanglingRef,
		Instr:  NoInstr,
		Value:  handle,
		Detail: fmt.Sprintf("%s %d does not resolve", what, handle),
	}
}

// Unsupported creates an unsupported feature error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Instr:  NoInstr,
		Detail: what,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Instr:  NoInstr,
		Detail: detail,
		Cause:  cause,
	}
}

// IsConfig reports whether err is a configuration error: a problem with
// the directives or options supplied by the caller.
func IsConfig(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Phase {
	case PhaseConfig:
		return true
	case PhaseProvision:
		return e.Kind == KindTableMismatch || e.Kind == KindAmbiguous || e.Kind == KindNotFound
	}
	return false
}

// IsInternal reports whether err is an invariant violation inside the pass
// or in the module produced by the front end.
func IsInternal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Phase {
	case PhaseSimulate, PhaseRewrite, PhaseShim, PhaseEmit:
		return true
	case PhaseProvision:
		return !IsConfig(err)
	}
	return false
}
