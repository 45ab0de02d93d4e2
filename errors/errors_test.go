package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
		excludes []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseSimulate,
				Kind:   KindStackMismatch,
				Func:   "func 3 (run)",
				Instr:  7,
				Detail: "end expects [i32]",
			},
			contains: []string{"[simulate]", "stack_mismatch", "func 3 (run)", "instr 7", "end expects [i32]"},
		},
		{
			name: "directive error",
			err: &Error{
				Phase:     PhaseConfig,
				Kind:      KindInvalidDirective,
				Directive: "export make",
				Instr:     NoInstr,
			},
			contains: []string{"[config]", "invalid_directive", "directive export make"},
			excludes: []string{"instr"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseEmit,
				Kind:   KindInvalidData,
				Instr:  NoInstr,
				Detail: "encode failed",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[emit]", "invalid_data", "encode failed", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(msg, s) {
					t.Errorf("error message %q should not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(PhaseParse, KindInvalidData, cause, "bad module")

	if !errors.Is(err, cause) {
		t.Error("errors.Is did not find cause")
	}
	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := StackMismatch("func 1", 2, "boom")

	if !errors.Is(err, &Error{Phase: PhaseSimulate, Kind: KindStackMismatch}) {
		t.Error("Is should match same phase and kind")
	}
	if errors.Is(err, &Error{Phase: PhaseRewrite, Kind: KindStackMismatch}) {
		t.Error("Is should not match different phase")
	}
	if errors.Is(err, &Error{Phase: PhaseSimulate, Kind: KindDanglingRef}) {
		t.Error("Is should not match different kind")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	var e *Error
	if !errors.As(wrapped, &e) || e.Instr != 2 {
		t.Errorf("errors.As = %+v", e)
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseRewrite, KindBadIntrinsic).
		Func("func 4").
		Instr(9).
		Directive("import env.get").
		Value(42).
		Cause(cause).
		Detail("expected %s, got %s", "[i32]", "[f64]").
		Build()

	if err.Phase != PhaseRewrite || err.Kind != KindBadIntrinsic {
		t.Errorf("Phase/Kind = %v/%v", err.Phase, err.Kind)
	}
	if err.Func != "func 4" || err.Instr != 9 || err.Directive != "import env.get" {
		t.Errorf("location = %q %d %q", err.Func, err.Instr, err.Directive)
	}
	if err.Value != 42 {
		t.Errorf("Value = %v, want 42", err.Value)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "expected [i32], got [f64]" {
		t.Errorf("Detail = %q", err.Detail)
	}
	if New(PhaseEmit, KindInvalidData).Build().Instr != NoInstr {
		t.Error("builder should default Instr to NoInstr")
	}
}

func TestClasses(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		config   bool
		internal bool
	}{
		{"directive", InvalidDirective("export f", "no such export"), true, false},
		{"table mismatch", New(PhaseProvision, KindTableMismatch).Build(), true, false},
		{"ambiguous table", New(PhaseProvision, KindAmbiguous).Build(), true, false},
		{"provision dangling", Dangling(PhaseProvision, "table", 3), false, true},
		{"stack", StackMismatch("f", 1, "x"), false, true},
		{"rewrite", New(PhaseRewrite, KindBadIntrinsic).Build(), false, true},
		{"shim", New(PhaseShim, KindStateTransition).Build(), false, true},
		{"emit", Dangling(PhaseEmit, "func", 9), false, true},
		{"parse", Unsupported(PhaseParse, "gc"), false, false},
		{"wrapped config", fmt.Errorf("ctx: %w", InvalidDirective("d", "x")), true, false},
		{"plain", errors.New("plain"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConfig(tt.err); got != tt.config {
				t.Errorf("IsConfig = %v, want %v", got, tt.config)
			}
			if got := IsInternal(tt.err); got != tt.internal {
				t.Errorf("IsInternal = %v, want %v", got, tt.internal)
			}
		})
	}
}
