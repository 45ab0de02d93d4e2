package ir

import (
	"fmt"
	"math"

	"github.com/wippyai/wasm-externref/errors"
)

// FuncID addresses a function in Module.Funcs. It never changes during a
// run; Lower assigns the final function index.
type FuncID uint32

// TypeID addresses a signature in Module.Types.
type TypeID uint32

// TableID addresses a table in Module.Tables.
type TableID uint32

// PendingTable is the table operand of instructions emitted before the
// externref table is chosen. Lower rejects it.
const PendingTable TableID = math.MaxUint32

// State tracks how far the pass has taken a function.
type State uint8

const (
	Untouched State = iota
	Rewritten
	Finalized
	Wrapped
)

func (s State) String() string {
	switch s {
	case Untouched:
		return "untouched"
	case Rewritten:
		return "rewritten"
	case Finalized:
		return "finalized"
	case Wrapped:
		return "wrapped"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

var statePhase = map[State]errors.Phase{
	Untouched: errors.PhaseRewrite,
	Rewritten: errors.PhaseRewrite,
	Finalized: errors.PhaseProvision,
	Wrapped:   errors.PhaseShim,
}

// Advance moves the function to state to. Moving backward is an invariant
// violation; staying put is allowed.
func (f *Function) Advance(to State) error {
	if to < f.State {
		return errors.New(statePhase[to], errors.KindStateTransition).
			Func(f.Label()).
			Detail("cannot move from %s to %s", f.State, to).
			Build()
	}
	f.State = to
	return nil
}
