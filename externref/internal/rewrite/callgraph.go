package rewrite

import (
	"sort"

	"github.com/wippyai/wasm-externref/ir"
	"github.com/wippyai/wasm-externref/wasm"
)

// CallGraph maps each defined function to the functions it calls directly.
type CallGraph map[ir.FuncID][]ir.FuncID

// BuildCallGraph scans call and return_call targets of every live defined
// function.
func BuildCallGraph(m *ir.Module) CallGraph {
	cg := make(CallGraph)
	for _, f := range m.Defined() {
		for i := range f.Body {
			ins := &f.Body[i]
			if ins.Opcode != wasm.OpCall && ins.Opcode != wasm.OpReturnCall {
				continue
			}
			callee := ir.FuncID(ins.Imm.(wasm.CallImm).Func)
			cg[f.ID] = appendUnique(cg[f.ID], callee)
		}
	}
	return cg
}

// TransitiveCallees returns sources and every function reachable from them.
func (cg CallGraph) TransitiveCallees(sources map[ir.FuncID]bool) map[ir.FuncID]bool {
	result := make(map[ir.FuncID]bool, len(sources))
	queue := make([]ir.FuncID, 0, len(sources))
	for s := range sources {
		result[s] = true
		queue = append(queue, s)
	}
	for len(queue) > 0 {
		caller := queue[0]
		queue = queue[1:]
		for _, callee := range cg[caller] {
			if !result[callee] {
				result[callee] = true
				queue = append(queue, callee)
			}
		}
	}
	return result
}

// Callers returns the functions that call any of targets directly.
func (cg CallGraph) Callers(targets map[ir.FuncID]bool) map[ir.FuncID]bool {
	result := make(map[ir.FuncID]bool)
	for caller, callees := range cg {
		for _, callee := range callees {
			if targets[callee] {
				result[caller] = true
				break
			}
		}
	}
	return result
}

func sortedIDs(set map[ir.FuncID]bool) []ir.FuncID {
	out := make([]ir.FuncID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func appendUnique(slice []ir.FuncID, val ir.FuncID) []ir.FuncID {
	for _, v := range slice {
		if v == val {
			return slice
		}
	}
	return append(slice, val)
}
