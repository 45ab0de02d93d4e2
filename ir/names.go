package ir

import (
	"sort"

	"github.com/wippyai/wasm-externref/internal/binary"
	"github.com/wippyai/wasm-externref/wasm"
)

const nameSectionName = "name"

// Name subsection IDs.
const (
	nameModule   byte = 0
	nameFunction byte = 1
	nameLocal    byte = 2
)

type rawSubsection struct {
	data []byte
	id   byte
}

type nameSection struct {
	// kept are subsections over index spaces the pass never renumbers
	// (tables, memories, globals, elements, data).
	kept  []rawSubsection
	after byte
}

// keepSubsection reports whether a name subsection survives unchanged.
// Label, type and field names are keyed by function or type indices that
// Lower renumbers, so they are dropped.
func keepSubsection(id byte) bool {
	return id >= 5 && id <= 9
}

// liftNames applies a name custom section to the model. A malformed name
// section is dropped; names never affect semantics.
func (m *Module) liftNames(cs *wasm.CustomSection) {
	ns := &nameSection{after: cs.After}
	funcNames := map[uint32]string{}
	localNames := map[uint32]map[uint32]string{}
	var moduleName *string

	r := binary.NewReader(cs.Data, 0)
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return
		}
		size, err := r.ReadU32()
		if err != nil {
			return
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return
		}
		sr := binary.NewReader(payload, 0)
		switch id {
		case nameModule:
			name, err := sr.ReadName()
			if err != nil {
				return
			}
			moduleName = &name
		case nameFunction:
			if err := readNameMap(sr, funcNames); err != nil {
				return
			}
		case nameLocal:
			n, err := sr.ReadU32()
			if err != nil {
				return
			}
			for i := uint32(0); i < n; i++ {
				fn, err := sr.ReadU32()
				if err != nil {
					return
				}
				locals := map[uint32]string{}
				if err := readNameMap(sr, locals); err != nil {
					return
				}
				localNames[fn] = locals
			}
		default:
			if keepSubsection(id) {
				ns.kept = append(ns.kept, rawSubsection{id: id, data: append([]byte(nil), payload...)})
			}
		}
	}

	m.nameSection = ns
	m.ModuleName = moduleName
	for idx, name := range funcNames {
		if f, ok := m.Func(FuncID(idx)); ok {
			f.Name = name
		}
	}
	for idx, locals := range localNames {
		if f, ok := m.Func(FuncID(idx)); ok {
			f.LocalNames = locals
		}
	}
}

func (m *Module) hasNames() bool {
	if m.ModuleName != nil {
		return true
	}
	for _, f := range m.Funcs {
		if f.Name != "" || len(f.LocalNames) > 0 {
			return true
		}
	}
	return false
}

func readNameMap(r *binary.Reader, into map[uint32]string) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		into[idx] = name
	}
	return nil
}

// lowerNames encodes the name section with final function indices.
func (m *Module) lowerNames(funcIndex map[FuncID]uint32) wasm.CustomSection {
	w := binary.NewWriter()

	if m.ModuleName != nil {
		sub := binary.NewWriter()
		sub.WriteName(*m.ModuleName)
		w.Byte(nameModule)
		w.WriteVec(sub.Bytes())
	}

	type named struct {
		f   *Function
		idx uint32
	}
	var funcs []named
	for _, f := range m.Funcs {
		idx, live := funcIndex[f.ID]
		if live {
			funcs = append(funcs, named{f: f, idx: idx})
		}
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].idx < funcs[j].idx })

	sub := binary.NewWriter()
	count := 0
	for _, n := range funcs {
		if n.f.Name != "" {
			count++
		}
	}
	if count > 0 {
		sub.WriteU32(uint32(count))
		for _, n := range funcs {
			if n.f.Name != "" {
				sub.WriteU32(n.idx)
				sub.WriteName(n.f.Name)
			}
		}
		w.Byte(nameFunction)
		w.WriteVec(sub.Bytes())
	}

	sub = binary.NewWriter()
	count = 0
	for _, n := range funcs {
		if len(n.f.LocalNames) > 0 {
			count++
		}
	}
	if count > 0 {
		sub.WriteU32(uint32(count))
		for _, n := range funcs {
			if len(n.f.LocalNames) == 0 {
				continue
			}
			sub.WriteU32(n.idx)
			keys := make([]uint32, 0, len(n.f.LocalNames))
			for k := range n.f.LocalNames {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
			sub.WriteU32(uint32(len(keys)))
			for _, k := range keys {
				sub.WriteU32(k)
				sub.WriteName(n.f.LocalNames[k])
			}
		}
		w.Byte(nameLocal)
		w.WriteVec(sub.Bytes())
	}

	for _, k := range m.nameSection.kept {
		w.Byte(k.id)
		w.WriteVec(k.data)
	}
	return wasm.CustomSection{Name: nameSectionName, Data: w.Bytes(), After: m.nameSection.after}
}
