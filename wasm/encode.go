package wasm

import (
	"fmt"

	"github.com/wippyai/wasm-externref/internal/binary"
)

var encodeOrder = []byte{
	SectionType, SectionImport, SectionFunction, SectionTable, SectionMemory,
	SectionGlobal, SectionExport, SectionStart, SectionElement,
	SectionDataCount, SectionCode, SectionData,
}

// Encode serializes the module. Custom sections are written back after the
// standard section they followed in the input.
func (m *Module) Encode() ([]byte, error) {
	if len(m.Funcs) != len(m.Code) {
		return nil, fmt.Errorf("function count %d does not match code count %d", len(m.Funcs), len(m.Code))
	}
	w := binary.NewWriter()
	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)

	m.writeCustoms(w, 0)
	for _, id := range encodeOrder {
		payload, ok, err := m.sectionPayload(id)
		if err != nil {
			return nil, fmt.Errorf("encode %s section: %w", sectionName(id), err)
		}
		if ok {
			w.Byte(id)
			w.WriteVec(payload)
		}
		m.writeCustoms(w, id)
	}
	return w.Bytes(), nil
}

func (m *Module) writeCustoms(w *binary.Writer, after byte) {
	for i := range m.Customs {
		c := &m.Customs[i]
		if c.After != after {
			continue
		}
		p := binary.NewWriter()
		p.WriteName(c.Name)
		p.WriteBytes(c.Data)
		w.Byte(SectionCustom)
		w.WriteVec(p.Bytes())
	}
}

func (m *Module) sectionPayload(id byte) ([]byte, bool, error) {
	w := binary.NewWriter()
	switch id {
	case SectionType:
		if len(m.Types) == 0 {
			return nil, false, nil
		}
		w.WriteU32(uint32(len(m.Types)))
		for i := range m.Types {
			w.Byte(funcTypeForm)
			writeValTypes(w, m.Types[i].Params)
			writeValTypes(w, m.Types[i].Results)
		}
	case SectionImport:
		if len(m.Imports) == 0 {
			return nil, false, nil
		}
		w.WriteU32(uint32(len(m.Imports)))
		for i := range m.Imports {
			if err := writeImport(w, &m.Imports[i]); err != nil {
				return nil, false, err
			}
		}
	case SectionFunction:
		if len(m.Funcs) == 0 {
			return nil, false, nil
		}
		w.WriteU32(uint32(len(m.Funcs)))
		for _, t := range m.Funcs {
			w.WriteU32(t)
		}
	case SectionTable:
		if len(m.Tables) == 0 {
			return nil, false, nil
		}
		w.WriteU32(uint32(len(m.Tables)))
		for i := range m.Tables {
			writeTableType(w, &m.Tables[i])
		}
	case SectionMemory:
		if len(m.Memories) == 0 {
			return nil, false, nil
		}
		w.WriteU32(uint32(len(m.Memories)))
		for i := range m.Memories {
			writeLimits(w, &m.Memories[i])
		}
	case SectionGlobal:
		if len(m.Globals) == 0 {
			return nil, false, nil
		}
		w.WriteU32(uint32(len(m.Globals)))
		for i := range m.Globals {
			g := &m.Globals[i]
			writeGlobalType(w, g.Type)
			w.WriteBytes(g.Init)
		}
	case SectionExport:
		if len(m.Exports) == 0 {
			return nil, false, nil
		}
		w.WriteU32(uint32(len(m.Exports)))
		for _, e := range m.Exports {
			w.WriteName(e.Name)
			w.Byte(byte(e.Kind))
			w.WriteU32(e.Index)
		}
	case SectionStart:
		if m.Start == nil {
			return nil, false, nil
		}
		w.WriteU32(*m.Start)
	case SectionElement:
		if len(m.Elements) == 0 {
			return nil, false, nil
		}
		w.WriteU32(uint32(len(m.Elements)))
		for i := range m.Elements {
			writeElement(w, &m.Elements[i])
		}
	case SectionDataCount:
		if m.DataCount == nil {
			return nil, false, nil
		}
		w.WriteU32(*m.DataCount)
	case SectionCode:
		if len(m.Code) == 0 {
			return nil, false, nil
		}
		w.WriteU32(uint32(len(m.Code)))
		for i := range m.Code {
			body := binary.NewWriter()
			body.WriteU32(uint32(len(m.Code[i].Locals)))
			for _, l := range m.Code[i].Locals {
				body.WriteU32(l.Count)
				body.Byte(byte(l.Type))
			}
			body.WriteBytes(m.Code[i].Code)
			w.WriteVec(body.Bytes())
		}
	case SectionData:
		if len(m.Data) == 0 {
			return nil, false, nil
		}
		w.WriteU32(uint32(len(m.Data)))
		for i := range m.Data {
			d := &m.Data[i]
			w.WriteU32(d.Flags)
			if d.Flags == 2 {
				w.WriteU32(d.Memory)
			}
			if d.Flags != 1 {
				w.WriteBytes(d.Offset)
			}
			w.WriteVec(d.Init)
		}
	default:
		return nil, false, fmt.Errorf("unknown section id %d", id)
	}
	return w.Bytes(), true, nil
}

func writeValTypes(w *binary.Writer, ts []ValType) {
	w.WriteU32(uint32(len(ts)))
	for _, t := range ts {
		w.Byte(byte(t))
	}
}

func writeImport(w *binary.Writer, imp *Import) error {
	w.WriteName(imp.Module)
	w.WriteName(imp.Name)
	w.Byte(byte(imp.Kind))
	switch imp.Kind {
	case KindFunc:
		w.WriteU32(imp.TypeIdx)
	case KindTable:
		writeTableType(w, imp.Table)
	case KindMemory:
		writeLimits(w, imp.Memory)
	case KindGlobal:
		writeGlobalType(w, *imp.Global)
	default:
		return fmt.Errorf("import %s.%s: unsupported kind %d", imp.Module, imp.Name, imp.Kind)
	}
	return nil
}

func writeLimits(w *binary.Writer, lim *Limits) {
	var flags byte
	if lim.Max != nil {
		flags |= 0x01
	}
	if lim.Shared {
		flags |= 0x02
	}
	if lim.Memory64 {
		flags |= 0x04
	}
	w.Byte(flags)
	w.WriteU64(lim.Min)
	if lim.Max != nil {
		w.WriteU64(*lim.Max)
	}
}

func writeTableType(w *binary.Writer, tt *TableType) {
	if tt.Init != nil {
		w.Byte(0x40)
		w.Byte(0x00)
	}
	w.Byte(byte(tt.ElemType))
	writeLimits(w, &tt.Limits)
	if tt.Init != nil {
		w.WriteBytes(tt.Init)
	}
}

func writeGlobalType(w *binary.Writer, gt GlobalType) {
	w.Byte(byte(gt.ValType))
	if gt.Mutable {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

func writeElement(w *binary.Writer, el *Element) {
	w.WriteU32(el.Flags)
	if el.Flags&0x02 != 0 && el.Flags&0x01 == 0 {
		w.WriteU32(el.Table)
	}
	if el.Flags&0x01 == 0 {
		w.WriteBytes(el.Offset)
	}
	if el.Flags&0x03 != 0 {
		if el.UsesExprs() {
			w.Byte(byte(el.RefType))
		} else {
			w.Byte(0x00)
		}
	}
	if el.UsesExprs() {
		w.WriteU32(uint32(len(el.Exprs)))
		for _, e := range el.Exprs {
			w.WriteBytes(e)
		}
		return
	}
	w.WriteU32(uint32(len(el.FuncIndices)))
	for _, f := range el.FuncIndices {
		w.WriteU32(f)
	}
}
