package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-externref/internal/binary"
)

// ParseModule decodes a binary core module.
func ParseModule(data []byte) (*Module, error) {
	r := binary.NewReader(data, 0)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic {
		return nil, r.WrapError("header", fmt.Errorf("invalid magic 0x%08x", magic))
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if version != Version {
		return nil, r.WrapError("header", fmt.Errorf("unsupported version %d", version))
	}

	m := &Module{}
	var funcCount int
	lastID := byte(0)
	lastOrder := 0

	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("section", err)
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section", err)
		}
		start := r.Position()
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, r.WrapError(sectionName(id), err)
		}
		sr := binary.NewReader(payload, start)

		if id == SectionCustom {
			name, err := sr.ReadName()
			if err != nil {
				return nil, sr.WrapError("custom", err)
			}
			m.Customs = append(m.Customs, CustomSection{
				Name:  name,
				Data:  append([]byte(nil), sr.Rest()...),
				After: lastID,
			})
			continue
		}

		order, ok := sectionOrder[id]
		if !ok {
			return nil, sr.WrapError("section", fmt.Errorf("unknown section id %d", id))
		}
		if order <= lastOrder {
			return nil, sr.WrapError(sectionName(id), errors.New("section out of order"))
		}
		lastOrder = order
		lastID = id

		if err := m.parseSection(id, sr, &funcCount); err != nil {
			return nil, sr.WrapError(sectionName(id), err)
		}
		if sr.Len() != 0 {
			return nil, sr.WrapError(sectionName(id), errors.New("section size mismatch"))
		}
	}

	if len(m.Code) != funcCount {
		return nil, &binary.ParseError{
			Section:  "code",
			Position: r.Position(),
			Err:      fmt.Errorf("function count %d does not match code count %d", funcCount, len(m.Code)),
		}
	}
	return m, nil
}

func sectionName(id byte) string {
	if n, ok := sectionNames[id]; ok {
		return n
	}
	return fmt.Sprintf("section(%d)", id)
}

func (m *Module) parseSection(id byte, r *binary.Reader, funcCount *int) error {
	switch id {
	case SectionType:
		return readVec(r, func() error {
			ft, err := readFuncType(r)
			m.Types = append(m.Types, ft)
			return err
		})
	case SectionImport:
		return readVec(r, func() error {
			imp, err := readImport(r)
			m.Imports = append(m.Imports, imp)
			return err
		})
	case SectionFunction:
		err := readVec(r, func() error {
			idx, err := r.ReadU32()
			m.Funcs = append(m.Funcs, idx)
			return err
		})
		*funcCount = len(m.Funcs)
		return err
	case SectionTable:
		return readVec(r, func() error {
			tt, err := readTableType(r, true)
			m.Tables = append(m.Tables, tt)
			return err
		})
	case SectionMemory:
		return readVec(r, func() error {
			lim, err := readLimits(r)
			m.Memories = append(m.Memories, lim)
			return err
		})
	case SectionGlobal:
		return readVec(r, func() error {
			gt, err := readGlobalType(r)
			if err != nil {
				return err
			}
			init, err := readConstExpr(r)
			m.Globals = append(m.Globals, Global{Type: gt, Init: init})
			return err
		})
	case SectionExport:
		return readVec(r, func() error {
			name, err := r.ReadName()
			if err != nil {
				return err
			}
			kind, err := r.ReadByte()
			if err != nil {
				return err
			}
			if ExternKind(kind) > KindGlobal {
				return fmt.Errorf("%w: export kind %d", ErrUnsupported, kind)
			}
			idx, err := r.ReadU32()
			m.Exports = append(m.Exports, Export{Name: name, Kind: ExternKind(kind), Index: idx})
			return err
		})
	case SectionStart:
		idx, err := r.ReadU32()
		m.Start = &idx
		return err
	case SectionElement:
		return readVec(r, func() error {
			el, err := readElement(r)
			m.Elements = append(m.Elements, el)
			return err
		})
	case SectionDataCount:
		n, err := r.ReadU32()
		m.DataCount = &n
		return err
	case SectionCode:
		return readVec(r, func() error {
			body, err := readFuncBody(r)
			m.Code = append(m.Code, body)
			return err
		})
	case SectionData:
		return readVec(r, func() error {
			seg, err := readDataSegment(r)
			m.Data = append(m.Data, seg)
			return err
		})
	case SectionTag:
		return fmt.Errorf("%w: exception handling tags", ErrUnsupported)
	}
	return fmt.Errorf("unknown section id %d", id)
}

func readVec(r *binary.Reader, item func() error) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(n) > r.Len() {
		return fmt.Errorf("vector length %d exceeds section", n)
	}
	for i := uint32(0); i < n; i++ {
		if err := item(); err != nil {
			return err
		}
	}
	return nil
}

func readValType(r *binary.Reader) (ValType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	v := ValType(b)
	if !v.Valid() {
		return 0, fmt.Errorf("%w: value type 0x%02x", ErrUnsupported, b)
	}
	return v, nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	var out []ValType
	err := readVec(r, func() error {
		v, err := readValType(r)
		out = append(out, v)
		return err
	})
	return out, err
}

func readFuncType(r *binary.Reader) (FuncType, error) {
	form, err := r.ReadByte()
	if err != nil {
		return FuncType{}, err
	}
	if form != funcTypeForm {
		return FuncType{}, fmt.Errorf("%w: type form 0x%02x", ErrUnsupported, form)
	}
	params, err := readValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	results, err := readValTypes(r)
	return FuncType{Params: params, Results: results}, err
}

func readImport(r *binary.Reader) (Import, error) {
	var imp Import
	var err error
	if imp.Module, err = r.ReadName(); err != nil {
		return imp, err
	}
	if imp.Name, err = r.ReadName(); err != nil {
		return imp, err
	}
	kind, err := r.ReadByte()
	if err != nil {
		return imp, err
	}
	imp.Kind = ExternKind(kind)
	switch imp.Kind {
	case KindFunc:
		imp.TypeIdx, err = r.ReadU32()
	case KindTable:
		var tt TableType
		tt, err = readTableType(r, false)
		imp.Table = &tt
	case KindMemory:
		var lim Limits
		lim, err = readLimits(r)
		imp.Memory = &lim
	case KindGlobal:
		var gt GlobalType
		gt, err = readGlobalType(r)
		imp.Global = &gt
	default:
		err = fmt.Errorf("%w: import kind %d", ErrUnsupported, kind)
	}
	return imp, err
}

func readLimits(r *binary.Reader) (Limits, error) {
	var lim Limits
	flags, err := r.ReadByte()
	if err != nil {
		return lim, err
	}
	if flags > 0x07 {
		return lim, fmt.Errorf("invalid limits flags 0x%02x", flags)
	}
	lim.Shared = flags&0x02 != 0
	lim.Memory64 = flags&0x04 != 0
	if lim.Min, err = r.ReadU64(); err != nil {
		return lim, err
	}
	if flags&0x01 != 0 {
		max, err := r.ReadU64()
		if err != nil {
			return lim, err
		}
		lim.Max = &max
	}
	return lim, nil
}

// readTableType reads a table type. Defined tables may use the 0x40 0x00
// prefix form carrying an initializer expression.
func readTableType(r *binary.Reader, defined bool) (TableType, error) {
	var tt TableType
	b, err := r.ReadByte()
	if err != nil {
		return tt, err
	}
	withInit := false
	if b == 0x40 && defined {
		if z, err := r.ReadByte(); err != nil || z != 0x00 {
			return tt, errors.New("malformed table initializer prefix")
		}
		withInit = true
		if b, err = r.ReadByte(); err != nil {
			return tt, err
		}
	}
	tt.ElemType = ValType(b)
	if !tt.ElemType.IsRef() {
		return tt, fmt.Errorf("%w: table element type 0x%02x", ErrUnsupported, b)
	}
	if tt.Limits, err = readLimits(r); err != nil {
		return tt, err
	}
	if withInit {
		tt.Init, err = readConstExpr(r)
	}
	return tt, err
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	v, err := readValType(r)
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid mutability %d", mut)
	}
	return GlobalType{ValType: v, Mutable: mut == 1}, nil
}

// readConstExpr reads instructions up to and including the terminating
// end and returns their raw bytes.
func readConstExpr(r *binary.Reader) ([]byte, error) {
	mark := r.Mark()
	for {
		ins, err := readInstruction(r)
		if err != nil {
			return nil, err
		}
		if ins.Opcode == OpEnd {
			return append([]byte(nil), r.Since(mark)...), nil
		}
	}
}

func readElement(r *binary.Reader) (Element, error) {
	var el Element
	flags, err := r.ReadU32()
	if err != nil {
		return el, err
	}
	if flags > 7 {
		return el, fmt.Errorf("invalid element flags %d", flags)
	}
	el.Flags = flags
	el.RefType = ValFuncRef

	if flags&0x02 != 0 && flags&0x01 == 0 {
		if el.Table, err = r.ReadU32(); err != nil {
			return el, err
		}
	}
	if flags&0x01 == 0 {
		if el.Offset, err = readConstExpr(r); err != nil {
			return el, err
		}
	}
	if flags&0x03 != 0 {
		b, err := r.ReadByte()
		if err != nil {
			return el, err
		}
		if flags&0x04 != 0 {
			el.RefType = ValType(b)
			if !el.RefType.IsRef() {
				return el, fmt.Errorf("%w: element type 0x%02x", ErrUnsupported, b)
			}
		} else if b != 0x00 {
			return el, fmt.Errorf("invalid element kind 0x%02x", b)
		}
	}
	if flags&0x04 != 0 {
		err = readVec(r, func() error {
			e, err := readConstExpr(r)
			el.Exprs = append(el.Exprs, e)
			return err
		})
		return el, err
	}
	err = readVec(r, func() error {
		idx, err := r.ReadU32()
		el.FuncIndices = append(el.FuncIndices, idx)
		return err
	})
	return el, err
}

func readFuncBody(r *binary.Reader) (FuncBody, error) {
	var body FuncBody
	size, err := r.ReadU32()
	if err != nil {
		return body, err
	}
	data, err := r.ReadBytes(int(size))
	if err != nil {
		return body, err
	}
	br := binary.NewReader(data, r.Position()-int(size))
	var total uint64
	err = readVec(br, func() error {
		n, err := br.ReadU32()
		if err != nil {
			return err
		}
		t, err := readValType(br)
		if err != nil {
			return err
		}
		total += uint64(n)
		if total > 50000 {
			return errors.New("too many locals")
		}
		body.Locals = append(body.Locals, LocalEntry{Count: n, Type: t})
		return nil
	})
	if err != nil {
		return body, br.WrapError("code", err)
	}
	body.Code = append([]byte(nil), br.Rest()...)
	if len(body.Code) == 0 || body.Code[len(body.Code)-1] != OpEnd {
		return body, br.WrapError("code", errors.New("function body does not end with end"))
	}
	return body, nil
}

func readDataSegment(r *binary.Reader) (DataSegment, error) {
	var seg DataSegment
	flags, err := r.ReadU32()
	if err != nil {
		return seg, err
	}
	if flags > 2 {
		return seg, fmt.Errorf("invalid data segment flags %d", flags)
	}
	seg.Flags = flags
	if flags == 2 {
		if seg.Memory, err = r.ReadU32(); err != nil {
			return seg, err
		}
	}
	if flags != 1 {
		if seg.Offset, err = readConstExpr(r); err != nil {
			return seg, err
		}
	}
	n, err := r.ReadU32()
	if err != nil {
		return seg, err
	}
	data, err := r.ReadBytes(int(n))
	if err != nil {
		return seg, err
	}
	seg.Init = append([]byte(nil), data...)
	return seg, nil
}
