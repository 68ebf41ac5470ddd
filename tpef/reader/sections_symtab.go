package reader

import (
	"github.com/pkg/errors"

	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

func init() {
	RegisterSectionReader(tpef.STSymTab, symTabReader{})
}

// symTabReader decodes the symbol table (spec.md §4.5.2): each fixed-size
// record is (name-offset, value, size, info, other, section-id). The low
// nibble of info is the symbol type, the high nibble the binding; bit 0
// of other marks the symbol absolute. Index 0 must be the undefined
// symbol; a NoBits symtab (one with no file bytes) still gets one
// synthesized.
type symTabReader struct{}

const symbolRecordSize = 4 + 4 + 4 + 1 + 1 + 2

func (symTabReader) ReadData(ctx *Context, s *tpef.Section, h SectionHeader) error {
	if s.NoBits() {
		undef := &tpef.Symbol{Undefined: true, Type: tpef.SymNoType}
		s.AddElement(undef)
		return ctx.Mgr.AddObjectReference(refmgr.SectionIndexKey(s.ID, 0), undef)
	}

	count := 0
	if h.ElementSize > 0 {
		count = int(h.BodyLength) / int(h.ElementSize)
	}
	for i := 0; i < count; i++ {
		nameOff, err := ctx.Stream.ReadWord()
		if err != nil {
			return err
		}
		value, err := ctx.Stream.ReadWord()
		if err != nil {
			return err
		}
		size, err := ctx.Stream.ReadWord()
		if err != nil {
			return err
		}
		info, err := ctx.Stream.ReadByte()
		if err != nil {
			return err
		}
		other, err := ctx.Stream.ReadByte()
		if err != nil {
			return err
		}
		ownerID, err := ctx.Stream.ReadHalfWord()
		if err != nil {
			return err
		}

		symType := tpef.SymbolType(info & 0x0F)
		binding := tpef.SymbolBinding(info >> 4)
		owner := refmgr.SectionID(ownerID)

		sym := &tpef.Symbol{
			Type:      symType,
			Binding:   binding,
			Absolute:  other&1 != 0,
			NameChunk: ctx.Mgr.CreateForKey(refmgr.SectionOffsetKey(s.Link, nameOff)),
			Owner:     ctx.Mgr.CreateForKey(refmgr.SectionKey(owner)),
			Undefined: i == 0 && symType == tpef.SymNoType && owner == 0,
			Value:     value,
			Size:      size,
		}
		switch symType {
		case tpef.SymCode, tpef.SymProcedure:
			sym.Instruction = ctx.Mgr.CreateForKey(refmgr.SectionIndexKey(owner, value))
		case tpef.SymData:
			sym.DataChunk = ctx.Mgr.CreateForKey(refmgr.SectionOffsetKey(owner, value))
		}

		s.AddElement(sym)
		if err := ctx.Mgr.AddObjectReference(refmgr.SectionIndexKey(s.ID, uint32(i)), sym); err != nil {
			return errors.Wrapf(err, "symbol %d", i)
		}
	}
	if count == 0 || s.Elements[0].(*tpef.Symbol).Type != tpef.SymNoType {
		return errors.Errorf("symtab %d: element 0 must be the undefined symbol", s.ID)
	}
	return nil
}
