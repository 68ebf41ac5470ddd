package reader

import (
	"github.com/pkg/errors"

	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

func init() {
	RegisterSectionReader(tpef.STReloc, relocReader{})
}

// relocReader decodes a relocation table (spec.md §3.4, §4.5.3). The
// section's Link names the symbol table its records index into, and its
// ReferencedSection (carried in the header's Info word) names the section
// whose bytes the Location field addresses: a byte offset if that section
// is chunkable, an instruction (bundle) index if it is code.
type relocReader struct{}

const relocRecordSize = 1 + 1 + 1 + 1 + 4 + 2 + 4 + 2 + 2

func (relocReader) ReadData(ctx *Context, s *tpef.Section, h SectionHeader) error {
	locSection := s.ReferencedSection
	locSec := sectionByID(ctx, locSection)
	if locSec == nil {
		return errors.Errorf("reloc %d: referenced section %d not found", s.ID, locSection)
	}

	count := 0
	if h.ElementSize > 0 {
		count = int(h.BodyLength) / int(h.ElementSize)
	}
	for i := 0; i < count; i++ {
		typ, err := ctx.Stream.ReadByte()
		if err != nil {
			return err
		}
		sizeBits, err := ctx.Stream.ReadByte()
		if err != nil {
			return err
		}
		bitOffset, err := ctx.Stream.ReadByte()
		if err != nil {
			return err
		}
		flags, err := ctx.Stream.ReadByte()
		if err != nil {
			return err
		}
		locValue, err := ctx.Stream.ReadWord()
		if err != nil {
			return err
		}
		destSectionID, err := ctx.Stream.ReadHalfWord()
		if err != nil {
			return err
		}
		destValue, err := ctx.Stream.ReadWord()
		if err != nil {
			return err
		}
		destASpaceIdx, err := ctx.Stream.ReadHalfWord()
		if err != nil {
			return err
		}
		symIndex, err := ctx.Stream.ReadHalfWord()
		if err != nil {
			return err
		}

		locChunked := flags&1 != 0
		destChunked := flags&2 != 0

		var locKey, destKey refmgr.Key
		if locChunked {
			locKey = refmgr.SectionOffsetKey(locSection, locValue)
		} else {
			locKey = refmgr.SectionIndexKey(locSection, locValue)
		}
		destSec := refmgr.SectionID(destSectionID)
		if destChunked {
			destKey = refmgr.SectionOffsetKey(destSec, destValue)
		} else {
			destKey = refmgr.SectionIndexKey(destSec, destValue)
		}

		rel := &tpef.RelocationElement{
			Type:        tpef.RelocType(typ),
			SizeBits:    int(sizeBits),
			BitOffset:   int(bitOffset),
			Location:    ctx.Mgr.CreateForKey(locKey),
			Destination: ctx.Mgr.CreateForKey(destKey),
			DestASpace:  ctx.Mgr.CreateForKey(refmgr.SectionIndexKey(ctx.AddrSpaceSectionID, uint32(destASpaceIdx))),
			Symbol:      ctx.Mgr.CreateForKey(refmgr.SectionIndexKey(s.Link, uint32(symIndex))),
			Chunked:     locChunked,
		}
		s.AddElement(rel)
	}
	return nil
}

func sectionByID(ctx *Context, id refmgr.SectionID) *tpef.Section {
	for _, sec := range ctx.fileOrder {
		if sec.ID == id {
			return sec
		}
	}
	return nil
}
