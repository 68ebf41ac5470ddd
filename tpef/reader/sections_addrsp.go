package reader

import (
	"github.com/pkg/errors"

	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

func init() {
	RegisterSectionReader(tpef.STAddrSpace, addrSpaceReader{})
}

// addrSpaceReader decodes the address-space table (spec.md §4.5.3): each
// record is MAU width, alignment, word size, an undefined/flags byte and
// a name offset.
type addrSpaceReader struct{}

const aspaceRecordSize = 1 + 1 + 1 + 1 + 4

func (addrSpaceReader) ReadData(ctx *Context, s *tpef.Section, h SectionHeader) error {
	count := 0
	if h.ElementSize > 0 {
		count = int(h.BodyLength) / int(h.ElementSize)
	}
	for i := 0; i < count; i++ {
		mau, err := ctx.Stream.ReadByte()
		if err != nil {
			return err
		}
		align, err := ctx.Stream.ReadByte()
		if err != nil {
			return err
		}
		word, err := ctx.Stream.ReadByte()
		if err != nil {
			return err
		}
		flags, err := ctx.Stream.ReadByte()
		if err != nil {
			return err
		}
		nameOff, err := ctx.Stream.ReadWord()
		if err != nil {
			return err
		}
		el := &tpef.ASpaceElement{
			MAUBits:   int(mau),
			Align:     int(align),
			WordSize:  int(word),
			Undefined: flags&1 != 0,
			NameChunk: ctx.Mgr.CreateForKey(refmgr.SectionOffsetKey(s.Link, nameOff)),
		}
		s.AddElement(el)
		if err := ctx.Mgr.AddObjectReference(refmgr.SectionIndexKey(s.ID, uint32(i)), el); err != nil {
			return errors.Wrapf(err, "aspace element %d", i)
		}
	}
	return nil
}
