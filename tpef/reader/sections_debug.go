package reader

import (
	"github.com/pkg/errors"

	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

func init() {
	RegisterSectionReader(tpef.STDebug, debugReader{})
}

// debugReader decodes a.out stab records carried into TPEF unchanged
// (spec.md §3.4, §4.7): string-table offset, stab type, other, description
// and a 32-bit value.
type debugReader struct{}

const debugRecordSize = 4 + 1 + 1 + 2 + 4

func (debugReader) ReadData(ctx *Context, s *tpef.Section, h SectionHeader) error {
	count := 0
	if h.ElementSize > 0 {
		count = int(h.BodyLength) / int(h.ElementSize)
	}
	for i := 0; i < count; i++ {
		nameOff, err := ctx.Stream.ReadWord()
		if err != nil {
			return err
		}
		stabType, err := ctx.Stream.ReadByte()
		if err != nil {
			return err
		}
		other, err := ctx.Stream.ReadByte()
		if err != nil {
			return err
		}
		desc, err := ctx.Stream.ReadHalfWord()
		if err != nil {
			return err
		}
		value, err := ctx.Stream.ReadWord()
		if err != nil {
			return err
		}
		el := &tpef.DebugElement{
			Type:        tpef.DebugStab,
			StabType:    int(stabType),
			Other:       int(other),
			Description: int(desc),
			Value:       value,
			StringChunk: ctx.Mgr.CreateForKey(refmgr.SectionOffsetKey(s.Link, nameOff)),
		}
		s.AddElement(el)
		if err := ctx.Mgr.AddObjectReference(refmgr.SectionIndexKey(s.ID, uint32(i)), el); err != nil {
			return errors.Wrapf(err, "debug element %d", i)
		}
	}
	return nil
}
