package reader

import (
	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

func init() {
	RegisterSectionReader(tpef.STMR, resourceReader{})
}

// resourceReader decodes the machine-resource table (spec.md §3.4): id,
// type, a name offset and an info word per record. Resources are
// referenced directly by id from move/immediate fields, not through the
// reference manager, so no cross-reference registration is needed beyond
// the name chunk.
type resourceReader struct{}

func (resourceReader) ReadData(ctx *Context, s *tpef.Section, h SectionHeader) error {
	count := 0
	if h.ElementSize > 0 {
		count = int(h.BodyLength) / int(h.ElementSize)
	}
	for i := 0; i < count; i++ {
		id, err := ctx.Stream.ReadWord()
		if err != nil {
			return err
		}
		typ, err := ctx.Stream.ReadByte()
		if err != nil {
			return err
		}
		if _, err := ctx.Stream.ReadByte(); err != nil { // padding
			return err
		}
		info, err := ctx.Stream.ReadWord()
		if err != nil {
			return err
		}
		nameOff, err := ctx.Stream.ReadWord()
		if err != nil {
			return err
		}
		el := &tpef.ResourceElement{
			ID:        id,
			Type:      tpef.ResourceType(typ),
			Info:      info,
			NameChunk: ctx.Mgr.CreateForKey(refmgr.SectionOffsetKey(s.Link, nameOff)),
		}
		s.AddElement(el)
	}
	return nil
}
