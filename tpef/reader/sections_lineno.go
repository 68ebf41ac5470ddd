package reader

import (
	"github.com/pkg/errors"

	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

func init() {
	RegisterSectionReader(tpef.STLineNum, linenoReader{})
}

// linenoReader decodes the line-number table (spec.md §3.4): a sequence of
// procedure groups, each naming its procedure symbol (via the section's
// Link, a symtab) and a run of (line, instruction) pairs addressing bundles
// in the code section named by ReferencedSection.
type linenoReader struct{}

func (linenoReader) ReadData(ctx *Context, s *tpef.Section, h SectionHeader) error {
	codeSection := s.ReferencedSection
	end := int(h.BodyOffset + h.BodyLength)
	procIndex := 0
	for ctx.Stream.ReadPosition() < end {
		symIndex, err := ctx.Stream.ReadWord()
		if err != nil {
			return err
		}
		lineCount, err := ctx.Stream.ReadWord()
		if err != nil {
			return err
		}
		proc := &tpef.LineNumProcedure{
			Procedure: ctx.Mgr.CreateForKey(refmgr.SectionIndexKey(s.Link, symIndex)),
		}
		for i := uint32(0); i < lineCount; i++ {
			line, err := ctx.Stream.ReadWord()
			if err != nil {
				return err
			}
			instrIdx, err := ctx.Stream.ReadWord()
			if err != nil {
				return err
			}
			proc.Lines = append(proc.Lines, tpef.LineNumEntry{
				Line:        int(line),
				Instruction: ctx.Mgr.CreateForKey(refmgr.SectionIndexKey(codeSection, instrIdx)),
			})
		}
		s.AddElement(proc)
		if err := ctx.Mgr.AddObjectReference(refmgr.SectionIndexKey(s.ID, uint32(procIndex)), proc); err != nil {
			return errors.Wrapf(err, "lineno procedure %d", procIndex)
		}
		procIndex++
	}
	return nil
}
