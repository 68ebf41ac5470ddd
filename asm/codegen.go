package asm

import (
	"fmt"

	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

// destKey identifies one write-destination resource, used to detect two
// moves in the same bundle writing the same place (spec.md §4.8.3).
type destKey struct {
	fieldType tpef.FieldType
	unit      uint32
	index     uint32
}

type bundleWrite struct {
	key   destKey
	guard *GuardTerm
	line  int
}

// CodeSectionCreator builds one STCode section from a sequence of parsed
// CodeLines, one VLIW bundle per line (spec.md §4.8.3). Each comma
// position within a CodeLine's move list is that bundle's bus slot.
type CodeSectionCreator struct {
	bin    *tpef.Binary
	sec    *tpef.Section
	mrm    *MachineResourceManager
	labels *LabelManager
	diags  *Diagnostics

	instrIndex uint32 // next bundle (instruction) ordinal, for diagnostics only
}

// NewCodeSectionCreator creates the code section (ASpace aspace) and
// returns a creator ready to process CodeLines into it.
func NewCodeSectionCreator(bin *tpef.Binary, aspace *refmgr.SafeReference, mrm *MachineResourceManager, labels *LabelManager, diags *Diagnostics) (*CodeSectionCreator, error) {
	sec := &tpef.Section{Type: tpef.STCode, ASpace: aspace}
	if err := bin.AddSection(sec); err != nil {
		return nil, err
	}
	return &CodeSectionCreator{bin: bin, sec: sec, mrm: mrm, labels: labels, diags: diags}, nil
}

// Section returns the code section being built, for DefineLabel/relocation
// callers outside this package's own label handling.
func (c *CodeSectionCreator) Section() *tpef.Section { return c.sec }

// ProcessLine emits one bundle's worth of InstructionElements. On a hard
// failure the section is rolled back to its state before this call, so a
// bad line never leaves a half-emitted bundle behind.
func (c *CodeSectionCreator) ProcessLine(cl CodeLine) error {
	savedLen := len(c.sec.Elements)
	if err := c.processLine(cl); err != nil {
		c.sec.Elements = c.sec.Elements[:savedLen]
		c.sec.ClearInstructionCache()
		return err
	}
	c.instrIndex++
	return nil
}

func (c *CodeSectionCreator) processLine(cl CodeLine) error {
	var begin *tpef.InstructionElement
	var writes []bundleWrite

	for slot, mv := range cl.Moves {
		elem, imm, dk, guard, err := c.buildElement(mv, slot)
		if err != nil {
			return newCompileError(mv.Line, "", err)
		}
		if dk != nil {
			if err := c.checkDuplicateWrite(writes, *dk, guard, mv.Line); err != nil {
				return err
			}
			writes = append(writes, bundleWrite{key: *dk, guard: guard, line: mv.Line})
		}
		elem.Begin = begin == nil
		if begin == nil {
			begin = elem
		}
		c.sec.AddElement(elem)

		if imm != nil {
			// An inline immediate occupies its own element in the same
			// bundle, paired with its consuming move by destination
			// (unit, index) per the disassembler's matching rule.
			c.sec.AddElement(imm)
		}

		// Relocations address code by bundle, not by flat element index,
		// so the location is always this bundle's begin element, never a
		// non-begin companion immediate.
		if err := c.registerRelocation(mv, begin); err != nil {
			return err
		}
	}

	if begin == nil {
		// An empty bundle (a bare "..." line) still occupies one
		// instruction slot so addresses stay dense.
		begin = &tpef.InstructionElement{IsMove: true, Begin: true, Move: &tpef.MoveElement{Empty: true}}
		c.sec.AddElement(begin)
	}

	for _, label := range cl.Labels {
		target := c.bin.Mgr.CreateForTarget(begin)
		if err := c.labels.DefineLabel(label, c.sec, target, 1, cl.Line, ""); err != nil {
			return err
		}
	}
	return nil
}

// buildElement lowers one parsed move into an InstructionElement, and,
// for a write, the destination key and guard used for duplicate-write
// checking.
// buildElement returns the bundle element for mv, plus a non-nil companion
// ImmediateElement when mv's source is an inline immediate (a literal or
// symbol moved directly across a bus rather than read off a register or
// unit).
func (c *CodeSectionCreator) buildElement(mv ParserMove, slot int) (*tpef.InstructionElement, *tpef.InstructionElement, *destKey, *GuardTerm, error) {
	switch mv.Kind {
	case MoveEmpty:
		return &tpef.InstructionElement{IsMove: true, Move: &tpef.MoveElement{Bus: uint32(slot), Empty: true}}, nil, nil, nil, nil

	case MoveTransport:
		destType, destUnit, destIndex, destWidth, err := c.mrm.Lookup(*mv.Dest, slot, RequestWrite)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		move := &tpef.MoveElement{Bus: uint32(slot), Destination: tpef.MoveField{Type: destType, Unit: destUnit, Index: destIndex}}

		if mv.Guard != nil {
			guardType, guardUnit, guardIndex, _, err := c.mrm.Lookup(mv.Guard.Term, slot, guardRequest(mv.Guard.Inverted))
			if err != nil {
				return nil, nil, nil, nil, err
			}
			move.Guarded = true
			move.Inverted = mv.Guard.Inverted
			move.Guard = tpef.MoveField{Type: guardType, Unit: guardUnit, Index: guardIndex}
		}

		var srcWidth int
		var companion *tpef.InstructionElement
		if mv.SourceTerm != nil {
			srcType, srcUnit, srcIndex, w, err := c.mrm.Lookup(*mv.SourceTerm, slot, RequestRead)
			if err != nil {
				return nil, nil, nil, nil, err
			}
			move.Source = tpef.MoveField{Type: srcType, Unit: srcUnit, Index: srcIndex}
			srcWidth = w
		} else {
			// A bare expression source (a symbol or literal moved
			// directly across a bus) reads through the inline immediate
			// unit; the value itself lives in a companion
			// ImmediateElement in this same bundle, paired with this
			// move by (destination-unit, destination-index) so the
			// disassembler can find it again.
			move.Source = tpef.MoveField{Type: tpef.FieldImmediate, Unit: tpef.ResIDInlineImmUnit}
			srcWidth = c.mrm.machine.BusWidth
			var value []byte
			if mv.SourceExpr != nil && mv.SourceExpr.IsPureLiteral {
				value = encodeImmediate(mv.SourceExpr.Literal, c.mrm.machine.BusWidth)
			}
			companion = &tpef.InstructionElement{
				IsMove:    false,
				Immediate: &tpef.ImmediateElement{Destination: move.Destination, Value: value, Inline: true},
			}
		}

		c.checkWidths(srcWidth, destWidth, mv.Line)
		elem := &tpef.InstructionElement{IsMove: true, Move: move, Annotations: convertAnnotations(mv.Annotations)}
		return elem, companion, &destKey{fieldType: destType, unit: destUnit, index: destIndex}, mv.Guard, nil

	case MoveLongImmediate:
		destType, destUnit, destIndex, _, err := c.mrm.Lookup(*mv.Dest, slot, RequestWrite)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		var value []byte
		if mv.Value != nil && mv.Value.IsPureLiteral {
			value = encodeImmediate(mv.Value.Literal, c.mrm.machine.BusWidth)
		}
		imm := &tpef.ImmediateElement{Destination: tpef.MoveField{Type: destType, Unit: destUnit, Index: destIndex}, Value: value}
		elem := &tpef.InstructionElement{IsMove: false, Immediate: imm, Annotations: convertAnnotations(mv.Annotations)}
		return elem, nil, &destKey{fieldType: destType, unit: destUnit, index: destIndex}, mv.Guard, nil
	}
	return nil, nil, nil, nil, fmt.Errorf("unknown move kind")
}

// convertAnnotations lowers the parser's {id field...} annotations into
// tpef.Annotation, joining the fields back into one space-separated
// payload (spec.md §6.3 doesn't define a binary field encoding for them).
func convertAnnotations(anns []ParsedAnnotation) []tpef.Annotation {
	if len(anns) == 0 {
		return nil
	}
	out := make([]tpef.Annotation, 0, len(anns))
	for _, a := range anns {
		payload := ""
		for i, f := range a.Fields {
			if i > 0 {
				payload += " "
			}
			payload += f
		}
		out = append(out, tpef.Annotation{ID: a.ID, Payload: []byte(payload)})
	}
	return out
}

func guardRequest(inverted bool) RequestType {
	if inverted {
		return RequestInvGuard
	}
	return RequestGuard
}

// checkDuplicateWrite reports an error unless the only moves writing the
// same destination this bundle are guarded with strictly opposite
// polarity over the same guard resource (spec.md §4.8.3's write-write
// hazard exception).
func (c *CodeSectionCreator) checkDuplicateWrite(writes []bundleWrite, dk destKey, guard *GuardTerm, line int) error {
	for _, w := range writes {
		if w.key != dk {
			continue
		}
		if w.guard != nil && guard != nil &&
			w.guard.Term.Resource() == guard.Term.Resource() &&
			w.guard.Inverted != guard.Inverted {
			continue
		}
		return newCompileError(line, "", fmt.Errorf("two moves in this bundle write the same destination without opposite guards"))
	}
	return nil
}

// checkWidths warns, rather than fails, when a move's source or
// destination width doesn't match the machine's bus width. spec.md §7
// leaves the exact semantics of "bus width" for a universal bus open;
// this toolkit treats BusWidth as the one fixed width every transport
// move is checked against (see resources.go's Machine doc comment).
func (c *CodeSectionCreator) checkWidths(srcWidth, destWidth int, line int) {
	bw := c.mrm.machine.BusWidth
	if srcWidth != 0 && srcWidth != bw {
		c.diags.Add(SeverityWarning, line, "", fmt.Sprintf("source width %d does not match bus width %d", srcWidth, bw))
	}
	if destWidth != 0 && destWidth != bw {
		c.diags.Add(SeverityWarning, line, "", fmt.Sprintf("destination width %d does not match bus width %d", destWidth, bw))
	}
}

// registerRelocation records a pending relocation for mv's source or
// value expression, if it names a symbol rather than a pure literal.
func (c *CodeSectionCreator) registerRelocation(mv ParserMove, elem *tpef.InstructionElement) error {
	var expr *Expression
	switch mv.Kind {
	case MoveTransport:
		expr = mv.SourceExpr
	case MoveLongImmediate:
		expr = mv.Value
	}
	if expr == nil || expr.Symbol == "" {
		return nil
	}
	location := c.bin.Mgr.CreateForTarget(elem)
	relocType := tpef.RelocNone
	if expr.HasOffset {
		relocType = tpef.RelocSelf
	}
	return c.labels.AddRelocation(c.sec, location, expr.Symbol, nil, relocType, c.mrm.machine.BusWidth, 0, false)
}

// encodeImmediate renders v as a big-endian byte string wide enough to
// hold width bits.
func encodeImmediate(v int64, width int) []byte {
	nbytes := (width + 7) / 8
	if nbytes == 0 {
		nbytes = 4
	}
	out := make([]byte, nbytes)
	uv := uint64(v)
	for i := nbytes - 1; i >= 0; i-- {
		out[i] = byte(uv)
		uv >>= 8
	}
	return out
}
