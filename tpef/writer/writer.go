// Package writer is the L4 binary writer, symmetric to tpef/reader: it
// lays out a *tpef.Binary's sections in their current order, resolves
// every SafeReference back into a section-local index or offset, and
// produces the exact byte layout tpef/reader's tpefFormat reads back
// (spec.md §4.6, §6.1).
package writer

import (
	"github.com/pkg/errors"

	"github.com/gmofishsauce/tpef/internal/bstream"
	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

// ErrUnresolved is wrapped when a section element still carries an
// unresolved SafeReference at write time — every reference must have been
// fixed up by a prior refmgr.Manager.Resolve (spec.md §4.2).
var ErrUnresolved = errors.New("writer: unresolved reference")

const fileHeaderSize = 4 + 1 + 1 + 1 + 4 + 4 + 2 + 3
const sectionHeaderSize = 1 + 1 + 4 + 2 + 2 + 4 + 4 + 4 + 4 + 4 // 30 bytes, mirrors reader.sectionHeaderSize

const (
	aspaceRecordSize = 1 + 1 + 1 + 1 + 4
	mrRecordSize     = 4 + 1 + 1 + 4 + 4
	symbolRecordSize = 4 + 4 + 4 + 1 + 1 + 2
	relocRecordSize  = 1 + 1 + 1 + 1 + 4 + 2 + 4 + 2 + 2
	debugRecordSize  = 4 + 1 + 1 + 2 + 4
)

// headerSlot records where one section's header was written, so its
// BodyOffset/BodyLength fields can be patched once every body is laid out.
type headerSlot struct {
	pos int // write position of the start of this section's 30-byte header
}

// Write serializes b into the TPEF binary format. b.Mgr.Resolve must have
// already succeeded; any SafeReference still unresolved fails the write.
func Write(b *tpef.Binary) ([]byte, error) {
	s := bstream.New(nil)

	s.WriteBytes([]byte{0x7F, 'T', 'P', 'F'})
	s.WriteByte(b.Version)
	s.WriteByte(byte(b.FileType))
	s.WriteByte(byte(b.FileArch))
	s.WriteWord(uint32(len(b.Sections)))
	s.WriteWord(uint32(fileHeaderSize))
	stringsID := uint16(0)
	if b.HasStrings {
		stringsID = uint16(b.StringSection)
	}
	s.WriteHalfWord(stringsID)
	s.WriteBytes([]byte{0, 0, 0})

	slots := make([]headerSlot, len(b.Sections))
	for i, sec := range b.Sections {
		slots[i].pos = s.WritePosition()
		if err := writeHeaderSkeleton(s, b, sec); err != nil {
			return nil, errors.Wrapf(err, "writer: section %d header", i)
		}
	}

	for i, sec := range b.Sections {
		bodyOffset := s.WritePosition()
		elementSize, err := writeBody(s, b, sec)
		if err != nil {
			return nil, errors.Wrapf(err, "writer: section %d body", i)
		}
		bodyLength := s.WritePosition() - bodyOffset
		if sec.Type == tpef.STUData || sec.NoBits() {
			// Reserved-but-absent bytes: the header still carries the
			// section's logical length even though nothing was written.
			bodyLength = sec.Length
		}

		patchPos := s.WritePosition()
		s.SetWritePosition(slots[i].pos + 18) // Type+Flags+NameOffset+ASpaceID+Link+Info+StartAddress
		s.WriteWord(uint32(bodyOffset))
		s.WriteWord(uint32(bodyLength))
		s.WriteWord(elementSize)
		s.SetWritePosition(patchPos)
	}

	return s.Bytes(), nil
}

// writeHeaderSkeleton writes every header field except BodyOffset,
// BodyLength and ElementSize, which are patched in once bodies are laid
// out.
func writeHeaderSkeleton(s *bstream.Stream, b *tpef.Binary, sec *tpef.Section) error {
	s.WriteByte(byte(sec.Type))
	s.WriteByte(sec.Flags)

	nameOff, err := sectionNameOffset(b, sec)
	if err != nil {
		return err
	}
	s.WriteWord(nameOff)

	aspaceIdx := uint16(0)
	if sec.Type != tpef.STNull {
		asp, ok := sec.ASpace.Target()
		if !ok {
			return errors.Wrap(ErrUnresolved, "section address space")
		}
		idx, err := indexInSection(b.AddressSpaceSection(), asp.(tpef.SectionElement))
		if err != nil {
			return err
		}
		aspaceIdx = uint16(idx)
	}
	s.WriteHalfWord(aspaceIdx)
	s.WriteHalfWord(uint16(sec.Link))

	info := uint32(0)
	if sec.Type == tpef.STReloc || sec.Type == tpef.STLineNum {
		info = uint32(sec.ReferencedSection)
	}
	s.WriteWord(info)
	s.WriteWord(sec.Start)

	// BodyOffset, BodyLength, ElementSize placeholders patched by Write.
	s.WriteWord(0)
	s.WriteWord(0)
	s.WriteWord(0)
	return nil
}

// sectionNameOffset interns sec.Name in the binary's string section and
// returns its chunk offset, or 0 if the binary has no string section (or
// sec itself is the string section holding its own empty name, mirroring
// the reader's special case in tpefreader.go).
func sectionNameOffset(b *tpef.Binary, sec *tpef.Section) (uint32, error) {
	if !b.HasStrings {
		return 0, nil
	}
	strSec := b.SectionByID(b.StringSection)
	if strSec == nil {
		return 0, errors.New("writer: binary string section missing")
	}
	if sec.Type == tpef.STStrTab && sec.ID == strSec.ID && sec.Name == "" {
		return 0, nil
	}
	return uint32(strSec.StringToChunk(sec.Name).Offset), nil
}

// indexInSection returns target's position within sec.Elements by
// identity, generalizing tpef.Section.IndexOfElement (which is typed to
// *InstructionElement only) to any element kind.
func indexInSection(sec *tpef.Section, target tpef.SectionElement) (int, error) {
	if sec == nil {
		return 0, errors.New("writer: nil section")
	}
	for i := 0; i < sec.ElementCount(); i++ {
		e, _ := sec.Element(i)
		if e == target {
			return i, nil
		}
	}
	return 0, errors.Errorf("writer: element not found in section %d", sec.ID)
}

// resolveLocation turns a resolved Chunk-or-*InstructionElement target
// into (owning section, section-local value, chunked).
func resolveLocation(b *tpef.Binary, ref *refmgr.SafeReference) (refmgr.SectionID, uint32, bool, error) {
	target, ok := ref.Target()
	if !ok {
		return 0, 0, false, errors.Wrap(ErrUnresolved, "location/destination")
	}
	switch v := target.(type) {
	case tpef.Chunk:
		return v.Section, uint32(v.Offset), true, nil
	case *tpef.InstructionElement:
		for _, sec := range b.Sections {
			if sec.Type != tpef.STCode {
				continue
			}
			idx, err := sec.IndexOfInstruction(v)
			if err == nil {
				return sec.ID, uint32(idx), false, nil
			}
		}
		return 0, 0, false, errors.New("writer: instruction element not found in any code section")
	default:
		return 0, 0, false, errors.Errorf("writer: unexpected location target type %T", target)
	}
}

func writeBody(s *bstream.Stream, b *tpef.Binary, sec *tpef.Section) (elementSize uint32, err error) {
	switch sec.Type {
	case tpef.STNull, tpef.STUData:
		return 0, nil
	case tpef.STStrTab, tpef.STData:
		if !sec.NoBits() {
			s.WriteBytes(sec.Data)
		}
		return 0, nil
	case tpef.STAddrSpace:
		return aspaceRecordSize, writeAddrSpace(s, sec)
	case tpef.STMR:
		return mrRecordSize, writeResources(s, sec)
	case tpef.STSymTab:
		if sec.NoBits() {
			return symbolRecordSize, nil
		}
		return symbolRecordSize, writeSymbols(s, b, sec)
	case tpef.STReloc:
		return relocRecordSize, writeRelocs(s, b, sec)
	case tpef.STCode:
		return 0, writeCode(s, sec)
	case tpef.STDebug:
		return debugRecordSize, writeDebug(s, sec)
	case tpef.STLineNum:
		return 0, writeLineNum(s, b, sec)
	default:
		return 0, errors.Errorf("writer: unknown section type %d", sec.Type)
	}
}

func writeAddrSpace(s *bstream.Stream, sec *tpef.Section) error {
	for i := 0; i < sec.ElementCount(); i++ {
		e, _ := sec.Element(i)
		asp := e.(*tpef.ASpaceElement)
		name, ok := asp.NameChunk.Target()
		if !ok {
			return errors.Wrap(ErrUnresolved, "aspace name")
		}
		s.WriteByte(byte(asp.MAUBits))
		s.WriteByte(byte(asp.Align))
		s.WriteByte(byte(asp.WordSize))
		flags := byte(0)
		if asp.Undefined {
			flags |= 1
		}
		s.WriteByte(flags)
		s.WriteWord(uint32(name.(tpef.Chunk).Offset))
	}
	return nil
}

func writeResources(s *bstream.Stream, sec *tpef.Section) error {
	for i := 0; i < sec.ElementCount(); i++ {
		e, _ := sec.Element(i)
		r := e.(*tpef.ResourceElement)
		name, ok := r.NameChunk.Target()
		if !ok {
			return errors.Wrap(ErrUnresolved, "resource name")
		}
		s.WriteWord(r.ID)
		s.WriteByte(byte(r.Type))
		s.WriteByte(0)
		s.WriteWord(r.Info)
		s.WriteWord(uint32(name.(tpef.Chunk).Offset))
	}
	return nil
}

func writeSymbols(s *bstream.Stream, b *tpef.Binary, sec *tpef.Section) error {
	for i := 0; i < sec.ElementCount(); i++ {
		e, _ := sec.Element(i)
		sym := e.(*tpef.Symbol)
		name, ok := sym.NameChunk.Target()
		if !ok {
			return errors.Wrap(ErrUnresolved, "symbol name")
		}
		ownerAny, ok := sym.Owner.Target()
		if !ok {
			return errors.Wrap(ErrUnresolved, "symbol owner")
		}
		owner := ownerAny.(*tpef.Section)

		value := sym.Value
		switch sym.Type {
		case tpef.SymCode, tpef.SymProcedure:
			if inst, ok := sym.Instruction.Target(); ok {
				idx, err := owner.IndexOfInstruction(inst.(*tpef.InstructionElement))
				if err != nil {
					return err
				}
				value = uint32(idx)
			}
		case tpef.SymData:
			if chunk, ok := sym.DataChunk.Target(); ok {
				value = uint32(chunk.(tpef.Chunk).Offset)
			}
		}

		s.WriteWord(uint32(name.(tpef.Chunk).Offset))
		s.WriteWord(value)
		s.WriteWord(sym.Size)
		info := byte(sym.Type) | byte(sym.Binding)<<4
		s.WriteByte(info)
		other := byte(0)
		if sym.Absolute {
			other |= 1
		}
		s.WriteByte(other)
		s.WriteHalfWord(uint16(owner.ID))
	}
	return nil
}

func writeRelocs(s *bstream.Stream, b *tpef.Binary, sec *tpef.Section) error {
	for i := 0; i < sec.ElementCount(); i++ {
		e, _ := sec.Element(i)
		rel := e.(*tpef.RelocationElement)

		locSec, locVal, locChunked, err := resolveLocation(b, rel.Location)
		if err != nil {
			return err
		}
		destSec, destVal, destChunked, err := resolveLocation(b, rel.Destination)
		if err != nil {
			return err
		}
		_ = locSec // location's section is implied by s.ReferencedSection

		aspAny, ok := rel.DestASpace.Target()
		if !ok {
			return errors.Wrap(ErrUnresolved, "reloc dest address space")
		}
		aspIdx, err := indexInSection(b.AddressSpaceSection(), aspAny.(tpef.SectionElement))
		if err != nil {
			return err
		}

		symAny, ok := rel.Symbol.Target()
		if !ok {
			return errors.Wrap(ErrUnresolved, "reloc symbol")
		}
		symTab := b.SectionByID(sec.Link)
		symIdx, err := indexInSection(symTab, symAny.(tpef.SectionElement))
		if err != nil {
			return err
		}

		s.WriteByte(byte(rel.Type))
		s.WriteByte(byte(rel.SizeBits))
		s.WriteByte(byte(rel.BitOffset))
		flags := byte(0)
		if locChunked {
			flags |= 1
		}
		if destChunked {
			flags |= 2
		}
		s.WriteByte(flags)
		s.WriteWord(locVal)
		s.WriteHalfWord(uint16(destSec))
		s.WriteWord(destVal)
		s.WriteHalfWord(uint16(aspIdx))
		s.WriteHalfWord(uint16(symIdx))
	}
	return nil
}

func writeCode(s *bstream.Stream, sec *tpef.Section) error {
	for i := 0; i < sec.ElementCount(); i++ {
		e, _ := sec.Element(i)
		inst := e.(*tpef.InstructionElement)

		endOfInstr := i == sec.ElementCount()-1
		if !endOfInstr {
			next, _ := sec.Element(i + 1)
			endOfInstr = next.(*tpef.InstructionElement).Begin
		}

		attr := byte(0)
		if inst.IsMove {
			attr |= codeAttrIsMove
		}
		if endOfInstr {
			attr |= codeAttrEndOfInstruction
		}
		if len(inst.Annotations) > 0 {
			attr |= codeAttrAnnotations
		}

		if inst.IsMove {
			m := inst.Move
			if m.Guarded {
				attr |= codeAttrGuarded
			}
			if m.Empty {
				attr |= codeAttrEmpty
			}
			s.WriteByte(attr)
			fieldTypes := byte(m.Source.Type)<<fieldTypeSrcShift |
				byte(m.Destination.Type)<<fieldTypeDstShift |
				byte(m.Guard.Type)<<fieldTypeGuardShift
			if m.Inverted {
				fieldTypes |= fieldTypeGuardInv
			}
			s.WriteByte(fieldTypes)
			s.WriteWord(m.Bus)
			s.WriteWord(m.Source.Unit)
			s.WriteWord(m.Source.Index)
			s.WriteWord(m.Destination.Unit)
			s.WriteWord(m.Destination.Index)
			s.WriteWord(m.Guard.Unit)
			s.WriteWord(m.Guard.Index)
		} else {
			imm := inst.Immediate
			if len(imm.Value) > 15 {
				return errors.Errorf("writer: immediate payload %d bytes exceeds 15", len(imm.Value))
			}
			if imm.Inline {
				attr |= codeAttrInline
			}
			attr |= byte(len(imm.Value)) << 4
			s.WriteByte(attr)
			s.WriteWord(imm.Destination.Unit)
			s.WriteWord(imm.Destination.Index)
			s.WriteBytes(imm.Value)
		}

		if len(inst.Annotations) > 0 {
			if err := writeAnnotations(s, inst.Annotations); err != nil {
				return err
			}
		}
	}
	return nil
}

const (
	codeAttrIsMove           = 0x01
	codeAttrEndOfInstruction = 0x02
	codeAttrAnnotations      = 0x04
	codeAttrInline           = 0x08
	codeAttrGuarded          = 0x10
	codeAttrEmpty            = 0x20
)

const (
	fieldTypeSrcShift   = 0
	fieldTypeDstShift   = 2
	fieldTypeGuardShift = 4
	fieldTypeGuardInv   = 0x40
)

func writeAnnotations(s *bstream.Stream, anns []tpef.Annotation) error {
	for i, a := range anns {
		if len(a.Payload) > 127 {
			return errors.Errorf("writer: annotation payload %d bytes exceeds 127", len(a.Payload))
		}
		s.WriteByte(byte(a.ID >> 16))
		s.WriteByte(byte(a.ID >> 8))
		s.WriteByte(byte(a.ID))
		lenByte := byte(len(a.Payload))
		if i < len(anns)-1 {
			lenByte |= 0x80
		}
		s.WriteByte(lenByte)
		s.WriteBytes(a.Payload)
	}
	return nil
}

func writeDebug(s *bstream.Stream, sec *tpef.Section) error {
	for i := 0; i < sec.ElementCount(); i++ {
		e, _ := sec.Element(i)
		d := e.(*tpef.DebugElement)
		name, ok := d.StringChunk.Target()
		if !ok {
			return errors.Wrap(ErrUnresolved, "debug string")
		}
		s.WriteWord(uint32(name.(tpef.Chunk).Offset))
		s.WriteByte(byte(d.StabType))
		s.WriteByte(byte(d.Other))
		s.WriteHalfWord(uint16(d.Description))
		s.WriteWord(d.Value)
	}
	return nil
}

func writeLineNum(s *bstream.Stream, b *tpef.Binary, sec *tpef.Section) error {
	symTab := b.SectionByID(sec.Link)
	codeSec := b.SectionByID(sec.ReferencedSection)
	for i := 0; i < sec.ElementCount(); i++ {
		e, _ := sec.Element(i)
		proc := e.(*tpef.LineNumProcedure)

		symAny, ok := proc.Procedure.Target()
		if !ok {
			return errors.Wrap(ErrUnresolved, "lineno procedure symbol")
		}
		symIdx, err := indexInSection(symTab, symAny.(tpef.SectionElement))
		if err != nil {
			return err
		}
		s.WriteWord(uint32(symIdx))
		s.WriteWord(uint32(len(proc.Lines)))

		for _, line := range proc.Lines {
			instAny, ok := line.Instruction.Target()
			if !ok {
				return errors.Wrap(ErrUnresolved, "lineno instruction")
			}
			idx, err := codeSec.IndexOfInstruction(instAny.(*tpef.InstructionElement))
			if err != nil {
				return err
			}
			s.WriteWord(uint32(line.Line))
			s.WriteWord(uint32(idx))
		}
	}
	return nil
}
