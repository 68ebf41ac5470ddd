package reader

import (
	"github.com/pkg/errors"

	"github.com/gmofishsauce/tpef/internal/bstream"
	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

func init() {
	RegisterSectionReader(tpef.STCode, codeReader{})
}

// codeReader decodes the flat instruction stream (spec.md §4.5.1). Per
// element it reads a one-byte attribute field:
//
//	bit0        IsMove (1 = move, 0 = immediate)
//	bit1        EndOfInstruction — the *next* element's Begin is this bit
//	bit2        AnnotationsPresent
//	bit3        immediate: Inline (paired to a move by destination unit/index
//	            in this bundle, rather than occupying its own instruction
//	            slot); unused for moves
//	bits4-7     move: bit4=Guarded bit5=Empty (bits 6-7 unused)
//	            immediate: unsigned payload width in bytes (0-15)
//
// Moves additionally read a field-types byte:
//
//	bits0-1 SourceFieldType, bits2-3 DestFieldType, bits4-5 GuardFieldType,
//	bit6 GuardInverted, bit7 unused
type codeReader struct{}

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

func (codeReader) ReadData(ctx *Context, s *tpef.Section, h SectionHeader) error {
	begin := true
	var instIndex uint32
	for ctx.Stream.ReadPosition() < int(h.BodyOffset+h.BodyLength) {
		attr, err := ctx.Stream.ReadByte()
		if err != nil {
			return err
		}
		isMove := attr&codeAttrIsMove != 0
		endOfInstr := attr&codeAttrEndOfInstruction != 0
		hasAnnotations := attr&codeAttrAnnotations != 0

		elem := &tpef.InstructionElement{IsMove: isMove, Begin: begin}

		if isMove {
			fieldTypes, err := ctx.Stream.ReadByte()
			if err != nil {
				return err
			}
			bus, err := ctx.Stream.ReadWord()
			if err != nil {
				return err
			}
			srcUnit, err := ctx.Stream.ReadWord()
			if err != nil {
				return err
			}
			srcIndex, err := ctx.Stream.ReadWord()
			if err != nil {
				return err
			}
			dstUnit, err := ctx.Stream.ReadWord()
			if err != nil {
				return err
			}
			dstIndex, err := ctx.Stream.ReadWord()
			if err != nil {
				return err
			}
			guardUnit, err := ctx.Stream.ReadWord()
			if err != nil {
				return err
			}
			guardIndex, err := ctx.Stream.ReadWord()
			if err != nil {
				return err
			}
			elem.Move = &tpef.MoveElement{
				Bus:      bus,
				Source:   tpef.MoveField{Type: tpef.FieldType((fieldTypes >> fieldTypeSrcShift) & 0x3), Unit: srcUnit, Index: srcIndex},
				Destination: tpef.MoveField{Type: tpef.FieldType((fieldTypes >> fieldTypeDstShift) & 0x3), Unit: dstUnit, Index: dstIndex},
				Guard:    tpef.MoveField{Type: tpef.FieldType((fieldTypes >> fieldTypeGuardShift) & 0x3), Unit: guardUnit, Index: guardIndex},
				Guarded:  attr&codeAttrGuarded != 0,
				Inverted: fieldTypes&fieldTypeGuardInv != 0,
				Empty:    attr&codeAttrEmpty != 0,
			}
		} else {
			width := int(attr >> 4)
			dstUnit, err := ctx.Stream.ReadWord()
			if err != nil {
				return err
			}
			dstIndex, err := ctx.Stream.ReadWord()
			if err != nil {
				return err
			}
			payload, err := ctx.Stream.ReadBytes(width)
			if err != nil {
				return err
			}
			elem.Immediate = &tpef.ImmediateElement{
				Destination: tpef.MoveField{Type: tpef.FieldUnit, Unit: dstUnit, Index: dstIndex},
				Value:       payload,
				Inline:      attr&codeAttrInline != 0,
			}
		}

		if hasAnnotations {
			anns, err := readAnnotations(ctx.Stream)
			if err != nil {
				return err
			}
			elem.Annotations = anns
		}

		s.AddElement(elem)
		if elem.Begin {
			// Cross-references (symbols, relocations, line numbers) address
			// code by bundle ordinal, not by flat element index, so only
			// begin elements are registered under a SectionIndexKey.
			if err := ctx.Mgr.AddObjectReference(refmgr.SectionIndexKey(s.ID, instIndex), elem); err != nil {
				return errors.Wrapf(err, "code instruction %d", instIndex)
			}
			instIndex++
		}
		begin = endOfInstr
	}
	return nil
}

// readAnnotations reads a chain of annotations terminated by a payload
// length byte whose top (continuation) bit is clear (spec.md §4.5.1).
func readAnnotations(s *bstream.Stream) ([]tpef.Annotation, error) {
	var out []tpef.Annotation
	for {
		idBytes, err := s.ReadBytes(3)
		if err != nil {
			return nil, err
		}
		id := uint32(idBytes[0])<<16 | uint32(idBytes[1])<<8 | uint32(idBytes[2])
		lenByte, err := s.ReadByte()
		if err != nil {
			return nil, err
		}
		more := lenByte&0x80 != 0
		length := int(lenByte & 0x7F)
		payload, err := s.ReadBytes(length)
		if err != nil {
			return nil, err
		}
		out = append(out, tpef.Annotation{ID: id, Payload: payload})
		if !more {
			break
		}
	}
	return out, nil
}
