// Package disasm is the read-side disassembler (spec.md §4.9): given a
// *tpef.Binary, it walks a code section's own instruction-start cache and
// renders each bundle back into spec.md §6.3's source syntax, so a dump
// tool can show human-readable text for a binary's code section.
package disasm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/gmofishsauce/tpef/tpef"
)

// Disassembler renders one code section's bundles as text, resolving
// resource names via the binary's STMR table (the same table
// asm.MachineResourceManager.BuildResourceSection populates).
type Disassembler struct {
	bin       *tpef.Binary
	sec       *tpef.Section
	resources *tpef.Section
	strs      *tpef.Section
}

// New returns a Disassembler over bin's first STCode section. It fails if
// bin has no code section or no STMR resource table, since resolving
// resource names is not optional here.
func New(bin *tpef.Binary) (*Disassembler, error) {
	codeSecs := bin.SectionsByType(tpef.STCode)
	if len(codeSecs) == 0 {
		return nil, errors.New("disasm: binary has no code section")
	}
	return NewForSection(bin, codeSecs[0])
}

// NewForSection is New, but over a caller-chosen code section rather than
// always the binary's first one (a dump tool showing one section by index
// needs this).
func NewForSection(bin *tpef.Binary, sec *tpef.Section) (*Disassembler, error) {
	if sec.Type != tpef.STCode {
		return nil, errors.Errorf("disasm: section %d is not a code section", sec.ID)
	}
	resSecs := bin.SectionsByType(tpef.STMR)
	if len(resSecs) == 0 {
		return nil, errors.New("disasm: binary has no machine-resource section")
	}
	resources := resSecs[0]
	strs := bin.SectionByID(resources.Link)
	if strs == nil {
		return nil, errors.New("disasm: machine-resource section has no linked string table")
	}
	return &Disassembler{bin: bin, sec: sec, resources: resources, strs: strs}, nil
}

// InstructionCount returns the number of bundles in the code section.
func (d *Disassembler) InstructionCount() int {
	return d.sec.InstructionCount()
}

// immKey pairs an inline immediate with the move it belongs to, by the
// move's destination (unit, index), per spec.md §4.9.
type immKey struct {
	unit  uint32
	index uint32
}

// TextAt renders bundle i as one source-syntax line, without the trailing
// ';' or label prefix (a caller building a full dump adds those).
func (d *Disassembler) TextAt(i int) (string, error) {
	startIdx, err := d.sec.InstructionToSectionIndex(i)
	if err != nil {
		return "", err
	}

	immediates := make(map[immKey]*tpef.ImmediateElement)
	var moves []moveWithAnnotations
	var longImms []immWithAnnotations
	var bundleAnnotations []tpef.Annotation

	idx := startIdx
	for {
		elem, err := d.sec.Element(idx)
		if err != nil {
			return "", err
		}
		inst, ok := elem.(*tpef.InstructionElement)
		if !ok {
			return "", errors.Errorf("disasm: section %d element %d is not an instruction element", d.sec.ID, idx)
		}

		if inst.IsMove {
			if inst.Move.Empty {
				bundleAnnotations = append(bundleAnnotations, inst.Annotations...)
			} else {
				moves = append(moves, moveWithAnnotations{inst.Move, inst.Annotations})
			}
		} else if inst.Immediate.Inline {
			// An inline immediate paired with a move in this bundle by
			// its destination (unit, index).
			immediates[immKey{inst.Immediate.Destination.Unit, inst.Immediate.Destination.Index}] = inst.Immediate
		} else {
			longImms = append(longImms, immWithAnnotations{inst.Immediate, inst.Annotations})
		}

		idx++
		if idx >= d.sec.ElementCount() {
			break
		}
		next, err := d.sec.Element(idx)
		if err != nil {
			return "", err
		}
		if next.(*tpef.InstructionElement).Begin {
			break
		}
	}

	return d.renderBundle(moves, immediates, longImms, bundleAnnotations)
}

type moveWithAnnotations struct {
	move *tpef.MoveElement
	anns []tpef.Annotation
}

type immWithAnnotations struct {
	imm  *tpef.ImmediateElement
	anns []tpef.Annotation
}

// renderBundle lays moves out by bus, matching the original's rule: a
// move whose Bus is nonzero occupies that bus's slot; a Bus-0 move is
// "unassigned" and appended after the known bus set (spec.md §4.9).
func (d *Disassembler) renderBundle(moves []moveWithAnnotations, immediates map[immKey]*tpef.ImmediateElement, longImms []immWithAnnotations, bundleAnnotations []tpef.Annotation) (string, error) {
	var known, unassigned []moveWithAnnotations
	for _, mv := range moves {
		if mv.move.Bus > 0 {
			known = append(known, mv)
		} else {
			unassigned = append(unassigned, mv)
		}
	}
	sort.SliceStable(known, func(a, b int) bool { return known[a].move.Bus < known[b].move.Bus })

	if len(known) == 0 && len(unassigned) == 0 && len(longImms) == 0 {
		return "..." + renderAnnotations(bundleAnnotations), nil
	}

	var parts []string
	for _, mv := range known {
		s, err := d.renderMove(mv, immediates)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	for _, mv := range unassigned {
		s, err := d.renderMove(mv, immediates)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	for _, imm := range longImms {
		s, err := d.renderLongImmediate(imm)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", "), nil
}

func (d *Disassembler) renderMove(mv moveWithAnnotations, immediates map[immKey]*tpef.ImmediateElement) (string, error) {
	move := mv.move
	var b strings.Builder
	if move.Guarded {
		if move.Inverted {
			b.WriteString("!")
		} else {
			b.WriteString("?")
		}
		g, err := d.resourceName(move.Guard)
		if err != nil {
			return "", err
		}
		b.WriteString(g)
		b.WriteString(" ")
	}

	src, err := d.renderSource(move, immediates)
	if err != nil {
		return "", err
	}
	dst, err := d.resourceName(move.Destination)
	if err != nil {
		return "", err
	}
	b.WriteString(src)
	b.WriteString(" -> ")
	b.WriteString(dst)
	b.WriteString(renderAnnotations(mv.anns))
	return b.String(), nil
}

func (d *Disassembler) renderLongImmediate(iw immWithAnnotations) (string, error) {
	dst, err := d.resourceName(iw.imm.Destination)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s = %s%s", dst, formatImmediate(iw.imm.Value), renderAnnotations(iw.anns)), nil
}

func renderAnnotations(anns []tpef.Annotation) string {
	if len(anns) == 0 {
		return ""
	}
	var b strings.Builder
	for _, a := range anns {
		b.WriteString(fmt.Sprintf(" {%x", a.ID))
		if len(a.Payload) > 0 {
			b.WriteString(" ")
			b.WriteString(string(a.Payload))
		}
		b.WriteString("}")
	}
	return b.String()
}

// renderSource renders mv's source: either the inline immediate paired
// with mv by mv's own destination (unit, index), or a named resource.
func (d *Disassembler) renderSource(mv *tpef.MoveElement, immediates map[immKey]*tpef.ImmediateElement) (string, error) {
	if mv.Source.Type == tpef.FieldImmediate && mv.Source.Unit == tpef.ResIDInlineImmUnit {
		if imm, ok := immediates[immKey{mv.Destination.Unit, mv.Destination.Index}]; ok {
			return formatImmediate(imm.Value), nil
		}
		return "0x0", nil
	}
	return d.resourceName(mv.Source)
}

func formatImmediate(v []byte) string {
	if len(v) == 0 {
		return "0x0"
	}
	var n uint64
	for _, b := range v {
		n = n<<8 | uint64(b)
	}
	return "0x" + strconv.FormatUint(n, 16)
}

// resourceName turns a MoveField into the dotted "unit.index" text the
// parser accepts, by looking up f.Unit in the binary's STMR table.
func (d *Disassembler) resourceName(f tpef.MoveField) (string, error) {
	name, err := d.unitName(f.Unit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%d", name, f.Index), nil
}

func (d *Disassembler) unitName(unit uint32) (string, error) {
	for i := 0; i < d.resources.ElementCount(); i++ {
		el, err := d.resources.Element(i)
		if err != nil {
			return "", err
		}
		re, ok := el.(*tpef.ResourceElement)
		if !ok || re.ID != unit {
			continue
		}
		chunkAny, bound := re.NameChunk.Target()
		if !bound {
			return "", errors.Errorf("disasm: resource %d's name chunk is unresolved", unit)
		}
		chunk, ok := chunkAny.(tpef.Chunk)
		if !ok {
			return "", errors.Errorf("disasm: resource %d's name did not resolve to a string chunk", unit)
		}
		return d.strs.ChunkToString(chunk)
	}
	return "", errors.Errorf("disasm: no resource named for unit id %d", unit)
}
