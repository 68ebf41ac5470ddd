package asm

import (
	"fmt"

	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

// labelKeySection is a SectionID value reserved for LabelManager's own
// name-keyed forward references. No real Section ever receives this id
// (tpef.Binary.AddSection assigns ids sequentially from 1), so using it as
// a refmgr.Key namespace can't collide with a real section/index key.
const labelKeySection = refmgr.SectionID(0xFFFFFFFF)

type labelDef struct {
	Name    string
	Symbol  *tpef.Symbol
	Section *tpef.Section
	Line    int
}

// LabelManager tracks every label, procedure and global declared while
// assembling one source file (spec.md §4.8.4): it owns the symbol table
// section, hands out forward-referenceable SafeReferences for names seen
// before their definition, and creates one relocation section per
// referencing section on demand.
type LabelManager struct {
	bin    *tpef.Binary
	strSec *tpef.Section
	symtab *tpef.Section

	nameIndex     map[string]uint32
	nextNameIndex uint32

	defined    map[string]*labelDef
	globals    map[string]int // name -> line where :global was seen
	procedures map[string]int // name -> line where :procedure was seen

	relocSecs map[tpef.SectionID]*tpef.Section
}

// NewLabelManager creates the mandatory undefined symbol at symtab index 0
// (spec.md §3.4, mirroring the null section at section index 0) and
// returns a LabelManager ready to define labels into bin.
func NewLabelManager(bin *tpef.Binary, strSec *tpef.Section) (*LabelManager, error) {
	symtab := &tpef.Section{Type: tpef.STSymTab}
	if err := bin.AddSection(symtab); err != nil {
		return nil, err
	}
	symtab.AddElement(&tpef.Symbol{Type: tpef.SymNoType, Undefined: true, NameChunk: strChunkRef(bin, strSec, "")})

	return &LabelManager{
		bin:        bin,
		strSec:     strSec,
		symtab:     symtab,
		nameIndex:  make(map[string]uint32),
		defined:    make(map[string]*labelDef),
		globals:    make(map[string]int),
		procedures: make(map[string]int),
		relocSecs:  make(map[tpef.SectionID]*tpef.Section),
	}, nil
}

func (lm *LabelManager) keyFor(name string) refmgr.Key {
	idx, ok := lm.nameIndex[name]
	if !ok {
		idx = lm.nextNameIndex
		lm.nextNameIndex++
		lm.nameIndex[name] = idx
	}
	return refmgr.SectionIndexKey(labelKeySection, idx)
}

// Reference returns a SafeReference to name's eventual Symbol, usable
// before or after name is defined.
func (lm *LabelManager) Reference(name string) *refmgr.SafeReference {
	return lm.bin.Mgr.CreateForKey(lm.keyFor(name))
}

// MarkGlobal records a `:global name;` directive (spec.md §6.3). The
// binding is applied once name is defined, whichever order they appear in.
func (lm *LabelManager) MarkGlobal(name string, line int) {
	if _, ok := lm.globals[name]; !ok {
		lm.globals[name] = line
	}
	if d, ok := lm.defined[name]; ok {
		d.Symbol.Binding = tpef.BindGlobal
	}
}

// MarkProcedure records a `:procedure name;` directive. name's eventual
// definition must land in a code section, or DefineLabel reports a
// CompileError.
func (lm *LabelManager) MarkProcedure(name string, line int) {
	if _, ok := lm.procedures[name]; !ok {
		lm.procedures[name] = line
	}
}

// DefineLabel binds name to target (a reference to the instruction or
// data chunk it names) within sec, which must be the section currently
// being built. size is the symbol's size in its section's natural units
// (instructions for code, MAUs for data); it may be 0 for a label that
// just marks a position.
func (lm *LabelManager) DefineLabel(name string, sec *tpef.Section, target *refmgr.SafeReference, size uint32, line int, snippet string) error {
	if _, ok := lm.defined[name]; ok {
		return newCompileError(line, snippet, fmt.Errorf("label %q already defined", name))
	}

	symType := tpef.SymCode
	switch sec.Type {
	case tpef.STData, tpef.STUData:
		symType = tpef.SymData
	case tpef.STCode:
		symType = tpef.SymCode
	}
	if _, isProc := lm.procedures[name]; isProc {
		if sec.Type != tpef.STCode {
			return newCompileError(line, snippet, fmt.Errorf("procedure %q defined outside a code section", name))
		}
		symType = tpef.SymProcedure
	}

	binding := tpef.BindLocal
	if _, isGlobal := lm.globals[name]; isGlobal {
		binding = tpef.BindGlobal
	}

	sym := &tpef.Symbol{
		Type:      symType,
		Binding:   binding,
		NameChunk: strChunkRef(lm.bin, lm.strSec, name),
		Owner:     lm.bin.Mgr.CreateForTarget(sec),
		Size:      size,
	}
	switch symType {
	case tpef.SymCode, tpef.SymProcedure:
		sym.Instruction = target
	case tpef.SymData:
		sym.DataChunk = target
	}
	lm.symtab.AddElement(sym)

	if err := lm.bin.Mgr.AddObjectReference(lm.keyFor(name), sym); err != nil {
		return newCompileError(line, snippet, err)
	}
	lm.defined[name] = &labelDef{Name: name, Symbol: sym, Section: sec, Line: line}
	return nil
}

// relocSectionFor returns the relocation section attached to locSec,
// creating one on first use (spec.md §4.8.4: one relocation section per
// referencing section, spec.md §3.4's ReferencedSection link).
func (lm *LabelManager) relocSectionFor(locSec *tpef.Section) (*tpef.Section, error) {
	if rs, ok := lm.relocSecs[locSec.ID]; ok {
		return rs, nil
	}
	rs := &tpef.Section{Type: tpef.STReloc, ReferencedSection: locSec.ID}
	if err := lm.bin.AddSection(rs); err != nil {
		return nil, err
	}
	lm.relocSecs[locSec.ID] = rs
	return rs, nil
}

// AddRelocation records that the value at location (within locSec) must
// be patched to refer to symbolName once it resolves. destASpace may be
// nil for a relocation whose destination address space is implied by the
// symbol itself.
func (lm *LabelManager) AddRelocation(locSec *tpef.Section, location *refmgr.SafeReference, symbolName string, destASpace *refmgr.SafeReference, relocType tpef.RelocType, sizeBits, bitOffset int, chunked bool) error {
	rs, err := lm.relocSectionFor(locSec)
	if err != nil {
		return err
	}
	symRef := lm.Reference(symbolName)
	// Destination and Symbol both resolve through the same forward
	// reference: Symbol identifies which symbol-table entry this
	// relocation is against, Destination is what gets patched in once
	// that entry's own target (Instruction/DataChunk) is known.
	rs.AddElement(&tpef.RelocationElement{
		Type:        relocType,
		SizeBits:    sizeBits,
		BitOffset:   bitOffset,
		Location:    location,
		Destination: symRef,
		DestASpace:  destASpace,
		Symbol:      symRef,
		Chunked:     chunked,
	})
	return nil
}

// Finalize checks every `:global` declaration landed on a real
// definition (spec.md §4.8.4's "global never defined" failure) and
// returns a CompileError naming the first one that didn't.
func (lm *LabelManager) Finalize() error {
	first, firstLine := "", 0
	for name, line := range lm.globals {
		if _, ok := lm.defined[name]; ok {
			continue
		}
		if first == "" || line < firstLine || (line == firstLine && name < first) {
			first, firstLine = name, line
		}
	}
	if first != "" {
		return newCompileError(firstLine, fmt.Sprintf(":global %s;", first), fmt.Errorf("global %q is never defined", first))
	}
	return nil
}
