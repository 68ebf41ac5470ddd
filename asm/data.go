package asm

import (
	"fmt"

	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

type dataSectionKey struct {
	aspace      string
	initialized bool
}

// DataSectionCreator builds STData/STUData sections from parsed DataLines,
// one section per (address space, initialized-vs-not) pair (spec.md
// §4.8.3): a DATA block whose lines all carry init fields lands in the
// initialized section for its address space, a block of bare reservations
// lands in the uninitialized one. Consecutive blocks for the same pair
// flow one after another unless a block opens with an explicit start
// address.
type DataSectionCreator struct {
	bin        *tpef.Binary
	labels     *LabelManager
	diags      *Diagnostics
	aspaceRefs map[string]*refmgr.SafeReference
	mauBits    map[string]int

	sections map[dataSectionKey]*tpef.Section
	cursor   map[dataSectionKey]int
	lastUsed map[string]int
}

// NewDataSectionCreator builds a creator that resolves address-space
// names through aspaceRefs/mauBits, both keyed by the names DATA
// statements name in source.
func NewDataSectionCreator(bin *tpef.Binary, labels *LabelManager, diags *Diagnostics, aspaceRefs map[string]*refmgr.SafeReference, mauBits map[string]int) *DataSectionCreator {
	return &DataSectionCreator{
		bin:        bin,
		labels:     labels,
		diags:      diags,
		aspaceRefs: aspaceRefs,
		mauBits:    mauBits,
		sections:   make(map[dataSectionKey]*tpef.Section),
		cursor:     make(map[dataSectionKey]int),
		lastUsed:   make(map[string]int),
	}
}

// ProcessSection lowers every DataLine of one `DATA <aspace> [start];`
// block into the matching section. On any line's failure, every byte this
// call wrote is rolled back and the cursor is left exactly as it was
// before the call.
func (d *DataSectionCreator) ProcessSection(open SectionOpen, lines []DataLine) error {
	if _, ok := d.aspaceRefs[open.AddressSpace]; !ok {
		return newCompileError(open.Line, "", fmt.Errorf("unknown address space %q", open.AddressSpace))
	}
	initialized := false
	for _, dl := range lines {
		if len(dl.Fields) > 0 {
			initialized = true
			break
		}
	}
	key := dataSectionKey{aspace: open.AddressSpace, initialized: initialized}
	sec, err := d.sectionFor(key, open)
	if err != nil {
		return err
	}

	savedData := append([]byte(nil), sec.Data...)
	savedLength := sec.Length
	savedCursor := d.cursor[key]

	cursor := savedCursor
	if open.HasStart {
		if int(open.Start) < d.lastUsed[open.AddressSpace] {
			return newCompileError(open.Line, "", fmt.Errorf("start address %d collides with last used address %d in address space %q", open.Start, d.lastUsed[open.AddressSpace], open.AddressSpace))
		}
		cursor = int(open.Start)
	}

	for _, dl := range lines {
		if err := d.processLine(sec, key, &cursor, dl); err != nil {
			sec.Data = savedData
			sec.Length = savedLength
			d.cursor[key] = savedCursor
			return err
		}
	}
	d.cursor[key] = cursor
	if cursor > d.lastUsed[open.AddressSpace] {
		d.lastUsed[open.AddressSpace] = cursor
	}
	return nil
}

func (d *DataSectionCreator) sectionFor(key dataSectionKey, open SectionOpen) (*tpef.Section, error) {
	if sec, ok := d.sections[key]; ok {
		return sec, nil
	}
	secType := tpef.STData
	if !key.initialized {
		secType = tpef.STUData
	}
	sec := &tpef.Section{Type: secType, ASpace: d.aspaceRefs[key.aspace]}
	if open.HasStart {
		sec.Start = tpef.Word(open.Start)
	}
	if err := d.bin.AddSection(sec); err != nil {
		return nil, err
	}
	d.sections[key] = sec
	return sec, nil
}

func (d *DataSectionCreator) processLine(sec *tpef.Section, key dataSectionKey, cursor *int, dl DataLine) error {
	start := *cursor
	mauBits := d.mauBits[key.aspace]
	if mauBits == 0 {
		mauBits = 8
	}

	if len(dl.Fields) == 0 {
		*cursor = start + dl.WidthMAUs
		if err := sec.SetDataLength(*cursor); err != nil {
			return newCompileError(dl.Line, "", err)
		}
		return d.attachLabels(sec, dl.Labels, start, dl.Line)
	}

	off := start
	for _, f := range dl.Fields {
		width := f.Width
		if width == 0 {
			width = dl.WidthMAUs
		}
		if width <= 0 {
			return newCompileError(dl.Line, "", fmt.Errorf("data field has no width"))
		}
		if err := sec.SetDataLength(off + width); err != nil {
			return newCompileError(dl.Line, "", err)
		}
		if err := d.writeField(sec, off, width, mauBits, f.Value, dl.Line); err != nil {
			return err
		}
		off += width
	}
	*cursor = off
	return d.attachLabels(sec, dl.Labels, start, dl.Line)
}

func (d *DataSectionCreator) writeField(sec *tpef.Section, off, width, mauBits int, v Expression, line int) error {
	if v.Symbol != "" {
		// Placeholder bytes; the relocation patches them in once v.Symbol
		// resolves to a real address.
		if err := sec.WriteValueUnsigned(off, width, mauBits, 0); err != nil {
			return newCompileError(line, "", err)
		}
		location := d.bin.Mgr.CreateForKey(refmgr.SectionOffsetKey(sec.ID, uint32(off)))
		relocType := tpef.RelocNone
		if v.HasOffset {
			relocType = tpef.RelocSelf
		}
		return d.labels.AddRelocation(sec, location, v.Symbol, nil, relocType, width*mauBits, 0, true)
	}
	val := v.Literal
	if v.HasResolved {
		val = v.Resolved
	}
	if err := sec.WriteValueSigned(off, width, mauBits, val); err != nil {
		return newCompileError(line, "", err)
	}
	return nil
}

func (d *DataSectionCreator) attachLabels(sec *tpef.Section, labels []string, offset int, line int) error {
	for _, name := range labels {
		target := d.bin.Mgr.CreateForKey(refmgr.SectionOffsetKey(sec.ID, uint32(offset)))
		if err := d.labels.DefineLabel(name, sec, target, 0, line, ""); err != nil {
			return err
		}
	}
	return nil
}
