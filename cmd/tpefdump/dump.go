package main

import (
	"fmt"

	"github.com/gmofishsauce/tpef/disasm"
	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

// dumper renders one Binary's contents to stdout. logical skips section
// and element indices so two dumps of semantically equivalent binaries
// diff cleanly even after reordering; wide aligns columns, which only
// makes sense when indices (and thus variable-width fields) are shown.
type dumper struct {
	bin     *tpef.Binary
	logical bool
	wide    bool
}

func newDumper(bin *tpef.Binary, logical, wide bool) *dumper {
	return &dumper{bin: bin, logical: logical, wide: wide}
}

func (d *dumper) dumpFileHeader() {
	fmt.Printf("file type:         %d\n", d.bin.FileType)
	fmt.Printf("file architecture: %d\n", d.bin.FileArch)
	fmt.Printf("version:           %d\n", d.bin.Version)
	if !d.logical {
		fmt.Printf("section count:     %d\n", len(d.bin.Sections))
	}
}

func (d *dumper) dumpSectionHeaders() {
	for _, s := range d.bin.Sections {
		if d.logical {
			fmt.Printf("%-8s %-12s link=%d start=%d length=%d\n", s.Type, s.Name, s.Link, s.Start, s.Length)
			continue
		}
		if d.wide {
			fmt.Printf("%3d  %-8s %-12s flags=%02x link=%-3d start=%-8d length=%d\n",
				s.ID, s.Type, s.Name, s.Flags, s.Link, s.Start, s.Length)
		} else {
			fmt.Printf("%d %s %s %02x %d %d %d\n", s.ID, s.Type, s.Name, s.Flags, s.Link, s.Start, s.Length)
		}
	}
}

func (d *dumper) dumpSection(i int) error {
	sec := d.bin.SectionByID(tpef.SectionID(i))
	if sec == nil {
		return fmt.Errorf("no section with id %d", i)
	}
	switch sec.Type {
	case tpef.STCode:
		return d.dumpCode(sec)
	case tpef.STSymTab:
		return d.dumpSymbolSection(sec)
	case tpef.STReloc:
		return d.dumpRelocSection(sec)
	case tpef.STAddrSpace:
		return d.dumpAddrSpaces(sec)
	case tpef.STMR:
		return d.dumpResources(sec)
	case tpef.STStrTab, tpef.STData:
		return d.dumpChunkable(sec)
	default:
		fmt.Printf("# section %d (%s): %d elements, no textual form\n", sec.ID, sec.Type, sec.ElementCount())
		return nil
	}
}

func (d *dumper) dumpCode(sec *tpef.Section) error {
	dis, err := disasm.NewForSection(d.bin, sec)
	if err != nil {
		return err
	}
	n := dis.InstructionCount()
	for i := 0; i < n; i++ {
		text, err := dis.TextAt(i)
		if err != nil {
			return err
		}
		if d.logical {
			fmt.Printf("%s;\n", text)
		} else {
			fmt.Printf("%5d: %s;\n", i, text)
		}
	}
	return nil
}

func (d *dumper) dumpChunkable(sec *tpef.Section) error {
	fmt.Printf("# section %d (%s): %d bytes\n", sec.ID, sec.Type, sec.Length)
	for i := 0; i < len(sec.Data); i += 16 {
		end := i + 16
		if end > len(sec.Data) {
			end = len(sec.Data)
		}
		if d.logical {
			fmt.Printf("  %x\n", sec.Data[i:end])
		} else {
			fmt.Printf("  %04x: %x\n", i, sec.Data[i:end])
		}
	}
	return nil
}

func (d *dumper) dumpAddrSpaces(sec *tpef.Section) error {
	for i := 0; i < sec.ElementCount(); i++ {
		e, err := sec.Element(i)
		if err != nil {
			return err
		}
		asp, ok := e.(*tpef.ASpaceElement)
		if !ok {
			return fmt.Errorf("section %d element %d is not an address space", sec.ID, i)
		}
		name, err := d.chunkString(asp.NameChunk)
		if err != nil {
			name = "?"
		}
		undef := ""
		if asp.Undefined {
			undef = " (undefined)"
		}
		fmt.Printf("%-12s mau=%-3d align=%-3d word=%-3d%s\n", name, asp.MAUBits, asp.Align, asp.WordSize, undef)
	}
	return nil
}

func (d *dumper) dumpResources(sec *tpef.Section) error {
	for i := 0; i < sec.ElementCount(); i++ {
		e, err := sec.Element(i)
		if err != nil {
			return err
		}
		re, ok := e.(*tpef.ResourceElement)
		if !ok {
			return fmt.Errorf("section %d element %d is not a resource", sec.ID, i)
		}
		name, err := d.chunkString(re.NameChunk)
		if err != nil {
			name = "?"
		}
		if d.logical {
			fmt.Printf("%-16s type=%-6s\n", name, re.Type)
		} else {
			fmt.Printf("id=%-4d %-16s type=%-6s info=%d\n", re.ID, name, re.Type, re.Info)
		}
	}
	return nil
}

func (d *dumper) dumpSymbols() error {
	for _, sec := range d.bin.SectionsByType(tpef.STSymTab) {
		if err := d.dumpSymbolSection(sec); err != nil {
			return err
		}
	}
	return nil
}

func (d *dumper) dumpSymbolSection(sec *tpef.Section) error {
	for i := 0; i < sec.ElementCount(); i++ {
		e, err := sec.Element(i)
		if err != nil {
			return err
		}
		sym, ok := e.(*tpef.Symbol)
		if !ok {
			return fmt.Errorf("section %d element %d is not a symbol", sec.ID, i)
		}
		name, err := d.chunkString(sym.NameChunk)
		if err != nil {
			name = "?"
		}
		if sym.Undefined {
			name = "*undefined*"
		}
		if d.logical {
			fmt.Printf("%-20s %-10s %-8s\n", name, sym.Type, sym.Binding)
		} else {
			fmt.Printf("%3d  %-20s %-10s %-8s size=%d value=%d\n", i, name, sym.Type, sym.Binding, sym.Size, sym.Value)
		}
	}
	return nil
}

func (d *dumper) dumpRelocs() error {
	for _, sec := range d.bin.SectionsByType(tpef.STReloc) {
		if err := d.dumpRelocSection(sec); err != nil {
			return err
		}
	}
	return nil
}

func (d *dumper) dumpRelocSection(sec *tpef.Section) error {
	for i := 0; i < sec.ElementCount(); i++ {
		e, err := sec.Element(i)
		if err != nil {
			return err
		}
		r, ok := e.(*tpef.RelocationElement)
		if !ok {
			return fmt.Errorf("section %d element %d is not a relocation", sec.ID, i)
		}
		if d.logical {
			fmt.Printf("type=%-6s size=%d bitoff=%d\n", r.Type, r.SizeBits, r.BitOffset)
		} else {
			fmt.Printf("%3d  type=%-6s size=%d bitoff=%d chunked=%v\n", i, r.Type, r.SizeBits, r.BitOffset, r.Chunked)
		}
	}
	return nil
}

// chunkString resolves ref to a Chunk and decodes its string, regardless
// of which string section the chunk lives in.
func (d *dumper) chunkString(ref *refmgr.SafeReference) (string, error) {
	target, bound := ref.Target()
	if !bound {
		return "", fmt.Errorf("unresolved name reference")
	}
	chunk, ok := target.(tpef.Chunk)
	if !ok {
		return "", fmt.Errorf("name reference did not resolve to a string chunk")
	}
	strs := d.bin.SectionByID(chunk.Section)
	if strs == nil {
		return "", fmt.Errorf("chunk names missing section %d", chunk.Section)
	}
	return strs.ChunkToString(chunk)
}
