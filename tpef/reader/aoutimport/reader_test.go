package aoutimport

import (
	"testing"

	"github.com/gmofishsauce/tpef/internal/bstream"
	"github.com/gmofishsauce/tpef/tpef"
	"github.com/gmofishsauce/tpef/tpef/reader"
)

// buildFixture assembles a minimal a.out-family file (spec.md §6.2): two
// empty-move text instructions, no data, and three nlist records (a GCC
// compilation-module marker, a global text symbol "foo" at instruction 1,
// and an N_ANN annotation on instruction 0 carrying "hello").
func buildFixture(t *testing.T) []byte {
	t.Helper()
	s := bstream.New(nil)

	s.WriteHalfWord(0)      // reserved
	s.WriteHalfWord(omagic) // 0x0107

	const textSize = 2 * aoutInstructionSize
	strTab := []byte("gcc2_compiled.\x00foo\x00" + "0000000001:hello" + "\x00")
	const symbolSize = 3 * nlistRecordSize

	s.WriteWord(textSize)
	s.WriteWord(0) // data size
	s.WriteWord(0) // udata size
	s.WriteWord(symbolSize)
	s.WriteWord(0) // entry point, ignored
	s.WriteWord(0) // text reloc size
	s.WriteWord(0) // data reloc size

	// Two empty-move instruction slots.
	for i := 0; i < 2; i++ {
		s.WriteByte(0) // bus
		s.WriteByte(0) // srcUnit
		s.WriteHalfWord(0)
		s.WriteByte(0) // dstUnit
		s.WriteHalfWord(0)
		s.WriteByte(1) // flags: empty move
	}

	writeNlist := func(strOffset uint32, typ byte, value uint32) {
		s.WriteWord(strOffset)
		s.WriteByte(typ)
		s.WriteByte(0) // other
		s.WriteHalfWord(0)
		s.WriteWord(value)
	}
	writeNlist(0, nText, 0)        // "gcc2_compiled." module marker
	writeNlist(15, nText|nExt, 8)  // "foo" at byte address 8 -> instruction 1
	writeNlist(19, nAnn, 0)        // annotation on instruction 0

	s.WriteWord(uint32(4 + len(strTab))) // string table size, including this word
	s.WriteBytes(strTab)

	return s.Bytes()
}

func TestImportAOutFixture(t *testing.T) {
	data := buildFixture(t)
	s := bstream.New(data)

	bin, err := reader.Read(s)
	if err != nil {
		t.Fatalf("reader.Read: %v", err)
	}
	if bin.FileType != tpef.FileSequentialObject {
		t.Fatalf("FileType = %v, want FileSequentialObject", bin.FileType)
	}

	codeSecs := bin.SectionsByType(tpef.STCode)
	if len(codeSecs) != 1 {
		t.Fatalf("expected one code section, got %d", len(codeSecs))
	}
	codeSec := codeSecs[0]
	if n := codeSec.InstructionCount(); n != 2 {
		t.Fatalf("InstructionCount() = %d, want 2", n)
	}

	symTabs := bin.SectionsByType(tpef.STSymTab)
	if len(symTabs) != 1 {
		t.Fatalf("expected one symbol table, got %d", len(symTabs))
	}
	symTab := symTabs[0]

	var gccMarker, fooSym *tpef.Symbol
	for i := 0; i < symTab.ElementCount(); i++ {
		e, err := symTab.Element(i)
		if err != nil {
			t.Fatalf("Element(%d): %v", i, err)
		}
		sym := e.(*tpef.Symbol)
		if sym.Undefined {
			continue
		}
		nameTarget, ok := sym.NameChunk.Target()
		if !ok {
			t.Fatalf("symbol %d name did not resolve", i)
		}
		chunk := nameTarget.(tpef.Chunk)
		strSec := bin.SectionByID(chunk.Section)
		name, err := strSec.ChunkToString(chunk)
		if err != nil {
			t.Fatalf("ChunkToString: %v", err)
		}
		switch name {
		case "gcc2_compiled.":
			gccMarker = sym
		case "foo":
			fooSym = sym
		}
	}

	if gccMarker == nil {
		t.Fatalf("no symbol named %q found", "gcc2_compiled.")
	}
	if gccMarker.Type != tpef.SymFile {
		t.Fatalf("gcc2_compiled. classified as %v, want SymFile", gccMarker.Type)
	}

	if fooSym == nil {
		t.Fatalf("no symbol named %q found", "foo")
	}
	if fooSym.Type != tpef.SymCode {
		t.Fatalf("foo classified as %v, want SymCode", fooSym.Type)
	}
	if fooSym.Binding != tpef.BindGlobal {
		t.Fatalf("foo binding = %v, want BindGlobal", fooSym.Binding)
	}
	instTarget, ok := fooSym.Instruction.Target()
	if !ok {
		t.Fatalf("foo's instruction reference did not resolve")
	}
	idx, err := codeSec.IndexOfInstruction(instTarget.(*tpef.InstructionElement))
	if err != nil || idx != 1 {
		t.Fatalf("foo resolved to bundle %d, %v, want bundle 1", idx, err)
	}

	inst0, err := codeSec.Instruction(0)
	if err != nil {
		t.Fatalf("Instruction(0): %v", err)
	}
	if len(inst0.Annotations) != 1 {
		t.Fatalf("instruction 0 has %d annotations, want 1", len(inst0.Annotations))
	}
	ann := inst0.Annotations[0]
	if ann.ID != 1 {
		t.Fatalf("annotation id = %d, want 1", ann.ID)
	}
	if string(ann.Payload) != "hello" {
		t.Fatalf("annotation payload = %q, want %q", ann.Payload, "hello")
	}
}
