package writer

import (
	"bytes"
	"testing"

	"github.com/gmofishsauce/tpef/internal/bstream"
	"github.com/gmofishsauce/tpef/tpef"
	"github.com/gmofishsauce/tpef/tpef/reader"
)

// baseBinary returns a Binary carrying only the mandatory null section, a
// binary-wide string table and an address-space section with the
// undefined aspace plus one named, defined aspace (spec.md §3.2).
func baseBinary(t *testing.T, aspaceName string) (*tpef.Binary, *tpef.Section, *tpef.Section, *tpef.ASpaceElement) {
	t.Helper()
	bin := tpef.New()
	bin.FileArch = tpef.ArchTTAMove

	strSec := &tpef.Section{Type: tpef.STStrTab}
	if err := bin.AddSection(strSec); err != nil {
		t.Fatalf("AddSection(strtab): %v", err)
	}
	strSec.StringToChunk("")

	aspaceSec := &tpef.Section{Type: tpef.STAddrSpace}
	if err := bin.AddSection(aspaceSec); err != nil {
		t.Fatalf("AddSection(aspace): %v", err)
	}
	undefined := &tpef.ASpaceElement{
		Undefined: true,
		NameChunk: bin.Mgr.CreateForTarget(strSec.StringToChunk("")),
	}
	aspaceSec.AddElement(undefined)
	// Sections that belong to no address space refer to the undefined one.
	strSec.ASpace = bin.Mgr.CreateForTarget(undefined)
	aspaceSec.ASpace = bin.Mgr.CreateForTarget(undefined)
	defined := &tpef.ASpaceElement{
		MAUBits:   8,
		Align:     4,
		WordSize:  4,
		NameChunk: bin.Mgr.CreateForTarget(strSec.StringToChunk(aspaceName)),
	}
	aspaceSec.AddElement(defined)
	return bin, strSec, aspaceSec, defined
}

func writeThenRead(t *testing.T, bin *tpef.Binary) (*tpef.Binary, []byte) {
	t.Helper()
	if err := bin.Mgr.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := bin.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	data, err := Write(bin)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	s, err := bstream.NewFromReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewFromReader: %v", err)
	}
	got, err := reader.Read(s)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return got, data
}

// assertByteStable re-serializes got and checks it reproduces want
// exactly, the generic form of spec.md §8's round-trip property: writing
// what was just read back must not drift.
func assertByteStable(t *testing.T, got *tpef.Binary, want []byte) {
	t.Helper()
	if err := got.Mgr.Resolve(); err != nil {
		t.Fatalf("Resolve (re-read binary): %v", err)
	}
	again, err := Write(got)
	if err != nil {
		t.Fatalf("Write (re-read binary): %v", err)
	}
	if !bytes.Equal(again, want) {
		t.Fatalf("round trip not byte-stable: got %d bytes, want %d bytes", len(again), len(want))
	}
}

func TestRoundTripEmptyBinary(t *testing.T) {
	bin, _, _, _ := baseBinary(t, "data")
	got, data := writeThenRead(t, bin)

	if len(got.Sections) != len(bin.Sections) {
		t.Fatalf("section count = %d, want %d", len(got.Sections), len(bin.Sections))
	}
	if got.Sections[0].Type != tpef.STNull {
		t.Fatalf("section 0 type = %v, want STNull", got.Sections[0].Type)
	}
	assertByteStable(t, got, data)
}

func TestRoundTripDataSection(t *testing.T) {
	bin, _, _, data := baseBinary(t, "data")

	dataSec := &tpef.Section{Type: tpef.STData, Length: 3}
	dataSec.ASpace = bin.Mgr.CreateForTarget(data)
	if err := bin.AddSection(dataSec); err != nil {
		t.Fatalf("AddSection(data): %v", err)
	}
	for _, b := range []byte{0x50, 0x60, 0x70} {
		dataSec.AddByte(b)
	}

	got, fileBytes := writeThenRead(t, bin)

	readData := got.SectionsByType(tpef.STData)
	if len(readData) != 1 {
		t.Fatalf("expected one data section, got %d", len(readData))
	}
	mau0, err := readData[0].MAU(0)
	if err != nil || mau0 != 0x50 {
		t.Fatalf("MAU(0) = %#x, %v, want 0x50", mau0, err)
	}
	mau1, err := readData[0].MAU(1)
	if err != nil || mau1 != 0x60 {
		t.Fatalf("MAU(1) = %#x, %v, want 0x60", mau1, err)
	}
	if readData[0].Length != 3 {
		t.Fatalf("Length = %d, want 3", readData[0].Length)
	}
	assertByteStable(t, got, fileBytes)
}

func TestRoundTripSymbolReferencesInstruction(t *testing.T) {
	bin, strSec, _, codeAspace := baseBinary(t, "instructions")

	codeSec := &tpef.Section{Type: tpef.STCode}
	codeSec.ASpace = bin.Mgr.CreateForTarget(codeAspace)
	if err := bin.AddSection(codeSec); err != nil {
		t.Fatalf("AddSection(code): %v", err)
	}
	inst := &tpef.InstructionElement{
		IsMove: true,
		Begin:  true,
		Move:   &tpef.MoveElement{Bus: 1, Empty: true},
	}
	codeSec.AddElement(inst)

	symTab := &tpef.Section{Type: tpef.STSymTab, Link: strSec.ID}
	symTab.ASpace = bin.Mgr.CreateForTarget(codeAspace)
	if err := bin.AddSection(symTab); err != nil {
		t.Fatalf("AddSection(symtab): %v", err)
	}
	symTab.AddElement(&tpef.Symbol{
		Type:      tpef.SymNoType,
		Undefined: true,
		NameChunk: bin.Mgr.CreateForTarget(strSec.StringToChunk("")),
		Owner:     bin.Mgr.CreateForTarget(bin.Sections[0]),
	})
	sym01 := &tpef.Symbol{
		Type:        tpef.SymCode,
		Binding:     tpef.BindGlobal,
		NameChunk:   bin.Mgr.CreateForTarget(strSec.StringToChunk("sym01")),
		Owner:       bin.Mgr.CreateForTarget(codeSec),
		Instruction: bin.Mgr.CreateForTarget(inst),
	}
	symTab.AddElement(sym01)

	got, fileBytes := writeThenRead(t, bin)

	readSymTabs := got.SectionsByType(tpef.STSymTab)
	if len(readSymTabs) != 1 {
		t.Fatalf("expected one symbol table, got %d", len(readSymTabs))
	}
	e, err := readSymTabs[0].Element(1)
	if err != nil {
		t.Fatalf("Element(1): %v", err)
	}
	readSym := e.(*tpef.Symbol)
	nameTarget, ok := readSym.NameChunk.Target()
	if !ok {
		t.Fatalf("symbol name did not resolve")
	}
	readStrSec := got.SectionByID(nameTarget.(tpef.Chunk).Section)
	name, err := readStrSec.ChunkToString(nameTarget.(tpef.Chunk))
	if err != nil || name != "sym01" {
		t.Fatalf("symbol name = %q, %v, want %q", name, err, "sym01")
	}

	instTarget, ok := readSym.Instruction.Target()
	if !ok {
		t.Fatalf("symbol instruction reference did not resolve")
	}
	readCodeSecs := got.SectionsByType(tpef.STCode)
	idx, err := readCodeSecs[0].IndexOfInstruction(instTarget.(*tpef.InstructionElement))
	if err != nil || idx != 0 {
		t.Fatalf("symbol resolved to bundle %d, %v, want bundle 0", idx, err)
	}
	assertByteStable(t, got, fileBytes)
}

func TestRoundTripRelocationPatchesImmediateFromData(t *testing.T) {
	bin, strSec, _, dataAspace := baseBinary(t, "data")

	dataSec := &tpef.Section{Type: tpef.STData, Length: 4}
	dataSec.ASpace = bin.Mgr.CreateForTarget(dataAspace)
	if err := bin.AddSection(dataSec); err != nil {
		t.Fatalf("AddSection(data): %v", err)
	}
	for i := 0; i < 4; i++ {
		dataSec.AddByte(0)
	}

	codeSec := &tpef.Section{Type: tpef.STCode}
	codeSec.ASpace = bin.Mgr.CreateForTarget(dataAspace)
	if err := bin.AddSection(codeSec); err != nil {
		t.Fatalf("AddSection(code): %v", err)
	}
	immInst := &tpef.InstructionElement{
		IsMove: false,
		Begin:  true,
		Immediate: &tpef.ImmediateElement{
			Destination: tpef.MoveField{Type: tpef.FieldRF, Unit: 1, Index: 0},
			Value:       []byte{0, 0, 0, 0},
		},
	}
	codeSec.AddElement(immInst)

	symTab := &tpef.Section{Type: tpef.STSymTab, Link: strSec.ID}
	symTab.ASpace = bin.Mgr.CreateForTarget(dataAspace)
	if err := bin.AddSection(symTab); err != nil {
		t.Fatalf("AddSection(symtab): %v", err)
	}
	symTab.AddElement(&tpef.Symbol{
		Type:      tpef.SymNoType,
		Undefined: true,
		NameChunk: bin.Mgr.CreateForTarget(strSec.StringToChunk("")),
		Owner:     bin.Mgr.CreateForTarget(bin.Sections[0]),
	})

	relocSec := &tpef.Section{Type: tpef.STReloc, Link: symTab.ID, ReferencedSection: codeSec.ID}
	relocSec.ASpace = bin.Mgr.CreateForTarget(dataAspace)
	if err := bin.AddSection(relocSec); err != nil {
		t.Fatalf("AddSection(reloc): %v", err)
	}
	undefSym, _ := symTab.Element(0)
	relocSec.AddElement(&tpef.RelocationElement{
		Type:        tpef.RelocSelf,
		SizeBits:    32,
		Chunked:     false,
		Location:    bin.Mgr.CreateForTarget(immInst),
		Destination: bin.Mgr.CreateForTarget(tpef.Chunk{Section: dataSec.ID, Offset: 0}),
		DestASpace:  bin.Mgr.CreateForTarget(dataAspace),
		Symbol:      bin.Mgr.CreateForTarget(undefSym),
	})

	got, fileBytes := writeThenRead(t, bin)

	readRelocs := got.SectionsByType(tpef.STReloc)
	if len(readRelocs) != 1 {
		t.Fatalf("expected one relocation section, got %d", len(readRelocs))
	}
	e, err := readRelocs[0].Element(0)
	if err != nil {
		t.Fatalf("Element(0): %v", err)
	}
	rel := e.(*tpef.RelocationElement)

	locTarget, ok := rel.Location.Target()
	if !ok {
		t.Fatalf("relocation location did not resolve")
	}
	if _, ok := locTarget.(*tpef.InstructionElement); !ok {
		t.Fatalf("relocation location resolved to %T, want *tpef.InstructionElement", locTarget)
	}

	destTarget, ok := rel.Destination.Target()
	if !ok {
		t.Fatalf("relocation destination did not resolve")
	}
	destChunk, ok := destTarget.(tpef.Chunk)
	if !ok || destChunk.Offset != 0 {
		t.Fatalf("relocation destination = %v, %v, want offset 0 into the data section", destTarget, ok)
	}
	assertByteStable(t, got, fileBytes)
}

func TestRoundTripAnnotationDebugAndLineNum(t *testing.T) {
	bin, strSec, _, codeAspace := baseBinary(t, "instructions")

	codeSec := &tpef.Section{Type: tpef.STCode}
	codeSec.ASpace = bin.Mgr.CreateForTarget(codeAspace)
	if err := bin.AddSection(codeSec); err != nil {
		t.Fatalf("AddSection(code): %v", err)
	}
	inst := &tpef.InstructionElement{
		IsMove: true,
		Begin:  true,
		Move:   &tpef.MoveElement{Bus: 1, Empty: true},
		Annotations: []tpef.Annotation{
			{ID: 1, Payload: []byte("hello")},
		},
	}
	codeSec.AddElement(inst)

	symTab := &tpef.Section{Type: tpef.STSymTab, Link: strSec.ID}
	symTab.ASpace = bin.Mgr.CreateForTarget(codeAspace)
	if err := bin.AddSection(symTab); err != nil {
		t.Fatalf("AddSection(symtab): %v", err)
	}
	symTab.AddElement(&tpef.Symbol{
		Type:      tpef.SymNoType,
		Undefined: true,
		NameChunk: bin.Mgr.CreateForTarget(strSec.StringToChunk("")),
		Owner:     bin.Mgr.CreateForTarget(bin.Sections[0]),
	})
	procSym := &tpef.Symbol{
		Type:        tpef.SymProcedure,
		Binding:     tpef.BindGlobal,
		NameChunk:   bin.Mgr.CreateForTarget(strSec.StringToChunk("main")),
		Owner:       bin.Mgr.CreateForTarget(codeSec),
		Instruction: bin.Mgr.CreateForTarget(inst),
	}
	symTab.AddElement(procSym)

	debugSec := &tpef.Section{Type: tpef.STDebug, Link: strSec.ID}
	debugSec.ASpace = bin.Mgr.CreateForTarget(codeAspace)
	if err := bin.AddSection(debugSec); err != nil {
		t.Fatalf("AddSection(debug): %v", err)
	}
	debugSec.AddElement(&tpef.DebugElement{
		Type:        tpef.DebugStab,
		StabType:    0x24,
		Description: 7,
		Value:       42,
		StringChunk: bin.Mgr.CreateForTarget(strSec.StringToChunk("main.c")),
	})

	linenoSec := &tpef.Section{Type: tpef.STLineNum, Link: symTab.ID, ReferencedSection: codeSec.ID}
	linenoSec.ASpace = bin.Mgr.CreateForTarget(codeAspace)
	if err := bin.AddSection(linenoSec); err != nil {
		t.Fatalf("AddSection(lineno): %v", err)
	}
	linenoSec.AddElement(&tpef.LineNumProcedure{
		Procedure: bin.Mgr.CreateForTarget(procSym),
		Lines: []tpef.LineNumEntry{
			{Line: 10, Instruction: bin.Mgr.CreateForTarget(inst)},
		},
	})

	got, fileBytes := writeThenRead(t, bin)

	readCodeSecs := got.SectionsByType(tpef.STCode)
	readInst, err := readCodeSecs[0].Instruction(0)
	if err != nil {
		t.Fatalf("Instruction(0): %v", err)
	}
	if len(readInst.Annotations) != 1 {
		t.Fatalf("annotations = %d, want 1", len(readInst.Annotations))
	}
	if readInst.Annotations[0].ID != 1 || string(readInst.Annotations[0].Payload) != "hello" {
		t.Fatalf("annotation = %+v, want id 1 payload %q", readInst.Annotations[0], "hello")
	}

	readDebugSecs := got.SectionsByType(tpef.STDebug)
	if len(readDebugSecs) != 1 {
		t.Fatalf("expected one debug section, got %d", len(readDebugSecs))
	}
	de, err := readDebugSecs[0].Element(0)
	if err != nil {
		t.Fatalf("debug Element(0): %v", err)
	}
	debugEl := de.(*tpef.DebugElement)
	if debugEl.StabType != 0x24 || debugEl.Value != 42 {
		t.Fatalf("debug element = %+v, want StabType 0x24, Value 42", debugEl)
	}
	nameTarget, ok := debugEl.StringChunk.Target()
	if !ok {
		t.Fatalf("debug string chunk did not resolve")
	}
	chunk := nameTarget.(tpef.Chunk)
	name, err := got.SectionByID(chunk.Section).ChunkToString(chunk)
	if err != nil || name != "main.c" {
		t.Fatalf("debug string = %q, %v, want %q", name, err, "main.c")
	}

	readLinenoSecs := got.SectionsByType(tpef.STLineNum)
	if len(readLinenoSecs) != 1 {
		t.Fatalf("expected one lineno section, got %d", len(readLinenoSecs))
	}
	pe, err := readLinenoSecs[0].Element(0)
	if err != nil {
		t.Fatalf("lineno Element(0): %v", err)
	}
	proc := pe.(*tpef.LineNumProcedure)
	if len(proc.Lines) != 1 || proc.Lines[0].Line != 10 {
		t.Fatalf("lineno procedure = %+v, want one line entry with Line 10", proc)
	}
	procTarget, ok := proc.Procedure.Target()
	if !ok {
		t.Fatalf("lineno procedure symbol did not resolve")
	}
	if _, ok := procTarget.(*tpef.Symbol); !ok {
		t.Fatalf("lineno procedure resolved to %T, want *tpef.Symbol", procTarget)
	}
	instTarget, ok := proc.Lines[0].Instruction.Target()
	if !ok {
		t.Fatalf("lineno instruction did not resolve")
	}
	if idx, err := readCodeSecs[0].IndexOfInstruction(instTarget.(*tpef.InstructionElement)); err != nil || idx != 0 {
		t.Fatalf("lineno instruction resolved to bundle %d, %v, want bundle 0", idx, err)
	}
	assertByteStable(t, got, fileBytes)
}

func TestRoundTripResourceTable(t *testing.T) {
	bin, strSec, _, _ := baseBinary(t, "instructions")

	mrSec := &tpef.Section{Type: tpef.STMR, Link: strSec.ID}
	mrSec.ASpace = bin.Mgr.CreateForTarget(mustUndefined(t, bin))
	if err := bin.AddSection(mrSec); err != nil {
		t.Fatalf("AddSection(mr): %v", err)
	}
	mrSec.AddElement(&tpef.ResourceElement{
		ID:        3,
		Type:      tpef.ResUnit,
		NameChunk: bin.Mgr.CreateForTarget(strSec.StringToChunk("add")),
		Info:      7,
	})

	got, fileBytes := writeThenRead(t, bin)

	readMRSecs := got.SectionsByType(tpef.STMR)
	if len(readMRSecs) != 1 {
		t.Fatalf("expected one resource section, got %d", len(readMRSecs))
	}
	e, err := readMRSecs[0].Element(0)
	if err != nil {
		t.Fatalf("Element(0): %v", err)
	}
	res := e.(*tpef.ResourceElement)
	if res.ID != 3 || res.Type != tpef.ResUnit || res.Info != 7 {
		t.Fatalf("resource = %+v, want ID 3, Type ResUnit, Info 7", res)
	}
	nameTarget, ok := res.NameChunk.Target()
	if !ok {
		t.Fatalf("resource name did not resolve")
	}
	chunk := nameTarget.(tpef.Chunk)
	name, err := got.SectionByID(chunk.Section).ChunkToString(chunk)
	if err != nil || name != "add" {
		t.Fatalf("resource name = %q, %v, want %q", name, err, "add")
	}
	assertByteStable(t, got, fileBytes)
}

// mustUndefined returns the binary's undefined address space, the aspace
// a resource table (which isn't itself address-space-relative data) is
// conventionally tagged with.
func mustUndefined(t *testing.T, bin *tpef.Binary) *tpef.ASpaceElement {
	t.Helper()
	asp, err := bin.UndefinedAddressSpace()
	if err != nil {
		t.Fatalf("UndefinedAddressSpace: %v", err)
	}
	return asp
}
