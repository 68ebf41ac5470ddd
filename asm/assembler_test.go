package asm

import (
	"testing"

	"github.com/gmofishsauce/tpef/tpef"
	"github.com/gmofishsauce/tpef/tpef/writer"
)

func testMachine() *Machine {
	return &Machine{
		Name:             "testcore",
		BusWidth:         32,
		CodeAddressSpace: "instructions",
		AddressSpaces: []AddressSpaceDef{
			{Name: "instructions", MAUBits: 8, Align: 4, WordSize: 4},
			{Name: "data", MAUBits: 8, Align: 4, WordSize: 4},
		},
		RegisterFiles: []RegisterFileDef{
			{Name: "r", Width: 32, Size: 32},
		},
		FunctionUnits: []FunctionUnitDef{
			{Name: "add", Operations: []string{"add", "sub"}},
		},
	}
}

func TestAssembleMinimalProcedure(t *testing.T) {
	src := "CODE;\n" +
		":procedure main;\n" +
		"main: 0x5 -> r.0;\n" +
		"...;\n"
	bin, diags, err := Assemble(src, testMachine())
	if err != nil {
		t.Fatalf("Assemble: %v (errors: %v)", err, diags.Errors())
	}
	codeSecs := bin.SectionsByType(tpef.STCode)
	if len(codeSecs) != 1 {
		t.Fatalf("expected one code section, got %d", len(codeSecs))
	}
	if codeSecs[0].InstructionCount() == 0 {
		t.Fatalf("expected at least one bundle in the code section")
	}
}

func TestAssembleGlobalNeverDefinedFails(t *testing.T) {
	src := "CODE;\n:global missing;\nentry: 0x1 -> r.0;\n"
	_, diags, err := Assemble(src, testMachine())
	if err == nil {
		t.Fatalf("expected an error for an undefined global")
	}
	if len(diags.Errors()) == 0 {
		t.Fatalf("expected at least one recorded error diagnostic")
	}
}

func TestAssembleDataSectionRoundTrip(t *testing.T) {
	src := "DATA data;\n" +
		"buf: DA 1 0x41, 0x42, 0x43;\n"
	bin, diags, err := Assemble(src, testMachine())
	if err != nil {
		t.Fatalf("Assemble: %v (errors: %v)", err, diags.Errors())
	}
	dataSecs := bin.SectionsByType(tpef.STData)
	if len(dataSecs) != 1 {
		t.Fatalf("expected one data section, got %d", len(dataSecs))
	}
	want := []byte{0x41, 0x42, 0x43}
	for i, w := range want {
		got, err := dataSecs[0].ByteAt(i)
		if err != nil {
			t.Fatalf("ByteAt(%d): %v", i, err)
		}
		if got != w {
			t.Errorf("byte %d: got %#x, want %#x", i, got, w)
		}
	}
}

func TestAssembleDuplicateDestinationWrite(t *testing.T) {
	src := "CODE;\n0x1 -> r.0, 0x2 -> r.0;\n"
	_, diags, err := Assemble(src, testMachine())
	if err == nil {
		t.Fatalf("expected an error for a duplicate unguarded destination write")
	}
	if len(diags.Errors()) == 0 {
		t.Fatalf("expected the duplicate write to be recorded as a diagnostic")
	}
}

func TestAssembleGuardedOppositePolarityAllowed(t *testing.T) {
	src := "CODE;\n?r.1 0x1 -> r.0, !r.1 0x2 -> r.0;\n"
	_, diags, err := Assemble(src, testMachine())
	if err != nil {
		t.Fatalf("Assemble: %v (errors: %v)", err, diags.Errors())
	}
}

// TestAssembleSymbolSourcedInlineImmediateSerializes exercises a bundle
// whose move reads a forward-declared label through an inline immediate,
// followed by further bundles so the targeted label isn't bundle 0. This
// is the exact shape that exposed two bugs: the code reader registering
// cross-reference keys per flat element instead of per bundle, and the
// relocation location pointing at the inline immediate's companion
// element (never a bundle start) instead of the move itself.
func TestAssembleSymbolSourcedInlineImmediateSerializes(t *testing.T) {
	src := "CODE;\n" +
		"main: target -> r.0;\n" +
		"...;\n" +
		"target: 0x7 -> r.0;\n" +
		"...;\n"
	bin, diags, err := Assemble(src, testMachine())
	if err != nil {
		t.Fatalf("Assemble: %v (errors: %v)", err, diags.Errors())
	}
	codeSecs := bin.SectionsByType(tpef.STCode)
	if len(codeSecs) != 1 {
		t.Fatalf("expected one code section, got %d", len(codeSecs))
	}
	if n := codeSecs[0].InstructionCount(); n != 4 {
		t.Fatalf("InstructionCount() = %d, want 4", n)
	}
	if _, err := writer.Write(bin); err != nil {
		t.Fatalf("Write: %v (relocation location must resolve to a bundle-begin element)", err)
	}
}

func TestAssembleUnknownMachineReferenceFails(t *testing.T) {
	src := "CODE;\n0x1 -> nosuchrf.0;\n"
	_, diags, err := Assemble(src, testMachine())
	if err == nil {
		t.Fatalf("expected an error for a reference to a nonexistent register file")
	}
	if len(diags.Errors()) == 0 {
		t.Fatalf("expected the illegal machine reference to be recorded as a diagnostic")
	}
}
