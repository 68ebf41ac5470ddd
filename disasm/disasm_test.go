package disasm

import (
	"testing"

	"github.com/gmofishsauce/tpef/asm"
)

func testMachine() *asm.Machine {
	return &asm.Machine{
		Name:             "testcore",
		BusWidth:         32,
		CodeAddressSpace: "instructions",
		AddressSpaces: []asm.AddressSpaceDef{
			{Name: "instructions", MAUBits: 8, Align: 4, WordSize: 4},
			{Name: "data", MAUBits: 8, Align: 4, WordSize: 4},
		},
		RegisterFiles: []asm.RegisterFileDef{
			{Name: "r", Width: 32, Size: 32},
		},
		FunctionUnits: []asm.FunctionUnitDef{
			{Name: "add", Operations: []string{"add", "sub"}},
		},
	}
}

func TestDisassembleInlineImmediateMove(t *testing.T) {
	src := "CODE;\n" +
		":procedure main;\n" +
		"main: 0x5 -> r.0;\n" +
		"...;\n"
	bin, diags, err := asm.Assemble(src, testMachine())
	if err != nil {
		t.Fatalf("Assemble: %v (errors: %v)", err, diags.Errors())
	}

	d, err := New(bin)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.InstructionCount() != 2 {
		t.Fatalf("expected 2 bundles, got %d", d.InstructionCount())
	}

	text, err := d.TextAt(0)
	if err != nil {
		t.Fatalf("TextAt(0): %v", err)
	}
	want := "0x5 -> r.0"
	if text != want {
		t.Errorf("TextAt(0) = %q, want %q", text, want)
	}

	text, err = d.TextAt(1)
	if err != nil {
		t.Fatalf("TextAt(1): %v", err)
	}
	if text != "..." {
		t.Errorf("TextAt(1) = %q, want \"...\"", text)
	}
}

func TestDisassembleLongImmediate(t *testing.T) {
	src := "CODE;\n" +
		"r.0 = 0x2a;\n"
	bin, diags, err := asm.Assemble(src, testMachine())
	if err != nil {
		t.Fatalf("Assemble: %v (errors: %v)", err, diags.Errors())
	}

	d, err := New(bin)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := d.TextAt(0)
	if err != nil {
		t.Fatalf("TextAt(0): %v", err)
	}
	want := "r.0 = 0x2a"
	if text != want {
		t.Errorf("TextAt(0) = %q, want %q", text, want)
	}
}

func TestDisassembleGuardedMoves(t *testing.T) {
	src := "CODE;\n?r.1 0x1 -> r.0, !r.1 0x2 -> r.2;\n"
	bin, diags, err := asm.Assemble(src, testMachine())
	if err != nil {
		t.Fatalf("Assemble: %v (errors: %v)", err, diags.Errors())
	}

	d, err := New(bin)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := d.TextAt(0)
	if err != nil {
		t.Fatalf("TextAt(0): %v", err)
	}
	// The first comma position is bus 0, which the "unassigned, appended
	// last" convention (spec.md §4.9) renders after bus 1's move.
	want := "!r.1 0x2 -> r.2, ?r.1 0x1 -> r.0"
	if text != want {
		t.Errorf("TextAt(0) = %q, want %q", text, want)
	}
}

func TestNewFailsWithoutCodeSection(t *testing.T) {
	src := "DATA data;\nbuf: DA 1 0x41;\n"
	bin, diags, err := asm.Assemble(src, testMachine())
	if err != nil {
		t.Fatalf("Assemble: %v (errors: %v)", err, diags.Errors())
	}
	if _, err := New(bin); err == nil {
		t.Fatalf("expected New to fail on a binary with no code section")
	}
}
