package tpef

import "testing"

func TestWriteValueRoundTripUnsigned(t *testing.T) {
	s := &Section{ID: 1, Type: STData, Length: 4}
	if err := s.WriteValueUnsigned(0, 2, 8, 0xBEEF); err != nil {
		t.Fatalf("WriteValueUnsigned: %v", err)
	}
	hi, err := s.MAU(0)
	if err != nil || hi != 0xBE {
		t.Fatalf("MAU(0) = %#x, %v, want 0xbe", hi, err)
	}
	lo, err := s.MAU(1)
	if err != nil || lo != 0xEF {
		t.Fatalf("MAU(1) = %#x, %v, want 0xef", lo, err)
	}
}

func TestWriteValueRoundTripSigned(t *testing.T) {
	s := &Section{ID: 1, Type: STData, Length: 2}
	if err := s.WriteValueSigned(0, 2, 8, -2); err != nil {
		t.Fatalf("WriteValueSigned: %v", err)
	}
	hi, _ := s.MAU(0)
	lo, _ := s.MAU(1)
	if hi != 0xFF || lo != 0xFE {
		t.Fatalf("MAU bytes = %#x %#x, want 0xff 0xfe", hi, lo)
	}
}

func TestWriteValueOutOfRange(t *testing.T) {
	s := &Section{ID: 1, Type: STData, Length: 1}
	if err := s.WriteValueUnsigned(0, 1, 8, 0x100); err == nil {
		t.Fatalf("expected ErrOutOfRange for a value wider than the MAU span")
	}
	if err := s.WriteValueUnsigned(5, 1, 8, 1); err == nil {
		t.Fatalf("expected ErrOutOfRange writing past the section's logical length")
	}
}

func TestStringInterning(t *testing.T) {
	s := NewStringSection(1, ".strtab")

	empty := s.StringToChunk("")
	if empty.Offset != 0 {
		t.Fatalf("empty string chunk offset = %d, want 0 (NewStringSection guarantee)", empty.Offset)
	}

	a1 := s.StringToChunk("sym01")
	a2 := s.StringToChunk("sym01")
	if a1 != a2 {
		t.Fatalf("StringToChunk(%q) returned distinct chunks: %v vs %v", "sym01", a1, a2)
	}

	b := s.StringToChunk("sym02")
	if b == a1 {
		t.Fatalf("distinct strings shared a chunk: %v", b)
	}

	str, err := s.ChunkToString(a1)
	if err != nil || str != "sym01" {
		t.Fatalf("ChunkToString(%v) = %q, %v, want %q", a1, str, err, "sym01")
	}
}

func TestStringInterningPrefixIsNotReused(t *testing.T) {
	// "sym0" is a byte-prefix of "sym01" but not NUL-terminated at that
	// point, so it must not be treated as an existing occurrence.
	s := NewStringSection(1, ".strtab")
	long := s.StringToChunk("sym01")
	short := s.StringToChunk("sym0")
	if short == long {
		t.Fatalf("StringToChunk(%q) reused the longer string's chunk %v", "sym0", long)
	}
	str, err := s.ChunkToString(short)
	if err != nil || str != "sym0" {
		t.Fatalf("ChunkToString(%v) = %q, %v, want %q", short, str, err, "sym0")
	}
}

func newInstruction(begin bool) *InstructionElement {
	return &InstructionElement{Begin: begin, IsMove: true, Move: &MoveElement{}}
}

func TestInstructionCacheTracksBundleStarts(t *testing.T) {
	s := &Section{ID: 1, Type: STCode}
	s.AddElement(newInstruction(true))  // bundle 0, element 0
	s.AddElement(newInstruction(false)) // bundle 0, element 1
	s.AddElement(newInstruction(true))  // bundle 1, element 2

	if n := s.InstructionCount(); n != 2 {
		t.Fatalf("InstructionCount() = %d, want 2", n)
	}
	idx0, err := s.InstructionToSectionIndex(0)
	if err != nil || idx0 != 0 {
		t.Fatalf("InstructionToSectionIndex(0) = %d, %v, want 0", idx0, err)
	}
	idx1, err := s.InstructionToSectionIndex(1)
	if err != nil || idx1 != 2 {
		t.Fatalf("InstructionToSectionIndex(1) = %d, %v, want 2", idx1, err)
	}

	inst1, err := s.Instruction(1)
	if err != nil {
		t.Fatalf("Instruction(1): %v", err)
	}
	bundleIdx, err := s.IndexOfInstruction(inst1)
	if err != nil || bundleIdx != 1 {
		t.Fatalf("IndexOfInstruction(bundle 1's element) = %d, %v, want 1", bundleIdx, err)
	}
}

func TestInstructionCacheInvalidatedByMutation(t *testing.T) {
	s := &Section{ID: 1, Type: STCode}
	s.AddElement(newInstruction(true))
	if n := s.InstructionCount(); n != 1 {
		t.Fatalf("InstructionCount() = %d, want 1", n)
	}

	s.AddElement(newInstruction(true))
	if n := s.InstructionCount(); n != 2 {
		t.Fatalf("InstructionCount() after AddElement = %d, want 2 (cache must be invalidated)", n)
	}
}

func TestIndexOfInstructionRejectsNonBundleStart(t *testing.T) {
	s := &Section{ID: 1, Type: STCode}
	s.AddElement(newInstruction(true))
	cont := newInstruction(false)
	s.AddElement(cont)

	if _, err := s.IndexOfInstruction(cont); err == nil {
		t.Fatalf("expected ErrOutOfRange for an element that does not begin a bundle")
	}
}
