package bstream

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	s := New(nil)
	s.WriteByte(0x7F)
	s.WriteHalfWord(0x1234)
	s.WriteWord(0xdeadbeef)
	s.WriteLongWord(0x0102030405060708)
	s.WriteBytes([]byte("hello"))

	if s.WritePosition() != 1+2+4+8+5 {
		t.Fatalf("write position = %d, want %d", s.WritePosition(), 1+2+4+8+5)
	}

	b, err := s.ReadByte()
	if err != nil || b != 0x7F {
		t.Fatalf("ReadByte() = %#x, %v", b, err)
	}
	h, err := s.ReadHalfWord()
	if err != nil || h != 0x1234 {
		t.Fatalf("ReadHalfWord() = %#x, %v", h, err)
	}
	w, err := s.ReadWord()
	if err != nil || w != 0xdeadbeef {
		t.Fatalf("ReadWord() = %#x, %v", w, err)
	}
	l, err := s.ReadLongWord()
	if err != nil || l != 0x0102030405060708 {
		t.Fatalf("ReadLongWord() = %#x, %v", l, err)
	}
	raw, err := s.ReadBytes(5)
	if err != nil || !bytes.Equal(raw, []byte("hello")) {
		t.Fatalf("ReadBytes(5) = %q, %v", raw, err)
	}
	if !s.EndOfFile() {
		t.Fatalf("expected EndOfFile after consuming every written byte")
	}
}

func TestSignedRoundTrip(t *testing.T) {
	s := New(nil)
	s.WriteSByte(-1)
	s.WriteSHalfWord(-2)
	s.WriteSWord(-3)
	s.SetReadPosition(0)

	if v, err := s.ReadSByte(); err != nil || v != -1 {
		t.Fatalf("ReadSByte() = %d, %v", v, err)
	}
	if v, err := s.ReadSHalfWord(); err != nil || v != -2 {
		t.Fatalf("ReadSHalfWord() = %d, %v", v, err)
	}
	if v, err := s.ReadSWord(); err != nil || v != -3 {
		t.Fatalf("ReadSWord() = %d, %v", v, err)
	}
}

func TestReadPastEndFails(t *testing.T) {
	s := New([]byte{0x01})
	if _, err := s.ReadByte(); err != nil {
		t.Fatalf("first ReadByte: %v", err)
	}
	if _, err := s.ReadByte(); err != ErrEndOfFile {
		t.Fatalf("expected ErrEndOfFile, got %v", err)
	}
}

func TestSetWritePositionPatchesInPlace(t *testing.T) {
	s := New(nil)
	placeholder := s.WritePosition()
	s.WriteWord(0) // reserved, patched below
	s.WriteBytes([]byte("payload"))
	end := s.WritePosition()

	s.SetWritePosition(placeholder)
	s.WriteWord(uint32(end))
	s.SetWritePosition(end)

	s.SetReadPosition(0)
	v, err := s.ReadWord()
	if err != nil || v != uint32(end) {
		t.Fatalf("patched word = %d, %v, want %d", v, err, end)
	}
}

func TestNewFromReader(t *testing.T) {
	s, err := NewFromReader(bytes.NewReader([]byte{1, 2, 3}))
	if err != nil {
		t.Fatalf("NewFromReader: %v", err)
	}
	if s.SizeOfFile() != 3 {
		t.Fatalf("SizeOfFile() = %d, want 3", s.SizeOfFile())
	}
}
