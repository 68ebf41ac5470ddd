// Package bstream is the L1 stream layer: a seekable byte stream with
// typed big-endian read/write operations, a read cursor and a write
// cursor kept independently so a writer can patch an earlier placeholder
// without losing its append position.
package bstream

import (
	"io"

	"github.com/pkg/errors"
)

// ErrEndOfFile is returned by every Read* call that would read past the
// end of the underlying buffer.
var ErrEndOfFile = errors.New("bstream: end of file")

// Stream wraps an in-memory buffer (or a fully-read file) with independent
// read and write cursors. The reference implementation works this way
// because readers and writers both need random access: readers resolve
// forward references by offset, writers patch size placeholders after the
// fact.
type Stream struct {
	buf  []byte
	rpos int
	wpos int
}

// New wraps an existing byte slice for reading and writing in place.
func New(data []byte) *Stream {
	return &Stream{buf: data}
}

// NewFromReader reads r fully and returns a Stream positioned at its start.
func NewFromReader(r io.Reader) (*Stream, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "bstream: read")
	}
	return New(data), nil
}

// Bytes returns the stream's current backing buffer. Callers must not
// retain it across further writes, which may reallocate.
func (s *Stream) Bytes() []byte {
	return s.buf
}

// SizeOfFile returns the total number of bytes currently in the stream.
func (s *Stream) SizeOfFile() int {
	return len(s.buf)
}

// ReadPosition returns the current read cursor.
func (s *Stream) ReadPosition() int {
	return s.rpos
}

// SetReadPosition moves the read cursor. It does not validate the position
// against the buffer length; the next read will fail if it is out of range.
func (s *Stream) SetReadPosition(pos int) {
	s.rpos = pos
}

// WritePosition returns the current write cursor.
func (s *Stream) WritePosition() int {
	return s.wpos
}

// SetWritePosition moves the write cursor, e.g. to patch a placeholder
// recorded earlier in the stream. Writing never truncates the buffer.
func (s *Stream) SetWritePosition(pos int) {
	s.wpos = pos
}

// EndOfFile reports whether the read cursor has reached the end of the
// buffer.
func (s *Stream) EndOfFile() bool {
	return s.rpos >= len(s.buf)
}

func (s *Stream) ensure(n int) error {
	if s.rpos+n > len(s.buf) {
		return ErrEndOfFile
	}
	return nil
}

// ReadByte reads one unsigned byte and advances the read cursor.
func (s *Stream) ReadByte() (byte, error) {
	if err := s.ensure(1); err != nil {
		return 0, err
	}
	b := s.buf[s.rpos]
	s.rpos++
	return b, nil
}

// ReadHalfWord reads a big-endian 16-bit unsigned value.
func (s *Stream) ReadHalfWord() (uint16, error) {
	if err := s.ensure(2); err != nil {
		return 0, err
	}
	v := uint16(s.buf[s.rpos])<<8 | uint16(s.buf[s.rpos+1])
	s.rpos += 2
	return v, nil
}

// ReadWord reads a big-endian 32-bit unsigned value.
func (s *Stream) ReadWord() (uint32, error) {
	if err := s.ensure(4); err != nil {
		return 0, err
	}
	v := uint32(s.buf[s.rpos])<<24 | uint32(s.buf[s.rpos+1])<<16 |
		uint32(s.buf[s.rpos+2])<<8 | uint32(s.buf[s.rpos+3])
	s.rpos += 4
	return v, nil
}

// ReadLongWord reads a big-endian 64-bit unsigned value.
func (s *Stream) ReadLongWord() (uint64, error) {
	if err := s.ensure(8); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(s.buf[s.rpos+i])
	}
	s.rpos += 8
	return v, nil
}

// ReadSWord reads a big-endian signed 32-bit value.
func (s *Stream) ReadSWord() (int32, error) {
	v, err := s.ReadWord()
	return int32(v), err
}

// ReadSHalfWord reads a big-endian signed 16-bit value.
func (s *Stream) ReadSHalfWord() (int16, error) {
	v, err := s.ReadHalfWord()
	return int16(v), err
}

// ReadSByte reads a signed byte.
func (s *Stream) ReadSByte() (int8, error) {
	v, err := s.ReadByte()
	return int8(v), err
}

// ReadBytes reads n raw bytes without byte-swapping.
func (s *Stream) ReadBytes(n int) ([]byte, error) {
	if err := s.ensure(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, s.buf[s.rpos:s.rpos+n])
	s.rpos += n
	return out, nil
}

func (s *Stream) growTo(n int) {
	if n <= len(s.buf) {
		return
	}
	grown := make([]byte, n)
	copy(grown, s.buf)
	s.buf = grown
}

// WriteByte writes one byte at the write cursor, growing the buffer if
// necessary, and advances the cursor.
func (s *Stream) WriteByte(b byte) {
	s.growTo(s.wpos + 1)
	s.buf[s.wpos] = b
	s.wpos++
}

// WriteHalfWord writes a big-endian 16-bit value.
func (s *Stream) WriteHalfWord(v uint16) {
	s.growTo(s.wpos + 2)
	s.buf[s.wpos] = byte(v >> 8)
	s.buf[s.wpos+1] = byte(v)
	s.wpos += 2
}

// WriteWord writes a big-endian 32-bit value.
func (s *Stream) WriteWord(v uint32) {
	s.growTo(s.wpos + 4)
	s.buf[s.wpos] = byte(v >> 24)
	s.buf[s.wpos+1] = byte(v >> 16)
	s.buf[s.wpos+2] = byte(v >> 8)
	s.buf[s.wpos+3] = byte(v)
	s.wpos += 4
}

// WriteLongWord writes a big-endian 64-bit value.
func (s *Stream) WriteLongWord(v uint64) {
	s.growTo(s.wpos + 8)
	for i := 0; i < 8; i++ {
		s.buf[s.wpos+i] = byte(v >> uint(56-8*i))
	}
	s.wpos += 8
}

// WriteSWord writes a signed 32-bit value big-endian.
func (s *Stream) WriteSWord(v int32) {
	s.WriteWord(uint32(v))
}

// WriteSHalfWord writes a signed 16-bit value big-endian.
func (s *Stream) WriteSHalfWord(v int16) {
	s.WriteHalfWord(uint16(v))
}

// WriteSByte writes a signed byte.
func (s *Stream) WriteSByte(v int8) {
	s.WriteByte(byte(v))
}

// WriteBytes writes raw bytes without byte-swapping.
func (s *Stream) WriteBytes(b []byte) {
	s.growTo(s.wpos + len(b))
	copy(s.buf[s.wpos:], b)
	s.wpos += len(b)
}
