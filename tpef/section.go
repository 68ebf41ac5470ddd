package tpef

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/gmofishsauce/tpef/refmgr"
)

// Sentinel errors named in spec.md §7.
var (
	ErrOutOfRange      = errors.New("tpef: out of range")
	ErrUnexpectedValue = errors.New("tpef: unexpected value")
)

// Section is the single concrete type backing every SectionType. Which
// fields apply depends on its Type: element-shaped sections (symtab,
// reloc, lineno, addrsp, mr, code, debug) use Elements; chunkable sections
// (strtab, data) use Data; udata uses only Length. A section never
// populates both Elements and Data, matching spec.md §3.3's "either
// ordered elements or a chunkable byte buffer (never both)".
type Section struct {
	ID   SectionID
	Type SectionType
	Name string

	ASpace *refmgr.SafeReference // resolves to *ASpaceElement
	Flags  byte
	Start  Word
	Link   SectionID // chains strtab/symtab/reloc per spec.md §3.2

	// ReferencedSection names the section this one describes positions
	// within: for STReloc, the section whose bytes the relocations patch;
	// for STLineNum, the code section its entries address (spec.md §3.3).
	ReferencedSection SectionID

	Elements []SectionElement

	Data   []byte
	Length int // logical length; for NoBits sections this may exceed len(Data)

	mgr *refmgr.Manager

	// chunks interns offset -> Chunk so that two calls addressing the
	// same offset return identical handles (spec.md §3.6).
	chunks map[SectionOffset]Chunk

	// instrCache maps bundle index -> element index for code sections
	// (spec.md §3.5); nil until first built, invalidated by any mutator.
	instrCache []int
}

// IsChunkable reports whether this section stores a byte buffer rather
// than a typed element list.
func (s *Section) IsChunkable() bool {
	return s.Type == STStrTab || s.Type == STData
}

// VLen reports whether the section's elements are variable length
// (spec.md's VLen flag).
func (s *Section) VLen() bool {
	return s.Flags&FlagVLen != 0
}

// NoBits reports whether the section reserves address-space bytes but
// stores no data in the file (spec.md's NoBits flag).
func (s *Section) NoBits() bool {
	return s.Flags&FlagNoBits != 0
}

// --- Element-shaped section API (spec.md §4.3) ---

// AddElement appends e and invalidates the instruction-start cache if
// this is a code section.
func (s *Section) AddElement(e SectionElement) {
	s.Elements = append(s.Elements, e)
	s.ClearInstructionCache()
}

// SetElement replaces the element at i. The caller is responsible for
// migrating any SafeReference that pointed at the old element (typically
// via refmgr.Manager.ReplaceAllReferences).
func (s *Section) SetElement(i int, e SectionElement) error {
	if i < 0 || i >= len(s.Elements) {
		return errors.Wrapf(ErrOutOfRange, "section %d: element index %d", s.ID, i)
	}
	s.Elements[i] = e
	s.ClearInstructionCache()
	return nil
}

// Element returns the element at i.
func (s *Section) Element(i int) (SectionElement, error) {
	if i < 0 || i >= len(s.Elements) {
		return nil, errors.Wrapf(ErrOutOfRange, "section %d: element index %d", s.ID, i)
	}
	return s.Elements[i], nil
}

// ElementCount returns the number of elements.
func (s *Section) ElementCount() int {
	return len(s.Elements)
}

// --- Chunkable / udata section API ---

// AddByte appends one byte to a chunkable section's buffer.
func (s *Section) AddByte(b byte) {
	s.Data = append(s.Data, b)
	s.Length = len(s.Data)
}

// ByteAt returns the byte at i.
func (s *Section) ByteAt(i int) (byte, error) {
	if i < 0 || i >= len(s.Data) {
		return 0, errors.Wrapf(ErrOutOfRange, "section %d: byte index %d", s.ID, i)
	}
	return s.Data[i], nil
}

// SetDataLength sets the section's logical length. For udata sections
// this is the only state they carry; for data sections shrinking below
// len(Data) is rejected since bytes already written cannot be discarded
// implicitly.
func (s *Section) SetDataLength(n int) error {
	if s.Type == STData && n < len(s.Data) {
		return errors.Wrapf(ErrOutOfRange, "section %d: length %d shorter than existing data %d", s.ID, n, len(s.Data))
	}
	s.Length = n
	return nil
}

// chunkAt returns the interned Chunk for offset, creating it on first use
// so repeated lookups of the same offset are the same logical reference
// (spec.md §3.6).
func (s *Section) chunkAt(offset SectionOffset) Chunk {
	if s.chunks == nil {
		s.chunks = make(map[SectionOffset]Chunk)
	}
	if c, ok := s.chunks[offset]; ok {
		return c
	}
	c := Chunk{Section: s.ID, Offset: offset}
	s.chunks[offset] = c
	return c
}

// --- String section API (spec.md §4.3) ---

// ChunkToString decodes the NUL-terminated byte run starting at chunk's
// offset. Fails with ErrUnexpectedValue if no terminating NUL is found.
func (s *Section) ChunkToString(chunk Chunk) (string, error) {
	if s.Type != STStrTab {
		return "", errors.Errorf("tpef: ChunkToString on non-string section %d", s.ID)
	}
	off := int(chunk.Offset)
	end := off
	for end < len(s.Data) && s.Data[end] != 0 {
		end++
	}
	if end >= len(s.Data) {
		return "", errors.Wrapf(ErrUnexpectedValue, "section %d: no NUL terminator from offset %d", s.ID, off)
	}
	return string(s.Data[off:end]), nil
}

// StringToChunk interns str (appending a NUL terminator) and returns the
// Chunk for its first occurrence, appending to the buffer only if the
// exact NUL-terminated run is not already present (spec.md §3.6). Offset 0
// is guaranteed to hold the empty string by NewStringSection.
func (s *Section) StringToChunk(str string) Chunk {
	if s.Type != STStrTab {
		panic("tpef: StringToChunk on non-string section")
	}
	needle := append([]byte(str), 0)
	if off, ok := findBytes(s.Data, needle); ok {
		return s.chunkAt(SectionOffset(off))
	}
	off := len(s.Data)
	s.Data = append(s.Data, needle...)
	s.Length = len(s.Data)
	return s.chunkAt(SectionOffset(off))
}

func findBytes(haystack, needle []byte) (int, bool) {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return 0, false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return i, true
		}
	}
	return 0, false
}

// NewStringSection returns an STStrTab section whose offset 0 is the
// empty string, per spec.md §3.6.
func NewStringSection(id SectionID, name string) *Section {
	s := &Section{ID: id, Type: STStrTab, Name: name, Data: []byte{0}, Length: 1}
	s.chunks = map[SectionOffset]Chunk{0: {Section: id, Offset: 0}}
	return s
}

// --- Data section MAU-granular writes (spec.md §4.3) ---

// WriteValueUnsigned places an unsigned, big-endian, MAU-granular value
// starting at mauIndex and spanning mauCount MAUs of the given width in
// bits. It fails with ErrOutOfRange if v needs more bits than mauCount*
// mauWidthBits can hold, or if the write would start past the section's
// logical length.
func (s *Section) WriteValueUnsigned(mauIndex, mauCount int, mauWidthBits int, v uint64) error {
	return s.writeValue(mauIndex, mauCount, mauWidthBits, v, false)
}

// WriteValueSigned is WriteValueUnsigned's signed counterpart: v's sign is
// extended across the written MAUs.
func (s *Section) WriteValueSigned(mauIndex, mauCount int, mauWidthBits int, v int64) error {
	return s.writeValue(mauIndex, mauCount, mauWidthBits, uint64(v), true)
}

func (s *Section) writeValue(mauIndex, mauCount, mauWidthBits int, v uint64, signed bool) error {
	if mauIndex < 0 || mauCount <= 0 {
		return errors.Wrapf(ErrOutOfRange, "section %d: mau index %d count %d", s.ID, mauIndex, mauCount)
	}
	totalBits := mauCount * mauWidthBits
	if totalBits < 64 {
		maxUnsigned := uint64(1)<<uint(totalBits) - 1
		if signed {
			sv := int64(v)
			minSigned := -(int64(1) << uint(totalBits-1))
			maxSigned := int64(1)<<uint(totalBits-1) - 1
			if sv < minSigned || sv > maxSigned {
				return errors.Wrapf(ErrOutOfRange, "section %d: value %d does not fit in %d bits", s.ID, sv, totalBits)
			}
		} else if v > maxUnsigned {
			return errors.Wrapf(ErrOutOfRange, "section %d: value %d does not fit in %d bits", s.ID, v, totalBits)
		}
	}
	if mauIndex+mauCount > s.Length {
		return errors.Wrapf(ErrOutOfRange, "section %d: write extends to MAU %d past length %d", s.ID, mauIndex+mauCount, s.Length)
	}
	for len(s.Data) < mauIndex+mauCount {
		s.Data = append(s.Data, 0)
	}
	mauMask := uint64(1)<<uint(mauWidthBits) - 1
	for k := 0; k < mauCount; k++ {
		shift := uint((mauCount - 1 - k) * mauWidthBits)
		s.Data[mauIndex+k] = byte((v >> shift) & mauMask)
	}
	return nil
}

// MAU returns the MAU stored at index (one byte per MAU), mostly useful
// for the round-trip property in spec.md §8 ("write_value followed
// by MAU(idx+k) reconstructs the value").
func (s *Section) MAU(index int) (byte, error) {
	return s.ByteAt(index)
}

// --- Code section instruction grouping (spec.md §3.5) ---

// ClearInstructionCache invalidates the bundle-start cache. Every
// mutator above calls this automatically; callers that mutate
// s.Elements directly (readers building the initial element list) must
// call it once after they finish.
func (s *Section) ClearInstructionCache() {
	s.instrCache = nil
}

func (s *Section) buildInstructionCache() {
	if s.instrCache != nil {
		return
	}
	cache := make([]int, 0, len(s.Elements))
	for i, e := range s.Elements {
		if inst, ok := e.(*InstructionElement); ok && inst.Begin {
			cache = append(cache, i)
		}
	}
	s.instrCache = cache
}

// InstructionCount returns the number of bundles in a code section.
func (s *Section) InstructionCount() int {
	s.buildInstructionCache()
	return len(s.instrCache)
}

// InstructionToSectionIndex maps a bundle index to the section-local
// element index of its first (begin=true) element.
func (s *Section) InstructionToSectionIndex(i int) (int, error) {
	s.buildInstructionCache()
	if i < 0 || i >= len(s.instrCache) {
		return 0, errors.Wrapf(ErrOutOfRange, "section %d: instruction index %d", s.ID, i)
	}
	return s.instrCache[i], nil
}

// Instruction returns the *InstructionElement beginning bundle i.
func (s *Section) Instruction(i int) (*InstructionElement, error) {
	idx, err := s.InstructionToSectionIndex(i)
	if err != nil {
		return nil, err
	}
	return s.Elements[idx].(*InstructionElement), nil
}

// IndexOfElement returns the section-local element index of e, by
// identity, or ErrOutOfRange if e is not one of this section's elements.
func (s *Section) IndexOfElement(e *InstructionElement) (int, error) {
	for i, el := range s.Elements {
		if el == SectionElement(e) {
			return i, nil
		}
	}
	return 0, errors.Wrapf(ErrOutOfRange, "section %d: element not found", s.ID)
}

// IndexOfInstruction returns the bundle index whose begin element is e,
// via binary search on the start cache as spec.md §4.3 specifies.
func (s *Section) IndexOfInstruction(e *InstructionElement) (int, error) {
	elemIdx, err := s.IndexOfElement(e)
	if err != nil {
		return 0, err
	}
	s.buildInstructionCache()
	i := sort.SearchInts(s.instrCache, elemIdx)
	if i >= len(s.instrCache) || s.instrCache[i] != elemIdx {
		return 0, errors.Wrapf(ErrOutOfRange, "section %d: element %d is not a bundle start", s.ID, elemIdx)
	}
	return i, nil
}
