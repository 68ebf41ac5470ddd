package tpef

import "github.com/gmofishsauce/tpef/refmgr"

// SectionElement is implemented by every concrete element type a section
// may hold. It exists only to give the compiler a closed-ish set to check
// against; callers type-switch on the concrete type, mirroring how the
// teacher's readers type-switch on SectionType to pick a record layout
// (lang/yld/reader.go).
type SectionElement interface {
	isSectionElement()
}

// Annotation is extra, tool-specific data attached to an instruction
// element: a 24-bit id and up to 127 payload bytes (spec.md §3.4).
type Annotation struct {
	ID      uint32 // 24 bits significant
	Payload []byte // len <= 127
}

// Chunk is a handle to a byte offset inside a chunkable section's buffer
// (strings, data, udata). Two Chunks for the same offset in the same
// section must be the same logical reference — the owning Section's
// chunk-interning table enforces that (see Section.chunkAt).
type Chunk struct {
	Section SectionID
	Offset  SectionOffset
}

func (Chunk) isSectionElement() {}

// ASpaceElement is an address space: its MAU width, alignment and word
// size, plus a name chunk. Exactly one ASpaceElement in the binary is
// marked Undefined (spec.md §3.2, §3.4).
type ASpaceElement struct {
	MAUBits   int
	Align     int
	WordSize  int
	NameChunk *refmgr.SafeReference // resolves to Chunk in a string section
	Undefined bool
}

func (*ASpaceElement) isSectionElement() {}

// ResourceElement names one machine resource: a bus, unit, register file,
// operand, immediate unit, special register or port (spec.md §3.4).
type ResourceElement struct {
	ID        uint32
	Type      ResourceType
	NameChunk *refmgr.SafeReference // resolves to Chunk
	Info      uint32
}

func (*ResourceElement) isSectionElement() {}

// Symbol is the common shape of every symbol variant. Which fields are
// meaningful depends on Type, per spec.md §3.4:
//   - SymCode / SymProcedure: Instruction + Size
//   - SymData: DataChunk + Size
//   - SymSection: Value + Size
//   - SymFile: Value
type Symbol struct {
	Type      SymbolType
	Binding   SymbolBinding
	Absolute  bool
	NameChunk *refmgr.SafeReference // resolves to Chunk
	Owner     *refmgr.SafeReference // resolves to *Section
	Undefined bool                  // the mandatory element 0

	Instruction *refmgr.SafeReference // resolves to *InstructionElement (code/procedure)
	DataChunk   *refmgr.SafeReference // resolves to Chunk (data)
	Size        uint32                // in MAUs
	Value       uint32                // section/file symbols
}

func (*Symbol) isSectionElement() {}

// RelocationElement patches one location (a data Chunk or a code
// instruction element) with the resolved value of a destination (spec.md
// §3.4).
type RelocationElement struct {
	Type        RelocType
	SizeBits    int
	BitOffset   int
	Location    *refmgr.SafeReference // resolves to Chunk or *InstructionElement
	Destination *refmgr.SafeReference // resolves to Chunk or *InstructionElement
	DestASpace  *refmgr.SafeReference // resolves to *ASpaceElement
	Symbol      *refmgr.SafeReference // resolves to *Symbol
	Chunked     bool                  // true if Location/Destination are Chunks, false if instructions
}

func (*RelocationElement) isSectionElement() {}

// MoveField names one endpoint of a move: which kind of resource it is,
// and its (unit, index) pair. Unit is a resource id (spec.md §3.4);
// interpretation depends on Type.
type MoveField struct {
	Type  FieldType
	Unit  uint32
	Index uint32
}

// InstructionElement is one bundle-forming unit: either a Move or an
// Immediate assignment, optionally carrying annotations (spec.md §3.4,
// §3.5).
type InstructionElement struct {
	IsMove      bool // true: Move is populated; false: Immediate is populated
	Begin       bool // marks the first element of a bundle
	Annotations []Annotation

	Move      *MoveElement
	Immediate *ImmediateElement
}

func (*InstructionElement) isSectionElement() {}

// MoveElement is a single bus transport (spec.md §3.4).
type MoveElement struct {
	Bus         uint32 // 0 = universal bus
	Source      MoveField
	Destination MoveField
	Guard       MoveField
	Guarded     bool
	Inverted    bool
	Empty       bool
}

// ImmediateElement is a long or inline immediate assignment (spec.md
// §3.4). A long immediate occupies its own instruction slot and its
// Destination names the resource it ultimately writes. An inline
// immediate (Inline true) shares its bundle with the move it supplies a
// value to, and its Destination mirrors that move's own Destination
// field so the two can be paired by (unit, index) when disassembling
// (spec.md §4.9).
type ImmediateElement struct {
	Destination MoveField
	Value       []byte // 1..N bytes, big-endian
	Inline      bool
}

// DebugElement carries a.out stab data into TPEF unchanged (spec.md §3.4).
type DebugElement struct {
	Type        DebugType
	StabType    int
	Other       int
	Description int
	Value       uint32
	StringChunk *refmgr.SafeReference // resolves to Chunk
}

func (*DebugElement) isSectionElement() {}

// LineNumEntry maps one source line to one instruction.
type LineNumEntry struct {
	Line        int
	Instruction *refmgr.SafeReference // resolves to *InstructionElement
}

// LineNumProcedure groups line-number entries under the procedure symbol
// they describe (spec.md §3.4).
type LineNumProcedure struct {
	Procedure *refmgr.SafeReference // resolves to *Symbol
	Lines     []LineNumEntry
}

func (*LineNumProcedure) isSectionElement() {}
