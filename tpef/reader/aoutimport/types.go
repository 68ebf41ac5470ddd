// Package aoutimport is the legacy a.out reader (spec.md §4.7): it
// registers itself with tpef/reader as a second FormatReader and
// synthesizes a full TPEF object graph from a classic a.out-family file.
package aoutimport

// header is the classic 8-word a.out exec header this toolchain's legacy
// object files use (spec.md §6.2): two reserved half-words (the second
// being the OMAGIC marker), then text/data/udata/symbol sizes, an ignored
// entry point, and two relocation-table sizes.
type header struct {
	TextSize      uint32
	DataSize      uint32
	UDataSize     uint32
	SymbolSize    uint32
	TextRelocSize uint32
	DataRelocSize uint32
}

const fileHeaderSize = 8 * 4 // 8 words, spec.md §6.2

// omagic is the classic a.out OMAGIC value, stored as the second half-word
// of the header (spec.md §6.2: "0x0107 at the 3rd-4th byte after a 0x7F").
const omagic = 0x0107

// a.out MAU/word conventions this toolchain hard-codes for both address
// spaces it synthesizes (spec.md §4.7, §9's "must be preserved" note).
const (
	aoutMAUBits       = 8
	aoutWordAlign     = 4
	aoutWordSize      = 4
	aoutInstructionSize = 8 // bytes per instruction slot; addresses are in units of this
)

const (
	codeASpaceName = "universal_instructions"
	dataASpaceName = "universal_data"
)

// nlist symbol type codes (spec.md §4.7; N_PRTAB/N_ANN are this
// toolchain's extensions beyond classic a.out, not in the spec's explicit
// list but named by behavior there).
const (
	nExt   = 0x01 // binding bit, ORed into any of the types below
	nUndf  = 0x00
	nText  = 0x02
	nData  = 0x04
	nBss   = 0x06
	nFn    = 0x1F
	nPRTab = 0x16
	nAnn   = 0x18
)

const (
	gccModuleStartSymbol1 = "gcc2_compiled."
	gccModuleStartSymbol2 = "___gnu_compiled_c"
)

// nlistRecord is one 12-byte a.out symbol-table entry.
type nlistRecord struct {
	StrOffset uint32
	Type      byte
	Other     byte
	Desc      uint16
	Value     uint32
}

const nlistRecordSize = 4 + 1 + 1 + 2 + 4

// relocRecord is this toolchain's a.out relocation record: a byte address,
// the symbol it relocates against, and a width/pc-relative flag byte. The
// exact bit layout is this importer's own choice (the format's relocation
// shape is underspecified beyond "reads its record shape", spec.md §4.5.3).
// SymIndex addresses this importer's own synthesized symbol table in its
// emission order, not a raw a.out symbol-table offset.
type relocRecord struct {
	Address   uint32
	SymIndex  uint32
	LengthLog2 byte // 0=1 byte, 1=2 bytes, 2=4 bytes, 3=8 bytes
	PCRelative bool
}

const relocRecordSize = 4 + 4 + 1 + 1

// compilationModule tracks one compilation unit's starting instruction
// index and the operation-id remap table accumulated for it via N_PRTAB
// clashes (spec.md §4.7).
type compilationModule struct {
	StartInstruction uint32
	Remap            map[uint32]uint32 // old universal-FU index -> canonical index
}
