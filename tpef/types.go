// Package tpef is the L3 object model: typed sections and section
// elements forming the TPEF cross-section reference graph described in
// spec.md §3. Cross-references between elements are held as
// *refmgr.SafeReference so that a section built before the section it
// refers to still reads correctly once the whole graph is assembled.
package tpef

import "github.com/gmofishsauce/tpef/refmgr"

// Byte, HalfWord, Word, LongWord and SWord are the primitive TPEF wire
// widths (spec.md §3.1). They are plain Go integer types; the codec layer
// is responsible for big-endian encoding.
type (
	Byte     = uint8
	HalfWord = uint16
	Word     = uint32
	LongWord = uint64
	SWord    = int32
)

// FileOffset, SectionOffset and SectionIndex are typed aliases over Word
// used to keep the many uint32 quantities in this package from being
// accidentally interchanged.
type (
	FileOffset   = Word
	SectionOffset = Word
	SectionIndex = Word
)

// MAU is a Minimum Addressable Unit value, wide enough for any address
// space's MAU (up to 32 bits, spec.md §3.1).
type MAU = uint32

// SectionID identifies a section within one Binary; it is refmgr.SectionID
// under the hood so object-model code and the reference manager agree on
// identity.
type SectionID = refmgr.SectionID

// SectionType tags a section's role (spec.md §3.3).
type SectionType byte

const (
	STNull   SectionType = iota // placeholder; all "undefined" links point here
	STStrTab                    // string pool
	STSymTab                    // symbol table
	STDebug                     // debug data (a.out stabs)
	STReloc                     // relocations
	STLineNum                   // line-number info
	STAddrSpace                 // address-space table
	STMR                        // machine-resource table
	STCode                      // instruction stream
	STData                      // initialized data
	STUData                     // uninitialized data (nobits)
)

func (t SectionType) String() string {
	switch t {
	case STNull:
		return "null"
	case STStrTab:
		return "strtab"
	case STSymTab:
		return "symtab"
	case STDebug:
		return "debug"
	case STReloc:
		return "reloc"
	case STLineNum:
		return "lineno"
	case STAddrSpace:
		return "addrsp"
	case STMR:
		return "mr"
	case STCode:
		return "code"
	case STData:
		return "data"
	case STUData:
		return "udata"
	default:
		return "unknown"
	}
}

// Section flag bits (spec.md §3.3).
const (
	FlagVLen   byte = 1 << 0 // variable-length elements
	FlagNoBits byte = 1 << 1 // section reserves address-space bytes but stores no file data
)

// FileType is one of the whole-binary kinds spec.md §3.2 names.
type FileType byte

const (
	FileUndefined FileType = iota
	FileSequentialObject
	FilePureSequential
	FileLibrary
	FileMixed
	FileParallel
)

// FileArchitecture is the target instruction-set family spec.md §3.2 names.
type FileArchitecture byte

const (
	ArchUndefined FileArchitecture = iota
	ArchTTAMove
	ArchTTATUT
	ArchTDSTI
)

// Reserved resource identification codes (spec.md §3.4).
const (
	ResIDUniversalBus  = 0
	ResIDUniversalFU   = 0
	ResIDIntegerRF     = 0x80
	ResIDBoolRF        = 0x81
	ResIDFloatRF       = 0x82
	ResIDInlineImmUnit = 0
	// UniversalRFBit marks a universal register file in a resource ID.
	UniversalRFBit = 0x80
)

// SymbolType tags which Symbol variant a symbol element is (spec.md §3.4).
type SymbolType byte

const (
	SymNoType SymbolType = iota
	SymCode
	SymData
	SymSection
	SymFile
	SymProcedure
)

func (t SymbolType) String() string {
	switch t {
	case SymNoType:
		return "notype"
	case SymCode:
		return "code"
	case SymData:
		return "data"
	case SymSection:
		return "section"
	case SymFile:
		return "file"
	case SymProcedure:
		return "procedure"
	default:
		return "unknown"
	}
}

// SymbolBinding is a symbol's linkage visibility.
type SymbolBinding byte

const (
	BindLocal SymbolBinding = iota
	BindGlobal
	BindWeak
)

func (b SymbolBinding) String() string {
	switch b {
	case BindLocal:
		return "local"
	case BindGlobal:
		return "global"
	case BindWeak:
		return "weak"
	default:
		return "unknown"
	}
}

// RelocType tags a relocation's addressing mode (spec.md §3.4).
type RelocType byte

const (
	RelocNone RelocType = iota
	RelocSelf
	RelocPage
	RelocPCRel
)

func (t RelocType) String() string {
	switch t {
	case RelocNone:
		return "none"
	case RelocSelf:
		return "self"
	case RelocPage:
		return "page"
	case RelocPCRel:
		return "pcrel"
	default:
		return "unknown"
	}
}

// ResourceType tags a ResourceElement's kind (spec.md §3.4).
type ResourceType byte

const (
	ResNone ResourceType = iota
	ResBus
	ResUnit
	ResRF
	ResOperand
	ResImmediate
	ResSpecialReg
	ResPort
)

func (t ResourceType) String() string {
	switch t {
	case ResNone:
		return "none"
	case ResBus:
		return "bus"
	case ResUnit:
		return "unit"
	case ResRF:
		return "rf"
	case ResOperand:
		return "operand"
	case ResImmediate:
		return "immediate"
	case ResSpecialReg:
		return "specialreg"
	case ResPort:
		return "port"
	default:
		return "unknown"
	}
}

// FieldType tags what kind of machine resource a move's source,
// destination or guard field names (spec.md §3.4).
type FieldType byte

const (
	FieldNull FieldType = iota
	FieldRF
	FieldImmediate
	FieldUnit
)

// DebugType tags a DebugElement variant; only "stab" is modeled (spec.md
// §3.4), matching a.out's debug format, the only source of debug data a
// TPEF binary carries in this toolkit.
type DebugType byte

const (
	DebugStab DebugType = iota
)
