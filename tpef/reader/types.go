// Package reader is the L4 binary reader: a top-level dispatcher plus one
// reader per SectionType, each registering itself at package init the way
// spec.md §4.4/§4.5 describes. Concretely a binary reader is anything
// implementing FormatReader; TPEFFormatReader (this package) and the a.out
// importer (tpef/reader/aoutimport) both implement it and both register
// with Register at init time.
package reader

import "github.com/gmofishsauce/tpef/tpef"

// Magic is the four-byte TPEF magic this reader's writer emits: 0x7F
// followed by 'T', 'P', 'F' (spec.md §6.1). Some legacy TCE-family tools
// emit 'M'/'I' tri-byte variants instead; since this toolkit's own writer
// only ever emits the 'TPF' form, that is the only sequence IsMyStreamType
// checks for (spec.md's "any implementation must accept the same sequence
// its writer emits").
var Magic = [4]byte{0x7F, 'T', 'P', 'F'}

// FileHeader is spec.md §6.1's fixed file header.
type FileHeader struct {
	Version                byte
	FileType               tpef.FileType
	FileArch               tpef.FileArchitecture
	SectionCount           uint32
	SectionHeaderTableOffset uint32
	StringsSectionID       uint16
}

// SectionHeader is spec.md §6.1's fixed per-section header.
type SectionHeader struct {
	Type         tpef.SectionType
	Flags        byte
	NameOffset   uint32
	ASpaceID     uint16
	Link         uint16
	Info         uint32
	StartAddress uint32
	BodyOffset   uint32
	BodyLength   uint32
	ElementSize  uint32
}
