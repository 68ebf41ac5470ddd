package reader

import (
	"github.com/pkg/errors"

	"github.com/gmofishsauce/tpef/internal/bstream"
	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

// Context is threaded through every per-section reader: the Binary under
// construction, its reference manager, and the raw stream (so a reader
// can seek to an out-of-line body, e.g. a string table referenced by
// name offset).
type Context struct {
	Binary *tpef.Binary
	Mgr    *refmgr.Manager
	Stream *bstream.Stream

	// fileOrder holds every section at the file index its header
	// appeared at, so Link/ASpaceID/Info fields (themselves
	// file-order indices per spec.md §6.1) can be translated once every
	// section has been registered.
	fileOrder []*tpef.Section

	// AddrSpaceSectionID is the one address-space section's id; every
	// ASpaceID-shaped field in the file is an index within it.
	AddrSpaceSectionID refmgr.SectionID
}

// SectionByFileIndex returns the section that was the i-th one read from
// the file, before section ids were assigned — used to resolve a header's
// Link/ASpaceID/Info fields, which are file-order indices.
func (c *Context) SectionByFileIndex(i uint32) *tpef.Section {
	if int(i) >= len(c.fileOrder) {
		return nil
	}
	return c.fileOrder[i]
}

// SectionReader decodes one section's body. Concrete readers register
// themselves against a tpef.SectionType at package init (spec.md §4.5).
type SectionReader interface {
	ReadData(ctx *Context, s *tpef.Section, header SectionHeader) error
}

var sectionReaders = map[tpef.SectionType]SectionReader{}

// RegisterSectionReader installs r as the reader for sections of type t.
func RegisterSectionReader(t tpef.SectionType, r SectionReader) {
	sectionReaders[t] = r
}

// ErrKeyNotFound mirrors spec.md §7's reader/writer lookup-miss error.
var ErrKeyNotFound = errors.New("reader: key not found")

// readSectionHeader reads one fixed section header per spec.md §6.1.
func readSectionHeader(s *bstream.Stream) (SectionHeader, error) {
	var h SectionHeader
	typ, err := s.ReadByte()
	if err != nil {
		return h, err
	}
	flags, err := s.ReadByte()
	if err != nil {
		return h, err
	}
	nameOff, err := s.ReadWord()
	if err != nil {
		return h, err
	}
	aspaceID, err := s.ReadHalfWord()
	if err != nil {
		return h, err
	}
	link, err := s.ReadHalfWord()
	if err != nil {
		return h, err
	}
	info, err := s.ReadWord()
	if err != nil {
		return h, err
	}
	start, err := s.ReadWord()
	if err != nil {
		return h, err
	}
	bodyOff, err := s.ReadWord()
	if err != nil {
		return h, err
	}
	bodyLen, err := s.ReadWord()
	if err != nil {
		return h, err
	}
	elemSize, err := s.ReadWord()
	if err != nil {
		return h, err
	}
	h = SectionHeader{
		Type:         tpef.SectionType(typ),
		Flags:        flags,
		NameOffset:   nameOff,
		ASpaceID:     aspaceID,
		Link:         link,
		Info:         info,
		StartAddress: start,
		BodyOffset:   bodyOff,
		BodyLength:   bodyLen,
		ElementSize:  elemSize,
	}
	return h, nil
}

const sectionHeaderSize = 1 + 1 + 4 + 2 + 2 + 4 + 4 + 4 + 4 + 4 // 30 bytes
