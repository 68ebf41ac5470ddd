package reader

import (
	"github.com/pkg/errors"

	"github.com/gmofishsauce/tpef/internal/bstream"
	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

// fileHeaderSize is the encoded size of FileHeader: magic(4) + version(1) +
// filetype(1) + filearch(1) + sectioncount(4) + sectionheaderoffset(4) +
// stringssection(2), padded to a 4-byte boundary (spec.md §6.1).
const fileHeaderSize = 4 + 1 + 1 + 1 + 4 + 4 + 2 + 3

// tpefFormat implements FormatReader for the native TPEF binary format.
// It is registered with Register at package init, per spec.md §4.4.
type tpefFormat struct{}

func (tpefFormat) IsMyStreamType(s *bstream.Stream) bool {
	start := s.ReadPosition()
	defer s.SetReadPosition(start)
	b, err := s.ReadBytes(4)
	if err != nil {
		return false
	}
	return [4]byte{b[0], b[1], b[2], b[3]} == Magic
}

func (tpefFormat) ReadData(s *bstream.Stream) (*tpef.Binary, error) {
	start := s.ReadPosition()
	magic, err := s.ReadBytes(4)
	if err != nil {
		return nil, errors.Wrap(err, "reader: magic")
	}
	if [4]byte{magic[0], magic[1], magic[2], magic[3]} != Magic {
		return nil, errors.New("reader: bad TPEF magic")
	}
	version, err := s.ReadByte()
	if err != nil {
		return nil, err
	}
	fileType, err := s.ReadByte()
	if err != nil {
		return nil, err
	}
	fileArch, err := s.ReadByte()
	if err != nil {
		return nil, err
	}
	sectionCount, err := s.ReadWord()
	if err != nil {
		return nil, err
	}
	sectionHeaderOffset, err := s.ReadWord()
	if err != nil {
		return nil, err
	}
	stringsSectionID, err := s.ReadHalfWord()
	if err != nil {
		return nil, err
	}
	if _, err := s.ReadBytes(3); err != nil { // header padding
		return nil, err
	}

	b := tpef.New()
	b.FileType = tpef.FileType(fileType)
	b.FileArch = tpef.FileArchitecture(fileArch)
	b.Version = version

	ctx := &Context{Binary: b, Mgr: b.Mgr, Stream: s}

	s.SetReadPosition(int(sectionHeaderOffset))
	headers := make([]SectionHeader, sectionCount)
	for i := range headers {
		h, err := readSectionHeader(s)
		if err != nil {
			return nil, errors.Wrapf(err, "reader: section header %d", i)
		}
		headers[i] = h
	}

	// The address-space id carried in every section header and in
	// relocation records is an *index within the binary's one
	// address-space section*, not a general section id (spec.md §3.2:
	// "exactly one address-space section exists"). Find it up front so
	// every other section can resolve its ASpace field against it.
	var addrSpaceSectionID refmgr.SectionID
	haveAddrSpaceSection := false
	for i, h := range headers {
		if h.Type == tpef.STAddrSpace {
			if i == 0 {
				addrSpaceSectionID = 0
			} else {
				addrSpaceSectionID = refmgr.SectionID(i) // sections are added in file order
			}
			haveAddrSpaceSection = true
			break
		}
	}
	if !haveAddrSpaceSection {
		return nil, errors.New("reader: binary has no address-space section")
	}
	ctx.AddrSpaceSectionID = addrSpaceSectionID

	for i, h := range headers {
		var sec *tpef.Section
		if i == 0 {
			if h.Type != tpef.STNull {
				return nil, errors.Errorf("reader: file section 0 must be null, got %s", h.Type)
			}
			sec = b.Sections[0]
			sec.Flags = h.Flags
			sec.Start = h.StartAddress
		} else {
			sec = &tpef.Section{Type: h.Type, Flags: h.Flags, Start: h.StartAddress}
			if err := b.AddSection(sec); err != nil {
				return nil, errors.Wrapf(err, "reader: section %d", i)
			}
		}
		sec.Link = refmgr.SectionID(h.Link)
		if sec.Type != tpef.STNull {
			sec.ASpace = b.Mgr.CreateForKey(refmgr.SectionIndexKey(addrSpaceSectionID, uint32(h.ASpaceID)))
		}
		if sec.Type == tpef.STReloc || sec.Type == tpef.STLineNum {
			sec.ReferencedSection = refmgr.SectionID(h.Info)
		}
		ctx.fileOrder = append(ctx.fileOrder, sec)
	}

	if int(stringsSectionID) < len(ctx.fileOrder) {
		_ = b.SetStringSection(ctx.fileOrder[stringsSectionID].ID)
	}

	// Pass 1: load every section's raw body bytes so name lookups in
	// pass 2 can hit a fully populated string section regardless of file
	// order (spec.md §4.5's "base routine reads a fixed section header
	// ... then delegates to type-specific read_data").
	for i, h := range headers {
		sec := ctx.fileOrder[i]
		s.SetReadPosition(int(h.BodyOffset))
		if sec.Type == tpef.STStrTab || sec.Type == tpef.STData {
			if sec.NoBits() {
				sec.Length = int(h.BodyLength)
				continue
			}
			data, err := s.ReadBytes(int(h.BodyLength))
			if err != nil {
				return nil, errors.Wrapf(err, "reader: section %d body", i)
			}
			sec.Data = data
			sec.Length = len(data)
		} else if sec.Type == tpef.STUData {
			sec.Length = int(h.BodyLength)
		}
	}

	// Resolve every section's Name now that string data is loaded.
	strSec := b.SectionByID(b.StringSection)
	for i, h := range headers {
		sec := ctx.fileOrder[i]
		if strSec != nil && !(sec.Type == tpef.STStrTab && sec.ID == strSec.ID && h.NameOffset == 0) {
			name, err := strSec.ChunkToString(tpef.Chunk{Section: strSec.ID, Offset: h.NameOffset})
			if err == nil {
				sec.Name = name
			}
		}
	}

	// Pass 2: decode element-shaped sections via their registered reader.
	for i, h := range headers {
		sec := ctx.fileOrder[i]
		reader, ok := sectionReaders[sec.Type]
		if !ok {
			continue
		}
		s.SetReadPosition(int(h.BodyOffset))
		if err := reader.ReadData(ctx, sec, h); err != nil {
			return nil, errors.Wrapf(err, "reader: section %d (%s)", i, sec.Type)
		}
	}

	if err := b.Mgr.Resolve(); err != nil {
		return nil, errors.Wrap(err, "reader: resolve")
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	_ = start
	return b, nil
}
