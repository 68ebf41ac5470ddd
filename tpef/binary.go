package tpef

import (
	"github.com/pkg/errors"

	"github.com/gmofishsauce/tpef/refmgr"
)

// ErrInvariant is wrapped by every Binary.Validate failure (spec.md §3.2's
// invariants).
var ErrInvariant = errors.New("tpef: binary invariant violated")

// Binary owns an ordered collection of sections plus the whole-file
// metadata from spec.md §3.2. Section emission order is deterministic
// (spec.md §5): address-space, strings, resources, symbols, relocations,
// code, data, in the order they were added within each kind — callers
// that build a Binary from scratch should add sections in that order,
// since the Sections slice holds them as stored.
type Binary struct {
	Sections []*Section

	StringSection SectionID // the binary-wide "strings" table, if any
	HasStrings    bool

	FileType FileType
	FileArch FileArchitecture
	Version  byte

	Mgr *refmgr.Manager

	nextID SectionID
}

// New returns a Binary with its own reference manager and the mandatory
// null section (spec.md §3.2: "exactly one null section exists and is
// section index 0").
func New() *Binary {
	b := &Binary{}
	b.Mgr = refmgr.New(b.materializeChunk)
	null := &Section{ID: 0, Type: STNull}
	b.Sections = append(b.Sections, null)
	b.nextID = 1
	if err := b.Mgr.AddObjectReference(refmgr.SectionKey(0), null); err != nil {
		panic(err) // unreachable: 0 is always first registration
	}
	return b
}

// materializeChunk implements refmgr.Manager's chunk materializer: for a
// SectionOffsetKey whose section is chunkable, it returns the interned
// Chunk at that offset (spec.md §4.2's resolve() contract).
func (b *Binary) materializeChunk(id refmgr.SectionID, offset uint32) (any, error) {
	s := b.SectionByID(id)
	if s == nil {
		return nil, errors.Errorf("tpef: materializeChunk: no section %d", id)
	}
	if !s.IsChunkable() {
		return nil, errors.Errorf("tpef: materializeChunk: section %d is not chunkable", id)
	}
	if int(offset) > s.Length {
		return nil, errors.Errorf("tpef: materializeChunk: offset %d past section %d length %d", offset, id, s.Length)
	}
	return s.chunkAt(SectionOffset(offset)), nil
}

// AddSection appends a new section, assigns it the next section id, and
// registers it under its SectionKey so pending SafeReferences resolve.
func (b *Binary) AddSection(s *Section) error {
	s.ID = b.nextID
	b.nextID++
	s.mgr = b.Mgr
	b.Sections = append(b.Sections, s)
	if s.Type == STStrTab && !b.HasStrings {
		// First string section added becomes the binary-wide table, per
		// spec.md §3.2's "at most one string section may be the
		// binary-wide strings table"; callers that want a different one
		// call SetStringSection explicitly.
		b.StringSection = s.ID
		b.HasStrings = true
	}
	return b.Mgr.AddObjectReference(refmgr.SectionKey(s.ID), s)
}

// SetStringSection designates id as the binary-wide strings table.
func (b *Binary) SetStringSection(id SectionID) error {
	s := b.SectionByID(id)
	if s == nil || s.Type != STStrTab {
		return errors.Errorf("tpef: SetStringSection: %d is not a string section", id)
	}
	b.StringSection = id
	b.HasStrings = true
	return nil
}

// SectionByID returns the section with the given id, or nil.
func (b *Binary) SectionByID(id SectionID) *Section {
	for _, s := range b.Sections {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// SectionsByType returns every section of the given type, in binary
// order.
func (b *Binary) SectionsByType(t SectionType) []*Section {
	var out []*Section
	for _, s := range b.Sections {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}

// AddressSpaceSection returns the binary's single STAddrSpace section, or
// nil if none has been added yet.
func (b *Binary) AddressSpaceSection() *Section {
	secs := b.SectionsByType(STAddrSpace)
	if len(secs) == 0 {
		return nil
	}
	return secs[0]
}

// UndefinedAddressSpace returns the distinguished "undefined" address
// space element every section outside an address space refers to (spec.md
// §3.2).
func (b *Binary) UndefinedAddressSpace() (*ASpaceElement, error) {
	aspaceSec := b.AddressSpaceSection()
	if aspaceSec == nil {
		return nil, errors.Errorf("tpef: no address-space section")
	}
	for i := 0; i < aspaceSec.ElementCount(); i++ {
		e, _ := aspaceSec.Element(i)
		if asp, ok := e.(*ASpaceElement); ok && asp.Undefined {
			return asp, nil
		}
	}
	return nil, errors.Errorf("tpef: address-space section has no undefined aspace")
}

// Validate checks the whole-binary invariants from spec.md §3.2 that
// don't require the binary to have been fully read (link-field closure,
// exactly one null/address-space section).
func (b *Binary) Validate() error {
	if len(b.Sections) == 0 || b.Sections[0].Type != STNull || b.Sections[0].ID != 0 {
		return errors.Wrap(ErrInvariant, "section 0 must be the null section")
	}
	nullCount, aspaceCount := 0, 0
	for _, s := range b.Sections {
		if s.Type == STNull {
			nullCount++
		}
		if s.Type == STAddrSpace {
			aspaceCount++
		}
	}
	if nullCount != 1 {
		return errors.Wrapf(ErrInvariant, "expected exactly one null section, found %d", nullCount)
	}
	if aspaceCount != 1 {
		return errors.Wrapf(ErrInvariant, "expected exactly one address-space section, found %d", aspaceCount)
	}
	if _, err := b.UndefinedAddressSpace(); err != nil {
		return errors.Wrap(ErrInvariant, err.Error())
	}
	for _, s := range b.Sections {
		if s.Link != 0 && b.SectionByID(s.Link) == nil {
			return errors.Wrapf(ErrInvariant, "section %d links to missing section %d", s.ID, s.Link)
		}
	}
	return nil
}

// RemoveSection drops a section and informs the reference manager so
// outstanding SafeReferences into it (and into its elements) become nil,
// per spec.md §3.7 ("dropping a binary drops all sections ... and prompts
// the reference manager to invalidate any outstanding references").
func (b *Binary) RemoveSection(id SectionID) {
	for i, s := range b.Sections {
		if s.ID != id {
			continue
		}
		for _, e := range s.Elements {
			b.Mgr.InformDeletedSafePointable(e)
		}
		b.Mgr.InformDeletedSafePointable(s)
		b.Sections = append(b.Sections[:i], b.Sections[i+1:]...)
		return
	}
}
